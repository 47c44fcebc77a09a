package jwtutil

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	UserID         string `json:"uid"`
	SessionPurpose string `json:"purpose,omitempty"`
	jwt.RegisteredClaims
}

type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience string
	TTL      time.Duration
}

// Signer issues HS256 session tokens once the one-time-code gate has passed.
type Signer struct {
	cfg JWTConfig
	now func() time.Time
}

func NewSigner(cfg JWTConfig) *Signer {
	return &Signer{cfg: cfg, now: time.Now}
}

func (s *Signer) Issue(userID, purpose string) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.cfg.TTL)
	claims := Claims{
		UserID:         userID,
		SessionPurpose: purpose,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			Issuer:    s.cfg.Issuer,
			Audience:  jwt.ClaimStrings{s.cfg.Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.cfg.Secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, exp, nil
}

type Verifier struct {
	secret   []byte
	issuer   string
	audience string
}

func NewVerifier(cfg JWTConfig) *Verifier {
	return &Verifier{secret: []byte(cfg.Secret), issuer: cfg.Issuer, audience: cfg.Audience}
}

func (v *Verifier) ParseAndValidate(tokenStr string) (*Claims, error) {
	claims := new(Claims)
	parser := jwt.NewParser(
		jwt.WithAudience(v.audience),
		jwt.WithIssuer(v.issuer),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)

	token, err := parser.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	})
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
