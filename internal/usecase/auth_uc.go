package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/internal/repository"
	"github.com/avu-1/CREDORA/pkg/auth/jwtutil"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"
	"github.com/avu-1/CREDORA/pkg/utils/id"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const (
	MinPasswordLen      = 8
	accountNumberPrefix = "100"
)

type RequestMeta struct {
	RequestID string
	IPAddress string
	UserAgent string
}

type SignupRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

type SignupResult struct {
	UserID        string `json:"userId"`
	AccountID     string `json:"accountId"`
	AccountNumber string `json:"accountNumber"`
	OTPRequired   bool   `json:"otpRequired"`
}

type LoginResult struct {
	UserID      string `json:"userId"`
	OTPRequired bool   `json:"otpRequired"`
}

type SessionResult struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	UserID    string    `json:"userId"`
}

// AuthUsecase owns signup and login. A session token is only ever issued
// after the one-time code gate has passed.
type AuthUsecase struct {
	users       repository.UserStore
	otp         *OTPUsecase
	signer      *jwtutil.Signer
	auditor     *Auditor
	seedBalance decimal.Decimal
	currency    string
	logger      *zap.Logger
}

func NewAuthUsecase(
	users repository.UserStore,
	otp *OTPUsecase,
	signer *jwtutil.Signer,
	auditor *Auditor,
	seedBalance decimal.Decimal,
	currency string,
	logger *zap.Logger,
) *AuthUsecase {
	return &AuthUsecase{
		users:       users,
		otp:         otp,
		signer:      signer,
		auditor:     auditor,
		seedBalance: seedBalance,
		currency:    currency,
		logger:      logger,
	}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", xerrors.ErrInvalidEmailFormat
	}
	return email, nil
}

// Signup creates the user with a savings account seeded with the opening
// balance, then issues a login code.
func (uc *AuthUsecase) Signup(ctx context.Context, req SignupRequest, meta RequestMeta) (*SignupResult, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < MinPasswordLen {
		return nil, xerrors.ErrWeakPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(req.FirstName),
		LastName:     strings.TrimSpace(req.LastName),
		IsActive:     true,
	}
	account := &domain.Account{
		ID:            uuid.NewString(),
		AccountNumber: id.GenerateAccountNumber(accountNumberPrefix, 7),
		OwnerUserID:   user.ID,
		AccountType:   domain.AccountSavings,
		Balance:       uc.seedBalance,
		Currency:      uc.currency,
		Status:        domain.AccountActive,
	}
	if err := uc.users.CreateWithAccount(ctx, user, account); err != nil {
		uc.audit(domain.AuditActionSignup, "", domain.AuditFailure, xerrors.Reason(err), meta)
		return nil, err
	}

	uc.logger.Info("user signed up",
		zap.String("user_id", user.ID),
		zap.String("account_number", account.AccountNumber))
	uc.audit(domain.AuditActionSignup, user.ID, domain.AuditSuccess, "", meta)

	if _, err := uc.otp.Issue(ctx, user.ID, domain.OTPPurposeLogin); err != nil {
		return nil, err
	}
	return &SignupResult{
		UserID:        user.ID,
		AccountID:     account.ID,
		AccountNumber: account.AccountNumber,
		OTPRequired:   true,
	}, nil
}

// Login checks the password and issues a login code. Unknown emails and wrong
// passwords are indistinguishable to the caller.
func (uc *AuthUsecase) Login(ctx context.Context, email, password string, meta RequestMeta) (*LoginResult, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	user, err := uc.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, xerrors.ErrUserNotFound) {
			uc.audit(domain.AuditActionLogin, "", domain.AuditFailure, "invalid_credentials", meta)
			return nil, xerrors.ErrInvalidCredentials
		}
		return nil, err
	}
	if !user.IsActive {
		uc.audit(domain.AuditActionLogin, user.ID, domain.AuditFailure, "inactive", meta)
		return nil, xerrors.ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		uc.audit(domain.AuditActionLogin, user.ID, domain.AuditFailure, "invalid_credentials", meta)
		return nil, xerrors.ErrInvalidCredentials
	}

	if _, err := uc.otp.Issue(ctx, user.ID, domain.OTPPurposeLogin); err != nil {
		return nil, err
	}
	uc.audit(domain.AuditActionLogin, user.ID, domain.AuditSuccess, "otp_sent", meta)
	return &LoginResult{UserID: user.ID, OTPRequired: true}, nil
}

// VerifyLogin passes the login code through the gate and, when it is valid,
// issues a session token. The VerifyResult is always returned so callers can
// report the reason on failure.
func (uc *AuthUsecase) VerifyLogin(ctx context.Context, userID, code string) (*domain.VerifyResult, *SessionResult, error) {
	res, err := uc.otp.Verify(ctx, userID, code, domain.OTPPurposeLogin)
	if err != nil {
		return nil, nil, err
	}
	if !res.Valid {
		return res, nil, nil
	}

	token, exp, err := uc.signer.Issue(userID, domain.OTPPurposeLogin)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to issue session: %w", err)
	}
	return res, &SessionResult{Token: token, ExpiresAt: exp, UserID: userID}, nil
}

func (uc *AuthUsecase) ResendLoginOTP(ctx context.Context, userID string) error {
	if _, err := uc.users.GetByID(ctx, userID); err != nil {
		return err
	}
	_, err := uc.otp.Issue(ctx, userID, domain.OTPPurposeLogin)
	return err
}

func (uc *AuthUsecase) audit(action, userID string, outcome domain.AuditOutcome, reason string, meta RequestMeta) {
	uc.auditor.Record(&domain.AuditEntry{
		Action:      action,
		ActorUserID: userID,
		Outcome:     outcome,
		Reason:      reason,
		RequestID:   meta.RequestID,
		IPAddress:   meta.IPAddress,
		UserAgent:   meta.UserAgent,
	})
}
