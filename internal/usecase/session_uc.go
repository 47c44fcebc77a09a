package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/pkg/auth/jwtutil"
	"github.com/avu-1/CREDORA/pkg/utils/cache"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"

	"go.uber.org/zap"
)

const sessionRevokedNamespace = "session_revoked"

// SessionUsecase ends and rotates session tokens. Tokens are stateless, so a
// revoked one is remembered by hash until it would have expired anyway.
type SessionUsecase struct {
	cache       *cache.Cache
	signer      *jwtutil.Signer
	invalidator CacheInvalidator
	auditor     *Auditor
	ttl         time.Duration
	logger      *zap.Logger
}

func NewSessionUsecase(c *cache.Cache, signer *jwtutil.Signer, invalidator CacheInvalidator, auditor *Auditor, ttl time.Duration, logger *zap.Logger) *SessionUsecase {
	return &SessionUsecase{cache: c, signer: signer, invalidator: invalidator, auditor: auditor, ttl: ttl, logger: logger}
}

func tokenHash(token string) string {
	sum := sha256.Sum256([]byte(token))
	return base64.URLEncoding.EncodeToString(sum[:])
}

// revoke marks the token as spent and reports whether this call did it.
func (uc *SessionUsecase) revoke(ctx context.Context, token string) (bool, error) {
	return uc.cache.SetNX(ctx, sessionRevokedNamespace, tokenHash(token), time.Now().UTC().Unix(), uc.ttl)
}

// IsRevoked satisfies the auth middleware's revocation check.
func (uc *SessionUsecase) IsRevoked(ctx context.Context, token string) (bool, error) {
	return uc.cache.Exists(ctx, sessionRevokedNamespace, tokenHash(token))
}

// Logout revokes the token and drops the user's cached views. Logging out
// twice with the same token is not an error.
func (uc *SessionUsecase) Logout(ctx context.Context, userID, token string, meta RequestMeta) error {
	if token == "" {
		return xerrors.ErrUnauthorized
	}
	if _, err := uc.revoke(ctx, token); err != nil {
		uc.audit(domain.AuditActionLogout, userID, domain.AuditFailure, "store_error", meta)
		return fmt.Errorf("failed to revoke session: %w", err)
	}
	if uc.invalidator != nil {
		if err := uc.invalidator.Invalidate(ctx, userID); err != nil {
			uc.logger.Warn("cache invalidation on logout failed", zap.String("user_id", userID), zap.Error(err))
		}
	}
	uc.audit(domain.AuditActionLogout, userID, domain.AuditSuccess, "", meta)
	return nil
}

// Refresh exchanges a live token for a new one. The old token is revoked
// first, so concurrent refreshes of the same token yield one new session.
func (uc *SessionUsecase) Refresh(ctx context.Context, userID, token string, meta RequestMeta) (*SessionResult, error) {
	if token == "" {
		return nil, xerrors.ErrUnauthorized
	}
	won, err := uc.revoke(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("failed to revoke session: %w", err)
	}
	if !won {
		uc.audit(domain.AuditActionRefresh, userID, domain.AuditFailure, "token_reused", meta)
		return nil, xerrors.ErrInvalidToken
	}

	next, exp, err := uc.signer.Issue(userID, domain.OTPPurposeLogin)
	if err != nil {
		return nil, fmt.Errorf("failed to issue session: %w", err)
	}
	uc.audit(domain.AuditActionRefresh, userID, domain.AuditSuccess, "", meta)
	return &SessionResult{Token: next, ExpiresAt: exp, UserID: userID}, nil
}

func (uc *SessionUsecase) audit(action, userID string, outcome domain.AuditOutcome, reason string, meta RequestMeta) {
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
