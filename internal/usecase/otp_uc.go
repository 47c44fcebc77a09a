package usecase

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/avu-1/CREDORA/internal/domain"
	"github.com/avu-1/CREDORA/pkg/utils/cache"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"
	"github.com/avu-1/CREDORA/pkg/utils/id"

	"go.uber.org/zap"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

const (
	otpNamespace         = "otp"
	otpAttemptsNamespace = "otp_attempts"
	otpLockedNamespace   = "otp_locked"
)

type OTPConfig struct {
	TTL         time.Duration
	Length      int
	MaxAttempts int
	Lockout     time.Duration
	// LogCodes writes issued codes to the log; development only.
	LogCodes bool
}

// OTPUsecase is the one-time code gate. Codes, failure counters and lockout
// flags are independent expiring redis keys.
type OTPUsecase struct {
	cache   *cache.Cache
	limiter *OTPLimiter
	auditor *Auditor
	cfg     OTPConfig
	logger  *zap.Logger

	now func() time.Time
}

func NewOTPUsecase(c *cache.Cache, limiter *OTPLimiter, auditor *Auditor, cfg OTPConfig, logger *zap.Logger) *OTPUsecase {
	if cfg.Length <= 0 {
		cfg.Length = 6
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	return &OTPUsecase{cache: c, limiter: limiter, auditor: auditor, cfg: cfg, logger: logger, now: time.Now}
}

func codeKey(userID, purpose string) string { return userID + ":" + purpose }

// Issue stores a fresh code for (userID, purpose), replacing any live one and
// restarting its TTL. The failure counter is left alone.
func (uc *OTPUsecase) Issue(ctx context.Context, userID, purpose string) (*domain.OneTimeCode, error) {
	locked, err := uc.IsLocked(ctx, userID)
	if err != nil {
		return nil, err
	}
	if locked {
		return nil, xerrors.ErrOTPBlocked
	}

	if uc.limiter != nil {
		if err := uc.limiter.CanRequest(ctx, userID, purpose); err != nil {
			return nil, err
		}
	}

	now := uc.now()
	otp := &domain.OneTimeCode{
		UserID:    userID,
		Purpose:   purpose,
		Code:      id.RandomDigits(uc.cfg.Length),
		IssuedAt:  now,
		ExpiresAt: now.Add(uc.cfg.TTL),
	}
	if err := uc.cache.Set(ctx, otpNamespace, codeKey(userID, purpose), otp.Code, uc.cfg.TTL); err != nil {
		return nil, fmt.Errorf("failed to store otp: %w", err)
	}

	if uc.cfg.LogCodes {
		uc.logger.Debug("otp issued",
			zap.String("user_id", userID),
			zap.String("message", uc.formatOTPMessage(purpose, otp.Code)))
	} else {
		uc.logger.Info("otp issued",
			zap.String("user_id", userID),
			zap.String("purpose", purpose),
			zap.Duration("ttl", uc.cfg.TTL))
	}

	uc.auditor.Record(&domain.AuditEntry{
		Action:      domain.AuditActionOTPIssue,
		ActorUserID: userID,
		Outcome:     domain.AuditSuccess,
		Metadata:    map[string]interface{}{"purpose": purpose},
	})
	return otp, nil
}

// Verify checks code against the live code for (userID, purpose). It fails
// closed: any store error is returned and never reads as valid.
func (uc *OTPUsecase) Verify(ctx context.Context, userID, code, purpose string) (*domain.VerifyResult, error) {
	res, err := uc.verify(ctx, userID, code, purpose)
	if err != nil {
		otpVerificationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	otpVerificationsTotal.WithLabelValues(string(res.Reason)).Inc()

	outcome := domain.AuditFailure
	if res.Valid {
		outcome = domain.AuditSuccess
	}
	uc.auditor.Record(&domain.AuditEntry{
		Action:      domain.AuditActionOTPVerify,
		ActorUserID: userID,
		Outcome:     outcome,
		Reason:      string(res.Reason),
		Metadata:    map[string]interface{}{"purpose": purpose},
	})
	return res, nil
}

func (uc *OTPUsecase) verify(ctx context.Context, userID, code, purpose string) (*domain.VerifyResult, error) {
	if ttl, err := uc.lockTTL(ctx, userID); err != nil {
		return nil, err
	} else if ttl > 0 {
		return &domain.VerifyResult{Reason: domain.VerifyLocked, RetryAfter: ttl}, nil
	}

	key := codeKey(userID, purpose)
	stored, err := uc.cache.Get(ctx, otpNamespace, key)
	if errors.Is(err, cache.Nil) {
		return &domain.VerifyResult{Reason: domain.VerifyExpired}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read otp: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(stored), []byte(strings.TrimSpace(code))) != 1 {
		attempts, err := uc.cache.IncrWithExpire(ctx, otpAttemptsNamespace, key, uc.cfg.TTL)
		if err != nil {
			return nil, fmt.Errorf("failed to count otp attempt: %w", err)
		}
		if int(attempts) >= uc.cfg.MaxAttempts {
			if err := uc.cache.Set(ctx, otpLockedNamespace, userID, "1", uc.cfg.Lockout); err != nil {
				return nil, fmt.Errorf("failed to lock otp: %w", err)
			}
			uc.logger.Warn("otp locked after repeated failures",
				zap.String("user_id", userID),
				zap.String("purpose", purpose),
				zap.Int64("attempts", attempts))
			return &domain.VerifyResult{Reason: domain.VerifyLocked, RetryAfter: uc.cfg.Lockout}, nil
		}
		return &domain.VerifyResult{
			Reason:       domain.VerifyInvalid,
			AttemptsLeft: uc.cfg.MaxAttempts - int(attempts),
		}, nil
	}

	// single use: only the caller whose delete removed the key wins
	consumed, err := uc.cache.Consume(ctx, otpNamespace, key)
	if err != nil {
		return nil, fmt.Errorf("failed to consume otp: %w", err)
	}
	if !consumed {
		return &domain.VerifyResult{Reason: domain.VerifyExpired}, nil
	}
	return &domain.VerifyResult{Valid: true, Reason: domain.VerifyOK}, nil
}

// IsLocked reports whether verification is currently locked for the user.
func (uc *OTPUsecase) IsLocked(ctx context.Context, userID string) (bool, error) {
	ttl, err := uc.lockTTL(ctx, userID)
	return ttl > 0, err
}

func (uc *OTPUsecase) lockTTL(ctx context.Context, userID string) (time.Duration, error) {
	ttl, err := uc.cache.GetTTL(ctx, otpLockedNamespace, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to read otp lock: %w", err)
	}
	// -2: no key, -1: no expiry
	if ttl == -1 {
		return uc.cfg.Lockout, nil
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

func (uc *OTPUsecase) formatOTPMessage(purpose, code string) string {
	p := cases.Title(language.English).String(strings.ReplaceAll(purpose, "_", " "))
	return fmt.Sprintf("Your %s code is %s. It expires in %d seconds.", p, code, int(uc.cfg.TTL.Seconds()))
}
