package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/avu-1/CREDORA/pkg/utils/cache"
	xerrors "github.com/avu-1/CREDORA/pkg/utils/errors"
)

const otpRateNamespace = "otp_rate"

// OTPLimiter bounds how often codes are issued per (user, purpose): a cooldown
// between issues, at most maxInWindow issues per window, and a block once the
// window allowance is exceeded.
type OTPLimiter struct {
	cache       *cache.Cache
	window      time.Duration
	maxInWindow int
	cooldown    time.Duration
	block       time.Duration
}

func NewOTPLimiter(c *cache.Cache, window time.Duration, max int, cooldown, block time.Duration) *OTPLimiter {
	if block <= 0 {
		block = window
	}
	return &OTPLimiter{cache: c, window: window, maxInWindow: max, cooldown: cooldown, block: block}
}

// CanRequest records an issue attempt and returns an error wrapping
// ErrTooManyOTPRequests when it is not allowed.
func (l *OTPLimiter) CanRequest(ctx context.Context, userID, purpose string) error {
	blockKey := fmt.Sprintf("block:%s:%s", userID, purpose)
	lastKey := fmt.Sprintf("last:%s:%s", userID, purpose)
	countKey := fmt.Sprintf("count:%s:%s", userID, purpose)

	if ttl, _ := l.cache.GetTTL(ctx, otpRateNamespace, blockKey); ttl > 0 {
		return fmt.Errorf("%w: try again in %d seconds", xerrors.ErrTooManyOTPRequests, int(ttl.Seconds()))
	}

	if ttl, _ := l.cache.GetTTL(ctx, otpRateNamespace, lastKey); ttl > 0 {
		return fmt.Errorf("%w: wait %d seconds before requesting another code", xerrors.ErrTooManyOTPRequests, int(ttl.Seconds()))
	}

	cnt, err := l.cache.IncrWithExpire(ctx, otpRateNamespace, countKey, l.window)
	if err != nil {
		return fmt.Errorf("otp limiter: %w", err)
	}
	if int(cnt) > l.maxInWindow {
		_ = l.cache.Set(ctx, otpRateNamespace, blockKey, "1", l.block)
		return fmt.Errorf("%w: try again in %d seconds", xerrors.ErrTooManyOTPRequests, int(l.block.Seconds()))
	}

	if l.cooldown > 0 {
		_ = l.cache.Set(ctx, otpRateNamespace, lastKey, "1", l.cooldown)
	}
	return nil
}
