package middleware

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/avu-1/CREDORA/pkg/response"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RateLimitConfig is a fixed window of Limit requests per caller. Going over
// blocks the caller for Block, independent of the window.
type RateLimitConfig struct {
	Scope  string
	Limit  int
	Window time.Duration
	Block  time.Duration
}

type RateLimiter struct {
	rdb    redis.UniversalClient
	cfg    RateLimitConfig
	logger *zap.Logger
}

func NewRateLimiter(rdb redis.UniversalClient, cfg RateLimitConfig, logger *zap.Logger) *RateLimiter {
	return &RateLimiter{rdb: rdb, cfg: cfg, logger: logger}
}

type windowState struct {
	count     int64
	resetIn   time.Duration
	blockedIn time.Duration
}

// callerKey identifies the caller by session user, or by the address left in
// RemoteAddr once the RealIP middleware has run.
func callerKey(r *http.Request) string {
	if uid, ok := GetUserID(r.Context()); ok {
		return "uid:" + uid
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	return "ip:" + host
}

// both keys share a hash tag so the transaction stays on one cluster slot
func (rl *RateLimiter) keys(caller string) (count, block string) {
	base := fmt.Sprintf("ratelimit:{%s:%s}", rl.cfg.Scope, caller)
	return base, base + ":blocked"
}

func (rl *RateLimiter) hit(ctx context.Context, caller string) (windowState, error) {
	countKey, blockKey := rl.keys(caller)

	pipe := rl.rdb.TxPipeline()
	blocked := pipe.PTTL(ctx, blockKey)
	incr := pipe.Incr(ctx, countKey)
	pipe.ExpireNX(ctx, countKey, rl.cfg.Window)
	reset := pipe.PTTL(ctx, countKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return windowState{}, err
	}

	st := windowState{count: incr.Val(), resetIn: reset.Val()}
	if d := blocked.Val(); d > 0 {
		st.blockedIn = d
		return st, nil
	}
	if st.count > int64(rl.cfg.Limit) {
		if err := rl.rdb.Set(ctx, blockKey, st.count, rl.cfg.Block).Err(); err != nil {
			return windowState{}, err
		}
		st.blockedIn = rl.cfg.Block
	}
	return st, nil
}

func retrySeconds(d time.Duration) string {
	secs := int((d + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// Handler enforces the limit. A redis failure lets the request through.
func (rl *RateLimiter) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), time.Second)
		defer cancel()

		caller := callerKey(r)
		st, err := rl.hit(ctx, caller)
		if err != nil {
			rl.logger.Warn("rate limiter unavailable",
				zap.String("scope", rl.cfg.Scope), zap.String("caller", caller), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		if st.blockedIn > 0 {
			w.Header().Set("Retry-After", retrySeconds(st.blockedIn))
			response.ErrorWithReason(w, http.StatusTooManyRequests, "too_many_requests",
				"rate limit exceeded, retry in "+st.blockedIn.Round(time.Second).String())
			return
		}

		remaining := int64(rl.cfg.Limit) - st.count
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.cfg.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
		w.Header().Set("X-RateLimit-Reset", retrySeconds(st.resetIn))
		next.ServeHTTP(w, r)
	})
}
