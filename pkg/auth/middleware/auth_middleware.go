package middleware

import (
	"context"
	"net/http"

	"github.com/avu-1/CREDORA/pkg/auth/jwtutil"
	"github.com/avu-1/CREDORA/pkg/response"

	"go.uber.org/zap"
)

// RevocationChecker reports whether a signed token was ended before expiry.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, token string) (bool, error)
}

type AuthMiddleware struct {
	verifier *jwtutil.Verifier
	revoked  RevocationChecker
	logger   *zap.Logger
}

// NewAuthMiddleware builds the guard. revoked may be nil.
func NewAuthMiddleware(verifier *jwtutil.Verifier, revoked RevocationChecker, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{verifier: verifier, revoked: revoked, logger: logger}
}

// Require rejects requests without a valid session token and stores the
// caller's user id in the request context.
func (am *AuthMiddleware) Require(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractToken(r)
		if token == "" {
			response.ErrorWithReason(w, http.StatusUnauthorized, "unauthorized", "Access token required")
			return
		}

		claims, err := am.verifier.ParseAndValidate(token)
		if err != nil {
			am.logger.Debug("token rejected", zap.String("path", r.URL.Path), zap.Error(err))
			response.ErrorWithReason(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired token")
			return
		}

		if am.revoked != nil {
			revoked, err := am.revoked.IsRevoked(r.Context(), token)
			if err != nil {
				// fail closed: a logged-out token must not slip through
				am.logger.Error("revocation check failed", zap.Error(err))
				response.ErrorWithReason(w, http.StatusServiceUnavailable, "unavailable", "Session check unavailable")
				return
			}
			if revoked {
				response.ErrorWithReason(w, http.StatusUnauthorized, "revoked_token", "Session has ended")
				return
			}
		}

		next.ServeHTTP(w, setContextValues(r, claims, token))
	})
}
