package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/avu-1/CREDORA/pkg/auth/jwtutil"
)

type contextKey string

const (
	ContextUserID         contextKey = "userID"
	ContextToken          contextKey = "token"
	ContextSessionPurpose contextKey = "purpose"
)

func GetUserID(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(ContextUserID).(string)
	return val, ok && val != ""
}

func GetToken(ctx context.Context) (string, bool) {
	val, ok := ctx.Value(ContextToken).(string)
	return val, ok
}

// WithUserID is used by tests and internal callers that authenticate out of band.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ContextUserID, userID)
}

func setContextValues(r *http.Request, claims *jwtutil.Claims, token string) *http.Request {
	ctx := context.WithValue(r.Context(), ContextUserID, claims.UserID)
	ctx = context.WithValue(ctx, ContextToken, token)
	ctx = context.WithValue(ctx, ContextSessionPurpose, claims.SessionPurpose)
	return r.WithContext(ctx)
}

func extractToken(r *http.Request) string {
	if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	}
	if cookie, err := r.Cookie("token"); err == nil {
		return cookie.Value
	}
	// browsers cannot set headers on websocket upgrades
	if q := r.URL.Query().Get("token"); q != "" {
		return q
	}
	return ""
}
