package router

import (
	"context"
	"net/http"
	"time"

	hrest "github.com/avu-1/CREDORA/internal/handler/rest"
	wshandler "github.com/avu-1/CREDORA/internal/handler/ws"
	authmw "github.com/avu-1/CREDORA/pkg/auth/middleware"
	"github.com/avu-1/CREDORA/pkg/response"
	"github.com/avu-1/CREDORA/pkg/utils/id"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type RateLimit struct {
	Limit  int
	Window time.Duration
	Block  time.Duration
}

type Deps struct {
	Auth      *hrest.AuthHandler
	Ledger    *hrest.LedgerHandler
	WS        *wshandler.WSHandler
	Guard     *authmw.AuthMiddleware
	Redis     redis.UniversalClient
	Transfers RateLimit
	Origins   []string
	// RequestTimeout bounds plain HTTP handlers; the websocket route is exempt.
	RequestTimeout time.Duration
}

func SetupRoutes(d Deps, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggerMiddleware(logger))
	r.Use(middleware.Recoverer)

	origins := d.Origins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", hrest.HeaderIdempotencyKey},
		ExposedHeaders:   []string{hrest.HeaderReferenceNumber, "Retry-After"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Handle("/metrics", promhttp.Handler())

	// websocket upgrades must not run under the request timeout
	r.With(d.Guard.Require).Get("/ws", d.WS.HandleNotifications)

	r.Group(func(r chi.Router) {
		if d.RequestTimeout > 0 {
			r.Use(middleware.Timeout(d.RequestTimeout))
		}

		r.Get("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
			response.JSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		r.Route("/api/v1", func(r chi.Router) {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/signup", d.Auth.Signup)
				r.Post("/login", d.Auth.Login)
				r.Post("/otp/verify", d.Auth.VerifyOTP)
				r.Post("/otp/resend", d.Auth.ResendOTP)
				r.With(d.Guard.Require).Post("/logout", d.Auth.Logout)
				r.With(d.Guard.Require).Post("/refresh-token", d.Auth.RefreshToken)
			})

			r.Group(func(r chi.Router) {
				r.Use(d.Guard.Require)
				d.Ledger.RegisterRoutes(r)

				transfer := http.HandlerFunc(d.Ledger.CreateTransfer)
				if d.Redis != nil && d.Transfers.Limit > 0 {
					limiter := authmw.NewRateLimiter(d.Redis, authmw.RateLimitConfig{
						Scope:  "transactions",
						Limit:  d.Transfers.Limit,
						Window: d.Transfers.Window,
						Block:  d.Transfers.Block,
					}, logger)
					r.Method(http.MethodPost, "/transactions", limiter.Handler(transfer))
				} else {
					r.Method(http.MethodPost, "/transactions", transfer)
				}
			})
		})
	})

	return r
}

// RequestID keeps a client-supplied X-Request-ID or mints a ULID-based one,
// and echoes it on the response. middleware.GetReqID reads it back.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get(middleware.RequestIDHeader)
		if reqID == "" || len(reqID) > 64 {
			reqID = id.GenerateUUID("req")
		}
		w.Header().Set(middleware.RequestIDHeader, reqID)
		ctx := context.WithValue(r.Context(), middleware.RequestIDKey, reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggerMiddleware logs HTTP requests
func LoggerMiddleware(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			logger.Info("http request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("user_agent", r.UserAgent()))
		})
	}
}
