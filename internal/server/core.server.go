package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/avu-1/CREDORA/internal/config"
	hrest "github.com/avu-1/CREDORA/internal/handler/rest"
	wshandler "github.com/avu-1/CREDORA/internal/handler/ws"
	"github.com/avu-1/CREDORA/internal/notifier"
	"github.com/avu-1/CREDORA/internal/notifier/ws"
	"github.com/avu-1/CREDORA/internal/pub"
	"github.com/avu-1/CREDORA/internal/repository"
	"github.com/avu-1/CREDORA/internal/router"
	"github.com/avu-1/CREDORA/internal/usecase"
	"github.com/avu-1/CREDORA/pkg/auth/jwtutil"
	authmw "github.com/avu-1/CREDORA/pkg/auth/middleware"
	"github.com/avu-1/CREDORA/pkg/utils/cache"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Server owns every long-lived component of the ledger process.
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	http    *http.Server
	cache   *cache.Cache
	db      *pgxpool.Pool
	kafka   *kafka.Writer
	pool    *usecase.FanoutPool
	manager *ws.Manager
	relay   *notifier.Relay
}

type stores struct {
	accounts repository.AccountStore
	users    repository.UserStore
	audit    repository.AuditStore
}

func (s *Server) openStores(ctx context.Context) (stores, error) {
	dbc := s.cfg.Database
	if dbc.Driver == config.StoreMemory {
		s.logger.Warn("using in-memory store, balances are lost on restart")
		mem := repository.NewMemoryStore(dbc.LockTimeout)
		return stores{accounts: mem, users: repository.MemoryUsers{MemoryStore: mem}, audit: mem}, nil
	}

	db, err := config.ConnectDB(ctx, dbc, s.logger)
	if err != nil {
		return stores{}, err
	}
	s.db = db
	if dbc.AutoMigrate {
		if err := repository.Migrate(ctx, db); err != nil {
			return stores{}, err
		}
		s.logger.Info("database schema ensured")
	}
	return stores{
		accounts: repository.NewPGAccountStore(db, dbc.LockTimeout, dbc.StatementTimeout),
		users:    repository.NewPGUserStore(db),
		audit:    repository.NewPGAuditStore(db),
	}, nil
}

// New wires the process. Nothing is started until Run.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	// --- Redis ---
	s.cache = cache.NewCache(cfg.Redis.Addrs, cfg.Redis.Password, cfg.Redis.UseCluster)
	if err := s.cache.Ping(ctx); err != nil {
		return nil, fmt.Errorf("redis unreachable: %w", err)
	}

	// --- Stores ---
	st, err := s.openStores(ctx)
	if err != nil {
		s.close()
		return nil, err
	}

	// --- Fan-out and sinks ---
	s.pool = usecase.NewFanoutPool(cfg.Fanout.Workers, cfg.Fanout.QueueSize, cfg.Fanout.TaskTimeout, logger)
	sinks := []pub.Sink{pub.NewRedisPublisher(s.cache, pub.ChannelTransactions)}
	if len(cfg.Kafka.Brokers) > 0 {
		s.kafka = pub.NewKafkaWriter(cfg.Kafka.Brokers, cfg.Kafka.Topic, logger)
		sinks = append(sinks, pub.NewKafkaSink(s.kafka))
		logger.Info("kafka sink enabled", zap.Strings("brokers", cfg.Kafka.Brokers), zap.String("topic", cfg.Kafka.Topic))
	}
	dispatcher := pub.NewDispatcher(logger, sinks...)

	// --- Usecases ---
	auditor := usecase.NewAuditor(st.audit, s.pool, logger)
	views := usecase.NewViewUsecase(s.cache, st.accounts, st.users, usecase.ViewTTLs{
		Profile:  cfg.Cache.ProfileTTL,
		Accounts: cfg.Cache.AccountsTTL,
		Balance:  cfg.Cache.BalanceTTL,
		History:  cfg.Cache.HistoryTTL,
	}, logger)
	transfers := usecase.NewTransferUsecase(st.accounts, views, dispatcher, auditor, s.pool, cfg.Transfer.Timeout, logger)

	limiter := usecase.NewOTPLimiter(s.cache, cfg.OTP.ResendWindow, cfg.OTP.ResendMax, cfg.OTP.Cooldown, cfg.OTP.ResendWindow)
	otp := usecase.NewOTPUsecase(s.cache, limiter, auditor, usecase.OTPConfig{
		TTL:         cfg.OTP.TTL,
		Length:      cfg.OTP.Length,
		MaxAttempts: cfg.OTP.MaxAttempts,
		Lockout:     cfg.OTP.Lockout,
		LogCodes:    cfg.Server.IsDevelopment(),
	}, logger)

	jwtCfg := jwtutil.JWTConfig{
		Secret:   cfg.JWT.Secret,
		Issuer:   cfg.JWT.Issuer,
		Audience: cfg.JWT.Audience,
		TTL:      cfg.JWT.TTL,
	}
	signer := jwtutil.NewSigner(jwtCfg)
	auth := usecase.NewAuthUsecase(st.users, otp, signer, auditor, cfg.Transfer.SeedBalance, cfg.Transfer.Currency, logger)
	sessions := usecase.NewSessionUsecase(s.cache, signer, views, auditor, cfg.JWT.TTL, logger)

	// --- Realtime ---
	s.manager = ws.NewManager(logger)
	s.relay = notifier.NewRelay(s.cache, pub.ChannelTransactions, s.manager, logger)

	// --- HTTP ---
	handler := router.SetupRoutes(router.Deps{
		Auth:   hrest.NewAuthHandler(auth, sessions, logger),
		Ledger: hrest.NewLedgerHandler(transfers, views, logger),
		WS:     wshandler.NewWSHandler(s.manager, views, cfg.Server.AllowedOrigins, logger),
		Guard:  authmw.NewAuthMiddleware(jwtutil.NewVerifier(jwtCfg), sessions, logger),
		Redis:  s.cache.Client(),
		Transfers: router.RateLimit{
			Limit:  cfg.RateLimit.TransferLimit,
			Window: cfg.RateLimit.TransferWindow,
			Block:  cfg.RateLimit.TransferBlock,
		},
		Origins:        cfg.Server.AllowedOrigins,
		RequestTimeout: cfg.Server.RequestTimeout,
	}, logger)
	s.http = &http.Server{Addr: cfg.Server.HTTPAddr, Handler: handler}

	return s, nil
}

// Run serves until ctx is cancelled or the listener fails, then shuts down.
func (s *Server) Run(ctx context.Context) error {
	s.pool.Start()

	bgCtx, stopBackground := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := s.relay.Run(bgCtx, nil); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("notification relay stopped", zap.Error(err))
		}
	}()
	go func() {
		defer wg.Done()
		s.manager.Heartbeat(bgCtx, s.cfg.WS.HeartbeatInterval)
	}()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("ledger HTTP server starting", zap.String("addr", s.cfg.Server.HTTPAddr))
		if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("ledger shutting down gracefully")
	case runErr = <-errCh:
		s.logger.Error("HTTP server failed", zap.Error(runErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP shutdown error", zap.Error(err))
	}

	stopBackground()
	s.manager.CloseAll()
	wg.Wait()

	// drain post-commit work before the sinks and stores go away
	s.pool.Stop()
	s.close()
	return runErr
}

func (s *Server) close() {
	if s.kafka != nil {
		if err := s.kafka.Close(); err != nil {
			s.logger.Warn("kafka writer close failed", zap.Error(err))
		}
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.cache != nil {
		_ = s.cache.Close()
	}
}
