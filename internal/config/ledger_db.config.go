package config

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// ConnectDB opens the pool, retrying with exponential backoff while the
// database comes up.
func ConnectDB(ctx context.Context, cfg DatabaseConfig, logger *zap.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL())
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	retries := cfg.ConnectRetries
	if retries < 1 {
		retries = 1
	}
	delay := 2 * time.Second

	for i := 1; i <= retries; i++ {
		logger.Info("connecting to database", zap.Int("attempt", i), zap.Int("max", retries))

		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		pool, connErr := pgxpool.NewWithConfig(attemptCtx, poolCfg)
		if connErr == nil {
			if connErr = pool.Ping(attemptCtx); connErr == nil {
				cancel()
				logger.Info("database connected", zap.String("host", cfg.Host), zap.String("db", cfg.Name))
				return pool, nil
			}
			pool.Close()
			connErr = fmt.Errorf("ping failed: %w", connErr)
		}
		cancel()
		err = connErr

		logger.Warn("database connection failed", zap.Int("attempt", i), zap.Error(err))
		if i < retries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}
	}
	return nil, fmt.Errorf("failed to connect to DB after %d attempts: %w", retries, err)
}
