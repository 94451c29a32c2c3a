package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Pool is an alias for pgxpool.Pool
type Pool = pgxpool.Pool

// LocalPool is the connection pool to the agent's local database.
type LocalPool struct {
	*pgxpool.Pool
}

// RemotePool is the connection pool to the central (master) database.
type RemotePool struct {
	*pgxpool.Pool
}

// NewLocalPool creates the connection pool for the local database
func NewLocalPool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string) (*LocalPool, error) {
	pool, err := newPool(lc, logger, "local", databaseURL)
	if err != nil {
		return nil, err
	}
	return &LocalPool{pool}, nil
}

// NewRemotePool creates the connection pool for the remote database
func NewRemotePool(lc fx.Lifecycle, logger *zap.Logger, databaseURL string) (*RemotePool, error) {
	pool, err := newPool(lc, logger, "remote", databaseURL)
	if err != nil {
		return nil, err
	}
	return &RemotePool{pool}, nil
}

func newPool(lc fx.Lifecycle, logger *zap.Logger, role string, databaseURL string) (*pgxpool.Pool, error) {
	logger.Info("initializing database connection pool", zap.String("role", role))

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to parse %s database URL: %w", role, err)
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("[DATABASE] failed to create %s connection pool: %w", role, err)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("attempting to connect to database...", zap.String("role", role))
			if err := pool.Ping(ctx); err != nil {
				logger.Error("database ping failed",
					zap.Error(err),
					zap.String("role", role),
					zap.String("url", maskPassword(databaseURL)))
				return fmt.Errorf("[DATABASE CONNECTION FAILED] cannot reach %s database. Please check: 1) Database is running, 2) Connection parameters are correct, 3) Network/firewall allows connection. Error: %w", role, err)
			}
			logger.Info("database connection established successfully", zap.String("role", role))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			pool.Close()
			logger.Info("database connection closed", zap.String("role", role))
			return nil
		},
	})

	return pool, nil
}

// maskPassword masks the password in database URL for logging
func maskPassword(url string) string {
	if len(url) == 0 {
		return "<empty>"
	}
	// Simple masking - find password part between : and @
	start := 0
	for i := 0; i < len(url); i++ {
		if url[i] == ':' && i > 0 && url[i-1] != '/' {
			start = i + 1
		}
		if url[i] == '@' && start > 0 {
			return url[:start] + "***" + url[i:]
		}
	}
	return url
}
