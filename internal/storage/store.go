package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"commodity-premium-alerts/internal/config"
)

// Backend drivers accepted by database.driver.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}

// Open builds the repository selected by cfg.Driver and applies migrations
// when cfg.AutoMigrate is set.
func Open(ctx context.Context, cfg config.DatabaseConfig) (Repository, error) {
	var (
		repo Repository
		err  error
	)
	switch strings.ToLower(cfg.Driver) {
	case DriverPostgres, "":
		pool, poolErr := NewPool(ctx, cfg)
		if poolErr != nil {
			return nil, poolErr
		}
		repo = NewStore(pool)
	case DriverSQLite:
		repo, err = OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
	case DriverMemory:
		repo = NewMemory()
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	if cfg.AutoMigrate {
		if err := repo.Migrate(ctx); err != nil {
			_ = repo.Close()
			return nil, err
		}
	}
	return repo, nil
}
