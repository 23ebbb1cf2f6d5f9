package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"market-autopilot/internal/config"
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

// Open builds the record store selected by cfg.Driver. The returned close func is never nil.
func Open(ctx context.Context, cfg config.DatabaseConfig) (RecordStore, func(), error) {
	switch cfg.Driver {
	case "memory":
		return NewMemoryStore(), func() {}, nil
	case "", "postgres":
		pool, err := NewPool(ctx, cfg)
		if err != nil {
			return nil, func() {}, err
		}
		store := NewStore(pool)
		if cfg.AutoMigrate {
			if err := store.EnsureSchema(ctx); err != nil {
				store.Close()
				return nil, func() {}, err
			}
		}
		return store, store.Close, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
