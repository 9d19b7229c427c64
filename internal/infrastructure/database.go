// Package infrastructure provides database and connection pool setup.
//
// In postgres mode gorm and River share one pgx pool so the engine's rows
// and the job queue commit against the same connections. Sqlite mode runs
// the engine embedded (tests, local seeds) with no queue.
package infrastructure

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/pkg/logger"
)

// DatabaseClients bundles the relational store and, in postgres mode, the
// shared pgx pool backing River.
type DatabaseClients struct {
	// Gorm is the engine's store, open against postgres or sqlite.
	Gorm *gorm.DB

	// Pool is the shared pgx pool; nil in sqlite mode.
	Pool *pgxpool.Pool

	// RiverClient is the job queue client; nil in sqlite mode.
	RiverClient *river.Client[pgx.Tx]
}

// NewDatabaseClients opens the configured store.
func NewDatabaseClients(ctx context.Context, cfg config.DatabaseConfig) (*DatabaseClients, error) {
	if cfg.Driver == "sqlite" {
		db, err := gorm.Open(sqlite.Open(cfg.Path), &gorm.Config{})
		if err != nil {
			return nil, fmt.Errorf("open sqlite %s: %w", cfg.Path, err)
		}
		logger.Info("sqlite store opened", zap.String("path", cfg.Path))
		return &DatabaseClients{Gorm: db}, nil
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}
	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = time.Minute
	poolConfig.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		_, err := conn.Exec(ctx, "SET timezone = 'UTC'")
		return err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	// gorm rides the pgx pool through the stdlib bridge; one pool, not two.
	sqlDB := stdlib.OpenDBFromPool(pool)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("open gorm over pool: %w", err)
	}

	logger.Info("database connection pool created",
		zap.Int32("max_conns", cfg.MaxConns),
		zap.Int32("min_conns", cfg.MinConns),
	)
	return &DatabaseClients{Gorm: db, Pool: pool}, nil
}

// AutoMigrate creates the engine tables and, in postgres mode, the River
// queue tables. Development convenience; production uses managed migrations.
func (c *DatabaseClients) AutoMigrate(ctx context.Context) error {
	if err := model.AutoMigrate(c.Gorm); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	if c.Pool != nil {
		migrator, err := rivermigrate.New(riverpgxv5.New(c.Pool), nil)
		if err != nil {
			return fmt.Errorf("create river migrator: %w", err)
		}
		res, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil)
		if err != nil {
			return fmt.Errorf("river migrate up: %w", err)
		}
		if len(res.Versions) > 0 {
			logger.Info("river migration completed", zap.Int("versions_applied", len(res.Versions)))
		}
	}
	return nil
}

// InitRiverClient creates the River client with the registered workers.
// Postgres only; sqlite mode has no queue to drive.
func (c *DatabaseClients) InitRiverClient(workers *river.Workers, cfg config.RiverConfig) error {
	if c.Pool == nil {
		return nil
	}
	riverClient, err := river.NewClient(riverpgxv5.New(c.Pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: cfg.MaxWorkers},
		},
		Workers:                     workers,
		CompletedJobRetentionPeriod: cfg.CompletedJobRetentionPeriod,
	})
	if err != nil {
		return fmt.Errorf("create river client: %w", err)
	}
	c.RiverClient = riverClient
	logger.Info("river client initialized", zap.Int("max_workers", cfg.MaxWorkers))
	return nil
}

// Close closes all connections.
func (c *DatabaseClients) Close() {
	if c.Pool != nil {
		c.Pool.Close()
	}
}
