// Package main seeds a local store with demo orders for development.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/infrastructure"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/plugins/ordertype/dataset"
	"wo-foreman.io/foreman/plugins/ordertype/echo"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	if err := db.AutoMigrate(ctx); err != nil {
		return fmt.Errorf("auto-migrate: %w", err)
	}

	registry := ordertype.NewRegistry()
	registry.MustRegister(echo.New())
	registry.MustRegister(dataset.New())

	eng, err := engine.New(db.Gorm, cfg, registry)
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}

	seeds := []engine.ProposeInput{
		{
			Type:     "echo",
			Payload:  model.JSONMap{"message": "hello from the seed"},
			Priority: 10,
		},
		{
			Type:     "echo",
			Payload:  model.JSONMap{"message": "urgent demo order"},
			Priority: 100,
			Meta:     model.JSONMap{"team": "demo"},
		},
		{
			Type:     "dataset",
			Payload:  model.JSONMap{"name": "customers", "records": float64(2)},
			Priority: 50,
			Meta:     model.JSONMap{"team": "data"},
		},
	}

	for _, seed := range seeds {
		raw, err := eng.Propose(ctx, seed)
		if err != nil {
			return fmt.Errorf("propose %s order: %w", seed.Type, err)
		}
		var created struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(raw, &created); err != nil {
			return fmt.Errorf("decode proposal response: %w", err)
		}
		logger.Info("seeded order",
			zap.String("id", created.ID),
			zap.String("type", seed.Type),
			zap.Int("priority", seed.Priority),
		)
	}

	logger.Info("seed completed", zap.Int("orders", len(seeds)))
	return nil
}
