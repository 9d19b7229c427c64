// Package main runs one maintenance tick and exits. Exit code 0 means every
// pass completed; 1 means at least one pass reported an error. For cron and
// deployments that keep maintenance outside the server process.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/infrastructure"
	"wo-foreman.io/foreman/internal/ordertype"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/plugins/ordertype/dataset"
	"wo-foreman.io/foreman/plugins/ordertype/echo"
)

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
	os.Exit(code)
}

func run() (int, error) {
	cfg, err := config.Load()
	if err != nil {
		return 1, fmt.Errorf("load config: %w", err)
	}
	if err := logger.Init(cfg.Log.Level, cfg.Log.Format); err != nil {
		return 1, fmt.Errorf("init logger: %w", err)
	}
	defer logger.Sync()

	ctx := context.Background()
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return 1, fmt.Errorf("init database: %w", err)
	}
	defer db.Close()

	registry := ordertype.NewRegistry()
	registry.MustRegister(echo.New())
	registry.MustRegister(dataset.New())

	eng, err := engine.New(db.Gorm, cfg, registry)
	if err != nil {
		return 1, fmt.Errorf("init engine: %w", err)
	}

	result := eng.Tick(ctx)
	encoded, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return 1, fmt.Errorf("encode result: %w", err)
	}
	fmt.Println(string(encoded))

	if len(result.Errors) > 0 {
		return 1, nil
	}
	return 0, nil
}
