// Package app is the composition root: bootstrap stays orchestration-only.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/riverqueue/river"

	"wo-foreman.io/foreman/internal/api"
	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/infrastructure"
	"wo-foreman.io/foreman/internal/jobs"
	"wo-foreman.io/foreman/internal/ordertype"
	"wo-foreman.io/foreman/internal/pkg/worker"
	"wo-foreman.io/foreman/plugins/ordertype/dataset"
	"wo-foreman.io/foreman/plugins/ordertype/echo"
)

// Application holds composed application dependencies.
type Application struct {
	Config *config.Config
	Router *gin.Engine
	Engine *engine.Engine
	DB     *infrastructure.DatabaseClients
	Pools  *worker.Pools
}

// Bootstrap initializes all dependencies using manual DI.
func Bootstrap(ctx context.Context, cfg *config.Config) (*Application, error) {
	db, err := infrastructure.NewDatabaseClients(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	if cfg.Database.AutoMigrate {
		if err := db.AutoMigrate(ctx); err != nil {
			db.Close()
			return nil, fmt.Errorf("auto-migrate: %w", err)
		}
	}

	pools, err := worker.NewPools(ctx, worker.PoolConfig{
		GeneralPoolSize:     cfg.Worker.GeneralPoolSize,
		MaintenancePoolSize: cfg.Worker.MaintenancePoolSize,
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("init worker pools: %w", err)
	}

	registry := ordertype.NewRegistry()
	registry.MustRegister(echo.New())
	registry.MustRegister(dataset.New())

	var opts []engine.Option
	if cfg.Lease.Backend == "keyvalue" {
		opts = append(opts, engine.WithRedis(redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})))
	}

	eng, err := engine.New(db.Gorm, cfg, registry, opts...)
	if err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init engine: %w", err)
	}

	workers := river.NewWorkers()
	river.AddWorker(workers, jobs.NewMaintenanceTickWorker(eng))
	if err := db.InitRiverClient(workers, cfg.River); err != nil {
		pools.Shutdown()
		db.Close()
		return nil, fmt.Errorf("init river: %w", err)
	}
	if db.RiverClient != nil {
		interval := cfg.River.MaintenanceTickInterval
		if interval <= 0 {
			interval = time.Minute
		}
		db.RiverClient.PeriodicJobs().Add(
			river.NewPeriodicJob(
				river.PeriodicInterval(interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return jobs.MaintenanceTickArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		)
	}

	server := api.NewServer(cfg, eng, pools)
	return &Application{
		Config: cfg,
		Router: newRouter(cfg, server),
		Engine: eng,
		DB:     db,
		Pools:  pools,
	}, nil
}
