// Package jobs holds the River job definitions. The queue never owns domain
// logic; workers call into the engine and report what it did.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/riverqueue/river"
	"go.uber.org/zap"

	"wo-foreman.io/foreman/internal/engine"
	"wo-foreman.io/foreman/internal/pkg/logger"
)

// MaintenanceTickArgs is the periodic job driving the maintenance loop:
// lease reclaim, dead-lettering, stale-order checks.
type MaintenanceTickArgs struct{}

// Kind returns the job kind identifier.
func (MaintenanceTickArgs) Kind() string { return "maintenance_tick" }

// InsertOpts keeps at most one tick enqueued per minute.
func (MaintenanceTickArgs) InsertOpts() river.InsertOpts {
	return river.InsertOpts{
		Queue:       river.QueueDefault,
		MaxAttempts: 1,
		UniqueOpts: river.UniqueOpts{
			ByPeriod: time.Minute,
			ByQueue:  true,
			ByArgs:   true,
		},
	}
}

// MaintenanceTickWorker runs one engine tick per job.
type MaintenanceTickWorker struct {
	river.WorkerDefaults[MaintenanceTickArgs]
	engine *engine.Engine
}

// NewMaintenanceTickWorker creates the worker.
func NewMaintenanceTickWorker(eng *engine.Engine) *MaintenanceTickWorker {
	return &MaintenanceTickWorker{engine: eng}
}

// Work runs the tick. Pass errors are already collected inside the result;
// the job itself fails only when the worker is miswired.
func (w *MaintenanceTickWorker) Work(ctx context.Context, _ *river.Job[MaintenanceTickArgs]) error {
	if w == nil || w.engine == nil {
		return fmt.Errorf("maintenance tick worker is not initialized")
	}

	result := w.engine.Tick(ctx)
	logger.Info("maintenance tick completed",
		zap.Int("reclaimed_leases", result.ReclaimedLeases),
		zap.Int("dead_lettered_orders", result.DeadLetteredOrders),
		zap.Int("dead_lettered_items", result.DeadLetteredItems),
		zap.Int("stale_orders", result.StaleOrders),
		zap.Strings("errors", result.Errors),
	)
	return nil
}
