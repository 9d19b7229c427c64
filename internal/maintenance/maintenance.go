// Package maintenance implements the out-of-band sweep: lease reclaim,
// dead-lettering of aged-out failures and stale-order surfacing.
//
// The loop has no daemon of its own; the host drives Tick on its schedule.
// The three passes are independent and idempotent, and one failing pass never
// prevents the others from running.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/lease"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/statemachine"
)

// Pass selectors for Tick.
const (
	PhaseReclaim    = "reclaim"
	PhaseDeadLetter = "dead_letter"
	PhaseStaleCheck = "stale_check"
)

// TickResult summarises one maintenance pass over the store.
type TickResult struct {
	ReclaimedLeases    int      `json:"reclaimed_leases"`
	DeadLetteredOrders int      `json:"dead_lettered_orders"`
	DeadLetteredItems  int      `json:"dead_lettered_items"`
	StaleOrders        int      `json:"stale_orders"`
	Errors             []string `json:"errors,omitempty"`
}

// Loop is the caller-driven maintenance procedure.
type Loop struct {
	db      *gorm.DB
	leases  *lease.Engine
	machine *statemachine.Machine
	cfg     config.MaintenanceConfig
}

// NewLoop creates a maintenance loop.
func NewLoop(db *gorm.DB, leases *lease.Engine, machine *statemachine.Machine, cfg config.MaintenanceConfig) *Loop {
	return &Loop{db: db, leases: leases, machine: machine, cfg: cfg}
}

// Tick runs the selected passes, or all three when phases is empty. Per-pass
// failures are collected on the result, never returned as an error.
func (l *Loop) Tick(ctx context.Context, phases ...string) TickResult {
	var result TickResult

	selected := make(map[string]bool, len(phases))
	for _, phase := range phases {
		switch phase {
		case PhaseReclaim, PhaseDeadLetter, PhaseStaleCheck:
			selected[phase] = true
		default:
			result.Errors = append(result.Errors, fmt.Sprintf("unknown phase: %s", phase))
		}
	}
	runs := func(phase string) bool {
		return len(phases) == 0 || selected[phase]
	}

	if runs(PhaseReclaim) {
		reclaimed, err := l.leases.ReclaimExpired(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("reclaim: %v", err))
			logger.S().Errorw("lease reclaim pass failed", "error", err)
		}
		result.ReclaimedLeases = reclaimed
	}

	if runs(PhaseDeadLetter) {
		orders, items, err := l.deadLetterStuckWork(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("dead_letter: %v", err))
			logger.S().Errorw("dead-letter pass failed", "error", err)
		}
		result.DeadLetteredOrders = orders
		result.DeadLetteredItems = items
	}

	if runs(PhaseStaleCheck) {
		stale, err := l.checkStaleOrders(ctx)
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("stale_check: %v", err))
			logger.S().Errorw("stale-order pass failed", "error", err)
		}
		result.StaleOrders = stale
	}

	return result
}

// deadLetterStuckWork ages failed orders and items into dead_lettered once
// their last transition is older than the configured threshold.
func (l *Loop) deadLetterStuckWork(ctx context.Context) (int, int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(l.cfg.DeadLetterAfterHours) * time.Hour)

	var orderIDs []string
	err := l.db.WithContext(ctx).Model(&model.Order{}).
		Where("state = ? AND last_transitioned_at < ?", model.OrderFailed, cutoff).
		Pluck("id", &orderIDs).Error
	if err != nil {
		return 0, 0, fmt.Errorf("scan failed orders: %w", err)
	}

	deadOrders := 0
	for _, id := range orderIDs {
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var order model.Order
			if err := tx.First(&order, "id = ?", id).Error; err != nil {
				return err
			}
			if order.State != model.OrderFailed {
				return nil
			}
			payload := model.JSONMap{"stuck_since": order.LastTransitionedAt.Format(time.RFC3339)}
			return l.machine.TransitionOrder(tx, &order, model.OrderDeadLettered, model.SystemActor(),
				statemachine.WithPayload(payload))
		})
		if err != nil {
			logger.S().Warnw("dead-letter failed, skipping order", "order_id", id, "error", err)
			continue
		}
		deadOrders++
	}

	var itemRows []model.Item
	err = l.db.WithContext(ctx).
		Where("state = ? AND last_transitioned_at < ?", model.ItemFailed, cutoff).
		Find(&itemRows).Error
	if err != nil {
		return deadOrders, 0, fmt.Errorf("scan failed items: %w", err)
	}

	deadItems := 0
	for i := range itemRows {
		item := itemRows[i]
		err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var fresh model.Item
			if err := tx.First(&fresh, "id = ?", item.ID).Error; err != nil {
				return err
			}
			if fresh.State != model.ItemFailed {
				return nil
			}
			payload := model.JSONMap{"stuck_since": fresh.LastTransitionedAt.Format(time.RFC3339)}
			return l.machine.TransitionItem(tx, &fresh, model.ItemDeadLettered, model.SystemActor(),
				statemachine.WithPayload(payload))
		})
		if err != nil {
			logger.S().Warnw("dead-letter failed, skipping item", "item_id", item.ID, "error", err)
			continue
		}
		deadItems++
	}

	return deadOrders, deadItems, nil
}

// checkStaleOrders surfaces long-open orders as diagnostics. Log output only;
// the audit trail is not touched.
func (l *Loop) checkStaleOrders(ctx context.Context) (int, error) {
	cutoff := time.Now().UTC().Add(-time.Duration(l.cfg.StaleOrderThresholdHours) * time.Hour)

	var orders []model.Order
	err := l.db.WithContext(ctx).
		Where("state NOT IN ? AND created_at < ?",
			[]model.OrderState{model.OrderCompleted, model.OrderDeadLettered}, cutoff).
		Find(&orders).Error
	if err != nil {
		return 0, fmt.Errorf("scan stale orders: %w", err)
	}

	for i := range orders {
		logger.S().Warnw("order is stale",
			"kind", model.EventStale,
			"order_id", orders[i].ID,
			"type", orders[i].Type,
			"state", orders[i].State,
			"age_hours", int(time.Since(orders[i].CreatedAt).Hours()),
		)
	}
	return len(orders), nil
}
