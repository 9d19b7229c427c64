package lease

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/statemachine"
)

// candidateBatch bounds how many queued items one dispatch pass inspects
// before giving up. Races on every candidate in a batch mean heavy
// contention; the caller retries.
const candidateBatch = 25

// tenantPath is the payload path a dispatch tenant filter matches against.
const tenantPath = "tenant_id"

// Cap overshoot sentinels for the dispatch path. Raised inside the acquiring
// transaction so a concurrent burst cannot slip past the pre-selection count.
var (
	errAgentCapReached = errors.New("per-agent lease cap reached")
	errTypeCapReached  = errors.New("per-type lease cap reached")
)

// NextFilter narrows global dispatch.
type NextFilter struct {
	Type        string
	MinPriority *int
	TenantID    string
}

// Engine owns lease arbitration and global dispatch. Ownership decisions go
// through the configured Backend; the winning lease is always mirrored onto
// the item row so state queries never depend on the backend choice.
type Engine struct {
	db      *gorm.DB
	backend Backend
	machine *statemachine.Machine
	cfg     config.LeaseConfig
}

// NewEngine creates a lease engine over the given backend.
func NewEngine(db *gorm.DB, backend Backend, machine *statemachine.Machine, cfg config.LeaseConfig) *Engine {
	return &Engine{db: db, backend: backend, machine: machine, cfg: cfg}
}

// lockForUpdate takes a row lock on engines that support it. SQLite
// serialises writers at the connection level instead.
func lockForUpdate(tx *gorm.DB) *gorm.DB {
	if tx.Dialector.Name() == "postgres" {
		return tx.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return tx
}

func loadItemLocked(tx *gorm.DB, itemID string) (*model.Item, error) {
	var item model.Item
	if err := lockForUpdate(tx).First(&item, "id = ?", itemID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrItemNotFoundf(itemID)
		}
		return nil, fmt.Errorf("load item %s: %w", itemID, err)
	}
	return &item, nil
}

// Acquire claims an exclusive lease on a specific item for agentID.
//
// Refused when the item holds a live lease or is not in queued/in_progress.
// On success the lease columns are set, a queued item transitions to leased,
// and a queued owning order cascades to checked_out.
func (e *Engine) Acquire(ctx context.Context, itemID, agentID string) (*model.Item, error) {
	return e.acquire(ctx, itemID, agentID, false)
}

// acquire is the shared claim path. With enforceCaps the dispatch concurrency
// caps are re-checked inside the transaction, after the row lock is held.
func (e *Engine) acquire(ctx context.Context, itemID, agentID string, enforceCaps bool) (*model.Item, error) {
	var acquired *model.Item
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, itemID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if item.Leased(now) {
			return apperrors.ErrLeaseConflictf(itemID, item.LeasedByAgentID)
		}
		if item.State != model.ItemQueued && item.State != model.ItemInProgress {
			return apperrors.ErrIllegalTransitionf("item", string(item.State), string(model.ItemLeased))
		}

		if enforceCaps {
			if e.cfg.MaxPerAgent > 0 {
				n, err := activeLeaseCountTx(tx, "leased_by_agent_id = ?", agentID)
				if err != nil {
					return err
				}
				if n >= int64(e.cfg.MaxPerAgent) {
					return errAgentCapReached
				}
			}
			if e.cfg.MaxPerType > 0 {
				n, err := activeLeaseCountTx(tx, "type = ?", item.Type)
				if err != nil {
					return err
				}
				if n >= int64(e.cfg.MaxPerType) {
					return errTypeCapReached
				}
			}
		}

		ok, err := e.backend.Acquire(ctx, tx, itemID, agentID, e.cfg.TTL())
		if err != nil {
			return fmt.Errorf("backend acquire for item %s: %w", itemID, err)
		}
		if !ok {
			return apperrors.ErrLeaseConflictf(itemID, item.LeasedByAgentID)
		}

		expiresAt := now.Add(e.cfg.TTL())
		updates := map[string]interface{}{
			"leased_by_agent_id": agentID,
			"lease_expires_at":   expiresAt,
			"last_heartbeat_at":  now,
		}
		if err := tx.Model(&model.Item{}).Where("id = ?", itemID).Updates(updates).Error; err != nil {
			return fmt.Errorf("write lease for item %s: %w", itemID, err)
		}
		item.LeasedByAgentID = agentID
		item.LeaseExpiresAt = &expiresAt
		item.LastHeartbeatAt = &now

		actor := model.Actor{Kind: model.ActorAgent, ID: agentID}
		payload := model.JSONMap{
			"agent_id":    agentID,
			"ttl_seconds": e.cfg.TTLSeconds,
			"expires_at":  expiresAt.Format(time.RFC3339),
		}
		if item.State == model.ItemQueued {
			if err := e.machine.TransitionItem(tx, item, model.ItemLeased, actor, statemachine.WithPayload(payload)); err != nil {
				return err
			}
		} else {
			// Re-lease of an in-progress item keeps its state; the event still
			// records the new holder.
			if err := e.machine.RecordItemEvent(tx, item.OrderID, item.ID, model.EventLeased, actor, payload, ""); err != nil {
				return err
			}
		}

		var order model.Order
		if err := tx.First(&order, "id = ?", item.OrderID).Error; err != nil {
			return fmt.Errorf("load order %s for checkout cascade: %w", item.OrderID, err)
		}
		if order.State == model.OrderQueued {
			if err := e.machine.TransitionOrder(tx, &order, model.OrderCheckedOut, actor); err != nil {
				return err
			}
		}

		acquired = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return acquired, nil
}

// Extend pushes the lease expiry out by one TTL. Refused when agentID is not
// the holder; an expired lease fails with LeaseExpired and must be reclaimed.
func (e *Engine) Extend(ctx context.Context, itemID, agentID string) (*model.Item, error) {
	var extended *model.Item
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, itemID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if item.LeasedByAgentID != agentID {
			return apperrors.ErrLeaseConflictf(itemID, item.LeasedByAgentID)
		}
		if !item.Leased(now) {
			return apperrors.ErrLeaseExpiredf(itemID)
		}

		ok, err := e.backend.Extend(ctx, tx, itemID, agentID, e.cfg.TTL())
		if err != nil {
			return fmt.Errorf("backend extend for item %s: %w", itemID, err)
		}
		if !ok {
			return apperrors.ErrLeaseExpiredf(itemID)
		}

		expiresAt := now.Add(e.cfg.TTL())
		updates := map[string]interface{}{
			"lease_expires_at":  expiresAt,
			"last_heartbeat_at": now,
		}
		if err := tx.Model(&model.Item{}).Where("id = ?", itemID).Updates(updates).Error; err != nil {
			return fmt.Errorf("write heartbeat for item %s: %w", itemID, err)
		}
		item.LeaseExpiresAt = &expiresAt
		item.LastHeartbeatAt = &now

		actor := model.Actor{Kind: model.ActorAgent, ID: agentID}
		payload := model.JSONMap{"expires_at": expiresAt.Format(time.RFC3339)}
		if err := e.machine.RecordItemEvent(tx, item.OrderID, item.ID, model.EventHeartbeat, actor, payload, ""); err != nil {
			return err
		}

		extended = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return extended, nil
}

// Release drops the caller's lease and returns a leased item to queued.
func (e *Engine) Release(ctx context.Context, itemID, agentID string) (*model.Item, error) {
	var released *model.Item
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, itemID)
		if err != nil {
			return err
		}
		if item.LeasedByAgentID != agentID {
			return apperrors.ErrLeaseConflictf(itemID, item.LeasedByAgentID)
		}

		if _, err := e.backend.Release(ctx, tx, itemID, agentID); err != nil {
			return fmt.Errorf("backend release for item %s: %w", itemID, err)
		}

		if err := clearLeaseColumns(tx, itemID); err != nil {
			return err
		}
		item.LeasedByAgentID = ""
		item.LeaseExpiresAt = nil
		item.LastHeartbeatAt = nil

		actor := model.Actor{Kind: model.ActorAgent, ID: agentID}
		switch item.State {
		case model.ItemLeased, model.ItemInProgress:
			payload := model.JSONMap{"agent_id": agentID}
			if err := e.machine.TransitionItem(tx, item, model.ItemQueued, actor, statemachine.WithPayload(payload)); err != nil {
				return err
			}
		default:
			if err := e.machine.RecordItemEvent(tx, item.OrderID, item.ID, model.EventReleased, actor, nil, ""); err != nil {
				return err
			}
		}

		released = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return released, nil
}

func clearLeaseColumns(tx *gorm.DB, itemID string) error {
	err := tx.Model(&model.Item{}).Where("id = ?", itemID).Updates(map[string]interface{}{
		"leased_by_agent_id": "",
		"lease_expires_at":   nil,
		"last_heartbeat_at":  nil,
	}).Error
	if err != nil {
		return fmt.Errorf("clear lease for item %s: %w", itemID, err)
	}
	return nil
}

// ReclaimExpired sweeps items whose lease expired. Each item is handled in
// its own transaction under its own lock; one failure is logged and skipped,
// never aborting the sweep. Returns how many items were reclaimed.
func (e *Engine) ReclaimExpired(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	var ids []string
	err := e.db.WithContext(ctx).Model(&model.Item{}).
		Where("state IN ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?",
			[]model.ItemState{model.ItemLeased, model.ItemInProgress}, now).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("scan expired leases: %w", err)
	}

	reclaimed := 0
	for _, id := range ids {
		if err := e.reclaimOne(ctx, id); err != nil {
			logger.S().Warnw("reclaim failed, skipping item", "item_id", id, "error", err)
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}

func (e *Engine) reclaimOne(ctx context.Context, itemID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, itemID)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		// Someone may have heartbeated or released between the scan and the lock.
		if item.Leased(now) || item.LeaseExpiresAt == nil {
			return nil
		}
		if item.State != model.ItemLeased && item.State != model.ItemInProgress {
			return nil
		}

		if _, err := e.backend.Reclaim(ctx, tx, []string{itemID}); err != nil {
			return fmt.Errorf("backend reclaim for item %s: %w", itemID, err)
		}

		item.Attempts++
		holder := item.LeasedByAgentID
		updates := map[string]interface{}{
			"attempts":           item.Attempts,
			"leased_by_agent_id": "",
			"lease_expires_at":   nil,
			"last_heartbeat_at":  nil,
		}

		if item.Attempts >= item.MaxAttempts {
			itemErr := model.JSONMap{
				"code":    "max_attempts_exceeded",
				"message": fmt.Sprintf("lease expired %d times, max attempts %d", item.Attempts, item.MaxAttempts),
			}
			updates["error"] = itemErr
			if err := tx.Model(&model.Item{}).Where("id = ?", itemID).Updates(updates).Error; err != nil {
				return fmt.Errorf("write reclaim for item %s: %w", itemID, err)
			}
			item.LeasedByAgentID = ""
			item.LeaseExpiresAt = nil
			item.LastHeartbeatAt = nil
			item.Error = itemErr

			payload := model.JSONMap{"attempts": item.Attempts, "agent_id": holder, "code": "max_attempts_exceeded"}
			return e.machine.TransitionItem(tx, item, model.ItemFailed, model.SystemActor(),
				statemachine.WithKind(model.EventLeaseExpired), statemachine.WithPayload(payload))
		}

		if err := tx.Model(&model.Item{}).Where("id = ?", itemID).Updates(updates).Error; err != nil {
			return fmt.Errorf("write reclaim for item %s: %w", itemID, err)
		}
		item.LeasedByAgentID = ""
		item.LeaseExpiresAt = nil
		item.LastHeartbeatAt = nil

		payload := model.JSONMap{"attempts": item.Attempts, "agent_id": holder}
		return e.machine.TransitionItem(tx, item, model.ItemQueued, model.SystemActor(),
			statemachine.WithKind(model.EventLeaseExpired), statemachine.WithPayload(payload))
	})
}

// AcquireNext dispatches the single best available item to agentID: order
// priority descending, then item creation time ascending. Returns (nil, nil)
// when nothing matches, a cap is hit, or every candidate was raced away.
func (e *Engine) AcquireNext(ctx context.Context, agentID string, filter NextFilter) (*model.Item, error) {
	now := time.Now().UTC()

	if e.cfg.MaxPerAgent > 0 {
		n, err := e.activeLeaseCount(ctx, "leased_by_agent_id = ?", agentID)
		if err != nil {
			return nil, err
		}
		if n >= int64(e.cfg.MaxPerAgent) {
			return nil, nil
		}
	}

	q := e.db.WithContext(ctx).Model(&model.Item{}).
		Joins("JOIN orders ON orders.id = items.order_id").
		Where("items.state = ?", model.ItemQueued).
		Where("items.leased_by_agent_id = '' OR items.lease_expires_at IS NULL OR items.lease_expires_at < ?", now)
	if filter.Type != "" {
		q = q.Where("items.type = ?", filter.Type)
	}
	if filter.MinPriority != nil {
		q = q.Where("orders.priority >= ?", *filter.MinPriority)
	}

	var candidates []model.Item
	err := q.Order("orders.priority DESC").
		Order("items.created_at ASC").
		Limit(candidateBatch).
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("scan dispatch candidates: %w", err)
	}

	for i := range candidates {
		item := &candidates[i]

		if filter.TenantID != "" {
			match, err := e.orderTenantMatches(ctx, item.OrderID, filter.TenantID)
			if err != nil {
				return nil, err
			}
			if !match {
				continue
			}
		}

		if e.cfg.MaxPerType > 0 {
			n, err := e.activeLeaseCount(ctx, "type = ?", item.Type)
			if err != nil {
				return nil, err
			}
			if n >= int64(e.cfg.MaxPerType) {
				continue
			}
		}

		// Caps are re-checked under the row lock; the counts above only
		// prune candidates cheaply.
		acquired, err := e.acquire(ctx, item.ID, agentID, true)
		if err != nil {
			if errors.Is(err, errAgentCapReached) {
				return nil, nil
			}
			if errors.Is(err, errTypeCapReached) {
				continue
			}
			// Lost the race or the item moved on; try the next candidate.
			if apperrors.HasCode(err, apperrors.CodeLeaseConflict) ||
				apperrors.HasCode(err, apperrors.CodeIllegalTransition) {
				continue
			}
			return nil, err
		}
		return acquired, nil
	}
	return nil, nil
}

func (e *Engine) activeLeaseCount(ctx context.Context, cond string, arg interface{}) (int64, error) {
	return activeLeaseCountTx(e.db.WithContext(ctx), cond, arg)
}

func activeLeaseCountTx(tx *gorm.DB, cond string, arg interface{}) (int64, error) {
	var n int64
	err := tx.Model(&model.Item{}).
		Where(cond, arg).
		Where("lease_expires_at IS NOT NULL AND lease_expires_at > ?", time.Now().UTC()).
		Where("state IN ?", []model.ItemState{model.ItemLeased, model.ItemInProgress}).
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("count active leases: %w", err)
	}
	return n, nil
}

func (e *Engine) orderTenantMatches(ctx context.Context, orderID, tenantID string) (bool, error) {
	var order model.Order
	if err := e.db.WithContext(ctx).First(&order, "id = ?", orderID).Error; err != nil {
		return false, fmt.Errorf("load order %s for tenant filter: %w", orderID, err)
	}
	return lookupPath(order.Payload, tenantPath) == tenantID, nil
}

// lookupPath walks a dotted path through nested maps and returns the string
// value at the leaf, or "" when the path is absent or not a string.
func lookupPath(m model.JSONMap, path string) string {
	var cur interface{} = map[string]interface{}(m)
	for _, seg := range strings.Split(path, ".") {
		node, ok := cur.(map[string]interface{})
		if !ok {
			return ""
		}
		cur, ok = node[seg]
		if !ok {
			return ""
		}
	}
	s, _ := cur.(string)
	return s
}
