// Package engine is the composed facade over the work-order core: allocator,
// executor, lease engine, query surface, idempotency guard, provenance and
// maintenance behind one API.
//
// Mutating operations accept an optional idempotency key; when the operation
// is in idempotency.enforce_on, replays return the first response byte for
// byte. The engine is a library: hosts drive it synchronously and own the
// maintenance tick.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/allocator"
	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/executor"
	"wo-foreman.io/foreman/internal/idempotency"
	"wo-foreman.io/foreman/internal/lease"
	"wo-foreman.io/foreman/internal/maintenance"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/provenance"
	"wo-foreman.io/foreman/internal/query"
	"wo-foreman.io/foreman/internal/statemachine"
)

// Engine is the work-order control plane.
type Engine struct {
	db       *gorm.DB
	cfg      *config.Config
	registry *ordertype.Registry

	machine *statemachine.Machine
	alloc   *allocator.Allocator
	exec    *executor.Executor
	leases  *lease.Engine
	lister  *query.Lister
	guard   *idempotency.Guard
	prov    *provenance.Recorder
	maint   *maintenance.Loop
}

// Option customises engine construction.
type Option func(*options)

type options struct {
	redis *redis.Client
}

// WithRedis supplies the client backing the keyvalue lease backend.
func WithRedis(client *redis.Client) Option {
	return func(o *options) { o.redis = client }
}

// New wires the engine from its configuration. The keyvalue lease backend
// requires WithRedis.
func New(db *gorm.DB, cfg *config.Config, registry *ordertype.Registry, opts ...Option) (*Engine, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	var backend lease.Backend
	switch cfg.Lease.Backend {
	case "keyvalue":
		if o.redis == nil {
			return nil, fmt.Errorf("lease backend %q requires a redis client", cfg.Lease.Backend)
		}
		backend = lease.NewKeyValueBackend(o.redis)
	default:
		backend = lease.NewDatabaseBackend(db)
	}

	machine := statemachine.New(cfg.StateMachine)
	leases := lease.NewEngine(db, backend, machine, cfg.Lease)
	return &Engine{
		db:       db,
		cfg:      cfg,
		registry: registry,
		machine:  machine,
		alloc:    allocator.New(db, registry, machine, cfg.Retry),
		exec:     executor.New(db, registry, machine, cfg.Partials),
		leases:   leases,
		lister:   query.NewLister(db, cfg.Query),
		guard:    idempotency.NewGuard(db, cfg.Idempotency),
		prov:     provenance.NewRecorder(db),
		maint:    maintenance.NewLoop(db, leases, machine, cfg.Maintenance),
	}, nil
}

// Registry exposes the order type registry for hosts that register plugins
// after construction.
func (e *Engine) Registry() *ordertype.Registry { return e.registry }

// Provenance exposes the recorder for the transport layer.
func (e *Engine) Provenance() *provenance.Recorder { return e.prov }

// ProposeInput is one proposal call.
type ProposeInput struct {
	Type     string        `json:"type"`
	Payload  model.JSONMap `json:"payload"`
	Meta     model.JSONMap `json:"meta,omitempty"`
	Priority int           `json:"priority,omitempty"`
	Actor    model.Actor   `json:"actor,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Propose validates, creates and plans one order.
func (e *Engine) Propose(ctx context.Context, in ProposeInput) (json.RawMessage, error) {
	raw, _, err := e.guard.Do(ctx, "propose", idempotency.Scope("propose", in.Type), in.IdempotencyKey,
		func(ctx context.Context) (interface{}, error) {
			order, err := e.alloc.Propose(ctx, allocator.ProposeRequest{
				Type:     in.Type,
				Payload:  in.Payload,
				Meta:     in.Meta,
				Priority: in.Priority,
				Actor:    in.Actor,
			})
			if err != nil {
				return nil, err
			}
			return orderView(order), nil
		})
	return raw, err
}

// ListOrders runs a filtered, sorted, paginated listing.
func (e *Engine) ListOrders(ctx context.Context, req query.ListRequest) (*query.ListResult, error) {
	return e.lister.List(ctx, req)
}

// GetOrder loads one order with its items.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*OrderView, error) {
	var order model.Order
	err := e.db.WithContext(ctx).Preload("Items").First(&order, "id = ?", orderID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrOrderNotFoundf(orderID)
		}
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	view := orderView(&order)
	return &view, nil
}

// GetItem loads one item.
func (e *Engine) GetItem(ctx context.Context, itemID string) (*ItemView, error) {
	var item model.Item
	err := e.db.WithContext(ctx).First(&item, "id = ?", itemID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrItemNotFoundf(itemID)
		}
		return nil, fmt.Errorf("load item %s: %w", itemID, err)
	}
	view := itemView(&item)
	return &view, nil
}

// CheckoutInput is one checkout call. With OrderID the checkout is scoped to
// that order's queued items; otherwise the global dispatcher selects across
// all orders.
type CheckoutInput struct {
	OrderID     string `json:"order_id,omitempty"`
	AgentID     string `json:"agent_id"`
	Type        string `json:"type,omitempty"`
	MinPriority *int   `json:"min_priority,omitempty"`
	TenantID    string `json:"tenant_id,omitempty"`
}

// Checkout leases the best available item to the agent. Returns
// NO_ITEMS_AVAILABLE when nothing matches.
func (e *Engine) Checkout(ctx context.Context, in CheckoutInput) (*ItemView, error) {
	if in.AgentID == "" {
		return nil, apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "agent id is required")
	}

	var item *model.Item
	var err error
	if in.OrderID != "" {
		item, err = e.checkoutScoped(ctx, in.OrderID, in.AgentID)
	} else {
		item, err = e.leases.AcquireNext(ctx, in.AgentID, lease.NextFilter{
			Type:        in.Type,
			MinPriority: in.MinPriority,
			TenantID:    in.TenantID,
		})
	}
	if err != nil {
		return nil, err
	}
	if item == nil {
		return nil, apperrors.Conflict(apperrors.CodeNoItemsAvailable, "no items match the checkout")
	}
	view := itemView(item)
	return &view, nil
}

// checkoutScoped leases the oldest queued item of one order.
func (e *Engine) checkoutScoped(ctx context.Context, orderID, agentID string) (*model.Item, error) {
	if _, err := e.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}

	var candidates []model.Item
	err := e.db.WithContext(ctx).
		Where("order_id = ? AND state = ?", orderID, model.ItemQueued).
		Order("created_at ASC").
		Find(&candidates).Error
	if err != nil {
		return nil, fmt.Errorf("scan items for order %s: %w", orderID, err)
	}

	for i := range candidates {
		item, err := e.leases.Acquire(ctx, candidates[i].ID, agentID)
		if err != nil {
			if apperrors.HasCode(err, apperrors.CodeLeaseConflict) ||
				apperrors.HasCode(err, apperrors.CodeIllegalTransition) {
				continue
			}
			return nil, err
		}
		return item, nil
	}
	return nil, nil
}

// Heartbeat extends the caller's lease by one TTL.
func (e *Engine) Heartbeat(ctx context.Context, itemID, agentID string) (*ItemView, error) {
	item, err := e.leases.Extend(ctx, itemID, agentID)
	if err != nil {
		return nil, err
	}
	view := itemView(item)
	return &view, nil
}

// Release returns the caller's leased item to the queue.
func (e *Engine) Release(ctx context.Context, itemID, agentID string) (*ItemView, error) {
	item, err := e.leases.Release(ctx, itemID, agentID)
	if err != nil {
		return nil, err
	}
	view := itemView(item)
	return &view, nil
}

// SubmitInput is one whole-item submission.
type SubmitInput struct {
	ItemID   string        `json:"item_id"`
	AgentID  string        `json:"agent_id"`
	Result   model.JSONMap `json:"result"`
	Evidence model.JSONMap `json:"evidence,omitempty"`
	Notes    string        `json:"notes,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Submit validates and persists a whole-item result.
func (e *Engine) Submit(ctx context.Context, in SubmitInput) (json.RawMessage, error) {
	raw, _, err := e.guard.Do(ctx, "submit", idempotency.Scope("submit", in.ItemID), in.IdempotencyKey,
		func(ctx context.Context) (interface{}, error) {
			item, err := e.exec.Submit(ctx, executor.SubmitRequest{
				ItemID:   in.ItemID,
				AgentID:  in.AgentID,
				Result:   in.Result,
				Evidence: in.Evidence,
				Notes:    in.Notes,
			})
			if err != nil {
				return nil, err
			}
			return itemView(item), nil
		})
	return raw, err
}

// SubmitPartInput is one incremental part submission.
type SubmitPartInput struct {
	ItemID   string        `json:"item_id"`
	AgentID  string        `json:"agent_id"`
	PartKey  string        `json:"part_key"`
	Seq      *int          `json:"seq,omitempty"`
	Payload  model.JSONMap `json:"payload"`
	Evidence model.JSONMap `json:"evidence,omitempty"`
	Notes    string        `json:"notes,omitempty"`

	IdempotencyKey string `json:"-"`
}

// SubmitPart validates and upserts one part.
func (e *Engine) SubmitPart(ctx context.Context, in SubmitPartInput) (json.RawMessage, error) {
	scope := idempotency.Scope("submit_part", in.ItemID+":"+in.PartKey)
	raw, _, err := e.guard.Do(ctx, "submit_part", scope, in.IdempotencyKey,
		func(ctx context.Context) (interface{}, error) {
			part, err := e.exec.SubmitPart(ctx, executor.SubmitPartRequest{
				ItemID:   in.ItemID,
				AgentID:  in.AgentID,
				PartKey:  in.PartKey,
				Seq:      in.Seq,
				Payload:  in.Payload,
				Evidence: in.Evidence,
				Notes:    in.Notes,
			})
			if err != nil {
				return nil, err
			}
			return partView(part), nil
		})
	return raw, err
}

// ListParts lists an item's parts, oldest first.
func (e *Engine) ListParts(ctx context.Context, itemID string) ([]PartView, error) {
	if _, err := e.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	var parts []model.Part
	err := e.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at ASC").
		Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("load parts for item %s: %w", itemID, err)
	}
	views := make([]PartView, 0, len(parts))
	for i := range parts {
		views = append(views, partView(&parts[i]))
	}
	return views, nil
}

// FinalizeInput is one finalisation call.
type FinalizeInput struct {
	ItemID string      `json:"item_id"`
	Mode   string      `json:"mode,omitempty"`
	Actor  model.Actor `json:"actor,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Finalize assembles validated parts into the item's result.
func (e *Engine) Finalize(ctx context.Context, in FinalizeInput) (json.RawMessage, error) {
	raw, _, err := e.guard.Do(ctx, "finalize", idempotency.Scope("finalize", in.ItemID), in.IdempotencyKey,
		func(ctx context.Context) (interface{}, error) {
			item, err := e.exec.Finalize(ctx, in.ItemID, in.Mode, in.Actor)
			if err != nil {
				return nil, err
			}
			return itemView(item), nil
		})
	return raw, err
}

// ApproveInput is one approval call.
type ApproveInput struct {
	OrderID string      `json:"order_id"`
	Actor   model.Actor `json:"actor,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Approve gates, approves and applies one order.
func (e *Engine) Approve(ctx context.Context, in ApproveInput) (json.RawMessage, error) {
	raw, _, err := e.guard.Do(ctx, "approve", idempotency.Scope("approve", in.OrderID), in.IdempotencyKey,
		func(ctx context.Context) (interface{}, error) {
			order, diff, err := e.exec.Approve(ctx, in.OrderID, in.Actor)
			if err != nil {
				return nil, err
			}
			return ApprovalView{Order: orderView(order), Diff: *diff}, nil
		})
	return raw, err
}

// RejectInput is one rejection call.
type RejectInput struct {
	OrderID     string        `json:"order_id"`
	Errors      model.JSONMap `json:"errors,omitempty"`
	Actor       model.Actor   `json:"actor,omitempty"`
	AllowRework bool          `json:"allow_rework,omitempty"`

	IdempotencyKey string `json:"-"`
}

// Reject pushes an order off the approval path, optionally back to queued
// for rework.
func (e *Engine) Reject(ctx context.Context, in RejectInput) (json.RawMessage, error) {
	raw, _, err := e.guard.Do(ctx, "reject", idempotency.Scope("reject", in.OrderID), in.IdempotencyKey,
		func(ctx context.Context) (interface{}, error) {
			order, err := e.exec.Reject(ctx, in.OrderID, in.Errors, in.Actor, in.AllowRework)
			if err != nil {
				return nil, err
			}
			return orderView(order), nil
		})
	return raw, err
}

// FailItem records an unworkable item.
func (e *Engine) FailItem(ctx context.Context, itemID string, diagnostic model.JSONMap, actor model.Actor) (*ItemView, error) {
	item, err := e.exec.Fail(ctx, itemID, diagnostic, actor)
	if err != nil {
		return nil, err
	}
	view := itemView(item)
	return &view, nil
}

// EventsFor lists an order's audit trail, oldest first.
func (e *Engine) EventsFor(ctx context.Context, orderID string) ([]EventView, error) {
	if _, err := e.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	var events []model.Event
	err := e.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("load events for order %s: %w", orderID, err)
	}
	views := make([]EventView, 0, len(events))
	for i := range events {
		views = append(views, eventView(&events[i]))
	}
	return views, nil
}

// EventsForItem lists the audit trail scoped to one item, oldest first.
func (e *Engine) EventsForItem(ctx context.Context, itemID string) ([]EventView, error) {
	if _, err := e.GetItem(ctx, itemID); err != nil {
		return nil, err
	}
	var events []model.Event
	err := e.db.WithContext(ctx).
		Where("item_id = ?", itemID).
		Order("created_at ASC").
		Find(&events).Error
	if err != nil {
		return nil, fmt.Errorf("load events for item %s: %w", itemID, err)
	}
	views := make([]EventView, 0, len(events))
	for i := range events {
		views = append(views, eventView(&events[i]))
	}
	return views, nil
}

// Tick runs one maintenance pass. With no phases every pass runs; otherwise
// only the named phases do.
func (e *Engine) Tick(ctx context.Context, phases ...string) TickView {
	return e.maint.Tick(ctx, phases...)
}
