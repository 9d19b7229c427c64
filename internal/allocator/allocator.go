// Package allocator turns typed proposals into queued orders and plans them
// into leasable items.
//
// Propose is one transaction: validate against the type schema, create the
// order, audit the proposal, plan the items, audit the plan. A proposal that
// fails validation leaves no rows behind.
package allocator

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/hashutil"
	"wo-foreman.io/foreman/internal/statemachine"
)

// ProposeRequest is one typed work proposal.
type ProposeRequest struct {
	Type     string
	Payload  model.JSONMap
	Meta     model.JSONMap
	Priority int
	Actor    model.Actor
}

// Allocator creates and plans orders.
type Allocator struct {
	db       *gorm.DB
	registry *ordertype.Registry
	machine  *statemachine.Machine
	retry    config.RetryConfig
	schemas  *schemaCache
}

// New creates an allocator.
func New(db *gorm.DB, registry *ordertype.Registry, machine *statemachine.Machine, retry config.RetryConfig) *Allocator {
	return &Allocator{
		db:       db,
		registry: registry,
		machine:  machine,
		retry:    retry,
		schemas:  newSchemaCache(),
	}
}

// Propose validates a payload against its type schema, creates the order in
// queued and plans it into items. Returns the fresh order with items loaded.
func (a *Allocator) Propose(ctx context.Context, req ProposeRequest) (*model.Order, error) {
	handler, err := a.registry.Get(req.Type)
	if err != nil {
		return nil, err
	}

	schema := handler.Schema()
	if err := a.schemas.validatePayload(req.Type, schema, req.Payload); err != nil {
		return nil, err
	}

	actor := req.Actor
	if actor.Kind == "" {
		actor = model.SystemActor()
	}

	var order *model.Order
	err = a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := time.Now().UTC()
		order = &model.Order{
			ID:                 hashutil.NewID(),
			Type:               req.Type,
			State:              model.OrderQueued,
			Priority:           req.Priority,
			Payload:            req.Payload,
			Meta:               req.Meta,
			SchemaSnapshot:     schema,
			RequestedByKind:    actor.Kind,
			RequestedByID:      actor.ID,
			LastTransitionedAt: now,
		}
		if err := tx.Create(order).Error; err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		if err := a.machine.RecordOrderEvent(tx, order.ID, nil, model.EventProposed, actor,
			req.Payload, nil, ""); err != nil {
			return err
		}

		items, err := a.planInto(ctx, tx, handler, order, actor)
		if err != nil {
			return err
		}
		order.Items = items
		return nil
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

// Plan re-plans an existing order. Exposed for explicit rework paths; callers
// must drain the order's items first, the allocator does not dedupe specs
// against items planned earlier.
func (a *Allocator) Plan(ctx context.Context, orderID string, actor model.Actor) ([]model.Item, error) {
	var items []model.Item
	err := a.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var order model.Order
		if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
			if err == gorm.ErrRecordNotFound {
				return apperrors.ErrOrderNotFoundf(orderID)
			}
			return fmt.Errorf("load order %s: %w", orderID, err)
		}

		handler, err := a.registry.Get(order.Type)
		if err != nil {
			return err
		}

		items, err = a.planInto(ctx, tx, handler, &order, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// planInto persists the handler's item specs as queued items and audits the
// plan, all on the caller's transaction.
func (a *Allocator) planInto(ctx context.Context, tx *gorm.DB, handler ordertype.Handler, order *model.Order, actor model.Actor) ([]model.Item, error) {
	specs, err := handler.Plan(ctx, order)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodeSubmissionInvalid, "planning failed", 422)
	}
	if len(specs) == 0 {
		return nil, apperrors.Unprocessable(apperrors.CodeSubmissionInvalid, "plan produced no items").
			WithParams(map[string]interface{}{"order_id": order.ID, "type": order.Type})
	}

	now := time.Now().UTC()
	items := make([]model.Item, 0, len(specs))
	for _, spec := range specs {
		itemType := spec.Type
		if itemType == "" {
			itemType = order.Type
		}
		maxAttempts := spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = a.retry.DefaultMaxAttempts
		}
		item := model.Item{
			ID:                 hashutil.NewID(),
			OrderID:            order.ID,
			Type:               itemType,
			State:              model.ItemQueued,
			Input:              spec.Input,
			Attempts:           0,
			MaxAttempts:        maxAttempts,
			PartsRequired:      spec.PartsRequired,
			LastTransitionedAt: now,
		}
		if err := tx.Create(&item).Error; err != nil {
			return nil, fmt.Errorf("create item for order %s: %w", order.ID, err)
		}
		items = append(items, item)
	}

	payload := model.JSONMap{"item_count": len(items)}
	if err := a.machine.RecordOrderEvent(tx, order.ID, nil, model.EventPlanned, actor, payload, nil, ""); err != nil {
		return nil, err
	}
	return items, nil
}
