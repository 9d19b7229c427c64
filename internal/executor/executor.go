// Package executor drives the submission, approval and apply pipeline.
//
// Submissions pass two-phase validation through the order type's acceptance
// policy; approval gates on readiness and applies inline; apply cascades every
// submitted item through to completed and lets the state machine's completion
// invariant finish the order. Validation failures are persisted on the
// offending row and returned, never swallowed.
package executor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/statemachine"
)

// Executor owns the submit/finalize/approve/apply/reject pipeline.
type Executor struct {
	db       *gorm.DB
	registry *ordertype.Registry
	machine  *statemachine.Machine
	partials config.PartialsConfig
}

// New creates an executor.
func New(db *gorm.DB, registry *ordertype.Registry, machine *statemachine.Machine, partials config.PartialsConfig) *Executor {
	return &Executor{db: db, registry: registry, machine: machine, partials: partials}
}

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

func loadOrderLocked(tx *gorm.DB, orderID string) (*model.Order, error) {
	var order model.Order
	if err := lockForUpdate(tx).First(&order, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.ErrOrderNotFoundf(orderID)
		}
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	return &order, nil
}

// requireLiveLease checks the submit preconditions: caller holds the lease
// and the lease has not expired.
func requireLiveLease(item *model.Item, agentID string, now time.Time) error {
	if item.LeasedByAgentID != agentID {
		return apperrors.ErrLeaseConflictf(item.ID, item.LeasedByAgentID)
	}
	if !item.Leased(now) {
		return apperrors.ErrLeaseExpiredf(item.ID)
	}
	return nil
}

// SubmitRequest is one whole-item result submission.
type SubmitRequest struct {
	ItemID   string
	AgentID  string
	Result   model.JSONMap
	Evidence model.JSONMap
	Notes    string
}

// Submit validates and persists a whole-item result, transitioning the item
// to submitted. A validation failure is recorded on the item and returned.
func (e *Executor) Submit(ctx context.Context, req SubmitRequest) (*model.Item, error) {
	var submitted *model.Item
	var valErr error
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, req.ItemID)
		if err != nil {
			return err
		}
		if err := requireLiveLease(item, req.AgentID, time.Now().UTC()); err != nil {
			return err
		}

		handler, err := e.registry.Get(item.Type)
		if err != nil {
			return err
		}
		actor := model.Actor{Kind: model.ActorAgent, ID: req.AgentID}

		policy := ordertype.PolicyFor(handler)
		if verr := policy.ValidateSubmission(ctx, item, req.Result); verr != nil {
			// Persist the diagnostic and commit it; the submission itself fails.
			diag := model.JSONMap{"code": apperrors.CodeSubmissionInvalid, "message": verr.Error()}
			if err := tx.Model(&model.Item{}).Where("id = ?", item.ID).
				Update("error", diag).Error; err != nil {
				return fmt.Errorf("record validation error on item %s: %w", item.ID, err)
			}
			valErr = apperrors.Unprocessable(apperrors.CodeSubmissionInvalid, "submission failed validation").
				WithParams(map[string]interface{}{"item_id": item.ID, "reason": verr.Error()})
			return nil
		}

		if err := tx.Model(&model.Item{}).Where("id = ?", item.ID).
			Updates(map[string]interface{}{"result": req.Result, "error": nil}).Error; err != nil {
			return fmt.Errorf("write result for item %s: %w", item.ID, err)
		}
		item.Result = req.Result
		item.Error = nil

		payload := model.JSONMap{"result": map[string]interface{}(req.Result)}
		if len(req.Evidence) > 0 {
			payload["evidence"] = map[string]interface{}(req.Evidence)
		}
		if req.Notes != "" {
			payload["notes"] = req.Notes
		}
		if err := e.machine.TransitionItem(tx, item, model.ItemSubmitted, actor,
			statemachine.WithPayload(payload)); err != nil {
			return err
		}

		submitted = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	if valErr != nil {
		return nil, valErr
	}

	e.CheckAutoApproval(ctx, submitted.OrderID)
	return submitted, nil
}

// Reject pushes an order off the approval path. With rework the order returns
// to queued and keeps its items; without, it lands in the terminal rejected
// state.
func (e *Executor) Reject(ctx context.Context, orderID string, errs model.JSONMap, actor model.Actor, allowRework bool) (*model.Order, error) {
	if actor.Kind == "" {
		actor = model.SystemActor()
	}
	var rejected *model.Order
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := loadOrderLocked(tx, orderID)
		if err != nil {
			return err
		}

		target := model.OrderRejected
		if allowRework {
			target = model.OrderQueued
		}
		payload := model.JSONMap{"errors": map[string]interface{}(errs), "rework": allowRework}
		if err := e.machine.TransitionOrder(tx, order, target, actor,
			statemachine.WithKind(model.EventRejected), statemachine.WithPayload(payload)); err != nil {
			return err
		}
		rejected = order
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rejected, nil
}

// Fail marks an item as unworkable, recording the caller's diagnostic.
func (e *Executor) Fail(ctx context.Context, itemID string, diagnostic model.JSONMap, actor model.Actor) (*model.Item, error) {
	if actor.Kind == "" {
		actor = model.SystemActor()
	}
	var failed *model.Item
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, itemID)
		if err != nil {
			return err
		}

		if err := tx.Model(&model.Item{}).Where("id = ?", item.ID).
			Update("error", diagnostic).Error; err != nil {
			return fmt.Errorf("record error on item %s: %w", item.ID, err)
		}
		item.Error = diagnostic

		payload := model.JSONMap{"error": map[string]interface{}(diagnostic)}
		if err := e.machine.TransitionItem(tx, item, model.ItemFailed, actor,
			statemachine.WithPayload(payload)); err != nil {
			return err
		}
		failed = item
		return nil
	})
	if err != nil {
		return nil, err
	}
	return failed, nil
}
