package executor

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/statemachine"
)

// Approve gates an order on its acceptance policy, transitions it to
// approved and applies inline. Returns the applied order and the diff.
func (e *Executor) Approve(ctx context.Context, orderID string, actor model.Actor) (*model.Order, *ordertype.Diff, error) {
	if actor.Kind == "" {
		actor = model.SystemActor()
	}

	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := loadOrderLocked(tx, orderID)
		if err != nil {
			return err
		}
		handler, err := e.registry.Get(order.Type)
		if err != nil {
			return err
		}

		var items []model.Item
		if err := tx.Where("order_id = ?", order.ID).Find(&items).Error; err != nil {
			return fmt.Errorf("load items for order %s: %w", order.ID, err)
		}

		ready, err := ordertype.PolicyFor(handler).ReadyForApproval(ctx, order, items)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeNotReadyForApproval, "approval readiness check failed", 422)
		}
		if !ready {
			return apperrors.Conflict(apperrors.CodeNotReadyForApproval, "order is not ready for approval").
				WithParams(map[string]interface{}{"order_id": order.ID})
		}

		return e.machine.TransitionOrder(tx, order, model.OrderApproved, actor)
	})
	if err != nil {
		return nil, nil, err
	}

	diff, err := e.Apply(ctx, orderID, actor)
	if err != nil {
		return nil, nil, err
	}

	var order model.Order
	if err := e.db.WithContext(ctx).Preload("Items").First(&order, "id = ?", orderID).Error; err != nil {
		return nil, nil, fmt.Errorf("reload order %s: %w", orderID, err)
	}
	return &order, diff, nil
}

// Apply executes the handler's domain mutation for an approved order and
// cascades every submitted item through accepted to completed. The state
// machine's completion invariant then finishes the order.
//
// A handler failure is persisted: the order transitions to failed with the
// diagnostic on the event, and the error is returned.
func (e *Executor) Apply(ctx context.Context, orderID string, actor model.Actor) (*ordertype.Diff, error) {
	if actor.Kind == "" {
		actor = model.SystemActor()
	}

	var diff ordertype.Diff
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := loadOrderLocked(tx, orderID)
		if err != nil {
			return err
		}
		handler, err := e.registry.Get(order.Type)
		if err != nil {
			return err
		}
		if err := tx.Where("order_id = ?", order.ID).Find(&order.Items).Error; err != nil {
			return fmt.Errorf("load items for order %s: %w", order.ID, err)
		}

		if err := handler.BeforeApply(ctx, order); err != nil {
			return apperrors.Wrap(err, apperrors.CodeApplyFailed, "before-apply hook failed", 422)
		}
		diff, err = handler.Apply(ctx, order)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeApplyFailed, "apply failed", 422)
		}

		if err := e.machine.TransitionOrder(tx, order, model.OrderApplied, actor,
			statemachine.WithDiff(diff.ToJSONMap())); err != nil {
			return err
		}

		// Completed items stay untouched; a second apply on the same order
		// state finds nothing to cascade.
		for i := range order.Items {
			item := &order.Items[i]
			if item.State == model.ItemSubmitted {
				if err := e.machine.TransitionItem(tx, item, model.ItemAccepted, actor); err != nil {
					return err
				}
			}
			if item.State == model.ItemAccepted {
				if err := e.machine.TransitionItem(tx, item, model.ItemCompleted, actor); err != nil {
					return err
				}
			}
		}

		if err := handler.AfterApply(ctx, order, diff); err != nil {
			return apperrors.Wrap(err, apperrors.CodeApplyFailed, "after-apply hook failed", 422)
		}
		return nil
	})
	if err != nil {
		if apperrors.HasCode(err, apperrors.CodeApplyFailed) {
			e.markApplyFailed(ctx, orderID, err)
		}
		return nil, err
	}
	return &diff, nil
}

// markApplyFailed persists the failed state outside the rolled-back apply
// transaction.
func (e *Executor) markApplyFailed(ctx context.Context, orderID string, applyErr error) {
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := loadOrderLocked(tx, orderID)
		if err != nil {
			return err
		}
		payload := model.JSONMap{"code": apperrors.CodeApplyFailed, "message": applyErr.Error()}
		return e.machine.TransitionOrder(tx, order, model.OrderFailed, model.SystemActor(),
			statemachine.WithPayload(payload))
	})
	if err != nil {
		logger.S().Errorw("could not record apply failure", "order_id", orderID, "error", err)
	}
}

// CheckAutoApproval recomputes the order-level submission cascade and, when
// the handler opts in, attempts best-effort auto-approval. Every failure here
// is logged and swallowed; the order stays where it is for manual handling.
func (e *Executor) CheckAutoApproval(ctx context.Context, orderID string) {
	var autoApprove bool
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		order, err := loadOrderLocked(tx, orderID)
		if err != nil {
			return err
		}
		handler, err := e.registry.Get(order.Type)
		if err != nil {
			return err
		}

		var items []model.Item
		if err := tx.Where("order_id = ?", order.ID).Find(&items).Error; err != nil {
			return fmt.Errorf("load items for order %s: %w", order.ID, err)
		}
		if len(items) == 0 || !allItemsSubmitted(items) {
			return nil
		}

		switch order.State {
		case model.OrderQueued, model.OrderCheckedOut, model.OrderInProgress:
			if err := e.machine.TransitionOrder(tx, order, model.OrderSubmitted, model.SystemActor()); err != nil {
				return err
			}
		}
		autoApprove = order.State == model.OrderSubmitted && handler.ShouldAutoApprove()
		return nil
	})
	if err != nil {
		logger.S().Warnw("auto-approval check failed", "order_id", orderID, "error", err)
		return
	}

	if autoApprove {
		if _, _, err := e.Approve(ctx, orderID, model.SystemActor()); err != nil {
			logger.S().Warnw("auto-approval attempt failed", "order_id", orderID, "error", err)
		}
	}
}

func allItemsSubmitted(items []model.Item) bool {
	for i := range items {
		switch items[i].State {
		case model.ItemSubmitted, model.ItemAccepted, model.ItemCompleted:
		default:
			return false
		}
	}
	return true
}
