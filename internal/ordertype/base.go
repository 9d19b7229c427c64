package ordertype

import (
	"context"
	"fmt"

	"wo-foreman.io/foreman/internal/model"
)

// Base provides no-op defaults for the optional Handler hooks. Concrete order
// types embed Base and override what they need; Name, Schema, Plan and Apply
// have no sensible default and stay abstract.
type Base struct{}

// AcceptancePolicy returns nil; the registry substitutes the default policy
// bound to the concrete handler.
func (Base) AcceptancePolicy() AcceptancePolicy { return nil }

// ValidateSubmissionRules accepts everything by default.
func (Base) ValidateSubmissionRules(ctx context.Context, item *model.Item, result model.JSONMap) error {
	return nil
}

// AfterValidateSubmission accepts everything by default.
func (Base) AfterValidateSubmission(ctx context.Context, item *model.Item, result model.JSONMap) error {
	return nil
}

// PartialRules accepts every part key by default.
func (Base) PartialRules(ctx context.Context, item *model.Item, partKey string, seq *int) error {
	return nil
}

// AfterValidatePart accepts everything by default.
func (Base) AfterValidatePart(ctx context.Context, item *model.Item, partKey string, payload model.JSONMap, seq *int) error {
	return nil
}

// RequiredParts reads the declaration recorded on the item at plan time.
func (Base) RequiredParts(item *model.Item) []string {
	return item.PartsRequired
}

// Assemble merges the latest validated payloads keyed by part key.
func (Base) Assemble(ctx context.Context, item *model.Item, latestValidated map[string]model.JSONMap) (model.JSONMap, error) {
	assembled := make(model.JSONMap, len(latestValidated))
	for key, payload := range latestValidated {
		assembled[key] = map[string]interface{}(payload)
	}
	return assembled, nil
}

// ValidateAssembled accepts everything by default.
func (Base) ValidateAssembled(ctx context.Context, item *model.Item, assembled model.JSONMap) error {
	return nil
}

// BeforeApply is a no-op by default.
func (Base) BeforeApply(ctx context.Context, order *model.Order) error { return nil }

// AfterApply is a no-op by default.
func (Base) AfterApply(ctx context.Context, order *model.Order, diff Diff) error { return nil }

// ShouldAutoApprove is off by default.
func (Base) ShouldAutoApprove() bool { return false }

// DefaultPolicy is the stock acceptance policy: submissions pass the handler's
// own validation hooks, and an order is ready for approval once every item is
// in a terminal-pre-apply state.
type DefaultPolicy struct {
	Handler Handler
}

// ValidateSubmission delegates to the handler's validation hooks.
func (p DefaultPolicy) ValidateSubmission(ctx context.Context, item *model.Item, result model.JSONMap) error {
	if err := p.Handler.ValidateSubmissionRules(ctx, item, result); err != nil {
		return err
	}
	return p.Handler.AfterValidateSubmission(ctx, item, result)
}

// ReadyForApproval requires every item submitted, accepted or completed.
func (p DefaultPolicy) ReadyForApproval(ctx context.Context, order *model.Order, items []model.Item) (bool, error) {
	if len(items) == 0 {
		return false, fmt.Errorf("order %s has no items", order.ID)
	}
	for i := range items {
		switch items[i].State {
		case model.ItemSubmitted, model.ItemAccepted, model.ItemCompleted:
		default:
			return false, nil
		}
	}
	return true, nil
}

// PolicyFor resolves a handler's acceptance policy, substituting the default
// when the handler does not provide one.
func PolicyFor(h Handler) AcceptancePolicy {
	if policy := h.AcceptancePolicy(); policy != nil {
		return policy
	}
	return DefaultPolicy{Handler: h}
}
