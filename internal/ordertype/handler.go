// Package ordertype defines the handler contract for pluggable order types
// and the registry that dispatches to them by string key.
//
// Handlers are values registered at startup; dispatch is a map lookup, not a
// class hierarchy. Handlers own the domain semantics of an order type — the
// engine owns states, leases, audit and idempotency.
package ordertype

import (
	"context"

	"wo-foreman.io/foreman/internal/model"
)

// ItemSpec is one planned unit of work returned by Plan.
type ItemSpec struct {
	// Type of the item; normally the order type, but a handler may plan
	// heterogeneous items.
	Type string

	// Input is the opaque work description derived from the order.
	Input model.JSONMap

	// MaxAttempts overrides retry.default_max_attempts when positive.
	MaxAttempts int

	// PartsRequired declares the required part keys when the item is
	// completed through partial submissions.
	PartsRequired []string
}

// Diff is the opaque before/after snapshot recorded with apply. Its semantic
// meaning is handler-defined; the engine treats it as an audit payload.
type Diff struct {
	Before  model.JSONMap `json:"before"`
	After   model.JSONMap `json:"after"`
	Summary string        `json:"summary"`
}

// ToJSONMap renders the diff for event storage.
func (d Diff) ToJSONMap() model.JSONMap {
	return model.JSONMap{
		"before":  map[string]interface{}(d.Before),
		"after":   map[string]interface{}(d.After),
		"summary": d.Summary,
	}
}

// AcceptancePolicy gates submissions and approval readiness.
type AcceptancePolicy interface {
	// ValidateSubmission checks a whole-item result before it is persisted.
	ValidateSubmission(ctx context.Context, item *model.Item, result model.JSONMap) error

	// ReadyForApproval reports whether the order may be approved.
	ReadyForApproval(ctx context.Context, order *model.Order, items []model.Item) (bool, error)
}

// Handler is the capability set of one order type.
//
// Plan must be deterministic given (order.Payload, order.Meta). Apply must be
// idempotent: a second call on the same order state must produce the same end
// state; the second diff describes the null change.
type Handler interface {
	// Name is the registry key.
	Name() string

	// Schema returns the JSON Schema (draft 2020-12) the allocator
	// validates proposal payloads against.
	Schema() map[string]interface{}

	// Plan decomposes an order into one or more item specifications.
	Plan(ctx context.Context, order *model.Order) ([]ItemSpec, error)

	// AcceptancePolicy returns the submission/approval gate. The default
	// delegates to the handler's own validation hooks.
	AcceptancePolicy() AcceptancePolicy

	// ValidateSubmissionRules runs schema-level checks on a whole-item
	// submission. AfterValidateSubmission runs business checks afterwards.
	ValidateSubmissionRules(ctx context.Context, item *model.Item, result model.JSONMap) error
	AfterValidateSubmission(ctx context.Context, item *model.Item, result model.JSONMap) error

	// PartialRules runs schema-level checks on one part submission.
	// AfterValidatePart runs business checks afterwards.
	PartialRules(ctx context.Context, item *model.Item, partKey string, seq *int) error
	AfterValidatePart(ctx context.Context, item *model.Item, partKey string, payload model.JSONMap, seq *int) error

	// RequiredParts declares the required part keys for an item.
	RequiredParts(item *model.Item) []string

	// Assemble deterministically combines the latest validated part per key
	// into the item's authoritative result.
	Assemble(ctx context.Context, item *model.Item, latestValidated map[string]model.JSONMap) (model.JSONMap, error)

	// ValidateAssembled cross-checks the assembled result at finalisation.
	ValidateAssembled(ctx context.Context, item *model.Item, assembled model.JSONMap) error

	// BeforeApply / Apply / AfterApply execute the order's domain mutation.
	BeforeApply(ctx context.Context, order *model.Order) error
	Apply(ctx context.Context, order *model.Order) (Diff, error)
	AfterApply(ctx context.Context, order *model.Order, diff Diff) error

	// ShouldAutoApprove enables best-effort auto-approval once every item
	// has been submitted.
	ShouldAutoApprove() bool
}
