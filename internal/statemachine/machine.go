// Package statemachine validates and executes order/item state transitions.
//
// The legal transition set is data-driven: an adjacency relation configured at
// construction time. Every successful transition writes the new state, updates
// the lifecycle timestamps and appends exactly one audit event inside the
// caller's transaction. RecordOrderEvent/RecordItemEvent are the only
// sanctioned paths for appending to the audit log.
package statemachine

import (
	"fmt"
	"time"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/hashutil"
)

// DefaultOrderTransitions is the built-in order adjacency.
func DefaultOrderTransitions() map[model.OrderState][]model.OrderState {
	return map[model.OrderState][]model.OrderState{
		model.OrderQueued:     {model.OrderCheckedOut, model.OrderInProgress, model.OrderSubmitted, model.OrderRejected, model.OrderFailed},
		model.OrderCheckedOut: {model.OrderInProgress, model.OrderSubmitted, model.OrderQueued, model.OrderFailed},
		model.OrderInProgress: {model.OrderSubmitted, model.OrderQueued, model.OrderFailed},
		model.OrderSubmitted:  {model.OrderApproved, model.OrderRejected, model.OrderQueued},
		model.OrderApproved:   {model.OrderApplied, model.OrderFailed},
		model.OrderApplied:    {model.OrderCompleted, model.OrderFailed},
		model.OrderFailed:     {model.OrderDeadLettered},
	}
}

// DefaultItemTransitions is the built-in item adjacency.
func DefaultItemTransitions() map[model.ItemState][]model.ItemState {
	return map[model.ItemState][]model.ItemState{
		model.ItemQueued:     {model.ItemLeased, model.ItemFailed, model.ItemDeadLettered},
		model.ItemLeased:     {model.ItemInProgress, model.ItemSubmitted, model.ItemQueued, model.ItemFailed},
		model.ItemInProgress: {model.ItemSubmitted, model.ItemQueued, model.ItemFailed},
		model.ItemSubmitted:  {model.ItemAccepted, model.ItemQueued, model.ItemFailed},
		model.ItemAccepted:   {model.ItemCompleted},
		model.ItemFailed:     {model.ItemDeadLettered},
	}
}

// orderEventKinds maps destination order states to default event kinds.
var orderEventKinds = map[model.OrderState]model.EventKind{
	model.OrderQueued:       model.EventRejected, // rework path
	model.OrderSubmitted:    model.EventSubmitted,
	model.OrderApproved:     model.EventApproved,
	model.OrderApplied:      model.EventApplied,
	model.OrderCompleted:    model.EventCompleted,
	model.OrderRejected:     model.EventRejected,
	model.OrderFailed:       model.EventFailed,
	model.OrderDeadLettered: model.EventDeadLettered,
	model.OrderCheckedOut:   model.EventLeased,
	model.OrderInProgress:   model.EventLeased,
}

// itemEventKinds maps destination item states to default event kinds.
var itemEventKinds = map[model.ItemState]model.EventKind{
	model.ItemQueued:       model.EventReleased,
	model.ItemLeased:       model.EventLeased,
	model.ItemInProgress:   model.EventLeased,
	model.ItemSubmitted:    model.EventSubmitted,
	model.ItemAccepted:     model.EventAccepted,
	model.ItemCompleted:    model.EventCompleted,
	model.ItemFailed:       model.EventFailed,
	model.ItemDeadLettered: model.EventDeadLettered,
}

// Machine holds the configured adjacency relations.
type Machine struct {
	orderAdj map[model.OrderState]map[model.OrderState]bool
	itemAdj  map[model.ItemState]map[model.ItemState]bool
}

// New builds a Machine from configuration. Empty override maps keep the
// built-in defaults.
func New(cfg config.StateMachineConfig) *Machine {
	orderSrc := DefaultOrderTransitions()
	if len(cfg.OrderTransitions) > 0 {
		orderSrc = make(map[model.OrderState][]model.OrderState, len(cfg.OrderTransitions))
		for from, tos := range cfg.OrderTransitions {
			states := make([]model.OrderState, 0, len(tos))
			for _, to := range tos {
				states = append(states, model.OrderState(to))
			}
			orderSrc[model.OrderState(from)] = states
		}
	}
	itemSrc := DefaultItemTransitions()
	if len(cfg.ItemTransitions) > 0 {
		itemSrc = make(map[model.ItemState][]model.ItemState, len(cfg.ItemTransitions))
		for from, tos := range cfg.ItemTransitions {
			states := make([]model.ItemState, 0, len(tos))
			for _, to := range tos {
				states = append(states, model.ItemState(to))
			}
			itemSrc[model.ItemState(from)] = states
		}
	}

	m := &Machine{
		orderAdj: make(map[model.OrderState]map[model.OrderState]bool, len(orderSrc)),
		itemAdj:  make(map[model.ItemState]map[model.ItemState]bool, len(itemSrc)),
	}
	for from, tos := range orderSrc {
		set := make(map[model.OrderState]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		m.orderAdj[from] = set
	}
	for from, tos := range itemSrc {
		set := make(map[model.ItemState]bool, len(tos))
		for _, to := range tos {
			set[to] = true
		}
		m.itemAdj[from] = set
	}
	return m
}

// CanOrder reports whether the order edge is legal.
func (m *Machine) CanOrder(from, to model.OrderState) bool {
	return m.orderAdj[from][to]
}

// CanItem reports whether the item edge is legal.
func (m *Machine) CanItem(from, to model.ItemState) bool {
	return m.itemAdj[from][to]
}

// Option customises a transition's audit event.
type Option func(*eventSpec)

type eventSpec struct {
	kind    model.EventKind
	payload model.JSONMap
	diff    model.JSONMap
	message string
}

// WithKind overrides the event kind derived from the destination state.
func WithKind(kind model.EventKind) Option {
	return func(s *eventSpec) { s.kind = kind }
}

// WithPayload attaches a payload snapshot to the event.
func WithPayload(payload model.JSONMap) Option {
	return func(s *eventSpec) { s.payload = payload }
}

// WithDiff attaches a before/after diff to the event.
func WithDiff(diff model.JSONMap) Option {
	return func(s *eventSpec) { s.diff = diff }
}

// WithMessage attaches an operator message to the event.
func WithMessage(message string) Option {
	return func(s *eventSpec) { s.message = message }
}

// TransitionOrder moves an order to a new state, stamps timestamps and
// appends the audit event, all against the supplied transaction handle.
// The order struct is updated in place on success.
func (m *Machine) TransitionOrder(tx *gorm.DB, order *model.Order, to model.OrderState, actor model.Actor, opts ...Option) error {
	if !m.CanOrder(order.State, to) {
		return apperrors.ErrIllegalTransitionf("order", string(order.State), string(to))
	}

	spec := eventSpec{kind: orderEventKinds[to]}
	for _, opt := range opts {
		opt(&spec)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":                to,
		"last_transitioned_at": now,
	}
	switch to {
	case model.OrderApplied:
		updates["applied_at"] = now
	case model.OrderCompleted:
		updates["completed_at"] = now
	}

	if err := tx.Model(&model.Order{}).Where("id = ?", order.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("write order %s state %s: %w", order.ID, to, err)
	}

	order.State = to
	order.LastTransitionedAt = now
	switch to {
	case model.OrderApplied:
		order.AppliedAt = &now
	case model.OrderCompleted:
		order.CompletedAt = &now
	}

	return m.RecordOrderEvent(tx, order.ID, nil, spec.kind, actor, spec.payload, spec.diff, spec.message)
}

// TransitionItem moves an item to a new state and appends the audit event.
// When the destination is completed, the order-completion invariant is checked
// and the owning order cascades to completed as a second, machine-authored
// transition.
func (m *Machine) TransitionItem(tx *gorm.DB, item *model.Item, to model.ItemState, actor model.Actor, opts ...Option) error {
	if !m.CanItem(item.State, to) {
		return apperrors.ErrIllegalTransitionf("item", string(item.State), string(to))
	}

	spec := eventSpec{kind: itemEventKinds[to]}
	for _, opt := range opts {
		opt(&spec)
	}

	now := time.Now().UTC()
	updates := map[string]interface{}{
		"state":                to,
		"last_transitioned_at": now,
	}
	switch to {
	case model.ItemAccepted:
		updates["accepted_at"] = now
	case model.ItemCompleted:
		updates["completed_at"] = now
	}

	if err := tx.Model(&model.Item{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
		return fmt.Errorf("write item %s state %s: %w", item.ID, to, err)
	}

	item.State = to
	item.LastTransitionedAt = now
	switch to {
	case model.ItemAccepted:
		item.AcceptedAt = &now
	case model.ItemCompleted:
		item.CompletedAt = &now
	}

	if err := m.RecordItemEvent(tx, item.OrderID, item.ID, spec.kind, actor, spec.payload, spec.message); err != nil {
		return err
	}

	if to == model.ItemCompleted {
		return m.cascadeOrderCompletion(tx, item.OrderID)
	}
	return nil
}

// cascadeOrderCompletion completes the order once every item is completed.
func (m *Machine) cascadeOrderCompletion(tx *gorm.DB, orderID string) error {
	var order model.Order
	if err := tx.First(&order, "id = ?", orderID).Error; err != nil {
		return fmt.Errorf("load order %s for completion cascade: %w", orderID, err)
	}
	if !m.CanOrder(order.State, model.OrderCompleted) {
		return nil
	}

	var pending int64
	if err := tx.Model(&model.Item{}).
		Where("order_id = ? AND state <> ?", orderID, model.ItemCompleted).
		Count(&pending).Error; err != nil {
		return fmt.Errorf("count pending items for order %s: %w", orderID, err)
	}
	if pending > 0 {
		return nil
	}

	return m.TransitionOrder(tx, &order, model.OrderCompleted, model.SystemActor())
}

// RecordOrderEvent appends one audit event for an order.
func (m *Machine) RecordOrderEvent(tx *gorm.DB, orderID string, itemID *string, kind model.EventKind, actor model.Actor, payload, diff model.JSONMap, message string) error {
	if kind == "" {
		return fmt.Errorf("event kind must not be empty for order %s", orderID)
	}
	event := model.Event{
		ID:        hashutil.NewID(),
		OrderID:   orderID,
		ItemID:    itemID,
		Kind:      kind,
		ActorKind: actor.Kind,
		ActorID:   actor.ID,
		Payload:   payload,
		Diff:      diff,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
	if err := tx.Create(&event).Error; err != nil {
		return fmt.Errorf("append %s event for order %s: %w", kind, orderID, err)
	}
	return nil
}

// RecordItemEvent appends one audit event for an item.
func (m *Machine) RecordItemEvent(tx *gorm.DB, orderID, itemID string, kind model.EventKind, actor model.Actor, payload model.JSONMap, message string) error {
	return m.RecordOrderEvent(tx, orderID, &itemID, kind, actor, payload, nil, message)
}
