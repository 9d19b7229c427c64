package engine

import (
	"time"

	"wo-foreman.io/foreman/internal/maintenance"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
)

// View types render rows for callers. Guarded operations snapshot these as
// canonical responses, so field layout is part of the replay contract.

// OrderView is the external rendering of an order.
type OrderView struct {
	ID       string        `json:"id"`
	Type     string        `json:"type"`
	State    string        `json:"state"`
	Priority int           `json:"priority"`
	Payload  model.JSONMap `json:"payload,omitempty"`
	Meta     model.JSONMap `json:"meta,omitempty"`

	RequestedByKind string `json:"requested_by_kind,omitempty"`
	RequestedByID   string `json:"requested_by_id,omitempty"`

	LastTransitionedAt time.Time  `json:"last_transitioned_at"`
	AppliedAt          *time.Time `json:"applied_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`

	Items []ItemView `json:"items,omitempty"`
}

// ItemView is the external rendering of an item.
type ItemView struct {
	ID      string `json:"id"`
	OrderID string `json:"order_id"`
	Type    string `json:"type"`
	State   string `json:"state"`

	Input           model.JSONMap `json:"input,omitempty"`
	Result          model.JSONMap `json:"result,omitempty"`
	AssembledResult model.JSONMap `json:"assembled_result,omitempty"`
	Error           model.JSONMap `json:"error,omitempty"`

	Attempts    int `json:"attempts"`
	MaxAttempts int `json:"max_attempts"`

	LeasedByAgentID string     `json:"leased_by_agent_id,omitempty"`
	LeaseExpiresAt  *time.Time `json:"lease_expires_at,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`

	PartsRequired []string      `json:"parts_required,omitempty"`
	PartsState    model.JSONMap `json:"parts_state,omitempty"`

	LastTransitionedAt time.Time  `json:"last_transitioned_at"`
	AcceptedAt         *time.Time `json:"accepted_at,omitempty"`
	CompletedAt        *time.Time `json:"completed_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at"`
}

// PartView is the external rendering of a part.
type PartView struct {
	ID      string `json:"id"`
	ItemID  string `json:"item_id"`
	PartKey string `json:"part_key"`
	Seq     *int   `json:"seq"`
	Status  string `json:"status"`

	Payload  model.JSONMap   `json:"payload,omitempty"`
	Evidence model.JSONMap   `json:"evidence,omitempty"`
	Notes    string          `json:"notes,omitempty"`
	Errors   model.JSONArray `json:"errors,omitempty"`
	Checksum string          `json:"checksum,omitempty"`

	SubmittedByKind string    `json:"submitted_by_kind,omitempty"`
	SubmittedByID   string    `json:"submitted_by_id,omitempty"`
	SubmittedAt     time.Time `json:"submitted_at"`
	CreatedAt       time.Time `json:"created_at"`
}

// EventView is the external rendering of an audit event.
type EventView struct {
	ID      string  `json:"id"`
	OrderID string  `json:"order_id"`
	ItemID  *string `json:"item_id,omitempty"`
	Kind    string  `json:"kind"`

	ActorKind string `json:"actor_kind,omitempty"`
	ActorID   string `json:"actor_id,omitempty"`

	Payload model.JSONMap `json:"payload,omitempty"`
	Diff    model.JSONMap `json:"diff,omitempty"`
	Message string        `json:"message,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// ApprovalView pairs the applied order with its diff.
type ApprovalView struct {
	Order OrderView      `json:"order"`
	Diff  ordertype.Diff `json:"diff"`
}

// TickView re-exports the maintenance result for API callers.
type TickView = maintenance.TickResult

func orderView(order *model.Order) OrderView {
	view := OrderView{
		ID:                 order.ID,
		Type:               order.Type,
		State:              string(order.State),
		Priority:           order.Priority,
		Payload:            order.Payload,
		Meta:               order.Meta,
		RequestedByKind:    string(order.RequestedByKind),
		RequestedByID:      order.RequestedByID,
		LastTransitionedAt: order.LastTransitionedAt,
		AppliedAt:          order.AppliedAt,
		CompletedAt:        order.CompletedAt,
		CreatedAt:          order.CreatedAt,
		UpdatedAt:          order.UpdatedAt,
	}
	for i := range order.Items {
		view.Items = append(view.Items, itemView(&order.Items[i]))
	}
	return view
}

func itemView(item *model.Item) ItemView {
	return ItemView{
		ID:                 item.ID,
		OrderID:            item.OrderID,
		Type:               item.Type,
		State:              string(item.State),
		Input:              item.Input,
		Result:             item.Result,
		AssembledResult:    item.AssembledResult,
		Error:              item.Error,
		Attempts:           item.Attempts,
		MaxAttempts:        item.MaxAttempts,
		LeasedByAgentID:    item.LeasedByAgentID,
		LeaseExpiresAt:     item.LeaseExpiresAt,
		LastHeartbeatAt:    item.LastHeartbeatAt,
		PartsRequired:      item.PartsRequired,
		PartsState:         item.PartsState,
		LastTransitionedAt: item.LastTransitionedAt,
		AcceptedAt:         item.AcceptedAt,
		CompletedAt:        item.CompletedAt,
		CreatedAt:          item.CreatedAt,
		UpdatedAt:          item.UpdatedAt,
	}
}

func partView(part *model.Part) PartView {
	return PartView{
		ID:              part.ID,
		ItemID:          part.ItemID,
		PartKey:         part.PartKey,
		Seq:             part.Seq,
		Status:          string(part.Status),
		Payload:         part.Payload,
		Evidence:        part.Evidence,
		Notes:           part.Notes,
		Errors:          part.Errors,
		Checksum:        part.Checksum,
		SubmittedByKind: string(part.SubmittedByKind),
		SubmittedByID:   part.SubmittedByID,
		SubmittedAt:     part.SubmittedAt,
		CreatedAt:       part.CreatedAt,
	}
}

func eventView(event *model.Event) EventView {
	return EventView{
		ID:        event.ID,
		OrderID:   event.OrderID,
		ItemID:    event.ItemID,
		Kind:      string(event.Kind),
		ActorKind: string(event.ActorKind),
		ActorID:   event.ActorID,
		Payload:   event.Payload,
		Diff:      event.Diff,
		Message:   event.Message,
		CreatedAt: event.CreatedAt,
	}
}
