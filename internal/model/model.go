// Package model defines the persistence rows for the work-order engine.
//
// Six entities: orders, items, parts, events, provenance records and
// idempotency keys. Opaque fields (payloads, results, diffs) live in
// JSON-valued columns and are never interpreted by the engine itself.
// Events and provenance are append-only.
package model

import (
	"time"

	"gorm.io/gorm"
)

// OrderState is a state in the order lifecycle.
type OrderState string

// All order states.
const (
	OrderQueued       OrderState = "queued"
	OrderCheckedOut   OrderState = "checked_out"
	OrderInProgress   OrderState = "in_progress"
	OrderSubmitted    OrderState = "submitted"
	OrderApproved     OrderState = "approved"
	OrderApplied      OrderState = "applied"
	OrderCompleted    OrderState = "completed"
	OrderRejected     OrderState = "rejected"
	OrderFailed       OrderState = "failed"
	OrderDeadLettered OrderState = "dead_lettered"
)

// ItemState is a state in the item lifecycle.
type ItemState string

// All item states.
const (
	ItemQueued       ItemState = "queued"
	ItemLeased       ItemState = "leased"
	ItemInProgress   ItemState = "in_progress"
	ItemSubmitted    ItemState = "submitted"
	ItemAccepted     ItemState = "accepted"
	ItemCompleted    ItemState = "completed"
	ItemFailed       ItemState = "failed"
	ItemDeadLettered ItemState = "dead_lettered"
)

// PartStatus is the status of a submitted part.
type PartStatus string

// All part statuses.
const (
	PartDraft     PartStatus = "draft"
	PartSubmitted PartStatus = "submitted"
	PartValidated PartStatus = "validated"
	PartRejected  PartStatus = "rejected"
)

// EventKind identifies what happened in an audit event.
type EventKind string

// All event kinds.
const (
	EventProposed      EventKind = "proposed"
	EventPlanned       EventKind = "planned"
	EventLeased        EventKind = "leased"
	EventHeartbeat     EventKind = "heartbeat"
	EventReleased      EventKind = "released"
	EventSubmitted     EventKind = "submitted"
	EventPartSubmitted EventKind = "part_submitted"
	EventPartValidated EventKind = "part_validated"
	EventPartRejected  EventKind = "part_rejected"
	EventFinalized     EventKind = "finalized"
	EventApproved      EventKind = "approved"
	EventApplied       EventKind = "applied"
	EventAccepted      EventKind = "accepted"
	EventRejected      EventKind = "rejected"
	EventCompleted     EventKind = "completed"
	EventFailed        EventKind = "failed"
	EventLeaseExpired  EventKind = "lease_expired"
	EventDeadLettered  EventKind = "dead_lettered"
	EventStale         EventKind = "stale"
)

// ActorKind classifies who performed an action.
type ActorKind string

// All actor kinds.
const (
	ActorAgent  ActorKind = "agent"
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
)

// Actor is a (kind, id) pair identifying a caller.
type Actor struct {
	Kind ActorKind `json:"kind"`
	ID   string    `json:"id"`
}

// SystemActor is the machine-authored actor for cascades and sweeps.
func SystemActor() Actor {
	return Actor{Kind: ActorSystem, ID: "foreman"}
}

// Order is a typed, validated request for work, owning one or more items.
type Order struct {
	ID       string     `gorm:"type:uuid;primaryKey"`
	Type     string     `gorm:"size:128;index;not null"`
	State    OrderState `gorm:"size:32;index;not null"`
	Priority int        `gorm:"index;not null"`

	// Payload is validated against the type schema at creation and never
	// mutated thereafter. Meta is caller-supplied routing metadata.
	Payload JSONMap `gorm:"type:text"`
	Meta    JSONMap `gorm:"type:text"`

	// SchemaSnapshot caches the schema the payload was validated against.
	SchemaSnapshot JSONMap `gorm:"type:text"`

	RequestedByKind ActorKind `gorm:"size:16"`
	RequestedByID   string    `gorm:"size:128"`

	LastTransitionedAt time.Time
	AppliedAt          *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time
	UpdatedAt          time.Time

	// Items are owned; destruction cascades.
	Items []Item `gorm:"constraint:OnDelete:CASCADE"`
}

// RequestedBy returns the requesting actor.
func (o *Order) RequestedBy() Actor {
	return Actor{Kind: o.RequestedByKind, ID: o.RequestedByID}
}

// Item is an independently leasable unit of work belonging to an order.
type Item struct {
	ID      string    `gorm:"type:uuid;primaryKey"`
	OrderID string    `gorm:"type:uuid;index;index:idx_items_order_state;not null"`
	Type    string    `gorm:"size:128;index;not null"`
	State   ItemState `gorm:"size:32;index:idx_items_state_lease;index:idx_items_order_state;not null"`

	Input           JSONMap `gorm:"type:text"`
	Result          JSONMap `gorm:"type:text"`
	AssembledResult JSONMap `gorm:"type:text"`
	Error           JSONMap `gorm:"type:text"`

	Attempts    int `gorm:"not null"`
	MaxAttempts int `gorm:"not null"`

	LeasedByAgentID string     `gorm:"size:128;index"`
	LeaseExpiresAt  *time.Time `gorm:"index:idx_items_state_lease"`
	LastHeartbeatAt *time.Time

	// PartsRequired is the ordered part-key sequence declared by the type
	// handler; PartsState is the materialised per-key view maintained on
	// every part upsert.
	PartsRequired StringList `gorm:"type:text"`
	PartsState    JSONMap    `gorm:"type:text"`

	LastTransitionedAt time.Time
	AcceptedAt         *time.Time
	CompletedAt        *time.Time
	CreatedAt          time.Time `gorm:"index"`
	UpdatedAt          time.Time
}

// Leased reports whether the item holds a live lease at the given instant.
func (i *Item) Leased(now time.Time) bool {
	return i.LeasedByAgentID != "" && i.LeaseExpiresAt != nil && i.LeaseExpiresAt.After(now)
}

// Part is an incremental, keyed fragment of an item's result.
//
// (item_id, part_key, seq) is unique; a reused tuple overwrites. SeqKey is
// the storage normalisation of the nullable seq: -1 stands for the single
// unversioned slot, so the composite unique index treats "no seq" as one
// distinct value on every engine.
type Part struct {
	ID      string `gorm:"type:uuid;primaryKey"`
	ItemID  string `gorm:"type:uuid;index;uniqueIndex:idx_parts_item_key_seq;not null"`
	PartKey string `gorm:"size:128;uniqueIndex:idx_parts_item_key_seq;not null"`
	Seq     *int
	SeqKey  int `gorm:"uniqueIndex:idx_parts_item_key_seq;not null"`

	Status   PartStatus `gorm:"size:16;index;not null"`
	Payload  JSONMap    `gorm:"type:text"`
	Evidence JSONMap    `gorm:"type:text"`
	Notes    string     `gorm:"type:text"`
	Errors   JSONArray  `gorm:"type:text"`

	// Checksum is the canonical-JSON SHA-256 of the payload.
	Checksum string `gorm:"size:64"`

	SubmittedByKind ActorKind `gorm:"size:16"`
	SubmittedByID   string    `gorm:"size:128"`

	SubmittedAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UnversionedSeqKey is the SeqKey slot for parts submitted without a seq.
const UnversionedSeqKey = -1

// NormalizeSeq maps a nullable seq onto its SeqKey.
func NormalizeSeq(seq *int) int {
	if seq == nil {
		return UnversionedSeqKey
	}
	return *seq
}

// Event is one append-only audit record. Exactly one event is written in the
// same transaction as every state write.
type Event struct {
	ID      string    `gorm:"type:uuid;primaryKey"`
	OrderID string    `gorm:"type:uuid;index:idx_events_order_created;not null"`
	ItemID  *string   `gorm:"type:uuid;index"`
	Kind    EventKind `gorm:"size:32;index;not null"`

	ActorKind ActorKind `gorm:"size:16"`
	ActorID   string    `gorm:"size:128"`

	Payload JSONMap `gorm:"type:text"`
	Diff    JSONMap `gorm:"type:text"`
	Message string  `gorm:"type:text"`

	CreatedAt time.Time `gorm:"index:idx_events_order_created"`
}

// Provenance is an append-only per-action record about the caller and request.
// Request bodies are never captured.
type Provenance struct {
	ID      string  `gorm:"type:uuid;primaryKey"`
	OrderID string  `gorm:"type:uuid;index"`
	ItemID  *string `gorm:"type:uuid;index"`

	AgentID      string `gorm:"size:128;index"`
	AgentName    string `gorm:"size:128"`
	AgentVersion string `gorm:"size:64"`
	ModelName    string `gorm:"size:128"`
	RuntimeTag   string `gorm:"size:64"`

	RequestID          string `gorm:"size:64"`
	RequestFingerprint string `gorm:"size:64"`
	IP                 string `gorm:"size:64"`
	UserAgent          string `gorm:"size:256"`
	AuthenticatedUser  string `gorm:"size:128"`
	SessionID          string `gorm:"size:128"`

	CreatedAt time.Time
}

// IdempotencyKey stores one deduped mutating call. Immutable after creation.
type IdempotencyKey struct {
	Scope   string `gorm:"size:192;primaryKey"`
	KeyHash string `gorm:"size:64;primaryKey"`

	ResponseSnapshot string `gorm:"type:text"`
	CreatedAt        time.Time
}

// AutoMigrate performs all schema migrations for the engine.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&Order{},
		&Item{},
		&Part{},
		&Event{},
		&Provenance{},
		&IdempotencyKey{},
	)
}
