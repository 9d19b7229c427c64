package statemachine

import (
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/hashutil"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	return db
}

func newMachine() *Machine {
	return New(config.Default().StateMachine)
}

func seedOrder(t *testing.T, db *gorm.DB, state model.OrderState) *model.Order {
	t.Helper()
	order := &model.Order{
		ID:                 hashutil.NewID(),
		Type:               "echo",
		State:              state,
		LastTransitionedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedItem(t *testing.T, db *gorm.DB, orderID string, state model.ItemState) *model.Item {
	t.Helper()
	item := &model.Item{
		ID:                 hashutil.NewID(),
		OrderID:            orderID,
		Type:               "echo",
		State:              state,
		MaxAttempts:        3,
		LastTransitionedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(item).Error)
	return item
}

func TestDefaultAdjacency(t *testing.T) {
	m := newMachine()

	assert.True(t, m.CanOrder(model.OrderQueued, model.OrderCheckedOut))
	assert.True(t, m.CanOrder(model.OrderSubmitted, model.OrderApproved))
	assert.False(t, m.CanOrder(model.OrderCompleted, model.OrderQueued))
	assert.False(t, m.CanOrder(model.OrderApplied, model.OrderQueued))

	assert.True(t, m.CanItem(model.ItemQueued, model.ItemLeased))
	assert.True(t, m.CanItem(model.ItemSubmitted, model.ItemQueued))
	assert.False(t, m.CanItem(model.ItemCompleted, model.ItemQueued))
}

func TestConfiguredAdjacencyOverride(t *testing.T) {
	cfg := config.Default().StateMachine
	cfg.OrderTransitions = map[string][]string{
		"queued": {"failed"},
	}
	m := New(cfg)

	assert.True(t, m.CanOrder(model.OrderQueued, model.OrderFailed))
	assert.False(t, m.CanOrder(model.OrderQueued, model.OrderCheckedOut))
	// Item adjacency keeps the defaults.
	assert.True(t, m.CanItem(model.ItemQueued, model.ItemLeased))
}

func TestTransitionOrderWritesStateAndEvent(t *testing.T) {
	db := newTestDB(t)
	m := newMachine()
	order := seedOrder(t, db, model.OrderSubmitted)

	err := m.TransitionOrder(db, order, model.OrderApproved, model.Actor{Kind: model.ActorUser, ID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, model.OrderApproved, order.State)

	var stored model.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderApproved, stored.State)

	var events []model.Event
	require.NoError(t, db.Where("order_id = ?", order.ID).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventApproved, events[0].Kind)
	assert.Equal(t, model.ActorUser, events[0].ActorKind)
	assert.Equal(t, "u1", events[0].ActorID)
}

func TestTransitionOrderRefusesIllegalEdge(t *testing.T) {
	db := newTestDB(t)
	m := newMachine()
	order := seedOrder(t, db, model.OrderQueued)

	err := m.TransitionOrder(db, order, model.OrderApplied, model.SystemActor())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeIllegalTransition))

	// Nothing was written.
	var stored model.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderQueued, stored.State)
	var count int64
	require.NoError(t, db.Model(&model.Event{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestTransitionStampsLifecycleTimestamps(t *testing.T) {
	db := newTestDB(t)
	m := newMachine()
	order := seedOrder(t, db, model.OrderApproved)

	require.NoError(t, m.TransitionOrder(db, order, model.OrderApplied, model.SystemActor()))
	require.NotNil(t, order.AppliedAt)

	item := seedItem(t, db, order.ID, model.ItemSubmitted)
	require.NoError(t, m.TransitionItem(db, item, model.ItemAccepted, model.SystemActor()))
	require.NotNil(t, item.AcceptedAt)
}

func TestItemCompletionCascadesOrder(t *testing.T) {
	db := newTestDB(t)
	m := newMachine()
	order := seedOrder(t, db, model.OrderApplied)
	first := seedItem(t, db, order.ID, model.ItemAccepted)
	second := seedItem(t, db, order.ID, model.ItemAccepted)

	require.NoError(t, m.TransitionItem(db, first, model.ItemCompleted, model.SystemActor()))
	var stored model.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderApplied, stored.State)

	require.NoError(t, m.TransitionItem(db, second, model.ItemCompleted, model.SystemActor()))
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderCompleted, stored.State)
	require.NotNil(t, stored.CompletedAt)
}

func TestCascadeSkipsWhenOrderNotApplied(t *testing.T) {
	db := newTestDB(t)
	m := newMachine()
	order := seedOrder(t, db, model.OrderQueued)
	item := seedItem(t, db, order.ID, model.ItemAccepted)

	// Completion of the only item must not complete a queued order.
	require.NoError(t, m.TransitionItem(db, item, model.ItemCompleted, model.SystemActor()))
	var stored model.Order
	require.NoError(t, db.First(&stored, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderQueued, stored.State)
}

func TestEventOptions(t *testing.T) {
	db := newTestDB(t)
	m := newMachine()
	order := seedOrder(t, db, model.OrderSubmitted)

	err := m.TransitionOrder(db, order, model.OrderRejected, model.SystemActor(),
		WithKind(model.EventRejected),
		WithPayload(model.JSONMap{"reason": "stale"}),
		WithMessage("rejected by review"),
	)
	require.NoError(t, err)

	var events []model.Event
	require.NoError(t, db.Where("order_id = ?", order.ID).Find(&events).Error)
	require.Len(t, events, 1)
	assert.Equal(t, "stale", events[0].Payload["reason"])
	assert.Equal(t, "rejected by review", events[0].Message)
}

func TestRecordEventRequiresKind(t *testing.T) {
	db := newTestDB(t)
	m := newMachine()

	err := m.RecordOrderEvent(db, "o1", nil, "", model.SystemActor(), nil, nil, "")
	require.Error(t, err)
}
