package lease

import (
	"context"
	"os"
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
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/statemachine"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	os.Exit(m.Run())
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))
	return db
}

func newTestEngine(t *testing.T, db *gorm.DB, mutate ...func(*config.LeaseConfig)) *Engine {
	t.Helper()
	cfg := config.Default().Lease
	for _, m := range mutate {
		m(&cfg)
	}
	machine := statemachine.New(config.StateMachineConfig{})
	return NewEngine(db, NewDatabaseBackend(db), machine, cfg)
}

func seedOrder(t *testing.T, db *gorm.DB, priority int, payload model.JSONMap) *model.Order {
	t.Helper()
	order := &model.Order{
		ID:                 hashutil.NewID(),
		Type:               "echo",
		State:              model.OrderQueued,
		Priority:           priority,
		Payload:            payload,
		LastTransitionedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedItem(t *testing.T, db *gorm.DB, order *model.Order) *model.Item {
	t.Helper()
	item := &model.Item{
		ID:                 hashutil.NewID(),
		OrderID:            order.ID,
		Type:               order.Type,
		State:              model.ItemQueued,
		MaxAttempts:        3,
		LastTransitionedAt: time.Now().UTC(),
	}
	require.NoError(t, db.Create(item).Error)
	return item
}

func itemEvents(t *testing.T, db *gorm.DB, itemID string) []model.Event {
	t.Helper()
	var events []model.Event
	require.NoError(t, db.Where("item_id = ?", itemID).Order("created_at ASC").Find(&events).Error)
	return events
}

func TestAcquireLeasesQueuedItem(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	order := seedOrder(t, db, 0, nil)
	item := seedItem(t, db, order)

	got, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	assert.Equal(t, model.ItemLeased, got.State)
	assert.Equal(t, "a1", got.LeasedByAgentID)
	require.NotNil(t, got.LeaseExpiresAt)
	assert.WithinDuration(t, time.Now().UTC().Add(600*time.Second), *got.LeaseExpiresAt, 5*time.Second)

	var reloadedOrder model.Order
	require.NoError(t, db.First(&reloadedOrder, "id = ?", order.ID).Error)
	assert.Equal(t, model.OrderCheckedOut, reloadedOrder.State)

	events := itemEvents(t, db, item.ID)
	require.Len(t, events, 1)
	assert.Equal(t, model.EventLeased, events[0].Kind)
	assert.Equal(t, model.ActorAgent, events[0].ActorKind)
	assert.Equal(t, "a1", events[0].ActorID)
}

func TestAcquireRefusesLiveLease(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	_, err = eng.Acquire(context.Background(), item.ID, "a2")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseConflict))
}

func TestAcquireRefusesNonLeasableState(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))
	require.NoError(t, db.Model(&model.Item{}).Where("id = ?", item.ID).
		Update("state", model.ItemCompleted).Error)

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeIllegalTransition))
}

func TestAcquireUnknownItem(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)

	_, err := eng.Acquire(context.Background(), hashutil.NewID(), "a1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeItemNotFound))
}

func TestExtendRefreshesExpiry(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	leased, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)
	firstExpiry := *leased.LeaseExpiresAt

	extended, err := eng.Extend(context.Background(), item.ID, "a1")
	require.NoError(t, err)
	assert.False(t, extended.LeaseExpiresAt.Before(firstExpiry))
	require.NotNil(t, extended.LastHeartbeatAt)

	events := itemEvents(t, db, item.ID)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventHeartbeat, events[1].Kind)
}

func TestExtendRequiresOwnership(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	_, err = eng.Extend(context.Background(), item.ID, "a2")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseConflict))
}

func TestExtendExpiredLease(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&model.Item{}).Where("id = ?", item.ID).
		Update("lease_expires_at", past).Error)

	_, err = eng.Extend(context.Background(), item.ID, "a1")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseExpired))
}

func TestReleaseReturnsItemToQueued(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	released, err := eng.Release(context.Background(), item.ID, "a1")
	require.NoError(t, err)
	assert.Equal(t, model.ItemQueued, released.State)
	assert.Empty(t, released.LeasedByAgentID)
	assert.Nil(t, released.LeaseExpiresAt)

	events := itemEvents(t, db, item.ID)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventReleased, events[1].Kind)

	// The item is leasable again, by anyone.
	_, err = eng.Acquire(context.Background(), item.ID, "a2")
	require.NoError(t, err)
}

func TestReleaseRequiresOwnership(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	_, err = eng.Release(context.Background(), item.ID, "a2")
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseConflict))
}

func expireLease(t *testing.T, db *gorm.DB, itemID string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&model.Item{}).Where("id = ?", itemID).
		Update("lease_expires_at", past).Error)
}

func TestReclaimRequeuesBelowMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)
	expireLease(t, db, item.ID)

	n, err := eng.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reloaded model.Item
	require.NoError(t, db.First(&reloaded, "id = ?", item.ID).Error)
	assert.Equal(t, model.ItemQueued, reloaded.State)
	assert.Equal(t, 1, reloaded.Attempts)
	assert.Empty(t, reloaded.LeasedByAgentID)
	assert.Nil(t, reloaded.LeaseExpiresAt)

	events := itemEvents(t, db, item.ID)
	last := events[len(events)-1]
	assert.Equal(t, model.EventLeaseExpired, last.Kind)
	assert.EqualValues(t, 1, last.Payload["attempts"])
}

func TestReclaimFailsAtMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))
	require.NoError(t, db.Model(&model.Item{}).Where("id = ?", item.ID).
		Update("attempts", 2).Error)

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)
	expireLease(t, db, item.ID)

	n, err := eng.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var reloaded model.Item
	require.NoError(t, db.First(&reloaded, "id = ?", item.ID).Error)
	assert.Equal(t, model.ItemFailed, reloaded.State)
	assert.Equal(t, 3, reloaded.Attempts)
	require.NotNil(t, reloaded.Error)
	assert.Equal(t, "max_attempts_exceeded", reloaded.Error["code"])
}

func TestReclaimIgnoresLiveLeases(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	_, err := eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	n, err := eng.ReclaimExpired(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	var reloaded model.Item
	require.NoError(t, db.First(&reloaded, "id = ?", item.ID).Error)
	assert.Equal(t, model.ItemLeased, reloaded.State)
	assert.Equal(t, "a1", reloaded.LeasedByAgentID)
}

func TestAcquireNextPriorityThenFIFO(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)

	low := seedItem(t, db, seedOrder(t, db, 10, nil))
	high := seedItem(t, db, seedOrder(t, db, 100, nil))
	mid := seedItem(t, db, seedOrder(t, db, 50, nil))

	first, err := eng.AcquireNext(context.Background(), "a1", NextFilter{})
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID)

	second, err := eng.AcquireNext(context.Background(), "a2", NextFilter{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, mid.ID, second.ID)

	minPriority := 60
	third, err := eng.AcquireNext(context.Background(), "a3", NextFilter{MinPriority: &minPriority})
	require.NoError(t, err)
	assert.Nil(t, third)

	fourth, err := eng.AcquireNext(context.Background(), "a3", NextFilter{})
	require.NoError(t, err)
	require.NotNil(t, fourth)
	assert.Equal(t, low.ID, fourth.ID)
}

func TestAcquireNextFIFOWithinPriority(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)

	older := seedItem(t, db, seedOrder(t, db, 10, nil))
	require.NoError(t, db.Model(&model.Item{}).Where("id = ?", older.ID).
		Update("created_at", time.Now().UTC().Add(-time.Hour)).Error)
	seedItem(t, db, seedOrder(t, db, 10, nil))

	got, err := eng.AcquireNext(context.Background(), "a1", NextFilter{})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, older.ID, got.ID)
}

func TestAcquireNextTypeFilter(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)

	echoOrder := seedOrder(t, db, 0, nil)
	seedItem(t, db, echoOrder)

	datasetOrder := seedOrder(t, db, 100, nil)
	datasetOrder.Type = "dataset"
	require.NoError(t, db.Model(&model.Order{}).Where("id = ?", datasetOrder.ID).
		Update("type", "dataset").Error)
	datasetItem := seedItem(t, db, datasetOrder)

	got, err := eng.AcquireNext(context.Background(), "a1", NextFilter{Type: "dataset"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, datasetItem.ID, got.ID)

	none, err := eng.AcquireNext(context.Background(), "a1", NextFilter{Type: "unknown"})
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestAcquireNextTenantFilter(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)

	seedItem(t, db, seedOrder(t, db, 100, model.JSONMap{"tenant_id": "acme"}))
	wanted := seedItem(t, db, seedOrder(t, db, 10, model.JSONMap{"tenant_id": "globex"}))

	got, err := eng.AcquireNext(context.Background(), "a1", NextFilter{TenantID: "globex"})
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, wanted.ID, got.ID)
}

func TestAcquireNextPerAgentCap(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db, func(c *config.LeaseConfig) { c.MaxPerAgent = 1 })

	seedItem(t, db, seedOrder(t, db, 0, nil))
	seedItem(t, db, seedOrder(t, db, 0, nil))

	first, err := eng.AcquireNext(context.Background(), "a1", NextFilter{})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := eng.AcquireNext(context.Background(), "a1", NextFilter{})
	require.NoError(t, err)
	assert.Nil(t, second)

	// A different agent is unaffected.
	other, err := eng.AcquireNext(context.Background(), "a2", NextFilter{})
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestAcquireNextPerTypeCap(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db, func(c *config.LeaseConfig) { c.MaxPerType = 1 })

	seedItem(t, db, seedOrder(t, db, 0, nil))
	seedItem(t, db, seedOrder(t, db, 0, nil))

	first, err := eng.AcquireNext(context.Background(), "a1", NextFilter{})
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := eng.AcquireNext(context.Background(), "a2", NextFilter{})
	require.NoError(t, err)
	assert.Nil(t, second)
}

func TestDispatchRechecksCapsUnderLock(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db, func(c *config.LeaseConfig) {
		c.MaxPerAgent = 1
		c.MaxPerType = 1
	})

	held := seedItem(t, db, seedOrder(t, db, 0, nil))
	_, err := eng.Acquire(context.Background(), held.ID, "a1")
	require.NoError(t, err)

	next := seedItem(t, db, seedOrder(t, db, 0, nil))

	// A burst that passed the candidate scan before the first claim landed
	// still gets refused at claim time.
	_, err = eng.acquire(context.Background(), next.ID, "a1", true)
	require.ErrorIs(t, err, errAgentCapReached)

	_, err = eng.acquire(context.Background(), next.ID, "a2", true)
	require.ErrorIs(t, err, errTypeCapReached)

	// Item-scoped acquire carries no dispatch caps.
	got, err := eng.Acquire(context.Background(), next.ID, "a2")
	require.NoError(t, err)
	assert.Equal(t, "a2", got.LeasedByAgentID)
}

func TestAcquireNextEmpty(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)

	got, err := eng.AcquireNext(context.Background(), "a1", NextFilter{})
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDatabaseBackendLeaseViews(t *testing.T) {
	db := newTestDB(t)
	eng := newTestEngine(t, db)
	backend := NewDatabaseBackend(db)
	item := seedItem(t, db, seedOrder(t, db, 0, nil))

	owner, err := backend.GetOwner(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Empty(t, owner)

	_, err = eng.Acquire(context.Background(), item.ID, "a1")
	require.NoError(t, err)

	owner, err = backend.GetOwner(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Equal(t, "a1", owner)

	ttl, err := backend.GetTTL(context.Background(), item.ID)
	require.NoError(t, err)
	assert.Greater(t, ttl, 9*time.Minute)

	leases, err := backend.GetAllLeases(context.Background())
	require.NoError(t, err)
	assert.Equal(t, map[string]string{item.ID: "a1"}, leases)

	require.NoError(t, backend.ClearAll(context.Background()))
	leases, err = backend.GetAllLeases(context.Background())
	require.NoError(t, err)
	assert.Empty(t, leases)
}
