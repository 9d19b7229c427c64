package maintenance

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
	"wo-foreman.io/foreman/internal/lease"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/pkg/hashutil"
	"wo-foreman.io/foreman/internal/pkg/logger"
	"wo-foreman.io/foreman/internal/statemachine"
)

func TestMain(m *testing.M) {
	_ = logger.Init("error", "console")
	os.Exit(m.Run())
}

func newTestLoop(t *testing.T) (*Loop, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))

	cfg := config.Default()
	machine := statemachine.New(cfg.StateMachine)
	leases := lease.NewEngine(db, lease.NewDatabaseBackend(db), machine, cfg.Lease)
	return NewLoop(db, leases, machine, cfg.Maintenance), db
}

func seedOrder(t *testing.T, db *gorm.DB, state model.OrderState, lastTransitioned time.Time) *model.Order {
	t.Helper()
	order := &model.Order{
		ID:                 hashutil.NewID(),
		Type:               "echo",
		State:              state,
		LastTransitionedAt: lastTransitioned,
	}
	require.NoError(t, db.Create(order).Error)
	return order
}

func seedItem(t *testing.T, db *gorm.DB, orderID string, state model.ItemState, lastTransitioned time.Time) *model.Item {
	t.Helper()
	item := &model.Item{
		ID:                 hashutil.NewID(),
		OrderID:            orderID,
		Type:               "echo",
		State:              state,
		MaxAttempts:        3,
		LastTransitionedAt: lastTransitioned,
	}
	require.NoError(t, db.Create(item).Error)
	return item
}

func TestTickReclaimsExpiredLeases(t *testing.T) {
	loop, db := newTestLoop(t)
	order := seedOrder(t, db, model.OrderCheckedOut, time.Now().UTC())
	item := seedItem(t, db, order.ID, model.ItemLeased, time.Now().UTC())

	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&model.Item{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
		"leased_by_agent_id": "a1",
		"lease_expires_at":   past,
	}).Error)

	result := loop.Tick(context.Background())
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.ReclaimedLeases)

	var reloaded model.Item
	require.NoError(t, db.First(&reloaded, "id = ?", item.ID).Error)
	assert.Equal(t, model.ItemQueued, reloaded.State)
}

func TestTickDeadLettersAgedFailures(t *testing.T) {
	loop, db := newTestLoop(t)
	old := time.Now().UTC().Add(-72 * time.Hour)
	recent := time.Now().UTC().Add(-time.Hour)

	agedOrder := seedOrder(t, db, model.OrderFailed, old)
	freshOrder := seedOrder(t, db, model.OrderFailed, recent)
	agedItem := seedItem(t, db, agedOrder.ID, model.ItemFailed, old)
	freshItem := seedItem(t, db, freshOrder.ID, model.ItemFailed, recent)

	result := loop.Tick(context.Background())
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.DeadLetteredOrders)
	assert.Equal(t, 1, result.DeadLetteredItems)

	// Fresh destination structs per lookup: gorm folds a populated primary
	// key into the query conditions.
	var aged, fresh model.Order
	require.NoError(t, db.First(&aged, "id = ?", agedOrder.ID).Error)
	assert.Equal(t, model.OrderDeadLettered, aged.State)
	require.NoError(t, db.First(&fresh, "id = ?", freshOrder.ID).Error)
	assert.Equal(t, model.OrderFailed, fresh.State)

	var agedReloaded, freshReloaded model.Item
	require.NoError(t, db.First(&agedReloaded, "id = ?", agedItem.ID).Error)
	assert.Equal(t, model.ItemDeadLettered, agedReloaded.State)
	require.NoError(t, db.First(&freshReloaded, "id = ?", freshItem.ID).Error)
	assert.Equal(t, model.ItemFailed, freshReloaded.State)

	var kinds []model.EventKind
	require.NoError(t, db.Model(&model.Event{}).Where("order_id = ?", agedOrder.ID).
		Pluck("kind", &kinds).Error)
	assert.Contains(t, kinds, model.EventDeadLettered)
}

func TestTickIsIdempotent(t *testing.T) {
	loop, db := newTestLoop(t)
	seedOrder(t, db, model.OrderFailed, time.Now().UTC().Add(-72*time.Hour))

	first := loop.Tick(context.Background())
	assert.Equal(t, 1, first.DeadLetteredOrders)

	second := loop.Tick(context.Background())
	assert.Zero(t, second.DeadLetteredOrders)
}

func TestTickRunsOnlySelectedPhases(t *testing.T) {
	loop, db := newTestLoop(t)
	old := time.Now().UTC().Add(-72 * time.Hour)

	aged := seedOrder(t, db, model.OrderFailed, old)
	item := seedItem(t, db, aged.ID, model.ItemLeased, time.Now().UTC())
	past := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, db.Model(&model.Item{}).Where("id = ?", item.ID).Updates(map[string]interface{}{
		"leased_by_agent_id": "a1",
		"lease_expires_at":   past,
	}).Error)

	result := loop.Tick(context.Background(), PhaseReclaim)
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.ReclaimedLeases)
	assert.Zero(t, result.DeadLetteredOrders)

	// The aged order was skipped, not missed.
	var reloaded model.Order
	require.NoError(t, db.First(&reloaded, "id = ?", aged.ID).Error)
	assert.Equal(t, model.OrderFailed, reloaded.State)

	result = loop.Tick(context.Background(), PhaseDeadLetter)
	assert.Equal(t, 1, result.DeadLetteredOrders)
}

func TestTickRejectsUnknownPhase(t *testing.T) {
	loop, db := newTestLoop(t)
	seedOrder(t, db, model.OrderFailed, time.Now().UTC().Add(-72*time.Hour))

	result := loop.Tick(context.Background(), "defrag")
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "unknown phase")
	assert.Zero(t, result.DeadLetteredOrders)
}

func TestTickCountsStaleOrders(t *testing.T) {
	loop, db := newTestLoop(t)
	old := time.Now().UTC().Add(-48 * time.Hour)

	stale := seedOrder(t, db, model.OrderInProgress, old)
	require.NoError(t, db.Model(&model.Order{}).Where("id = ?", stale.ID).
		Update("created_at", old).Error)

	done := seedOrder(t, db, model.OrderCompleted, old)
	require.NoError(t, db.Model(&model.Order{}).Where("id = ?", done.ID).
		Update("created_at", old).Error)

	seedOrder(t, db, model.OrderQueued, time.Now().UTC())

	result := loop.Tick(context.Background())
	assert.Empty(t, result.Errors)
	assert.Equal(t, 1, result.StaleOrders)
}
