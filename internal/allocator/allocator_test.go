package allocator

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/ordertype"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/statemachine"
)

type echoHandler struct {
	ordertype.Base
}

func (echoHandler) Name() string { return "echo" }

func (echoHandler) Schema() map[string]interface{} {
	return map[string]interface{}{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []interface{}{"message"},
		"properties": map[string]interface{}{
			"message": map[string]interface{}{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	}
}

func (echoHandler) Plan(ctx context.Context, order *model.Order) ([]ordertype.ItemSpec, error) {
	return []ordertype.ItemSpec{
		{Input: model.JSONMap{"message": order.Payload["message"]}},
	}, nil
}

func (echoHandler) Apply(ctx context.Context, order *model.Order) (ordertype.Diff, error) {
	return ordertype.Diff{Summary: "echoed"}, nil
}

// fanoutHandler plans one item per listed shard with a per-item attempt cap.
type fanoutHandler struct {
	ordertype.Base
}

func (fanoutHandler) Name() string { return "fanout" }

func (fanoutHandler) Schema() map[string]interface{} {
	return map[string]interface{}{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []interface{}{"shards"},
		"properties": map[string]interface{}{
			"shards": map[string]interface{}{
				"type":     "array",
				"minItems": 1,
				"items":    map[string]interface{}{"type": "string"},
			},
		},
	}
}

func (fanoutHandler) Plan(ctx context.Context, order *model.Order) ([]ordertype.ItemSpec, error) {
	shards, _ := order.Payload["shards"].([]interface{})
	specs := make([]ordertype.ItemSpec, 0, len(shards))
	for _, shard := range shards {
		specs = append(specs, ordertype.ItemSpec{
			Input:       model.JSONMap{"shard": shard},
			MaxAttempts: 7,
		})
	}
	return specs, nil
}

func (fanoutHandler) Apply(ctx context.Context, order *model.Order) (ordertype.Diff, error) {
	return ordertype.Diff{Summary: "fanned out"}, nil
}

func newTestAllocator(t *testing.T) (*Allocator, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, model.AutoMigrate(db))

	registry := ordertype.NewRegistry()
	registry.MustRegister(echoHandler{})
	registry.MustRegister(fanoutHandler{})

	machine := statemachine.New(config.StateMachineConfig{})
	return New(db, registry, machine, config.RetryConfig{DefaultMaxAttempts: 3}), db
}

func orderEvents(t *testing.T, db *gorm.DB, orderID string) []model.Event {
	t.Helper()
	var events []model.Event
	require.NoError(t, db.Where("order_id = ?", orderID).Order("created_at ASC").Find(&events).Error)
	return events
}

func TestProposeCreatesQueuedOrderWithItems(t *testing.T) {
	alloc, db := newTestAllocator(t)

	order, err := alloc.Propose(context.Background(), ProposeRequest{
		Type:    "echo",
		Payload: model.JSONMap{"message": "hi"},
		Actor:   model.Actor{Kind: model.ActorUser, ID: "u1"},
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderQueued, order.State)
	assert.Equal(t, "echo", order.Type)
	assert.NotEmpty(t, order.SchemaSnapshot)
	require.Len(t, order.Items, 1)
	item := order.Items[0]
	assert.Equal(t, model.ItemQueued, item.State)
	assert.Zero(t, item.Attempts)
	assert.Equal(t, 3, item.MaxAttempts)
	assert.Equal(t, "hi", item.Input["message"])

	events := orderEvents(t, db, order.ID)
	require.Len(t, events, 2)
	assert.Equal(t, model.EventProposed, events[0].Kind)
	assert.Equal(t, "hi", events[0].Payload["message"])
	assert.Equal(t, model.EventPlanned, events[1].Kind)
	assert.EqualValues(t, 1, events[1].Payload["item_count"])
}

func TestProposeSchemaViolationListsPaths(t *testing.T) {
	alloc, db := newTestAllocator(t)

	_, err := alloc.Propose(context.Background(), ProposeRequest{
		Type:    "echo",
		Payload: model.JSONMap{"message": 5, "extra": true},
	})
	require.Error(t, err)

	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeSchemaViolation, appErr.Code)
	require.NotEmpty(t, appErr.FieldErrors)

	paths := make([]string, 0, len(appErr.FieldErrors))
	for _, fe := range appErr.FieldErrors {
		paths = append(paths, fe.Path)
	}
	assert.Contains(t, paths, "/message")

	// A failed proposal leaves nothing behind.
	var orders int64
	require.NoError(t, db.Model(&model.Order{}).Count(&orders).Error)
	assert.Zero(t, orders)
	var events int64
	require.NoError(t, db.Model(&model.Event{}).Count(&events).Error)
	assert.Zero(t, events)
}

func TestProposeMissingRequiredField(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	_, err := alloc.Propose(context.Background(), ProposeRequest{
		Type:    "echo",
		Payload: model.JSONMap{},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSchemaViolation))
}

func TestProposeUnknownType(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	_, err := alloc.Propose(context.Background(), ProposeRequest{
		Type:    "nope",
		Payload: model.JSONMap{"message": "hi"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTypeNotFound))
}

func TestProposeFanoutRespectsSpecOverrides(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	order, err := alloc.Propose(context.Background(), ProposeRequest{
		Type:    "fanout",
		Payload: model.JSONMap{"shards": []interface{}{"s1", "s2", "s3"}},
	})
	require.NoError(t, err)

	require.Len(t, order.Items, 3)
	for _, item := range order.Items {
		assert.Equal(t, 7, item.MaxAttempts)
		assert.Equal(t, "fanout", item.Type)
	}
}

func TestPlanAppendsItems(t *testing.T) {
	alloc, db := newTestAllocator(t)

	order, err := alloc.Propose(context.Background(), ProposeRequest{
		Type:    "echo",
		Payload: model.JSONMap{"message": "hi"},
	})
	require.NoError(t, err)

	items, err := alloc.Plan(context.Background(), order.ID, model.SystemActor())
	require.NoError(t, err)
	require.Len(t, items, 1)

	var total int64
	require.NoError(t, db.Model(&model.Item{}).Where("order_id = ?", order.ID).Count(&total).Error)
	assert.EqualValues(t, 2, total)

	events := orderEvents(t, db, order.ID)
	assert.Equal(t, model.EventPlanned, events[len(events)-1].Kind)
}

func TestPlanUnknownOrder(t *testing.T) {
	alloc, _ := newTestAllocator(t)

	_, err := alloc.Plan(context.Background(), "2b0d7e5a-0000-0000-0000-000000000000", model.SystemActor())
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeOrderNotFound))
}
