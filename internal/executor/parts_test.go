package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
)

func intPtr(v int) *int { return &v }

func TestSubmitPartValidatesAndRecords(t *testing.T) {
	env := newTestEnv(t)
	order, item := env.proposeAndLease(t, "dataset", "a1")

	part, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"columns": []interface{}{"id", "name"}},
	})
	require.NoError(t, err)
	assert.Equal(t, model.PartValidated, part.Status)
	assert.NotEmpty(t, part.Checksum)
	assert.Nil(t, part.Seq)

	// No item transition on part submission.
	reloaded := env.reloadItem(t, item.ID)
	assert.Equal(t, model.ItemLeased, reloaded.State)

	state, ok := reloaded.PartsState["schema"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, string(model.PartValidated), state["status"])
	assert.Equal(t, part.Checksum, state["checksum"])
	assert.NotEmpty(t, state["submitted_at"])

	kinds := env.eventKinds(t, order.ID)
	assert.Contains(t, kinds, model.EventPartSubmitted)
	assert.Contains(t, kinds, model.EventPartValidated)
}

func TestSubmitPartChecksumIsDeterministic(t *testing.T) {
	env := newTestEnv(t)
	_, item := env.proposeAndLease(t, "dataset", "a1")

	first, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "rows",
		Seq:     intPtr(1),
		Payload: model.JSONMap{"a": 1, "b": 2},
	})
	require.NoError(t, err)

	second, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "rows",
		Seq:     intPtr(2),
		Payload: model.JSONMap{"b": 2, "a": 1},
	})
	require.NoError(t, err)

	assert.Equal(t, first.Checksum, second.Checksum)
}

func TestSubmitPartOverwritesSameTuple(t *testing.T) {
	env := newTestEnv(t)
	_, item := env.proposeAndLease(t, "dataset", "a1")

	first, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Seq:     intPtr(0),
		Payload: model.JSONMap{"v": 1},
	})
	require.NoError(t, err)

	second, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a2",
		PartKey: "schema",
		Seq:     intPtr(0),
		Payload: model.JSONMap{"v": 2},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeLeaseConflict))

	// Only the holder can overwrite.
	second, err = env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Seq:     intPtr(0),
		Payload: model.JSONMap{"v": 2},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.NotEqual(t, first.Checksum, second.Checksum)

	var count int64
	require.NoError(t, env.db.Model(&model.Part{}).Where("item_id = ?", item.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
}

func TestSubmitPartRejectionIsPersisted(t *testing.T) {
	env := newTestEnv(t)
	order, item := env.proposeAndLease(t, "dataset", "a1")

	part, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "forbidden",
		Payload: model.JSONMap{"v": 1},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePartInvalid))
	require.NotNil(t, part)
	assert.Equal(t, model.PartRejected, part.Status)
	require.Len(t, part.Errors, 1)

	kinds := env.eventKinds(t, order.ID)
	assert.Contains(t, kinds, model.EventPartRejected)
}

func TestSubmitPartRejectedOverwriteKeepsValidatedSlot(t *testing.T) {
	env := newTestEnv(t)
	_, item := env.proposeAndLease(t, "dataset", "a1")

	good, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"columns": []interface{}{"id"}},
	})
	require.NoError(t, err)
	require.Equal(t, model.PartValidated, good.Status)

	// A failed overwrite of the same tuple must not destroy the validated
	// payload.
	_, err = env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"poison": true},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePartInvalid))

	var stored model.Part
	require.NoError(t, env.db.First(&stored, "id = ?", good.ID).Error)
	assert.Equal(t, model.PartValidated, stored.Status)
	assert.Equal(t, good.Checksum, stored.Checksum)
	require.Len(t, stored.Errors, 1)

	updated, err := env.exec.Finalize(context.Background(), item.ID, FinalizeBestEffort, model.Actor{})
	require.NoError(t, err)
	schema, ok := updated.AssembledResult["schema"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, schema, "columns")
}

func TestSubmitPartLimits(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) {
		c.Partials.MaxPartsPerItem = 1
		c.Partials.MaxPayloadBytes = 64
	})
	_, item := env.proposeAndLease(t, "dataset", "a1")

	_, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"big": "0123456789012345678901234567890123456789012345678901234567890123456789"},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePayloadTooLarge))

	_, err = env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"v": 1},
	})
	require.NoError(t, err)

	_, err = env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "rows",
		Payload: model.JSONMap{"v": 2},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeTooManyParts))

	// Overwriting an existing tuple is not a new part.
	_, err = env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"v": 3},
	})
	require.NoError(t, err)
}

func TestSubmitPartDisabled(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Partials.Enabled = false })
	_, item := env.proposeAndLease(t, "dataset", "a1")

	_, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"v": 1},
	})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodePartialsDisabled))
}

func TestFinalizeStrictRequiresAllParts(t *testing.T) {
	env := newTestEnv(t)
	_, item := env.proposeAndLease(t, "dataset", "a1")

	_, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"columns": []interface{}{"id"}},
	})
	require.NoError(t, err)

	_, err = env.exec.Finalize(context.Background(), item.ID, FinalizeStrict, model.Actor{})
	require.Error(t, err)
	appErr, ok := apperrors.IsAppError(err)
	require.True(t, ok)
	assert.Equal(t, apperrors.CodeMissingRequiredParts, appErr.Code)
	assert.Equal(t, []string{"rows"}, appErr.Params["missing"])
}

func TestFinalizeAssemblesLatestValidatedParts(t *testing.T) {
	env := newTestEnv(t)
	order, item := env.proposeAndLease(t, "dataset", "a1")

	submit := func(key string, seq *int, payload model.JSONMap) {
		t.Helper()
		_, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
			ItemID:  item.ID,
			AgentID: "a1",
			PartKey: key,
			Seq:     seq,
			Payload: payload,
		})
		require.NoError(t, err)
	}

	submit("schema", nil, model.JSONMap{"columns": []interface{}{"id"}})
	submit("rows", intPtr(1), model.JSONMap{"data": "v1"})
	submit("rows", intPtr(2), model.JSONMap{"data": "v2"})

	// A rejected part never contributes.
	_, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "forbidden",
		Payload: model.JSONMap{"data": "poison"},
	})
	require.Error(t, err)

	finalized, err := env.exec.Finalize(context.Background(), item.ID, FinalizeStrict, model.Actor{Kind: model.ActorAgent, ID: "a1"})
	require.NoError(t, err)
	assert.Equal(t, model.ItemSubmitted, finalized.State)

	rows, ok := finalized.AssembledResult["rows"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "v2", rows["data"])
	assert.NotContains(t, finalized.AssembledResult, "forbidden")
	assert.Equal(t, map[string]interface{}(finalized.AssembledResult), map[string]interface{}(finalized.Result))

	kinds := env.eventKinds(t, order.ID)
	assert.Contains(t, kinds, model.EventFinalized)
}

func TestFinalizeBestEffortSkipsMissingCheck(t *testing.T) {
	env := newTestEnv(t)
	_, item := env.proposeAndLease(t, "dataset", "a1")

	_, err := env.exec.SubmitPart(context.Background(), SubmitPartRequest{
		ItemID:  item.ID,
		AgentID: "a1",
		PartKey: "schema",
		Payload: model.JSONMap{"columns": []interface{}{"id"}},
	})
	require.NoError(t, err)

	finalized, err := env.exec.Finalize(context.Background(), item.ID, FinalizeBestEffort, model.Actor{})
	require.NoError(t, err)
	assert.Equal(t, model.ItemSubmitted, finalized.State)
	assert.Contains(t, finalized.AssembledResult, "schema")
	assert.NotContains(t, finalized.AssembledResult, "rows")
}

func TestFinalizeUnknownMode(t *testing.T) {
	env := newTestEnv(t)
	_, item := env.proposeAndLease(t, "dataset", "a1")

	_, err := env.exec.Finalize(context.Background(), item.ID, "eventually", model.Actor{})
	require.Error(t, err)
	assert.True(t, apperrors.HasCode(err, apperrors.CodeSubmissionInvalid))
}
