// Package idempotency provides header-keyed dedupe with cached response
// capture.
//
// A guarded call runs at most once per (scope, key) across process restarts.
// The first caller's response is snapshotted as canonical JSON; every replay
// returns that snapshot byte for byte, skipping the wrapped operation.
package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"wo-foreman.io/foreman/internal/config"
	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/pkg/hashutil"
)

// Guard wraps mutating operations with (scope, key) dedupe.
type Guard struct {
	db  *gorm.DB
	cfg config.IdempotencyConfig
}

// NewGuard creates a guard.
func NewGuard(db *gorm.DB, cfg config.IdempotencyConfig) *Guard {
	return &Guard{db: db, cfg: cfg}
}

// Scope builds the dedupe scope for an operation on a target.
func Scope(op, targetID string) string {
	return op + ":" + targetID
}

// Do executes fn at most once for (scope, key).
//
// Bypassed (fn runs unguarded) when the key is empty or op is not in
// idempotency.enforce_on. Returns the response as JSON and whether it was
// served from the cache. fn errors are returned as-is and never cached,
// unless a concurrent winner stored a snapshot first; then the snapshot
// is replayed and the error discarded.
func (g *Guard) Do(ctx context.Context, op, scope, key string, fn func(ctx context.Context) (interface{}, error)) (json.RawMessage, bool, error) {
	if key == "" || !g.cfg.Enforced(op) {
		result, err := fn(ctx)
		if err != nil {
			return nil, false, err
		}
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, false, fmt.Errorf("encode response for %s: %w", scope, err)
		}
		return raw, false, nil
	}

	keyHash := hashutil.HashString(key)

	var existing model.IdempotencyKey
	err := g.db.WithContext(ctx).
		First(&existing, "scope = ? AND key_hash = ?", scope, keyHash).Error
	if err == nil {
		return json.RawMessage(existing.ResponseSnapshot), true, nil
	}
	if err != gorm.ErrRecordNotFound {
		return nil, false, fmt.Errorf("lookup idempotency key %s: %w", scope, err)
	}

	result, err := fn(ctx)
	if err != nil {
		// A concurrent caller may have completed and persisted its snapshot
		// while fn ran; the loser of that race replays the winner's response
		// instead of surfacing its own conflict.
		var winner model.IdempotencyKey
		lookupErr := g.db.WithContext(ctx).
			First(&winner, "scope = ? AND key_hash = ?", scope, keyHash).Error
		if lookupErr == nil {
			return json.RawMessage(winner.ResponseSnapshot), true, nil
		}
		return nil, false, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, false, fmt.Errorf("encode response for %s: %w", scope, err)
	}

	row := model.IdempotencyKey{
		Scope:            scope,
		KeyHash:          keyHash,
		ResponseSnapshot: string(raw),
		CreatedAt:        time.Now().UTC(),
	}
	res := g.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&row)
	if res.Error != nil {
		return nil, false, fmt.Errorf("store idempotency key %s: %w", scope, res.Error)
	}
	if res.RowsAffected == 0 {
		// A concurrent caller won the insert; their snapshot is authoritative.
		var winner model.IdempotencyKey
		if err := g.db.WithContext(ctx).
			First(&winner, "scope = ? AND key_hash = ?", scope, keyHash).Error; err != nil {
			return nil, false, fmt.Errorf("refetch idempotency key %s: %w", scope, err)
		}
		return json.RawMessage(winner.ResponseSnapshot), true, nil
	}
	return raw, false, nil
}
