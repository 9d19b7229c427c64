// Package lease implements exclusive, time-bounded item ownership.
//
// Two backends satisfy one arbitration interface: a database backend that
// decides ownership from the lease columns under the engine's row lock, and a
// key-value backend that decides through Redis set-if-absent and
// compare-scripts with TTL authority. The engine mirrors the winning lease
// onto the item row in both cases so invariant queries and dispatch never
// depend on the backend choice.
package lease

import (
	"context"
	"strings"
	"time"

	"gorm.io/gorm"
)

// KeyPrefix namespaces lease keys in the key-value backend.
const KeyPrefix = "foreman:lease:item:"

// KeyFor builds the opaque lease key for an item.
func KeyFor(itemID string) string {
	return KeyPrefix + itemID
}

// ItemIDFromKey recovers the item identifier from a lease key.
func ItemIDFromKey(key string) string {
	return strings.TrimPrefix(key, KeyPrefix)
}

// Backend arbitrates lease ownership. The tx handle is the engine's open
// transaction holding the item row lock; the key-value backend ignores it.
type Backend interface {
	// Acquire claims the lease for agentID if it is free. Returns false when
	// another live holder exists.
	Acquire(ctx context.Context, tx *gorm.DB, itemID, agentID string, ttl time.Duration) (bool, error)

	// Extend pushes the expiry out by ttl if agentID is the live holder.
	Extend(ctx context.Context, tx *gorm.DB, itemID, agentID string, ttl time.Duration) (bool, error)

	// Release drops the lease if agentID holds it.
	Release(ctx context.Context, tx *gorm.DB, itemID, agentID string) (bool, error)

	// Reclaim clears backend state for expired items and returns how many it
	// touched. The key-value backend is a no-op returning zero: the TTL does
	// the work.
	Reclaim(ctx context.Context, tx *gorm.DB, itemIDs []string) (int, error)

	// GetOwner returns the live holder's agent id, or "" when unleased.
	GetOwner(ctx context.Context, itemID string) (string, error)

	// GetTTL returns the remaining lease lifetime, or zero when unleased.
	GetTTL(ctx context.Context, itemID string) (time.Duration, error)

	// GetAllLeases returns itemID → agentID for every live lease.
	GetAllLeases(ctx context.Context) (map[string]string, error)

	// ClearAll drops every lease. Diagnostic/test use only.
	ClearAll(ctx context.Context) error
}
