package lease

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// extendScript atomically extends a lease iff the caller still owns it.
// KEYS[1] = lease key, ARGV[1] = agent id, ARGV[2] = ttl millis.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
    return 1
end
return 0
`)

// releaseScript atomically deletes a lease iff the caller owns it.
// KEYS[1] = lease key, ARGV[1] = agent id.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    redis.call("DEL", KEYS[1])
    return 1
end
return 0
`)

// KeyValueBackend arbitrates ownership through a conditional-set-with-expiry
// primitive. Reclaim is a no-op: expiry is enforced by the store's TTL.
type KeyValueBackend struct {
	client *redis.Client
}

// NewKeyValueBackend creates a Redis-backed lease backend.
func NewKeyValueBackend(client *redis.Client) *KeyValueBackend {
	return &KeyValueBackend{client: client}
}

// Acquire claims the lease with SET NX EX semantics.
func (b *KeyValueBackend) Acquire(ctx context.Context, _ *gorm.DB, itemID, agentID string, ttl time.Duration) (bool, error) {
	return b.client.SetNX(ctx, KeyFor(itemID), agentID, ttl).Result()
}

// Extend refreshes the TTL through a compare-and-expire script.
func (b *KeyValueBackend) Extend(ctx context.Context, _ *gorm.DB, itemID, agentID string, ttl time.Duration) (bool, error) {
	res, err := extendScript.Run(ctx, b.client, []string{KeyFor(itemID)}, agentID, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Release deletes the key through a compare-and-delete script.
func (b *KeyValueBackend) Release(ctx context.Context, _ *gorm.DB, itemID, agentID string) (bool, error) {
	res, err := releaseScript.Run(ctx, b.client, []string{KeyFor(itemID)}, agentID).Int()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

// Reclaim is a no-op: expired keys are already gone.
func (b *KeyValueBackend) Reclaim(ctx context.Context, _ *gorm.DB, itemIDs []string) (int, error) {
	return 0, nil
}

// GetOwner reads the key's value.
func (b *KeyValueBackend) GetOwner(ctx context.Context, itemID string) (string, error) {
	owner, err := b.client.Get(ctx, KeyFor(itemID)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return owner, err
}

// GetTTL reads the key's remaining lifetime.
func (b *KeyValueBackend) GetTTL(ctx context.Context, itemID string) (time.Duration, error) {
	ttl, err := b.client.PTTL(ctx, KeyFor(itemID)).Result()
	if err != nil {
		return 0, err
	}
	if ttl < 0 {
		return 0, nil
	}
	return ttl, nil
}

// GetAllLeases scans the lease keyspace.
func (b *KeyValueBackend) GetAllLeases(ctx context.Context) (map[string]string, error) {
	leases := make(map[string]string)
	iter := b.client.Scan(ctx, 0, KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		owner, err := b.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		leases[ItemIDFromKey(key)] = owner
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return leases, nil
}

// ClearAll deletes every lease key.
func (b *KeyValueBackend) ClearAll(ctx context.Context) error {
	iter := b.client.Scan(ctx, 0, KeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := b.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}
