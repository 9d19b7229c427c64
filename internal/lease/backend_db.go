package lease

import (
	"context"
	"time"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/model"
)

// DatabaseBackend arbitrates ownership from the item row itself. All decisions
// read the row through the engine's transaction, so they observe the row lock
// the engine already holds.
type DatabaseBackend struct {
	db *gorm.DB
}

// NewDatabaseBackend creates the row-backed lease backend.
func NewDatabaseBackend(db *gorm.DB) *DatabaseBackend {
	return &DatabaseBackend{db: db}
}

func (b *DatabaseBackend) handle(tx *gorm.DB) *gorm.DB {
	if tx != nil {
		return tx
	}
	return b.db
}

// Acquire succeeds when the row shows no live holder.
func (b *DatabaseBackend) Acquire(ctx context.Context, tx *gorm.DB, itemID, agentID string, ttl time.Duration) (bool, error) {
	var item model.Item
	if err := b.handle(tx).WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		return false, err
	}
	return !item.Leased(time.Now().UTC()), nil
}

// Extend succeeds when agentID is the live holder.
func (b *DatabaseBackend) Extend(ctx context.Context, tx *gorm.DB, itemID, agentID string, ttl time.Duration) (bool, error) {
	var item model.Item
	if err := b.handle(tx).WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		return false, err
	}
	return item.Leased(time.Now().UTC()) && item.LeasedByAgentID == agentID, nil
}

// Release succeeds when agentID holds the lease, expired or not.
func (b *DatabaseBackend) Release(ctx context.Context, tx *gorm.DB, itemID, agentID string) (bool, error) {
	var item model.Item
	if err := b.handle(tx).WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		return false, err
	}
	return item.LeasedByAgentID == agentID, nil
}

// Reclaim clears lease columns on rows whose expiry has passed.
func (b *DatabaseBackend) Reclaim(ctx context.Context, tx *gorm.DB, itemIDs []string) (int, error) {
	if len(itemIDs) == 0 {
		return 0, nil
	}
	res := b.handle(tx).WithContext(ctx).Model(&model.Item{}).
		Where("id IN ? AND lease_expires_at IS NOT NULL AND lease_expires_at < ?", itemIDs, time.Now().UTC()).
		Updates(map[string]interface{}{
			"leased_by_agent_id": "",
			"lease_expires_at":   nil,
			"last_heartbeat_at":  nil,
		})
	return int(res.RowsAffected), res.Error
}

// GetOwner reads the live holder from the row.
func (b *DatabaseBackend) GetOwner(ctx context.Context, itemID string) (string, error) {
	var item model.Item
	if err := b.db.WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		return "", err
	}
	if !item.Leased(time.Now().UTC()) {
		return "", nil
	}
	return item.LeasedByAgentID, nil
}

// GetTTL reads the remaining lifetime from the row.
func (b *DatabaseBackend) GetTTL(ctx context.Context, itemID string) (time.Duration, error) {
	var item model.Item
	if err := b.db.WithContext(ctx).First(&item, "id = ?", itemID).Error; err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	if !item.Leased(now) {
		return 0, nil
	}
	return item.LeaseExpiresAt.Sub(now), nil
}

// GetAllLeases scans the items table for live leases.
func (b *DatabaseBackend) GetAllLeases(ctx context.Context) (map[string]string, error) {
	var items []model.Item
	if err := b.db.WithContext(ctx).
		Where("leased_by_agent_id <> '' AND lease_expires_at > ?", time.Now().UTC()).
		Find(&items).Error; err != nil {
		return nil, err
	}
	leases := make(map[string]string, len(items))
	for i := range items {
		leases[items[i].ID] = items[i].LeasedByAgentID
	}
	return leases, nil
}

// ClearAll drops every lease column.
func (b *DatabaseBackend) ClearAll(ctx context.Context) error {
	return b.db.WithContext(ctx).Model(&model.Item{}).
		Where("leased_by_agent_id <> ''").
		Updates(map[string]interface{}{
			"leased_by_agent_id": "",
			"lease_expires_at":   nil,
			"last_heartbeat_at":  nil,
		}).Error
}
