// Package provenance captures per-action caller and request metadata.
//
// Records are append-only and associated with the order or item being acted
// on. Request bodies are never captured.
package provenance

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/model"
	"wo-foreman.io/foreman/internal/pkg/hashutil"
)

// Request is the caller metadata captured on one mutating entry.
type Request struct {
	OrderID string
	ItemID  string

	AgentID      string
	AgentName    string
	AgentVersion string
	ModelName    string
	RuntimeTag   string

	RequestID         string
	IP                string
	UserAgent         string
	AcceptLanguage    string
	AuthenticatedUser string
	SessionID         string
}

// Recorder persists provenance records.
type Recorder struct {
	db *gorm.DB
}

// NewRecorder creates a recorder.
func NewRecorder(db *gorm.DB) *Recorder {
	return &Recorder{db: db}
}

// Record stores one provenance row. A missing request id is generated; the
// request fingerprint is a deterministic hash over the salient attributes.
func (r *Recorder) Record(ctx context.Context, req Request) (*model.Provenance, error) {
	requestID := req.RequestID
	if requestID == "" {
		requestID = hashutil.NewID()
	}

	row := &model.Provenance{
		ID:                 hashutil.NewID(),
		OrderID:            req.OrderID,
		AgentID:            req.AgentID,
		AgentName:          req.AgentName,
		AgentVersion:       req.AgentVersion,
		ModelName:          req.ModelName,
		RuntimeTag:         req.RuntimeTag,
		RequestID:          requestID,
		RequestFingerprint: hashutil.Fingerprint(req.AgentID, req.IP, req.UserAgent, req.AcceptLanguage),
		IP:                 req.IP,
		UserAgent:          req.UserAgent,
		AuthenticatedUser:  req.AuthenticatedUser,
		SessionID:          req.SessionID,
		CreatedAt:          time.Now().UTC(),
	}
	if req.ItemID != "" {
		itemID := req.ItemID
		row.ItemID = &itemID
	}

	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("record provenance for order %s: %w", req.OrderID, err)
	}
	return row, nil
}

// For lists the provenance trail of an order, oldest first.
func (r *Recorder) For(ctx context.Context, orderID string) ([]model.Provenance, error) {
	var rows []model.Provenance
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load provenance for order %s: %w", orderID, err)
	}
	return rows, nil
}
