package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"wo-foreman.io/foreman/internal/model"
	apperrors "wo-foreman.io/foreman/internal/pkg/errors"
	"wo-foreman.io/foreman/internal/pkg/hashutil"
	"wo-foreman.io/foreman/internal/statemachine"
)

// Finalisation modes.
const (
	FinalizeStrict     = "strict"
	FinalizeBestEffort = "best_effort"
)

// SubmitPartRequest is one incremental part submission.
type SubmitPartRequest struct {
	ItemID   string
	AgentID  string
	PartKey  string
	Seq      *int
	Payload  model.JSONMap
	Evidence model.JSONMap
	Notes    string
}

// SubmitPart validates and upserts one (partKey, seq) part. A reused tuple
// overwrites. Validation failures are persisted on the rejected part and
// returned; the item's state never changes here.
func (e *Executor) SubmitPart(ctx context.Context, req SubmitPartRequest) (*model.Part, error) {
	if !e.partials.Enabled {
		return nil, apperrors.Conflict(apperrors.CodePartialsDisabled, "partial submissions are disabled")
	}
	if req.PartKey == "" {
		return nil, apperrors.BadRequest(apperrors.CodePartInvalid, "part key must not be empty")
	}
	if req.Seq != nil && *req.Seq < 0 {
		return nil, apperrors.BadRequest(apperrors.CodePartInvalid, "seq must be non-negative").
			WithParams(map[string]interface{}{"seq": *req.Seq})
	}

	encoded, err := hashutil.CanonicalJSON(map[string]interface{}(req.Payload))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.CodePartInvalid, "part payload is not valid JSON", 400)
	}
	if e.partials.MaxPayloadBytes > 0 && len(encoded) > e.partials.MaxPayloadBytes {
		return nil, apperrors.BadRequest(apperrors.CodePayloadTooLarge, "part payload exceeds the configured limit").
			WithParams(map[string]interface{}{
				"bytes": len(encoded),
				"limit": e.partials.MaxPayloadBytes,
			})
	}

	var part *model.Part
	var valErr error
	err = e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, req.ItemID)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if err := requireLiveLease(item, req.AgentID, now); err != nil {
			return err
		}

		handler, err := e.registry.Get(item.Type)
		if err != nil {
			return err
		}
		actor := model.Actor{Kind: model.ActorAgent, ID: req.AgentID}

		existing, err := findPart(tx, item.ID, req.PartKey, req.Seq)
		if err != nil {
			return err
		}
		if existing == nil && e.partials.MaxPartsPerItem > 0 {
			var count int64
			if err := tx.Model(&model.Part{}).Where("item_id = ?", item.ID).Count(&count).Error; err != nil {
				return fmt.Errorf("count parts for item %s: %w", item.ID, err)
			}
			if count >= int64(e.partials.MaxPartsPerItem) {
				return apperrors.BadRequest(apperrors.CodeTooManyParts, "item has reached the configured part limit").
					WithParams(map[string]interface{}{"limit": e.partials.MaxPartsPerItem})
			}
		}

		verr := handler.PartialRules(ctx, item, req.PartKey, req.Seq)
		if verr == nil {
			verr = handler.AfterValidatePart(ctx, item, req.PartKey, req.Payload, req.Seq)
		}

		if verr != nil {
			diagnostics := model.JSONArray{map[string]interface{}{"message": verr.Error()}}
			var rejected *model.Part
			if existing != nil && existing.Status == model.PartValidated {
				// A validated slot survives a failed overwrite; the rejection
				// lives on the errors column and the audit trail.
				if err := tx.Model(&model.Part{}).Where("id = ?", existing.ID).
					Update("errors", diagnostics).Error; err != nil {
					return fmt.Errorf("record rejection on part %s: %w", existing.ID, err)
				}
				existing.Errors = diagnostics
				rejected = existing
			} else {
				var err error
				rejected, err = upsertPart(tx, existing, item, req, model.PartRejected, "", diagnostics, now)
				if err != nil {
					return err
				}
				if err := writePartsState(tx, item, rejected); err != nil {
					return err
				}
			}
			eventPayload := partEventPayload(rejected)
			eventPayload["reason"] = verr.Error()
			if err := e.machine.RecordItemEvent(tx, item.OrderID, item.ID, model.EventPartRejected,
				actor, eventPayload, ""); err != nil {
				return err
			}
			part = rejected
			valErr = apperrors.Unprocessable(apperrors.CodePartInvalid, "part failed validation").
				WithParams(map[string]interface{}{
					"item_id":  item.ID,
					"part_key": req.PartKey,
					"reason":   verr.Error(),
				})
			return nil
		}

		checksum := hashutil.HashBytes(encoded)
		validated, err := upsertPart(tx, existing, item, req, model.PartValidated, checksum, nil, now)
		if err != nil {
			return err
		}
		if err := writePartsState(tx, item, validated); err != nil {
			return err
		}

		eventPayload := partEventPayload(validated)
		if err := e.machine.RecordItemEvent(tx, item.OrderID, item.ID, model.EventPartSubmitted,
			actor, eventPayload, ""); err != nil {
			return err
		}
		if err := e.machine.RecordItemEvent(tx, item.OrderID, item.ID, model.EventPartValidated,
			actor, eventPayload, ""); err != nil {
			return err
		}

		part = validated
		return nil
	})
	if err != nil {
		return nil, err
	}
	if valErr != nil {
		return part, valErr
	}
	return part, nil
}

func findPart(tx *gorm.DB, itemID, partKey string, seq *int) (*model.Part, error) {
	var existing model.Part
	err := tx.First(&existing, "item_id = ? AND part_key = ? AND seq_key = ?",
		itemID, partKey, model.NormalizeSeq(seq)).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load part %s/%s: %w", itemID, partKey, err)
	}
	return &existing, nil
}

func upsertPart(tx *gorm.DB, existing *model.Part, item *model.Item, req SubmitPartRequest,
	status model.PartStatus, checksum string, errs model.JSONArray, now time.Time) (*model.Part, error) {

	if existing != nil {
		updates := map[string]interface{}{
			"status":            status,
			"payload":           req.Payload,
			"evidence":          req.Evidence,
			"notes":             req.Notes,
			"errors":            errs,
			"checksum":          checksum,
			"submitted_by_kind": model.ActorAgent,
			"submitted_by_id":   req.AgentID,
			"submitted_at":      now,
		}
		if err := tx.Model(&model.Part{}).Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("overwrite part %s: %w", existing.ID, err)
		}
		existing.Status = status
		existing.Payload = req.Payload
		existing.Evidence = req.Evidence
		existing.Notes = req.Notes
		existing.Errors = errs
		existing.Checksum = checksum
		existing.SubmittedByKind = model.ActorAgent
		existing.SubmittedByID = req.AgentID
		existing.SubmittedAt = now
		return existing, nil
	}

	part := &model.Part{
		ID:              hashutil.NewID(),
		ItemID:          item.ID,
		PartKey:         req.PartKey,
		Seq:             req.Seq,
		SeqKey:          model.NormalizeSeq(req.Seq),
		Status:          status,
		Payload:         req.Payload,
		Evidence:        req.Evidence,
		Notes:           req.Notes,
		Errors:          errs,
		Checksum:        checksum,
		SubmittedByKind: model.ActorAgent,
		SubmittedByID:   req.AgentID,
		SubmittedAt:     now,
	}
	if err := tx.Create(part).Error; err != nil {
		return nil, fmt.Errorf("create part %s/%s: %w", item.ID, req.PartKey, err)
	}
	return part, nil
}

// writePartsState refreshes the item's per-key materialised view after one
// part upsert.
func writePartsState(tx *gorm.DB, item *model.Item, part *model.Part) error {
	state := item.PartsState
	if state == nil {
		state = model.JSONMap{}
	}
	entry := map[string]interface{}{
		"status":       string(part.Status),
		"checksum":     part.Checksum,
		"submitted_at": part.SubmittedAt.Format(time.RFC3339),
	}
	if part.Seq != nil {
		entry["seq"] = *part.Seq
	}
	state[part.PartKey] = entry

	if err := tx.Model(&model.Item{}).Where("id = ?", item.ID).
		Update("parts_state", state).Error; err != nil {
		return fmt.Errorf("write parts state for item %s: %w", item.ID, err)
	}
	item.PartsState = state
	return nil
}

func partEventPayload(part *model.Part) model.JSONMap {
	payload := model.JSONMap{
		"part_key": part.PartKey,
		"status":   string(part.Status),
		"checksum": part.Checksum,
	}
	if part.Seq != nil {
		payload["seq"] = *part.Seq
	}
	return payload
}

// Finalize assembles the latest validated part per key into the item's
// authoritative result and transitions the item to submitted.
//
// Strict mode fails when any required part key has no validated part;
// best-effort assembles whatever is present.
func (e *Executor) Finalize(ctx context.Context, itemID, mode string, actor model.Actor) (*model.Item, error) {
	if !e.partials.Enabled {
		return nil, apperrors.Conflict(apperrors.CodePartialsDisabled, "partial submissions are disabled")
	}
	switch mode {
	case FinalizeStrict, FinalizeBestEffort:
	case "":
		mode = FinalizeStrict
	default:
		return nil, apperrors.BadRequest(apperrors.CodeSubmissionInvalid, "unknown finalize mode").
			WithParams(map[string]interface{}{"mode": mode})
	}
	if actor.Kind == "" {
		actor = model.SystemActor()
	}

	var finalized *model.Item
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		item, err := loadItemLocked(tx, itemID)
		if err != nil {
			return err
		}
		handler, err := e.registry.Get(item.Type)
		if err != nil {
			return err
		}

		latest, err := latestValidatedParts(tx, item.ID)
		if err != nil {
			return err
		}

		if mode == FinalizeStrict {
			var missing []string
			for _, key := range handler.RequiredParts(item) {
				if _, ok := latest[key]; !ok {
					missing = append(missing, key)
				}
			}
			if len(missing) > 0 {
				sort.Strings(missing)
				return apperrors.Unprocessable(apperrors.CodeMissingRequiredParts, "required parts have no validated submission").
					WithParams(map[string]interface{}{"item_id": item.ID, "missing": missing})
			}
		}

		assembled, err := handler.Assemble(ctx, item, latest)
		if err != nil {
			return apperrors.Wrap(err, apperrors.CodeSubmissionInvalid, "assembly failed", 422)
		}
		if err := handler.ValidateAssembled(ctx, item, assembled); err != nil {
			return apperrors.Wrap(err, apperrors.CodeSubmissionInvalid, "assembled result failed validation", 422)
		}

		updates := map[string]interface{}{
			"assembled_result": assembled,
			"result":           assembled,
			"error":            nil,
		}
		if err := tx.Model(&model.Item{}).Where("id = ?", item.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("write assembled result for item %s: %w", item.ID, err)
		}
		item.AssembledResult = assembled
		item.Result = assembled
		item.Error = nil

		payload := model.JSONMap{"parts_count": len(latest), "assembled": true, "mode": mode}
		if err := e.machine.TransitionItem(tx, item, model.ItemSubmitted, actor,
			statemachine.WithKind(model.EventFinalized), statemachine.WithPayload(payload)); err != nil {
			return err
		}

		finalized = item
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.CheckAutoApproval(ctx, finalized.OrderID)
	return finalized, nil
}

// latestValidatedParts returns the validated payload with the greatest seq
// per part key. An unversioned part occupies the lowest slot, so any
// versioned part for the same key supersedes it. Rejected and draft parts
// never contribute.
func latestValidatedParts(tx *gorm.DB, itemID string) (map[string]model.JSONMap, error) {
	var parts []model.Part
	err := tx.Where("item_id = ? AND status = ?", itemID, model.PartValidated).
		Order("seq_key ASC").
		Find(&parts).Error
	if err != nil {
		return nil, fmt.Errorf("load validated parts for item %s: %w", itemID, err)
	}

	latest := make(map[string]model.JSONMap, len(parts))
	for i := range parts {
		// Ascending seq_key: later rows overwrite earlier slots.
		latest[parts[i].PartKey] = parts[i].Payload
	}
	return latest, nil
}
