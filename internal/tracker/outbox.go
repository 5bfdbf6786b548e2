package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opEnqueueSync      = "tracker.enqueue_sync"
	opMarkSyncAttempt  = "tracker.mark_sync_attempt"
	opDeliverableSyncs = "tracker.deliverable_syncs"
	opListSyncs        = "tracker.list_syncs"
	opListUserSyncs    = "tracker.list_user_syncs"
	opRequeueInFlight  = "tracker.requeue_in_flight"
	opPruneSucceeded   = "tracker.prune_succeeded"
	opDiscardSync      = "tracker.discard_sync"
)

// EnqueueSync records that an entity changed. Repeated calls for the same entity and operation
// coalesce into a single row: a pending row is left untouched, a row in any other status is
// re-armed to pending because the change happened after its last delivery attempt.
func (s *Service) EnqueueSync(ctx context.Context, entityType EntityType, entityID string, operation Operation) (SyncMeta, error) {
	if err := s.ready(opEnqueueSync); err != nil {
		return SyncMeta{}, err
	}
	if _, err := ParseEntityType(string(entityType)); err != nil {
		return SyncMeta{}, newServiceError(opEnqueueSync, reasonInvalidInput, err)
	}
	if _, err := ParseOperation(string(operation)); err != nil {
		return SyncMeta{}, newServiceError(opEnqueueSync, reasonInvalidInput, err)
	}
	trimmedID := strings.TrimSpace(entityID)
	if trimmedID == "" {
		return SyncMeta{}, newServiceError(opEnqueueSync, reasonInvalidInput, fmt.Errorf("%w: empty entity id", ErrValidation))
	}

	var entry SyncMeta
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.enqueue(tx, entityType, trimmedID, operation); err != nil {
			return err
		}
		return tx.Where("entity_type = ? AND entity_id = ? AND operation = ?", entityType, trimmedID, operation).
			Take(&entry).Error
	})
	if err != nil {
		s.logError(opEnqueueSync, reasonOutboxFailed, err,
			zap.String(fieldEntityType, string(entityType)),
			zap.String(fieldEntityID, trimmedID),
			zap.String(fieldOperation, string(operation)))
		return SyncMeta{}, newServiceError(opEnqueueSync, reasonOutboxFailed, classifyWriteError(err))
	}
	return entry, nil
}

// enqueue writes the outbox row inside the caller's transaction.
func (s *Service) enqueue(tx *gorm.DB, entityType EntityType, entityID string, operation Operation) error {
	entry := SyncMeta{
		EntityType: entityType,
		EntityID:   entityID,
		Operation:  operation,
		Status:     SyncStatusPending,
	}
	err := tx.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entity_type"}, {Name: "entity_id"}, {Name: "operation"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"status": string(SyncStatusPending),
		}),
		Where: clause.Where{Exprs: []clause.Expression{
			clause.Neq{Column: clause.Column{Table: "sync_meta", Name: "status"}, Value: string(SyncStatusPending)},
		}},
	}).Create(&entry).Error
	if err != nil {
		return err
	}
	if err := s.logChange(tx, entityType, entityID); err != nil {
		return err
	}
	s.observerOrDefault().OutboxEnqueued(entityType, operation)
	return nil
}

// MarkSyncAttempt moves an outbox entry to a new status and records the attempt time.
// Succeeded entries are terminal; illegal transitions fail with ErrValidation.
func (s *Service) MarkSyncAttempt(ctx context.Context, id int64, status SyncStatus, attemptedAt time.Time) (SyncMeta, error) {
	if err := s.ready(opMarkSyncAttempt); err != nil {
		return SyncMeta{}, err
	}
	target, err := ParseSyncStatus(string(status))
	if err != nil {
		return SyncMeta{}, newServiceError(opMarkSyncAttempt, reasonInvalidInput, err)
	}
	attempted := FormatTimestamp(attemptedAt)

	var entry SyncMeta
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", id).Take(&entry).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opMarkSyncAttempt, reasonNotFound, fmt.Errorf("%w: unknown outbox entry %d", ErrValidation, id))
		}
		if err != nil {
			s.logError(opMarkSyncAttempt, reasonQueryFailed, err, zap.Int64(fieldSyncID, id))
			return newServiceError(opMarkSyncAttempt, reasonQueryFailed, err)
		}
		if !CanTransition(entry.Status, target) {
			return newServiceError(opMarkSyncAttempt, reasonIllegalTransition,
				fmt.Errorf("%w: %s -> %s", ErrValidation, entry.Status, target))
		}
		result := tx.Model(&SyncMeta{}).
			Where("id = ? AND status = ?", id, entry.Status).
			Updates(map[string]interface{}{
				"status":          string(target),
				"last_attempt_at": attempted,
			})
		if result.Error != nil {
			s.logError(opMarkSyncAttempt, reasonUpdateFailed, result.Error, zap.Int64(fieldSyncID, id))
			return newServiceError(opMarkSyncAttempt, reasonUpdateFailed, result.Error)
		}
		if result.RowsAffected == 0 {
			return newServiceError(opMarkSyncAttempt, reasonStaleStatus,
				fmt.Errorf("%w: outbox entry %d changed concurrently", ErrValidation, id))
		}
		entry.Status = target
		entry.LastAttemptAt = &attempted
		return nil
	})
	if txErr != nil {
		return SyncMeta{}, txErr
	}
	s.observerOrDefault().SyncStatusChanged(target)
	return entry, nil
}

// DeliverableSyncs returns pending entries in insertion order, then failed entries starting with
// the one attempted longest ago, so failures cannot starve fresh changes.
func (s *Service) DeliverableSyncs(ctx context.Context, limit int) ([]SyncMeta, error) {
	if err := s.ready(opDeliverableSyncs); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).
		Where("status IN ?", []string{string(SyncStatusPending), string(SyncStatusFailed)}).
		Order("CASE WHEN status = 'pending' THEN 0 ELSE 1 END").
		Order("CASE WHEN status = 'pending' THEN '' ELSE COALESCE(last_attempt_at, '') END").
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	var entries []SyncMeta
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opDeliverableSyncs, reasonQueryFailed, err)
		return nil, newServiceError(opDeliverableSyncs, reasonQueryFailed, err)
	}
	return entries, nil
}

// ListSyncs returns outbox entries, optionally restricted to one status.
func (s *Service) ListSyncs(ctx context.Context, status SyncStatus) ([]SyncMeta, error) {
	if err := s.ready(opListSyncs); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Order("id ASC")
	if status != "" {
		parsed, err := ParseSyncStatus(string(status))
		if err != nil {
			return nil, newServiceError(opListSyncs, reasonInvalidInput, err)
		}
		query = query.Where("status = ?", string(parsed))
	}
	var entries []SyncMeta
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opListSyncs, reasonQueryFailed, err)
		return nil, newServiceError(opListSyncs, reasonQueryFailed, err)
	}
	return entries, nil
}

// ListUserSyncs returns the outbox entries whose goal or progress row belongs to the user,
// optionally restricted to one status. Entries for entities that no longer exist are omitted.
func (s *Service) ListUserSyncs(ctx context.Context, userID UserID, status SyncStatus) ([]SyncMeta, error) {
	if err := s.ready(opListUserSyncs); err != nil {
		return nil, err
	}
	db := s.db.WithContext(ctx)
	ownedGoals := db.Model(&Goal{}).Select("id").Where("user_id = ?", userID.String())
	ownedProgress := db.Table("daily_progress").
		Select("daily_progress.id").
		Joins("JOIN goals ON goals.id = daily_progress.goal_id").
		Where("goals.user_id = ?", userID.String())
	query := db.Where(
		db.Where("entity_type = ? AND entity_id IN (?)", string(EntityTypeGoal), ownedGoals).
			Or("entity_type = ? AND entity_id IN (?)", string(EntityTypeDailyProgress), ownedProgress),
	).Order("id ASC")
	if status != "" {
		parsed, err := ParseSyncStatus(string(status))
		if err != nil {
			return nil, newServiceError(opListUserSyncs, reasonInvalidInput, err)
		}
		query = query.Where("status = ?", string(parsed))
	}
	var entries []SyncMeta
	if err := query.Find(&entries).Error; err != nil {
		s.logError(opListUserSyncs, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(opListUserSyncs, reasonQueryFailed, err)
	}
	return entries, nil
}

// RequeueInFlight returns entries left in-flight by an interrupted sync pass to pending.
func (s *Service) RequeueInFlight(ctx context.Context) (int64, error) {
	if err := s.ready(opRequeueInFlight); err != nil {
		return 0, err
	}
	result := s.db.WithContext(ctx).Model(&SyncMeta{}).
		Where("status = ?", string(SyncStatusInFlight)).
		Update("status", string(SyncStatusPending))
	if result.Error != nil {
		s.logError(opRequeueInFlight, reasonUpdateFailed, result.Error)
		return 0, newServiceError(opRequeueInFlight, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// PruneSucceeded removes delivered entries.
func (s *Service) PruneSucceeded(ctx context.Context) (int64, error) {
	if err := s.ready(opPruneSucceeded); err != nil {
		return 0, err
	}
	result := s.db.WithContext(ctx).
		Where("status = ?", string(SyncStatusSucceeded)).
		Delete(&SyncMeta{})
	if result.Error != nil {
		s.logError(opPruneSucceeded, reasonUpdateFailed, result.Error)
		return 0, newServiceError(opPruneSucceeded, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected, nil
}

// DiscardSync deletes an entry that can never be delivered. The delete only happens while the
// entry still has the expected status; an entry re-armed by a newer write is kept and the
// boolean is false.
func (s *Service) DiscardSync(ctx context.Context, id int64, expected SyncStatus) (bool, error) {
	if err := s.ready(opDiscardSync); err != nil {
		return false, err
	}
	if _, err := ParseSyncStatus(string(expected)); err != nil {
		return false, newServiceError(opDiscardSync, reasonInvalidInput, err)
	}
	result := s.db.WithContext(ctx).
		Where("id = ? AND status = ?", id, string(expected)).
		Delete(&SyncMeta{})
	if result.Error != nil {
		s.logError(opDiscardSync, reasonUpdateFailed, result.Error, zap.Int64(fieldSyncID, id))
		return false, newServiceError(opDiscardSync, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected == 1, nil
}
