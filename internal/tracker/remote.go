package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opApplyRemoteGoal     = "tracker.apply_remote_goal"
	opApplyRemoteProgress = "tracker.apply_remote_progress"

	reasonOwnerMismatch   = "owner_mismatch"
	reasonChangeLogFailed = "change_log_failed"
)

// remoteIsNewer implements last-write-wins: the incoming row replaces the stored one only when
// its updated_at is strictly later.
func remoteIsNewer(localUpdatedAt, remoteUpdatedAt string) bool {
	local, localErr := ParseTimestamp(localUpdatedAt)
	if localErr != nil {
		return true
	}
	remote, remoteErr := ParseTimestamp(remoteUpdatedAt)
	if remoteErr != nil {
		return false
	}
	return remote.After(local)
}

func canonicalRemoteGoal(goal Goal) (Goal, error) {
	if _, err := NewGoalID(goal.ID); err != nil {
		return Goal{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	validated, err := validateGoalInput(GoalInput{
		UserID:      goal.UserID,
		Title:       goal.Title,
		Description: goal.Description,
		StartDate:   goal.StartDate,
		EndDate:     goal.EndDate,
		TargetUnits: goal.TargetUnits,
	})
	if err != nil {
		return Goal{}, err
	}
	createdAt, err := CanonicalTimestamp(goal.CreatedAt)
	if err != nil {
		return Goal{}, err
	}
	updatedAt, err := CanonicalTimestamp(goal.UpdatedAt)
	if err != nil {
		return Goal{}, err
	}
	return Goal{
		ID:          strings.TrimSpace(goal.ID),
		UserID:      validated.userID.String(),
		Title:       validated.title,
		Description: validated.description,
		StartDate:   validated.startDate,
		EndDate:     validated.endDate,
		TargetUnits: validated.targetUnits,
		CreatedAt:   createdAt,
		UpdatedAt:   updatedAt,
		Deleted:     goal.Deleted,
	}, nil
}

func canonicalRemoteProgress(record ProgressRecord) (ProgressRecord, error) {
	if _, err := NewProgressID(record.ID); err != nil {
		return ProgressRecord{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if _, err := NewGoalID(record.GoalID); err != nil {
		return ProgressRecord{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	day, err := ParseDate(record.Date)
	if err != nil {
		return ProgressRecord{}, err
	}
	if math.IsNaN(record.Value) || math.IsInf(record.Value, 0) {
		return ProgressRecord{}, fmt.Errorf("%w: progress value must be finite", ErrValidation)
	}
	createdAt, err := CanonicalTimestamp(record.CreatedAt)
	if err != nil {
		return ProgressRecord{}, err
	}
	updatedAt, err := CanonicalTimestamp(record.UpdatedAt)
	if err != nil {
		return ProgressRecord{}, err
	}
	return ProgressRecord{
		ID:        strings.TrimSpace(record.ID),
		GoalID:    strings.TrimSpace(record.GoalID),
		Date:      FormatDate(day),
		Value:     record.Value,
		Note:      strings.TrimSpace(record.Note),
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		Deleted:   record.Deleted,
	}, nil
}

// ApplyRemoteGoal merges a goal received from another replica using last-write-wins.
// It never enqueues outbox entries. The boolean reports whether the local row changed.
func (s *Service) ApplyRemoteGoal(ctx context.Context, incoming Goal) (bool, error) {
	if err := s.ready(opApplyRemoteGoal); err != nil {
		return false, err
	}
	goal, err := canonicalRemoteGoal(incoming)
	if err != nil {
		return false, newServiceError(opApplyRemoteGoal, reasonInvalidInput, err)
	}

	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := userExists(tx, goal.UserID)
		if err != nil {
			s.logError(opApplyRemoteGoal, reasonQueryFailed, err, zap.String(fieldUserID, goal.UserID))
			return newServiceError(opApplyRemoteGoal, reasonQueryFailed, err)
		}
		if !exists {
			return newServiceError(opApplyRemoteGoal, reasonUnknownUser, fmt.Errorf("%w: unknown user %s", ErrValidation, goal.UserID))
		}

		var existing Goal
		err = tx.Where("id = ?", goal.ID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&goal).Error; err != nil {
				classified := classifyWriteError(err)
				s.logError(opApplyRemoteGoal, reasonInsertFailed, classified, zap.String(fieldGoalID, goal.ID))
				return newServiceError(opApplyRemoteGoal, reasonInsertFailed, classified)
			}
			applied = true
			return s.recordRemoteChange(tx, opApplyRemoteGoal, EntityTypeGoal, goal.ID)
		}
		if err != nil {
			s.logError(opApplyRemoteGoal, reasonQueryFailed, err, zap.String(fieldGoalID, goal.ID))
			return newServiceError(opApplyRemoteGoal, reasonQueryFailed, err)
		}
		if existing.UserID != goal.UserID {
			return newServiceError(opApplyRemoteGoal, reasonOwnerMismatch,
				fmt.Errorf("%w: goal %s is owned by another user", ErrValidation, goal.ID))
		}
		if !remoteIsNewer(existing.UpdatedAt, goal.UpdatedAt) {
			return nil
		}
		err = tx.Model(&Goal{}).Where("id = ?", goal.ID).Updates(map[string]interface{}{
			"title":        goal.Title,
			"description":  goal.Description,
			"start_date":   goal.StartDate,
			"end_date":     goal.EndDate,
			"target_units": goal.TargetUnits,
			"updated_at":   goal.UpdatedAt,
			"deleted":      goal.Deleted,
		}).Error
		if err != nil {
			s.logError(opApplyRemoteGoal, reasonUpdateFailed, err, zap.String(fieldGoalID, goal.ID))
			return newServiceError(opApplyRemoteGoal, reasonUpdateFailed, classifyWriteError(err))
		}
		applied = true
		return s.recordRemoteChange(tx, opApplyRemoteGoal, EntityTypeGoal, goal.ID)
	})
	if txErr != nil {
		return false, txErr
	}
	return applied, nil
}

// ApplyRemoteProgress merges a progress row received from another replica using
// last-write-wins. When the replicas recorded the same (goal, date) under different ids and the
// incoming row wins, the local row adopts the incoming id and its pending outbox entries are
// dropped, so both replicas converge on one identity for the day.
func (s *Service) ApplyRemoteProgress(ctx context.Context, incoming ProgressRecord) (bool, error) {
	if err := s.ready(opApplyRemoteProgress); err != nil {
		return false, err
	}
	record, err := canonicalRemoteProgress(incoming)
	if err != nil {
		return false, newServiceError(opApplyRemoteProgress, reasonInvalidInput, err)
	}

	applied := false
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadGoal(tx, opApplyRemoteProgress, GoalID(record.GoalID)); err != nil {
			return err
		}

		var existing ProgressRecord
		err := tx.Where("id = ?", record.ID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			err = tx.Where("goal_id = ? AND date = ?", record.GoalID, record.Date).Take(&existing).Error
		}
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if err := tx.Create(&record).Error; err != nil {
				classified := classifyWriteError(err)
				s.logError(opApplyRemoteProgress, reasonInsertFailed, classified, zap.String(fieldProgressID, record.ID))
				return newServiceError(opApplyRemoteProgress, reasonInsertFailed, classified)
			}
			applied = true
			return s.recordRemoteChange(tx, opApplyRemoteProgress, EntityTypeDailyProgress, record.ID)
		}
		if err != nil {
			s.logError(opApplyRemoteProgress, reasonQueryFailed, err, zap.String(fieldProgressID, record.ID))
			return newServiceError(opApplyRemoteProgress, reasonQueryFailed, err)
		}
		if existing.GoalID != record.GoalID {
			return newServiceError(opApplyRemoteProgress, reasonOwnerMismatch,
				fmt.Errorf("%w: progress %s belongs to another goal", ErrValidation, record.ID))
		}
		if !remoteIsNewer(existing.UpdatedAt, record.UpdatedAt) {
			return nil
		}

		if existing.ID != record.ID {
			if err := tx.Where("entity_type = ? AND entity_id = ?", EntityTypeDailyProgress, existing.ID).
				Delete(&SyncMeta{}).Error; err != nil {
				s.logError(opApplyRemoteProgress, reasonOutboxFailed, err, zap.String(fieldProgressID, existing.ID))
				return newServiceError(opApplyRemoteProgress, reasonOutboxFailed, err)
			}
			if err := s.forgetChange(tx, EntityTypeDailyProgress, existing.ID); err != nil {
				s.logError(opApplyRemoteProgress, reasonChangeLogFailed, err, zap.String(fieldProgressID, existing.ID))
				return newServiceError(opApplyRemoteProgress, reasonChangeLogFailed, err)
			}
		}
		err = tx.Model(&ProgressRecord{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"id":         record.ID,
			"date":       record.Date,
			"value":      record.Value,
			"note":       record.Note,
			"created_at": record.CreatedAt,
			"updated_at": record.UpdatedAt,
			"deleted":    record.Deleted,
		}).Error
		if err != nil {
			classified := classifyWriteError(err)
			s.logError(opApplyRemoteProgress, reasonUpdateFailed, classified, zap.String(fieldProgressID, record.ID))
			return newServiceError(opApplyRemoteProgress, reasonUpdateFailed, classified)
		}
		applied = true
		return s.recordRemoteChange(tx, opApplyRemoteProgress, EntityTypeDailyProgress, record.ID)
	})
	if txErr != nil {
		return false, txErr
	}
	return applied, nil
}

func (s *Service) recordRemoteChange(tx *gorm.DB, operation string, entityType EntityType, entityID string) error {
	if err := s.logChange(tx, entityType, entityID); err != nil {
		s.logError(operation, reasonChangeLogFailed, err,
			zap.String(fieldEntityType, string(entityType)),
			zap.String(fieldEntityID, entityID))
		return newServiceError(operation, reasonChangeLogFailed, err)
	}
	return nil
}
