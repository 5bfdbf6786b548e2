package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opRecordDailyProgress     = "tracker.record_daily_progress"
	opSoftDeleteDailyProgress = "tracker.soft_delete_daily_progress"
	opListProgress            = "tracker.list_progress"
	opListProgressHistory     = "tracker.list_progress_history"
	opGetProgressForDate      = "tracker.get_progress_for_date"
	opGetProgress             = "tracker.get_progress"
)

// ProgressOutcome reports the stored row and whether the call inserted or overwrote it.
type ProgressOutcome struct {
	Record    ProgressRecord
	Operation Operation
}

// RecordDailyProgress upserts the progress row for (goal, date). The write relies on the
// (goal_id, date) uniqueness so concurrent recorders cannot create duplicates; an existing row
// keeps its id and created_at and gets the new value, note and updated_at.
func (s *Service) RecordDailyProgress(ctx context.Context, goalID GoalID, date string, value float64, note string) (ProgressOutcome, error) {
	if err := s.ready(opRecordDailyProgress); err != nil {
		return ProgressOutcome{}, err
	}
	day, err := ParseDate(date)
	if err != nil {
		return ProgressOutcome{}, newServiceError(opRecordDailyProgress, reasonInvalidInput, err)
	}
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return ProgressOutcome{}, newServiceError(opRecordDailyProgress, reasonInvalidInput,
			fmt.Errorf("%w: progress value must be finite", ErrValidation))
	}
	freshID, err := s.newID(opRecordDailyProgress)
	if err != nil {
		return ProgressOutcome{}, err
	}

	now := s.now()
	candidate := ProgressRecord{
		ID:        freshID,
		GoalID:    goalID.String(),
		Date:      FormatDate(day),
		Value:     value,
		Note:      strings.TrimSpace(note),
		CreatedAt: now,
		UpdatedAt: now,
		Deleted:   false,
	}

	var outcome ProgressOutcome
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.loadLiveGoal(tx, opRecordDailyProgress, goalID); err != nil {
			return err
		}
		err := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "goal_id"}, {Name: "date"}},
			DoUpdates: clause.Assignments(map[string]interface{}{
				"value":      candidate.Value,
				"note":       candidate.Note,
				"updated_at": candidate.UpdatedAt,
				"deleted":    false,
			}),
		}).Create(&candidate).Error
		if err != nil {
			classified := classifyWriteError(err)
			s.logError(opRecordDailyProgress, reasonInsertFailed, classified,
				zap.String(fieldGoalID, goalID.String()), zap.String("date", candidate.Date))
			return newServiceError(opRecordDailyProgress, reasonInsertFailed, classified)
		}

		var stored ProgressRecord
		if err := tx.Where("goal_id = ? AND date = ?", candidate.GoalID, candidate.Date).Take(&stored).Error; err != nil {
			s.logError(opRecordDailyProgress, reasonQueryFailed, err,
				zap.String(fieldGoalID, goalID.String()), zap.String("date", candidate.Date))
			return newServiceError(opRecordDailyProgress, reasonQueryFailed, err)
		}

		operation := OperationUpdate
		if stored.ID == freshID {
			operation = OperationCreate
		}
		if err := s.enqueue(tx, EntityTypeDailyProgress, stored.ID, operation); err != nil {
			s.logError(opRecordDailyProgress, reasonOutboxFailed, err, zap.String(fieldProgressID, stored.ID))
			return newServiceError(opRecordDailyProgress, reasonOutboxFailed, classifyWriteError(err))
		}
		outcome = ProgressOutcome{Record: stored, Operation: operation}
		return nil
	})
	if txErr != nil {
		return ProgressOutcome{}, txErr
	}
	return outcome, nil
}

// SoftDeleteDailyProgress flags a progress row as deleted and enqueues a delete.
// Deleting an already deleted row returns it unchanged.
func (s *Service) SoftDeleteDailyProgress(ctx context.Context, progressID ProgressID) (ProgressRecord, error) {
	if err := s.ready(opSoftDeleteDailyProgress); err != nil {
		return ProgressRecord{}, err
	}
	var record ProgressRecord
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ?", progressID.String()).Take(&record).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return newServiceError(opSoftDeleteDailyProgress, reasonUnknownProgress,
				fmt.Errorf("%w: unknown progress %s", ErrValidation, progressID))
		}
		if err != nil {
			s.logError(opSoftDeleteDailyProgress, reasonQueryFailed, err, zap.String(fieldProgressID, progressID.String()))
			return newServiceError(opSoftDeleteDailyProgress, reasonQueryFailed, err)
		}
		if record.Deleted {
			return nil
		}
		now := s.now()
		if err := s.markDeleted(tx, opSoftDeleteDailyProgress, &ProgressRecord{}, record.ID, now); err != nil {
			return err
		}
		if err := s.enqueue(tx, EntityTypeDailyProgress, record.ID, OperationDelete); err != nil {
			s.logError(opSoftDeleteDailyProgress, reasonOutboxFailed, err, zap.String(fieldProgressID, record.ID))
			return newServiceError(opSoftDeleteDailyProgress, reasonOutboxFailed, classifyWriteError(err))
		}
		record.Deleted = true
		record.UpdatedAt = now
		return nil
	})
	if txErr != nil {
		return ProgressRecord{}, txErr
	}
	return record, nil
}

// ListProgress returns the live progress rows of a live goal, newest date first.
// Rows of a soft-deleted goal are hidden even when they are not flagged themselves.
func (s *Service) ListProgress(ctx context.Context, goalID GoalID) ([]ProgressRecord, error) {
	if err := s.ready(opListProgress); err != nil {
		return nil, err
	}
	var records []ProgressRecord
	err := s.db.WithContext(ctx).
		Table("daily_progress").
		Select("daily_progress.*").
		Joins("JOIN goals ON goals.id = daily_progress.goal_id").
		Where("daily_progress.goal_id = ? AND daily_progress.deleted = ? AND goals.deleted = ?", goalID.String(), false, false).
		Order("daily_progress.date DESC").
		Find(&records).Error
	if err != nil {
		s.logError(opListProgress, reasonQueryFailed, err, zap.String(fieldGoalID, goalID.String()))
		return nil, newServiceError(opListProgress, reasonQueryFailed, err)
	}
	return records, nil
}

// ListProgressHistory returns every progress row of a goal, soft-deleted ones included.
func (s *Service) ListProgressHistory(ctx context.Context, goalID GoalID) ([]ProgressRecord, error) {
	if err := s.ready(opListProgressHistory); err != nil {
		return nil, err
	}
	var records []ProgressRecord
	if err := s.db.WithContext(ctx).
		Where("goal_id = ?", goalID.String()).
		Order("date DESC").
		Find(&records).Error; err != nil {
		s.logError(opListProgressHistory, reasonQueryFailed, err, zap.String(fieldGoalID, goalID.String()))
		return nil, newServiceError(opListProgressHistory, reasonQueryFailed, err)
	}
	return records, nil
}

// GetProgressForDate loads the row for (goal, date), soft-deleted or not.
func (s *Service) GetProgressForDate(ctx context.Context, goalID GoalID, date string) (ProgressRecord, error) {
	if err := s.ready(opGetProgressForDate); err != nil {
		return ProgressRecord{}, err
	}
	day, err := ParseDate(date)
	if err != nil {
		return ProgressRecord{}, newServiceError(opGetProgressForDate, reasonInvalidInput, err)
	}
	var record ProgressRecord
	err = s.db.WithContext(ctx).Where("goal_id = ? AND date = ?", goalID.String(), FormatDate(day)).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProgressRecord{}, newServiceError(opGetProgressForDate, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGetProgressForDate, reasonQueryFailed, err, zap.String(fieldGoalID, goalID.String()))
		return ProgressRecord{}, newServiceError(opGetProgressForDate, reasonQueryFailed, err)
	}
	return record, nil
}

// GetProgress loads a progress row by id.
func (s *Service) GetProgress(ctx context.Context, progressID ProgressID) (ProgressRecord, error) {
	if err := s.ready(opGetProgress); err != nil {
		return ProgressRecord{}, err
	}
	var record ProgressRecord
	err := s.db.WithContext(ctx).Where("id = ?", progressID.String()).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ProgressRecord{}, newServiceError(opGetProgress, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGetProgress, reasonQueryFailed, err, zap.String(fieldProgressID, progressID.String()))
		return ProgressRecord{}, newServiceError(opGetProgress, reasonQueryFailed, err)
	}
	return record, nil
}
