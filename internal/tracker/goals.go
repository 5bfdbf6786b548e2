package tracker

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	opCreateGoal            = "tracker.create_goal"
	opUpdateGoal            = "tracker.update_goal"
	opGetGoal               = "tracker.get_goal"
	opListActiveGoals       = "tracker.list_active_goals"
	opListAllGoals          = "tracker.list_all_goals"
	opSoftDeleteGoal        = "tracker.soft_delete_goal"
	opSoftDeleteGoalCascade = "tracker.soft_delete_goal_cascade"

	maxTitleLength = 200
)

type validatedGoalInput struct {
	userID      UserID
	title       string
	description string
	startDate   string
	endDate     string
	targetUnits *int64
}

func validateGoalInput(input GoalInput) (validatedGoalInput, error) {
	userID, err := NewUserID(input.UserID)
	if err != nil {
		return validatedGoalInput{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return validatedGoalInput{}, fmt.Errorf("%w: empty title", ErrValidation)
	}
	if len(title) > maxTitleLength {
		return validatedGoalInput{}, fmt.Errorf("%w: title exceeds %d characters", ErrValidation, maxTitleLength)
	}
	start, err := ParseDate(input.StartDate)
	if err != nil {
		return validatedGoalInput{}, err
	}
	end, err := ParseDate(input.EndDate)
	if err != nil {
		return validatedGoalInput{}, err
	}
	if end.Before(start) {
		return validatedGoalInput{}, fmt.Errorf("%w: end date %s precedes start date %s", ErrValidation, FormatDate(end), FormatDate(start))
	}
	var targetUnits *int64
	if input.TargetUnits != nil {
		if *input.TargetUnits <= 0 {
			return validatedGoalInput{}, fmt.Errorf("%w: target units must be positive", ErrValidation)
		}
		value := *input.TargetUnits
		targetUnits = &value
	}
	return validatedGoalInput{
		userID:      userID,
		title:       title,
		description: strings.TrimSpace(input.Description),
		startDate:   FormatDate(start),
		endDate:     FormatDate(end),
		targetUnits: targetUnits,
	}, nil
}

// CreateGoal inserts a goal for an existing user and enqueues its create in the same transaction.
func (s *Service) CreateGoal(ctx context.Context, input GoalInput) (Goal, error) {
	if err := s.ready(opCreateGoal); err != nil {
		return Goal{}, err
	}
	validated, err := validateGoalInput(input)
	if err != nil {
		return Goal{}, newServiceError(opCreateGoal, reasonInvalidInput, err)
	}
	id, err := s.newID(opCreateGoal)
	if err != nil {
		return Goal{}, err
	}

	now := s.now()
	goal := Goal{
		ID:          id,
		UserID:      validated.userID.String(),
		Title:       validated.title,
		Description: validated.description,
		StartDate:   validated.startDate,
		EndDate:     validated.endDate,
		TargetUnits: validated.targetUnits,
		CreatedAt:   now,
		UpdatedAt:   now,
		Deleted:     false,
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := userExists(tx, goal.UserID)
		if err != nil {
			s.logError(opCreateGoal, reasonQueryFailed, err, zap.String(fieldUserID, goal.UserID))
			return newServiceError(opCreateGoal, reasonQueryFailed, err)
		}
		if !exists {
			return newServiceError(opCreateGoal, reasonUnknownUser, fmt.Errorf("%w: unknown user %s", ErrValidation, goal.UserID))
		}
		if err := tx.Create(&goal).Error; err != nil {
			classified := classifyWriteError(err)
			s.logError(opCreateGoal, reasonInsertFailed, classified, zap.String(fieldGoalID, goal.ID))
			return newServiceError(opCreateGoal, reasonInsertFailed, classified)
		}
		if err := s.enqueue(tx, EntityTypeGoal, goal.ID, OperationCreate); err != nil {
			classified := classifyWriteError(err)
			s.logError(opCreateGoal, reasonOutboxFailed, classified, zap.String(fieldGoalID, goal.ID))
			return newServiceError(opCreateGoal, reasonOutboxFailed, classified)
		}
		return nil
	})
	if txErr != nil {
		return Goal{}, txErr
	}
	return goal, nil
}

// UpdateGoal overwrites the editable fields of a live goal and enqueues an update.
// The owner cannot change.
func (s *Service) UpdateGoal(ctx context.Context, goalID GoalID, input GoalInput) (Goal, error) {
	if err := s.ready(opUpdateGoal); err != nil {
		return Goal{}, err
	}
	validated, err := validateGoalInput(input)
	if err != nil {
		return Goal{}, newServiceError(opUpdateGoal, reasonInvalidInput, err)
	}

	var goal Goal
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadLiveGoal(tx, opUpdateGoal, goalID)
		if err != nil {
			return err
		}
		if existing.UserID != validated.userID.String() {
			return newServiceError(opUpdateGoal, reasonInvalidInput,
				fmt.Errorf("%w: goal %s is owned by another user", ErrValidation, goalID))
		}
		existing.Title = validated.title
		existing.Description = validated.description
		existing.StartDate = validated.startDate
		existing.EndDate = validated.endDate
		existing.TargetUnits = validated.targetUnits
		existing.UpdatedAt = s.now()

		err = tx.Model(&Goal{}).Where("id = ?", existing.ID).Updates(map[string]interface{}{
			"title":        existing.Title,
			"description":  existing.Description,
			"start_date":   existing.StartDate,
			"end_date":     existing.EndDate,
			"target_units": existing.TargetUnits,
			"updated_at":   existing.UpdatedAt,
		}).Error
		if err != nil {
			s.logError(opUpdateGoal, reasonUpdateFailed, err, zap.String(fieldGoalID, existing.ID))
			return newServiceError(opUpdateGoal, reasonUpdateFailed, classifyWriteError(err))
		}
		if err := s.enqueue(tx, EntityTypeGoal, existing.ID, OperationUpdate); err != nil {
			s.logError(opUpdateGoal, reasonOutboxFailed, err, zap.String(fieldGoalID, existing.ID))
			return newServiceError(opUpdateGoal, reasonOutboxFailed, classifyWriteError(err))
		}
		goal = existing
		return nil
	})
	if txErr != nil {
		return Goal{}, txErr
	}
	return goal, nil
}

// GetGoal loads a goal by id, including soft-deleted goals.
func (s *Service) GetGoal(ctx context.Context, goalID GoalID) (Goal, error) {
	if err := s.ready(opGetGoal); err != nil {
		return Goal{}, err
	}
	var goal Goal
	err := s.db.WithContext(ctx).Where("id = ?", goalID.String()).Take(&goal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Goal{}, newServiceError(opGetGoal, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opGetGoal, reasonQueryFailed, err, zap.String(fieldGoalID, goalID.String()))
		return Goal{}, newServiceError(opGetGoal, reasonQueryFailed, err)
	}
	return goal, nil
}

// ListActiveGoals returns the user's goals that are not soft-deleted, newest first.
func (s *Service) ListActiveGoals(ctx context.Context, userID UserID) ([]Goal, error) {
	return s.listGoals(ctx, opListActiveGoals, userID, false)
}

// ListAllGoals returns every goal of the user, soft-deleted ones included.
func (s *Service) ListAllGoals(ctx context.Context, userID UserID) ([]Goal, error) {
	return s.listGoals(ctx, opListAllGoals, userID, true)
}

func (s *Service) listGoals(ctx context.Context, operation string, userID UserID, includeDeleted bool) ([]Goal, error) {
	if err := s.ready(operation); err != nil {
		return nil, err
	}
	query := s.db.WithContext(ctx).Where("user_id = ?", userID.String())
	if !includeDeleted {
		query = query.Where("deleted = ?", false)
	}
	var goals []Goal
	if err := query.Order("created_at DESC").Order("id DESC").Find(&goals).Error; err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldUserID, userID.String()))
		return nil, newServiceError(operation, reasonQueryFailed, err)
	}
	return goals, nil
}

// SoftDeleteGoal flags a goal as deleted and enqueues a delete. Progress rows are not touched;
// use SoftDeleteGoalCascade to delete them in the same transaction.
func (s *Service) SoftDeleteGoal(ctx context.Context, goalID GoalID) (Goal, error) {
	return s.softDeleteGoal(ctx, opSoftDeleteGoal, goalID, false)
}

// SoftDeleteGoalCascade flags a goal and all of its live progress rows as deleted,
// enqueuing one delete per row.
func (s *Service) SoftDeleteGoalCascade(ctx context.Context, goalID GoalID) (Goal, error) {
	return s.softDeleteGoal(ctx, opSoftDeleteGoalCascade, goalID, true)
}

func (s *Service) softDeleteGoal(ctx context.Context, operation string, goalID GoalID, cascade bool) (Goal, error) {
	if err := s.ready(operation); err != nil {
		return Goal{}, err
	}
	var goal Goal
	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		existing, err := s.loadGoal(tx, operation, goalID)
		if err != nil {
			return err
		}
		now := s.now()
		if !existing.Deleted {
			if err := s.markDeleted(tx, operation, &Goal{}, existing.ID, now); err != nil {
				return err
			}
			if err := s.enqueue(tx, EntityTypeGoal, existing.ID, OperationDelete); err != nil {
				s.logError(operation, reasonOutboxFailed, err, zap.String(fieldGoalID, existing.ID))
				return newServiceError(operation, reasonOutboxFailed, classifyWriteError(err))
			}
			existing.Deleted = true
			existing.UpdatedAt = now
		}
		if cascade {
			var children []ProgressRecord
			if err := tx.Where("goal_id = ? AND deleted = ?", existing.ID, false).Find(&children).Error; err != nil {
				s.logError(operation, reasonQueryFailed, err, zap.String(fieldGoalID, existing.ID))
				return newServiceError(operation, reasonQueryFailed, err)
			}
			for _, child := range children {
				if err := s.markDeleted(tx, operation, &ProgressRecord{}, child.ID, now); err != nil {
					return err
				}
				if err := s.enqueue(tx, EntityTypeDailyProgress, child.ID, OperationDelete); err != nil {
					s.logError(operation, reasonOutboxFailed, err, zap.String(fieldProgressID, child.ID))
					return newServiceError(operation, reasonOutboxFailed, classifyWriteError(err))
				}
			}
		}
		goal = existing
		return nil
	})
	if txErr != nil {
		return Goal{}, txErr
	}
	return goal, nil
}

func (s *Service) markDeleted(tx *gorm.DB, operation string, model interface{}, id, now string) error {
	err := tx.Model(model).Where("id = ?", id).Updates(map[string]interface{}{
		"deleted":    true,
		"updated_at": now,
	}).Error
	if err != nil {
		s.logError(operation, reasonUpdateFailed, err, zap.String(fieldEntityID, id))
		return newServiceError(operation, reasonUpdateFailed, err)
	}
	return nil
}

func (s *Service) loadGoal(tx *gorm.DB, operation string, goalID GoalID) (Goal, error) {
	var goal Goal
	err := tx.Where("id = ?", goalID.String()).Take(&goal).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Goal{}, newServiceError(operation, reasonUnknownGoal, fmt.Errorf("%w: unknown goal %s", ErrValidation, goalID))
	}
	if err != nil {
		s.logError(operation, reasonQueryFailed, err, zap.String(fieldGoalID, goalID.String()))
		return Goal{}, newServiceError(operation, reasonQueryFailed, err)
	}
	return goal, nil
}

func (s *Service) loadLiveGoal(tx *gorm.DB, operation string, goalID GoalID) (Goal, error) {
	goal, err := s.loadGoal(tx, operation, goalID)
	if err != nil {
		return Goal{}, err
	}
	if goal.Deleted {
		return Goal{}, newServiceError(operation, reasonGoalDeleted, fmt.Errorf("%w: goal %s is deleted", ErrValidation, goalID))
	}
	return goal, nil
}
