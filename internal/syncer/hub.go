package syncer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/realtime"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"go.uber.org/zap"
)

const defaultPageSize = 500

// HubConfig describes the dependencies of the server side of the sync protocol. Store must
// keep a change log.
type HubConfig struct {
	Store      *tracker.Service
	Dispatcher *realtime.Dispatcher
	PageSize   int
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Hub applies pushed changes to its own store and serves pulls.
type Hub struct {
	store      *tracker.Service
	dispatcher *realtime.Dispatcher
	pageSize   int
	clock      func() time.Time
	logger     *zap.Logger
}

// NewHub validates the configuration and constructs a hub.
func NewHub(cfg HubConfig) (*Hub, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncer: hub store required")
	}
	if !cfg.Store.KeepsChangeLog() {
		return nil, errors.New("syncer: hub store must keep a change log")
	}
	pageSize := cfg.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		pageSize:   pageSize,
		clock:      clock,
		logger:     logger,
	}, nil
}

// ApplyPush merges the caller's changes with last-write-wins and returns one result per change.
// Changes for entities the caller does not own are rejected.
func (h *Hub) ApplyPush(ctx context.Context, user tracker.User, changes []Change) ([]ChangeResult, error) {
	userID, err := tracker.NewUserID(user.ID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", tracker.ErrValidation, err)
	}
	if _, err := h.store.EnsureUser(ctx, userID, user.Email); err != nil {
		return nil, err
	}

	results := make([]ChangeResult, 0, len(changes))
	var goalIDs, progressIDs []string
	for _, change := range changes {
		status, applyErr := h.applyChange(ctx, userID, change)
		result := ChangeResult{
			EntityType: change.EntityType,
			EntityID:   change.EntityID,
			Operation:  change.Operation,
			Status:     status,
		}
		if applyErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if status != ChangeDeferred {
				result.Status = ChangeRejected
			}
			result.Error = applyErr.Error()
			h.logger.Warn("sync change not applied",
				zap.String("status", string(result.Status)),
				zap.String("user_id", userID.String()),
				zap.String("entity_type", string(change.EntityType)),
				zap.String("entity_id", change.EntityID),
				zap.Error(applyErr))
		}
		if result.Status == ChangeApplied {
			switch change.EntityType {
			case tracker.EntityTypeGoal:
				goalIDs = append(goalIDs, change.EntityID)
			case tracker.EntityTypeDailyProgress:
				progressIDs = append(progressIDs, change.EntityID)
			}
		}
		results = append(results, result)
	}

	if h.dispatcher != nil && (len(goalIDs) > 0 || len(progressIDs) > 0) {
		h.dispatcher.Publish(realtime.Message{
			UserID:      userID.String(),
			Event:       realtime.EventGoalChange,
			GoalIDs:     goalIDs,
			ProgressIDs: progressIDs,
			Timestamp:   h.clock().UTC(),
		})
	}
	return results, nil
}

func (h *Hub) applyChange(ctx context.Context, userID tracker.UserID, change Change) (ChangeStatus, error) {
	var (
		applied bool
		err     error
	)
	switch change.EntityType {
	case tracker.EntityTypeGoal:
		if change.Goal == nil || change.Goal.ID != change.EntityID {
			return ChangeRejected, fmt.Errorf("%w: goal payload missing or mismatched", tracker.ErrValidation)
		}
		if change.Goal.UserID != userID.String() {
			return ChangeRejected, fmt.Errorf("%w: goal %s is not owned by the caller", tracker.ErrValidation, change.EntityID)
		}
		applied, err = h.store.ApplyRemoteGoal(ctx, change.Goal.Goal())
	case tracker.EntityTypeDailyProgress:
		if change.Progress == nil || change.Progress.ID != change.EntityID {
			return ChangeRejected, fmt.Errorf("%w: progress payload missing or mismatched", tracker.ErrValidation)
		}
		goalID, idErr := tracker.NewGoalID(change.Progress.GoalID)
		if idErr != nil {
			return ChangeRejected, fmt.Errorf("%w: %v", tracker.ErrValidation, idErr)
		}
		goal, lookupErr := h.store.GetGoal(ctx, goalID)
		if errors.Is(lookupErr, tracker.ErrNotFound) {
			return ChangeDeferred, lookupErr
		}
		if lookupErr != nil {
			return ChangeRejected, lookupErr
		}
		if goal.UserID != userID.String() {
			return ChangeRejected, fmt.Errorf("%w: goal %s is not owned by the caller", tracker.ErrValidation, goal.ID)
		}
		applied, err = h.store.ApplyRemoteProgress(ctx, change.Progress.ProgressRecord())
	default:
		return ChangeRejected, fmt.Errorf("%w: unknown entity type %q", tracker.ErrValidation, change.EntityType)
	}
	if err != nil {
		return ChangeRejected, err
	}
	if applied {
		return ChangeApplied, nil
	}
	return ChangeStale, nil
}

// Changes returns one page of the caller's rows accepted after the cursor, ordered by the hub's
// own receipt stamps. A device whose clock lags the hub still sees every change it has not
// pulled, because the cursor never depends on the writer's updated_at.
func (h *Hub) Changes(ctx context.Context, user tracker.User, cursor string) (PullResponse, error) {
	userID, err := tracker.NewUserID(user.ID)
	if err != nil {
		return PullResponse{}, fmt.Errorf("%w: %v", tracker.ErrValidation, err)
	}
	page, err := h.store.ChangeFeed(ctx, userID, cursor, h.pageSize)
	if err != nil {
		return PullResponse{}, err
	}
	response := PullResponse{
		Cursor:   page.Cursor,
		HasMore:  page.HasMore,
		Goals:    make([]GoalPayload, 0, len(page.Goals)),
		Progress: make([]ProgressPayload, 0, len(page.Progress)),
	}
	for _, goal := range page.Goals {
		response.Goals = append(response.Goals, NewGoalPayload(goal))
	}
	for _, record := range page.Progress {
		response.Progress = append(response.Progress, NewProgressPayload(record))
	}
	return response, nil
}
