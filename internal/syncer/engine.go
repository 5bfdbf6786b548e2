// Package syncer replicates a device's tracker store with a hub: outbox entries are pushed,
// rows the hub accepted after the stored cursor are pulled back.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 100

	runSucceeded = "succeeded"
	runFailed    = "failed"
	runSkipped   = "skipped"
)

// ErrSyncInProgress reports an overlapping sync pass.
var ErrSyncInProgress = errors.New("syncer: sync already in progress")

// RunRecorder receives the outcome of each sync pass.
type RunRecorder interface {
	RecordSyncRun(result string)
}

type noOpRecorder struct{}

func (noOpRecorder) RecordSyncRun(string) {}

// EngineConfig describes the dependencies of a device-side sync engine.
type EngineConfig struct {
	Store          *tracker.Service
	Remote         Remote
	BatchSize      int
	PruneSucceeded bool
	Clock          func() time.Time
	Logger         *zap.Logger
	Recorder       RunRecorder
}

// Engine runs push/pull passes for one store. Passes never overlap.
type Engine struct {
	store          *tracker.Service
	remote         Remote
	batchSize      int
	pruneSucceeded bool
	clock          func() time.Time
	logger         *zap.Logger
	recorder       RunRecorder

	running sync.Mutex
}

// Report summarizes one sync pass.
type Report struct {
	Pushed          int    `json:"pushed"`
	Applied         int    `json:"applied"`
	Stale           int    `json:"stale"`
	Rejected        int    `json:"rejected"`
	Deferred        int    `json:"deferred"`
	Failed          int    `json:"failed"`
	Discarded       int    `json:"discarded"`
	PulledGoals     int    `json:"pulled_goals"`
	PulledProgress  int    `json:"pulled_progress"`
	Merged          int    `json:"merged"`
	PullFailures    int    `json:"pull_failures"`
	Watermark       string `json:"watermark,omitempty"`
	WatermarkMoved  bool   `json:"watermark_moved"`
	PrunedSucceeded int64  `json:"pruned_succeeded"`
}

// NewEngine validates the configuration and constructs an engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncer: engine store required")
	}
	if cfg.Remote == nil {
		return nil, errors.New("syncer: engine remote required")
	}
	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var recorder RunRecorder = noOpRecorder{}
	if cfg.Recorder != nil {
		recorder = cfg.Recorder
	}
	return &Engine{
		store:          cfg.Store,
		remote:         cfg.Remote,
		batchSize:      batchSize,
		pruneSucceeded: cfg.PruneSucceeded,
		clock:          clock,
		logger:         logger,
		recorder:       recorder,
	}, nil
}

// Sync runs one push/pull pass for the user. A pass already running yields ErrSyncInProgress.
func (e *Engine) Sync(ctx context.Context, userID tracker.UserID) (Report, error) {
	if !e.running.TryLock() {
		e.recorder.RecordSyncRun(runSkipped)
		return Report{}, ErrSyncInProgress
	}
	defer e.running.Unlock()

	report, err := e.sync(ctx, userID)
	if err != nil {
		e.recorder.RecordSyncRun(runFailed)
		e.logger.Warn("sync pass failed", zap.String("user_id", userID.String()), zap.Error(err))
		return report, err
	}
	e.recorder.RecordSyncRun(runSucceeded)
	e.logger.Info("sync pass completed",
		zap.String("user_id", userID.String()),
		zap.Int("pushed", report.Pushed),
		zap.Int("applied", report.Applied),
		zap.Int("rejected", report.Rejected),
		zap.Int("discarded", report.Discarded),
		zap.Int("merged", report.Merged),
		zap.String("watermark", report.Watermark))
	return report, nil
}

func (e *Engine) sync(ctx context.Context, userID tracker.UserID) (Report, error) {
	var report Report
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return report, err
	}
	if err := e.push(ctx, user, &report); err != nil {
		return report, err
	}
	if err := e.pull(ctx, user, &report); err != nil {
		return report, err
	}
	if e.pruneSucceeded {
		pruned, err := e.store.PruneSucceeded(ctx)
		if err != nil {
			return report, err
		}
		report.PrunedSucceeded = pruned
	}
	return report, nil
}

type pendingChange struct {
	entry  tracker.SyncMeta
	change Change
}

func (e *Engine) push(ctx context.Context, user tracker.User, report *Report) error {
	var batch []pendingChange
	for {
		entries, err := e.store.DeliverableSyncs(ctx, e.batchSize)
		if err != nil {
			return err
		}
		discardedBefore := report.Discarded
		for _, entry := range entries {
			change, owned, buildErr := e.buildChange(ctx, user, entry)
			if buildErr != nil {
				if !errors.Is(buildErr, tracker.ErrNotFound) {
					return buildErr
				}
				e.logger.Warn("discarding outbox entry for a missing entity",
					zap.Int64("sync_id", entry.ID),
					zap.String("entity_type", string(entry.EntityType)),
					zap.String("entity_id", entry.EntityID))
				if err := e.discard(ctx, entry, entry.Status, report); err != nil {
					return err
				}
				continue
			}
			if !owned {
				continue
			}
			batch = append(batch, pendingChange{entry: entry, change: change})
		}
		// A full batch made only of discarded entries is refilled; every round shrinks the outbox.
		if len(batch) > 0 || report.Discarded == discardedBefore || len(entries) < e.batchSize {
			break
		}
	}
	if len(batch) == 0 {
		return nil
	}

	// Goals first so the hub knows every goal a progress row references.
	sort.SliceStable(batch, func(i, j int) bool {
		return entityRank(batch[i].entry.EntityType) < entityRank(batch[j].entry.EntityType)
	})

	inFlight := batch
	for _, item := range inFlight {
		if err := e.mark(ctx, item.entry, tracker.SyncStatusInFlight); err != nil {
			return err
		}
	}

	changes := make([]Change, 0, len(inFlight))
	for _, item := range inFlight {
		changes = append(changes, item.change)
	}
	report.Pushed = len(changes)

	results, pushErr := e.remote.Push(ctx, user, changes)
	if pushErr == nil && len(results) != len(changes) {
		pushErr = fmt.Errorf("syncer: remote returned %d results for %d changes", len(results), len(changes))
	}
	if pushErr != nil {
		for _, item := range inFlight {
			if err := e.mark(context.WithoutCancel(ctx), item.entry, tracker.SyncStatusFailed); err != nil {
				e.logger.Error("failed to mark outbox entry failed", zap.Int64("sync_id", item.entry.ID), zap.Error(err))
			}
		}
		report.Failed += len(inFlight)
		return fmt.Errorf("syncer: push: %w", pushErr)
	}

	for index, result := range results {
		item := inFlight[index]
		target := tracker.SyncStatusSucceeded
		switch result.Status {
		case ChangeApplied:
			report.Applied++
		case ChangeStale:
			report.Stale++
		case ChangeDeferred:
			report.Deferred++
			target = tracker.SyncStatusFailed
		default:
			report.Rejected++
			e.logger.Warn("hub rejected change, discarding outbox entry",
				zap.Int64("sync_id", item.entry.ID),
				zap.String("entity_type", string(item.entry.EntityType)),
				zap.String("entity_id", item.entry.EntityID),
				zap.String("reason", result.Error))
			if err := e.discard(ctx, item.entry, tracker.SyncStatusInFlight, report); err != nil {
				return err
			}
			continue
		}
		if err := e.mark(ctx, item.entry, target); err != nil {
			return err
		}
	}
	return nil
}

// discard drops an entry that can never be delivered. An entry re-armed by a local write since
// it was read is kept for the next pass.
func (e *Engine) discard(ctx context.Context, entry tracker.SyncMeta, expected tracker.SyncStatus, report *Report) error {
	discarded, err := e.store.DiscardSync(ctx, entry.ID, expected)
	if err != nil {
		return err
	}
	if discarded {
		report.Discarded++
	}
	return nil
}

// buildChange loads the current state of the entry's entity. owned is false for entities of
// other users, which are left for their own pass.
func (e *Engine) buildChange(ctx context.Context, user tracker.User, entry tracker.SyncMeta) (Change, bool, error) {
	change := Change{EntityType: entry.EntityType, EntityID: entry.EntityID, Operation: entry.Operation}
	switch entry.EntityType {
	case tracker.EntityTypeGoal:
		goal, err := e.store.GetGoal(ctx, tracker.GoalID(entry.EntityID))
		if err != nil {
			return Change{}, false, err
		}
		if goal.UserID != user.ID {
			return Change{}, false, nil
		}
		payload := NewGoalPayload(goal)
		change.Goal = &payload
	case tracker.EntityTypeDailyProgress:
		record, err := e.store.GetProgress(ctx, tracker.ProgressID(entry.EntityID))
		if err != nil {
			return Change{}, false, err
		}
		goal, err := e.store.GetGoal(ctx, tracker.GoalID(record.GoalID))
		if err != nil {
			return Change{}, false, err
		}
		if goal.UserID != user.ID {
			return Change{}, false, nil
		}
		payload := NewProgressPayload(record)
		change.Progress = &payload
	default:
		return Change{}, false, fmt.Errorf("%w: unknown entity type %q", tracker.ErrNotFound, entry.EntityType)
	}
	return change, true, nil
}

// mark moves an entry to status. An entry re-armed by a local write during the pass no longer
// accepts the transition; it stays pending for the next pass.
func (e *Engine) mark(ctx context.Context, entry tracker.SyncMeta, status tracker.SyncStatus) error {
	_, err := e.store.MarkSyncAttempt(ctx, entry.ID, status, e.clock())
	if err == nil {
		return nil
	}
	if errors.Is(err, tracker.ErrValidation) {
		e.logger.Debug("outbox entry changed during sync",
			zap.Int64("sync_id", entry.ID),
			zap.String("status", string(status)),
			zap.Error(err))
		return nil
	}
	return err
}

func (e *Engine) pull(ctx context.Context, user tracker.User, report *Report) error {
	userID := tracker.UserID(user.ID)
	cursor, _, err := e.store.LastSync(ctx, userID)
	if err != nil {
		return err
	}
	for {
		response, err := e.remote.Pull(ctx, user, cursor)
		if err != nil {
			return fmt.Errorf("syncer: pull: %w", err)
		}
		if err := e.merge(ctx, response, report); err != nil {
			return err
		}

		// Rows that failed to merge are fetched again next pass.
		if report.PullFailures > 0 || response.Cursor == "" || response.Cursor == cursor {
			return nil
		}
		next, err := tracker.ParseTimestamp(response.Cursor)
		if err != nil {
			return fmt.Errorf("syncer: pull: invalid cursor %q: %w", response.Cursor, err)
		}
		settings, err := e.store.UpdateLastSync(ctx, userID, next)
		if errors.Is(err, tracker.ErrOrdering) {
			e.logger.Warn("hub cursor moved backwards, keeping watermark",
				zap.String("user_id", user.ID),
				zap.String("cursor", response.Cursor))
			return nil
		}
		if err != nil {
			return err
		}
		report.Watermark = settings.LastSyncAt
		report.WatermarkMoved = true
		if !response.HasMore {
			return nil
		}
		cursor = settings.LastSyncAt
	}
}

func (e *Engine) merge(ctx context.Context, response PullResponse, report *Report) error {
	report.PulledGoals += len(response.Goals)
	report.PulledProgress += len(response.Progress)

	for _, payload := range response.Goals {
		applied, err := e.store.ApplyRemoteGoal(ctx, payload.Goal())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.PullFailures++
			e.logger.Warn("failed to merge pulled goal", zap.String("goal_id", payload.ID), zap.Error(err))
			continue
		}
		if applied {
			report.Merged++
		}
	}
	for _, payload := range response.Progress {
		applied, err := e.store.ApplyRemoteProgress(ctx, payload.ProgressRecord())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			report.PullFailures++
			e.logger.Warn("failed to merge pulled progress", zap.String("progress_id", payload.ID), zap.Error(err))
			continue
		}
		if applied {
			report.Merged++
		}
	}
	return nil
}

// Run requeues entries left in-flight by a previous process, then syncs every interval until
// ctx is cancelled. Failed passes are retried with exponential backoff.
func (e *Engine) Run(ctx context.Context, userID tracker.UserID, interval time.Duration) error {
	if interval <= 0 {
		return errors.New("syncer: interval must be positive")
	}
	requeued, err := e.store.RequeueInFlight(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 {
		e.logger.Info("requeued interrupted outbox entries", zap.Int64("count", requeued))
	}

	retry := backoff.NewExponentialBackOff()
	retry.InitialInterval = time.Second
	retry.MaxInterval = 5 * time.Minute
	retry.MaxElapsedTime = 0

	wait := time.Duration(0)
	for {
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}

		_, err := e.Sync(ctx, userID)
		switch {
		case err == nil:
			retry.Reset()
			wait = interval
		case errors.Is(err, ErrSyncInProgress):
			wait = interval
		case ctx.Err() != nil:
			return nil
		default:
			wait = retry.NextBackOff()
		}
	}
}

func entityRank(entityType tracker.EntityType) int {
	if entityType == tracker.EntityTypeGoal {
		return 0
	}
	return 1
}
