package tracker

import (
	"context"
	"testing"
)

func remoteGoal(id, userID, title, updatedAt string) Goal {
	return Goal{
		ID:        id,
		UserID:    userID,
		Title:     title,
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		CreatedAt: "2024-01-01T00:00:00Z",
		UpdatedAt: updatedAt,
	}
}

func TestApplyRemoteGoalLastWriteWins(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "ada@example.com")

	applied, err := store.service.ApplyRemoteGoal(context.Background(), remoteGoal("remote-1", user.ID, "Swim", "2024-01-02T10:00:00+02:00"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatalf("expected a missing goal to be inserted")
	}
	stored, err := store.service.GetGoal(context.Background(), mustGoalID(t, "remote-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.UpdatedAt != "2024-01-02T08:00:00.000Z" {
		t.Fatalf("expected canonical updated_at, got %s", stored.UpdatedAt)
	}

	applied, err = store.service.ApplyRemoteGoal(context.Background(), remoteGoal("remote-1", user.ID, "Older", "2024-01-02T07:00:00Z"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatalf("expected an older write to be ignored")
	}

	newer := remoteGoal("remote-1", user.ID, "Swim more", "2024-01-03T07:00:00.123456Z")
	newer.Deleted = true
	applied, err = store.service.ApplyRemoteGoal(context.Background(), newer)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatalf("expected a newer write to win")
	}
	stored, err = store.service.GetGoal(context.Background(), mustGoalID(t, "remote-1"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.Title != "Swim more" || !stored.Deleted || stored.UpdatedAt != "2024-01-03T07:00:00.123Z" {
		t.Fatalf("unexpected merged goal: %#v", stored)
	}

	if count := countRows(t, store.db, &SyncMeta{}, ""); count != 0 {
		t.Fatalf("expected remote writes to bypass the outbox, found %d entries", count)
	}
}

func TestApplyRemoteGoalRejectsForeignOwner(t *testing.T) {
	store := newTestStore(t)
	owner := mustCreateUser(t, store, "ada@example.com")
	other := mustCreateUser(t, store, "grace@example.com")
	goal := mustCreateGoal(t, store, owner.ID, "Run")

	_, err := store.service.ApplyRemoteGoal(context.Background(), remoteGoal(goal.ID, other.ID, "Hijack", "2030-01-01T00:00:00Z"))
	expectErrorIs(t, err, ErrValidation)
	expectErrorCode(t, err, "tracker.apply_remote_goal.owner_mismatch")

	_, err = store.service.ApplyRemoteGoal(context.Background(), remoteGoal("remote-2", "ghost", "Orphan", "2030-01-01T00:00:00Z"))
	expectErrorIs(t, err, ErrValidation)

	_, err = store.service.ApplyRemoteGoal(context.Background(), remoteGoal("remote-3", owner.ID, "Bad time", "yesterday"))
	expectErrorIs(t, err, ErrValidation)
}

func TestApplyRemoteProgressAdoptsWinningIdentity(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "ada@example.com")
	goal := mustCreateGoal(t, store, user.ID, "Run")
	goalID := mustGoalID(t, goal.ID)

	local, err := store.service.RecordDailyProgress(context.Background(), goalID, "2024-01-05", 3, "local")
	if err != nil {
		t.Fatalf("failed to record progress: %v", err)
	}

	incoming := ProgressRecord{
		ID:        "remote-progress",
		GoalID:    goal.ID,
		Date:      "2024-01-05",
		Value:     8,
		Note:      "remote",
		CreatedAt: "2024-01-05T07:00:00Z",
		UpdatedAt: "2030-01-05T07:00:00Z",
	}
	applied, err := store.service.ApplyRemoteProgress(context.Background(), incoming)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !applied {
		t.Fatalf("expected the newer remote row to win")
	}

	if count := countRows(t, store.db, &ProgressRecord{}, "goal_id = ?", goal.ID); count != 1 {
		t.Fatalf("expected one row for the day, got %d", count)
	}
	stored, err := store.service.GetProgressForDate(context.Background(), goalID, "2024-01-05")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ID != "remote-progress" || stored.Value != 8 {
		t.Fatalf("expected remote identity and value, got %#v", stored)
	}
	if count := countRows(t, store.db, &SyncMeta{}, "entity_id = ?", local.Record.ID); count != 0 {
		t.Fatalf("expected superseded outbox entries to be dropped, found %d", count)
	}

	stale := incoming
	stale.Value = 1
	stale.UpdatedAt = "2029-01-01T00:00:00Z"
	applied, err = store.service.ApplyRemoteProgress(context.Background(), stale)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatalf("expected an older remote row to be ignored")
	}
}

func TestApplyRemoteProgressKeepsNewerLocalRow(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "ada@example.com")
	goal := mustCreateGoal(t, store, user.ID, "Run")
	goalID := mustGoalID(t, goal.ID)

	local, err := store.service.RecordDailyProgress(context.Background(), goalID, "2024-01-05", 3, "local")
	if err != nil {
		t.Fatalf("failed to record progress: %v", err)
	}

	applied, err := store.service.ApplyRemoteProgress(context.Background(), ProgressRecord{
		ID:        "remote-progress",
		GoalID:    goal.ID,
		Date:      "2024-01-05",
		Value:     8,
		CreatedAt: "2023-12-31T00:00:00Z",
		UpdatedAt: "2023-12-31T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if applied {
		t.Fatalf("expected the newer local row to be kept")
	}
	stored, err := store.service.GetProgressForDate(context.Background(), goalID, "2024-01-05")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stored.ID != local.Record.ID || stored.Value != 3 {
		t.Fatalf("unexpected row after stale merge: %#v", stored)
	}

	_, err = store.service.ApplyRemoteProgress(context.Background(), ProgressRecord{
		ID:        "orphan",
		GoalID:    "missing-goal",
		Date:      "2024-01-05",
		CreatedAt: "2024-01-05T00:00:00Z",
		UpdatedAt: "2024-01-05T00:00:00Z",
	})
	expectErrorIs(t, err, ErrValidation)
}

func TestApplyRemoteProgressOntoOccupiedDateViolatesConstraint(t *testing.T) {
	store := newTestStore(t)
	user := mustCreateUser(t, store, "ada@example.com")
	goal := mustCreateGoal(t, store, user.ID, "Run")
	goalID := mustGoalID(t, goal.ID)

	moving, err := store.service.RecordDailyProgress(context.Background(), goalID, "2024-01-05", 3, "")
	if err != nil {
		t.Fatalf("failed to record progress: %v", err)
	}
	occupant, err := store.service.RecordDailyProgress(context.Background(), goalID, "2024-01-06", 4, "")
	if err != nil {
		t.Fatalf("failed to record progress: %v", err)
	}

	moved := moving.Record
	moved.Date = "2024-01-06"
	moved.UpdatedAt = "2030-01-01T00:00:00Z"
	_, err = store.service.ApplyRemoteProgress(context.Background(), moved)
	expectErrorIs(t, err, ErrConstraint)
	expectErrorCode(t, err, "tracker.apply_remote_progress.update_failed")

	for date, want := range map[string]ProgressRecord{"2024-01-05": moving.Record, "2024-01-06": occupant.Record} {
		stored, err := store.service.GetProgressForDate(context.Background(), goalID, date)
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", date, err)
		}
		if stored.ID != want.ID || stored.Value != want.Value {
			t.Fatalf("%s: expected the failed move to roll back, got %#v", date, stored)
		}
	}
}
