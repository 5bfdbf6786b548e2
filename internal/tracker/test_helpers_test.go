package tracker

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/database"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type sequentialIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *sequentialIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

// steppingClock advances one second per reading so consecutive writes get distinct timestamps.
type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func newSteppingClock(start time.Time) *steppingClock {
	return &steppingClock{current: start.Add(-time.Second)}
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type recordingObserver struct {
	mu          sync.Mutex
	enqueued    map[string]int
	transitions map[SyncStatus]int
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{enqueued: map[string]int{}, transitions: map[SyncStatus]int{}}
}

func (o *recordingObserver) OutboxEnqueued(entityType EntityType, operation Operation) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.enqueued[string(entityType)+"/"+string(operation)]++
}

func (o *recordingObserver) SyncStatusChanged(status SyncStatus) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[status]++
}

type testStore struct {
	service  *Service
	db       *gorm.DB
	clock    *steppingClock
	observer *recordingObserver
}

var testEpoch = time.Date(2024, time.January, 5, 8, 0, 0, 0, time.UTC)

func newTestStore(t *testing.T) testStore {
	t.Helper()
	return newTestStoreWithLogger(t, zap.NewNop())
}

func newTestStoreWithLogger(t *testing.T, logger *zap.Logger) testStore {
	t.Helper()
	return openTestStore(t, logger, false)
}

// newChangeLogStore returns a store configured the way a hub runs it.
func newChangeLogStore(t *testing.T) testStore {
	t.Helper()
	return openTestStore(t, zap.NewNop(), true)
}

func openTestStore(t *testing.T, logger *zap.Logger, changeLog bool) testStore {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), "tracker.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	clock := newSteppingClock(testEpoch)
	observer := newRecordingObserver()
	service, err := NewService(ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &sequentialIDs{prefix: "id"},
		Logger:     logger,
		Observer:   observer,
		ChangeLog:  changeLog,
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return testStore{service: service, db: db, clock: clock, observer: observer}
}

func mustUserID(t *testing.T, value string) UserID {
	t.Helper()
	id, err := NewUserID(value)
	if err != nil {
		t.Fatalf("unexpected user id error: %v", err)
	}
	return id
}

func mustGoalID(t *testing.T, value string) GoalID {
	t.Helper()
	id, err := NewGoalID(value)
	if err != nil {
		t.Fatalf("unexpected goal id error: %v", err)
	}
	return id
}

func mustProgressID(t *testing.T, value string) ProgressID {
	t.Helper()
	id, err := NewProgressID(value)
	if err != nil {
		t.Fatalf("unexpected progress id error: %v", err)
	}
	return id
}

func mustCreateUser(t *testing.T, store testStore, email string) User {
	t.Helper()
	user, err := store.service.CreateUser(context.Background(), email)
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	return user
}

func mustCreateGoal(t *testing.T, store testStore, userID string, title string) Goal {
	t.Helper()
	goal, err := store.service.CreateGoal(context.Background(), GoalInput{
		UserID:    userID,
		Title:     title,
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
	})
	if err != nil {
		t.Fatalf("failed to create goal: %v", err)
	}
	return goal
}

func countRows(t *testing.T, db *gorm.DB, model interface{}, query string, args ...interface{}) int64 {
	t.Helper()
	var count int64
	statement := db.Model(model)
	if query != "" {
		statement = statement.Where(query, args...)
	}
	if err := statement.Count(&count).Error; err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

func outboxEntries(t *testing.T, store testStore) []SyncMeta {
	t.Helper()
	entries, err := store.service.ListSyncs(context.Background(), "")
	if err != nil {
		t.Fatalf("failed to list outbox: %v", err)
	}
	return entries
}

func expectErrorIs(t *testing.T, err error, target error) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %v, got nil", target)
	}
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}

func expectErrorCode(t *testing.T, err error, code string) {
	t.Helper()
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected service error, got %T: %v", err, err)
	}
	if serviceErr.Code() != code {
		t.Fatalf("expected code %q, got %q", code, serviceErr.Code())
	}
}
