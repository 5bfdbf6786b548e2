package syncer

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/database"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"go.uber.org/zap"
)

var (
	hubEpoch     = time.Date(2024, time.January, 5, 7, 0, 0, 0, time.UTC)
	laptopEpoch  = time.Date(2024, time.January, 5, 8, 0, 0, 0, time.UTC)
	phoneEpoch   = time.Date(2024, time.January, 5, 9, 0, 0, 0, time.UTC)
	sharedUserID = "user-1"
)

type prefixedIDs struct {
	mu     sync.Mutex
	prefix string
	next   int
}

func (p *prefixedIDs) NewID() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.next++
	return fmt.Sprintf("%s-%d", p.prefix, p.next), nil
}

type steppingClock struct {
	mu      sync.Mutex
	current time.Time
}

func (c *steppingClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.current.Add(time.Second)
	return c.current
}

type recordedRuns struct {
	mu      sync.Mutex
	results []string
}

func (r *recordedRuns) RecordSyncRun(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *recordedRuns) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.results...)
}

func newStore(t *testing.T, prefix string, start time.Time) *tracker.Service {
	t.Helper()
	return openStore(t, prefix, start, false)
}

func newHubStore(t *testing.T) *tracker.Service {
	t.Helper()
	return openStore(t, "hub", hubEpoch, true)
}

func openStore(t *testing.T, prefix string, start time.Time, changeLog bool) *tracker.Service {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), prefix+".db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })

	clock := &steppingClock{current: start}
	service, err := tracker.NewService(tracker.ServiceConfig{
		Database:   db,
		Clock:      clock.Now,
		IDProvider: &prefixedIDs{prefix: prefix},
		ChangeLog:  changeLog,
	})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	return service
}

func newTestHub(t *testing.T) (*Hub, *tracker.Service) {
	t.Helper()
	store := newHubStore(t)
	clock := &steppingClock{current: hubEpoch}
	hub, err := NewHub(HubConfig{Store: store, Clock: clock.Now})
	if err != nil {
		t.Fatalf("failed to construct hub: %v", err)
	}
	return hub, store
}

func newTestEngine(t *testing.T, store *tracker.Service, remote Remote, recorder RunRecorder) *Engine {
	t.Helper()
	engine, err := NewEngine(EngineConfig{Store: store, Remote: remote, Recorder: recorder})
	if err != nil {
		t.Fatalf("failed to construct engine: %v", err)
	}
	return engine
}

func mustLocalRemote(t *testing.T, hub *Hub) *LocalRemote {
	t.Helper()
	remote, err := NewLocalRemote(hub)
	if err != nil {
		t.Fatalf("failed to construct remote: %v", err)
	}
	return remote
}

func mustEnsureUser(t *testing.T, store *tracker.Service) tracker.User {
	t.Helper()
	user, err := store.EnsureUser(context.Background(), tracker.UserID(sharedUserID), "owner@example.com")
	if err != nil {
		t.Fatalf("failed to ensure user: %v", err)
	}
	return user
}

func mustCreateGoal(t *testing.T, store *tracker.Service, userID string) tracker.Goal {
	t.Helper()
	goal, err := store.CreateGoal(context.Background(), tracker.GoalInput{
		UserID:    userID,
		Title:     "Run",
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
	})
	if err != nil {
		t.Fatalf("failed to create goal: %v", err)
	}
	return goal
}

func mustRecord(t *testing.T, store *tracker.Service, goalID string, date string, value float64) tracker.ProgressRecord {
	t.Helper()
	outcome, err := store.RecordDailyProgress(context.Background(), tracker.GoalID(goalID), date, value, "")
	if err != nil {
		t.Fatalf("failed to record progress: %v", err)
	}
	return outcome.Record
}

func mustSync(t *testing.T, engine *Engine) Report {
	t.Helper()
	report, err := engine.Sync(context.Background(), tracker.UserID(sharedUserID))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	return report
}

func countByStatus(t *testing.T, store *tracker.Service, status tracker.SyncStatus) int {
	t.Helper()
	entries, err := store.ListSyncs(context.Background(), status)
	if err != nil {
		t.Fatalf("failed to list outbox: %v", err)
	}
	return len(entries)
}
