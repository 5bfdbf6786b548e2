package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cybotrack/internal/auth"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/database"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/metrics"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/realtime"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/syncer"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/tracker"
	"github.com/MarcoPoloResearchLab/cybotrack/internal/users"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var testSigningSecret = []byte("test-signing-secret")

const testPassword = "correct horse battery"

type testServer struct {
	url         string
	store       *tracker.Service
	credentials *users.CredentialStore
	dispatcher  *realtime.Dispatcher
	metrics     *metrics.Metrics
}

func openStore(t *testing.T, name string, observer tracker.Observer, changeLog bool) (*tracker.Service, *gorm.DB) {
	t.Helper()
	db, err := database.OpenSQLite(filepath.Join(t.TempDir(), name+".db"), zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = database.Close(db) })
	store, err := tracker.NewService(tracker.ServiceConfig{Database: db, Observer: observer, ChangeLog: changeLog})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	return store, db
}

func newTestServer(t *testing.T) testServer {
	t.Helper()
	registry := metrics.New()
	store, db := openStore(t, "server", registry, true)
	credentials, err := users.NewCredentialStore(users.CredentialConfig{Database: db, Cost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to create credential store: %v", err)
	}
	directory, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: testSigningSecret, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: testSigningSecret})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	dispatcher := realtime.NewDispatcher(8)
	hub, err := syncer.NewHub(syncer.HubConfig{Store: store, Dispatcher: dispatcher})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}

	handler, err := NewHTTPHandler(Dependencies{
		Store:             store,
		Users:             directory,
		Tokens:            issuer,
		Sessions:          validator,
		Credentials:       credentials,
		Hub:               hub,
		Dispatcher:        dispatcher,
		Metrics:           registry,
		HeartbeatInterval: 50 * time.Millisecond,
		Logger:            zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return testServer{url: server.URL, store: store, credentials: credentials, dispatcher: dispatcher, metrics: registry}
}

func (s testServer) provision(t *testing.T, email string) {
	t.Helper()
	if err := s.credentials.SetPassword(context.Background(), email, testPassword); err != nil {
		t.Fatalf("failed to provision %s: %v", email, err)
	}
}

// signIn provisions a password for email and exchanges it for a session.
func (s testServer) signIn(t *testing.T, email string) syncer.SessionResponse {
	t.Helper()
	s.provision(t, email)
	var session syncer.SessionResponse
	status := s.call(t, http.MethodPost, "/auth/session", "", syncer.SessionRequest{Email: email, Password: testPassword}, &session)
	if status != http.StatusOK {
		t.Fatalf("sign in returned %d", status)
	}
	if session.AccessToken == "" || session.User.ID == "" {
		t.Fatalf("unexpected session response %#v", session)
	}
	return session
}

func (s testServer) call(t *testing.T, method, path, token string, body interface{}, out interface{}) int {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequest(method, s.url+path, reader)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("%s %s failed: %v", method, path, err)
	}
	defer response.Body.Close()
	if out != nil {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			t.Fatalf("failed to decode %s %s response: %v", method, path, err)
		}
	}
	return response.StatusCode
}

func TestGoalAndProgressEndpoints(t *testing.T) {
	server := newTestServer(t)
	session := server.signIn(t, "Ada@Example.com")
	token := session.AccessToken
	if session.User.Email != "ada@example.com" {
		t.Fatalf("expected a normalized email, got %q", session.User.Email)
	}

	if status := server.call(t, http.MethodGet, "/goals", "", nil, nil); status != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", status)
	}

	target := int64(20)
	var goal syncer.GoalPayload
	status := server.call(t, http.MethodPost, "/goals", token, map[string]interface{}{
		"title":        "Run",
		"start_date":   "2024-01-01",
		"end_date":     "2024-01-31",
		"target_units": target,
	}, &goal)
	if status != http.StatusCreated || goal.ID == "" || goal.UserID != session.User.ID {
		t.Fatalf("unexpected create response %d %#v", status, goal)
	}

	var invalid map[string]interface{}
	status = server.call(t, http.MethodPost, "/goals", token, map[string]interface{}{
		"title":      "Backwards",
		"start_date": "2024-02-01",
		"end_date":   "2024-01-01",
	}, &invalid)
	if status != http.StatusBadRequest || invalid["code"] == nil {
		t.Fatalf("expected 400 with an error code, got %d %#v", status, invalid)
	}

	var record syncer.ProgressPayload
	if status := server.call(t, http.MethodPut, "/goals/"+goal.ID+"/progress/2024-01-05", token, map[string]interface{}{"value": 5}, &record); status != http.StatusCreated {
		t.Fatalf("expected 201 for the first entry of the day, got %d", status)
	}
	if status := server.call(t, http.MethodPut, "/goals/"+goal.ID+"/progress/2024-01-05", token, map[string]interface{}{"value": 12, "note": "long run"}, &record); status != http.StatusOK {
		t.Fatalf("expected 200 when updating the day, got %d", status)
	}
	if record.Value != 12 || record.Note != "long run" {
		t.Fatalf("unexpected progress %#v", record)
	}

	var summary summaryPayload
	if status := server.call(t, http.MethodGet, "/goals/"+goal.ID+"/summary", token, nil, &summary); status != http.StatusOK {
		t.Fatalf("summary returned %d", status)
	}
	if summary.TotalProgress != 12 || summary.CompletionPercentage != 60 {
		t.Fatalf("unexpected summary %#v", summary)
	}

	var outbox struct {
		Entries []outboxEntryPayload `json:"entries"`
	}
	if status := server.call(t, http.MethodGet, "/sync/outbox?status=pending", token, nil, &outbox); status != http.StatusOK {
		t.Fatalf("outbox returned %d", status)
	}
	if len(outbox.Entries) != 3 {
		t.Fatalf("expected goal create, progress create and progress update, got %#v", outbox.Entries)
	}

	// Another user cannot see or change the goal, nor its outbox entries.
	intruder := server.signIn(t, "mallory@example.com")
	var foreignOutbox struct {
		Entries []outboxEntryPayload `json:"entries"`
	}
	if status := server.call(t, http.MethodGet, "/sync/outbox", intruder.AccessToken, nil, &foreignOutbox); status != http.StatusOK || len(foreignOutbox.Entries) != 0 {
		t.Fatalf("expected an empty outbox for another user, got %d %#v", status, foreignOutbox.Entries)
	}
	var foreignStatus syncStatusPayload
	server.call(t, http.MethodGet, "/sync/status", intruder.AccessToken, nil, &foreignStatus)
	if foreignStatus.Pending != 0 {
		t.Fatalf("expected no pending entries for another user, got %#v", foreignStatus)
	}
	if status := server.call(t, http.MethodGet, "/goals/"+goal.ID, intruder.AccessToken, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for a foreign goal, got %d", status)
	}
	if status := server.call(t, http.MethodDelete, "/progress/"+record.ID, intruder.AccessToken, nil, nil); status != http.StatusNotFound {
		t.Fatalf("expected 404 for foreign progress, got %d", status)
	}

	var deleted syncer.GoalPayload
	if status := server.call(t, http.MethodDelete, "/goals/"+goal.ID+"?cascade=true", token, nil, &deleted); status != http.StatusOK || !deleted.Deleted {
		t.Fatalf("unexpected delete response %d %#v", status, deleted)
	}
	var listing struct {
		Goals []syncer.GoalPayload `json:"goals"`
	}
	server.call(t, http.MethodGet, "/goals", token, nil, &listing)
	if len(listing.Goals) != 0 {
		t.Fatalf("expected no active goals, got %#v", listing.Goals)
	}
	server.call(t, http.MethodGet, "/goals?include_deleted=true", token, nil, &listing)
	if len(listing.Goals) != 1 {
		t.Fatalf("expected the deleted goal in history, got %#v", listing.Goals)
	}
	var history struct {
		Progress []syncer.ProgressPayload `json:"progress"`
	}
	server.call(t, http.MethodGet, "/goals/"+goal.ID+"/progress?include_deleted=true", token, nil, &history)
	if len(history.Progress) != 1 || !history.Progress[0].Deleted {
		t.Fatalf("expected the cascaded progress row to be deleted, got %#v", history.Progress)
	}

	var syncStatus syncStatusPayload
	server.call(t, http.MethodGet, "/sync/status", token, nil, &syncStatus)
	if syncStatus.Pending != 5 {
		t.Fatalf("expected 5 pending outbox entries, got %#v", syncStatus)
	}

	response, err := http.Get(server.url + "/metrics")
	if err != nil {
		t.Fatalf("metrics request failed: %v", err)
	}
	body, _ := io.ReadAll(response.Body)
	_ = response.Body.Close()
	if !strings.Contains(string(body), "cybotrack_outbox_enqueued_total") || !strings.Contains(string(body), "cybotrack_http_requests_total") {
		t.Fatalf("expected tracker metrics in the exposition")
	}
}

func TestSessionRequiresValidCredentials(t *testing.T) {
	server := newTestServer(t)
	server.provision(t, "ada@example.com")

	testCases := []struct {
		name    string
		request syncer.SessionRequest
	}{
		{name: "missing password", request: syncer.SessionRequest{Email: "ada@example.com"}},
		{name: "wrong password", request: syncer.SessionRequest{Email: "ada@example.com", Password: "not the password"}},
		{name: "unprovisioned email", request: syncer.SessionRequest{Email: "mallory@example.com", Password: testPassword}},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			var payload map[string]interface{}
			status := server.call(t, http.MethodPost, "/auth/session", "", testCase.request, &payload)
			if status != http.StatusUnauthorized || payload["error"] != "invalid_credentials" {
				t.Fatalf("expected 401 invalid_credentials, got %d %#v", status, payload)
			}
		})
	}
	if _, err := server.store.FindUserByEmail(context.Background(), "mallory@example.com"); !errors.Is(err, tracker.ErrNotFound) {
		t.Fatalf("expected a refused sign-in not to create a user, got %v", err)
	}

	var session syncer.SessionResponse
	status := server.call(t, http.MethodPost, "/auth/session", "", syncer.SessionRequest{Email: "Ada@Example.com", Password: testPassword}, &session)
	if status != http.StatusOK || session.AccessToken == "" {
		t.Fatalf("expected the provisioned password to sign in, got %d %#v", status, session)
	}
}

func TestHubRoutesRequireCredentials(t *testing.T) {
	store, _ := openStore(t, "hub", nil, true)
	hub, err := syncer.NewHub(syncer.HubConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create hub: %v", err)
	}
	directory, err := users.NewService(users.ServiceConfig{Store: store})
	if err != nil {
		t.Fatalf("failed to create users service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: testSigningSecret, TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to create token issuer: %v", err)
	}
	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{SigningSecret: testSigningSecret})
	if err != nil {
		t.Fatalf("failed to create session validator: %v", err)
	}
	_, err = NewHTTPHandler(Dependencies{Store: store, Users: directory, Tokens: issuer, Sessions: validator, Hub: hub})
	if !errors.Is(err, errMissingCredentials) {
		t.Fatalf("expected errMissingCredentials, got %v", err)
	}
}

func TestDeviceSyncsWithHubOverHTTP(t *testing.T) {
	server := newTestServer(t)

	device, _ := openStore(t, "device", nil, false)
	user, err := device.CreateUser(context.Background(), "owner@example.com")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	goal, err := device.CreateGoal(context.Background(), tracker.GoalInput{
		UserID:    user.ID,
		Title:     "Read",
		StartDate: "2024-01-01",
		EndDate:   "2024-12-31",
	})
	if err != nil {
		t.Fatalf("failed to create goal: %v", err)
	}
	if _, err := device.RecordDailyProgress(context.Background(), tracker.GoalID(goal.ID), "2024-03-01", 30, ""); err != nil {
		t.Fatalf("failed to record progress: %v", err)
	}

	server.provision(t, "owner@example.com")
	remote, err := syncer.NewHTTPRemote(syncer.HTTPRemoteConfig{BaseURL: server.url, Password: testPassword})
	if err != nil {
		t.Fatalf("failed to create remote: %v", err)
	}
	engine, err := syncer.NewEngine(syncer.EngineConfig{Store: device, Remote: remote, Recorder: server.metrics})
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}

	report, err := engine.Sync(context.Background(), tracker.UserID(user.ID))
	if err != nil {
		t.Fatalf("sync failed: %v", err)
	}
	if report.Applied != 2 || !report.WatermarkMoved {
		t.Fatalf("unexpected report %#v", report)
	}

	// The hub adopted the device's user id at sign-in.
	hubGoal, err := server.store.GetGoal(context.Background(), tracker.GoalID(goal.ID))
	if err != nil {
		t.Fatalf("expected goal on the hub: %v", err)
	}
	if hubGoal.UserID != user.ID {
		t.Fatalf("expected hub goal owned by %s, got %s", user.ID, hubGoal.UserID)
	}
	if _, err := server.store.GetProgressForDate(context.Background(), tracker.GoalID(goal.ID), "2024-03-01"); err != nil {
		t.Fatalf("expected progress on the hub: %v", err)
	}
}

func TestEventsStreamGoalChanges(t *testing.T) {
	server := newTestServer(t)
	session := server.signIn(t, "owner@example.com")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, server.url+"/events?"+auth.AccessTokenQueryParameter+"="+session.AccessToken, http.NoBody)
	if err != nil {
		t.Fatalf("failed to build stream request: %v", err)
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("failed to open stream: %v", err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	if response.StatusCode != http.StatusOK {
		t.Fatalf("unexpected stream status: %d", response.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for server.dispatcher.SubscriberCount(session.User.ID) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("stream never subscribed")
		}
		time.Sleep(10 * time.Millisecond)
	}

	goal := syncer.GoalPayload{
		ID:        "goal-remote",
		UserID:    session.User.ID,
		Title:     "Swim",
		StartDate: "2024-01-01",
		EndDate:   "2024-01-31",
		CreatedAt: "2024-01-02T10:00:00.000Z",
		UpdatedAt: "2024-01-02T10:00:00.000Z",
	}
	var pushed syncer.PushResponse
	status := server.call(t, http.MethodPost, "/sync/push", session.AccessToken, syncer.PushRequest{Changes: []syncer.Change{{
		EntityType: tracker.EntityTypeGoal,
		EntityID:   goal.ID,
		Operation:  tracker.OperationCreate,
		Goal:       &goal,
	}}}, &pushed)
	if status != http.StatusOK || len(pushed.Results) != 1 || pushed.Results[0].Status != syncer.ChangeApplied {
		t.Fatalf("unexpected push response %d %#v", status, pushed)
	}

	type readResult struct {
		line string
		err  error
	}
	reader := bufio.NewReader(response.Body)
	lines := make(chan readResult)
	go func() {
		for {
			line, err := reader.ReadString('\n')
			select {
			case lines <- readResult{line: line, err: err}:
			case <-ctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	currentEvent := ""
	timeout := time.After(5 * time.Second)
	for {
		select {
		case <-timeout:
			t.Fatalf("timed out waiting for a goal-change event")
		case result := <-lines:
			if result.err != nil {
				t.Fatalf("failed to read stream: %v", result.err)
			}
			line := strings.TrimSpace(result.line)
			if strings.HasPrefix(line, "event:") {
				currentEvent = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
				continue
			}
			if !strings.HasPrefix(line, "data:") || currentEvent != realtime.EventGoalChange {
				continue
			}
			var payload realtime.Message
			if err := json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(line, "data:"))), &payload); err != nil {
				t.Fatalf("failed to decode event payload: %v", err)
			}
			if len(payload.GoalIDs) != 1 || payload.GoalIDs[0] != goal.ID {
				t.Fatalf("unexpected goal ids %#v", payload.GoalIDs)
			}
			return
		}
	}
}
