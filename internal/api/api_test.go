/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	ws "nhooyr.io/websocket"

	"github.com/friendsincode/chargequeue/internal/events"
	"github.com/friendsincode/chargequeue/internal/models"
	"github.com/friendsincode/chargequeue/internal/queue"
	"github.com/friendsincode/chargequeue/internal/store"
	"github.com/friendsincode/chargequeue/internal/timer"
)

const testAdminToken = "s3cret"

type apiFixture struct {
	router http.Handler
	svc    *queue.Service
	bus    *events.Bus
	clock  *timer.ManualClock
	users  *store.GormUserDirectory
}

func newAPIFixture(t *testing.T, opts Options) *apiFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&models.User{}, &models.Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	entries := store.NewGormEntryStore(db)
	users := store.NewGormUserDirectory(db)
	bus := events.NewBus(0, zerolog.Nop())
	t.Cleanup(bus.Close)
	clock := timer.NewManualClock(time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC))
	engine := timer.New(entries, bus, nil, clock, timer.NewRegistry(), timer.DefaultConfig(), zerolog.Nop())
	svc := queue.NewService(queue.Deps{
		Store:  entries,
		Users:  users,
		Timers: engine,
		Bus:    bus,
	}, queue.Config{StationCount: 2, StationNames: []string{"Charger A", "Charger B"}}, zerolog.Nop())
	engine.SetCompleter(svc)
	bus.SetSnapshot(svc.Snapshot)

	r := chi.NewRouter()
	New(svc, users, bus, opts, zerolog.Nop()).Routes(r)
	return &apiFixture{router: r, svc: svc, bus: bus, clock: clock, users: users}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func (f *apiFixture) createUser(t *testing.T, name string) uint {
	t.Helper()
	rec := f.do(t, http.MethodPost, "/api/v1/users", map[string]string{"name": name, "email": name + "@example.com"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("create user: %d %s", rec.Code, rec.Body)
	}
	var u models.User
	decode(t, rec, &u)
	return u.ID
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body map[string]string
	decode(t, rec, &body)
	if body["message"] == "" {
		t.Errorf("error body without message: %v", body)
	}
	return body["error"]
}

func TestQueueLifecycle(t *testing.T) {
	f := newAPIFixture(t, Options{})
	ada := f.createUser(t, "ada")
	bob := f.createUser(t, "bob")

	rec := f.do(t, http.MethodPost, "/api/v1/queue", map[string]any{"userId": ada})
	if rec.Code != http.StatusCreated {
		t.Fatalf("join: %d %s", rec.Code, rec.Body)
	}
	var entry models.Entry
	decode(t, rec, &entry)
	if entry.Position != 1 || entry.StationID != 1 {
		t.Fatalf("expected position 1 reserved on station 1, got %+v", entry)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/queue", map[string]any{"userId": bob}); rec.Code != http.StatusCreated {
		t.Fatalf("join bob: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"userId": ada, "stationId": 1, "durationMinutes": 30})
	if rec.Code != http.StatusCreated {
		t.Fatalf("start: %d %s", rec.Code, rec.Body)
	}
	decode(t, rec, &entry)
	if entry.Status != models.StatusCharging {
		t.Fatalf("expected charging, got %s", entry.Status)
	}

	f.clock.Advance(10 * time.Minute)
	rec = f.do(t, http.MethodGet, fmt.Sprintf("/api/v1/sessions/%d/remaining", entry.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("remaining: %d %s", rec.Code, rec.Body)
	}
	var remaining struct {
		RemainingSeconds int64 `json:"remainingSeconds"`
	}
	decode(t, rec, &remaining)
	if remaining.RemainingSeconds != 20*60 {
		t.Fatalf("remaining = %d, want 1200", remaining.RemainingSeconds)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/queue", nil)
	var list struct {
		Queue []queue.QueueView `json:"queue"`
	}
	decode(t, rec, &list)
	if len(list.Queue) != 2 || list.Queue[0].UserID != ada || list.Queue[0].StationName != "Charger A" {
		t.Fatalf("unexpected queue view: %+v", list.Queue)
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/sessions/%d/complete", entry.ID), nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("complete: %d %s", rec.Code, rec.Body)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/stats", nil)
	var stats queue.Stats
	decode(t, rec, &stats)
	if stats.Charging != 0 || stats.Waiting != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if rec := f.do(t, http.MethodDelete, fmt.Sprintf("/api/v1/queue/%d", bob), nil); rec.Code != http.StatusNoContent {
		t.Fatalf("leave: %d %s", rec.Code, rec.Body)
	}
}

func TestErrorMapping(t *testing.T) {
	f := newAPIFixture(t, Options{})
	ada := f.createUser(t, "ada")
	if rec := f.do(t, http.MethodPost, "/api/v1/queue", map[string]any{"userId": ada}); rec.Code != http.StatusCreated {
		t.Fatalf("join: %d", rec.Code)
	}

	tests := []struct {
		name   string
		method string
		path   string
		body   any
		status int
		code   string
	}{
		{"unknown user", http.MethodPost, "/api/v1/queue", map[string]any{"userId": 999}, http.StatusNotFound, "user_not_found"},
		{"missing user", http.MethodPost, "/api/v1/queue", map[string]any{}, http.StatusBadRequest, "missing_user"},
		{"already queued", http.MethodPost, "/api/v1/queue", map[string]any{"userId": ada}, http.StatusConflict, "already_active"},
		{"bad station", http.MethodPost, "/api/v1/queue", map[string]any{"userId": ada, "stationId": 7}, http.StatusBadRequest, "invalid_station"},
		{"unknown field", http.MethodPost, "/api/v1/queue", map[string]any{"user": ada}, http.StatusBadRequest, "invalid_json"},
		{"zero duration", http.MethodPost, "/api/v1/sessions", map[string]any{"userId": ada, "stationId": 1}, http.StatusBadRequest, "invalid_duration"},
		{"no session", http.MethodPost, "/api/v1/sessions/complete", map[string]any{"userId": ada}, http.StatusNotFound, "no_active_session"},
		{"already last", http.MethodPost, fmt.Sprintf("/api/v1/queue/%d/move-back", ada), nil, http.StatusConflict, "already_last"},
		{"bad user id", http.MethodDelete, "/api/v1/queue/abc", nil, http.StatusBadRequest, "invalid_user"},
		{"missing entry", http.MethodGet, "/api/v1/sessions/404/remaining", nil, http.StatusNotFound, "entry_not_found"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, tt.method, tt.path, tt.body)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.status, rec.Body)
			}
			if got := errorCode(t, rec); got != tt.code {
				t.Fatalf("code = %q, want %q", got, tt.code)
			}
		})
	}
}

func TestUsersCreateIsIdempotentByEmail(t *testing.T) {
	f := newAPIFixture(t, Options{})
	id := f.createUser(t, "ada")

	rec := f.do(t, http.MethodPost, "/api/v1/users", map[string]string{"name": "Ada L", "email": "ADA@example.com"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected existing user, got %d %s", rec.Code, rec.Body)
	}
	var u models.User
	decode(t, rec, &u)
	if u.ID != id {
		t.Fatalf("id = %d, want %d", u.ID, id)
	}

	if rec := f.do(t, http.MethodPost, "/api/v1/users", map[string]string{"name": "x"}); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without email, got %d", rec.Code)
	}
}

func TestStationsEndpoints(t *testing.T) {
	f := newAPIFixture(t, Options{})
	ada := f.createUser(t, "ada")
	f.do(t, http.MethodPost, "/api/v1/queue", map[string]any{"userId": ada})
	f.do(t, http.MethodPost, "/api/v1/sessions", map[string]any{"userId": ada, "stationId": 1, "durationMinutes": 15})

	rec := f.do(t, http.MethodGet, "/api/v1/stations/best", nil)
	var best struct {
		StationID int    `json:"stationId"`
		Name      string `json:"name"`
	}
	decode(t, rec, &best)
	if best.StationID != 2 || best.Name != "Charger B" {
		t.Fatalf("unexpected best station: %+v", best)
	}

	rec = f.do(t, http.MethodGet, "/api/v1/stations", nil)
	var ranks struct {
		Stations []map[string]any `json:"stations"`
	}
	decode(t, rec, &ranks)
	if len(ranks.Stations) != 2 || ranks.Stations[1]["occupied"] != true {
		t.Fatalf("unexpected ranking: %+v", ranks.Stations)
	}
}

func TestAdminAuth(t *testing.T) {
	disabled := newAPIFixture(t, Options{})
	if rec := disabled.do(t, http.MethodPost, "/api/v1/admin/renumber", nil); rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 with admin disabled, got %d", rec.Code)
	}

	f := newAPIFixture(t, Options{AdminToken: testAdminToken})
	if rec := f.do(t, http.MethodPost, "/api/v1/admin/renumber", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/admin/renumber", nil, "Authorization", "Bearer wrong"); rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/admin/renumber", nil, "Authorization", "Bearer "+testAdminToken); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with bearer token, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/admin/renumber", nil, "X-Admin-Token", testAdminToken); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with header token, got %d", rec.Code)
	}
}

func TestAdminOperations(t *testing.T) {
	f := newAPIFixture(t, Options{AdminToken: testAdminToken})
	auth := []string{"X-Admin-Token", testAdminToken}

	rec := f.do(t, http.MethodPost, "/api/v1/admin/sessions", map[string]any{"stationId": 2, "durationMinutes": 20, "name": "Walk-up"}, auth...)
	if rec.Code != http.StatusCreated {
		t.Fatalf("admin start: %d %s", rec.Code, rec.Body)
	}
	var entry models.Entry
	decode(t, rec, &entry)
	if entry.StationID != 2 || entry.Status != models.StatusCharging || entry.AllowOvertime {
		t.Fatalf("unexpected walk-up session: %+v", entry)
	}

	rec = f.do(t, http.MethodPost, "/api/v1/admin/sessions", map[string]any{"stationId": 2, "durationMinutes": 20}, auth...)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected conflict on occupied station, got %d", rec.Code)
	}

	rec = f.do(t, http.MethodPost, fmt.Sprintf("/api/v1/admin/entries/%d/force-complete", entry.ID), nil, auth...)
	if rec.Code != http.StatusOK {
		t.Fatalf("force complete: %d %s", rec.Code, rec.Body)
	}

	ada := f.createUser(t, "ada")
	f.do(t, http.MethodPost, "/api/v1/queue", map[string]any{"userId": ada})

	rec = f.do(t, http.MethodPost, "/api/v1/admin/clear", nil, auth...)
	var cleared struct {
		Removed int64 `json:"removed"`
	}
	decode(t, rec, &cleared)
	if cleared.Removed != 1 {
		t.Fatalf("removed = %d, want 1", cleared.Removed)
	}

	if rec := f.do(t, http.MethodDelete, "/api/v1/admin/entries/77", nil, auth...); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 removing a missing entry, got %d", rec.Code)
	}
	if rec := f.do(t, http.MethodPost, "/api/v1/admin/assign", nil, auth...); rec.Code != http.StatusOK {
		t.Fatalf("assign: %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t, Options{Ping: func(context.Context) error { return nil }})
	if rec := f.do(t, http.MethodGet, "/api/v1/health", nil); rec.Code != http.StatusOK {
		t.Fatalf("health: %d", rec.Code)
	}

	down := newAPIFixture(t, Options{Ping: func(context.Context) error { return errors.New("db down") }})
	rec := down.do(t, http.MethodGet, "/api/v1/health", nil)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body map[string]any
	decode(t, rec, &body)
	if body["status"] != "degraded" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func readSSE(t *testing.T, r *bufio.Reader) map[string]any {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read sse: %v", err)
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("decode sse frame %q: %v", line, err)
		}
		return ev
	}
}

func TestEventsSSE(t *testing.T) {
	f := newAPIFixture(t, Options{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	if ev := readSSE(t, r); ev["type"] != string(events.EventConnected) {
		t.Fatalf("first event = %v", ev["type"])
	}
	if ev := readSSE(t, r); ev["type"] != string(events.EventInitialState) {
		t.Fatalf("second event = %v", ev["type"])
	}

	u, err := f.users.Create(context.Background(), "ada", "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AddToQueue(context.Background(), u.ID, 0); err != nil {
		t.Fatal(err)
	}
	ev := readSSE(t, r)
	if ev["type"] != string(events.EventQueueUpdate) {
		t.Fatalf("expected queue_update, got %v", ev["type"])
	}
	if q, ok := ev["queue"].([]any); !ok || len(q) != 1 {
		t.Fatalf("unexpected queue payload: %v", ev["queue"])
	}
}

func TestEventsNDJSON(t *testing.T) {
	f := newAPIFixture(t, Options{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/v1/events/ndjson", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "application/x-ndjson" {
		t.Fatalf("content type = %q", ct)
	}

	r := bufio.NewReader(resp.Body)
	readLine := func() map[string]any {
		t.Helper()
		line, err := r.ReadString('\n')
		if err != nil {
			t.Fatalf("read line: %v", err)
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			t.Fatalf("decode line %q: %v", line, err)
		}
		return ev
	}

	if ev := readLine(); ev["type"] != string(events.EventConnected) {
		t.Fatalf("first event = %v", ev["type"])
	}
	if ev := readLine(); ev["type"] != string(events.EventInitialState) {
		t.Fatalf("second event = %v", ev["type"])
	}

	u, err := f.users.Create(context.Background(), "ada", "ada@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.AddToQueue(context.Background(), u.ID, 0); err != nil {
		t.Fatal(err)
	}
	if ev := readLine(); ev["type"] != string(events.EventQueueUpdate) {
		t.Fatalf("expected queue_update, got %v", ev["type"])
	}
}

func TestEventsWebSocket(t *testing.T) {
	f := newAPIFixture(t, Options{})
	srv := httptest.NewServer(f.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/v1/events/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(ws.StatusNormalClosure, "")

	want := []events.EventType{events.EventConnected, events.EventInitialState}
	for _, typ := range want {
		_, data, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev events.Event
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if ev.Type != typ {
			t.Fatalf("event = %s, want %s", ev.Type, typ)
		}
	}

	f.bus.Publish(events.EventHeartbeat, nil)
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(data), `"heartbeat"`) {
		t.Fatalf("expected heartbeat, got %s", data)
	}
}
