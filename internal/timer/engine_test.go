/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package timer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/friendsincode/chargequeue/internal/events"
	"github.com/friendsincode/chargequeue/internal/models"
	"github.com/friendsincode/chargequeue/internal/store"
)

var t0 = time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)

type published struct {
	typ     events.EventType
	payload events.Payload
}

type fakeBus struct {
	mu     sync.Mutex
	events []published
}

func (b *fakeBus) Publish(t events.EventType, p events.Payload) {
	b.mu.Lock()
	b.events = append(b.events, published{t, p})
	b.mu.Unlock()
}

func (b *fakeBus) count(t events.EventType) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, e := range b.events {
		if e.typ == t {
			n++
		}
	}
	return n
}

func (b *fakeBus) last(t events.EventType) events.Payload {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := len(b.events) - 1; i >= 0; i-- {
		if b.events[i].typ == t {
			return b.events[i].payload
		}
	}
	return nil
}

type fakeNotifier struct {
	mu             sync.Mutex
	almostComplete []uint
	expired        []uint
}

func (n *fakeNotifier) AlmostComplete(_ context.Context, e models.Entry, _ int) {
	n.mu.Lock()
	n.almostComplete = append(n.almostComplete, e.ID)
	n.mu.Unlock()
}

func (n *fakeNotifier) Expired(_ context.Context, e models.Entry, _ int) {
	n.mu.Lock()
	n.expired = append(n.expired, e.ID)
	n.mu.Unlock()
}

type deletingCompleter struct {
	st    store.EntryStore
	calls []uint
}

func (c *deletingCompleter) CompleteCharging(ctx context.Context, id uint) error {
	c.calls = append(c.calls, id)
	return c.st.Delete(ctx, id)
}

type engineFixture struct {
	engine    *Engine
	store     *store.GormEntryStore
	clock     *ManualClock
	bus       *fakeBus
	notifier  *fakeNotifier
	completer *deletingCompleter
}

func newEngineFixture(t *testing.T) *engineFixture {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&models.Entry{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	f := &engineFixture{
		store:    store.NewGormEntryStore(db),
		clock:    NewManualClock(t0),
		bus:      &fakeBus{},
		notifier: &fakeNotifier{},
	}
	f.completer = &deletingCompleter{st: f.store}
	f.engine = New(f.store, f.bus, f.notifier, f.clock, NewRegistry(), DefaultConfig(), zerolog.Nop())
	f.engine.SetCompleter(f.completer)
	return f
}

func (f *engineFixture) charging(t *testing.T, userID uint, started time.Time, minutes int, allowOvertime bool) models.Entry {
	t.Helper()
	end := started.Add(time.Duration(minutes) * time.Minute)
	e := models.Entry{
		UserID:            userID,
		StationID:         int(userID),
		Status:            models.StatusCharging,
		DurationMinutes:   minutes,
		ChargingStartedAt: &started,
		EstimatedEndTime:  &end,
		AllowOvertime:     allowOvertime,
	}
	if err := f.store.Create(context.Background(), &e); err != nil {
		t.Fatalf("create entry: %v", err)
	}
	return e
}

func (f *engineFixture) status(t *testing.T, id uint) models.EntryStatus {
	t.Helper()
	e, err := f.store.FindOne(context.Background(), store.Filter{ID: id})
	if err != nil {
		t.Fatalf("find entry %d: %v", id, err)
	}
	return e.Status
}

func TestSessionTimerWarnsThenGoesOvertime(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	entry := f.charging(t, 1, t0, 5, true)
	f.engine.StartTimer(ctx, entry)

	f.clock.Advance(3 * time.Minute)
	if got := f.bus.count(events.EventAlmostComplete); got != 1 {
		t.Fatalf("expected 1 almost_complete at t=3m, got %d", got)
	}
	if p := f.bus.last(events.EventAlmostComplete); p["minutesRemaining"] != 2 {
		t.Fatalf("expected minutesRemaining=2, got %v", p["minutesRemaining"])
	}
	if f.status(t, entry.ID) != models.StatusCharging {
		t.Fatalf("entry should still be charging at t=3m")
	}

	f.clock.Advance(2 * time.Minute)
	if f.status(t, entry.ID) != models.StatusOvertime {
		t.Fatalf("entry should be overtime at t=5m")
	}
	if got := f.bus.count(events.EventOvertime); got != 1 {
		t.Fatalf("expected 1 overtime event, got %d", got)
	}
	if len(f.notifier.almostComplete) != 1 || len(f.notifier.expired) != 1 {
		t.Fatalf("expected one warning and one expiry notification, got %v / %v", f.notifier.almostComplete, f.notifier.expired)
	}

	f.clock.Advance(time.Minute)
	remaining, err := f.engine.RemainingSeconds(ctx, entry.ID)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if remaining != -60 {
		t.Fatalf("expected -60 at t=6m, got %d", remaining)
	}
	if f.engine.Active() != 0 {
		t.Fatalf("expected no armed timers after expiry, got %d", f.engine.Active())
	}
}

func TestSessionTimerAutoCompletesWithoutOvertime(t *testing.T) {
	f := newEngineFixture(t)
	entry := f.charging(t, 2, t0, 5, false)
	f.engine.StartTimer(context.Background(), entry)

	f.clock.Advance(5 * time.Minute)

	if len(f.completer.calls) != 1 || f.completer.calls[0] != entry.ID {
		t.Fatalf("expected one completion for entry %d, got %v", entry.ID, f.completer.calls)
	}
	if f.bus.count(events.EventOvertime) != 0 {
		t.Fatalf("no overtime event expected")
	}
	if _, err := f.store.FindOne(context.Background(), store.Filter{ID: entry.ID}); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("entry should be removed, got %v", err)
	}
}

func TestShortSessionHasNoWarning(t *testing.T) {
	f := newEngineFixture(t)
	entry := f.charging(t, 3, t0, 2, true)
	f.engine.StartTimer(context.Background(), entry)

	f.clock.Advance(2 * time.Minute)
	if f.bus.count(events.EventAlmostComplete) != 0 {
		t.Fatalf("sessions not longer than the lead must not warn")
	}
	if f.status(t, entry.ID) != models.StatusOvertime {
		t.Fatalf("expected overtime")
	}
}

func TestClearTimerCancelsCallbacks(t *testing.T) {
	f := newEngineFixture(t)
	entry := f.charging(t, 4, t0, 10, true)
	f.engine.StartTimer(context.Background(), entry)
	if f.engine.Active() != 1 {
		t.Fatalf("expected 1 armed entry")
	}

	f.engine.ClearTimer(entry.ID)
	f.engine.ClearTimer(entry.ID)
	f.engine.ClearTimer(9999)

	f.clock.Advance(15 * time.Minute)
	if len(f.bus.events) != 0 {
		t.Fatalf("cleared timers must not fire, got %v", f.bus.events)
	}
	if f.status(t, entry.ID) != models.StatusCharging {
		t.Fatalf("entry status changed after clear")
	}
}

func TestExpiryIgnoresEntriesNoLongerCharging(t *testing.T) {
	f := newEngineFixture(t)
	entry := f.charging(t, 5, t0, 5, true)
	f.engine.StartTimer(context.Background(), entry)

	if err := f.store.Delete(context.Background(), entry.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	f.clock.Advance(10 * time.Minute)

	if f.bus.count(events.EventOvertime) != 0 || f.bus.count(events.EventAlmostComplete) != 0 {
		t.Fatalf("no events expected for a removed entry")
	}
}

func TestRemainingSeconds(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	entry := f.charging(t, 6, t0, 1, true)

	f.clock.Advance(500 * time.Millisecond)
	got, err := f.engine.RemainingSeconds(ctx, entry.ID)
	if err != nil {
		t.Fatalf("remaining: %v", err)
	}
	if got != 60 {
		t.Fatalf("expected ceil to 60, got %d", got)
	}

	waiting := models.Entry{UserID: 7, Position: 1, Status: models.StatusWaiting}
	if err := f.store.Create(ctx, &waiting); err != nil {
		t.Fatalf("create: %v", err)
	}
	if got, err := f.engine.RemainingSeconds(ctx, waiting.ID); err != nil || got != 0 {
		t.Fatalf("expected 0 for entry without end time, got %d (%v)", got, err)
	}

	if _, err := f.engine.RemainingSeconds(ctx, 4242); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestInitializeExistingTimersReconciles(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()

	overdue := f.charging(t, 1, t0.Add(-40*time.Minute), 30, true)
	overdueStrict := f.charging(t, 2, t0.Add(-40*time.Minute), 30, false)
	running := f.charging(t, 3, t0.Add(-20*time.Minute), 30, true)
	nearlyDone := f.charging(t, 4, t0.Add(-29*time.Minute), 30, true)

	started := t0.Add(-90 * time.Minute)
	end := t0.Add(-60 * time.Minute)
	overtime := models.Entry{UserID: 5, StationID: 5, Status: models.StatusOvertime, DurationMinutes: 30,
		ChargingStartedAt: &started, EstimatedEndTime: &end, AllowOvertime: true}
	if err := f.store.Create(ctx, &overtime); err != nil {
		t.Fatalf("create: %v", err)
	}

	armed, err := f.engine.InitializeExistingTimers(ctx)
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if armed != 2 {
		t.Fatalf("expected 2 armed, got %d", armed)
	}
	if f.status(t, overdue.ID) != models.StatusOvertime {
		t.Fatalf("overdue entry should be overtime")
	}
	if len(f.completer.calls) != 1 || f.completer.calls[0] != overdueStrict.ID {
		t.Fatalf("expected strict overdue entry auto-completed, got %v", f.completer.calls)
	}
	if got := f.bus.count(events.EventOvertime); got != 2 {
		t.Fatalf("expected overtime events for the new and the existing overtime entry, got %d", got)
	}
	if p := f.bus.last(events.EventTimersInitialized); p["count"] != 2 {
		t.Fatalf("expected timers_initialized count=2, got %v", p)
	}

	// The nearly finished session is past its warning window.
	f.clock.Advance(time.Minute)
	if f.status(t, nearlyDone.ID) != models.StatusOvertime {
		t.Fatalf("nearly done entry should be overtime after 1m")
	}
	if f.bus.count(events.EventAlmostComplete) != 0 {
		t.Fatalf("stale warning must not be re-armed")
	}

	f.clock.Advance(8 * time.Minute)
	if f.bus.count(events.EventAlmostComplete) != 1 {
		t.Fatalf("running entry should warn at its t-2m mark")
	}
	f.clock.Advance(2 * time.Minute)
	if f.status(t, running.ID) != models.StatusOvertime {
		t.Fatalf("running entry should be overtime at its deadline")
	}
}

func TestInitializeExistingTimersIsRepeatable(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	entry := f.charging(t, 1, t0, 30, true)

	for i := 0; i < 2; i++ {
		if _, err := f.engine.InitializeExistingTimers(ctx); err != nil {
			t.Fatalf("initialize: %v", err)
		}
	}
	f.clock.Advance(30 * time.Minute)

	if f.bus.count(events.EventOvertime) != 1 || len(f.notifier.expired) != 1 {
		t.Fatalf("re-running initialization must not duplicate timers")
	}
	if f.status(t, entry.ID) != models.StatusOvertime {
		t.Fatalf("expected overtime")
	}
}

func TestSweepExpiresUnarmedOverdueSessions(t *testing.T) {
	f := newEngineFixture(t)
	ctx := context.Background()
	overdue := f.charging(t, 1, t0.Add(-31*time.Minute), 30, true)
	armed := f.charging(t, 2, t0.Add(-31*time.Minute), 30, true)
	f.engine.registry.Add(armed.ID, f.clock.AfterFunc(time.Hour, func() {}))
	f.charging(t, 3, t0, 30, true)

	n, err := f.engine.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 expired, got %d", n)
	}
	if f.status(t, overdue.ID) != models.StatusOvertime {
		t.Fatalf("overdue entry should be overtime")
	}
	if f.status(t, armed.ID) != models.StatusCharging {
		t.Fatalf("entries with local timers are left to them")
	}

	n, err = f.engine.Sweep(ctx)
	if err != nil || n != 0 {
		t.Fatalf("second sweep should be a no-op, got %d (%v)", n, err)
	}
}
