/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package timer drives charging session deadlines: the almost-complete
// warning, the expiry transition to overtime (or auto-completion), and
// reconciliation of persisted sessions after a restart.
package timer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/friendsincode/chargequeue/internal/events"
	"github.com/friendsincode/chargequeue/internal/models"
	"github.com/friendsincode/chargequeue/internal/store"
	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// Publisher broadcasts events to subscribers.
type Publisher interface {
	Publish(eventType events.EventType, payload events.Payload)
}

// Notifier delivers the timer-driven user notifications.
type Notifier interface {
	AlmostComplete(ctx context.Context, entry models.Entry, minutesRemaining int)
	Expired(ctx context.Context, entry models.Entry, overtimeMinutes int)
}

// Completer ends a session. The queue service implements it.
type Completer interface {
	CompleteCharging(ctx context.Context, entryID uint) error
}

// Config tunes the engine.
type Config struct {
	// AlmostCompleteLead is how long before the deadline the warning
	// fires. Sessions not longer than the lead get no warning.
	AlmostCompleteLead time.Duration
	// CallbackTimeout bounds the store and notification work done by a
	// firing timer.
	CallbackTimeout time.Duration
}

// DefaultConfig returns the stock timings.
func DefaultConfig() Config {
	return Config{
		AlmostCompleteLead: 2 * time.Minute,
		CallbackTimeout:    10 * time.Second,
	}
}

// Engine arms and fires per-entry timers.
type Engine struct {
	store     store.EntryStore
	bus       Publisher
	notifier  Notifier
	completer Completer
	clock     Clock
	registry  *Registry
	cfg       Config
	logger    zerolog.Logger
}

// New creates an engine. A nil clock uses the real clock and a nil
// registry gets a fresh one.
func New(st store.EntryStore, bus Publisher, notifier Notifier, clock Clock, registry *Registry, cfg Config, logger zerolog.Logger) *Engine {
	if clock == nil {
		clock = RealClock()
	}
	if registry == nil {
		registry = NewRegistry()
	}
	if cfg.CallbackTimeout <= 0 {
		cfg.CallbackTimeout = DefaultConfig().CallbackTimeout
	}
	return &Engine{
		store:    st,
		bus:      bus,
		notifier: notifier,
		clock:    clock,
		registry: registry,
		cfg:      cfg,
		logger:   logger.With().Str("component", "timer").Logger(),
	}
}

// SetCompleter wires the session completer used when an entry that does
// not allow overtime expires.
func (e *Engine) SetCompleter(c Completer) {
	e.completer = c
}

// Now returns the engine clock's time.
func (e *Engine) Now() time.Time { return e.clock.Now() }

// Active returns the number of entries with pending timers.
func (e *Engine) Active() int { return e.registry.Len() }

// StartTimer arms the warning and expiry callbacks for a charging entry
// whose timing fields are already persisted. Existing timers for the
// entry are replaced.
func (e *Engine) StartTimer(ctx context.Context, entry models.Entry) {
	if entry.EstimatedEndTime == nil {
		e.logger.Warn().Uint("entry_id", entry.ID).Msg("cannot arm timer without an end time")
		return
	}
	e.registry.Cancel(entry.ID)
	e.arm(entry, e.clock.Now())

	e.logger.Debug().
		Uint("entry_id", entry.ID).
		Int("duration_minutes", entry.DurationMinutes).
		Time("estimated_end", *entry.EstimatedEndTime).
		Msg("timer armed")
}

// ClearTimer cancels pending callbacks for id. Clearing an unknown id is
// a no-op.
func (e *Engine) ClearTimer(id uint) {
	e.registry.Cancel(id)
}

// ClearAll cancels every pending callback.
func (e *Engine) ClearAll() int {
	return e.registry.CancelAll()
}

// RemainingSeconds returns the whole seconds until the entry's deadline,
// rounded up and negative once the deadline has passed. Entries without
// an end time report 0.
func (e *Engine) RemainingSeconds(ctx context.Context, id uint) (int64, error) {
	entry, err := e.store.FindOne(ctx, store.Filter{ID: id})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("entry %d: %w", id, store.ErrNotFound)
		}
		return 0, err
	}
	if entry.EstimatedEndTime == nil {
		return 0, nil
	}
	return ceilSeconds(entry.EstimatedEndTime.Sub(e.clock.Now())), nil
}

func ceilSeconds(d time.Duration) int64 {
	return int64(math.Ceil(d.Seconds()))
}

// arm schedules callbacks relative to now. The warning is skipped when
// its moment has already passed.
func (e *Engine) arm(entry models.Entry, now time.Time) {
	end := *entry.EstimatedEndTime
	lead := e.cfg.AlmostCompleteLead
	id := entry.ID

	if lead > 0 && time.Duration(entry.DurationMinutes)*time.Minute > lead {
		warnAt := end.Add(-lead)
		if warnAt.After(now) {
			e.registry.Add(id, e.clock.AfterFunc(warnAt.Sub(now), func() { e.fireAlmostComplete(id) }))
		}
	}

	remaining := end.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	e.registry.Add(id, e.clock.AfterFunc(remaining, func() { e.fireExpiry(id) }))
}

func (e *Engine) callbackContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), e.cfg.CallbackTimeout)
}

func (e *Engine) fireAlmostComplete(id uint) {
	ctx, cancel := e.callbackContext()
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "timer", "almost_complete", attribute.Int64("entry_id", int64(id)))
	defer span.End()

	entry, err := e.store.FindOne(ctx, store.Filter{ID: id})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error().Err(err).Uint("entry_id", id).Msg("almost-complete lookup failed")
		}
		return
	}
	if entry.Status != models.StatusCharging {
		return
	}

	minutes := int(e.cfg.AlmostCompleteLead / time.Minute)
	if e.notifier != nil {
		e.notifier.AlmostComplete(ctx, *entry, minutes)
	}
	e.bus.Publish(events.EventAlmostComplete, events.Payload{
		"entryId":          entry.ID,
		"stationId":        entry.StationID,
		"minutesRemaining": minutes,
	})
	e.logger.Info().Uint("entry_id", id).Int("minutes_remaining", minutes).Msg("session almost complete")
}

func (e *Engine) fireExpiry(id uint) {
	e.registry.Cancel(id)

	ctx, cancel := e.callbackContext()
	defer cancel()
	ctx, span := telemetry.StartSpan(ctx, "timer", "expiry", attribute.Int64("entry_id", int64(id)))
	defer span.End()

	entry, err := e.store.FindOne(ctx, store.Filter{ID: id})
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			e.logger.Error().Err(err).Uint("entry_id", id).Msg("expiry lookup failed")
		}
		return
	}
	if entry.Status != models.StatusCharging {
		return
	}
	if _, err := e.expire(ctx, *entry, "timer"); err != nil {
		e.logger.Error().Err(err).Uint("entry_id", id).Msg("expiry handling failed")
	}
}

// expire handles a charging entry whose deadline has passed: overtime if
// allowed, otherwise completion. It reports whether this call changed
// the entry.
func (e *Engine) expire(ctx context.Context, entry models.Entry, source string) (bool, error) {
	if !entry.AllowOvertime {
		if e.completer == nil {
			return false, errors.New("no completer configured for auto-completion")
		}
		if err := e.completer.CompleteCharging(ctx, entry.ID); err != nil {
			return false, fmt.Errorf("auto-complete entry %d: %w", entry.ID, err)
		}
		e.logger.Info().Uint("entry_id", entry.ID).Str("source", source).Msg("session auto-completed at deadline")
		return true, nil
	}

	ok, err := e.store.CompareAndSetStatus(ctx, entry.ID, models.StatusCharging, models.StatusOvertime)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	telemetry.OvertimeTransitionsTotal.WithLabelValues(source).Inc()

	overtime := 0
	if entry.EstimatedEndTime != nil {
		if over := e.clock.Now().Sub(*entry.EstimatedEndTime); over > 0 {
			overtime = int(over / time.Minute)
		}
	}

	e.publishOvertime(entry)
	if e.notifier != nil {
		e.notifier.Expired(ctx, entry, overtime)
	}
	e.logger.Info().Uint("entry_id", entry.ID).Str("source", source).Int("overtime_minutes", overtime).Msg("session in overtime")
	return true, nil
}

func (e *Engine) publishOvertime(entry models.Entry) {
	payload := events.Payload{"entryId": entry.ID, "stationId": entry.StationID}
	if entry.EstimatedEndTime != nil {
		payload["estimatedEndTime"] = entry.EstimatedEndTime.UTC()
	}
	e.bus.Publish(events.EventOvertime, payload)
}

// InitializeExistingTimers reconciles persisted active sessions with the
// clock: overdue charging entries expire now, the rest are re-armed, and
// overtime entries are re-announced. It returns the number of entries
// with armed timers.
func (e *Engine) InitializeExistingTimers(ctx context.Context) (int, error) {
	ctx, span := telemetry.StartSpan(ctx, "timer", "initialize")
	entries, err := e.store.FindMany(ctx, store.Filter{Statuses: models.ActiveStatuses})
	if err != nil {
		telemetry.EndSpan(span, err)
		return 0, fmt.Errorf("load active sessions: %w", err)
	}

	now := e.clock.Now()
	armed := 0
	for _, entry := range entries {
		if entry.EstimatedEndTime == nil {
			if entry.ChargingStartedAt == nil || entry.DurationMinutes <= 0 {
				e.logger.Warn().Uint("entry_id", entry.ID).Msg("active session has no timing, skipping")
				continue
			}
			end := entry.ChargingStartedAt.Add(time.Duration(entry.DurationMinutes) * time.Minute)
			entry.EstimatedEndTime = &end
		}

		switch entry.Status {
		case models.StatusCharging:
			if !now.Before(*entry.EstimatedEndTime) {
				if _, err := e.expire(ctx, entry, "reconcile"); err != nil {
					e.logger.Error().Err(err).Uint("entry_id", entry.ID).Msg("reconcile expiry failed")
				}
				continue
			}
			e.registry.Cancel(entry.ID)
			e.arm(entry, now)
			armed++
		case models.StatusOvertime:
			e.publishOvertime(entry)
		}
	}

	e.bus.Publish(events.EventTimersInitialized, events.Payload{"count": armed})
	e.logger.Info().Int("armed", armed).Int("active", len(entries)).Msg("timers initialized")
	telemetry.EndSpan(span, nil)
	return armed, nil
}

// Sweep expires overdue charging entries that have no pending timer on
// this instance. It is safe to run alongside timers on other instances
// because the transition is a compare-and-set.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	entries, err := e.store.FindMany(ctx, store.Filter{Statuses: []models.EntryStatus{models.StatusCharging}})
	if err != nil {
		telemetry.SweepRunsTotal.WithLabelValues("error").Inc()
		return 0, fmt.Errorf("sweep: %w", err)
	}

	now := e.clock.Now()
	changed := 0
	for _, entry := range entries {
		if entry.EstimatedEndTime == nil || now.Before(*entry.EstimatedEndTime) {
			continue
		}
		if e.registry.Has(entry.ID) {
			continue
		}
		ok, err := e.expire(ctx, entry, "sweep")
		if err != nil {
			e.logger.Warn().Err(err).Uint("entry_id", entry.ID).Msg("sweep expiry failed")
			continue
		}
		if ok {
			changed++
		}
	}
	telemetry.SweepRunsTotal.WithLabelValues("success").Inc()
	return changed, nil
}

// Run sweeps on a fixed interval until ctx is cancelled.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.logger.Info().Dur("interval", interval).Msg("expiry sweeper started")
	for {
		select {
		case <-ctx.Done():
			e.logger.Info().Msg("expiry sweeper stopped")
			return ctx.Err()
		case <-ticker.C:
			n, err := e.Sweep(ctx)
			if err != nil {
				e.logger.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if n > 0 {
				e.logger.Info().Int("expired", n).Msg("expiry sweep handled overdue sessions")
			}
		}
	}
}
