/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package queue implements the global first-come-first-served line for a
// fixed set of charging stations: joining, reservation matching, session
// start and completion, and the read-side views built on top.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/events"
	"github.com/friendsincode/chargequeue/internal/lock"
	"github.com/friendsincode/chargequeue/internal/models"
	"github.com/friendsincode/chargequeue/internal/store"
	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// DefaultSessionMinutes is assumed for sessions without a duration when
// projecting wait times.
const DefaultSessionMinutes = 30

// Publisher broadcasts events to subscribers.
type Publisher interface {
	Publish(eventType events.EventType, payload events.Payload)
}

// Notifier delivers the queue-driven user notifications.
type Notifier interface {
	StationReady(ctx context.Context, entry models.Entry)
	Complete(ctx context.Context, entry models.Entry, durationMinutes int)
}

// Timers is the session timer engine as seen by the queue.
type Timers interface {
	Now() time.Time
	StartTimer(ctx context.Context, entry models.Entry)
	ClearTimer(id uint)
	ClearAll() int
	RemainingSeconds(ctx context.Context, id uint) (int64, error)
	InitializeExistingTimers(ctx context.Context) (int, error)
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store    store.EntryStore
	Users    store.UserDirectory
	Timers   Timers
	Bus      Publisher
	Notifier Notifier
	Locker   lock.Locker
}

// Config describes the station set.
type Config struct {
	StationCount int
	// StationNames[i] names station i+1. Missing names fall back to
	// "Charger <id>".
	StationNames []string
}

// Service owns every mutation of the queue. Mutations are serialized by
// the Locker.
type Service struct {
	store    store.EntryStore
	users    store.UserDirectory
	timers   Timers
	bus      Publisher
	notifier Notifier
	locker   lock.Locker
	cfg      Config
	logger   zerolog.Logger
}

// NewService creates a queue service.
func NewService(deps Deps, cfg Config, logger zerolog.Logger) *Service {
	if deps.Locker == nil {
		deps.Locker = lock.NewLocal()
	}
	if deps.Bus == nil {
		deps.Bus = nopPublisher{}
	}
	if deps.Notifier == nil {
		deps.Notifier = nopNotifier{}
	}
	return &Service{
		store:    deps.Store,
		users:    deps.Users,
		timers:   deps.Timers,
		bus:      deps.Bus,
		notifier: deps.Notifier,
		locker:   deps.Locker,
		cfg:      cfg,
		logger:   logger.With().Str("component", "queue").Logger(),
	}
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.EventType, events.Payload) {}

type nopNotifier struct{}

func (nopNotifier) StationReady(context.Context, models.Entry)  {}
func (nopNotifier) Complete(context.Context, models.Entry, int) {}

var (
	waitingOnly = []models.EntryStatus{models.StatusWaiting}
	anyStatus   = []models.EntryStatus{models.StatusWaiting, models.StatusCharging, models.StatusOvertime}
)

// StationCount returns the number of stations.
func (s *Service) StationCount() int { return s.cfg.StationCount }

// StationName returns the display name of a station.
func (s *Service) StationName(id int) string {
	if id >= 1 && id <= len(s.cfg.StationNames) && s.cfg.StationNames[id-1] != "" {
		return s.cfg.StationNames[id-1]
	}
	return fmt.Sprintf("Charger %d", id)
}

func (s *Service) validStation(id int) bool {
	return id >= 1 && id <= s.cfg.StationCount
}

func (s *Service) invalidStation(id int) error {
	return fmt.Errorf("%w: %d is not between 1 and %d", ErrInvalidStation, id, s.cfg.StationCount)
}

// run executes fn under the operation lock with metrics and a span.
func (s *Service) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, span := telemetry.StartSpan(ctx, "queue", op)
	start := time.Now()

	err := func() error {
		release, err := s.locker.Lock(ctx)
		if err != nil {
			return infra("acquire queue lock", err)
		}
		defer release()
		return fn(ctx)
	}()

	telemetry.QueueOperationsTotal.WithLabelValues(op, resultLabel(err)).Inc()
	telemetry.QueueOperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds())
	telemetry.EndSpan(span, err)
	return err
}

func resultLabel(err error) string {
	switch Kind(err) {
	case nil:
		return "success"
	case ErrValidation:
		return "validation"
	case ErrConflict:
		return "conflict"
	case ErrNotFound:
		return "not_found"
	default:
		return "error"
	}
}

// lookup returns nil without error when nothing matches.
func (s *Service) lookup(ctx context.Context, f store.Filter) (*models.Entry, error) {
	e, err := s.store.FindOne(ctx, f)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, infra("find entry", err)
	}
	return e, nil
}

func (s *Service) reload(ctx context.Context, id uint) (*models.Entry, error) {
	e, err := s.store.FindOne(ctx, store.Filter{ID: id})
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrEntryNotFound, id)
		}
		return nil, infra("reload entry", err)
	}
	return e, nil
}

// AddToQueue appends a waiting entry for userID at the back of the line
// and runs the matching pass. requestedStation is validated but does not
// bind the entry to that station; pass 0 for none.
func (s *Service) AddToQueue(ctx context.Context, userID uint, requestedStation int) (*models.Entry, error) {
	if userID == 0 {
		return nil, ErrMissingUser
	}
	if requestedStation != 0 && !s.validStation(requestedStation) {
		return nil, s.invalidStation(requestedStation)
	}

	var out *models.Entry
	err := s.run(ctx, "add_to_queue", func(ctx context.Context) error {
		if _, err := s.users.Resolve(ctx, userID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("%w: %d", ErrUserNotFound, userID)
			}
			return infra("resolve user", err)
		}

		existing, err := s.lookup(ctx, store.Filter{UserID: userID, Statuses: anyStatus})
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w (%s)", ErrAlreadyActive, existing.Status)
		}

		waiting, err := s.store.Count(ctx, store.Filter{Statuses: waitingOnly})
		if err != nil {
			return infra("count waiting", err)
		}
		entry := &models.Entry{
			UserID:        userID,
			Position:      int(waiting) + 1,
			Status:        models.StatusWaiting,
			AllowOvertime: true,
		}
		if err := s.store.Create(ctx, entry); err != nil {
			return infra("create entry", err)
		}
		s.logger.Info().Uint("user_id", userID).Uint("entry_id", entry.ID).Int("position", entry.Position).Msg("user joined queue")

		if _, err := s.assignLocked(ctx); err != nil {
			return err
		}
		if out, err = s.reload(ctx, entry.ID); err != nil {
			return err
		}
		s.publishQueue(ctx)
		return nil
	})
	return out, err
}

// StartRequest asks to begin a session for the first waiting user.
type StartRequest struct {
	UserID          uint
	StationID       int
	DurationMinutes int
	// DisallowOvertime completes the session automatically at its
	// deadline instead of letting it run into overtime.
	DisallowOvertime bool
}

// StartCharging moves the user's waiting entry onto a station.
func (s *Service) StartCharging(ctx context.Context, req StartRequest) (*models.Entry, error) {
	if req.UserID == 0 {
		return nil, ErrMissingUser
	}
	if !s.validStation(req.StationID) {
		return nil, s.invalidStation(req.StationID)
	}
	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDuration, req.DurationMinutes)
	}

	var out *models.Entry
	err := s.run(ctx, "start_charging", func(ctx context.Context) error {
		entry, err := s.lookup(ctx, store.Filter{UserID: req.UserID, Statuses: waitingOnly})
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrNotInQueue
		}
		if entry.Position != 1 {
			return fmt.Errorf("%w: position %d", ErrNotFirstInLine, entry.Position)
		}

		station := req.StationID
		occupant, err := s.lookup(ctx, store.Filter{StationID: &station, Statuses: models.ActiveStatuses})
		if err != nil {
			return err
		}
		if occupant != nil {
			return fmt.Errorf("%w: %s", ErrStationOccupied, s.StationName(station))
		}
		holder, err := s.lookup(ctx, store.Filter{StationID: &station, Statuses: waitingOnly})
		if err != nil {
			return err
		}
		if holder != nil && holder.ID != entry.ID {
			return fmt.Errorf("%w: %s", ErrStationReserved, s.StationName(station))
		}

		now := s.timers.Now()
		end := now.Add(time.Duration(req.DurationMinutes) * time.Minute)
		err = s.store.Update(ctx, entry.ID, store.Patch{
			Status:            store.Status(models.StatusCharging),
			StationID:         store.Int(station),
			Position:          store.Int(0),
			DurationMinutes:   store.Int(req.DurationMinutes),
			ChargingStartedAt: store.Time(now),
			EstimatedEndTime:  store.Time(end),
			AllowOvertime:     store.Bool(!req.DisallowOvertime),
		})
		if err != nil {
			return infra("start session", err)
		}
		if err := s.renumberLocked(ctx); err != nil {
			return err
		}
		if out, err = s.reload(ctx, entry.ID); err != nil {
			return err
		}

		s.timers.StartTimer(ctx, *out)
		s.publishTimerStarted(*out)
		s.logger.Info().
			Uint("user_id", req.UserID).
			Uint("entry_id", out.ID).
			Int("station_id", station).
			Int("duration_minutes", req.DurationMinutes).
			Msg("charging started")

		if _, err := s.assignLocked(ctx); err != nil {
			return err
		}
		s.publishQueue(ctx)
		return nil
	})
	return out, err
}

func (s *Service) publishTimerStarted(e models.Entry) {
	payload := events.Payload{
		"entryId":         e.ID,
		"stationId":       e.StationID,
		"durationMinutes": e.DurationMinutes,
	}
	if e.EstimatedEndTime != nil {
		payload["estimatedEndTime"] = e.EstimatedEndTime.UTC()
	}
	s.bus.Publish(events.EventTimerStarted, payload)
}

// CompleteCharging ends the active session of entryID and frees its
// station.
func (s *Service) CompleteCharging(ctx context.Context, entryID uint) error {
	return s.run(ctx, "complete_charging", func(ctx context.Context) error {
		entry, err := s.lookup(ctx, store.Filter{ID: entryID})
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("%w: %d", ErrEntryNotFound, entryID)
		}
		if !entry.Active() {
			return ErrNoActiveSession
		}
		return s.completeLocked(ctx, entry, "session")
	})
}

// CompleteChargingForUser ends the active session belonging to userID.
func (s *Service) CompleteChargingForUser(ctx context.Context, userID uint) error {
	if userID == 0 {
		return ErrMissingUser
	}
	return s.run(ctx, "complete_charging", func(ctx context.Context) error {
		entry, err := s.lookup(ctx, store.Filter{UserID: userID, Statuses: models.ActiveStatuses})
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrNoActiveSession
		}
		return s.completeLocked(ctx, entry, "session")
	})
}

func (s *Service) completeLocked(ctx context.Context, entry *models.Entry, trigger string) error {
	s.timers.ClearTimer(entry.ID)
	if err := s.store.Delete(ctx, entry.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNoActiveSession
		}
		return infra("delete entry", err)
	}

	minutes := 0
	if entry.ChargingStartedAt != nil {
		if d := s.timers.Now().Sub(*entry.ChargingStartedAt); d > 0 {
			minutes = int(d / time.Minute)
		}
	}
	telemetry.SessionsCompletedTotal.WithLabelValues(trigger).Inc()
	s.bus.Publish(events.EventCompleted, events.Payload{
		"entryId":   entry.ID,
		"stationId": entry.StationID,
	})
	s.notifier.Complete(ctx, *entry, minutes)
	s.logger.Info().
		Uint("entry_id", entry.ID).
		Uint("user_id", entry.UserID).
		Int("station_id", entry.StationID).
		Int("charged_minutes", minutes).
		Str("trigger", trigger).
		Msg("charging completed")

	if _, err := s.assignLocked(ctx); err != nil {
		return err
	}
	s.publishQueue(ctx)
	return nil
}

// RemoveFromQueue withdraws the user's waiting entry.
func (s *Service) RemoveFromQueue(ctx context.Context, userID uint) error {
	if userID == 0 {
		return ErrMissingUser
	}
	return s.run(ctx, "remove_from_queue", func(ctx context.Context) error {
		entry, err := s.lookup(ctx, store.Filter{UserID: userID, Statuses: waitingOnly})
		if err != nil {
			return err
		}
		if entry == nil {
			return ErrNotInQueue
		}
		return s.removeWaitingLocked(ctx, entry)
	})
}

func (s *Service) removeWaitingLocked(ctx context.Context, entry *models.Entry) error {
	if err := s.store.Delete(ctx, entry.ID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return ErrNotInQueue
		}
		return infra("delete entry", err)
	}
	if err := s.renumberLocked(ctx); err != nil {
		return err
	}
	s.logger.Info().Uint("user_id", entry.UserID).Int("position", entry.Position).Msg("user left queue")

	// A released reservation or a new head of line can both unlock a match.
	if entry.Position == 1 || entry.StationID > 0 {
		if _, err := s.assignLocked(ctx); err != nil {
			return err
		}
	}
	s.publishQueue(ctx)
	return nil
}

// MoveBackOneSpot swaps the user with the waiting entry directly behind.
// A reservation held by the user passes to that entry; any station the
// entry held before is released to the matching pass.
func (s *Service) MoveBackOneSpot(ctx context.Context, userID uint) error {
	if userID == 0 {
		return ErrMissingUser
	}
	return s.run(ctx, "move_back", func(ctx context.Context) error {
		waiting, err := s.waitingLocked(ctx)
		if err != nil {
			return err
		}

		idx := -1
		for i := range waiting {
			if waiting[i].UserID == userID {
				idx = i
				break
			}
		}
		if idx < 0 {
			return ErrNotInQueue
		}
		mover := waiting[idx]
		if idx+1 >= len(waiting) {
			return ErrAlreadyLast
		}
		behind := waiting[idx+1]

		if mover.StationID > 0 {
			unassignedBehind := false
			for _, e := range waiting[idx+1:] {
				if e.StationID == 0 {
					unassignedBehind = true
					break
				}
			}
			if !unassignedBehind {
				return ErrCannotAbandonReservation
			}
		}

		if err := s.store.Update(ctx, mover.ID, store.Patch{Position: store.Int(behind.Position), StationID: store.Int(0)}); err != nil {
			return infra("move entry back", err)
		}
		forward := store.Patch{Position: store.Int(mover.Position)}
		if mover.StationID > 0 {
			forward.StationID = store.Int(mover.StationID)
		}
		if err := s.store.Update(ctx, behind.ID, forward); err != nil {
			return infra("move entry forward", err)
		}
		if mover.StationID > 0 {
			heir := behind
			heir.Position = mover.Position
			heir.StationID = mover.StationID
			s.notifier.StationReady(ctx, heir)
			telemetry.StationAssignmentsTotal.Inc()
		}
		s.logger.Info().
			Uint("user_id", userID).
			Int("from", mover.Position).
			Int("to", behind.Position).
			Int("transferred_station", mover.StationID).
			Int("released_station", behind.StationID).
			Msg("user moved back one spot")

		if _, err := s.assignLocked(ctx); err != nil {
			return err
		}
		s.publishQueue(ctx)
		return nil
	})
}

// AssignStations runs the matching pass and returns how many waiting
// entries received a reservation.
func (s *Service) AssignStations(ctx context.Context) (int, error) {
	var n int
	err := s.run(ctx, "assign_stations", func(ctx context.Context) error {
		var err error
		n, err = s.assignLocked(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			s.publishQueue(ctx)
		}
		return nil
	})
	return n, err
}

// assignLocked pairs free, unreserved stations in ascending id with
// unassigned waiting entries in position order.
func (s *Service) assignLocked(ctx context.Context) (int, error) {
	entries, err := s.store.FindMany(ctx, store.Filter{})
	if err != nil {
		return 0, infra("load entries", err)
	}

	taken := make(map[int]bool, len(entries))
	var unassigned []models.Entry
	for _, e := range entries {
		if e.StationID > 0 {
			taken[e.StationID] = true
		} else if e.Status == models.StatusWaiting {
			unassigned = append(unassigned, e)
		}
	}
	if len(unassigned) == 0 {
		return 0, nil
	}
	sortByPosition(unassigned)

	assigned := 0
	for id := 1; id <= s.cfg.StationCount && assigned < len(unassigned); id++ {
		if taken[id] {
			continue
		}
		entry := unassigned[assigned]
		if err := s.store.Update(ctx, entry.ID, store.Patch{StationID: store.Int(id)}); err != nil {
			return assigned, infra("reserve station", err)
		}
		entry.StationID = id
		assigned++

		telemetry.StationAssignmentsTotal.Inc()
		s.notifier.StationReady(ctx, entry)
		s.logger.Info().
			Uint("entry_id", entry.ID).
			Uint("user_id", entry.UserID).
			Int("station_id", id).
			Int("position", entry.Position).
			Msg("station reserved")
	}
	return assigned, nil
}

// waitingLocked returns waiting entries in position order.
func (s *Service) waitingLocked(ctx context.Context) ([]models.Entry, error) {
	waiting, err := s.store.FindMany(ctx, store.Filter{Statuses: waitingOnly})
	if err != nil {
		return nil, infra("load waiting", err)
	}
	sortByPosition(waiting)
	return waiting, nil
}

// renumberLocked rewrites waiting positions to 1..N keeping their order.
func (s *Service) renumberLocked(ctx context.Context) error {
	waiting, err := s.waitingLocked(ctx)
	if err != nil {
		return err
	}
	for i, e := range waiting {
		if e.Position == i+1 {
			continue
		}
		if err := s.store.Update(ctx, e.ID, store.Patch{Position: store.Int(i + 1)}); err != nil {
			return infra("renumber", err)
		}
	}
	return nil
}

func sortByPosition(entries []models.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Position == entries[j].Position {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].Position < entries[j].Position
	})
}

// RemainingSeconds reports the seconds left in an entry's session.
func (s *Service) RemainingSeconds(ctx context.Context, entryID uint) (int64, error) {
	n, err := s.timers.RemainingSeconds(ctx, entryID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return 0, fmt.Errorf("%w: %d", ErrEntryNotFound, entryID)
		}
		return 0, infra("remaining seconds", err)
	}
	return n, nil
}

// InitializeTimers reconciles persisted sessions with the clock.
func (s *Service) InitializeTimers(ctx context.Context) (int, error) {
	n, err := s.timers.InitializeExistingTimers(ctx)
	if err != nil {
		return 0, infra("initialize timers", err)
	}
	return n, nil
}

func (s *Service) publishQueue(ctx context.Context) {
	views, err := s.QueueWithEstimates(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to build queue update")
		return
	}
	s.bus.Publish(events.EventQueueUpdate, events.Payload{"queue": views})
}
