/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/friendsincode/chargequeue/internal/models"
	"github.com/friendsincode/chargequeue/internal/store"
)

const anonymousEmailDomain = "guest.chargequeue.invalid"

// AdminRemoveEntry deletes any entry. Active sessions are completed so
// their station is handed on.
func (s *Service) AdminRemoveEntry(ctx context.Context, entryID uint) error {
	return s.run(ctx, "admin_remove_entry", func(ctx context.Context) error {
		entry, err := s.lookup(ctx, store.Filter{ID: entryID})
		if err != nil {
			return err
		}
		if entry == nil {
			return fmt.Errorf("%w: %d", ErrEntryNotFound, entryID)
		}
		s.logger.Info().Uint("entry_id", entryID).Str("status", string(entry.Status)).Msg("admin removing entry")
		if entry.Active() {
			return s.completeLocked(ctx, entry, "admin")
		}
		return s.removeWaitingLocked(ctx, entry)
	})
}

// AdminForceComplete ends an active session regardless of who owns it.
func (s *Service) AdminForceComplete(ctx context.Context, entryID uint) error {
	return s.run(ctx, "admin_force_complete", func(ctx context.Context) error {
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
		return s.completeLocked(ctx, entry, "admin")
	})
}

// AdminSession starts a session directly on a station, bypassing the
// line. Users looked up by email keep overtime; users created on the fly
// are completed automatically at the deadline.
type AdminSession struct {
	StationID       int
	DurationMinutes int
	Email           string
	Name            string
}

// AdminStartSession starts a walk-up session on a free, unreserved
// station.
func (s *Service) AdminStartSession(ctx context.Context, req AdminSession) (*models.Entry, error) {
	if !s.validStation(req.StationID) {
		return nil, s.invalidStation(req.StationID)
	}
	if req.DurationMinutes <= 0 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidDuration, req.DurationMinutes)
	}

	var out *models.Entry
	err := s.run(ctx, "admin_start_session", func(ctx context.Context) error {
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
		if holder != nil {
			return fmt.Errorf("%w: %s", ErrStationReserved, s.StationName(station))
		}

		user, allowOvertime, err := s.resolveWalkUp(ctx, req)
		if err != nil {
			return err
		}
		existing, err := s.lookup(ctx, store.Filter{UserID: user.ID, Statuses: anyStatus})
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w (%s)", ErrAlreadyActive, existing.Status)
		}

		now := s.timers.Now()
		end := now.Add(time.Duration(req.DurationMinutes) * time.Minute)
		entry := &models.Entry{
			UserID:            user.ID,
			StationID:         station,
			Status:            models.StatusCharging,
			DurationMinutes:   req.DurationMinutes,
			ChargingStartedAt: &now,
			EstimatedEndTime:  &end,
			AllowOvertime:     allowOvertime,
		}
		if err := s.store.Create(ctx, entry); err != nil {
			return infra("create session", err)
		}
		if out, err = s.reload(ctx, entry.ID); err != nil {
			return err
		}

		s.timers.StartTimer(ctx, *out)
		s.publishTimerStarted(*out)
		s.logger.Info().
			Uint("entry_id", out.ID).
			Uint("user_id", user.ID).
			Int("station_id", station).
			Bool("allow_overtime", allowOvertime).
			Msg("admin started session")
		if _, err := s.assignLocked(ctx); err != nil {
			return err
		}
		s.publishQueue(ctx)
		return nil
	})
	return out, err
}

// resolveWalkUp finds or creates the user for an admin session.
func (s *Service) resolveWalkUp(ctx context.Context, req AdminSession) (models.User, bool, error) {
	email := strings.TrimSpace(req.Email)
	name := strings.TrimSpace(req.Name)

	if email != "" {
		user, err := s.users.FindByEmail(ctx, email)
		if err == nil {
			return user, true, nil
		}
		if !errors.Is(err, store.ErrNotFound) {
			return models.User{}, false, infra("find user", err)
		}
		if name == "" {
			name = strings.SplitN(email, "@", 2)[0]
		}
		user, err = s.users.Create(ctx, name, email)
		if err != nil {
			return models.User{}, false, infra("create user", err)
		}
		return user, false, nil
	}

	if name == "" {
		name = "Guest"
	}
	user, err := s.users.Create(ctx, name, fmt.Sprintf("guest-%s@%s", uuid.NewString(), anonymousEmailDomain))
	if err != nil {
		return models.User{}, false, infra("create guest", err)
	}
	return user, false, nil
}

// AdminClearAll cancels every timer and deletes every entry.
func (s *Service) AdminClearAll(ctx context.Context) (int64, error) {
	var n int64
	err := s.run(ctx, "admin_clear_all", func(ctx context.Context) error {
		s.timers.ClearAll()
		var err error
		if n, err = s.store.DeleteAll(ctx); err != nil {
			return infra("clear queue", err)
		}
		s.logger.Warn().Int64("removed", n).Msg("admin cleared queue")
		s.publishQueue(ctx)
		return nil
	})
	return n, err
}

// AdminRenumber repairs waiting positions to 1..N and re-runs matching.
func (s *Service) AdminRenumber(ctx context.Context) error {
	return s.run(ctx, "admin_renumber", func(ctx context.Context) error {
		if err := s.renumberLocked(ctx); err != nil {
			return err
		}
		if _, err := s.assignLocked(ctx); err != nil {
			return err
		}
		s.publishQueue(ctx)
		return nil
	})
}
