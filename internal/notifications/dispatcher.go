/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package notifications

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/chargequeue/internal/models"
	"github.com/friendsincode/chargequeue/internal/store"
	"github.com/friendsincode/chargequeue/internal/telemetry"
)

// Dispatcher resolves recipients and hands messages to a gateway in the
// background. Delivery failures are logged and counted, never returned.
type Dispatcher struct {
	gateway Gateway
	users   store.UserDirectory
	station func(id int) string
	timeout time.Duration
	logger  zerolog.Logger

	wg sync.WaitGroup
}

// NewDispatcher creates a dispatcher. station maps a station id to its
// display name.
func NewDispatcher(gateway Gateway, users store.UserDirectory, station func(id int) string, timeout time.Duration, logger zerolog.Logger) *Dispatcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		gateway: gateway,
		users:   users,
		station: station,
		timeout: timeout,
		logger:  logger.With().Str("component", "notifications").Logger(),
	}
}

// StationReady tells a waiting user that a station was reserved for them.
func (d *Dispatcher) StationReady(_ context.Context, entry models.Entry) {
	d.dispatch(KindStationReady, entry, 0)
}

// AlmostComplete warns a charging user that the session is about to end.
func (d *Dispatcher) AlmostComplete(_ context.Context, entry models.Entry, minutesRemaining int) {
	d.dispatch(KindAlmostComplete, entry, minutesRemaining)
}

// Expired tells a user their session ran past its end time.
func (d *Dispatcher) Expired(_ context.Context, entry models.Entry, overtimeMinutes int) {
	d.dispatch(KindExpired, entry, overtimeMinutes)
}

// Complete thanks a user for ending their session.
func (d *Dispatcher) Complete(_ context.Context, entry models.Entry, durationMinutes int) {
	d.dispatch(KindComplete, entry, durationMinutes)
}

// Wait blocks until every in-flight delivery has finished.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

func (d *Dispatcher) dispatch(kind Kind, entry models.Entry, minutes int) {
	if d.gateway == nil {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()
		result := d.deliver(ctx, kind, entry, minutes)
		telemetry.NotificationsTotal.WithLabelValues(string(kind), result).Inc()
	}()
}

func (d *Dispatcher) deliver(ctx context.Context, kind Kind, entry models.Entry, minutes int) string {
	user, err := d.users.Resolve(ctx, entry.UserID)
	if err != nil {
		d.logger.Warn().Err(err).
			Uint("user_id", entry.UserID).
			Str("kind", string(kind)).
			Msg("notification recipient not found")
		return "error"
	}
	if !deliverable(user.Email) {
		d.logger.Debug().
			Uint("user_id", entry.UserID).
			Str("kind", string(kind)).
			Msg("recipient has no deliverable address, skipping")
		return "skipped"
	}

	name := d.stationName(entry.StationID)
	msg := Compose(kind, Recipient{UserID: user.ID, Name: user.Name, Email: user.Email}, name, minutes)
	if err := d.gateway.Send(ctx, msg); err != nil {
		d.logger.Error().Err(err).
			Str("gateway", d.gateway.Name()).
			Str("kind", string(kind)).
			Uint("entry_id", entry.ID).
			Msg("notification delivery failed")
		return "error"
	}
	return "success"
}

func (d *Dispatcher) stationName(id int) string {
	if d.station != nil {
		return d.station(id)
	}
	return "your charger"
}

// deliverable rejects empty addresses and the reserved .invalid domain used
// for guest accounts.
func deliverable(email string) bool {
	email = strings.TrimSpace(email)
	return email != "" && !strings.HasSuffix(strings.ToLower(email), ".invalid")
}
