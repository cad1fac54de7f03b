/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package queue

import (
	"errors"
	"fmt"
)

// Error kinds. Every error returned by Service matches exactly one of
// these with errors.Is.
var (
	ErrValidation     = errors.New("validation failed")
	ErrConflict       = errors.New("conflict")
	ErrNotFound       = errors.New("not found")
	ErrInfrastructure = errors.New("infrastructure failure")
)

// opError is a named failure belonging to one kind.
type opError struct {
	kind error
	code string
	msg  string
}

func (e *opError) Error() string { return e.msg }

func (e *opError) Is(target error) bool { return target == e.kind }

// Code returns a stable machine-readable identifier.
func (e *opError) Code() string { return e.code }

func newError(kind error, code, msg string) error {
	return &opError{kind: kind, code: code, msg: msg}
}

var (
	ErrMissingUser     = newError(ErrValidation, "missing_user", "user id is required")
	ErrInvalidStation  = newError(ErrValidation, "invalid_station", "invalid station id")
	ErrInvalidDuration = newError(ErrValidation, "invalid_duration", "duration must be a positive number of minutes")

	ErrAlreadyActive            = newError(ErrConflict, "already_active", "user already has an active entry")
	ErrNotFirstInLine           = newError(ErrConflict, "not_first_in_line", "only the first waiting user can start charging")
	ErrStationOccupied          = newError(ErrConflict, "station_occupied", "station is occupied")
	ErrStationReserved          = newError(ErrConflict, "station_reserved", "station is reserved for another user")
	ErrCannotAbandonReservation = newError(ErrConflict, "cannot_abandon_reservation", "nobody behind can take over the reserved station")
	ErrAlreadyLast              = newError(ErrConflict, "already_last", "already last in line")

	ErrNoActiveSession = newError(ErrNotFound, "no_active_session", "no active charging session")
	ErrNotInQueue      = newError(ErrNotFound, "not_in_queue", "user is not waiting in the queue")
	ErrEntryNotFound   = newError(ErrNotFound, "entry_not_found", "queue entry not found")
	ErrUserNotFound    = newError(ErrNotFound, "user_not_found", "user does not exist")
)

// Kind returns the kind err belongs to. Errors that carry no kind are
// infrastructure failures.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, k := range []error{ErrValidation, ErrConflict, ErrNotFound, ErrInfrastructure} {
		if errors.Is(err, k) {
			return k
		}
	}
	return ErrInfrastructure
}

// Code returns the machine-readable code for err, or "internal".
func Code(err error) string {
	var oe *opError
	if errors.As(err, &oe) {
		return oe.code
	}
	return "internal"
}

// infra wraps a storage or lock failure.
func infra(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrInfrastructure, err)
}
