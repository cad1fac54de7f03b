/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package store persists queue entries and resolves users.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/friendsincode/chargequeue/internal/models"
)

// ErrNotFound is returned when no record matches a lookup.
var ErrNotFound = errors.New("store: record not found")

// Filter selects entries. Zero-valued fields are ignored.
type Filter struct {
	ID        uint
	UserID    uint
	StationID *int
	Position  *int
	Statuses  []models.EntryStatus
}

// Patch is a partial update. Nil fields are left untouched; ClearTiming
// resets the timing fields to NULL.
type Patch struct {
	StationID         *int
	Position          *int
	Status            *models.EntryStatus
	DurationMinutes   *int
	ChargingStartedAt *time.Time
	EstimatedEndTime  *time.Time
	AllowOvertime     *bool
	ClearTiming       bool
}

// Empty reports whether the patch changes nothing.
func (p Patch) Empty() bool {
	return p.StationID == nil && p.Position == nil && p.Status == nil &&
		p.DurationMinutes == nil && p.ChargingStartedAt == nil &&
		p.EstimatedEndTime == nil && p.AllowOvertime == nil && !p.ClearTiming
}

// EntryStore is the persistence contract for queue entries. FindMany
// returns entries ordered by station id, then position.
type EntryStore interface {
	Create(ctx context.Context, entry *models.Entry) error
	FindOne(ctx context.Context, f Filter) (*models.Entry, error)
	FindMany(ctx context.Context, f Filter) ([]models.Entry, error)
	Update(ctx context.Context, id uint, p Patch) error
	Delete(ctx context.Context, id uint) error
	Count(ctx context.Context, f Filter) (int64, error)
	// CompareAndSetStatus moves an entry from one status to another only
	// if it is still in the expected status. It reports whether the
	// transition happened.
	CompareAndSetStatus(ctx context.Context, id uint, from, to models.EntryStatus) (bool, error)
	DeleteAll(ctx context.Context) (int64, error)
}

// UserDirectory resolves users for notifications and admin sessions.
type UserDirectory interface {
	Resolve(ctx context.Context, id uint) (models.User, error)
	FindByEmail(ctx context.Context, email string) (models.User, error)
	Create(ctx context.Context, name, email string) (models.User, error)
}

// Int returns a pointer to v.
func Int(v int) *int { return &v }

// Status returns a pointer to s.
func Status(s models.EntryStatus) *models.EntryStatus { return &s }

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }

// Time returns a pointer to t.
func Time(t time.Time) *time.Time { return &t }
