/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import "time"

// EntryStatus is the lifecycle state of a queue entry.
type EntryStatus string

const (
	StatusWaiting  EntryStatus = "waiting"
	StatusCharging EntryStatus = "charging"
	StatusOvertime EntryStatus = "overtime"
)

// ActiveStatuses are the statuses that occupy a station.
var ActiveStatuses = []EntryStatus{StatusCharging, StatusOvertime}

// Valid reports whether s is a known status.
func (s EntryStatus) Valid() bool {
	switch s {
	case StatusWaiting, StatusCharging, StatusOvertime:
		return true
	}
	return false
}

// Active reports whether s occupies a station.
func (s EntryStatus) Active() bool {
	return s == StatusCharging || s == StatusOvertime
}

// Entry is a user's participation in the charging system. A waiting entry
// may carry a reserved StationID; an active one has Position 0 and timing
// fields set.
type Entry struct {
	ID                uint        `gorm:"primaryKey" json:"id"`
	UserID            uint        `gorm:"index;not null" json:"userId"`
	StationID         int         `gorm:"index;not null" json:"stationId"`
	Position          int         `gorm:"index;not null" json:"position"`
	Status            EntryStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	DurationMinutes   int         `json:"durationMinutes,omitempty"`
	ChargingStartedAt *time.Time  `json:"chargingStartedAt,omitempty"`
	EstimatedEndTime  *time.Time  `json:"estimatedEndTime,omitempty"`
	AllowOvertime     bool        `gorm:"not null" json:"allowOvertime"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

// TableName pins the table name across backends.
func (Entry) TableName() string { return "queue_entries" }

// Active reports whether the entry currently occupies a station.
func (e *Entry) Active() bool { return e.Status.Active() }

// Reserved reports whether a waiting entry holds a station reservation.
func (e *Entry) Reserved() bool {
	return e.Status == StatusWaiting && e.StationID > 0
}

// User is the directory record used for notifications.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `json:"name"`
	Email     string    `gorm:"uniqueIndex;not null" json:"email"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// TableName pins the table name across backends.
func (User) TableName() string { return "users" }
