/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package store

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"github.com/friendsincode/chargequeue/internal/models"
)

// GormEntryStore implements EntryStore on any gorm dialect.
type GormEntryStore struct {
	db *gorm.DB
}

// NewGormEntryStore wraps db.
func NewGormEntryStore(db *gorm.DB) *GormEntryStore {
	return &GormEntryStore{db: db}
}

func (f Filter) apply(q *gorm.DB) *gorm.DB {
	if f.ID != 0 {
		q = q.Where("id = ?", f.ID)
	}
	if f.UserID != 0 {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.StationID != nil {
		q = q.Where("station_id = ?", *f.StationID)
	}
	if f.Position != nil {
		q = q.Where("position = ?", *f.Position)
	}
	switch len(f.Statuses) {
	case 0:
	case 1:
		q = q.Where("status = ?", string(f.Statuses[0]))
	default:
		statuses := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			statuses[i] = string(s)
		}
		q = q.Where("status IN ?", statuses)
	}
	return q
}

func (s *GormEntryStore) Create(ctx context.Context, entry *models.Entry) error {
	if err := s.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("create entry: %w", err)
	}
	return nil
}

func (s *GormEntryStore) FindOne(ctx context.Context, f Filter) (*models.Entry, error) {
	var entry models.Entry
	err := f.apply(s.db.WithContext(ctx)).Order("station_id ASC, position ASC, id ASC").Take(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find entry: %w", err)
	}
	return &entry, nil
}

func (s *GormEntryStore) FindMany(ctx context.Context, f Filter) ([]models.Entry, error) {
	var entries []models.Entry
	err := f.apply(s.db.WithContext(ctx)).Order("station_id ASC, position ASC, id ASC").Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("find entries: %w", err)
	}
	return entries, nil
}

func (s *GormEntryStore) Update(ctx context.Context, id uint, p Patch) error {
	if p.Empty() {
		return nil
	}
	updates := map[string]any{}
	if p.StationID != nil {
		updates["station_id"] = *p.StationID
	}
	if p.Position != nil {
		updates["position"] = *p.Position
	}
	if p.Status != nil {
		updates["status"] = string(*p.Status)
	}
	if p.DurationMinutes != nil {
		updates["duration_minutes"] = *p.DurationMinutes
	}
	if p.AllowOvertime != nil {
		updates["allow_overtime"] = *p.AllowOvertime
	}
	if p.ClearTiming {
		updates["charging_started_at"] = nil
		updates["estimated_end_time"] = nil
	}
	if p.ChargingStartedAt != nil {
		updates["charging_started_at"] = *p.ChargingStartedAt
	}
	if p.EstimatedEndTime != nil {
		updates["estimated_end_time"] = *p.EstimatedEndTime
	}

	res := s.db.WithContext(ctx).Model(&models.Entry{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return fmt.Errorf("update entry %d: %w", id, res.Error)
	}
	return nil
}

func (s *GormEntryStore) Delete(ctx context.Context, id uint) error {
	res := s.db.WithContext(ctx).Delete(&models.Entry{}, id)
	if res.Error != nil {
		return fmt.Errorf("delete entry %d: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *GormEntryStore) Count(ctx context.Context, f Filter) (int64, error) {
	var n int64
	if err := f.apply(s.db.WithContext(ctx).Model(&models.Entry{})).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count entries: %w", err)
	}
	return n, nil
}

func (s *GormEntryStore) CompareAndSetStatus(ctx context.Context, id uint, from, to models.EntryStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("id = ? AND status = ?", id, string(from)).
		Update("status", string(to))
	if res.Error != nil {
		return false, fmt.Errorf("transition entry %d %s->%s: %w", id, from, to, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *GormEntryStore) DeleteAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&models.Entry{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete all entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// GormUserDirectory implements UserDirectory on the users table.
type GormUserDirectory struct {
	db *gorm.DB
}

// NewGormUserDirectory wraps db.
func NewGormUserDirectory(db *gorm.DB) *GormUserDirectory {
	return &GormUserDirectory{db: db}
}

func (d *GormUserDirectory) Resolve(ctx context.Context, id uint) (models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).Where("id = ?", id).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("resolve user %d: %w", id, err)
	}
	return user, nil
}

func (d *GormUserDirectory) FindByEmail(ctx context.Context, email string) (models.User, error) {
	var user models.User
	err := d.db.WithContext(ctx).Where("email = ?", normalizeEmail(email)).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.User{}, ErrNotFound
	}
	if err != nil {
		return models.User{}, fmt.Errorf("find user by email: %w", err)
	}
	return user, nil
}

func (d *GormUserDirectory) Create(ctx context.Context, name, email string) (models.User, error) {
	user := models.User{Name: strings.TrimSpace(name), Email: normalizeEmail(email)}
	if user.Email == "" {
		return models.User{}, fmt.Errorf("create user: email required")
	}
	if err := d.db.WithContext(ctx).Create(&user).Error; err != nil {
		return models.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
