/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/chargequeue/internal/models"
)

// activeUserIndex allows at most one queue entry per user. Finished entries
// are deleted, so every row in the table is active.
const activeUserIndex = "idx_queue_entries_one_per_user"

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		&models.User{},
		&models.Entry{},
	); err != nil {
		return fmt.Errorf("auto migrate: %w", err)
	}

	if err := applyOnePerUserGuard(database); err != nil {
		return fmt.Errorf("one entry per user guard: %w", err)
	}
	return nil
}

func applyOnePerUserGuard(database *gorm.DB) error {
	m := database.Migrator()
	if m.HasIndex(&models.Entry{}, activeUserIndex) {
		return nil
	}
	return database.Exec(fmt.Sprintf("CREATE UNIQUE INDEX %s ON queue_entries (user_id)", activeUserIndex)).Error
}
