package db

import (
	"github.com/willer/trading-bot/internal/models"
)

func AutoMigrate(db *DB) error {
	if db == nil || db.Gorm == nil || db.SQL == nil {
		return nil
	}

	if err := db.Gorm.AutoMigrate(
		&models.Signal{},
		&models.SignalRetry{},
		&models.SystemSetting{},
	); err != nil {
		return err
	}
	// The scheduler scans pending entries by fire time on every tick.
	if !db.Gorm.Migrator().HasIndex(&models.SignalRetry{}, "idx_signal_retries_pending") {
		if err := db.Gorm.Exec(
			"CREATE INDEX IF NOT EXISTS idx_signal_retries_pending ON signal_retries (retry_time) WHERE retries_remaining > 0",
		).Error; err != nil {
			return err
		}
	}
	return nil
}
