package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationNormalizeSyncStatus  = "2025-01-15_normalize_sync_status"
	migrationBackfillDeletedFlags = "2025-01-15_backfill_deleted_flags"
)

type migrationRecord struct {
	Name      string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAt string `gorm:"column:applied_at;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationNormalizeSyncStatus, apply: normalizeSyncStatus},
		{name: migrationBackfillDeletedFlags, apply: backfillDeletedFlags},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Format(time.RFC3339)
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAt: appliedAt}).Error
		})
		if err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// normalizeSyncStatus rewrites status values written by early desktop builds.
func normalizeSyncStatus(db *gorm.DB) error {
	legacy := map[string]string{
		"synced":      "succeeded",
		"in_progress": "in-flight",
		"inflight":    "in-flight",
		"error":       "failed",
	}
	for from, to := range legacy {
		if err := db.Exec("UPDATE sync_meta SET status = ? WHERE status = ?", to, from).Error; err != nil {
			return err
		}
	}
	return nil
}

func backfillDeletedFlags(db *gorm.DB) error {
	if err := db.Exec("UPDATE goals SET deleted = 0 WHERE deleted IS NULL").Error; err != nil {
		return err
	}
	return db.Exec("UPDATE daily_progress SET deleted = 0 WHERE deleted IS NULL").Error
}
