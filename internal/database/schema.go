package database

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/pressly/goose/v3"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// ApplySchema brings the tracker schema up to date and runs pending data repairs.
// It is idempotent and safe on databases created by earlier releases of the desktop application.
func ApplySchema(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	if db == nil {
		return fmt.Errorf("database handle is required")
	}
	if err := runSchemaMigrations(ctx, db, logger); err != nil {
		return err
	}
	if err := db.WithContext(ctx).AutoMigrate(&migrationRecord{}); err != nil {
		return fmt.Errorf("create migration ledger: %w", err)
	}
	return applyMigrations(db.WithContext(ctx), logger)
}

func runSchemaMigrations(ctx context.Context, db *gorm.DB, logger *zap.Logger) error {
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	migrationsDir, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("open embedded migrations: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, sqlDB, migrationsDir)
	if err != nil {
		return fmt.Errorf("configure schema migrations: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("apply schema migrations: %w", err)
	}
	if logger != nil {
		for _, result := range results {
			if result == nil || result.Source == nil {
				continue
			}
			logger.Info("schema migration applied", zap.Int64("version", result.Source.Version))
		}
	}
	return nil
}
