package database

import (
	"context"
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const legacySchema = `
CREATE TABLE users (id TEXT PRIMARY KEY, email TEXT NOT NULL UNIQUE, created_at TEXT NOT NULL);
CREATE TABLE goals (id TEXT PRIMARY KEY, user_id TEXT NOT NULL, title TEXT NOT NULL, description TEXT NOT NULL,
	start_date TEXT NOT NULL, end_date TEXT NOT NULL, target_units INTEGER, created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL, deleted INTEGER DEFAULT 0, FOREIGN KEY (user_id) REFERENCES users(id));
CREATE TABLE daily_progress (id TEXT PRIMARY KEY, goal_id TEXT NOT NULL, date TEXT NOT NULL, value REAL NOT NULL,
	note TEXT NOT NULL, created_at TEXT NOT NULL, updated_at TEXT NOT NULL, deleted INTEGER DEFAULT 0,
	FOREIGN KEY (goal_id) REFERENCES goals(id), UNIQUE(goal_id, date));
CREATE TABLE sync_meta (id INTEGER PRIMARY KEY AUTOINCREMENT, entity_type TEXT NOT NULL, entity_id TEXT NOT NULL,
	operation TEXT NOT NULL, last_attempt_at TEXT, status TEXT NOT NULL DEFAULT 'pending',
	UNIQUE(entity_type, entity_id, operation));
CREATE TABLE sync_settings (user_id TEXT PRIMARY KEY, last_sync_at TEXT NOT NULL);
`

func openRawDatabase(t *testing.T) *gorm.DB {
	t.Helper()
	databasePath := filepath.Join(t.TempDir(), "migration.db")
	db, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	return db
}

func TestApplySchemaCreatesTablesAndIndexes(t *testing.T) {
	db := openRawDatabase(t)

	if err := ApplySchema(context.Background(), db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	for _, table := range []string{"users", "goals", "daily_progress", "sync_meta", "sync_settings", "hub_changes", "hub_credentials", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %s to exist", table)
		}
	}

	expectedIndexes := []string{
		"idx_goals_user_id",
		"idx_goals_deleted",
		"idx_daily_progress_goal_id",
		"idx_daily_progress_date",
		"idx_sync_meta_status",
		"idx_hub_changes_user_received",
	}
	for _, index := range expectedIndexes {
		var count int64
		if err := db.Raw("SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = ?", index).Scan(&count).Error; err != nil {
			t.Fatalf("failed to inspect index %s: %v", index, err)
		}
		if count != 1 {
			t.Fatalf("expected index %s to exist", index)
		}
	}

	if err := ApplySchema(context.Background(), db, zap.NewNop()); err != nil {
		t.Fatalf("expected schema application to be idempotent: %v", err)
	}
}

func TestApplySchemaAdoptsLegacyDatabase(t *testing.T) {
	db := openRawDatabase(t)
	if err := db.Exec(legacySchema).Error; err != nil {
		t.Fatalf("failed to create legacy schema: %v", err)
	}
	statements := []string{
		"INSERT INTO users (id, email, created_at) VALUES ('user-1', 'ada@example.com', '2024-01-01T00:00:00.000Z')",
		"INSERT INTO goals (id, user_id, title, description, start_date, end_date, created_at, updated_at, deleted) " +
			"VALUES ('goal-1', 'user-1', 'Run', '', '2024-01-01', '2024-01-31', '2024-01-01T00:00:00.000Z', '2024-01-01T00:00:00.000Z', NULL)",
		"INSERT INTO sync_meta (entity_type, entity_id, operation, status) VALUES ('goal', 'goal-1', 'create', 'synced')",
		"INSERT INTO sync_meta (entity_type, entity_id, operation, status) VALUES ('goal', 'goal-1', 'update', 'in_progress')",
	}
	for _, statement := range statements {
		if err := db.Exec(statement).Error; err != nil {
			t.Fatalf("failed to seed legacy row: %v", err)
		}
	}

	if err := ApplySchema(context.Background(), db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}

	var statuses []string
	if err := db.Table("sync_meta").Order("id").Pluck("status", &statuses).Error; err != nil {
		t.Fatalf("failed to read statuses: %v", err)
	}
	if len(statuses) != 2 || statuses[0] != "succeeded" || statuses[1] != "in-flight" {
		t.Fatalf("unexpected normalized statuses: %v", statuses)
	}

	var nullFlags int64
	if err := db.Raw("SELECT COUNT(*) FROM goals WHERE deleted IS NULL").Scan(&nullFlags).Error; err != nil {
		t.Fatalf("failed to inspect deleted flags: %v", err)
	}
	if nullFlags != 0 {
		t.Fatalf("expected deleted flags to be backfilled, found %d null rows", nullFlags)
	}

	var record migrationRecord
	if err := db.Where("name = ?", migrationNormalizeSyncStatus).Take(&record).Error; err != nil {
		t.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAt == "" {
		t.Fatalf("expected migration timestamp to be set")
	}
}

func TestApplyMigrationsRunsOnce(t *testing.T) {
	db := openRawDatabase(t)
	if err := ApplySchema(context.Background(), db, zap.NewNop()); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	if err := db.Exec("INSERT INTO sync_meta (entity_type, entity_id, operation, status) VALUES ('goal', 'goal-9', 'create', 'synced')").Error; err != nil {
		t.Fatalf("failed to seed row: %v", err)
	}

	if err := applyMigrations(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to reapply migrations: %v", err)
	}

	var status string
	if err := db.Raw("SELECT status FROM sync_meta WHERE entity_id = 'goal-9'").Scan(&status).Error; err != nil {
		t.Fatalf("failed to read status: %v", err)
	}
	if status != "synced" {
		t.Fatalf("expected recorded migration to be skipped, got status %q", status)
	}
}

func TestOpenSQLiteEnforcesForeignKeys(t *testing.T) {
	databasePath := filepath.Join(t.TempDir(), "tracker.db")
	db, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { _ = Close(db) })

	err = db.Exec("INSERT INTO goals (id, user_id, title, description, start_date, end_date, created_at, updated_at) " +
		"VALUES ('goal-1', 'missing', 'Run', '', '2024-01-01', '2024-01-31', '2024-01-01T00:00:00.000Z', '2024-01-01T00:00:00.000Z')").Error
	if err == nil {
		t.Fatalf("expected foreign key violation for unknown user")
	}
}

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("  ", zap.NewNop()); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
