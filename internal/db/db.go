package db

import (
	"fmt"
	"strings"

	"plexwrapped/internal/auth"
	"plexwrapped/internal/integrations"
	"plexwrapped/internal/jobs"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const sqlitePrefix = "sqlite://"

// Connect opens Postgres for postgres:// DSNs and SQLite for sqlite://<path> DSNs.
func Connect(dsn string) (*gorm.DB, error) {
	cfg := &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Warn),
	}

	if strings.HasPrefix(dsn, sqlitePrefix) {
		path := strings.TrimPrefix(dsn, sqlitePrefix)
		gdb, err := gorm.Open(sqlite.Open(path+"?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"), cfg)
		if err != nil {
			return nil, err
		}
		// single writer; SQLite serializes writes anyway
		sqlDB, err := gdb.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
		return gdb, nil
	}

	return gorm.Open(postgres.Open(dsn), cfg)
}

func AutoMigrateAndIndexes(gdb *gorm.DB) error {
	if err := gdb.AutoMigrate(
		&auth.User{},
		&jobs.GenerationJob{},
		&integrations.Setting{},
	); err != nil {
		return err
	}

	stmts := []string{
		`create index if not exists idx_generation_jobs_status_started on generation_jobs(status, started_at);`,
		`create index if not exists idx_generation_jobs_period on generation_jobs(period, subject_id);`,
	}
	for _, s := range stmts {
		if err := gdb.Exec(s).Error; err != nil {
			return fmt.Errorf("index exec failed: %w (sql=%s)", err, s)
		}
	}
	return nil
}
