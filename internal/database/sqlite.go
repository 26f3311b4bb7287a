package database

import (
	"fmt"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const busyTimeout = 5 * time.Second

// OpenSQLite opens the ledger database at path, runs schema migrations and returns the
// handle. A single connection is used so whole-table replaces never interleave.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("open ledger database %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&LedgerTable{}, &LedgerRow{}, &BacklogRecord{}, &migrationRecord{}); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate ledger schema: %w", err)
	}
	if err := applyMigrations(db, logger); err != nil {
		sqlDB.Close()
		return nil, err
	}

	logger.Info("ledger database ready", zap.String("path", path))
	return db, nil
}

// sqliteDSN adds a busy timeout and WAL journaling to plain file paths. DSNs that
// already carry options or point at memory are passed through.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") || strings.Contains(path, ":memory:") {
		return path
	}
	return fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)", path, busyTimeout.Milliseconds())
}
