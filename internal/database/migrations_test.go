package database

import (
	"path/filepath"
	"testing"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func TestApplyMigrationsRegistersOrphanLedgers(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&LedgerTable{}, &LedgerRow{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	if err := database.Create(&LedgerTable{Name: "attendance", ColumnsJSON: `["user_id"]`}).Error; err != nil {
		testContext.Fatalf("failed to insert registered ledger: %v", err)
	}
	imported := []LedgerRow{
		{Ledger: "attendance", Position: 0, CellsJSON: `{"user_id":"E001"}`},
		{Ledger: "manifests", Position: 0, CellsJSON: `{"manifest_number":"M-1"}`},
		{Ledger: "manifests", Position: 1, CellsJSON: `{"manifest_number":"M-2"}`},
	}
	if err := database.Create(&imported).Error; err != nil {
		testContext.Fatalf("failed to insert rows: %v", err)
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var registered []LedgerTable
	if err := database.Order("name ASC").Find(&registered).Error; err != nil {
		testContext.Fatalf("failed to load ledgers: %v", err)
	}
	if len(registered) != 2 || registered[1].Name != "manifests" {
		testContext.Fatalf("expected orphan ledger to be registered, got %#v", registered)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationRegisterOrphanLedgers).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-run to be a no-op, got %v", err)
	}
}

func TestSQLiteDSNAddsPragmasToPlainPaths(t *testing.T) {
	testCases := map[string]string{
		"ledger.db":               "ledger.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		"file::memory:":           "file::memory:",
		"ledger.db?mode=ro":       "ledger.db?mode=ro",
		"/var/lib/yard/ledger.db": "/var/lib/yard/ledger.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
	}
	for input, want := range testCases {
		if got := sqliteDSN(input); got != want {
			t.Fatalf("sqliteDSN(%q) = %q, want %q", input, got, want)
		}
	}
}
