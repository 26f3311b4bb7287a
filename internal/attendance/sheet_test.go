package attendance

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger/sheetstore"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

func TestClockOutOnWorkbookKeepsOperatorColumn(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "yard.xlsx")
	store, err := sheetstore.Open(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open workbook store: %v", err)
	}
	guard, err := ledger.NewGuard(ledger.GuardConfig{Store: store, Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to build guard: %v", err)
	}
	if err := guard.Provision(ctx, Table(testTable)); err != nil {
		t.Fatalf("failed to provision: %v", err)
	}

	workbook, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("failed to open workbook: %v", err)
	}
	if err := workbook.SetSheetRow(testTable, "A1", &[]any{ColumnUserID, ColumnDate, ColumnClockIn, ColumnClockOut, ColumnTotalHours, "note"}); err != nil {
		t.Fatalf("failed to write header: %v", err)
	}
	if err := workbook.SetSheetRow(testTable, "A2", &[]any{"E001", "2024-05-01", "09:00:00", "", "", "site B"}); err != nil {
		t.Fatalf("failed to write row: %v", err)
	}
	if err := workbook.Save(); err != nil {
		t.Fatalf("failed to save workbook: %v", err)
	}
	workbook.Close()

	location := mustLocation(t)
	service, err := NewService(ServiceConfig{Guard: guard, TableName: testTable, Location: location})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	if _, err := service.ClockOut(ctx, mustUserID(t, "E001"), at(t, location, "2024-05-01 18:00:00")); err != nil {
		t.Fatalf("clock-out failed: %v", err)
	}

	reopened, err := excelize.OpenFile(path)
	if err != nil {
		t.Fatalf("failed to reopen workbook: %v", err)
	}
	defer reopened.Close()
	note, err := reopened.GetCellValue(testTable, "F2")
	if err != nil {
		t.Fatalf("failed to read note: %v", err)
	}
	total, err := reopened.GetCellValue(testTable, "E2")
	if err != nil {
		t.Fatalf("failed to read total hours: %v", err)
	}
	if note != "site B" || total != "9.00" {
		t.Fatalf("expected note %q and total 9.00, got %q and %q", "site B", note, total)
	}
}
