package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/manifest"
	"go.uber.org/zap"
)

func openJournal(t *testing.T, path string) *BacklogJournal {
	t.Helper()
	db, err := OpenSQLite(path, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	journal, err := NewBacklogJournal(db, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to build journal: %v", err)
	}
	return journal
}

func backlogEntry(number string, recordedAt time.Time) manifest.BacklogEntry {
	return manifest.BacklogEntry{
		Record: manifest.Record{
			ManifestNumber: number,
			GrossWeight:    12000,
			TareWeight:     4000,
			Status:         manifest.StatusConfirmedExternal,
			ResultCode:     "00",
			AttemptID:      "attempt-" + number,
			ConfirmedAt:    recordedAt,
		},
		Cause:      "ledger: store unavailable",
		RecordedAt: recordedAt,
	}
}

func TestBacklogJournalSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backlog.db")
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

	first := openJournal(t, path)
	if err := first.SaveBacklogEntry(ctx, backlogEntry("M-2", base.Add(time.Minute))); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := first.SaveBacklogEntry(ctx, backlogEntry("M-1", base)); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	if err := first.SaveBacklogEntry(ctx, backlogEntry("M-1", base)); err != nil {
		t.Fatalf("repeated save failed: %v", err)
	}

	second := openJournal(t, path)
	entries, err := second.LoadBacklog(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].Record.ManifestNumber != "M-1" || entries[1].Record.ManifestNumber != "M-2" {
		t.Fatalf("expected oldest first, got %s, %s", entries[0].Record.ManifestNumber, entries[1].Record.ManifestNumber)
	}
	if entries[0].Record.NetWeight() != 8000 || entries[0].Record.AttemptID != "attempt-M-1" {
		t.Fatalf("unexpected restored record: %#v", entries[0].Record)
	}
	if !entries[0].RecordedAt.Equal(base) {
		t.Fatalf("unexpected recorded time %s", entries[0].RecordedAt)
	}

	if err := second.DeleteBacklogEntry(ctx, "M-1"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if err := second.DeleteBacklogEntry(ctx, "M-404"); err != nil {
		t.Fatalf("deleting an absent entry should succeed, got %v", err)
	}
	entries, err = second.LoadBacklog(ctx)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Record.ManifestNumber != "M-2" {
		t.Fatalf("expected only M-2 to remain, got %#v", entries)
	}
}

func TestNewBacklogJournalRequiresDatabase(t *testing.T) {
	if _, err := NewBacklogJournal(nil, nil); err == nil {
		t.Fatalf("expected missing database to be rejected")
	}
}
