package manifest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

type memoryJournal struct {
	mu      sync.Mutex
	entries map[string]BacklogEntry
	deleted []string
	loadErr error
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{entries: make(map[string]BacklogEntry)}
}

func (j *memoryJournal) LoadBacklog(ctx context.Context) ([]BacklogEntry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.loadErr != nil {
		return nil, j.loadErr
	}
	entries := make([]BacklogEntry, 0, len(j.entries))
	for _, entry := range j.entries {
		entries = append(entries, entry)
	}
	return entries, nil
}

func (j *memoryJournal) SaveBacklogEntry(ctx context.Context, entry BacklogEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries[entry.Record.ManifestNumber] = entry
	return nil
}

func (j *memoryJournal) DeleteBacklogEntry(ctx context.Context, manifestNumber string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.entries, manifestNumber)
	j.deleted = append(j.deleted, manifestNumber)
	return nil
}

func (j *memoryJournal) size() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

func newJournaledService(t *testing.T, harness manifestHarness, journal BacklogJournal) *Service {
	t.Helper()
	service, err := NewService(ServiceConfig{
		Guard:                   harness.guard,
		TableName:               testTable,
		Regulator:               harness.regulator,
		DefaultCertificationKey: "DEFAULT-CERT",
		Journal:                 journal,
		Logger:                  zap.NewNop(),
		Clock:                   func() time.Time { return time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service
}

func TestBacklogSurvivesRestartThroughJournal(t *testing.T) {
	harness := newManifestHarness(t)
	ctx := context.Background()
	journal := newMemoryJournal()
	input := Input{ManifestNumber: "M-8", GrossWeight: 12000, TareWeight: 4000}

	before := newJournaledService(t, harness, journal)
	if !before.BacklogDurable() {
		t.Fatalf("expected a journaled backlog to be durable")
	}
	harness.store.failing.Store(true)
	if _, err := before.Submit(ctx, input, "E001"); !errors.Is(err, ErrConfirmedExternallyButNotRecorded) {
		t.Fatalf("expected split-brain, got %v", err)
	}
	harness.store.failing.Store(false)
	if journal.size() != 1 {
		t.Fatalf("expected split-brain entry to be journaled, got %d", journal.size())
	}

	after := newJournaledService(t, harness, journal)
	restored, err := after.RestoreBacklog(ctx)
	if err != nil {
		t.Fatalf("restore failed: %v", err)
	}
	if restored != 1 || len(after.Backlog()) != 1 {
		t.Fatalf("expected one restored entry, got %d", restored)
	}

	_, err = after.Submit(ctx, input, "E001")
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "manifest.submit.reconcile_required" {
		t.Fatalf("expected restored entry to block resubmission, got %v", err)
	}
	if submits, _ := harness.regulator.counts(); submits != 1 {
		t.Fatalf("expected no second regulator submission after restart, got %d", submits)
	}

	if _, err := after.Reconcile(ctx, "M-8"); err != nil {
		t.Fatalf("reconcile failed: %v", err)
	}
	if journal.size() != 0 || len(journal.deleted) != 1 || journal.deleted[0] != "M-8" {
		t.Fatalf("expected reconcile to clear the journal, got %d left, deleted %v", journal.size(), journal.deleted)
	}
}

func TestRestoreBacklogReportsJournalFailure(t *testing.T) {
	harness := newManifestHarness(t)
	journal := newMemoryJournal()
	journal.loadErr = errors.New("disk gone")
	service := newJournaledService(t, harness, journal)

	_, err := service.RestoreBacklog(context.Background())
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "manifest.restore_backlog.journal_unavailable" {
		t.Fatalf("expected journal_unavailable code, got %v", err)
	}
}

func TestBacklogWithoutJournalIsNotDurable(t *testing.T) {
	harness := newManifestHarness(t)
	if harness.service.BacklogDurable() {
		t.Fatalf("expected in-memory backlog to report itself as volatile")
	}
	if restored, err := harness.service.RestoreBacklog(context.Background()); err != nil || restored != 0 {
		t.Fatalf("expected restore without journal to be a no-op, got %d, %v", restored, err)
	}
}
