package manifest

import (
	"context"

	"go.uber.org/zap"
)

// BacklogJournal persists split-brain entries outside the ledger, so a restart does not
// forget that the regulator already holds a manifest.
type BacklogJournal interface {
	LoadBacklog(ctx context.Context) ([]BacklogEntry, error)
	SaveBacklogEntry(ctx context.Context, entry BacklogEntry) error
	DeleteBacklogEntry(ctx context.Context, manifestNumber string) error
}

// BacklogDurable reports whether backlog entries survive a restart.
func (s *Service) BacklogDurable() bool {
	return s.journal != nil
}

// RestoreBacklog loads journaled entries into the in-memory backlog and returns how many
// were restored. Entries already present are kept.
func (s *Service) RestoreBacklog(ctx context.Context) (int, error) {
	if s.journal == nil {
		return 0, nil
	}
	entries, err := s.journal.LoadBacklog(ctx)
	if err != nil {
		return 0, newServiceError(opRestoreBacklog, "journal_unavailable", err)
	}
	restored := 0
	s.mu.Lock()
	for _, entry := range entries {
		if _, exists := s.backlog[entry.Record.ManifestNumber]; exists {
			continue
		}
		s.backlog[entry.Record.ManifestNumber] = entry
		restored++
	}
	s.mu.Unlock()
	if restored > 0 {
		s.logger.Warn("restored manifests awaiting reconciliation", zap.Int("count", restored))
	}
	return restored, nil
}
