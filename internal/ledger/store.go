package ledger

import (
	"context"
	"fmt"
	"sync"
)

// Store is the whole-table backend contract. There is no row-level primitive:
// every mutation reads the full table and replaces it.
type Store interface {
	// EnsureTable provisions the table and its header when missing.
	EnsureTable(ctx context.Context, table Table) error
	// Read returns a normalized snapshot or ErrStoreUnavailable.
	Read(ctx context.Context, table Table) (Snapshot, error)
	// Replace overwrites the table with snapshot, failing with ErrStoreUnavailable or ErrStoreRejected.
	Replace(ctx context.Context, table Table, snapshot Snapshot) error
}

// MemoryStore keeps tables in process memory.
type MemoryStore struct {
	mu     sync.RWMutex
	tables map[string][]Row
}

// NewMemoryStore constructs an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{tables: make(map[string][]Row)}
}

func (s *MemoryStore) EnsureTable(ctx context.Context, table Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table.Name]; !ok {
		s.tables[table.Name] = nil
	}
	return nil
}

func (s *MemoryStore) Read(ctx context.Context, table Table) (Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.RLock()
	rows, ok := s.tables[table.Name]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, fmt.Errorf("%w: %w: %s", ErrStoreUnavailable, ErrUnknownTable, table.Name)
	}
	return NewSnapshot(NormalizeRows(table, rows)), nil
}

func (s *MemoryStore) Replace(ctx context.Context, table Table, snapshot Snapshot) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tables[table.Name]; !ok {
		return fmt.Errorf("%w: %w: %s", ErrStoreUnavailable, ErrUnknownTable, table.Name)
	}
	s.tables[table.Name] = snapshot.Rows()
	return nil
}
