package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

const maxTableNameLength = 190

var (
	// ErrStoreUnavailable indicates the backend could not be reached, timed out, or the table does not exist.
	ErrStoreUnavailable = errors.New("ledger: store unavailable")
	// ErrStoreRejected indicates the backend refused a replace-write.
	ErrStoreRejected = errors.New("ledger: store rejected write")
	// ErrConcurrentModification indicates the table changed between the read and the write.
	ErrConcurrentModification = errors.New("ledger: concurrent modification")
	// ErrUnknownTable indicates the requested table has not been provisioned.
	ErrUnknownTable = errors.New("ledger: unknown table")
	// ErrInvalidTable indicates a malformed table descriptor.
	ErrInvalidTable = errors.New("ledger: invalid table")
)

// Table describes one logical ledger backed by a whole-table store.
type Table struct {
	Name       string
	Columns    []string
	KeyColumns []string
}

// Validate ensures the descriptor can be used against a store.
func (t Table) Validate() error {
	name := strings.TrimSpace(t.Name)
	if name == "" {
		return fmt.Errorf("%w: empty name", ErrInvalidTable)
	}
	if len(name) > maxTableNameLength {
		return fmt.Errorf("%w: name exceeds %d characters", ErrInvalidTable, maxTableNameLength)
	}
	if len(t.Columns) == 0 {
		return fmt.Errorf("%w: %s has no columns", ErrInvalidTable, name)
	}
	known := make(map[string]struct{}, len(t.Columns))
	for _, column := range t.Columns {
		if strings.TrimSpace(column) == "" {
			return fmt.Errorf("%w: %s has an empty column name", ErrInvalidTable, name)
		}
		known[column] = struct{}{}
	}
	for _, key := range t.KeyColumns {
		if _, ok := known[key]; !ok {
			return fmt.Errorf("%w: key column %q not declared on %s", ErrInvalidTable, key, name)
		}
	}
	return nil
}

func (t Table) isKey(column string) bool {
	for _, key := range t.KeyColumns {
		if key == column {
			return true
		}
	}
	return false
}

// Row is one ledger row; every value is text and an empty string means absent.
type Row map[string]string

// Get returns the value stored under column.
func (r Row) Get(column string) string {
	return r[column]
}

// Clone returns an independent copy of the row.
func (r Row) Clone() Row {
	copied := make(Row, len(r))
	for column, value := range r {
		copied[column] = value
	}
	return copied
}

func (r Row) empty() bool {
	for _, value := range r {
		if value != "" {
			return false
		}
	}
	return true
}

var zeroDecimalSuffix = regexp.MustCompile(`^([+-]?[0-9]+)\.0+$`)

// NormalizeKey strips surrounding whitespace and the zero-decimal suffix spreadsheets attach
// to numeric-looking identifiers, so "1001.0" and " 1001 " compare equal to "1001".
func NormalizeKey(value string) string {
	trimmed := strings.TrimSpace(value)
	if match := zeroDecimalSuffix.FindStringSubmatch(trimmed); match != nil {
		return match[1]
	}
	return trimmed
}

// NormalizeRows trims every cell, normalizes key cells, and drops rows with no content.
// Stores call it on every read before rows reach a caller.
func NormalizeRows(table Table, rows []Row) []Row {
	normalized := make([]Row, 0, len(rows))
	for _, row := range rows {
		clean := make(Row, len(row))
		for column, value := range row {
			column = strings.TrimSpace(column)
			if column == "" {
				continue
			}
			if table.isKey(column) {
				clean[column] = NormalizeKey(value)
			} else {
				clean[column] = strings.TrimSpace(value)
			}
		}
		if clean.empty() {
			continue
		}
		normalized = append(normalized, clean)
	}
	return normalized
}

// Snapshot is a point-in-time, insertion-ordered materialization of a whole table.
// Mutating helpers return a new Snapshot and never modify the receiver.
type Snapshot struct {
	rows []Row
}

// NewSnapshot builds a snapshot over copies of rows.
func NewSnapshot(rows []Row) Snapshot {
	copied := make([]Row, 0, len(rows))
	for _, row := range rows {
		copied = append(copied, row.Clone())
	}
	return Snapshot{rows: copied}
}

// Len returns the number of rows.
func (s Snapshot) Len() int {
	return len(s.rows)
}

// Rows returns copies of the rows in insertion order.
func (s Snapshot) Rows() []Row {
	copied := make([]Row, 0, len(s.rows))
	for _, row := range s.rows {
		copied = append(copied, row.Clone())
	}
	return copied
}

// Append returns a snapshot with row added at the end.
func (s Snapshot) Append(row Row) Snapshot {
	next := s.Rows()
	next = append(next, row.Clone())
	return Snapshot{rows: next}
}

// ReplaceAt returns a snapshot with the row at index swapped for row.
func (s Snapshot) ReplaceAt(index int, row Row) (Snapshot, error) {
	if index < 0 || index >= len(s.rows) {
		return Snapshot{}, fmt.Errorf("ledger: row index %d out of range [0,%d)", index, len(s.rows))
	}
	next := s.Rows()
	next[index] = row.Clone()
	return Snapshot{rows: next}, nil
}

// FindLast returns the latest row satisfying match; later rows win ties.
func (s Snapshot) FindLast(match func(Row) bool) (int, Row, bool) {
	for index := len(s.rows) - 1; index >= 0; index-- {
		if match(s.rows[index]) {
			return index, s.rows[index].Clone(), true
		}
	}
	return -1, nil, false
}

// Filter returns copies of every row satisfying match in insertion order.
func (s Snapshot) Filter(match func(Row) bool) []Row {
	var matched []Row
	for _, row := range s.rows {
		if match(row) {
			matched = append(matched, row.Clone())
		}
	}
	return matched
}

// Fingerprint hashes the full content so two reads can be compared for staleness.
func (s Snapshot) Fingerprint() string {
	hasher := sha256.New()
	for _, row := range s.rows {
		columns := make([]string, 0, len(row))
		for column, value := range row {
			if value == "" {
				continue
			}
			columns = append(columns, column)
		}
		sort.Strings(columns)
		for _, column := range columns {
			hasher.Write([]byte(column))
			hasher.Write([]byte{0x1f})
			hasher.Write([]byte(row[column]))
			hasher.Write([]byte{0x1f})
		}
		hasher.Write([]byte{0x1e})
	}
	return hex.EncodeToString(hasher.Sum(nil))
}
