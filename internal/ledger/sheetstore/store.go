// Package sheetstore keeps ledger tables as worksheets of a single .xlsx workbook.
// Row 1 of every worksheet holds the column names; data starts on row 2.
package sheetstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"
)

var (
	errMissingPath       = errors.New("sheetstore: workbook path is required")
	errUnsupportedFormat = errors.New("sheetstore: workbook must be an .xlsx file")
)

// Store implements ledger.Store on top of an excelize workbook file.
type Store struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// Open prepares a workbook at path, creating an empty one when it does not exist.
func Open(path string, logger *zap.Logger) (*Store, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, errMissingPath
	}
	if !strings.EqualFold(filepath.Ext(trimmed), ".xlsx") {
		return nil, errUnsupportedFormat
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	store := &Store{path: trimmed, logger: logger}

	if _, err := os.Stat(trimmed); errors.Is(err, os.ErrNotExist) {
		if err := os.MkdirAll(filepath.Dir(trimmed), 0o755); err != nil {
			return nil, fmt.Errorf("sheetstore: mkdir: %w", err)
		}
		workbook := excelize.NewFile()
		defer workbook.Close()
		if err := store.save(workbook); err != nil {
			return nil, err
		}
		logger.Info("workbook created", zap.String("path", trimmed))
	} else if err != nil {
		return nil, fmt.Errorf("sheetstore: stat: %w", err)
	}
	return store, nil
}

func (s *Store) EnsureTable(ctx context.Context, table ledger.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}

	workbook, err := s.open()
	if err != nil {
		return err
	}
	defer workbook.Close()

	index, err := workbook.GetSheetIndex(table.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	if index == -1 {
		if _, err := workbook.NewSheet(table.Name); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrStoreRejected, err)
		}
		if err := writeRow(workbook, table.Name, 1, table.Columns); err != nil {
			return err
		}
		s.logger.Info("worksheet provisioned", zap.String("table", table.Name))
		return s.save(workbook)
	}

	rows, err := workbook.GetRows(table.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	var header []string
	if len(rows) > 0 {
		header = rows[0]
	}
	merged, added := mergeHeader(header, table.Columns)
	if !added {
		return nil
	}
	if err := writeRow(workbook, table.Name, 1, merged); err != nil {
		return err
	}
	s.logger.Info("worksheet header extended", zap.String("table", table.Name), zap.Strings("columns", merged))
	return s.save(workbook)
}

func (s *Store) Read(ctx context.Context, table ledger.Table) (ledger.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return ledger.Snapshot{}, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}

	workbook, err := s.open()
	if err != nil {
		return ledger.Snapshot{}, err
	}
	defer workbook.Close()

	index, err := workbook.GetSheetIndex(table.Name)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	if index == -1 {
		return ledger.Snapshot{}, fmt.Errorf("%w: %w: %s", ledger.ErrStoreUnavailable, ledger.ErrUnknownTable, table.Name)
	}

	cells, err := workbook.GetRows(table.Name)
	if err != nil {
		return ledger.Snapshot{}, fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	if len(cells) == 0 {
		return ledger.NewSnapshot(nil), nil
	}

	header := cells[0]
	rows := make([]ledger.Row, 0, len(cells)-1)
	for _, values := range cells[1:] {
		row := make(ledger.Row, len(header))
		for position, column := range header {
			value := ""
			if position < len(values) {
				value = values[position]
			}
			row[strings.TrimSpace(column)] = value
		}
		rows = append(rows, row)
	}
	return ledger.NewSnapshot(ledger.NormalizeRows(table, rows)), nil
}

func (s *Store) Replace(ctx context.Context, table ledger.Table, snapshot ledger.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}

	workbook, err := s.open()
	if err != nil {
		return err
	}
	defer workbook.Close()

	index, err := workbook.GetSheetIndex(table.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	if index == -1 {
		return fmt.Errorf("%w: %w: %s", ledger.ErrStoreUnavailable, ledger.ErrUnknownTable, table.Name)
	}

	existing, err := workbook.GetRows(table.Name)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	var header []string
	if len(existing) > 0 {
		header = existing[0]
	}
	header, _ = mergeHeader(header, table.Columns)
	if err := writeRow(workbook, table.Name, 1, header); err != nil {
		return err
	}

	rows := snapshot.Rows()
	for offset, row := range rows {
		values := make([]string, len(header))
		for position, column := range header {
			values[position] = row.Get(strings.TrimSpace(column))
		}
		if err := writeRow(workbook, table.Name, offset+2, values); err != nil {
			return err
		}
	}
	// Drop leftover rows from the previous, longer table, bottom-up so indexes stay valid.
	for rowNumber := len(existing); rowNumber > len(rows)+1; rowNumber-- {
		if err := workbook.RemoveRow(table.Name, rowNumber); err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrStoreRejected, err)
		}
	}

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return s.save(workbook)
}

func (s *Store) open() (*excelize.File, error) {
	workbook, err := excelize.OpenFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("%w: open workbook: %v", ledger.ErrStoreUnavailable, err)
	}
	return workbook, nil
}

// save writes to a sibling temp file and renames it so readers never see a partial workbook.
func (s *Store) save(workbook *excelize.File) error {
	temporary := filepath.Join(filepath.Dir(s.path), ".pending-"+filepath.Base(s.path))
	if err := workbook.SaveAs(temporary); err != nil {
		return fmt.Errorf("%w: save workbook: %v", ledger.ErrStoreRejected, err)
	}
	if err := os.Rename(temporary, s.path); err != nil {
		_ = os.Remove(temporary)
		return fmt.Errorf("%w: replace workbook: %v", ledger.ErrStoreRejected, err)
	}
	return nil
}

func writeRow(workbook *excelize.File, sheet string, rowNumber int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, rowNumber)
	if err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreRejected, err)
	}
	cells := make([]interface{}, len(values))
	for position, value := range values {
		cells[position] = value
	}
	if err := workbook.SetSheetRow(sheet, cell, &cells); err != nil {
		return fmt.Errorf("%w: %v", ledger.ErrStoreRejected, err)
	}
	return nil
}

// mergeHeader keeps the existing column order and appends declared columns that are missing.
func mergeHeader(existing []string, declared []string) ([]string, bool) {
	merged := make([]string, 0, len(existing)+len(declared))
	present := make(map[string]struct{}, len(existing))
	for _, column := range existing {
		trimmed := strings.TrimSpace(column)
		merged = append(merged, trimmed)
		present[trimmed] = struct{}{}
	}
	added := false
	for _, column := range declared {
		if _, ok := present[column]; ok {
			continue
		}
		merged = append(merged, column)
		present[column] = struct{}{}
		added = true
	}
	return merged, added
}
