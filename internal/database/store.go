package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/ledger"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	insertBatchSize = 200
	queryLedger     = "ledger = ?"
	orderPosition   = "position ASC"
)

var errMissingDatabase = errors.New("database handle is required")

// LedgerTable registers a provisioned ledger and counts its replace-writes.
type LedgerTable struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	ColumnsJSON      string `gorm:"column:columns_json;type:text;not null"`
	Revision         int64  `gorm:"column:revision;not null;default:0"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (LedgerTable) TableName() string {
	return "ledger_tables"
}

// LedgerRow stores one ledger row as a JSON object of text cells.
type LedgerRow struct {
	Ledger    string `gorm:"column:ledger;primaryKey;size:190;not null"`
	Position  int    `gorm:"column:position;primaryKey;not null"`
	CellsJSON string `gorm:"column:cells_json;type:text;not null"`
}

// TableName provides the explicit table binding for GORM.
func (LedgerRow) TableName() string {
	return "ledger_rows"
}

// Store implements ledger.Store with one transaction per replace-write.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
	clock  func() time.Time
}

// NewStore wraps an opened database.
func NewStore(db *gorm.DB, logger *zap.Logger) (*Store, error) {
	if db == nil {
		return nil, errMissingDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: db, logger: logger, clock: time.Now}, nil
}

func (s *Store) EnsureTable(ctx context.Context, table ledger.Table) error {
	if err := table.Validate(); err != nil {
		return err
	}
	columnsJSON, err := json.Marshal(table.Columns)
	if err != nil {
		return err
	}
	record := LedgerTable{
		Name:             table.Name,
		ColumnsJSON:      string(columnsJSON),
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "name"}},
			DoUpdates: clause.AssignmentColumns([]string{"columns_json"}),
		}).
		Create(&record).Error
	if err != nil {
		return classify(err, ledger.ErrStoreUnavailable)
	}
	return nil
}

func (s *Store) Read(ctx context.Context, table ledger.Table) (ledger.Snapshot, error) {
	db := s.db.WithContext(ctx)

	var registered LedgerTable
	err := db.Where("name = ?", table.Name).Take(&registered).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Snapshot{}, fmt.Errorf("%w: %w: %s", ledger.ErrStoreUnavailable, ledger.ErrUnknownTable, table.Name)
	}
	if err != nil {
		return ledger.Snapshot{}, classify(err, ledger.ErrStoreUnavailable)
	}

	var stored []LedgerRow
	if err := db.Where(queryLedger, table.Name).Order(orderPosition).Find(&stored).Error; err != nil {
		return ledger.Snapshot{}, classify(err, ledger.ErrStoreUnavailable)
	}

	rows := make([]ledger.Row, 0, len(stored))
	for _, record := range stored {
		var cells map[string]string
		if err := json.Unmarshal([]byte(record.CellsJSON), &cells); err != nil {
			// A replace over a partial read would delete the row, so the whole read fails.
			s.logger.Error("undecodable ledger row",
				zap.String("table", table.Name),
				zap.Int("position", record.Position),
				zap.Error(err))
			return ledger.Snapshot{}, fmt.Errorf("%w: %s row %d: %v", ledger.ErrStoreRejected, table.Name, record.Position, err)
		}
		rows = append(rows, ledger.Row(cells))
	}
	return ledger.NewSnapshot(ledger.NormalizeRows(table, rows)), nil
}

func (s *Store) Replace(ctx context.Context, table ledger.Table, snapshot ledger.Snapshot) error {
	rows := snapshot.Rows()
	records := make([]LedgerRow, 0, len(rows))
	for position, row := range rows {
		cells, err := json.Marshal(map[string]string(row))
		if err != nil {
			return fmt.Errorf("%w: %v", ledger.ErrStoreRejected, err)
		}
		records = append(records, LedgerRow{Ledger: table.Name, Position: position, CellsJSON: string(cells)})
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		update := tx.Model(&LedgerTable{}).
			Where("name = ?", table.Name).
			Updates(map[string]interface{}{
				"revision":     gorm.Expr("revision + 1"),
				"updated_at_s": s.clock().UTC().Unix(),
			})
		if update.Error != nil {
			return classify(update.Error, ledger.ErrStoreRejected)
		}
		if update.RowsAffected == 0 {
			return fmt.Errorf("%w: %w: %s", ledger.ErrStoreUnavailable, ledger.ErrUnknownTable, table.Name)
		}
		if err := tx.Where(queryLedger, table.Name).Delete(&LedgerRow{}).Error; err != nil {
			return classify(err, ledger.ErrStoreRejected)
		}
		if len(records) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(records, insertBatchSize).Error; err != nil {
			return classify(err, ledger.ErrStoreRejected)
		}
		return nil
	})
	if err != nil && !errors.Is(err, ledger.ErrStoreUnavailable) && !errors.Is(err, ledger.ErrStoreRejected) {
		return classify(err, ledger.ErrStoreRejected)
	}
	return err
}

// Revision reports how many replace-writes the table has received.
func (s *Store) Revision(ctx context.Context, name string) (int64, error) {
	var registered LedgerTable
	err := s.db.WithContext(ctx).Where("name = ?", name).Take(&registered).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, fmt.Errorf("%w: %w: %s", ledger.ErrStoreUnavailable, ledger.ErrUnknownTable, name)
	}
	if err != nil {
		return 0, classify(err, ledger.ErrStoreUnavailable)
	}
	return registered.Revision, nil
}

func classify(err error, fallback error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ledger.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}
