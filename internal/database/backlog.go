package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/yardledger/backend/internal/manifest"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingJournalDatabase = errors.New("backlog journal: database is required")

// BacklogRecord is one manifest the regulator confirmed but the ledger does not hold.
type BacklogRecord struct {
	ManifestNumber    string `gorm:"column:manifest_number;primaryKey;size:190;not null"`
	EntryJSON         string `gorm:"column:entry_json;type:text;not null"`
	RecordedAtSeconds int64  `gorm:"column:recorded_at_seconds;not null;index"`
}

// TableName provides the explicit table binding for GORM.
func (BacklogRecord) TableName() string {
	return "manifest_backlog"
}

// BacklogJournal keeps the split-brain backlog in SQLite so it survives restarts.
type BacklogJournal struct {
	db     *gorm.DB
	logger *zap.Logger
}

func NewBacklogJournal(db *gorm.DB, logger *zap.Logger) (*BacklogJournal, error) {
	if db == nil {
		return nil, errMissingJournalDatabase
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BacklogJournal{db: db, logger: logger}, nil
}

// LoadBacklog returns journaled entries, oldest first.
func (j *BacklogJournal) LoadBacklog(ctx context.Context) ([]manifest.BacklogEntry, error) {
	var stored []BacklogRecord
	err := j.db.WithContext(ctx).
		Order("recorded_at_seconds").
		Order("manifest_number").
		Find(&stored).Error
	if err != nil {
		return nil, fmt.Errorf("load backlog: %w", err)
	}
	entries := make([]manifest.BacklogEntry, 0, len(stored))
	for _, record := range stored {
		var entry manifest.BacklogEntry
		if err := json.Unmarshal([]byte(record.EntryJSON), &entry); err != nil {
			return nil, fmt.Errorf("decode backlog entry %s: %w", record.ManifestNumber, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SaveBacklogEntry inserts or replaces the entry for its manifest number.
func (j *BacklogJournal) SaveBacklogEntry(ctx context.Context, entry manifest.BacklogEntry) error {
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode backlog entry %s: %w", entry.Record.ManifestNumber, err)
	}
	record := BacklogRecord{
		ManifestNumber:    entry.Record.ManifestNumber,
		EntryJSON:         string(encoded),
		RecordedAtSeconds: entry.RecordedAt.Unix(),
	}
	err = j.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "manifest_number"}},
			DoUpdates: clause.AssignmentColumns([]string{"entry_json", "recorded_at_seconds"}),
		}).
		Create(&record).Error
	if err != nil {
		return fmt.Errorf("save backlog entry %s: %w", entry.Record.ManifestNumber, err)
	}
	j.logger.Info("backlog entry journaled", zap.String("manifest_number", entry.Record.ManifestNumber))
	return nil
}

// DeleteBacklogEntry removes a reconciled manifest. Deleting an absent number is not an error.
func (j *BacklogJournal) DeleteBacklogEntry(ctx context.Context, manifestNumber string) error {
	err := j.db.WithContext(ctx).
		Where("manifest_number = ?", manifestNumber).
		Delete(&BacklogRecord{}).Error
	if err != nil {
		return fmt.Errorf("delete backlog entry %s: %w", manifestNumber, err)
	}
	return nil
}
