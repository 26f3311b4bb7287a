package database

import (
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationRegisterOrphanLedgers = "2024-05-01_register_orphan_ledgers"

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migrationDefinition struct {
	name  string
	apply func(*gorm.DB) error
}

func applyMigrations(db *gorm.DB, logger *zap.Logger) error {
	migrations := []migrationDefinition{
		{name: migrationRegisterOrphanLedgers, apply: registerOrphanLedgers},
	}

	for _, migration := range migrations {
		var record migrationRecord
		err := db.Where("name = ?", migration.name).Take(&record).Error
		if err == nil {
			continue
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		if err := migration.apply(db); err != nil {
			return err
		}
		appliedAt := time.Now().UTC().Unix()
		if err := db.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error; err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// registerOrphanLedgers adds a ledger_tables entry for rows imported without one, so
// they become readable instead of reporting an unknown table.
func registerOrphanLedgers(db *gorm.DB) error {
	var orphanNames []string
	err := db.Model(&LedgerRow{}).
		Distinct("ledger").
		Where("ledger NOT IN (?)", db.Model(&LedgerTable{}).Select("name")).
		Pluck("ledger", &orphanNames).Error
	if err != nil {
		return err
	}
	for _, name := range orphanNames {
		if err := db.Create(&LedgerTable{Name: name, ColumnsJSON: "[]"}).Error; err != nil {
			return err
		}
	}
	return nil
}
