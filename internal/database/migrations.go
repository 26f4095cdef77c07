package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/mirror"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationIndexAuthority = "2026-10-01_index_data_account_authority"
	authorityIndexName      = "idx_data_account_index_authority"
)

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
		{name: migrationIndexAuthority, apply: indexAuthority},
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

func indexAuthority(db *gorm.DB) error {
	statement := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON "%s" (authority)`, authorityIndexName, mirror.TableName)
	return db.Exec(statement).Error
}
