package database

import (
	"errors"
	"time"

	"github.com/adhilroshan/callendar/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const migrationTrimUserPhoneNumbers = "2026-10-01_trim_user_phone_numbers"

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
		{name: migrationTrimUserPhoneNumbers, apply: trimUserPhoneNumbers},
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
		if err := db.Transaction(func(tx *gorm.DB) error {
			if err := migration.apply(tx); err != nil {
				return err
			}
			appliedAt := time.Now().UTC().Unix()
			return tx.Create(&migrationRecord{Name: migration.name, AppliedAtSeconds: appliedAt}).Error
		}); err != nil {
			return err
		}
		if logger != nil {
			logger.Info("database migration applied", zap.String("migration", migration.name))
		}
	}
	return nil
}

// trimUserPhoneNumbers normalizes numbers saved with surrounding whitespace so
// eligibility checks agree with the stored value.
func trimUserPhoneNumbers(db *gorm.DB) error {
	return db.Model(&users.User{}).
		Where("phone_number IS NOT NULL AND phone_number <> TRIM(phone_number)").
		Update("phone_number", gorm.Expr("TRIM(phone_number)")).Error
}
