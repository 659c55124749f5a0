package database

import (
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	migrationLowercaseUsernames     = "2026-09-02_lowercase_usernames"
	migrationDropOrphanedAttributes = "2026-09-14_drop_orphaned_user_attributes"
)

type migrationRecord struct {
	Name             string `gorm:"column:name;primaryKey;size:190;not null"`
	AppliedAtSeconds int64  `gorm:"column:applied_at_s;not null"`
}

func (migrationRecord) TableName() string {
	return "db_migrations"
}

type migration struct {
	name  string
	apply func(tx *gorm.DB) error
}

// migrations run once each, in order.
var migrations = []migration{
	{name: migrationLowercaseUsernames, apply: lowercaseUsernames},
	{name: migrationDropOrphanedAttributes, apply: dropOrphanedAttributes},
}

func applyMigrations(db *gorm.DB, logger *zap.Logger, now func() time.Time) error {
	for _, step := range migrations {
		applied, err := migrationApplied(db, step.name)
		if err != nil {
			return err
		}
		if applied {
			continue
		}
		err = db.Transaction(func(tx *gorm.DB) error {
			if err := step.apply(tx); err != nil {
				return err
			}
			return tx.Create(&migrationRecord{Name: step.name, AppliedAtSeconds: now().UTC().Unix()}).Error
		})
		if err != nil {
			return fmt.Errorf("migration %s: %w", step.name, err)
		}
		logger.Info("database migration applied", zap.String("migration", step.name))
	}
	return nil
}

func migrationApplied(db *gorm.DB, name string) (bool, error) {
	var record migrationRecord
	err := db.Where("name = ?", name).Take(&record).Error
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return false, nil
	default:
		return false, err
	}
}

// lowercaseUsernames aligns rows written before usernames were normalized on insert.
func lowercaseUsernames(tx *gorm.DB) error {
	return tx.Exec(fmt.Sprintf("UPDATE %s SET username = LOWER(username) WHERE username <> LOWER(username)", users.AccountsTable)).Error
}

// dropOrphanedAttributes removes attribute rows whose account no longer exists.
func dropOrphanedAttributes(tx *gorm.DB) error {
	return tx.Exec(fmt.Sprintf(
		"DELETE FROM %s WHERE user_id NOT IN (SELECT id FROM %s)",
		users.AttributesTable, users.AccountsTable,
	)).Error
}
