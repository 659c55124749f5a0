// Package database opens the local identity store.
package database

import (
	"errors"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var errMissingPath = errors.New("database: path is required")

// OpenSQLite opens the local identity store, creates its schema and runs pending migrations.
// SQLite serializes writers, so the pool is limited to a single connection.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, errMissingPath
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(append(users.Models(), &migrationRecord{})...); err != nil {
		return nil, err
	}
	if err := applyMigrations(db, logger, time.Now); err != nil {
		return nil, err
	}

	logger.Info("local store ready", zap.String("path", path))
	return db, nil
}
