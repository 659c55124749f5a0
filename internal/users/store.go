// Package users is the local identity store: accounts, attributes, credentials and pending actions.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates no local account or credential matched.
	ErrNotFound = errors.New("users: not found")
	// ErrDuplicate indicates the username is already taken.
	ErrDuplicate = errors.New("users: duplicate account")
	// ErrInvalidAccount indicates the account lacks a username.
	ErrInvalidAccount = errors.New("users: invalid account")
)

// StoreConfig describes the dependencies of the local store.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
	// DefaultRequiredActions are attached to every newly created account.
	DefaultRequiredActions []string
}

// Store persists local accounts with gorm.
type Store struct {
	db             *gorm.DB
	now            func() time.Time
	logger         *zap.Logger
	defaultActions []string
}

// NewStore constructs the local store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	var actions []string
	for _, action := range cfg.DefaultRequiredActions {
		if trimmed := strings.ToUpper(normalize(action)); trimmed != "" {
			actions = append(actions, trimmed)
		}
	}
	return &Store{
		db:             cfg.Database,
		now:            clock,
		logger:         logger,
		defaultActions: actions,
	}, nil
}

// FindByID loads an account by its local id.
func (s *Store) FindByID(ctx context.Context, id string) (*Account, error) {
	return s.find(ctx, "id = ?", normalize(id))
}

// FindByUsername loads an account by its case-insensitive username.
func (s *Store) FindByUsername(ctx context.Context, username string) (*Account, error) {
	return s.find(ctx, "username = ?", normalizeUsername(username))
}

func (s *Store) find(ctx context.Context, condition string, value string) (*Account, error) {
	if value == "" {
		return nil, ErrNotFound
	}
	var record accountRecord
	err := s.db.WithContext(ctx).Where(condition, value).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("users: load account: %w", err)
	}
	var attributes []attributeRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", record.ID).Find(&attributes).Error; err != nil {
		return nil, fmt.Errorf("users: load attributes: %w", err)
	}
	return accountFromRecords(record, attributes), nil
}

// Credential is a hashed secret stored with an account.
type Credential struct {
	Algorithm string
	Hash      string
}

// Create persists account with its attributes and the default required actions in one transaction.
// A taken username yields ErrDuplicate.
func (s *Store) Create(ctx context.Context, account *Account) error {
	return s.insert(ctx, account, s.defaultActions, nil)
}

// Import persists an account sourced from an external store together with its credential in one
// transaction. Default required actions are not attached; the skipped actions are returned.
// A taken username yields ErrDuplicate and nothing is written.
func (s *Store) Import(ctx context.Context, account *Account, credential *Credential) ([]string, error) {
	if credential != nil && (credential.Hash == "" || credential.Algorithm == "") {
		return nil, ErrInvalidAccount
	}
	if err := s.insert(ctx, account, nil, credential); err != nil {
		return nil, err
	}
	return append([]string(nil), s.defaultActions...), nil
}

func (s *Store) insert(ctx context.Context, account *Account, actions []string, credential *Credential) error {
	if account == nil || account.username == "" {
		return ErrInvalidAccount
	}
	generatedID := false
	if account.id == "" {
		identifier, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("users: generate id: %w", err)
		}
		account.id = identifier.String()
		generatedID = true
	}
	createdAt := s.now().UTC()
	record := accountRecord{
		ID:             account.id,
		Username:       account.username,
		Email:          account.email,
		FirstName:      account.firstName,
		LastName:       account.lastName,
		EmailVerified:  account.emailVerified,
		Enabled:        account.enabled,
		FederationLink: account.federationLink,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&record).Error; err != nil {
			return err
		}
		if attributes := account.attributeRecords(); len(attributes) > 0 {
			if err := tx.Create(&attributes).Error; err != nil {
				return err
			}
		}
		if len(actions) > 0 {
			pending := make([]requiredActionRecord, 0, len(actions))
			for _, action := range actions {
				pending = append(pending, requiredActionRecord{UserID: account.id, Action: action, CreatedAt: createdAt})
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&pending).Error; err != nil {
				return err
			}
		}
		if credential != nil {
			stored := credentialRecord{UserID: account.id, Algorithm: credential.Algorithm, Hash: credential.Hash, CreatedAt: createdAt}
			if err := tx.Create(&stored).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if generatedID {
			account.id = ""
		}
		if isDuplicate(err) {
			return fmt.Errorf("%w: %s", ErrDuplicate, record.Username)
		}
		return fmt.Errorf("users: create account: %w", err)
	}
	account.createdAt = createdAt
	s.logger.Debug("local account created",
		zap.String("user_id", record.ID),
		zap.String("username", record.Username),
		zap.Bool("with_credential", credential != nil),
	)
	return nil
}

// RequiredActions lists the pending actions attached to an account.
func (s *Store) RequiredActions(ctx context.Context, userID string) ([]string, error) {
	var records []requiredActionRecord
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("action").Find(&records).Error; err != nil {
		return nil, fmt.Errorf("users: load required actions: %w", err)
	}
	actions := make([]string, 0, len(records))
	for _, record := range records {
		actions = append(actions, record.Action)
	}
	return actions, nil
}

// PasswordHash returns the stored credential of an account.
func (s *Store) PasswordHash(ctx context.Context, userID string) (string, string, error) {
	var record credentialRecord
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", ErrNotFound
	}
	if err != nil {
		return "", "", fmt.Errorf("users: load credential: %w", err)
	}
	return record.Algorithm, record.Hash, nil
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	message := err.Error()
	return strings.Contains(message, "UNIQUE constraint failed") || strings.Contains(message, "duplicate key")
}
