package users

import (
	"strings"
	"time"
)

// accountRecord is the persisted row of a local account.
type accountRecord struct {
	ID             string    `gorm:"column:id;primaryKey;size:36"`
	Username       string    `gorm:"column:username;size:320;not null;uniqueIndex"`
	Email          string    `gorm:"column:email;size:320"`
	FirstName      string    `gorm:"column:first_name;size:255"`
	LastName       string    `gorm:"column:last_name;size:255"`
	EmailVerified  bool      `gorm:"column:email_verified;not null"`
	Enabled        bool      `gorm:"column:enabled;not null"`
	FederationLink string    `gorm:"column:federation_link;size:190;index"`
	CreatedAt      time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt      time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (accountRecord) TableName() string {
	return "local_users"
}

// attributeRecord stores one value of a multi-valued account attribute.
type attributeRecord struct {
	ID       uint   `gorm:"column:id;primaryKey;autoIncrement"`
	UserID   string `gorm:"column:user_id;size:36;not null;index"`
	Name     string `gorm:"column:name;size:255;not null"`
	Value    string `gorm:"column:value;type:text"`
	Position int    `gorm:"column:position;not null"`
}

func (attributeRecord) TableName() string {
	return AttributesTable
}

type credentialRecord struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:36"`
	Algorithm string    `gorm:"column:algorithm;size:32;not null"`
	Hash      string    `gorm:"column:hash;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (credentialRecord) TableName() string {
	return CredentialsTable
}

type requiredActionRecord struct {
	UserID    string    `gorm:"column:user_id;primaryKey;size:36"`
	Action    string    `gorm:"column:action;primaryKey;size:64"`
	CreatedAt time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (requiredActionRecord) TableName() string {
	return "local_user_required_actions"
}

// Table names referenced by raw migrations and tests.
const (
	AccountsTable    = "local_users"
	AttributesTable  = "local_user_attributes"
	CredentialsTable = "local_user_credentials"
)

// Models lists the records backing the local store, for AutoMigrate.
func Models() []any {
	return []any{&accountRecord{}, &attributeRecord{}, &credentialRecord{}, &requiredActionRecord{}}
}

func normalize(value string) string {
	return strings.TrimSpace(value)
}

// normalizeUsername lower-cases usernames the same way the host platform does.
func normalizeUsername(value string) string {
	return strings.ToLower(normalize(value))
}
