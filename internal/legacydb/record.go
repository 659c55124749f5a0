// Package legacydb reads user rows from the external PostgreSQL store.
package legacydb

import (
	"sort"
	"strconv"
	"strings"
)

// Column names the external users table is expected to carry.
const (
	FieldID                     = "id"
	FieldEmail                  = "email"
	FieldEmailVerified          = "email_verified"
	FieldFirstName              = "first_name"
	FieldLastName               = "last_name"
	FieldDisabled               = "disabled"
	FieldPasswordDigest         = "password_digest"
	FieldConfirmationToken      = "confirmation_token"
	FieldLastLoginAt            = "last_login_at"
	FieldResetPasswordToken     = "reset_password_token"
	FieldResetPasswordCreatedAt = "reset_password_created_at"
	FieldUpdatedAt              = "updated_at"
	FieldRole                   = "role"
	FieldSubrole                = "subrole"
	FieldRoleID                 = "role_id"
)

// Column is a single non-null value of an external row.
type Column struct {
	Name  string
	Value string
}

// Record is the immutable projection of one external user row.
// Fixed fields are parsed once at construction; every column stays available in row order.
type Record struct {
	id             string
	email          string
	firstName      string
	lastName       string
	passwordDigest string
	emailVerified  bool
	disabled       bool
	columns        []Column
	index          map[string]int
}

// NewRecord builds a Record from columns in row order. Names are lower-cased; later duplicates win.
func NewRecord(columns []Column) Record {
	record := Record{
		columns: make([]Column, 0, len(columns)),
		index:   make(map[string]int, len(columns)),
	}
	for _, column := range columns {
		name := strings.ToLower(strings.TrimSpace(column.Name))
		if name == "" {
			continue
		}
		if position, exists := record.index[name]; exists {
			record.columns[position].Value = column.Value
			continue
		}
		record.index[name] = len(record.columns)
		record.columns = append(record.columns, Column{Name: name, Value: column.Value})
	}

	record.id = record.Value(FieldID)
	record.email = record.Value(FieldEmail)
	record.firstName = record.Value(FieldFirstName)
	record.lastName = record.Value(FieldLastName)
	record.passwordDigest = record.Value(FieldPasswordDigest)
	record.emailVerified = parseFlag(record.Value(FieldEmailVerified))
	record.disabled = parseFlag(record.Value(FieldDisabled))
	return record
}

// RecordFromMap builds a Record with columns ordered by name.
func RecordFromMap(values map[string]string) Record {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	columns := make([]Column, 0, len(names))
	for _, name := range names {
		columns = append(columns, Column{Name: name, Value: values[name]})
	}
	return NewRecord(columns)
}

func (r Record) ID() string             { return r.id }
func (r Record) Email() string          { return r.email }
func (r Record) FirstName() string      { return r.firstName }
func (r Record) LastName() string       { return r.lastName }
func (r Record) PasswordDigest() string { return r.passwordDigest }
func (r Record) EmailVerified() bool    { return r.emailVerified }
func (r Record) Disabled() bool         { return r.disabled }

// IsZero reports whether the record carries no columns.
func (r Record) IsZero() bool {
	return len(r.columns) == 0
}

// Lookup returns the value stored under the lower-case column name.
func (r Record) Lookup(name string) (string, bool) {
	position, ok := r.index[strings.ToLower(name)]
	if !ok {
		return "", false
	}
	return r.columns[position].Value, true
}

// Value returns the column value or "".
func (r Record) Value(name string) string {
	value, _ := r.Lookup(name)
	return value
}

// Columns returns a copy of all columns in row order.
func (r Record) Columns() []Column {
	out := make([]Column, len(r.columns))
	copy(out, r.columns)
	return out
}

// Len returns the number of non-null columns.
func (r Record) Len() int {
	return len(r.columns)
}

func parseFlag(value string) bool {
	parsed, err := strconv.ParseBool(strings.TrimSpace(value))
	return err == nil && parsed
}
