package users

import (
	"sort"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
)

var _ identity.MutableIdentity = (*Account)(nil)

// Account is a local identity. Setters change the in-memory value only; Store.Create persists it.
type Account struct {
	id             string
	username       string
	email          string
	firstName      string
	lastName       string
	emailVerified  bool
	enabled        bool
	federationLink string
	attributes     map[string][]string
	createdAt      time.Time
}

// NewAccount returns an enabled, unsaved account for username.
func NewAccount(username string) *Account {
	return &Account{
		username:   normalizeUsername(username),
		enabled:    true,
		attributes: map[string][]string{},
	}
}

func (a *Account) ID() string             { return a.id }
func (a *Account) Username() string       { return a.username }
func (a *Account) Email() string          { return a.email }
func (a *Account) FirstName() string      { return a.firstName }
func (a *Account) LastName() string       { return a.lastName }
func (a *Account) EmailVerified() bool    { return a.emailVerified }
func (a *Account) Enabled() bool          { return a.enabled }
func (a *Account) FederationLink() string { return a.federationLink }
func (a *Account) CreatedAt() time.Time   { return a.createdAt }

// Attributes returns a copy of every attribute, keyed by name.
func (a *Account) Attributes() map[string][]string {
	out := make(map[string][]string, len(a.attributes))
	for name, values := range a.attributes {
		out[name] = append([]string(nil), values...)
	}
	return out
}

func (a *Account) Attribute(name string) []string {
	values, ok := a.attributes[name]
	if !ok {
		return nil
	}
	return append([]string(nil), values...)
}

func (a *Account) SetFirstName(value string)      { a.firstName = normalize(value) }
func (a *Account) SetLastName(value string)       { a.lastName = normalize(value) }
func (a *Account) SetEmail(value string)          { a.email = normalize(value) }
func (a *Account) SetEmailVerified(verified bool) { a.emailVerified = verified }
func (a *Account) SetEnabled(enabled bool)        { a.enabled = enabled }
func (a *Account) SetFederationLink(link string)  { a.federationLink = normalize(link) }

func (a *Account) SetAttribute(name string, values []string) {
	name = normalize(name)
	if name == "" {
		return
	}
	if a.attributes == nil {
		a.attributes = map[string][]string{}
	}
	a.attributes[name] = append([]string(nil), values...)
}

func (a *Account) RemoveAttribute(name string) {
	delete(a.attributes, name)
}

func (a *Account) attributeRecords() []attributeRecord {
	names := make([]string, 0, len(a.attributes))
	for name := range a.attributes {
		names = append(names, name)
	}
	sort.Strings(names)

	var records []attributeRecord
	for _, name := range names {
		for position, value := range a.attributes[name] {
			records = append(records, attributeRecord{
				UserID:   a.id,
				Name:     name,
				Value:    value,
				Position: position,
			})
		}
	}
	return records
}

func accountFromRecords(record accountRecord, attributes []attributeRecord) *Account {
	account := &Account{
		id:             record.ID,
		username:       record.Username,
		email:          record.Email,
		firstName:      record.FirstName,
		lastName:       record.LastName,
		emailVerified:  record.EmailVerified,
		enabled:        record.Enabled,
		federationLink: record.FederationLink,
		attributes:     make(map[string][]string),
		createdAt:      record.CreatedAt,
	}
	sort.SliceStable(attributes, func(i, j int) bool {
		if attributes[i].Name != attributes[j].Name {
			return attributes[i].Name < attributes[j].Name
		}
		return attributes[i].Position < attributes[j].Position
	})
	for _, attribute := range attributes {
		account.attributes[attribute.Name] = append(account.attributes[attribute.Name], attribute.Value)
	}
	return account
}
