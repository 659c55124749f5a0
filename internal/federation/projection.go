// Package federation exposes rows of the external user store as read-only identities
// and imports them into the local store after a successful login.
package federation

import (
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/legacydb"
)

// AttributePrefix namespaces every external column exposed as an attribute.
const AttributePrefix = "FED_"

// DefaultRoleLabel is reported when the role code is missing or unknown.
const DefaultRoleLabel = "is_client"

// Fixed attribute names shared with local accounts.
const (
	AttributeEmail         = "email"
	AttributeEmailVerified = "emailVerified"
	AttributeFirstName     = "firstName"
	AttributeLastName      = "lastName"
)

var (
	// RoleAttribute and SubroleAttribute carry the remapped enum labels.
	RoleAttribute    = AttributePrefix + strings.ToUpper(legacydb.FieldRole)
	SubroleAttribute = AttributePrefix + strings.ToUpper(legacydb.FieldSubrole)
)

var roleLabels = [...]string{
	"is_admin",
	"is_client",
	"is_fullfillment_client",
}

var subroleLabels = [...]string{
	"operation_specialist",
	"support",
	"supervisor",
	"operation_manager",
	"super",
	"driver",
	"mover",
	"god",
}

// fixedFields maps external columns onto the fixed attribute names, in output order.
var fixedFields = [...]struct {
	column    string
	attribute string
}{
	{legacydb.FieldEmail, AttributeEmail},
	{legacydb.FieldEmailVerified, AttributeEmailVerified},
	{legacydb.FieldFirstName, AttributeFirstName},
	{legacydb.FieldLastName, AttributeLastName},
}

// ignoredColumns are never exposed under the prefix.
var ignoredColumns = map[string]struct{}{
	legacydb.FieldDisabled:               {},
	legacydb.FieldPasswordDigest:         {},
	legacydb.FieldConfirmationToken:      {},
	legacydb.FieldLastLoginAt:            {},
	legacydb.FieldResetPasswordToken:     {},
	legacydb.FieldResetPasswordCreatedAt: {},
	legacydb.FieldRole:                   {},
	legacydb.FieldSubrole:                {},
	legacydb.FieldRoleID:                 {},
}

// RoleLabel translates a role code. Missing or unknown codes yield DefaultRoleLabel.
func RoleLabel(code string) string {
	if label, ok := lookupLabel(roleLabels[:], code); ok {
		return label
	}
	return DefaultRoleLabel
}

// SubroleLabel translates a subrole code. Missing or unknown codes report false.
func SubroleLabel(code string) (string, bool) {
	return lookupLabel(subroleLabels[:], code)
}

func lookupLabel(table []string, code string) (string, bool) {
	code = strings.TrimSpace(code)
	index, err := strconv.Atoi(code)
	if err != nil || strconv.Itoa(index) != code || index < 0 || index >= len(table) {
		return "", false
	}
	return table[index], true
}

// NamespacedKey returns the attribute name an external column is exposed under.
func NamespacedKey(column string) string {
	return AttributePrefix + strings.ToUpper(column)
}

func isExposedColumn(column string) bool {
	if _, ignored := ignoredColumns[column]; ignored {
		return false
	}
	for _, fixed := range fixedFields {
		if fixed.column == column {
			return false
		}
	}
	return true
}

var _ identity.Identity = (*FederatedUser)(nil)

// FederatedUser is the read-only identity view of one external row.
type FederatedUser struct {
	providerID string
	record     legacydb.Record
}

// NewFederatedUser wraps record for the given provider.
func NewFederatedUser(providerID string, record legacydb.Record) *FederatedUser {
	return &FederatedUser{providerID: providerID, record: record}
}

// ID returns the federated id f:<provider>:<external id>.
func (u *FederatedUser) ID() string {
	return FederatedID(u.providerID, u.record.ID())
}

// ExternalID returns the primary key of the external row.
func (u *FederatedUser) ExternalID() string { return u.record.ID() }

// Username is the external email.
func (u *FederatedUser) Username() string       { return u.record.Email() }
func (u *FederatedUser) Email() string          { return u.record.Email() }
func (u *FederatedUser) FirstName() string      { return u.record.FirstName() }
func (u *FederatedUser) LastName() string       { return u.record.LastName() }
func (u *FederatedUser) EmailVerified() bool    { return u.record.EmailVerified() }
func (u *FederatedUser) Enabled() bool          { return !u.record.Disabled() }
func (u *FederatedUser) FederationLink() string { return u.providerID }

// Record exposes the underlying external row.
func (u *FederatedUser) Record() legacydb.Record { return u.record }

// FixedField returns one of the fixed identity fields by attribute name.
func (u *FederatedUser) FixedField(name string) (string, bool) {
	switch name {
	case "username":
		return u.record.Lookup(legacydb.FieldEmail)
	case "enabled":
		return strconv.FormatBool(u.Enabled()), true
	}
	for _, fixed := range fixedFields {
		if fixed.attribute == name {
			return u.record.Lookup(fixed.column)
		}
	}
	return "", false
}

// Attributes returns the fixed fields, the remapped role and subrole, and every other
// non-ignored column under AttributePrefix.
func (u *FederatedUser) Attributes() map[string][]string {
	result := make(map[string][]string, u.record.Len()+2)
	for _, fixed := range fixedFields {
		if value, ok := u.record.Lookup(fixed.column); ok {
			result[fixed.attribute] = []string{value}
		}
	}

	result[RoleAttribute] = []string{RoleLabel(u.record.Value(legacydb.FieldRole))}
	if label, ok := SubroleLabel(u.record.Value(legacydb.FieldSubrole)); ok {
		result[SubroleAttribute] = []string{label}
	}

	for _, column := range u.record.Columns() {
		if isExposedColumn(column.Name) {
			result[NamespacedKey(column.Name)] = []string{column.Value}
		}
	}
	return result
}

// Attribute resolves a single attribute. Ignored columns read as absent.
func (u *FederatedUser) Attribute(name string) []string {
	switch name {
	case RoleAttribute:
		return []string{RoleLabel(u.record.Value(legacydb.FieldRole))}
	case SubroleAttribute:
		if label, ok := SubroleLabel(u.record.Value(legacydb.FieldSubrole)); ok {
			return []string{label}
		}
		return nil
	}

	if strings.HasPrefix(name, AttributePrefix) {
		column := strings.ToLower(strings.TrimPrefix(name, AttributePrefix))
		if !isExposedColumn(column) {
			return nil
		}
		if value, ok := u.record.Lookup(column); ok {
			return []string{value}
		}
		return nil
	}

	for _, fixed := range fixedFields {
		if fixed.attribute == name {
			if value, ok := u.record.Lookup(fixed.column); ok {
				return []string{value}
			}
			return nil
		}
	}
	return nil
}

// FederatedIDPrefix marks ids of identities that live in the external store.
const FederatedIDPrefix = "f:"

// FederatedID builds the storage id used for external identities.
func FederatedID(providerID, externalID string) string {
	return FederatedIDPrefix + providerID + ":" + externalID
}

// ExternalIDOf strips the federated prefix from id when present.
func ExternalIDOf(id string) string {
	rest, ok := strings.CutPrefix(id, FederatedIDPrefix)
	if !ok {
		return id
	}
	separator := strings.Index(rest, ":")
	if separator < 0 {
		return id
	}
	return rest[separator+1:]
}
