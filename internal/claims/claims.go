// Package claims turns identities into token and userinfo claim sets.
package claims

import (
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/federation"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
)

// Kind is the declared type of a projected field. It selects both the coercion
// and the value emitted when the attribute is absent.
type Kind int

const (
	KindString Kind = iota
	KindBool
	KindInt
)

// FieldSpec declares one external field surfaced as a claim.
type FieldSpec struct {
	Field string
	Kind  Kind
}

// DefaultFields is the legacy claim contract.
var DefaultFields = []FieldSpec{
	{Field: "id", Kind: KindString},
	{Field: "business_name", Kind: KindString},
	{Field: "business_type", Kind: KindString},
	{Field: "business_user", Kind: KindBool},
	{Field: "confirmed", Kind: KindBool},
	{Field: "legacy", Kind: KindBool},
	{Field: "payment_issue", Kind: KindBool},
	{Field: "phone_number", Kind: KindString},
	{Field: "user_code", Kind: KindString},
	{Field: "created_at", Kind: KindString},
	{Field: "stripe_customer_id", Kind: KindString},
	{Field: "role", Kind: KindString},
	{Field: "subrole", Kind: KindString},
	{Field: "organization_role", Kind: KindString},
	{Field: "organization_role_id", Kind: KindString},
	{Field: "organization_id", Kind: KindString},
	{Field: "driver_user", Kind: KindString},
	{Field: "orders", Kind: KindInt},
	{Field: "closets", Kind: KindInt},
}

type coercion struct {
	absent any
	parse  func(string) any
}

var coercions = map[Kind]coercion{
	KindString: {
		absent: nil,
		parse:  func(value string) any { return value },
	},
	KindBool: {
		absent: false,
		parse: func(value string) any {
			parsed, err := strconv.ParseBool(strings.TrimSpace(value))
			return err == nil && parsed
		},
	},
	KindInt: {
		absent: 0,
		parse: func(value string) any {
			parsed, err := strconv.Atoi(strings.TrimSpace(value))
			if err != nil {
				return 0
			}
			return parsed
		},
	},
}

// Projector maps namespaced identity attributes onto claims.
type Projector struct {
	fields []FieldSpec
}

// NewProjector returns a projector for fields, or DefaultFields when fields is empty.
func NewProjector(fields []FieldSpec) *Projector {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	return &Projector{fields: append([]FieldSpec(nil), fields...)}
}

// Project emits every declared field. Absent strings become null, absent booleans false and
// absent integers 0; unparseable values fall back the same way.
func (p *Projector) Project(subject identity.Identity) map[string]any {
	result := make(map[string]any, len(p.fields))
	for _, field := range p.fields {
		rule, ok := coercions[field.Kind]
		if !ok {
			rule = coercions[KindString]
		}
		name := ClaimName(field.Field)
		value, present := identity.FirstAttribute(subject, federation.NamespacedKey(field.Field))
		if !present {
			result[name] = rule.absent
			continue
		}
		result[name] = rule.parse(value)
	}
	return result
}

// ClaimName formats a field as a lower snake_case claim name.
func ClaimName(field string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(field)), "-", "_")
}

// Standard returns the OIDC profile and email claims of subject. Empty values are omitted.
func Standard(subject identity.Identity) map[string]any {
	result := map[string]any{
		"sub":            subject.ID(),
		"email_verified": subject.EmailVerified(),
	}
	putNonEmpty(result, "preferred_username", subject.Username())
	putNonEmpty(result, "email", subject.Email())
	putNonEmpty(result, "given_name", subject.FirstName())
	putNonEmpty(result, "family_name", subject.LastName())
	putNonEmpty(result, "name", strings.TrimSpace(subject.FirstName()+" "+subject.LastName()))
	return result
}

// Build merges the standard claims with the projected ones. Standard claims win on conflict.
func (p *Projector) Build(subject identity.Identity) map[string]any {
	result := p.Project(subject)
	for name, value := range Standard(subject) {
		result[name] = value
	}
	return result
}

func putNonEmpty(target map[string]any, name, value string) {
	if value != "" {
		target[name] = value
	}
}
