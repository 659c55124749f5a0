// Package identity defines the capability-typed views shared by local and federated accounts.
package identity

import (
	"errors"
	"fmt"
)

// ErrReadOnlyIdentity signals an attempted mutation of an identity sourced from an external store.
var ErrReadOnlyIdentity = errors.New("identity: read-only identity")

// Identity is the read side every account exposes to lookup, claim and token code.
type Identity interface {
	ID() string
	Username() string
	Email() string
	FirstName() string
	LastName() string
	EmailVerified() bool
	Enabled() bool
	// FederationLink names the external source an account mirrors; empty for local-native accounts.
	FederationLink() string
	Attributes() map[string][]string
	Attribute(name string) []string
}

// MutableIdentity is implemented only by accounts owned by the local store.
type MutableIdentity interface {
	Identity
	SetFirstName(value string)
	SetLastName(value string)
	SetEmail(value string)
	SetEmailVerified(verified bool)
	SetEnabled(enabled bool)
	SetFederationLink(link string)
	SetAttribute(name string, values []string)
	RemoveAttribute(name string)
}

// AsMutable returns the writable view of an identity, or ErrReadOnlyIdentity when none exists.
func AsMutable(subject Identity) (MutableIdentity, error) {
	if subject == nil {
		return nil, fmt.Errorf("%w: nil identity", ErrReadOnlyIdentity)
	}
	mutable, ok := subject.(MutableIdentity)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReadOnlyIdentity, subject.Username())
	}
	return mutable, nil
}

// FirstAttribute returns the first value stored under name, or "" and false.
func FirstAttribute(subject Identity, name string) (string, bool) {
	if subject == nil {
		return "", false
	}
	values := subject.Attribute(name)
	if len(values) == 0 {
		return "", false
	}
	return values[0], true
}
