package server

import (
	"context"
	"errors"
	"strings"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/federation"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
)

var errUnknownSubject = errors.New("server: unknown subject")

// LocalDirectory finds local accounts by id.
type LocalDirectory interface {
	FindByID(ctx context.Context, id string) (*users.Account, error)
}

// FederatedDirectory finds external identities by federated id.
type FederatedDirectory interface {
	LookupByID(ctx context.Context, id string) (*federation.FederatedUser, bool)
}

// Subjects resolves token subjects against the local store and, for federated ids, the external store.
type Subjects struct {
	Local     LocalDirectory
	Federated FederatedDirectory
}

// Resolve implements SubjectResolver.
func (s Subjects) Resolve(ctx context.Context, subjectID string) (identity.Identity, error) {
	if strings.HasPrefix(subjectID, federation.FederatedIDPrefix) {
		if s.Federated == nil {
			return nil, errUnknownSubject
		}
		user, found := s.Federated.LookupByID(ctx, subjectID)
		if !found {
			return nil, errUnknownSubject
		}
		return user, nil
	}
	if s.Local == nil {
		return nil, errUnknownSubject
	}
	account, err := s.Local.FindByID(ctx, subjectID)
	if err != nil {
		return nil, err
	}
	return account, nil
}
