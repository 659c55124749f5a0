package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/credentials"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/legacydb"
	"go.uber.org/zap"
)

// Search parameter names understood by Provider.Search.
const (
	SearchParam    = "search"
	UsernameParam  = "username"
	EmailParam     = "email"
	FirstNameParam = "first_name"
	LastNameParam  = "last_name"

	defaultSearchLimit = 100
)

// Credential validation results.
const (
	ValidationValid      = "valid"
	ValidationInvalid    = "invalid"
	ValidationNoPassword = "no_digest"
)

var (
	errMissingProviderID = errors.New("federation: provider id is required")
	errMissingDirectory  = errors.New("federation: external directory is required")
	// ErrInvalidProviderConfig wraps provider construction failures.
	ErrInvalidProviderConfig = errors.New("federation: invalid provider configuration")
)

// ValidationObserver receives one observation per credential check.
type ValidationObserver interface {
	ObserveCredentialValidation(result string)
}

// ProviderConfig configures a Provider.
type ProviderConfig struct {
	ProviderID string
	Directory  legacydb.Source
	// Reconciler imports validated identities; nil or ImportEnabled=false keeps the provider read-only.
	Reconciler    *Reconciler
	ImportEnabled bool
	Logger        *zap.Logger
	Observer      ValidationObserver
}

// Provider is the inbound lookup and credential contract of the external store.
type Provider struct {
	id         string
	directory  legacydb.Source
	reconciler *Reconciler
	importing  bool
	logger     *zap.Logger
	observer   ValidationObserver
}

// NewProvider validates cfg and returns a Provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	providerID := strings.TrimSpace(cfg.ProviderID)
	if providerID == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingProviderID)
	}
	if cfg.Directory == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidProviderConfig, errMissingDirectory)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{
		id:         providerID,
		directory:  cfg.Directory,
		reconciler: cfg.Reconciler,
		importing:  cfg.ImportEnabled && cfg.Reconciler != nil,
		logger:     logger,
		observer:   cfg.Observer,
	}, nil
}

// ID returns the provider id used as federation link.
func (p *Provider) ID() string {
	return p.id
}

// ImportEnabled reports whether validated identities are imported.
func (p *Provider) ImportEnabled() bool {
	return p.importing
}

// LookupByID accepts both the federated id and the raw external id.
func (p *Provider) LookupByID(ctx context.Context, id string) (*FederatedUser, bool) {
	record, found := p.directory.ByID(ctx, ExternalIDOf(id))
	if !found {
		return nil, false
	}
	return p.wrap(record), true
}

// LookupByUsername resolves the username as an email.
func (p *Provider) LookupByUsername(ctx context.Context, username string) (*FederatedUser, bool) {
	return p.LookupByEmail(ctx, username)
}

func (p *Provider) LookupByEmail(ctx context.Context, email string) (*FederatedUser, bool) {
	record, found := p.directory.ByEmail(ctx, email)
	if !found {
		return nil, false
	}
	return p.wrap(record), true
}

// Search routes params onto a single external search. Without a "search" param every row is paged.
func (p *Provider) Search(ctx context.Context, params map[string]string, offset, limit int) []*FederatedUser {
	term, hasSearch := params[SearchParam]
	if !hasSearch {
		return p.wrapAll(p.directory.All(ctx, offset, limit))
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	field, value := "email", term
	switch {
	case hasParam(params, UsernameParam):
		value = params[UsernameParam]
	case hasParam(params, EmailParam):
		value = params[EmailParam]
	case hasParam(params, FirstNameParam):
		field, value = "firstName", params[FirstNameParam]
	case hasParam(params, LastNameParam):
		field, value = "lastName", params[LastNameParam]
	}
	return p.wrapAll(p.directory.SearchByField(ctx, field, value, limit))
}

// Count returns the number of external rows.
func (p *Provider) Count(ctx context.Context) int {
	return p.directory.Count(ctx)
}

// ValidateCredential checks plaintext against the digest currently stored for subject's email.
// A successful check imports federated identities when import is enabled; import failures are
// logged and do not fail the login.
func (p *Provider) ValidateCredential(ctx context.Context, subject identity.Identity, plaintext string) bool {
	if subject == nil || plaintext == "" {
		p.observe(ValidationInvalid)
		return false
	}
	digest, found := p.directory.PasswordDigest(ctx, subject.Email())
	if !found {
		p.observe(ValidationNoPassword)
		return false
	}
	if !credentials.VerifyBcrypt(plaintext, digest) {
		p.observe(ValidationInvalid)
		p.logger.Debug("external credential rejected", zap.String("username", subject.Username()))
		return false
	}
	p.observe(ValidationValid)

	if !p.importing {
		return true
	}
	federated, ok := subject.(*FederatedUser)
	if !ok {
		return true
	}
	if _, _, err := p.reconciler.Reconcile(ctx, federated, plaintext); err != nil {
		p.logger.Error("external identity import failed",
			zap.String("username", federated.Username()),
			zap.Error(err),
		)
	}
	return true
}

func (p *Provider) wrap(record legacydb.Record) *FederatedUser {
	return NewFederatedUser(p.id, record)
}

func (p *Provider) wrapAll(records []legacydb.Record) []*FederatedUser {
	result := make([]*FederatedUser, 0, len(records))
	for _, record := range records {
		result = append(result, p.wrap(record))
	}
	return result
}

func (p *Provider) observe(result string) {
	if p.observer != nil {
		p.observer.ObserveCredentialValidation(result)
	}
}

func hasParam(params map[string]string, name string) bool {
	_, ok := params[name]
	return ok
}
