package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/federation"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
	"go.uber.org/zap"
)

var (
	// ErrInvalidCredentials covers unknown users and wrong passwords alike.
	ErrInvalidCredentials = errors.New("auth: invalid user credentials")
	// ErrAccountDisabled indicates a valid credential for a disabled account.
	ErrAccountDisabled = errors.New("auth: account disabled")
	// ErrAccountNotSetUp indicates a valid credential for an account with pending required actions.
	ErrAccountNotSetUp     = errors.New("auth: account is not fully set up")
	errMissingLocalStore   = errors.New("local account store is required")
	errMissingPasswordHash = errors.New("password verifier is required")
)

// LocalAccounts is the read side of the local identity store.
type LocalAccounts interface {
	FindByUsername(ctx context.Context, username string) (*users.Account, error)
	PasswordHash(ctx context.Context, userID string) (string, string, error)
	RequiredActions(ctx context.Context, userID string) ([]string, error)
}

// Federation is the external identity source consulted when no local credential exists.
type Federation interface {
	ID() string
	LookupByUsername(ctx context.Context, username string) (*federation.FederatedUser, bool)
	ValidateCredential(ctx context.Context, subject identity.Identity, plaintext string) bool
}

// PasswordVerifier checks a plaintext against a locally stored hash.
type PasswordVerifier interface {
	Verify(plaintext, encoded string) bool
}

// AuthenticatorConfig configures an Authenticator.
type AuthenticatorConfig struct {
	Accounts LocalAccounts
	Verifier PasswordVerifier
	// Federation may be nil when no external store is configured.
	Federation Federation
	Logger     *zap.Logger
}

// Authenticator resolves a username and password to an identity, local credentials first.
type Authenticator struct {
	accounts   LocalAccounts
	verifier   PasswordVerifier
	federation Federation
	logger     *zap.Logger
}

// NewAuthenticator validates cfg and returns an Authenticator.
func NewAuthenticator(cfg AuthenticatorConfig) (*Authenticator, error) {
	if cfg.Accounts == nil {
		return nil, errMissingLocalStore
	}
	if cfg.Verifier == nil {
		return nil, errMissingPasswordHash
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Authenticator{
		accounts:   cfg.Accounts,
		verifier:   cfg.Verifier,
		federation: cfg.Federation,
		logger:     logger,
	}, nil
}

// Authenticate returns the identity tokens should be issued for. After a first federated login
// the imported local account is returned so its id becomes the stable subject.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (identity.Identity, error) {
	username = strings.TrimSpace(username)
	if username == "" || password == "" {
		return nil, ErrInvalidCredentials
	}

	account, err := a.accounts.FindByUsername(ctx, username)
	switch {
	case err == nil:
		return a.authenticateLocal(ctx, account, password)
	case !errors.Is(err, users.ErrNotFound):
		return nil, fmt.Errorf("auth: load local account: %w", err)
	}

	if a.federation == nil {
		return nil, ErrInvalidCredentials
	}
	external, found := a.federation.LookupByUsername(ctx, username)
	if !found {
		return nil, ErrInvalidCredentials
	}
	if !a.federation.ValidateCredential(ctx, external, password) {
		return nil, ErrInvalidCredentials
	}
	if !external.Enabled() {
		return nil, ErrAccountDisabled
	}

	imported, err := a.accounts.FindByUsername(ctx, external.Username())
	if err == nil && imported.FederationLink() == a.federation.ID() {
		if err := a.checkSetUp(ctx, imported); err != nil {
			return nil, err
		}
		return imported, nil
	}
	return external, nil
}

func (a *Authenticator) authenticateLocal(ctx context.Context, account *users.Account, password string) (identity.Identity, error) {
	_, hash, err := a.accounts.PasswordHash(ctx, account.ID())
	switch {
	case err == nil:
		if !a.verifier.Verify(password, hash) {
			return nil, ErrInvalidCredentials
		}
	case errors.Is(err, users.ErrNotFound):
		if !a.validateAgainstFederation(ctx, account, password) {
			return nil, ErrInvalidCredentials
		}
	default:
		return nil, fmt.Errorf("auth: load local credential: %w", err)
	}

	if !account.Enabled() {
		return nil, ErrAccountDisabled
	}
	if err := a.checkSetUp(ctx, account); err != nil {
		return nil, err
	}
	return account, nil
}

func (a *Authenticator) checkSetUp(ctx context.Context, account *users.Account) error {
	actions, err := a.accounts.RequiredActions(ctx, account.ID())
	if err != nil {
		return fmt.Errorf("auth: load required actions: %w", err)
	}
	if len(actions) > 0 {
		a.logger.Info("password grant blocked by required actions",
			zap.String("username", account.Username()),
			zap.Strings("actions", actions),
		)
		return ErrAccountNotSetUp
	}
	return nil
}

// validateAgainstFederation covers imported accounts whose credential was never migrated.
func (a *Authenticator) validateAgainstFederation(ctx context.Context, account *users.Account, password string) bool {
	if a.federation == nil || account.FederationLink() != a.federation.ID() {
		return false
	}
	a.logger.Debug("local account has no credential; delegating to federation", zap.String("username", account.Username()))
	return a.federation.ValidateCredential(ctx, account, password)
}
