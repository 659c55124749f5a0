package federation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/users"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// Outcome describes what a reconciliation did.
type Outcome string

const (
	OutcomeImported        Outcome = "imported"
	OutcomeAlreadyImported Outcome = "already_imported"
	OutcomeLocalNative     Outcome = "local_native"
	OutcomeRaced           Outcome = "raced"
	OutcomeFailed          Outcome = "failed"
)

var (
	errMissingStore  = errors.New("federation: local store is required")
	errMissingHasher = errors.New("federation: password hasher is required")
	// ErrInvalidReconcilerConfig wraps reconciler construction failures.
	ErrInvalidReconcilerConfig = errors.New("federation: invalid reconciler configuration")
)

// LocalStore is the part of the local identity store the reconciler writes to.
type LocalStore interface {
	FindByUsername(ctx context.Context, username string) (*users.Account, error)
	Import(ctx context.Context, account *users.Account, credential *users.Credential) ([]string, error)
}

// PasswordHasher produces the local credential for a migrated secret.
type PasswordHasher interface {
	Algorithm() string
	Hash(plaintext string) (string, error)
}

// ImportObserver receives one observation per reconciliation.
type ImportObserver interface {
	ObserveImport(outcome string)
}

// ReconcilerConfig configures a Reconciler.
type ReconcilerConfig struct {
	Store    LocalStore
	Hasher   PasswordHasher
	Logger   *zap.Logger
	Observer ImportObserver
}

// Reconciler materializes external identities in the local store exactly once.
type Reconciler struct {
	store    LocalStore
	hasher   PasswordHasher
	logger   *zap.Logger
	observer ImportObserver
	flights  singleflight.Group
}

type reconcileResult struct {
	account *users.Account
	outcome Outcome
}

// NewReconciler validates cfg and returns a Reconciler.
func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReconcilerConfig, errMissingStore)
	}
	if cfg.Hasher == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReconcilerConfig, errMissingHasher)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		store:    cfg.Store,
		hasher:   cfg.Hasher,
		logger:   logger,
		observer: cfg.Observer,
	}, nil
}

// Reconcile imports user into the local store unless a local account already holds its username.
// Concurrent calls for one username inside this process share a single import, which keeps running
// if the caller that started it goes away. Across processes the store's uniqueness constraint
// decides the winner and losers re-fetch.
func (r *Reconciler) Reconcile(ctx context.Context, user *FederatedUser, plaintext string) (*users.Account, Outcome, error) {
	if user == nil || strings.TrimSpace(user.Username()) == "" {
		r.observe(OutcomeFailed)
		return nil, OutcomeFailed, fmt.Errorf("federation: external identity has no username")
	}
	key := strings.ToLower(strings.TrimSpace(user.Username()))
	shared := context.WithoutCancel(ctx)
	value, err, _ := r.flights.Do(key, func() (any, error) {
		account, outcome, err := r.reconcile(shared, user, plaintext)
		return reconcileResult{account: account, outcome: outcome}, err
	})
	result, _ := value.(reconcileResult)
	if err != nil {
		r.observe(OutcomeFailed)
		return result.account, OutcomeFailed, err
	}
	r.observe(result.outcome)
	return result.account, result.outcome, nil
}

func (r *Reconciler) reconcile(ctx context.Context, user *FederatedUser, plaintext string) (*users.Account, Outcome, error) {
	existing, err := r.store.FindByUsername(ctx, user.Username())
	switch {
	case err == nil:
		return existing, r.classifyExisting(existing, user), nil
	case !errors.Is(err, users.ErrNotFound):
		return nil, OutcomeFailed, fmt.Errorf("federation: lookup local account: %w", err)
	}

	draft := importDraft(user)
	var credential *users.Credential
	if plaintext != "" {
		hash, err := r.hasher.Hash(plaintext)
		if err != nil {
			return nil, OutcomeFailed, fmt.Errorf("federation: hash migrated credential: %w", err)
		}
		credential = &users.Credential{Algorithm: r.hasher.Algorithm(), Hash: hash}
	}

	skipped, err := r.store.Import(ctx, draft, credential)
	if err != nil {
		if !errors.Is(err, users.ErrDuplicate) {
			return nil, OutcomeFailed, fmt.Errorf("federation: import local account: %w", err)
		}
		winner, fetchErr := r.store.FindByUsername(ctx, user.Username())
		if fetchErr != nil {
			return nil, OutcomeFailed, fmt.Errorf("federation: re-fetch after concurrent import: %w", fetchErr)
		}
		r.logger.Debug("external identity imported by concurrent request", zap.String("username", winner.Username()))
		return winner, OutcomeRaced, nil
	}
	for _, action := range skipped {
		r.logger.Debug("removed required action for imported user",
			zap.String("action", action),
			zap.String("username", draft.Username()),
		)
	}

	r.logger.Info("user imported to local store",
		zap.String("username", draft.Username()),
		zap.String("user_id", draft.ID()),
		zap.String("provider", user.FederationLink()),
	)
	return draft, OutcomeImported, nil
}

func (r *Reconciler) classifyExisting(existing *users.Account, user *FederatedUser) Outcome {
	if existing.FederationLink() == user.FederationLink() {
		return OutcomeAlreadyImported
	}
	r.logger.Info("local account shadows external identity; import skipped",
		zap.String("username", existing.Username()),
		zap.String("federation_link", existing.FederationLink()),
	)
	return OutcomeLocalNative
}

func (r *Reconciler) observe(outcome Outcome) {
	if r.observer != nil {
		r.observer.ObserveImport(string(outcome))
	}
}

// importDraft copies the fixed fields and every namespaced attribute of user.
func importDraft(user *FederatedUser) *users.Account {
	draft := users.NewAccount(user.Username())
	draft.SetEnabled(user.Enabled())
	draft.SetEmail(user.Email())
	draft.SetEmailVerified(user.EmailVerified())
	draft.SetFirstName(user.FirstName())
	draft.SetLastName(user.LastName())
	for name, values := range user.Attributes() {
		if !strings.HasPrefix(name, AttributePrefix) || len(values) == 0 {
			continue
		}
		draft.SetAttribute(name, values)
	}
	draft.SetFederationLink(user.FederationLink())
	return draft
}
