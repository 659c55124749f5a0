package auth

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultJWKSCacheTTL  = 10 * time.Minute
	maxJWKSDocumentBytes = 1 << 20
)

var (
	ErrInvalidVerifierConfig = errors.New("auth: invalid id token verifier config")

	errMissingToken         = errors.New("id token must not be empty")
	errMissingKeyIdentifier = errors.New("token missing key identifier")
	errKeyNotFound          = errors.New("signing key not found in JWKS")
	errUntrustedIssuer      = errors.New("token issuer not allowed")
	errMissingSubject       = errors.New("token missing subject claim")
	errMissingJWKSURL       = errors.New("jwks url configuration required")
	errNoUsableKeys         = errors.New("jwks document contained no usable keys")
)

// IDTokenVerifierConfig configures an IDTokenVerifier.
// Empty Audience or AllowedIssuers skip the corresponding check.
type IDTokenVerifierConfig struct {
	Audience       string
	JWKSURL        string
	AllowedIssuers []string
	HTTPClient     *http.Client
	CacheTTL       time.Duration
	Logger         *zap.Logger
	Clock          func() time.Time
}

// IDTokenVerifier checks RS256 identity tokens against a remote key set.
type IDTokenVerifier struct {
	audience string
	issuers  map[string]struct{}
	clock    func() time.Time
	keys     *remoteKeySource
}

// NewIDTokenVerifier validates cfg and returns a verifier.
func NewIDTokenVerifier(cfg IDTokenVerifierConfig) (*IDTokenVerifier, error) {
	jwksURL := strings.TrimSpace(cfg.JWKSURL)
	if jwksURL == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidVerifierConfig, errMissingJWKSURL)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = defaultJWKSCacheTTL
	}

	issuers := make(map[string]struct{}, len(cfg.AllowedIssuers))
	for _, issuer := range cfg.AllowedIssuers {
		if trimmed := strings.TrimRight(strings.TrimSpace(issuer), "/"); trimmed != "" {
			issuers[trimmed] = struct{}{}
		}
	}

	return &IDTokenVerifier{
		audience: strings.TrimSpace(cfg.Audience),
		issuers:  issuers,
		clock:    clock,
		keys: &remoteKeySource{
			url:    jwksURL,
			client: httpClient,
			ttl:    ttl,
			clock:  clock,
			logger: logger,
		},
	}, nil
}

// Verify checks signature, expiry, audience and issuer of rawToken and returns its claims.
// Numeric claims are decoded as json.Number.
func (v *IDTokenVerifier) Verify(ctx context.Context, rawToken string) (jwt.MapClaims, error) {
	if strings.TrimSpace(rawToken) == "" {
		return nil, errMissingToken
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(rawToken, claims, func(token *jwt.Token) (interface{}, error) {
		keyID, _ := token.Header["kid"].(string)
		if keyID == "" {
			return nil, errMissingKeyIdentifier
		}
		return v.keys.key(ctx, keyID)
	}, v.parserOptions()...)
	if err != nil {
		return nil, err
	}

	if err := v.checkIssuer(claims); err != nil {
		return nil, err
	}
	if subject, _ := claims.GetSubject(); subject == "" {
		return nil, errMissingSubject
	}
	return claims, nil
}

func (v *IDTokenVerifier) parserOptions() []jwt.ParserOption {
	options := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithTimeFunc(v.clock),
		jwt.WithJSONNumber(),
		jwt.WithExpirationRequired(),
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}
	return options
}

func (v *IDTokenVerifier) checkIssuer(claims jwt.MapClaims) error {
	if len(v.issuers) == 0 {
		return nil
	}
	issuer, _ := claims.GetIssuer()
	if _, ok := v.issuers[strings.TrimRight(issuer, "/")]; !ok {
		return errUntrustedIssuer
	}
	return nil
}

// remoteKeySource caches the RSA signing keys published at url.
// Concurrent misses share one fetch.
type remoteKeySource struct {
	url    string
	client *http.Client
	ttl    time.Duration
	clock  func() time.Time
	logger *zap.Logger

	group singleflight.Group

	mu        sync.RWMutex
	keys      map[string]*rsa.PublicKey
	expiresAt time.Time
}

func (s *remoteKeySource) key(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	if key, fresh := s.cached(keyID); fresh && key != nil {
		return key, nil
	}

	result, err, _ := s.group.Do(s.url, func() (interface{}, error) {
		return s.fetch(ctx)
	})
	if err != nil {
		s.logger.Warn("jwks refresh failed", zap.String("url", s.url), zap.Error(err))
		return nil, err
	}

	key := result.(map[string]*rsa.PublicKey)[keyID]
	if key == nil {
		return nil, errKeyNotFound
	}
	return key, nil
}

func (s *remoteKeySource) cached(keyID string) (*rsa.PublicKey, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.keys == nil || s.clock().After(s.expiresAt) {
		return nil, false
	}
	return s.keys[keyID], true
}

func (s *remoteKeySource) fetch(ctx context.Context) (map[string]*rsa.PublicKey, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "application/json")

	response, err := s.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks request returned status %d", response.StatusCode)
	}

	var document KeySet
	if err := json.NewDecoder(io.LimitReader(response.Body, maxJWKSDocumentBytes)).Decode(&document); err != nil {
		return nil, fmt.Errorf("decode jwks: %w", err)
	}

	keys := make(map[string]*rsa.PublicKey, len(document.Keys))
	for _, jwk := range document.Keys {
		if jwk.KeyType != "RSA" || (jwk.Use != "" && jwk.Use != "sig") {
			continue
		}
		publicKey, err := jwk.toRSAPublicKey()
		if err != nil {
			s.logger.Debug("skipping jwk", zap.String("kid", jwk.KeyID), zap.Error(err))
			continue
		}
		keys[jwk.KeyID] = publicKey
	}
	if len(keys) == 0 {
		return nil, errNoUsableKeys
	}

	s.mu.Lock()
	s.keys = keys
	s.expiresAt = s.clock().Add(s.ttl)
	s.mu.Unlock()

	s.logger.Debug("jwks refreshed", zap.String("url", s.url), zap.Int("keys", len(keys)))
	return keys, nil
}
