package auth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type jwksFixture struct {
	key     *SigningKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newJWKSFixture(t *testing.T) *jwksFixture {
	t.Helper()
	fixture := &jwksFixture{key: newTestSigningKey(t)}
	fixture.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/protocol/openid-connect/certs" {
			http.NotFound(w, r)
			return
		}
		fixture.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(fixture.key.PublicKeySet())
	}))
	t.Cleanup(fixture.server.Close)
	return fixture
}

func (f *jwksFixture) url() string {
	return f.server.URL + "/protocol/openid-connect/certs"
}

func (f *jwksFixture) sign(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = f.key.KeyID
	signed, err := token.SignedString(f.key.Private)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func baseClaims(now time.Time) jwt.MapClaims {
	return jwt.MapClaims{
		"iss":           testIssuer,
		"aud":           "legacy-bridge",
		"sub":           "user-123",
		"exp":           now.Add(5 * time.Minute).Unix(),
		"iat":           now.Unix(),
		"business_name": "Acme",
		"subrole":       7,
	}
}

func TestIDTokenVerifierValidatesTokenUsingJWKS(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier, err := NewIDTokenVerifier(IDTokenVerifierConfig{
		Audience:       "legacy-bridge",
		JWKSURL:        fixture.url(),
		AllowedIssuers: []string{testIssuer},
		HTTPClient:     fixture.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	raw := fixture.sign(t, baseClaims(time.Now().UTC()))
	claims, err := verifier.Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("expected verification to succeed: %v", err)
	}
	if claims["sub"] != "user-123" || claims["business_name"] != "Acme" {
		t.Fatalf("unexpected claims %v", claims)
	}
	if number, ok := claims["subrole"].(json.Number); !ok || number.String() != "7" {
		t.Fatalf("expected numeric claim as json.Number, got %T %v", claims["subrole"], claims["subrole"])
	}

	if _, err := verifier.Verify(context.Background(), raw); err != nil {
		t.Fatalf("expected cached verification to succeed: %v", err)
	}
	if fixture.fetches.Load() != 1 {
		t.Fatalf("expected a single jwks fetch, got %d", fixture.fetches.Load())
	}
}

func TestIDTokenVerifierRejectsInvalidAudience(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier, err := NewIDTokenVerifier(IDTokenVerifierConfig{
		Audience:   "other-client",
		JWKSURL:    fixture.url(),
		HTTPClient: fixture.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), fixture.sign(t, baseClaims(time.Now().UTC()))); !errors.Is(err, jwt.ErrTokenInvalidAudience) {
		t.Fatalf("expected audience error, got %v", err)
	}
}

func TestIDTokenVerifierRejectsUntrustedIssuer(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier, err := NewIDTokenVerifier(IDTokenVerifierConfig{
		JWKSURL:        fixture.url(),
		AllowedIssuers: []string{"https://elsewhere.example.test"},
		HTTPClient:     fixture.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), fixture.sign(t, baseClaims(time.Now().UTC()))); !errors.Is(err, errUntrustedIssuer) {
		t.Fatalf("expected untrusted issuer error, got %v", err)
	}
}

func TestIDTokenVerifierRejectsExpiredAndUnknownKeys(t *testing.T) {
	fixture := newJWKSFixture(t)
	verifier, err := NewIDTokenVerifier(IDTokenVerifierConfig{
		JWKSURL:    fixture.url(),
		HTTPClient: fixture.server.Client(),
	})
	if err != nil {
		t.Fatalf("unexpected constructor error: %v", err)
	}

	expired := baseClaims(time.Now().UTC().Add(-time.Hour))
	if _, err := verifier.Verify(context.Background(), fixture.sign(t, expired)); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expiry error, got %v", err)
	}

	stranger := newTestSigningKey(t)
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, baseClaims(time.Now().UTC()))
	token.Header["kid"] = stranger.KeyID
	raw, err := token.SignedString(stranger.Private)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	if _, err := verifier.Verify(context.Background(), raw); !errors.Is(err, errKeyNotFound) {
		t.Fatalf("expected unknown key error, got %v", err)
	}

	if _, err := verifier.Verify(context.Background(), ""); !errors.Is(err, errMissingToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestNewIDTokenVerifierRequiresJWKSURL(t *testing.T) {
	if _, err := NewIDTokenVerifier(IDTokenVerifierConfig{Audience: "legacy-bridge"}); !errors.Is(err, ErrInvalidVerifierConfig) {
		t.Fatalf("expected invalid config error, got %v", err)
	}
}
