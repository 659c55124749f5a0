package auth

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/federation"
	"github.com/MarcoPoloResearchLab/fedbridge/internal/legacydb"
	"github.com/golang-jwt/jwt/v5"
)

const testIssuer = "https://auth.example.test/realms/main"

func newTestSigningKey(t *testing.T) *SigningKey {
	t.Helper()
	key, err := GenerateSigningKey()
	if err != nil {
		t.Fatalf("failed to generate signing key: %v", err)
	}
	return key
}

func newTestIssuer(t *testing.T, key *SigningKey, clock func() time.Time) *TokenIssuer {
	t.Helper()
	issuer, err := NewTokenIssuer(TokenIssuerConfig{
		SigningKey:      key,
		Issuer:          testIssuer + "/",
		AccessTokenTTL:  5 * time.Minute,
		RefreshTokenTTL: 30 * time.Minute,
		Clock:           clock,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	return issuer
}

func testSubject() *federation.FederatedUser {
	return federation.NewFederatedUser("legacy-postgres", legacydb.RecordFromMap(map[string]string{
		"id":         "2b4f1f0e-8d5e-4b7a-9e61-1f8f5b1c0a11",
		"email":      "ada@example.com",
		"first_name": "Ada",
		"last_name":  "Lovelace",
	}))
}

func parseUnverified(t *testing.T, raw string) (jwt.MapClaims, map[string]any) {
	t.Helper()
	claims := jwt.MapClaims{}
	token, _, err := jwt.NewParser().ParseUnverified(raw, claims)
	if err != nil {
		t.Fatalf("failed to parse token: %v", err)
	}
	return claims, token.Header
}

func TestTokenIssuerIssuesTokenSetWithOpenID(t *testing.T) {
	key := newTestSigningKey(t)
	issuer := newTestIssuer(t, key, nil)

	set, err := issuer.Issue(context.Background(), testSubject(), "web-app", []string{"openid", "email"}, map[string]any{
		"role": "is_client",
		"sub":  "overridden",
	})
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if set.AccessToken == "" || set.RefreshToken == "" || set.IDToken == "" {
		t.Fatalf("expected all three tokens, got %+v", set)
	}
	if set.ExpiresIn != 300 || set.RefreshExpiresIn != 1800 {
		t.Fatalf("unexpected lifetimes %d/%d", set.ExpiresIn, set.RefreshExpiresIn)
	}
	if set.Scope != "openid email" {
		t.Fatalf("unexpected scope %q", set.Scope)
	}

	idClaims, header := parseUnverified(t, set.IDToken)
	if header["kid"] != key.KeyID {
		t.Fatalf("expected kid %q, got %v", key.KeyID, header["kid"])
	}
	if idClaims["iss"] != testIssuer {
		t.Fatalf("expected trimmed issuer, got %v", idClaims["iss"])
	}
	if idClaims["sub"] != testSubject().ID() {
		t.Fatalf("profile claims must not override sub, got %v", idClaims["sub"])
	}
	if idClaims["role"] != "is_client" {
		t.Fatalf("expected profile claim in id token, got %v", idClaims["role"])
	}
	if idClaims["typ"] != "ID" {
		t.Fatalf("unexpected id token type %v", idClaims["typ"])
	}
}

func TestTokenIssuerOmitsIDTokenWithoutOpenID(t *testing.T) {
	issuer := newTestIssuer(t, newTestSigningKey(t), nil)

	set, err := issuer.Issue(context.Background(), testSubject(), "web-app", []string{"email"}, nil)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}
	if set.IDToken != "" {
		t.Fatalf("expected no id token without openid scope")
	}
}

func TestTokenIssuerValidatesAccessTokens(t *testing.T) {
	issuer := newTestIssuer(t, newTestSigningKey(t), nil)

	set, err := issuer.Issue(context.Background(), testSubject(), "web-app", []string{"openid"}, nil)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	claims, err := issuer.ValidateAccessToken(set.AccessToken)
	if err != nil {
		t.Fatalf("expected access token to validate: %v", err)
	}
	if claims.Subject != testSubject().ID() || claims.ClientID != "web-app" || claims.Scope != "openid" {
		t.Fatalf("unexpected access claims %+v", claims)
	}

	if _, err := issuer.ValidateAccessToken(set.RefreshToken); !errors.Is(err, errUnexpectedTokenType) {
		t.Fatalf("expected refresh token to be rejected as access token, got %v", err)
	}
	if _, err := issuer.ValidateAccessToken(set.IDToken); !errors.Is(err, errUnexpectedTokenType) {
		t.Fatalf("expected id token to be rejected as access token, got %v", err)
	}
}

func TestTokenIssuerRejectsExpiredAndForeignTokens(t *testing.T) {
	issuedAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := issuedAt
	issuer := newTestIssuer(t, newTestSigningKey(t), func() time.Time { return now })

	set, err := issuer.Issue(context.Background(), testSubject(), "web-app", nil, nil)
	if err != nil {
		t.Fatalf("unexpected issue error: %v", err)
	}

	now = issuedAt.Add(10 * time.Minute)
	if _, err := issuer.ValidateAccessToken(set.AccessToken); !errors.Is(err, jwt.ErrTokenExpired) {
		t.Fatalf("expected expired token error, got %v", err)
	}

	now = issuedAt
	other := newTestIssuer(t, newTestSigningKey(t), func() time.Time { return now })
	if _, err := other.ValidateAccessToken(set.AccessToken); err == nil {
		t.Fatalf("expected token signed by another key to be rejected")
	}
}

func TestTokenIssuerRequiresSubject(t *testing.T) {
	issuer := newTestIssuer(t, newTestSigningKey(t), nil)
	if _, err := issuer.Issue(context.Background(), nil, "web-app", nil, nil); !errors.Is(err, errMissingSubjectClaim) {
		t.Fatalf("expected missing subject error, got %v", err)
	}
}

func TestNewTokenIssuerValidatesConfig(t *testing.T) {
	if _, err := NewTokenIssuer(TokenIssuerConfig{Issuer: testIssuer}); !errors.Is(err, ErrInvalidIssuerConfig) {
		t.Fatalf("expected missing key error, got %v", err)
	}
	_, err := NewTokenIssuer(TokenIssuerConfig{SigningKey: newTestSigningKey(t), Issuer: "  "})
	if !errors.Is(err, ErrInvalidIssuerConfig) || !strings.Contains(err.Error(), errMissingIssuer.Error()) {
		t.Fatalf("expected missing issuer error, got %v", err)
	}
}

func TestKeySetPublishesVerificationKey(t *testing.T) {
	key := newTestSigningKey(t)
	set := key.PublicKeySet()
	if len(set.Keys) != 1 {
		t.Fatalf("expected exactly one key, got %d", len(set.Keys))
	}
	jwk := set.Keys[0]
	if jwk.KeyID != key.KeyID || jwk.KeyType != "RSA" || jwk.Alg != "RS256" || jwk.Use != "sig" {
		t.Fatalf("unexpected jwk %+v", jwk)
	}
	public, err := jwk.toRSAPublicKey()
	if err != nil {
		t.Fatalf("failed to decode jwk: %v", err)
	}
	if !public.Equal(&key.Private.PublicKey) {
		t.Fatalf("published key does not match signing key")
	}
	if again := NewSigningKey(key.Private); again.KeyID != key.KeyID {
		t.Fatalf("expected stable key id")
	}
}
