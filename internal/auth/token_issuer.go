package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/fedbridge/internal/identity"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	defaultAccessTokenTTL  = 5 * time.Minute
	defaultRefreshTokenTTL = 30 * time.Minute

	tokenTypeAccess  = "Bearer"
	tokenTypeID      = "ID"
	tokenTypeRefresh = "Refresh"

	scopeOpenID = "openid"
)

var (
	errMissingSigningKey   = errors.New("signing key must be provided")
	errMissingSubjectClaim = errors.New("subject claim must be provided")
	errMissingIssuer       = errors.New("issuer must be provided")
	errUnexpectedTokenType = errors.New("unexpected token type")
	// ErrInvalidIssuerConfig wraps token issuer construction failures.
	ErrInvalidIssuerConfig = errors.New("auth: invalid token issuer config")
)

// TokenIssuerConfig configures the RS256 token issuer.
type TokenIssuerConfig struct {
	SigningKey      *SigningKey
	Issuer          string
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	Clock           func() time.Time
}

// TokenSet is the result of a successful grant.
type TokenSet struct {
	AccessToken      string
	IDToken          string
	RefreshToken     string
	ExpiresIn        int64
	RefreshExpiresIn int64
	Scope            string
}

// AccessClaims are the validated contents of an access token.
type AccessClaims struct {
	Subject  string
	ClientID string
	Scope    string
}

// TokenIssuer signs access, refresh and identity tokens.
type TokenIssuer struct {
	key        *SigningKey
	issuer     string
	accessTTL  time.Duration
	refreshTTL time.Duration
	clock      func() time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if cfg.SigningKey == nil || cfg.SigningKey.Private == nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssuerConfig, errMissingSigningKey)
	}
	issuer := strings.TrimRight(strings.TrimSpace(cfg.Issuer), "/")
	if issuer == "" {
		return nil, fmt.Errorf("%w: %v", ErrInvalidIssuerConfig, errMissingIssuer)
	}
	accessTTL := cfg.AccessTokenTTL
	if accessTTL <= 0 {
		accessTTL = defaultAccessTokenTTL
	}
	refreshTTL := cfg.RefreshTokenTTL
	if refreshTTL <= 0 {
		refreshTTL = defaultRefreshTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenIssuer{
		key:        cfg.SigningKey,
		issuer:     issuer,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
		clock:      clock,
	}, nil
}

// Issuer returns the iss claim value.
func (i *TokenIssuer) Issuer() string {
	return i.issuer
}

// KeySet returns the JWKS document for the signing key.
func (i *TokenIssuer) KeySet() KeySet {
	return i.key.PublicKeySet()
}

// Issue signs a token set for subject. profile is merged into the identity token, which is only
// produced when the openid scope was granted.
func (i *TokenIssuer) Issue(_ context.Context, subject identity.Identity, clientID string, scopes []string, profile map[string]any) (TokenSet, error) {
	if subject == nil || subject.ID() == "" {
		return TokenSet{}, errMissingSubjectClaim
	}
	now := i.clock().UTC()
	accessExpiry := now.Add(i.accessTTL)
	refreshExpiry := now.Add(i.refreshTTL)
	scope := strings.Join(scopes, " ")
	sessionID := uuid.NewString()

	access := jwt.MapClaims{
		"iss":                i.issuer,
		"sub":                subject.ID(),
		"aud":                clientID,
		"azp":                clientID,
		"typ":                tokenTypeAccess,
		"iat":                now.Unix(),
		"exp":                accessExpiry.Unix(),
		"jti":                uuid.NewString(),
		"sid":                sessionID,
		"scope":              scope,
		"preferred_username": subject.Username(),
	}
	accessToken, err := i.sign(access)
	if err != nil {
		return TokenSet{}, err
	}

	refresh := jwt.MapClaims{
		"iss":   i.issuer,
		"sub":   subject.ID(),
		"aud":   i.issuer,
		"azp":   clientID,
		"typ":   tokenTypeRefresh,
		"iat":   now.Unix(),
		"exp":   refreshExpiry.Unix(),
		"jti":   uuid.NewString(),
		"sid":   sessionID,
		"scope": scope,
	}
	refreshToken, err := i.sign(refresh)
	if err != nil {
		return TokenSet{}, err
	}

	set := TokenSet{
		AccessToken:      accessToken,
		RefreshToken:     refreshToken,
		ExpiresIn:        int64(i.accessTTL.Seconds()),
		RefreshExpiresIn: int64(i.refreshTTL.Seconds()),
		Scope:            scope,
	}

	if containsScope(scopes, scopeOpenID) {
		idClaims := jwt.MapClaims{}
		for name, value := range profile {
			idClaims[name] = value
		}
		idClaims["iss"] = i.issuer
		idClaims["sub"] = subject.ID()
		idClaims["aud"] = clientID
		idClaims["azp"] = clientID
		idClaims["typ"] = tokenTypeID
		idClaims["iat"] = now.Unix()
		idClaims["exp"] = accessExpiry.Unix()
		idClaims["sid"] = sessionID
		set.IDToken, err = i.sign(idClaims)
		if err != nil {
			return TokenSet{}, err
		}
	}
	return set, nil
}

// ValidateAccessToken verifies signature, issuer, expiry and token type of an access token.
func (i *TokenIssuer) ValidateAccessToken(tokenString string) (AccessClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(token *jwt.Token) (interface{}, error) {
			return &i.key.Private.PublicKey, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(i.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.clock),
	)
	if err != nil {
		return AccessClaims{}, err
	}
	if tokenType, _ := claims["typ"].(string); tokenType != tokenTypeAccess {
		return AccessClaims{}, errUnexpectedTokenType
	}
	subject, _ := claims.GetSubject()
	if subject == "" {
		return AccessClaims{}, errMissingSubjectClaim
	}
	clientID, _ := claims["azp"].(string)
	scope, _ := claims["scope"].(string)
	return AccessClaims{Subject: subject, ClientID: clientID, Scope: scope}, nil
}

func (i *TokenIssuer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = i.key.KeyID
	return token.SignedString(i.key.Private)
}

func containsScope(scopes []string, wanted string) bool {
	for _, scope := range scopes {
		if scope == wanted {
			return true
		}
	}
	return false
}
