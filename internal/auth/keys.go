package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

const signingKeyBits = 2048

var errMissingKeyPath = errors.New("signing key path is required")

// SigningKey is the RSA key the issuer signs tokens with.
type SigningKey struct {
	KeyID   string
	Private *rsa.PrivateKey
}

// NewSigningKey wraps private and derives a stable key id from its modulus.
func NewSigningKey(private *rsa.PrivateKey) *SigningKey {
	digest := sha256.Sum256(private.PublicKey.N.Bytes())
	return &SigningKey{
		KeyID:   base64.RawURLEncoding.EncodeToString(digest[:12]),
		Private: private,
	}
}

// LoadSigningKey reads a PEM-encoded RSA private key.
func LoadSigningKey(path string) (*SigningKey, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errMissingKeyPath
	}
	encoded, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signing key: %w", err)
	}
	private, err := jwt.ParseRSAPrivateKeyFromPEM(encoded)
	if err != nil {
		return nil, fmt.Errorf("parse signing key: %w", err)
	}
	return NewSigningKey(private), nil
}

// GenerateSigningKey creates an in-memory key. Tokens signed with it do not survive a restart.
func GenerateSigningKey() (*SigningKey, error) {
	private, err := rsa.GenerateKey(rand.Reader, signingKeyBits)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	return NewSigningKey(private), nil
}

// KeySet is a JWKS document.
type KeySet struct {
	Keys []JSONWebKey `json:"keys"`
}

// JSONWebKey is the public half of an RSA signing key.
type JSONWebKey struct {
	KeyType string `json:"kty"`
	Alg     string `json:"alg"`
	KeyID   string `json:"kid"`
	Use     string `json:"use"`
	Modulus string `json:"n"`
	Exp     string `json:"e"`
}

// PublicKeySet publishes the verification key.
func (k *SigningKey) PublicKeySet() KeySet {
	public := k.Private.PublicKey
	return KeySet{Keys: []JSONWebKey{{
		KeyType: "RSA",
		Alg:     jwt.SigningMethodRS256.Alg(),
		KeyID:   k.KeyID,
		Use:     "sig",
		Modulus: base64.RawURLEncoding.EncodeToString(public.N.Bytes()),
		Exp:     base64.RawURLEncoding.EncodeToString(big.NewInt(int64(public.E)).Bytes()),
	}}}
}

func (k JSONWebKey) toRSAPublicKey() (*rsa.PublicKey, error) {
	modulusBytes, err := base64.RawURLEncoding.DecodeString(k.Modulus)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus encoding: %w", err)
	}
	exponentBytes, err := base64.RawURLEncoding.DecodeString(k.Exp)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent encoding: %w", err)
	}

	if len(exponentBytes) == 0 {
		return nil, errors.New("missing exponent bytes")
	}

	exponent := 0
	for _, b := range exponentBytes {
		exponent = exponent<<8 + int(b)
	}
	if exponent == 0 {
		return nil, errors.New("invalid exponent value")
	}

	return &rsa.PublicKey{
		N: new(big.Int).SetBytes(modulusBytes),
		E: exponent,
	}, nil
}
