package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// AlgorithmArgon2id tags hashes produced by Argon2Hasher.
const AlgorithmArgon2id = "argon2id"

var errEmptyPassword = errors.New("credentials: empty password")

// Argon2Params tunes the local hashing scheme.
type Argon2Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params matches the OWASP baseline for interactive logins.
var DefaultArgon2Params = Argon2Params{Memory: 64 * 1024, Time: 3, Parallelism: 1, SaltLength: 16, KeyLength: 32}

// Argon2Hasher hashes and verifies PHC-formatted argon2id strings.
type Argon2Hasher struct {
	params Argon2Params
}

// NewArgon2Hasher returns a hasher using params, falling back to DefaultArgon2Params for zero fields.
func NewArgon2Hasher(params Argon2Params) *Argon2Hasher {
	if params.Memory == 0 {
		params.Memory = DefaultArgon2Params.Memory
	}
	if params.Time == 0 {
		params.Time = DefaultArgon2Params.Time
	}
	if params.Parallelism == 0 {
		params.Parallelism = DefaultArgon2Params.Parallelism
	}
	if params.SaltLength == 0 {
		params.SaltLength = DefaultArgon2Params.SaltLength
	}
	if params.KeyLength == 0 {
		params.KeyLength = DefaultArgon2Params.KeyLength
	}
	return &Argon2Hasher{params: params}
}

// Algorithm returns the tag stored next to hashes.
func (h *Argon2Hasher) Algorithm() string {
	return AlgorithmArgon2id
}

// Hash returns $argon2id$v=19$m=...,t=...,p=...$<salt>$<key>.
func (h *Argon2Hasher) Hash(plaintext string) (string, error) {
	if plaintext == "" {
		return "", errEmptyPassword
	}
	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credentials: read salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.params.Time, h.params.Memory, h.params.Parallelism, h.params.KeyLength)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.params.Memory, h.params.Time, h.params.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks plaintext against a PHC string; parameters come from the string, not the hasher.
func (h *Argon2Hasher) Verify(plaintext, encoded string) bool {
	if plaintext == "" {
		return false
	}
	segments := strings.Split(encoded, "$")
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, key
	if len(segments) != 6 || segments[1] != AlgorithmArgon2id {
		return false
	}
	var version int
	if _, err := fmt.Sscanf(segments[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false
	}
	var memory, iterations uint32
	var parallelism uint8
	if _, err := fmt.Sscanf(segments[3], "m=%d,t=%d,p=%d", &memory, &iterations, &parallelism); err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(segments[4])
	if err != nil {
		return false
	}
	stored, err := base64.RawStdEncoding.DecodeString(segments[5])
	if err != nil || len(stored) == 0 {
		return false
	}
	derived := argon2.IDKey([]byte(plaintext), salt, iterations, memory, parallelism, uint32(len(stored)))
	return subtle.ConstantTimeCompare(derived, stored) == 1
}
