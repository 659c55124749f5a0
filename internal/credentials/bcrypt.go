// Package credentials verifies legacy password digests and produces local password hashes.
package credentials

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// VerifyBcrypt reports whether plaintext matches a stored bcrypt digest.
// The cost factor and version marker ($2$, $2a$, $2b$, $2y$) are read from the digest itself.
// Empty input, malformed digests and mismatches all yield false.
func VerifyBcrypt(plaintext, storedHash string) bool {
	if plaintext == "" {
		return false
	}
	digest := strings.TrimSpace(storedHash)
	if digest == "" || !strings.HasPrefix(digest, "$2") {
		return false
	}
	if _, err := bcrypt.Cost([]byte(digest)); err != nil {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(plaintext)) == nil
}

