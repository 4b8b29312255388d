package store

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const (
	// bcryptCost defines the computational cost for bcrypt hashing.
	bcryptCost  = 10
	bcryptLimit = 72
)

// HashToken generates a bcrypt hash of an operator token for secure storage.
// Bcrypt has a 72-byte input limit; longer tokens are pre-hashed with SHA-256.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", ErrNilRecord
	}

	hash, err := bcrypt.GenerateFromPassword(bcryptInput(token), bcryptCost)
	if err != nil {
		return "", fmt.Errorf("store: hash token: %w", err)
	}

	return string(hash), nil
}

// CompareTokenHash performs constant-time comparison of a token against its bcrypt hash.
func CompareTokenHash(hash, token string) bool {
	if hash == "" || token == "" {
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), bcryptInput(token)) == nil
}

// TokenLookupHash computes the SHA256 hash of a token for O(1) lookup. The
// bcrypt hash remains the security boundary; this is indexing only.
func TokenLookupHash(token string) string {
	hash := sha256.Sum256([]byte(token))

	return hex.EncodeToString(hash[:])
}

// SecureCompare performs constant-time comparison of two strings.
func SecureCompare(a, b string) bool {
	if len(a) != len(b) {
		dummy := make([]byte, len(a))
		subtle.ConstantTimeCompare([]byte(a), dummy)

		return false
	}

	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

func bcryptInput(token string) []byte {
	if len(token) <= bcryptLimit {
		return []byte(token)
	}

	sum := sha256.Sum256([]byte(token))

	return sum[:]
}
