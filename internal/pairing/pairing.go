// Package pairing derives the secret exchanged when two nodes pair.
//
// The phrase typed by the user never leaves the client. Only its SHA-256
// digest is sent, and the serving side stores a bcrypt hash of that digest.
package pairing

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/minio/sha256-simd"
	"golang.org/x/crypto/bcrypt"
)

// ErrEmptyPhrase is returned when hashing an empty pairing phrase.
var ErrEmptyPhrase = errors.New("pairing phrase is empty")

// Digest returns the lowercase hex SHA-256 digest of phrase.
func Digest(phrase string) string {
	sum := sha256.Sum256([]byte(phrase))
	return hex.EncodeToString(sum[:])
}

// HashSecret returns the bcrypt hash stored by the serving side for phrase.
func HashSecret(phrase string) (string, error) {
	if phrase == "" {
		return "", ErrEmptyPhrase
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(Digest(phrase)), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash pairing secret: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether hello, a digest received in a pairing request,
// matches the stored bcrypt hash. An empty hash accepts nothing.
func Verify(hash, hello string) bool {
	if hash == "" || hello == "" {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(hello)) == nil
}
