// Package auth guards the MCP endpoint with a single API key. The key is
// configured as a bcrypt hash; the plain key exists only on the client.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

const (
	// APIKeyPrefix distinguishes chat-sync keys from other bearer tokens.
	APIKeyPrefix = "cs_"

	// apiKeyBytes is the random part of a generated key.
	apiKeyBytes = 32

	// APIKeyMinLen is the prefix plus 16 random bytes in hex.
	APIKeyMinLen = len(APIKeyPrefix) + 32

	// maxVerified caps the digest cache so a long-running server cannot
	// grow it without bound.
	maxVerified = 64
)

// ErrInvalidHash is returned when the configured hash is not bcrypt.
var ErrInvalidHash = errors.New("invalid API key hash")

// RandomHex generates a cryptographically random hex string of the given byte length.
func RandomHex(byteLen int) string {
	b := make([]byte, byteLen)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return hex.EncodeToString(b)
}

// GenerateAPIKey returns a new random key and its bcrypt hash.
func GenerateAPIKey() (key, hash string, err error) {
	key = APIKeyPrefix + RandomHex(apiKeyBytes)

	h, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing API key: %w", err)
	}

	return key, string(h), nil
}

// Verifier checks presented keys against the configured hash. bcrypt is
// slow on purpose, so keys that passed once are remembered by SHA-256
// digest and later requests skip the bcrypt comparison.
type Verifier struct {
	hash []byte

	mu       sync.Mutex
	verified map[[sha256.Size]byte]struct{}
}

// NewVerifier creates a verifier for a bcrypt hash.
func NewVerifier(hash string) (*Verifier, error) {
	hash = strings.TrimSpace(hash)

	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidHash, err)
	}

	return &Verifier{
		hash:     []byte(hash),
		verified: make(map[[sha256.Size]byte]struct{}),
	}, nil
}

// Verify reports whether key matches the configured hash.
func (v *Verifier) Verify(key string) bool {
	if !strings.HasPrefix(key, APIKeyPrefix) || len(key) < APIKeyMinLen {
		return false
	}

	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	_, ok := v.verified[digest]
	v.mu.Unlock()

	if ok {
		return true
	}

	if bcrypt.CompareHashAndPassword(v.hash, []byte(key)) != nil {
		return false
	}

	v.mu.Lock()
	if len(v.verified) >= maxVerified {
		clear(v.verified)
	}

	v.verified[digest] = struct{}{}
	v.mu.Unlock()

	return true
}
