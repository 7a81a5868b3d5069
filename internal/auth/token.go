// token.go

// Opaque token generation for sessions and verification links.
package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// tokenBytes is the entropy of every session and verification token.
const tokenBytes = 32

var errMalformedToken = errors.New("malformed token")

// GenerateToken returns a 256-bit random token encoded for the client and its SHA-256 hash.
// The encoded token goes to the client; only the hash goes in storage.
func GenerateToken() (string, []byte, error) {
	var raw [tokenBytes]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", nil, fmt.Errorf("generating token with rand: %w", err)
	}
	hash := sha256.Sum256(raw[:])
	return base64.RawURLEncoding.EncodeToString(raw[:]), hash[:], nil
}

// HashToken decodes a client-presented token and returns its storage hash.
// Anything that isn't base64url of exactly 32 bytes is malformed.
func HashToken(encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, errMalformedToken
	}
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil || len(raw) != tokenBytes {
		return nil, errMalformedToken
	}
	hash := sha256.Sum256(raw)
	return hash[:], nil
}

// cacheKey is the Redis key form of a token hash.
func cacheKey(tokenHash []byte) string {
	return base64.RawURLEncoding.EncodeToString(tokenHash)
}
