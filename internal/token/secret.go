// Package token implements registry token secrets and session tokens.
package token

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

const (
	secretBytes = 32
	// PrefixLen is the number of leading hex characters stored in clear for
	// database lookup; the remainder is only kept as a salted hash.
	PrefixLen = 8
	saltBytes = 16
)

// GenerateSecret creates a new token secret and its storage material. The
// clear secret is returned exactly once and is never recoverable.
func GenerateSecret() (secret, prefix string, salt, hash []byte, err error) {
	raw := make([]byte, secretBytes)
	if _, err = rand.Read(raw); err != nil {
		return "", "", nil, nil, fmt.Errorf("failed to generate token secret: %w", err)
	}
	secret = hex.EncodeToString(raw)

	salt = make([]byte, saltBytes)
	if _, err = rand.Read(salt); err != nil {
		return "", "", nil, nil, fmt.Errorf("failed to generate token salt: %w", err)
	}

	prefix = secret[:PrefixLen]
	hash = hashRemainder(salt, secret[PrefixLen:])
	return secret, prefix, salt, hash, nil
}

// Verify compares a presented secret against stored material in constant
// time.
func Verify(secret string, salt, hash []byte) bool {
	if len(secret) <= PrefixLen {
		return false
	}
	candidate := hashRemainder(salt, secret[PrefixLen:])
	return subtle.ConstantTimeCompare(candidate, hash) == 1
}

func hashRemainder(salt []byte, remainder string) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(remainder))
	return h.Sum(nil)
}
