// Package token implements the opaque handles issued by the server:
// authorization codes, refresh tokens and reference access tokens. A handle
// has two representations: the user value given to the caller, and a stored
// value derived from it one-way. A datastore compromise therefore never
// yields usable tokens.
package token

import (
	"crypto/hkdf"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
)

// fixed salt, to domain-separate stored-value derivation from any other use
// of the raw token bytes.
var storedSalt = []byte{121, 18, 203, 66, 9, 240, 41, 87, 194, 133, 75, 12, 180, 98, 23, 144, 67, 211, 55, 170, 8, 92, 233, 104, 31, 76, 148, 201, 62, 119, 250, 13}

const keyLength = 32

// Token is a single opaque handle issued by the server.
type Token struct {
	user   string
	stored []byte
}

// User returns the value that is exposed to the caller.
func (t Token) User() string { return t.user }

// Stored returns the value that should be kept in the datastore for lookups.
func (t Token) Stored() []byte { return t.stored }

// New creates a new token for the given usage. Usage strings keep codes,
// refresh tokens and reference tokens in separate derivation domains.
func New(usage string) Token {
	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		panic(fmt.Sprintf("failed to generate random token: %v", err))
	}

	stored, err := hkdf.Key(sha256.New, raw, storedSalt, usage, keyLength)
	if err != nil {
		panic(fmt.Sprintf("failed to derive stored token: %v", err))
	}

	return Token{
		user:   base64.RawURLEncoding.EncodeToString(raw),
		stored: stored,
	}
}

// FromUser reconstructs a Token from the user-provided value.
func FromUser(userToken, usage string) (Token, error) {
	raw, err := base64.RawURLEncoding.DecodeString(userToken)
	if err != nil {
		return Token{}, fmt.Errorf("decoding user token: %v", err)
	}

	stored, err := hkdf.Key(sha256.New, raw, storedSalt, usage, keyLength)
	if err != nil {
		return Token{}, fmt.Errorf("deriving stored token: %v", err)
	}

	return Token{
		user:   userToken,
		stored: stored,
	}, nil
}

// Equal compares a stored value against this token in constant time.
func (t Token) Equal(stored []byte) bool {
	return subtle.ConstantTimeCompare(t.stored, stored) == 1
}

// StoredKey returns the stored value in a form usable as a map key.
func (t Token) StoredKey() string {
	return base64.RawStdEncoding.EncodeToString(t.stored)
}
