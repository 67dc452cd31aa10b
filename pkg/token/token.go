// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package token defines the token and change-history data model.
//
// A token is an opaque bearer credential of the form gt-<key>.<secret>.
// The key identifies the token in storage and is safe to log; the secret
// authenticates possession and must never be stored in the relational
// database or written to logs.
package token

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"regexp"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
)

// TokenPrefix is the prefix of all session and access tokens.
const TokenPrefix = "gt-"

var (
	usernameRegexp = regexp.MustCompile(`^[a-z][a-z0-9-]{0,63}$`)
	botRegexp      = regexp.MustCompile(`^bot-[a-z0-9-]+$`)
)

// Token is a parsed token. The zero value is not a valid token; use
// [NewToken] or [Parse].
type Token struct {
	Key    string
	Secret string
}

// NewToken generates a new token with random key and secret.
func NewToken() (Token, error) {
	key, err := NewRandomString()
	if err != nil {
		return Token{}, err
	}
	secret, err := NewRandomString()
	if err != nil {
		return Token{}, err
	}
	return Token{Key: key, Secret: secret}, nil
}

// Parse parses the serialized form of a token. The input must carry the gt-
// prefix and both components must be 22 characters of URL-safe base64.
func Parse(s string) (Token, error) {
	trimmed, ok := strings.CutPrefix(s, TokenPrefix)
	if !ok {
		return Token{}, gaferrors.NewInvalidRequestError("token does not start with gt-", nil)
	}
	key, secret, ok := strings.Cut(trimmed, ".")
	if !ok {
		return Token{}, gaferrors.NewInvalidRequestError("token is malformed", nil)
	}
	if !isRandomString(key) || !isRandomString(secret) {
		return Token{}, gaferrors.NewInvalidRequestError("token is malformed", nil)
	}
	return Token{Key: key, Secret: secret}, nil
}

// String returns the serialized form of the token. This includes the secret
// and must be handled accordingly.
func (t Token) String() string {
	return TokenPrefix + t.Key + "." + t.Secret
}

// Equal compares the secret in constant time. Keys are storage lookup
// handles, not secrets, so a plain comparison suffices for them.
func (t Token) Equal(o Token) bool {
	if t.Key != o.Key {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(t.Secret), []byte(o.Secret)) == 1
}

// MarshalJSON serializes the token as its full string form.
func (t Token) MarshalJSON() ([]byte, error) {
	return []byte(`"` + t.String() + `"`), nil
}

// UnmarshalJSON parses a token from its full string form.
func (t *Token) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	parsed, err := Parse(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// NewRandomString returns 128 bits of randomness encoded as 22 characters of
// unpadded URL-safe base64. Both components of tokens and authorization codes
// use this alphabet.
func NewRandomString() (string, error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func isRandomString(s string) bool {
	if len(s) != 22 {
		return false
	}
	_, err := base64.RawURLEncoding.DecodeString(s)
	return err == nil
}

// IsValidUsername reports whether a username satisfies the naming rules:
// lowercase alphanumerics and hyphens, starting with a letter, at most 64
// characters.
func IsValidUsername(username string) bool {
	return usernameRegexp.MatchString(username)
}

// IsBotUser reports whether a username names a bot user. Only bot users may
// be the subject of service tokens or admin-created user tokens.
func IsBotUser(username string) bool {
	return botRegexp.MatchString(username)
}
