// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package token

import (
	"crypto/subtle"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
)

// CodePrefix is the prefix of OpenID Connect authorization codes.
const CodePrefix = "gc-"

// Code is an OpenID Connect authorization code. It has the same key/secret
// structure as a token but a distinct prefix so the two can never be
// confused.
type Code struct {
	Key    string
	Secret string
}

// NewCode generates a new authorization code.
func NewCode() (Code, error) {
	key, err := NewRandomString()
	if err != nil {
		return Code{}, err
	}
	secret, err := NewRandomString()
	if err != nil {
		return Code{}, err
	}
	return Code{Key: key, Secret: secret}, nil
}

// ParseCode parses the serialized form of an authorization code.
func ParseCode(s string) (Code, error) {
	trimmed, ok := strings.CutPrefix(s, CodePrefix)
	if !ok {
		return Code{}, gaferrors.NewInvalidGrantError("code does not start with gc-", nil)
	}
	key, secret, ok := strings.Cut(trimmed, ".")
	if !ok || !isRandomString(key) || !isRandomString(secret) {
		return Code{}, gaferrors.NewInvalidGrantError("code is malformed", nil)
	}
	return Code{Key: key, Secret: secret}, nil
}

// String returns the serialized form of the code.
func (c Code) String() string {
	return CodePrefix + c.Key + "." + c.Secret
}

// Equal compares the secret in constant time.
func (c Code) Equal(o Code) bool {
	if c.Key != o.Key {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(c.Secret), []byte(o.Secret)) == 1
}
