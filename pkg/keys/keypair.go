// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package keys manages the RSA signing key for issued JWTs and its JWKS
// representation.
package keys

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
)

// keySize is the modulus size for generated keys.
const keySize = 2048

// RSAKeyPair wraps the issuer signing key. The key ID is the RFC 7638
// thumbprint of the public key, so it is stable across restarts for the
// same key material.
type RSAKeyPair struct {
	private *rsa.PrivateKey
	keyID   string
}

// Generate creates a new signing keypair.
func Generate() (*RSAKeyPair, error) {
	private, err := rsa.GenerateKey(rand.Reader, keySize)
	if err != nil {
		return nil, fmt.Errorf("failed to generate RSA key: %w", err)
	}
	return newKeyPair(private)
}

// FromPEM loads a keypair from a PEM-encoded private key in either PKCS#1
// or PKCS#8 form.
func FromPEM(data []byte) (*RSAKeyPair, error) {
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in key data")
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return newKeyPair(key)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key is not RSA")
	}
	return newKeyPair(key)
}

func newKeyPair(private *rsa.PrivateKey) (*RSAKeyPair, error) {
	pub, err := jwk.FromRaw(private.Public())
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK: %w", err)
	}
	thumbprint, err := pub.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("failed to compute key thumbprint: %w", err)
	}
	keyID := base64.RawURLEncoding.EncodeToString(thumbprint)
	return &RSAKeyPair{private: private, keyID: keyID}, nil
}

// PrivateKey returns the private key for signing.
func (k *RSAKeyPair) PrivateKey() *rsa.PrivateKey {
	return k.private
}

// PublicKey returns the public key for verification.
func (k *RSAKeyPair) PublicKey() *rsa.PublicKey {
	return &k.private.PublicKey
}

// KeyID returns the kid used in JWT headers and the JWKS.
func (k *RSAKeyPair) KeyID() string {
	return k.keyID
}

// PrivatePEM serializes the private key as PKCS#8 PEM.
func (k *RSAKeyPair) PrivatePEM() ([]byte, error) {
	der, err := x509.MarshalPKCS8PrivateKey(k.private)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), nil
}

// JWKS returns the public key set for the JWKS endpoint.
func (k *RSAKeyPair) JWKS() (jwk.Set, error) {
	key, err := jwk.FromRaw(k.PublicKey())
	if err != nil {
		return nil, fmt.Errorf("failed to build JWK: %w", err)
	}
	if err := key.Set(jwk.KeyIDKey, k.keyID); err != nil {
		return nil, fmt.Errorf("failed to set kid: %w", err)
	}
	if err := key.Set(jwk.AlgorithmKey, jwa.RS256); err != nil {
		return nil, fmt.Errorf("failed to set alg: %w", err)
	}
	if err := key.Set(jwk.KeyUsageKey, string(jwk.ForSignature)); err != nil {
		return nil, fmt.Errorf("failed to set use: %w", err)
	}
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return nil, fmt.Errorf("failed to add key to set: %w", err)
	}
	return set, nil
}
