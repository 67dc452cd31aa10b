// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package keys

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateAndRoundTrip(t *testing.T) {
	t.Parallel()

	pair, err := Generate()
	require.NoError(t, err)
	assert.NotEmpty(t, pair.KeyID())

	pemBytes, err := pair.PrivatePEM()
	require.NoError(t, err)
	assert.Contains(t, string(pemBytes), "PRIVATE KEY")

	loaded, err := FromPEM(pemBytes)
	require.NoError(t, err)
	assert.Equal(t, pair.KeyID(), loaded.KeyID())
	assert.Equal(t, pair.PublicKey().N, loaded.PublicKey().N)
}

func TestFromPEMInvalid(t *testing.T) {
	t.Parallel()

	_, err := FromPEM([]byte("not a key"))
	assert.Error(t, err)
}

func TestJWKS(t *testing.T) {
	t.Parallel()

	pair, err := Generate()
	require.NoError(t, err)
	set, err := pair.JWKS()
	require.NoError(t, err)

	out, err := json.Marshal(set)
	require.NoError(t, err)

	var parsed struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(out, &parsed))
	require.Len(t, parsed.Keys, 1)
	key := parsed.Keys[0]
	assert.Equal(t, "RSA", key["kty"])
	assert.Equal(t, "RS256", key["alg"])
	assert.Equal(t, "sig", key["use"])
	assert.Equal(t, pair.KeyID(), key["kid"])
	assert.NotEmpty(t, key["n"])
	assert.NotEmpty(t, key["e"])
}
