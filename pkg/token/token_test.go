// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package token

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewToken(t *testing.T) {
	t.Parallel()

	tok, err := NewToken()
	require.NoError(t, err)
	assert.Len(t, tok.Key, 22)
	assert.Len(t, tok.Secret, 22)

	parsed, err := Parse(tok.String())
	require.NoError(t, err)
	assert.Equal(t, tok, parsed)
	assert.True(t, tok.Equal(parsed))

	other, err := NewToken()
	require.NoError(t, err)
	assert.NotEqual(t, tok.Key, other.Key)
	assert.False(t, tok.Equal(other))
}

func TestParseInvalid(t *testing.T) {
	t.Parallel()

	valid, err := NewToken()
	require.NoError(t, err)

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"no prefix", valid.Key + "." + valid.Secret},
		{"wrong prefix", "gc-" + valid.Key + "." + valid.Secret},
		{"no separator", TokenPrefix + valid.Key + valid.Secret},
		{"short key", TokenPrefix + "abc." + valid.Secret},
		{"short secret", TokenPrefix + valid.Key + ".abc"},
		{"bad alphabet", TokenPrefix + "++++++++++++++++++++++." + valid.Secret},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestTokenJSON(t *testing.T) {
	t.Parallel()

	tok, err := NewToken()
	require.NoError(t, err)

	out, err := json.Marshal(tok)
	require.NoError(t, err)
	assert.Equal(t, `"`+tok.String()+`"`, string(out))

	var back Token
	require.NoError(t, json.Unmarshal(out, &back))
	assert.Equal(t, tok, back)
}

func TestIsValidUsername(t *testing.T) {
	t.Parallel()

	tests := []struct {
		username string
		valid    bool
		bot      bool
	}{
		{"someuser", true, false},
		{"bot-mobu", true, true},
		{"bot-", false, false},
		{"UPPER", false, false},
		{"0start", false, false},
		{"has.dot", false, false},
		{"", false, false},
		{"a", true, false},
	}
	for _, tt := range tests {
		t.Run("username "+tt.username, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.valid, IsValidUsername(tt.username))
			assert.Equal(t, tt.bot, IsBotUser(tt.username))
		})
	}
}
