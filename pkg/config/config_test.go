// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const settingsYAML = `
database_url: /tmp/gafaelfawr.sqlite
redis_url: redis://localhost:6379/0
token_lifetime: 48h
known_scopes:
  admin:token: Can administer tokens
  read:all: Can read everything
group_mapping:
  g_admins:
    - admin:token
    - read:all
  g_users:
    - read:all
initial_admins:
  - admin
oidc_server:
  issuer: https://example.com
  audience: https://example.com
  key_file: /tmp/key.pem
  clients:
    - id: some-client
      secret: some-secret
      return_uri: https://client.example.com/callback
`

func writeSettings(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gafaelfawr.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestLoad(t *testing.T) {
	cfg, err := Load(writeSettings(t, settingsYAML))
	require.NoError(t, err)

	assert.Equal(t, DefaultAddress, cfg.Address)
	assert.Equal(t, "/tmp/gafaelfawr.sqlite", cfg.DatabaseURL)
	assert.Equal(t, 48*time.Hour, cfg.TokenLifetime)
	assert.Equal(t, DefaultHistoryRetention, cfg.HistoryRetention)
	assert.Equal(t, []string{"admin"}, cfg.InitialAdmins)
	require.NotNil(t, cfg.OIDCServer)
	assert.Equal(t, "https://example.com", cfg.OIDCServer.Issuer)
	assert.Equal(t, DefaultIDTokenLifetime, cfg.OIDCServer.Lifetime)
	require.Len(t, cfg.OIDCServer.Clients, 1)
	assert.Equal(t, "some-client", cfg.OIDCServer.Clients[0].ClientID)

	assert.True(t, cfg.IsKnownScope("read:all"))
	assert.False(t, cfg.IsKnownScope("write:all"))

	scopes := cfg.ScopesFromGroups([]token.Group{
		{Name: "g_admins", ID: 1000},
		{Name: "g_users", ID: 1001},
		{Name: "g_unmapped", ID: 1002},
	})
	assert.Equal(t, []string{"admin:token", "read:all"}, scopes)
}

func TestLoadFromEnv(t *testing.T) {
	path := writeSettings(t, "database_url: /tmp/db\nredis_url: redis://localhost/0\n")
	t.Setenv(SettingsEnvVar, path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/db", cfg.DatabaseURL)

	// No known scopes configured accepts any scope.
	assert.True(t, cfg.IsKnownScope("anything"))
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"missing database", "redis_url: redis://localhost/0\n"},
		{"missing redis", "database_url: /tmp/db\n"},
		{"bad admin", "database_url: /tmp/db\nredis_url: redis://localhost/0\ninitial_admins: [Not-Valid!]\n"},
		{"oidc without issuer", "database_url: /tmp/db\nredis_url: redis://localhost/0\noidc_server:\n  key_file: /tmp/key.pem\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeSettings(t, tt.contents))
			assert.Error(t, err)
		})
	}
}
