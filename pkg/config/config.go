// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package config loads the gafaelfawr settings file.
package config

import (
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/spf13/viper"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// SettingsEnvVar names the environment variable holding the settings file
// path when --settings is not given.
const SettingsEnvVar = "GAFAELFAWR_SETTINGS_PATH"

// Defaults.
const (
	DefaultAddress          = ":8080"
	DefaultTokenLifetime    = 720 * time.Hour
	DefaultHistoryRetention = 8760 * time.Hour
	DefaultMaintenance      = time.Hour
	DefaultIDTokenLifetime  = 24 * time.Hour
)

// Config is the full gafaelfawr configuration.
type Config struct {
	// Address is the listen address of the API server.
	Address string `mapstructure:"address"`

	// DatabaseURL is the path of the SQLite database.
	DatabaseURL string `mapstructure:"database_url"`

	// RedisURL is the connection URL of the Redis token store.
	RedisURL string `mapstructure:"redis_url"`

	// BootstrapToken, if set, is accepted by admin routes as an admin
	// credential even before any admins exist in the database.
	BootstrapToken string `mapstructure:"bootstrap_token"`

	// TokenLifetime bounds session tokens and caps derived tokens.
	TokenLifetime time.Duration `mapstructure:"token_lifetime"`

	// HistoryRetention is how long change-history entries are kept.
	HistoryRetention time.Duration `mapstructure:"history_retention"`

	// MaintenanceInterval is how often the expiration sweep and history
	// truncation run.
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval"`

	// KnownScopes maps each recognized scope to its description.
	KnownScopes map[string]string `mapstructure:"known_scopes"`

	// GroupMapping maps group names to the scopes membership grants.
	GroupMapping map[string][]string `mapstructure:"group_mapping"`

	// InitialAdmins are seeded into the admin table by init.
	InitialAdmins []string `mapstructure:"initial_admins"`

	// OIDCServer enables the OpenID Connect provider when present.
	OIDCServer *OIDCServerConfig `mapstructure:"oidc_server"`
}

// OIDCServerConfig configures the OpenID Connect provider.
type OIDCServerConfig struct {
	// Issuer is the iss claim of minted ID tokens.
	Issuer string `mapstructure:"issuer"`

	// Audience is the aud claim of minted ID tokens.
	Audience string `mapstructure:"audience"`

	// KeyFile is the path of the PEM-encoded RSA signing key.
	KeyFile string `mapstructure:"key_file"`

	// Lifetime of minted ID tokens.
	Lifetime time.Duration `mapstructure:"lifetime"`

	// Clients are the registered OpenID Connect clients.
	Clients []OIDCClient `mapstructure:"clients"`
}

// OIDCClient is one registered OpenID Connect client.
type OIDCClient struct {
	ClientID     string `mapstructure:"id"`
	ClientSecret string `mapstructure:"secret"`
	ReturnURI    string `mapstructure:"return_uri"`
}

// Load reads the settings file at path, or from GAFAELFAWR_SETTINGS_PATH
// when path is empty.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(SettingsEnvVar)
	}
	if path == "" {
		return nil, fmt.Errorf("no settings file given and %s not set", SettingsEnvVar)
	}

	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("address", DefaultAddress)
	v.SetDefault("token_lifetime", DefaultTokenLifetime)
	v.SetDefault("history_retention", DefaultHistoryRetention)
	v.SetDefault("maintenance_interval", DefaultMaintenance)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read settings file: %w", err)
	}
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse settings: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url must be set")
	}
	if c.RedisURL == "" {
		return fmt.Errorf("redis_url must be set")
	}
	for _, admin := range c.InitialAdmins {
		if !token.IsValidUsername(admin) {
			return fmt.Errorf("invalid initial admin username %q", admin)
		}
	}
	if c.OIDCServer != nil {
		if c.OIDCServer.Issuer == "" {
			return fmt.Errorf("oidc_server.issuer must be set")
		}
		if c.OIDCServer.KeyFile == "" {
			return fmt.Errorf("oidc_server.key_file must be set")
		}
		if c.OIDCServer.Lifetime == 0 {
			c.OIDCServer.Lifetime = DefaultIDTokenLifetime
		}
		for _, client := range c.OIDCServer.Clients {
			if client.ClientID == "" || client.ClientSecret == "" {
				return fmt.Errorf("oidc_server clients must have id and secret")
			}
		}
	}
	return nil
}

// ScopesFromGroups returns the sorted union of scopes granted by membership
// in the given groups.
func (c *Config) ScopesFromGroups(groups []token.Group) []string {
	seen := make(map[string]bool)
	for _, group := range groups {
		for _, scope := range c.GroupMapping[group.Name] {
			seen[scope] = true
		}
	}
	scopes := make([]string, 0, len(seen))
	for scope := range seen {
		scopes = append(scopes, scope)
	}
	slices.Sort(scopes)
	return scopes
}

// IsKnownScope reports whether a scope appears in the known scope list. An
// empty known-scope map accepts everything, which keeps small deployments
// from having to enumerate scopes.
func (c *Config) IsKnownScope(scope string) bool {
	if len(c.KnownScopes) == 0 {
		return true
	}
	_, ok := c.KnownScopes[scope]
	return ok
}
