// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package redisstore implements the authoritative key-value token store on
// Redis. Token data is stored as a JSON blob keyed by the token key, with a
// TTL matching the token expiration. The secret is stored inside the blob and
// checked in constant time on retrieval.
package redisstore

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// Default timeouts for Redis operations.
const (
	DefaultDialTimeout  = 5 * time.Second
	DefaultReadTimeout  = 3 * time.Second
	DefaultWriteTimeout = 3 * time.Second
)

// tokenKeyPrefix namespaces token records within the Redis database.
const tokenKeyPrefix = "token:"

// scanBatchSize is the COUNT hint passed to SCAN when listing keys.
const scanBatchSize = 100

// TokenStore stores token data in Redis.
type TokenStore struct {
	client redis.UniversalClient
}

// storedData is the serialized wire form of token data. Field names are part
// of the storage format and must not change.
type storedData struct {
	Token     string        `json:"token"`
	Username  string        `json:"username"`
	TokenType token.Type    `json:"token_type"`
	Scopes    []string      `json:"scopes"`
	Created   time.Time     `json:"created"`
	Expires   *time.Time    `json:"expires,omitempty"`
	Name      string        `json:"name,omitempty"`
	Email     string        `json:"email,omitempty"`
	UID       int64         `json:"uid,omitempty"`
	GID       int64         `json:"gid,omitempty"`
	Groups    []token.Group `json:"groups,omitempty"`
}

// NewTokenStore creates a Redis-backed token store from a Redis URL.
// Returns an error if the URL is invalid or the connection cannot be
// established.
func NewTokenStore(ctx context.Context, redisURL string) (*TokenStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	opts.DialTimeout = DefaultDialTimeout
	opts.ReadTimeout = DefaultReadTimeout
	opts.WriteTimeout = DefaultWriteTimeout

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &TokenStore{client: client}, nil
}

// NewTokenStoreWithClient creates a TokenStore with a pre-configured client.
// This is useful for testing with miniredis.
func NewTokenStoreWithClient(client redis.UniversalClient) *TokenStore {
	return &TokenStore{client: client}
}

// Close closes the Redis client connection.
func (s *TokenStore) Close() error {
	return s.client.Close()
}

// Client returns the underlying Redis client, shared with stores that live
// in the same Redis instance.
func (s *TokenStore) Client() redis.UniversalClient {
	return s.client
}

// Ping checks Redis connectivity (health check).
func (s *TokenStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// StoreData writes the token record, overwriting any existing record for the
// same key. The Redis TTL is set to the remaining lifetime so expired tokens
// vanish on their own.
func (s *TokenStore) StoreData(ctx context.Context, data *token.Data) error {
	stored := storedData{
		Token:     data.Token.String(),
		Username:  data.Username,
		TokenType: data.TokenType,
		Scopes:    data.Scopes,
		Created:   data.Created,
		Expires:   data.Expires,
		Name:      data.Name,
		Email:     data.Email,
		UID:       data.UID,
		GID:       data.GID,
		Groups:    data.Groups,
	}
	blob, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to marshal token data: %w", err)
	}

	ttl := time.Duration(0)
	if data.Expires != nil {
		ttl = time.Until(*data.Expires)
		if ttl <= 0 {
			// Already expired, nothing to store.
			return nil
		}
	}

	key := tokenKeyPrefix + data.Token.Key
	if err := s.client.Set(ctx, key, blob, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store token: %w", err)
	}
	return nil
}

// GetData retrieves the data for a token, authenticating it by comparing the
// secret in constant time. Returns nil without error when the token is
// missing, expired, or the secret does not match.
func (s *TokenStore) GetData(ctx context.Context, t token.Token) (*token.Data, error) {
	data, err := s.GetDataByKey(ctx, t.Key)
	if err != nil || data == nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare([]byte(data.Token.Secret), []byte(t.Secret)) != 1 {
		logger.Warnw("token secret mismatch", "token", t.Key)
		return nil, nil
	}
	return data, nil
}

// GetDataByKey retrieves the data for a token by key alone, without checking
// the secret. Used by the audit and cache revalidation paths, which hold the
// full token or do not need authentication.
func (s *TokenStore) GetDataByKey(ctx context.Context, key string) (*token.Data, error) {
	blob, err := s.client.Get(ctx, tokenKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get token: %w", err)
	}

	var stored storedData
	if err := json.Unmarshal(blob, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal token data: %w", err)
	}
	parsed, err := token.Parse(stored.Token)
	if err != nil {
		return nil, fmt.Errorf("stored token is malformed: %w", err)
	}

	// The TTL normally removes expired tokens, but double-check so a missing
	// TTL can never resurrect one.
	if stored.Expires != nil && stored.Expires.Before(time.Now()) {
		return nil, nil
	}

	return &token.Data{
		Token:     parsed,
		Username:  stored.Username,
		TokenType: stored.TokenType,
		Scopes:    stored.Scopes,
		Created:   stored.Created,
		Expires:   stored.Expires,
		Name:      stored.Name,
		Email:     stored.Email,
		UID:       stored.UID,
		GID:       stored.GID,
		Groups:    stored.Groups,
	}, nil
}

// Delete removes the record for a token key. Returns whether a record was
// deleted.
func (s *TokenStore) Delete(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Del(ctx, tokenKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete token: %w", err)
	}
	return count > 0, nil
}

// DeleteAll removes every token record. Only used when wiping state during
// reinitialization.
func (s *TokenStore) DeleteAll(ctx context.Context) error {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete tokens: %w", err)
	}
	return nil
}

// List returns the keys of all stored tokens via a cursored SCAN, so large
// keyspaces are walked incrementally rather than with a blocking KEYS.
func (s *TokenStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.scanKeys(ctx)
	if err != nil {
		return nil, err
	}
	stripped := make([]string, 0, len(keys))
	for _, key := range keys {
		stripped = append(stripped, strings.TrimPrefix(key, tokenKeyPrefix))
	}
	return stripped, nil
}

func (s *TokenStore) scanKeys(ctx context.Context) ([]string, error) {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := s.client.Scan(ctx, cursor, tokenKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to scan tokens: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}
