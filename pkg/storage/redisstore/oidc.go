// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// oidcKeyPrefix namespaces OpenID Connect authorization codes.
const oidcKeyPrefix = "oidc:"

// CodeLifetime is how long an issued authorization code may be redeemed.
const CodeLifetime = 5 * time.Minute

// Authorization is the record bound to an authorization code: which client
// it was issued to, which redirect URI it is locked to, and the session
// token it will be exchanged for.
type Authorization struct {
	Code        string    `json:"code"`
	ClientID    string    `json:"client_id"`
	RedirectURI string    `json:"redirect_uri"`
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"created_at"`
}

// OIDCStore stores pending OpenID Connect authorizations in Redis, keyed by
// the code key with a TTL of the code lifetime.
type OIDCStore struct {
	client redis.UniversalClient
}

// NewOIDCStoreWithClient creates an OIDCStore with a pre-configured client.
func NewOIDCStoreWithClient(client redis.UniversalClient) *OIDCStore {
	return &OIDCStore{client: client}
}

// StoreAuthorization writes the authorization record for a code.
func (s *OIDCStore) StoreAuthorization(ctx context.Context, auth *Authorization) error {
	blob, err := json.Marshal(auth)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization: %w", err)
	}
	code, err := token.ParseCode(auth.Code)
	if err != nil {
		return err
	}
	key := oidcKeyPrefix + code.Key
	if err := s.client.Set(ctx, key, blob, CodeLifetime).Err(); err != nil {
		return fmt.Errorf("failed to store authorization: %w", err)
	}
	return nil
}

// GetAuthorization retrieves the authorization for a code key. Returns nil
// without error when no record exists or it has expired.
func (s *OIDCStore) GetAuthorization(ctx context.Context, key string) (*Authorization, error) {
	blob, err := s.client.Get(ctx, oidcKeyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get authorization: %w", err)
	}
	var auth Authorization
	if err := json.Unmarshal(blob, &auth); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization: %w", err)
	}
	return &auth, nil
}

// DeleteAuthorization removes the record for a code key, making the code
// unredeemable. Returns whether a record was deleted.
func (s *OIDCStore) DeleteAuthorization(ctx context.Context, key string) (bool, error) {
	count, err := s.client.Del(ctx, oidcKeyPrefix+key).Result()
	if err != nil {
		return false, fmt.Errorf("failed to delete authorization: %w", err)
	}
	return count > 0, nil
}
