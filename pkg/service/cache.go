// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"slices"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// cacheSize bounds the number of delegated tokens kept in memory.
const cacheSize = 5000

// TokenCache hands out internal and notebook tokens derived from a parent
// session, reusing an existing child token when one with the right scopes
// and enough remaining lifetime already exists. Concurrent requests for the
// same child are collapsed so only one token is minted.
type TokenCache struct {
	svc   *TokenService
	cache *lru.Cache[string, token.Token]
	group singleflight.Group
}

// NewTokenCache creates the delegated-token cache.
func NewTokenCache(svc *TokenService) (*TokenCache, error) {
	cache, err := lru.New[string, token.Token](cacheSize)
	if err != nil {
		return nil, err
	}
	return &TokenCache{svc: svc, cache: cache}, nil
}

// GetInternalToken returns an internal token for service derived from the
// authenticating token, minting one if no valid cached token exists. The
// child's scopes are the requested scopes the parent actually holds.
func (c *TokenCache) GetInternalToken(ctx context.Context, auth *token.Data,
	service string, scopes []string, ip string) (token.Token, error) {
	granted := intersectScopes(scopes, auth.Scopes)
	key := cacheKey(string(token.TypeInternal), auth.Token.Key, service, granted)
	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.getOrMint(ctx, key, auth, token.TypeInternal, service, granted, ip)
	})
	if err != nil {
		return token.Token{}, err
	}
	return result.(token.Token), nil
}

// GetNotebookToken returns a notebook token derived from the
// authenticating token. Notebook tokens carry all of the parent's scopes.
func (c *TokenCache) GetNotebookToken(ctx context.Context, auth *token.Data,
	ip string) (token.Token, error) {
	key := cacheKey(string(token.TypeNotebook), auth.Token.Key, "", auth.Scopes)
	result, err, _ := c.group.Do(key, func() (any, error) {
		return c.getOrMint(ctx, key, auth, token.TypeNotebook, "", auth.Scopes, ip)
	})
	if err != nil {
		return token.Token{}, err
	}
	return result.(token.Token), nil
}

func (c *TokenCache) getOrMint(ctx context.Context, key string, auth *token.Data,
	tokenType token.Type, service string, scopes []string, ip string) (token.Token, error) {
	if cached, ok := c.cache.Get(key); ok {
		data, err := c.svc.store.GetData(ctx, cached)
		if err != nil {
			return token.Token{}, err
		}
		if data != nil && (data.Expires == nil || time.Until(*data.Expires) >= MinimumLifetime) {
			return cached, nil
		}
		c.cache.Remove(key)
	}

	tok, err := token.NewToken()
	if err != nil {
		return token.Token{}, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	expires := c.childExpiration(auth, now)
	data := &token.Data{
		Token:     tok,
		Username:  auth.Username,
		TokenType: tokenType,
		Scopes:    sortScopes(scopes),
		Created:   now,
		Expires:   expires,
		Name:      auth.Name,
		Email:     auth.Email,
		UID:       auth.UID,
		GID:       auth.GID,
		Groups:    auth.Groups,
	}
	if err := c.svc.add(ctx, data, "", service, auth.Token.Key, auth.Username, ip); err != nil {
		return token.Token{}, err
	}
	c.cache.Add(key, tok)
	return tok, nil
}

// childExpiration caps a derived token at the parent's expiration and at
// the configured token lifetime, whichever comes first.
func (c *TokenCache) childExpiration(auth *token.Data, now time.Time) *time.Time {
	expires := now.Add(c.svc.config.TokenLifetime)
	if auth.Expires != nil && auth.Expires.Before(expires) {
		expires = *auth.Expires
	}
	return &expires
}

func cacheKey(kind, parent, service string, scopes []string) string {
	return strings.Join([]string{kind, parent, service,
		strings.Join(sortScopes(scopes), ",")}, ";")
}

func intersectScopes(requested, held []string) []string {
	granted := make([]string, 0, len(requested))
	for _, scope := range requested {
		if slices.Contains(held, scope) {
			granted = append(granted, scope)
		}
	}
	return granted
}
