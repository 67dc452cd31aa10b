// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

func newTestStore(t *testing.T) (*TokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenStoreWithClient(client), mr
}

func newTestData(t *testing.T, username string, expires *time.Time) *token.Data {
	t.Helper()
	tok, err := token.NewToken()
	require.NoError(t, err)
	return &token.Data{
		Token:     tok,
		Username:  username,
		TokenType: token.TypeSession,
		Scopes:    []string{"read:all", "user:token"},
		Created:   time.Now().UTC().Truncate(time.Second),
		Expires:   expires,
		Name:      "Some User",
		UID:       1000,
		Groups:    []token.Group{{Name: "g_users", ID: 1001}},
	}
}

func TestStoreAndGetData(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	data := newTestData(t, "someuser", &expires)
	require.NoError(t, store.StoreData(ctx, data))

	got, err := store.GetData(ctx, data.Token)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, data.Token, got.Token)
	assert.Equal(t, "someuser", got.Username)
	assert.Equal(t, token.TypeSession, got.TokenType)
	assert.Equal(t, []string{"read:all", "user:token"}, got.Scopes)
	assert.Equal(t, data.Groups, got.Groups)
	require.NotNil(t, got.Expires)
	assert.True(t, got.Expires.Equal(expires))

	byKey, err := store.GetDataByKey(ctx, data.Token.Key)
	require.NoError(t, err)
	require.NotNil(t, byKey)
	assert.Equal(t, got.Username, byKey.Username)
}

func TestGetDataSecretMismatch(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	data := newTestData(t, "someuser", nil)
	require.NoError(t, store.StoreData(ctx, data))

	wrong := token.Token{Key: data.Token.Key, Secret: "AAAAAAAAAAAAAAAAAAAAAA"}
	got, err := store.GetData(ctx, wrong)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestGetDataMissing(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)

	tok, err := token.NewToken()
	require.NoError(t, err)
	got, err := store.GetData(context.Background(), tok)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreDataTTL(t *testing.T) {
	t.Parallel()
	store, mr := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(time.Hour)
	data := newTestData(t, "someuser", &expires)
	require.NoError(t, store.StoreData(ctx, data))

	ttl := mr.TTL(tokenKeyPrefix + data.Token.Key)
	assert.Greater(t, ttl, 59*time.Minute)
	assert.LessOrEqual(t, ttl, time.Hour)

	// After the TTL elapses the token is gone.
	mr.FastForward(2 * time.Hour)
	got, err := store.GetData(ctx, data.Token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestStoreDataAlreadyExpired(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	expires := time.Now().UTC().Add(-time.Minute)
	data := newTestData(t, "someuser", &expires)
	require.NoError(t, store.StoreData(ctx, data))

	got, err := store.GetData(ctx, data.Token)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestDeleteAndList(t *testing.T) {
	t.Parallel()
	store, _ := newTestStore(t)
	ctx := context.Background()

	first := newTestData(t, "someuser", nil)
	second := newTestData(t, "otheruser", nil)
	require.NoError(t, store.StoreData(ctx, first))
	require.NoError(t, store.StoreData(ctx, second))

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{first.Token.Key, second.Token.Key}, keys)

	deleted, err := store.Delete(ctx, first.Token.Key)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = store.Delete(ctx, first.Token.Key)
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, store.DeleteAll(ctx))
	keys, err = store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestOIDCStore(t *testing.T) {
	t.Parallel()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := NewOIDCStoreWithClient(client)
	ctx := context.Background()

	code, err := token.NewCode()
	require.NoError(t, err)
	tok, err := token.NewToken()
	require.NoError(t, err)
	auth := &Authorization{
		Code:        code.String(),
		ClientID:    "some-client",
		RedirectURI: "https://example.com/callback",
		Token:       tok.String(),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	require.NoError(t, store.StoreAuthorization(ctx, auth))

	got, err := store.GetAuthorization(ctx, code.Key)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, auth.ClientID, got.ClientID)
	assert.Equal(t, auth.Token, got.Token)

	// Codes expire after their lifetime.
	mr.FastForward(CodeLifetime + time.Second)
	got, err = store.GetAuthorization(ctx, code.Key)
	require.NoError(t, err)
	assert.Nil(t, got)

	deleted, err := store.DeleteAuthorization(ctx, code.Key)
	require.NoError(t, err)
	assert.False(t, deleted)
}
