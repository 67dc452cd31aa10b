// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/redisstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

const bootstrapToken = "gt-bootstrap-secret"

type apiEnv struct {
	router chi.Router
	svc    *service.TokenService
	db     *sqlstore.TokenStore
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	wrapper, err := sqlstore.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = wrapper.Close() })

	cfg := &config.Config{
		TokenLifetime:    24 * time.Hour,
		HistoryRetention: 24 * time.Hour,
		KnownScopes: map[string]string{
			"admin:token": "Can administer tokens",
			"user:token":  "Can manage own tokens",
			"read:all":    "Can read everything",
		},
	}
	db := sqlstore.NewTokenStore(wrapper)
	svc := service.NewTokenService(cfg, redisstore.NewTokenStoreWithClient(client),
		db, sqlstore.NewHistoryStore(wrapper))
	admins := service.NewAdminService(sqlstore.NewAdminStore(wrapper))
	cache, err := service.NewTokenCache(svc)
	require.NoError(t, err)
	gate := auth.NewGate(svc, bootstrapToken)

	router := chi.NewRouter()
	NewHandler(svc, admins, cache, gate).Routes(router)
	return &apiEnv{router: router, svc: svc, db: db}
}

func (env *apiEnv) sessionToken(t *testing.T, username string, scopes []string) token.Token {
	t.Helper()
	tok, err := env.svc.CreateSessionToken(context.Background(),
		token.UserInfo{Username: username, Name: "Some User", UID: 1000},
		scopes, "127.0.0.1")
	require.NoError(t, err)
	return tok
}

func (env *apiEnv) request(t *testing.T, method, path, bearer, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	r := httptest.NewRequest(method, path, reader)
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, r)
	return w
}

func TestTokenInfoRoutes(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	tok := env.sessionToken(t, "someuser", []string{"user:token"})

	w := env.request(t, http.MethodGet, "/auth/api/v1/token-info", tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var info token.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, tok.Key, info.Token)
	assert.Equal(t, "someuser", info.Username)
	assert.Equal(t, token.TypeSession, info.TokenType)

	w = env.request(t, http.MethodGet, "/auth/api/v1/user-info", tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var userInfo token.UserInfo
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &userInfo))
	assert.Equal(t, "someuser", userInfo.Username)
	assert.Equal(t, int64(1000), userInfo.UID)

	w = env.request(t, http.MethodGet, "/auth/api/v1/token-info", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A token that authenticates but has lost its database row is invalid,
	// not merely unknown.
	_, err := env.db.Delete(context.Background(), tok.Key)
	require.NoError(t, err)
	w = env.request(t, http.MethodGet, "/auth/api/v1/token-info", tok.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_token")
}

func TestUserTokenLifecycle(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	tok := env.sessionToken(t, "someuser", []string{"user:token", "read:all"})

	// Create.
	w := env.request(t, http.MethodPost, "/auth/api/v1/users/someuser/tokens",
		tok.String(), `{"token_name": "laptop", "scopes": ["read:all"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	userTok, err := token.Parse(created.Token)
	require.NoError(t, err)
	location := w.Header().Get("Location")
	assert.Equal(t, "/auth/api/v1/users/someuser/tokens/"+userTok.Key, location)

	// Get via the Location URL.
	w = env.request(t, http.MethodGet, location, tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var info token.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "laptop", info.TokenName)
	assert.Equal(t, []string{"read:all"}, info.Scopes)

	// List.
	w = env.request(t, http.MethodGet, "/auth/api/v1/users/someuser/tokens",
		tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var infos []token.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &infos))
	assert.Len(t, infos, 2)

	// Duplicate names conflict.
	w = env.request(t, http.MethodPost, "/auth/api/v1/users/someuser/tokens",
		tok.String(), `{"token_name": "laptop"}`)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Scopes beyond the session's are rejected as unprocessable.
	w = env.request(t, http.MethodPost, "/auth/api/v1/users/someuser/tokens",
		tok.String(), `{"token_name": "other", "scopes": ["admin:token"]}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Another user's routes are forbidden.
	other := env.sessionToken(t, "otheruser", []string{"user:token"})
	w = env.request(t, http.MethodGet, "/auth/api/v1/users/someuser/tokens",
		other.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// Delete.
	w = env.request(t, http.MethodDelete, location, tok.String(), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.request(t, http.MethodDelete, location, tok.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestModifyTokenRoute(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	tok := env.sessionToken(t, "someuser", []string{"user:token", "read:all"})
	admin := env.sessionToken(t, "adminuser", []string{"admin:token"})

	w := env.request(t, http.MethodPost, "/auth/api/v1/users/someuser/tokens",
		tok.String(), `{"token_name": "laptop", "scopes": ["read:all"],
			"expires": "`+time.Now().UTC().Add(48*time.Hour).Format(time.RFC3339)+`"}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	userTok, err := token.Parse(created.Token)
	require.NoError(t, err)
	path := "/auth/api/v1/users/someuser/tokens/" + userTok.Key

	// Rename.
	w = env.request(t, http.MethodPatch, path, admin.String(),
		`{"token_name": "desktop"}`)
	require.Equal(t, http.StatusOK, w.Code)
	var info token.Info
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Equal(t, "desktop", info.TokenName)

	// Clear the expiration with an explicit null.
	w = env.request(t, http.MethodPatch, path, admin.String(), `{"expires": null}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &info))
	assert.Nil(t, info.Expires)

	// Non-admins may not modify.
	w = env.request(t, http.MethodPatch, path, tok.String(),
		`{"token_name": "sneaky"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestChangeHistoryRoutes(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	tok := env.sessionToken(t, "someuser", []string{"user:token"})
	admin := env.sessionToken(t, "adminuser", []string{"admin:token"})

	// Generate a few entries.
	for _, name := range []string{"one", "two", "three"} {
		w := env.request(t, http.MethodPost, "/auth/api/v1/users/someuser/tokens",
			tok.String(), `{"token_name": "`+name+`"}`)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.request(t, http.MethodGet,
		"/auth/api/v1/users/someuser/token-change-history?limit=2", tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "4", w.Header().Get("X-Total-Count"))
	var entries []json.RawMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &entries))
	assert.Len(t, entries, 2)

	link := w.Header().Get("Link")
	assert.Contains(t, link, `rel="first"`)
	assert.Contains(t, link, `rel="next"`)

	// The admin view sees all users.
	w = env.request(t, http.MethodGet,
		"/auth/api/v1/history/token-changes", admin.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get("X-Total-Count"))

	// Bad filter input is a 422.
	w = env.request(t, http.MethodGet,
		"/auth/api/v1/history/token-changes?cursor=bogus", admin.String(), "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	w = env.request(t, http.MethodGet,
		"/auth/api/v1/history/token-changes?ip_address=notanip", admin.String(), "")
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	// Non-admins cannot reach the global history.
	w = env.request(t, http.MethodGet,
		"/auth/api/v1/history/token-changes", tok.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAdminRoutes(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	user := env.sessionToken(t, "someuser", []string{"user:token"})

	// Bootstrap the first admin with the bootstrap token.
	w := env.request(t, http.MethodPost, "/auth/api/v1/admins",
		bootstrapToken, `{"username": "adminuser"}`)
	require.Equal(t, http.StatusNoContent, w.Code)

	admin := env.sessionToken(t, "adminuser", []string{"admin:token"})
	w = env.request(t, http.MethodGet, "/auth/api/v1/admins", admin.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	var admins []struct {
		Username string `json:"username"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &admins))
	require.Len(t, admins, 1)
	assert.Equal(t, "adminuser", admins[0].Username)

	w = env.request(t, http.MethodGet, "/auth/api/v1/admins", user.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.request(t, http.MethodDelete, "/auth/api/v1/admins/adminuser",
		admin.String(), "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = env.request(t, http.MethodDelete, "/auth/api/v1/admins/adminuser",
		admin.String(), "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAdminTokenRoute(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	admin := env.sessionToken(t, "adminuser", []string{"admin:token"})

	w := env.request(t, http.MethodPost, "/auth/api/v1/tokens", admin.String(),
		`{"username": "bot-mobu", "token_type": "service", "scopes": ["read:all"]}`)
	require.Equal(t, http.StatusCreated, w.Code)
	var created struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	serviceTok, err := token.Parse(created.Token)
	require.NoError(t, err)

	data, err := env.svc.GetData(context.Background(), serviceTok)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.TypeService, data.TokenType)
	assert.Equal(t, "bot-mobu", data.Username)

	// Non-bot usernames are refused.
	w = env.request(t, http.MethodPost, "/auth/api/v1/tokens", admin.String(),
		`{"username": "someuser", "token_type": "service"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestAuthRequestRoute(t *testing.T) {
	t.Parallel()
	env := newAPIEnv(t)
	tok := env.sessionToken(t, "someuser", []string{"user:token", "read:all"})

	w := env.request(t, http.MethodGet, "/auth?scope=read:all", tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "someuser", w.Header().Get("X-Auth-Request-User"))
	assert.Empty(t, w.Header().Get("X-Auth-Request-Token"))

	// All scopes are required by default.
	w = env.request(t, http.MethodGet,
		"/auth?scope=read:all&scope=admin:token", tok.String(), "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	// satisfy=any relaxes that.
	w = env.request(t, http.MethodGet,
		"/auth?scope=read:all&scope=admin:token&satisfy=any", tok.String(), "")
	assert.Equal(t, http.StatusOK, w.Code)

	// Notebook delegation returns a child token.
	w = env.request(t, http.MethodGet, "/auth?notebook=true", tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	notebook, err := token.Parse(w.Header().Get("X-Auth-Request-Token"))
	require.NoError(t, err)
	data, err := env.svc.GetData(context.Background(), notebook)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.TypeNotebook, data.TokenType)
	assert.Equal(t, []string{"read:all", "user:token"}, data.Scopes)

	// Internal delegation grants only scopes the parent holds.
	w = env.request(t, http.MethodGet,
		"/auth?delegate_to=some-service&delegate_scope=read:all,admin:token",
		tok.String(), "")
	require.Equal(t, http.StatusOK, w.Code)
	internal, err := token.Parse(w.Header().Get("X-Auth-Request-Token"))
	require.NoError(t, err)
	data, err = env.svc.GetData(context.Background(), internal)
	require.NoError(t, err)
	require.NotNil(t, data)
	assert.Equal(t, token.TypeInternal, data.TokenType)
	assert.Equal(t, []string{"read:all"}, data.Scopes)

	info, err := env.svc.GetTokenInfoUnchecked(context.Background(), internal.Key)
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "some-service", info.Service)
	assert.Equal(t, tok.Key, info.Parent)

	w = env.request(t, http.MethodGet, "/auth?scope=read:all", "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
