// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package auth provides the HTTP authentication gate. It resolves the
// caller's token from the request, checks scopes, and stashes the token
// data in the request context for handlers.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// SessionCookie is the cookie carrying the session token for browser
// flows.
const SessionCookie = "gafaelfawr"

// BootstrapUsername is the synthetic username reported for the bootstrap
// token.
const BootstrapUsername = "<bootstrap>"

type contextKey struct{}

// FromContext returns the authenticated token data stored by the gate, or
// nil when the request did not pass through it.
func FromContext(ctx context.Context) *token.Data {
	data, _ := ctx.Value(contextKey{}).(*token.Data)
	return data
}

// Gate authenticates requests against the token service.
type Gate struct {
	svc       *service.TokenService
	bootstrap string
}

// NewGate creates the authentication gate. The bootstrap token, when not
// empty, is accepted as a token administrator credential even before any
// tokens exist.
func NewGate(svc *service.TokenService, bootstrap string) *Gate {
	return &Gate{svc: svc, bootstrap: bootstrap}
}

// Require authenticates the request and enforces that the caller holds at
// least one of the given scopes. With no scopes listed, any valid token
// passes. Unauthenticated requests get a 401 with a WWW-Authenticate
// challenge; insufficient scopes get a 403.
func (g *Gate) Require(scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := g.authenticate(r)
			if err != nil {
				unauthorized(w, err.Error())
				return
			}
			if !hasAnyScope(data, scopes) {
				forbidden(w, fmt.Sprintf(
					"token missing required scope (needs one of %s)",
					strings.Join(scopes, ", ")))
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireWeb is the browser-facing variant of Require. Unauthenticated
// requests are redirected to the login URL with the original URL in the rd
// parameter instead of getting a 401, and the credential must be a session
// token, since user and delegated tokens have no business driving a
// browser flow.
func (g *Gate) RequireWeb(loginURL string, scopes ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			data, err := g.authenticate(r)
			if err != nil {
				target := loginURL + "?rd=" + url.QueryEscape(r.URL.String())
				http.Redirect(w, r, target, http.StatusTemporaryRedirect)
				return
			}
			if data.TokenType != token.TypeSession && data.Username != BootstrapUsername {
				forbidden(w, fmt.Sprintf(
					"%s tokens may not be used here, log in again", data.TokenType))
				return
			}
			if !hasAnyScope(data, scopes) {
				forbidden(w, fmt.Sprintf(
					"token missing required scope (needs one of %s)",
					strings.Join(scopes, ", ")))
				return
			}
			ctx := context.WithValue(r.Context(), contextKey{}, data)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// authenticate resolves the request's credential to token data.
func (g *Gate) authenticate(r *http.Request) (*token.Data, error) {
	raw := tokenFromRequest(r)
	if raw == "" {
		return nil, fmt.Errorf("no token provided")
	}
	if g.bootstrap != "" && raw == g.bootstrap {
		return bootstrapData(raw), nil
	}
	t, err := token.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("malformed token")
	}
	data, err := g.svc.GetData(r.Context(), t)
	if err != nil {
		return nil, fmt.Errorf("token lookup failed")
	}
	if data == nil {
		return nil, fmt.Errorf("token is invalid or expired")
	}
	return data, nil
}

// bootstrapData synthesizes admin token data for the bootstrap token. The
// token itself is never stored, so the parse may fail; only the scopes and
// username matter downstream.
func bootstrapData(raw string) *token.Data {
	t, _ := token.Parse(raw)
	return &token.Data{
		Token:     t,
		Username:  BootstrapUsername,
		TokenType: token.TypeService,
		Scopes:    []string{service.AdminScope},
	}
}

// tokenFromRequest extracts the token from the Authorization header or the
// session cookie, in that order.
func tokenFromRequest(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, rest, ok := strings.Cut(header, " "); ok {
		if strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(rest)
		}
	}
	if cookie, err := r.Cookie(SessionCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func hasAnyScope(data *token.Data, scopes []string) bool {
	if len(scopes) == 0 {
		return true
	}
	for _, scope := range scopes {
		if data.HasScope(scope) {
			return true
		}
	}
	return false
}

type apiError struct {
	Detail []apiErrorDetail `json:"detail"`
}

type apiErrorDetail struct {
	Type string `json:"type"`
	Msg  string `json:"msg"`
}

func unauthorized(w http.ResponseWriter, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="gafaelfawr", error="invalid_token"`)
	writeError(w, http.StatusUnauthorized, "invalid_token", msg)
}

func forbidden(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusForbidden, "permission_denied", msg)
}

func writeError(w http.ResponseWriter, status int, errType, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiError{
		Detail: []apiErrorDetail{{Type: errType, Msg: msg}},
	})
}
