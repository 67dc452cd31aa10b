// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package oidc

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
)

// Handler serves the OpenID Connect HTTP surface.
type Handler struct {
	server *Server
	gate   *auth.Gate
}

// NewHandler creates the OpenID Connect handler.
func NewHandler(server *Server, gate *auth.Gate) *Handler {
	return &Handler{server: server, gate: gate}
}

// LoginURL is where unauthenticated browsers are sent to establish a
// session.
const LoginURL = "/login"

// Routes mounts the provider endpoints on a router. The login route
// requires an authenticated browser session; the rest are public.
func (h *Handler) Routes(r chi.Router) {
	r.With(h.gate.RequireWeb(LoginURL)).Get("/auth/openid/login", h.login)
	r.Post("/auth/openid/token", h.token)
	r.Get("/auth/openid/userinfo", h.userinfo)
	r.Get("/.well-known/jwks.json", h.jwks)
	r.Get("/.well-known/openid-configuration", h.discovery)
}

// login handles the authorization request. Errors in the client
// registration are reported directly, since redirecting to an unverified
// URI would be an open redirect; errors after validation are reported to
// the client via the redirect URI per OAuth 2.0.
func (h *Handler) login(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	clientID := query.Get("client_id")
	redirectURI := query.Get("redirect_uri")
	state := query.Get("state")

	if clientID == "" || redirectURI == "" {
		writeOAuthError(w, http.StatusBadRequest,
			gaferrors.NewInvalidRequestError("client_id and redirect_uri are required", nil))
		return
	}
	if !h.server.IsValidClient(clientID) {
		writeOAuthError(w, http.StatusBadRequest,
			gaferrors.NewInvalidClientError("unknown client_id", nil))
		return
	}
	if !h.server.ValidateRedirect(clientID, redirectURI) {
		writeOAuthError(w, http.StatusBadRequest,
			gaferrors.NewInvalidRequestError(
				"redirect_uri does not match the registered client", nil))
		return
	}
	target, err := url.Parse(redirectURI)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest,
			gaferrors.NewInvalidRequestError("invalid redirect_uri", nil))
		return
	}

	if query.Get("response_type") != "code" {
		redirectError(w, r, target, state, "invalid_request",
			"only response_type=code is supported")
		return
	}
	if query.Get("scope") != "openid" {
		redirectError(w, r, target, state, "invalid_request",
			"only scope=openid is supported")
		return
	}

	data := auth.FromContext(r.Context())
	code, err := h.server.IssueCode(r.Context(), clientID, redirectURI, data.Token)
	if err != nil {
		logger.Errorw("failed to issue authorization code",
			"client", clientID, "error", err)
		redirectError(w, r, target, state, "server_error",
			"failed to issue authorization code")
		return
	}

	params := target.Query()
	params.Set("code", code.String())
	if state != "" {
		params.Set("state", state)
	}
	target.RawQuery = params.Encode()
	http.Redirect(w, r, target.String(), http.StatusTemporaryRedirect)
}

// tokenResponse is the body of a successful token exchange.
type tokenResponse struct {
	AccessToken string `json:"access_token"`
	IDToken     string `json:"id_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int    `json:"expires_in"`
}

// token handles the authorization-code exchange.
func (h *Handler) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest,
			gaferrors.NewInvalidRequestError("malformed form body", nil))
		return
	}
	idToken, err := h.server.RedeemCode(r.Context(),
		r.PostFormValue("grant_type"),
		r.PostFormValue("client_id"),
		r.PostFormValue("client_secret"),
		r.PostFormValue("code"),
		r.PostFormValue("redirect_uri"))
	if err != nil {
		writeOAuthError(w, gaferrors.Status(err), err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	_ = json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: idToken,
		IDToken:     idToken,
		TokenType:   "Bearer",
		ExpiresIn:   int(h.server.Lifetime().Seconds()),
	})
}

// userinfo verifies a bearer ID token this server minted and returns its
// claims.
func (h *Handler) userinfo(w http.ResponseWriter, r *http.Request) {
	raw := bearerToken(r)
	if raw == "" {
		w.Header().Set("WWW-Authenticate", `Bearer realm="gafaelfawr"`)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(oauthError{
			Error:            "invalid_token",
			ErrorDescription: "no token provided",
		})
		return
	}
	claims, err := h.server.VerifyToken(raw)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(oauthError{
			Error:            "invalid_token",
			ErrorDescription: "ID token verification failed",
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(claims)
}

// bearerToken extracts the bearer credential from the Authorization
// header.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if scheme, rest, ok := strings.Cut(header, " "); ok {
		if strings.EqualFold(scheme, "bearer") {
			return strings.TrimSpace(rest)
		}
	}
	return ""
}

func (h *Handler) jwks(w http.ResponseWriter, r *http.Request) {
	set, err := h.server.keys.JWKS()
	if err != nil {
		http.Error(w, "failed to build key set", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(set)
}

func (h *Handler) discovery(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.server.Discovery())
}

// oauthError is the RFC 6749 error body.
type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func writeOAuthError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(oauthError{
		Error:            gaferrors.Type(err),
		ErrorDescription: err.Error(),
	})
}

// redirectError reports an error to the client via its redirect URI.
func redirectError(w http.ResponseWriter, r *http.Request, target *url.URL,
	state, code, description string) {
	params := target.Query()
	params.Set("error", code)
	params.Set("error_description", description)
	if state != "" {
		params.Set("state", state)
	}
	redirect := *target
	redirect.RawQuery = params.Encode()
	http.Redirect(w, r, redirect.String(), http.StatusTemporaryRedirect)
}
