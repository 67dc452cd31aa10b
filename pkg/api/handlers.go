// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package api serves the token REST API and the ingress authorization
// endpoint.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lsst-sqre/gafaelfawr/pkg/auth"
	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// DefaultHistoryLimit is the page size for history listings when the
// request does not give one.
const DefaultHistoryLimit = 100

// Handler serves the /auth/api/v1 routes.
type Handler struct {
	tokens *service.TokenService
	admins *service.AdminService
	cache  *service.TokenCache
	gate   *auth.Gate
}

// NewHandler creates the API handler.
func NewHandler(tokens *service.TokenService, admins *service.AdminService,
	cache *service.TokenCache, gate *auth.Gate) *Handler {
	return &Handler{tokens: tokens, admins: admins, cache: cache, gate: gate}
}

// Routes mounts the API routes on a router.
func (h *Handler) Routes(r chi.Router) {
	user := h.gate.Require("user:token", service.AdminScope)
	admin := h.gate.Require(service.AdminScope)
	authed := h.gate.Require()

	r.With(authed).Get("/auth", h.authRequest)

	r.Route("/auth/api/v1", func(r chi.Router) {
		r.With(authed).Get("/token-info", h.tokenInfo)
		r.With(authed).Get("/user-info", h.userInfo)
		r.With(authed).Get("/login", h.loginInfo)

		r.With(user).Route("/users/{username}", func(r chi.Router) {
			r.Get("/tokens", h.listTokens)
			r.Post("/tokens", h.createToken)
			r.Get("/tokens/{key}", h.getToken)
			r.Delete("/tokens/{key}", h.deleteToken)
			r.Patch("/tokens/{key}", h.modifyToken)
			r.Get("/tokens/{key}/change-history", h.tokenChangeHistory)
			r.Get("/token-change-history", h.userChangeHistory)
		})

		r.With(admin).Post("/tokens", h.createAdminToken)
		r.With(admin).Get("/history/token-changes", h.changeHistory)
		r.With(admin).Route("/admins", func(r chi.Router) {
			r.Get("/", h.listAdmins)
			r.Post("/", h.addAdmin)
			r.Delete("/{username}", h.deleteAdmin)
		})
	})
}

// authRequest is the ingress authorization endpoint. The required scopes
// come from repeated scope query parameters; satisfy=any relaxes the
// default of requiring all of them. With notebook=true or delegate_to set,
// a delegated child token is minted and returned in a response header.
func (h *Handler) authRequest(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	query := r.URL.Query()

	required := query["scope"]
	satisfyAny := query.Get("satisfy") == "any"
	matched := 0
	for _, scope := range required {
		if data.HasScope(scope) {
			matched++
		}
	}
	ok := matched == len(required)
	if satisfyAny && len(required) > 0 {
		ok = matched > 0
	}
	if !ok {
		h.error(w, gaferrors.NewPermissionDeniedError(
			fmt.Sprintf("token missing required scope (%s)",
				strings.Join(required, ", ")), nil))
		return
	}

	if query.Get("notebook") == "true" {
		child, err := h.cache.GetNotebookToken(r.Context(), data, clientIP(r))
		if err != nil {
			h.error(w, err)
			return
		}
		w.Header().Set("X-Auth-Request-Token", child.String())
	} else if delegateTo := query.Get("delegate_to"); delegateTo != "" {
		var scopes []string
		if raw := query.Get("delegate_scope"); raw != "" {
			scopes = strings.Split(raw, ",")
			for i := range scopes {
				scopes[i] = strings.TrimSpace(scopes[i])
			}
		}
		child, err := h.cache.GetInternalToken(r.Context(), data, delegateTo,
			scopes, clientIP(r))
		if err != nil {
			h.error(w, err)
			return
		}
		w.Header().Set("X-Auth-Request-Token", child.String())
	}

	w.Header().Set("X-Auth-Request-User", data.Username)
	w.WriteHeader(http.StatusOK)
}

// tokenInfo returns the relational metadata of the authenticated token. A
// token that authenticated but has no database row is in a half-written
// state the audit would flag, so it is treated as invalid rather than
// merely missing.
func (h *Handler) tokenInfo(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	info, err := h.tokens.GetTokenInfoUnchecked(r.Context(), data.Token.Key)
	if err != nil {
		h.error(w, err)
		return
	}
	if info == nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"detail": []map[string]string{{
				"type": "invalid_token",
				"msg":  "token found in session store but not the database",
			}},
		})
		return
	}
	h.json(w, http.StatusOK, info)
}

// userInfo returns the identity bound to the authenticated token.
func (h *Handler) userInfo(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	h.json(w, http.StatusOK, data.UserInfo())
}

// loginInfo returns the session's username and scopes, which the UI uses
// to decide what to render.
func (h *Handler) loginInfo(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	h.json(w, http.StatusOK, map[string]any{
		"username": data.Username,
		"scopes":   data.Scopes,
	})
}

func (h *Handler) listTokens(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	infos, err := h.tokens.ListTokens(r.Context(), data, chi.URLParam(r, "username"))
	if err != nil {
		h.error(w, err)
		return
	}
	h.json(w, http.StatusOK, infos)
}

// createTokenRequest is the body of a user token creation.
type createTokenRequest struct {
	TokenName string     `json:"token_name"`
	Scopes    []string   `json:"scopes"`
	Expires   *time.Time `json:"expires"`
}

func (h *Handler) createToken(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	username := chi.URLParam(r, "username")

	var req createTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, gaferrors.NewInvalidRequestError("malformed request body", err))
		return
	}
	tok, err := h.tokens.CreateUserToken(r.Context(), data, username,
		req.TokenName, req.Scopes, req.Expires, clientIP(r))
	if err != nil {
		h.error(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/auth/api/v1/users/%s/tokens/%s",
		username, tok.Key))
	h.json(w, http.StatusCreated, map[string]string{"token": tok.String()})
}

func (h *Handler) getToken(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	info, err := h.tokens.GetTokenInfo(r.Context(), chi.URLParam(r, "key"),
		data, chi.URLParam(r, "username"))
	if err != nil {
		h.error(w, err)
		return
	}
	if info == nil {
		h.error(w, gaferrors.NewNotFoundError("token not found", nil))
		return
	}
	h.json(w, http.StatusOK, info)
}

func (h *Handler) deleteToken(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	deleted, err := h.tokens.DeleteToken(r.Context(), chi.URLParam(r, "key"),
		data, chi.URLParam(r, "username"), clientIP(r))
	if err != nil {
		h.error(w, err)
		return
	}
	if !deleted {
		h.error(w, gaferrors.NewNotFoundError("token not found", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// modifyToken applies a partial update. The raw body is inspected so that
// an explicit null expiration, which clears it, can be told apart from an
// absent one.
func (h *Handler) modifyToken(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())

	var fields map[string]json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
		h.error(w, gaferrors.NewInvalidRequestError("malformed request body", err))
		return
	}
	var mods sqlstore.Modifications
	if raw, ok := fields["token_name"]; ok {
		var name string
		if err := json.Unmarshal(raw, &name); err != nil {
			h.error(w, gaferrors.NewInvalidRequestError("invalid token_name", err))
			return
		}
		mods.TokenName = &name
	}
	if raw, ok := fields["scopes"]; ok {
		if err := json.Unmarshal(raw, &mods.Scopes); err != nil {
			h.error(w, gaferrors.NewInvalidRequestError("invalid scopes", err))
			return
		}
	}
	if raw, ok := fields["expires"]; ok {
		if string(raw) == "null" {
			mods.ClearExpires = true
		} else {
			var expires time.Time
			if err := json.Unmarshal(raw, &expires); err != nil {
				h.error(w, gaferrors.NewInvalidRequestError("invalid expires", err))
				return
			}
			mods.Expires = &expires
		}
	}

	info, err := h.tokens.ModifyToken(r.Context(), chi.URLParam(r, "key"),
		data, chi.URLParam(r, "username"), clientIP(r), mods)
	if err != nil {
		h.error(w, err)
		return
	}
	if info == nil {
		h.error(w, gaferrors.NewNotFoundError("token not found", nil))
		return
	}
	h.json(w, http.StatusOK, info)
}

// tokenChangeHistory lists the history of a single token, including
// changes to its children.
func (h *Handler) tokenChangeHistory(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	opts, err := historyOptions(r)
	if err != nil {
		h.error(w, err)
		return
	}
	opts.Username = chi.URLParam(r, "username")
	opts.Key = chi.URLParam(r, "key")
	h.serveHistory(w, r, data, opts)
}

// userChangeHistory lists the change history of one user's tokens.
func (h *Handler) userChangeHistory(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	opts, err := historyOptions(r)
	if err != nil {
		h.error(w, err)
		return
	}
	opts.Username = chi.URLParam(r, "username")
	h.serveHistory(w, r, data, opts)
}

// changeHistory is the admin view across all users.
func (h *Handler) changeHistory(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	opts, err := historyOptions(r)
	if err != nil {
		h.error(w, err)
		return
	}
	opts.Username = r.URL.Query().Get("username")
	opts.Key = r.URL.Query().Get("key")
	h.serveHistory(w, r, data, opts)
}

func (h *Handler) serveHistory(w http.ResponseWriter, r *http.Request,
	data *token.Data, opts service.HistoryOptions) {
	page, err := h.tokens.GetChangeHistory(r.Context(), data, opts)
	if err != nil {
		h.error(w, err)
		return
	}
	if link := page.LinkHeader(r.URL); link != "" {
		w.Header().Set("Link", link)
	}
	w.Header().Set("X-Total-Count", strconv.Itoa(page.Count))
	h.json(w, http.StatusOK, page.Entries)
}

// historyOptions parses the query parameters shared by the history routes.
func historyOptions(r *http.Request) (service.HistoryOptions, error) {
	query := r.URL.Query()
	opts := service.HistoryOptions{
		Actor:    query.Get("actor"),
		IPOrCIDR: query.Get("ip_address"),
		Cursor:   query.Get("cursor"),
		Limit:    DefaultHistoryLimit,
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return opts, gaferrors.NewInvalidRequestError("invalid limit", err)
		}
		opts.Limit = limit
	}
	if raw := query.Get("token_type"); raw != "" {
		tokenType := token.Type(raw)
		if !tokenType.Valid() {
			return opts, gaferrors.NewInvalidRequestError(
				fmt.Sprintf("invalid token type %q", raw), nil)
		}
		opts.TokenType = tokenType
	}
	var err error
	if opts.Since, err = parseTimeParam(query.Get("since")); err != nil {
		return opts, err
	}
	if opts.Until, err = parseTimeParam(query.Get("until")); err != nil {
		return opts, err
	}
	return opts, nil
}

func parseTimeParam(raw string) (*time.Time, error) {
	if raw == "" {
		return nil, nil
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return nil, gaferrors.NewInvalidRequestError(
			fmt.Sprintf("invalid timestamp %q", raw), err)
	}
	return &parsed, nil
}

// createAdminToken creates a token for another user by admin request.
func (h *Handler) createAdminToken(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())

	var req token.AdminTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, gaferrors.NewInvalidRequestError("malformed request body", err))
		return
	}
	tok, err := h.tokens.CreateTokenFromAdminRequest(r.Context(), &req, data, clientIP(r))
	if err != nil {
		h.error(w, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/auth/api/v1/users/%s/tokens/%s",
		req.Username, tok.Key))
	h.json(w, http.StatusCreated, map[string]string{"token": tok.String()})
}

func (h *Handler) listAdmins(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	usernames, err := h.admins.GetAdmins(r.Context(), data)
	if err != nil {
		h.error(w, err)
		return
	}
	admins := make([]map[string]string, 0, len(usernames))
	for _, username := range usernames {
		admins = append(admins, map[string]string{"username": username})
	}
	h.json(w, http.StatusOK, admins)
}

func (h *Handler) addAdmin(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())

	var req struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.error(w, gaferrors.NewInvalidRequestError("malformed request body", err))
		return
	}
	if err := h.admins.AddAdmin(r.Context(), data, req.Username); err != nil {
		h.error(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) deleteAdmin(w http.ResponseWriter, r *http.Request) {
	data := auth.FromContext(r.Context())
	deleted, err := h.admins.DeleteAdmin(r.Context(), data, chi.URLParam(r, "username"))
	if err != nil {
		h.error(w, err)
		return
	}
	if !deleted {
		h.error(w, gaferrors.NewNotFoundError("admin not found", nil))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) json(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Errorw("failed to encode response", "error", err)
	}
}

// error renders a service error as the API error body with the status
// derived from the error kind.
func (h *Handler) error(w http.ResponseWriter, err error) {
	status := gaferrors.Status(err)
	if status >= http.StatusInternalServerError {
		logger.Errorw("request failed", "error", err)
	}
	var gafErr *gaferrors.Error
	msg := err.Error()
	errType := gaferrors.Type(err)
	if errors.As(err, &gafErr) {
		msg = gafErr.Message
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"detail": []map[string]string{{"type": errType, "msg": msg}},
	})
}

// clientIP extracts the caller's address for history entries.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
