// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package service implements the token policy layer on top of the Redis and
// SQL stores: creation, authorization checks, cascading revocation,
// expiration narrowing, auditing, and the periodic sweeps.
package service

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/redisstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/sqlstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// MinimumLifetime is the shortest expiration a token may be created or
// edited to have.
const MinimumLifetime = 5 * time.Minute

// AdminScope marks a token as belonging to a token administrator.
const AdminScope = "admin:token"

// UserScope is required for non-admins to manage their own tokens.
const UserScope = "user:token"

// TokenService coordinates the two stores and the history log. The
// key-value store is written first; on relational failure the key-value
// entry is rolled back so a token never authenticates without metadata
// backing it.
type TokenService struct {
	config  *config.Config
	store   *redisstore.TokenStore
	db      *sqlstore.TokenStore
	history *sqlstore.HistoryStore
}

// NewTokenService creates the token service.
func NewTokenService(cfg *config.Config, store *redisstore.TokenStore,
	db *sqlstore.TokenStore, history *sqlstore.HistoryStore) *TokenService {
	return &TokenService{config: cfg, store: store, db: db, history: history}
}

// HistoryOptions filters a change-history listing.
type HistoryOptions struct {
	Username  string
	Key       string
	TokenType token.Type
	Actor     string
	IPOrCIDR  string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Cursor    string
}

// CreateSessionToken creates a session token for a user who has just
// authenticated. The expiration is the configured token lifetime. When no
// scopes are given they are derived from the user's group memberships via
// the configured group mapping.
func (s *TokenService) CreateSessionToken(ctx context.Context, info token.UserInfo,
	scopes []string, ip string) (token.Token, error) {
	if !token.IsValidUsername(info.Username) {
		return token.Token{}, gaferrors.NewPermissionDeniedError(
			fmt.Sprintf("invalid username %q", info.Username), nil)
	}
	if scopes == nil {
		scopes = s.config.ScopesFromGroups(info.Groups)
	}
	tok, err := token.NewToken()
	if err != nil {
		return token.Token{}, err
	}
	now := time.Now().UTC().Truncate(time.Second)
	expires := now.Add(s.config.TokenLifetime)
	data := &token.Data{
		Token:     tok,
		Username:  info.Username,
		TokenType: token.TypeSession,
		Scopes:    sortScopes(scopes),
		Created:   now,
		Expires:   &expires,
		Name:      info.Name,
		Email:     info.Email,
		UID:       info.UID,
		GID:       info.GID,
		Groups:    info.Groups,
	}
	if err := s.add(ctx, data, "", "", "", info.Username, ip); err != nil {
		return token.Token{}, err
	}
	logger.Infow("created session token", "token", tok.Key, "user", info.Username)
	return tok, nil
}

// CreateUserToken creates a named user token on behalf of its owner. The
// scopes must be a subset of the authenticating token's scopes.
func (s *TokenService) CreateUserToken(ctx context.Context, auth *token.Data,
	username, tokenName string, scopes []string, expires *time.Time, ip string) (token.Token, error) {
	if err := s.checkAuthorization(username, auth, false, true); err != nil {
		return token.Token{}, err
	}
	if tokenName == "" {
		return token.Token{}, gaferrors.NewInvalidRequestError("token name is required", nil)
	}
	if err := s.validateScopes(scopes, auth); err != nil {
		return token.Token{}, err
	}
	if err := validateExpires(expires); err != nil {
		return token.Token{}, err
	}
	expires = truncateExpires(expires)

	tok, err := token.NewToken()
	if err != nil {
		return token.Token{}, err
	}
	data := &token.Data{
		Token:     tok,
		Username:  auth.Username,
		TokenType: token.TypeUser,
		Scopes:    sortScopes(scopes),
		Created:   time.Now().UTC().Truncate(time.Second),
		Expires:   expires,
		Name:      auth.Name,
		Email:     auth.Email,
		UID:       auth.UID,
		GID:       auth.GID,
		Groups:    auth.Groups,
	}
	if err := s.add(ctx, data, tokenName, "", "", auth.Username, ip); err != nil {
		return token.Token{}, err
	}
	logger.Infow("created user token", "token", tok.Key, "user", username, "name", tokenName)
	return tok, nil
}

// CreateTokenFromAdminRequest creates a service or user token on behalf of
// another user. Only token administrators may do this, and only for bot
// users.
func (s *TokenService) CreateTokenFromAdminRequest(ctx context.Context,
	req *token.AdminTokenRequest, auth *token.Data, ip string) (token.Token, error) {
	if err := s.checkAuthorization(req.Username, auth, true, false); err != nil {
		return token.Token{}, err
	}
	if req.TokenType != token.TypeService && req.TokenType != token.TypeUser {
		return token.Token{}, gaferrors.NewInvalidRequestError(
			fmt.Sprintf("may not create tokens of type %s", req.TokenType), nil)
	}
	if !token.IsValidUsername(req.Username) || !token.IsBotUser(req.Username) {
		return token.Token{}, gaferrors.NewPermissionDeniedError(
			fmt.Sprintf("tokens may only be created for bot users, not %q", req.Username), nil)
	}
	if req.TokenType == token.TypeUser && req.TokenName == "" {
		return token.Token{}, gaferrors.NewInvalidRequestError(
			"user tokens require a token name", nil)
	}
	for _, scope := range req.Scopes {
		if !s.config.IsKnownScope(scope) {
			return token.Token{}, gaferrors.NewInvalidScopesError(
				fmt.Sprintf("unknown scope %q", scope), nil)
		}
	}
	if err := validateExpires(req.Expires); err != nil {
		return token.Token{}, err
	}
	req.Expires = truncateExpires(req.Expires)

	tok, err := token.NewToken()
	if err != nil {
		return token.Token{}, err
	}
	data := &token.Data{
		Token:     tok,
		Username:  req.Username,
		TokenType: req.TokenType,
		Scopes:    sortScopes(req.Scopes),
		Created:   time.Now().UTC().Truncate(time.Second),
		Expires:   req.Expires,
		Name:      req.Name,
		Email:     req.Email,
		UID:       req.UID,
		GID:       req.GID,
		Groups:    req.Groups,
	}
	if err := s.add(ctx, data, req.TokenName, "", "", auth.Username, ip); err != nil {
		return token.Token{}, err
	}
	logger.Infow("created token by admin request", "token", tok.Key,
		"user", req.Username, "type", string(req.TokenType), "actor", auth.Username)
	return tok, nil
}

// GetData authenticates a token against the key-value store. Returns nil
// without error for unknown, expired, or forged tokens.
func (s *TokenService) GetData(ctx context.Context, t token.Token) (*token.Data, error) {
	return s.store.GetData(ctx, t)
}

// GetUserInfo returns the identity metadata bound to a token.
func (s *TokenService) GetUserInfo(ctx context.Context, t token.Token) (*token.UserInfo, error) {
	data, err := s.store.GetData(ctx, t)
	if err != nil || data == nil {
		return nil, err
	}
	info := data.UserInfo()
	return &info, nil
}

// GetTokenInfo returns the relational metadata for a token owned by
// username, enforcing that the caller may see that user's tokens.
func (s *TokenService) GetTokenInfo(ctx context.Context, key string, auth *token.Data,
	username string) (*token.Info, error) {
	if err := s.checkAuthorization(username, auth, false, false); err != nil {
		return nil, err
	}
	info, err := s.db.GetInfo(ctx, key)
	if err != nil || info == nil {
		return nil, err
	}
	if info.Username != username {
		return nil, nil
	}
	return info, nil
}

// GetTokenInfoUnchecked returns the relational metadata for a token without
// any authorization check. Used for the token-info route, where possession
// of the token is the authorization.
func (s *TokenService) GetTokenInfoUnchecked(ctx context.Context, key string) (*token.Info, error) {
	return s.db.GetInfo(ctx, key)
}

// ListTokens lists the tokens of a user.
func (s *TokenService) ListTokens(ctx context.Context, auth *token.Data,
	username string) ([]*token.Info, error) {
	if err := s.checkAuthorization(username, auth, false, false); err != nil {
		return nil, err
	}
	return s.db.ListTokens(ctx, username)
}

// DeleteToken revokes a token and, first, every token derived from it, so
// no child outlives its revoked ancestor. Returns whether the named token
// existed.
func (s *TokenService) DeleteToken(ctx context.Context, key string, auth *token.Data,
	username, ip string) (bool, error) {
	if err := s.checkAuthorization(username, auth, false, false); err != nil {
		return false, err
	}
	info, err := s.db.GetInfo(ctx, key)
	if err != nil {
		return false, err
	}
	if info == nil || info.Username != username {
		return false, nil
	}

	children, err := s.db.GetChildren(ctx, key)
	if err != nil {
		return false, err
	}
	slices.Reverse(children)
	for _, child := range children {
		if _, err := s.deleteOne(ctx, child, auth.Username, ip); err != nil {
			return false, err
		}
	}
	return s.deleteOne(ctx, key, auth.Username, ip)
}

// deleteOne revokes a single token: key-value entry, relational row, and a
// revoke history entry.
func (s *TokenService) deleteOne(ctx context.Context, key, actor, ip string) (bool, error) {
	info, err := s.db.GetInfo(ctx, key)
	if err != nil {
		return false, err
	}
	if _, err := s.store.Delete(ctx, key); err != nil {
		return false, err
	}
	deleted, err := s.db.Delete(ctx, key)
	if err != nil {
		return false, err
	}
	if info == nil {
		return deleted, nil
	}
	entry := &token.HistoryEntry{
		Token:     key,
		Username:  info.Username,
		TokenType: info.TokenType,
		TokenName: info.TokenName,
		Parent:    info.Parent,
		Scopes:    info.Scopes,
		Service:   info.Service,
		Expires:   info.Expires,
		Actor:     actor,
		Action:    token.ChangeRevoke,
		IPAddress: ip,
	}
	if err := s.history.Add(ctx, entry); err != nil {
		return deleted, err
	}
	logger.Infow("revoked token", "token", key, "user", info.Username, "actor", actor)
	return deleted, nil
}

// ModifyToken updates a user token's name, scopes, or expiration. Reducing
// the expiration narrows the expiration of any child token that would
// otherwise outlive it. Only token administrators may modify tokens, and
// only user tokens may be modified.
func (s *TokenService) ModifyToken(ctx context.Context, key string, auth *token.Data,
	username, ip string, mods sqlstore.Modifications) (*token.Info, error) {
	if err := s.checkAuthorization(username, auth, true, false); err != nil {
		return nil, err
	}
	info, err := s.db.GetInfo(ctx, key)
	if err != nil {
		return nil, err
	}
	if info == nil || info.Username != username {
		return nil, nil
	}
	if info.TokenType != token.TypeUser {
		return nil, gaferrors.NewPermissionDeniedError(
			fmt.Sprintf("only user tokens may be modified, not %s tokens", info.TokenType), nil)
	}
	if mods.Scopes != nil {
		for _, scope := range mods.Scopes {
			if !s.config.IsKnownScope(scope) {
				return nil, gaferrors.NewInvalidScopesError(
					fmt.Sprintf("unknown scope %q", scope), nil)
			}
		}
		mods.Scopes = sortScopes(mods.Scopes)
	}
	if mods.Expires != nil {
		if err := validateExpires(mods.Expires); err != nil {
			return nil, err
		}
		mods.Expires = truncateExpires(mods.Expires)
	}

	updated, err := s.db.Modify(ctx, key, mods)
	if err != nil || updated == nil {
		return nil, err
	}

	// Mirror the scope and expiration changes into the key-value store so
	// the authoritative record matches.
	if mods.Scopes != nil || mods.Expires != nil || mods.ClearExpires {
		data, err := s.store.GetDataByKey(ctx, key)
		if err != nil {
			return nil, err
		}
		if data != nil {
			data.Scopes = updated.Scopes
			data.Expires = updated.Expires
			if err := s.store.StoreData(ctx, data); err != nil {
				return nil, err
			}
		}
	}

	entry := &token.HistoryEntry{
		Token:     key,
		Username:  updated.Username,
		TokenType: updated.TokenType,
		TokenName: updated.TokenName,
		Scopes:    updated.Scopes,
		Expires:   updated.Expires,
		Actor:     auth.Username,
		Action:    token.ChangeEdit,
		IPAddress: ip,
	}
	if mods.TokenName != nil {
		entry.OldTokenName = info.TokenName
	}
	if mods.Scopes != nil {
		entry.OldScopes = info.Scopes
	}
	if mods.Expires != nil || mods.ClearExpires {
		entry.OldExpires = info.Expires
	}
	if err := s.history.Add(ctx, entry); err != nil {
		return nil, err
	}
	logger.Infow("modified token", "token", key, "user", username, "actor", auth.Username)

	// Expiration containment: children must not outlive their parent.
	if mods.Expires != nil && (info.Expires == nil || mods.Expires.Before(*info.Expires)) {
		if err := s.narrowChildren(ctx, key, *mods.Expires, auth.Username, ip); err != nil {
			return nil, err
		}
	}
	return updated, nil
}

// narrowChildren walks the descendants of a token and clamps any expiration
// later than the new bound.
func (s *TokenService) narrowChildren(ctx context.Context, key string,
	expires time.Time, actor, ip string) error {
	children, err := s.db.GetChildren(ctx, key)
	if err != nil {
		return err
	}
	for _, child := range children {
		info, err := s.db.GetInfo(ctx, child)
		if err != nil {
			return err
		}
		if info == nil || (info.Expires != nil && !info.Expires.After(expires)) {
			continue
		}
		updated, err := s.db.Modify(ctx, child, sqlstore.Modifications{Expires: &expires})
		if err != nil || updated == nil {
			return err
		}
		data, err := s.store.GetDataByKey(ctx, child)
		if err != nil {
			return err
		}
		if data != nil {
			data.Expires = &expires
			if err := s.store.StoreData(ctx, data); err != nil {
				return err
			}
		}
		entry := &token.HistoryEntry{
			Token:      child,
			Username:   info.Username,
			TokenType:  info.TokenType,
			TokenName:  info.TokenName,
			Parent:     info.Parent,
			Scopes:     info.Scopes,
			Service:    info.Service,
			Expires:    &expires,
			Actor:      actor,
			Action:     token.ChangeEdit,
			OldExpires: info.Expires,
			IPAddress:  ip,
		}
		if err := s.history.Add(ctx, entry); err != nil {
			return err
		}
	}
	return nil
}

// GetChangeHistory returns a page of change-history entries. Callers
// without the admin scope may only see their own history.
func (s *TokenService) GetChangeHistory(ctx context.Context, auth *token.Data,
	opts HistoryOptions) (*token.PaginatedHistory, error) {
	if !auth.HasScope(AdminScope) {
		if !auth.HasScope(UserScope) {
			return nil, gaferrors.NewPermissionDeniedError(
				fmt.Sprintf("token for %s lacks the %s scope", auth.Username, UserScope), nil)
		}
		if opts.Username == "" || opts.Username != auth.Username {
			return nil, gaferrors.NewPermissionDeniedError(
				"only admins may view other users' history", nil)
		}
	}
	filters := sqlstore.HistoryFilters{
		Limit:     opts.Limit,
		Since:     opts.Since,
		Until:     opts.Until,
		Username:  opts.Username,
		Actor:     opts.Actor,
		Key:       opts.Key,
		TokenType: opts.TokenType,
		IPOrCIDR:  opts.IPOrCIDR,
	}
	if opts.Cursor != "" {
		cursor, err := token.ParseCursor(opts.Cursor)
		if err != nil {
			return nil, err
		}
		filters.Cursor = &cursor
	}
	return s.history.List(ctx, filters)
}

// ExpireTokens sweeps the relational store for tokens past their
// expiration, removes them, and records expire history entries. The
// key-value entries have already vanished via their TTL but are deleted
// anyway in case of clock skew.
func (s *TokenService) ExpireTokens(ctx context.Context) error {
	expired, err := s.db.DeleteExpired(ctx)
	if err != nil {
		return err
	}
	for _, info := range expired {
		if _, err := s.store.Delete(ctx, info.Token); err != nil {
			return err
		}
		entry := &token.HistoryEntry{
			Token:     info.Token,
			Username:  info.Username,
			TokenType: info.TokenType,
			TokenName: info.TokenName,
			Parent:    info.Parent,
			Scopes:    info.Scopes,
			Service:   info.Service,
			Expires:   info.Expires,
			Actor:     auditActor,
			Action:    token.ChangeExpire,
		}
		if err := s.history.Add(ctx, entry); err != nil {
			return err
		}
	}
	if len(expired) > 0 {
		logger.Infow("expired tokens", "count", len(expired))
	}
	return nil
}

// TruncateHistory deletes change-history entries older than the configured
// retention.
func (s *TokenService) TruncateHistory(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-s.config.HistoryRetention)
	removed, err := s.history.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return err
	}
	if removed > 0 {
		logger.Infow("truncated token change history", "count", removed)
	}
	return nil
}

// DeleteAllTokens wipes the key-value store. Used when reinitializing an
// environment.
func (s *TokenService) DeleteAllTokens(ctx context.Context) error {
	return s.store.DeleteAll(ctx)
}

// add performs the ordered dual-store write for a new token. The key-value
// entry is written first and rolled back if the relational insert fails, so
// a failure can never leave a token that authenticates without metadata.
func (s *TokenService) add(ctx context.Context, data *token.Data,
	tokenName, service, parent, actor, ip string) error {
	if err := s.store.StoreData(ctx, data); err != nil {
		return err
	}
	if err := s.db.Add(ctx, data, tokenName, service, parent); err != nil {
		if _, delErr := s.store.Delete(ctx, data.Token.Key); delErr != nil {
			logger.Errorw("failed to roll back token after database error",
				"token", data.Token.Key, "error", delErr)
		}
		return err
	}
	entry := &token.HistoryEntry{
		Token:     data.Token.Key,
		Username:  data.Username,
		TokenType: data.TokenType,
		TokenName: tokenName,
		Parent:    parent,
		Scopes:    data.Scopes,
		Service:   service,
		Expires:   data.Expires,
		Actor:     actor,
		Action:    token.ChangeCreate,
		IPAddress: ip,
	}
	return s.history.Add(ctx, entry)
}

// checkAuthorization decides whether the holder of auth may act on the
// tokens of username. Admins (the admin:token scope) may act on anyone;
// everyone else only on themselves. Some operations additionally require
// admin or forbid even admins acting on other users.
func (s *TokenService) checkAuthorization(username string, auth *token.Data,
	requireAdmin, requireSameUser bool) error {
	isAdmin := auth.HasScope(AdminScope)
	if requireAdmin && !isAdmin {
		return gaferrors.NewPermissionDeniedError(
			fmt.Sprintf("%s is not a token administrator", auth.Username), nil)
	}
	if !isAdmin && !auth.HasScope(UserScope) {
		return gaferrors.NewPermissionDeniedError(
			fmt.Sprintf("token for %s lacks the %s scope", auth.Username, UserScope), nil)
	}
	if username != auth.Username {
		if requireSameUser || !isAdmin {
			return gaferrors.NewPermissionDeniedError(
				fmt.Sprintf("%s may not act on tokens of %s", auth.Username, username), nil)
		}
	}
	return nil
}

// validateScopes requires every requested scope to be known and, unless the
// authenticating token is an admin token, held by it. A non-admin child
// credential can never be broader than what authorized it.
func (s *TokenService) validateScopes(scopes []string, auth *token.Data) error {
	isAdmin := auth.HasScope(AdminScope)
	for _, scope := range scopes {
		if !s.config.IsKnownScope(scope) {
			return gaferrors.NewInvalidScopesError(
				fmt.Sprintf("unknown scope %q", scope), nil)
		}
		if !isAdmin && !auth.HasScope(scope) {
			return gaferrors.NewInvalidScopesError(
				fmt.Sprintf("requested scope %q is not held by the authenticating token", scope), nil)
		}
	}
	return nil
}

func validateExpires(expires *time.Time) error {
	if expires == nil {
		return nil
	}
	if time.Until(*expires) < MinimumLifetime {
		return gaferrors.NewInvalidExpiresError(
			fmt.Sprintf("expiration %s is not far enough in the future", expires.Format(time.RFC3339)), nil)
	}
	return nil
}

// truncateExpires drops sub-second precision so the key-value store holds
// the same instant the relational store does.
func truncateExpires(expires *time.Time) *time.Time {
	if expires == nil {
		return nil
	}
	truncated := expires.UTC().Truncate(time.Second)
	return &truncated
}

func sortScopes(scopes []string) []string {
	sorted := slices.Clone(scopes)
	if sorted == nil {
		sorted = []string{}
	}
	slices.Sort(sorted)
	return sorted
}
