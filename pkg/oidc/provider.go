// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package oidc implements a minimal OpenID Connect provider on top of the
// token subsystem: the authorization-code flow only, with RS256-signed ID
// tokens whose identity claims come from the underlying session token.
package oidc

import (
	"context"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/lsst-sqre/gafaelfawr/pkg/config"
	"github.com/lsst-sqre/gafaelfawr/pkg/gaferrors"
	"github.com/lsst-sqre/gafaelfawr/pkg/keys"
	"github.com/lsst-sqre/gafaelfawr/pkg/logger"
	"github.com/lsst-sqre/gafaelfawr/pkg/service"
	"github.com/lsst-sqre/gafaelfawr/pkg/storage/redisstore"
	"github.com/lsst-sqre/gafaelfawr/pkg/token"
)

// GrantTypeAuthorizationCode is the only supported grant type.
const GrantTypeAuthorizationCode = "authorization_code"

// Server issues and redeems authorization codes and mints ID tokens.
type Server struct {
	config *config.OIDCServerConfig
	keys   *keys.RSAKeyPair
	codes  *redisstore.OIDCStore
	tokens *service.TokenService
}

// NewServer creates the OpenID Connect provider.
func NewServer(cfg *config.OIDCServerConfig, keyPair *keys.RSAKeyPair,
	codes *redisstore.OIDCStore, tokens *service.TokenService) *Server {
	return &Server{config: cfg, keys: keyPair, codes: codes, tokens: tokens}
}

// Claims are the payload of a minted ID token.
type Claims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
	Name              string `json:"name,omitempty"`
	Email             string `json:"email,omitempty"`
	Scope             string `json:"scope"`
	UIDNumber         int64  `json:"uid_number,omitempty"`
}

// findClient returns the registered client with the given ID, or nil.
func (s *Server) findClient(clientID string) *config.OIDCClient {
	for i := range s.config.Clients {
		if s.config.Clients[i].ClientID == clientID {
			return &s.config.Clients[i]
		}
	}
	return nil
}

// IsValidClient reports whether a client ID is registered.
func (s *Server) IsValidClient(clientID string) bool {
	return s.findClient(clientID) != nil
}

// ValidateRedirect reports whether a redirect URI falls under the client's
// registered return URI. Clients registered without one accept any
// redirect URI.
func (s *Server) ValidateRedirect(clientID, redirectURI string) bool {
	client := s.findClient(clientID)
	if client == nil {
		return false
	}
	return client.ReturnURI == "" || strings.HasPrefix(redirectURI, client.ReturnURI)
}

// IssueCode creates an authorization code for an authenticated session and
// binds it to the client and redirect URI. The code expires after the code
// lifetime and can be redeemed once.
func (s *Server) IssueCode(ctx context.Context, clientID, redirectURI string,
	t token.Token) (token.Code, error) {
	if !s.IsValidClient(clientID) {
		return token.Code{}, gaferrors.NewInvalidClientError(
			fmt.Sprintf("unknown client ID %q", clientID), nil)
	}
	code, err := token.NewCode()
	if err != nil {
		return token.Code{}, err
	}
	authorization := &redisstore.Authorization{
		Code:        code.String(),
		ClientID:    clientID,
		RedirectURI: redirectURI,
		Token:       t.String(),
		CreatedAt:   time.Now().UTC().Truncate(time.Second),
	}
	if err := s.codes.StoreAuthorization(ctx, authorization); err != nil {
		return token.Code{}, err
	}
	logger.Infow("issued authorization code", "code", code.Key, "client", clientID)
	return code, nil
}

// RedeemCode exchanges an authorization code for a signed ID token. The
// code is deleted on success so it can be used only once. Every failure is
// an OAuth error: invalid_request for missing parameters,
// unsupported_grant_type, invalid_client for bad client credentials, or
// invalid_grant for anything wrong with the code itself.
func (s *Server) RedeemCode(ctx context.Context, grantType, clientID,
	clientSecret, rawCode, redirectURI string) (string, error) {
	if grantType == "" || clientID == "" || clientSecret == "" ||
		rawCode == "" || redirectURI == "" {
		return "", gaferrors.NewInvalidRequestError(
			"missing required request parameter", nil)
	}
	if grantType != GrantTypeAuthorizationCode {
		return "", gaferrors.NewUnsupportedGrantTypeError(
			fmt.Sprintf("grant type %q is not supported", grantType), nil)
	}
	client := s.findClient(clientID)
	if client == nil || subtle.ConstantTimeCompare(
		[]byte(client.ClientSecret), []byte(clientSecret)) != 1 {
		return "", gaferrors.NewInvalidClientError("unknown client ID or secret", nil)
	}

	code, err := token.ParseCode(rawCode)
	if err != nil {
		return "", err
	}
	authorization, err := s.codes.GetAuthorization(ctx, code.Key)
	if err != nil {
		return "", err
	}
	if authorization == nil {
		return "", gaferrors.NewInvalidGrantError("unknown authorization code", nil)
	}
	stored, err := token.ParseCode(authorization.Code)
	if err != nil {
		return "", err
	}
	if !code.Equal(stored) {
		// A valid key with a bad secret suggests someone is guessing, so
		// burn the code.
		if _, err := s.codes.DeleteAuthorization(ctx, code.Key); err != nil {
			return "", err
		}
		return "", gaferrors.NewInvalidGrantError("invalid authorization code", nil)
	}
	if authorization.ClientID != clientID {
		return "", gaferrors.NewInvalidGrantError(
			"authorization code was issued to another client", nil)
	}
	if authorization.RedirectURI != redirectURI {
		return "", gaferrors.NewInvalidGrantError("redirect URI mismatch", nil)
	}

	underlying, err := token.Parse(authorization.Token)
	if err != nil {
		return "", gaferrors.NewInvalidGrantError("invalid underlying token", err)
	}
	data, err := s.tokens.GetData(ctx, underlying)
	if err != nil {
		return "", err
	}
	if data == nil {
		return "", gaferrors.NewInvalidGrantError(
			"session backing the authorization code is no longer valid", nil)
	}

	idToken, err := s.mintIDToken(data)
	if err != nil {
		return "", err
	}
	if _, err := s.codes.DeleteAuthorization(ctx, code.Key); err != nil {
		return "", err
	}
	logger.Infow("redeemed authorization code", "code", code.Key,
		"client", clientID, "user", data.Username)
	return idToken, nil
}

// mintIDToken signs an ID token for the user behind a session token.
func (s *Server) mintIDToken(data *token.Data) (string, error) {
	now := time.Now().UTC()
	expires := now.Add(s.config.Lifetime)
	if data.Expires != nil && data.Expires.Before(expires) {
		expires = *data.Expires
	}
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.config.Issuer,
			Audience:  jwt.ClaimStrings{s.config.Audience},
			Subject:   data.Username,
			ExpiresAt: jwt.NewNumericDate(expires),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.NewString(),
		},
		PreferredUsername: data.Username,
		Name:              data.Name,
		Email:             data.Email,
		Scope:             "openid",
		UIDNumber:         data.UID,
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = s.keys.KeyID()
	signed, err := tok.SignedString(s.keys.PrivateKey())
	if err != nil {
		return "", fmt.Errorf("failed to sign ID token: %w", err)
	}
	return signed, nil
}

// Lifetime returns the configured ID token lifetime.
func (s *Server) Lifetime() time.Duration {
	return s.config.Lifetime
}

// VerifyToken parses and validates an ID token this server issued.
func (s *Server) VerifyToken(idToken string) (*Claims, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(idToken, claims,
		func(t *jwt.Token) (any, error) {
			if t.Method != jwt.SigningMethodRS256 {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			if kid, _ := t.Header["kid"].(string); kid != s.keys.KeyID() {
				return nil, fmt.Errorf("unknown key ID")
			}
			return s.keys.PublicKey(), nil
		},
		jwt.WithIssuer(s.config.Issuer),
		jwt.WithAudience(s.config.Audience))
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}
	return claims, nil
}

// DiscoveryDocument is the OpenID Connect provider metadata.
type DiscoveryDocument struct {
	Issuer                           string   `json:"issuer"`
	AuthorizationEndpoint            string   `json:"authorization_endpoint"`
	TokenEndpoint                    string   `json:"token_endpoint"`
	UserinfoEndpoint                 string   `json:"userinfo_endpoint"`
	JWKSURI                          string   `json:"jwks_uri"`
	ScopesSupported                  []string `json:"scopes_supported"`
	ResponseTypesSupported           []string `json:"response_types_supported"`
	GrantTypesSupported              []string `json:"grant_types_supported"`
	SubjectTypesSupported            []string `json:"subject_types_supported"`
	IDTokenSigningAlgValuesSupported []string `json:"id_token_signing_alg_values_supported"`
	TokenEndpointAuthMethodsSupported []string `json:"token_endpoint_auth_methods_supported"`
}

// Discovery returns the provider metadata document.
func (s *Server) Discovery() *DiscoveryDocument {
	issuer := s.config.Issuer
	return &DiscoveryDocument{
		Issuer:                           issuer,
		AuthorizationEndpoint:            issuer + "/auth/openid/login",
		TokenEndpoint:                    issuer + "/auth/openid/token",
		UserinfoEndpoint:                 issuer + "/auth/openid/userinfo",
		JWKSURI:                          issuer + "/.well-known/jwks.json",
		ScopesSupported:                  []string{"openid"},
		ResponseTypesSupported:           []string{"code"},
		GrantTypesSupported:              []string{GrantTypeAuthorizationCode},
		SubjectTypesSupported:            []string{"public"},
		IDTokenSigningAlgValuesSupported: []string{"RS256"},
		TokenEndpointAuthMethodsSupported: []string{"client_secret_post"},
	}
}
