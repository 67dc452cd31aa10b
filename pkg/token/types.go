// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

package token

import (
	"slices"
	"time"
)

// Type classifies a token by how it was created.
type Type string

// Token types.
const (
	TypeSession  Type = "session"
	TypeUser     Type = "user"
	TypeNotebook Type = "notebook"
	TypeInternal Type = "internal"
	TypeService  Type = "service"
)

// Valid reports whether the type is one of the known token types.
func (t Type) Valid() bool {
	switch t {
	case TypeSession, TypeUser, TypeNotebook, TypeInternal, TypeService:
		return true
	}
	return false
}

// Group is a group membership of a user.
type Group struct {
	Name string `json:"name"`
	ID   int64  `json:"id"`
}

// UserInfo is the identity metadata carried along with a token.
type UserInfo struct {
	Username string  `json:"username"`
	Name     string  `json:"name,omitempty"`
	Email    string  `json:"email,omitempty"`
	UID      int64   `json:"uid,omitempty"`
	GID      int64   `json:"gid,omitempty"`
	Groups   []Group `json:"groups,omitempty"`
}

// Data is the authoritative record of a token, stored in the key-value
// store. Possession of the full token plus this record is what
// authentication checks consult.
type Data struct {
	Token     Token      `json:"token"`
	Username  string     `json:"username"`
	TokenType Type       `json:"token_type"`
	Scopes    []string   `json:"scopes"`
	Created   time.Time  `json:"created"`
	Expires   *time.Time `json:"expires,omitempty"`
	Name      string     `json:"name,omitempty"`
	Email     string     `json:"email,omitempty"`
	UID       int64      `json:"uid,omitempty"`
	GID       int64      `json:"gid,omitempty"`
	Groups    []Group    `json:"groups,omitempty"`
}

// UserInfo extracts the identity metadata from the token data.
func (d *Data) UserInfo() UserInfo {
	return UserInfo{
		Username: d.Username,
		Name:     d.Name,
		Email:    d.Email,
		UID:      d.UID,
		GID:      d.GID,
		Groups:   d.Groups,
	}
}

// HasScope reports whether the token carries the given scope.
func (d *Data) HasScope(scope string) bool {
	return slices.Contains(d.Scopes, scope)
}

// Info is the relational projection of a token: everything about it except
// the secret and the user identity metadata.
type Info struct {
	Token     string     `json:"token"`
	Username  string     `json:"username"`
	TokenType Type       `json:"token_type"`
	TokenName string     `json:"token_name,omitempty"`
	Scopes    []string   `json:"scopes"`
	Service   string     `json:"service,omitempty"`
	Created   time.Time  `json:"created"`
	LastUsed  *time.Time `json:"last_used,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
	Parent    string     `json:"parent,omitempty"`
}

// AdminTokenRequest is a request by a token administrator to create a
// service or user token on behalf of a (bot) user.
type AdminTokenRequest struct {
	Username  string     `json:"username"`
	TokenType Type       `json:"token_type"`
	TokenName string     `json:"token_name,omitempty"`
	Scopes    []string   `json:"scopes,omitempty"`
	Expires   *time.Time `json:"expires,omitempty"`
	Name      string     `json:"name,omitempty"`
	Email     string     `json:"email,omitempty"`
	UID       int64      `json:"uid,omitempty"`
	GID       int64      `json:"gid,omitempty"`
	Groups    []Group    `json:"groups,omitempty"`
}
