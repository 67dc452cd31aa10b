// SPDX-FileCopyrightText: Copyright 2026 Vera C. Rubin Observatory
// SPDX-License-Identifier: MIT

// Package gaferrors defines the error types used throughout gafaelfawr and
// their mapping onto HTTP status codes.
package gaferrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrPermissionDenied is returned when the authenticated user is not
	// allowed to perform the requested operation
	ErrPermissionDenied = "permission_denied"

	// ErrNotFound is returned when a token or other resource does not exist
	ErrNotFound = "not_found"

	// ErrInvalidExpires is returned when a requested expiration is rejected
	ErrInvalidExpires = "invalid_expires"

	// ErrInvalidScopes is returned when requested scopes are unknown or not a
	// subset of the authenticating token's scopes
	ErrInvalidScopes = "invalid_scopes"

	// ErrInvalidIPAddress is returned when an IP address or CIDR block filter
	// cannot be parsed or matched
	ErrInvalidIPAddress = "invalid_ip_address"

	// ErrInvalidCursor is returned when a pagination cursor is malformed
	ErrInvalidCursor = "invalid_cursor"

	// ErrDuplicateTokenName is returned when a user token name collides with
	// an existing token for the same user
	ErrDuplicateTokenName = "duplicate_token_name"

	// ErrInvalidRequest is returned when a request is structurally invalid
	ErrInvalidRequest = "invalid_request"

	// ErrUnsupportedGrantType is returned for OAuth grant types other than
	// authorization_code
	ErrUnsupportedGrantType = "unsupported_grant_type"

	// ErrInvalidGrant is returned when an authorization code is missing,
	// expired, already redeemed, or bound to different parameters
	ErrInvalidGrant = "invalid_grant"

	// ErrInvalidClient is returned when OAuth client authentication fails
	ErrInvalidClient = "invalid_client"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewPermissionDeniedError creates a new permission denied error
func NewPermissionDeniedError(message string, cause error) *Error {
	return NewError(ErrPermissionDenied, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewInvalidExpiresError creates a new invalid expiration error
func NewInvalidExpiresError(message string, cause error) *Error {
	return NewError(ErrInvalidExpires, message, cause)
}

// NewInvalidScopesError creates a new invalid scopes error
func NewInvalidScopesError(message string, cause error) *Error {
	return NewError(ErrInvalidScopes, message, cause)
}

// NewInvalidIPAddressError creates a new invalid IP address error
func NewInvalidIPAddressError(message string, cause error) *Error {
	return NewError(ErrInvalidIPAddress, message, cause)
}

// NewInvalidCursorError creates a new invalid cursor error
func NewInvalidCursorError(message string, cause error) *Error {
	return NewError(ErrInvalidCursor, message, cause)
}

// NewDuplicateTokenNameError creates a new duplicate token name error
func NewDuplicateTokenNameError(message string, cause error) *Error {
	return NewError(ErrDuplicateTokenName, message, cause)
}

// NewInvalidRequestError creates a new invalid request error
func NewInvalidRequestError(message string, cause error) *Error {
	return NewError(ErrInvalidRequest, message, cause)
}

// NewUnsupportedGrantTypeError creates a new unsupported grant type error
func NewUnsupportedGrantTypeError(message string, cause error) *Error {
	return NewError(ErrUnsupportedGrantType, message, cause)
}

// NewInvalidGrantError creates a new invalid grant error
func NewInvalidGrantError(message string, cause error) *Error {
	return NewError(ErrInvalidGrant, message, cause)
}

// NewInvalidClientError creates a new invalid client error
func NewInvalidClientError(message string, cause error) *Error {
	return NewError(ErrInvalidClient, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsPermissionDenied checks if the error is a permission denied error
func IsPermissionDenied(err error) bool {
	return isType(err, ErrPermissionDenied)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsInvalidExpires checks if the error is an invalid expiration error
func IsInvalidExpires(err error) bool {
	return isType(err, ErrInvalidExpires)
}

// IsInvalidScopes checks if the error is an invalid scopes error
func IsInvalidScopes(err error) bool {
	return isType(err, ErrInvalidScopes)
}

// IsInvalidIPAddress checks if the error is an invalid IP address error
func IsInvalidIPAddress(err error) bool {
	return isType(err, ErrInvalidIPAddress)
}

// IsInvalidCursor checks if the error is an invalid cursor error
func IsInvalidCursor(err error) bool {
	return isType(err, ErrInvalidCursor)
}

// IsDuplicateTokenName checks if the error is a duplicate token name error
func IsDuplicateTokenName(err error) bool {
	return isType(err, ErrDuplicateTokenName)
}

// IsInvalidRequest checks if the error is an invalid request error
func IsInvalidRequest(err error) bool {
	return isType(err, ErrInvalidRequest)
}

// IsInvalidGrant checks if the error is an invalid grant error
func IsInvalidGrant(err error) bool {
	return isType(err, ErrInvalidGrant)
}

// IsInvalidClient checks if the error is an invalid client error
func IsInvalidClient(err error) bool {
	return isType(err, ErrInvalidClient)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}

// Status returns the HTTP status code for an error.
func Status(err error) int {
	var e *Error
	if !errors.As(err, &e) {
		return http.StatusInternalServerError
	}
	switch e.Type {
	case ErrPermissionDenied:
		return http.StatusForbidden
	case ErrNotFound:
		return http.StatusNotFound
	case ErrInvalidExpires, ErrInvalidScopes, ErrInvalidIPAddress, ErrInvalidCursor:
		return http.StatusUnprocessableEntity
	case ErrDuplicateTokenName:
		return http.StatusConflict
	case ErrInvalidRequest, ErrUnsupportedGrantType, ErrInvalidGrant, ErrInvalidClient:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Type returns the error type string for an error, or ErrInternal when the
// error is not a gafaelfawr error.
func Type(err error) string {
	var e *Error
	if !errors.As(err, &e) {
		return ErrInternal
	}
	return e.Type
}
