// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the error taxonomy shared by every paygate surface.
// Each user-visible failure maps to exactly one type, and each type maps to
// one HTTP status (or JSON-RPC error code on the proxy surface).
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrValidation is returned for malformed input, missing required fields,
	// or out-of-range numeric values.
	ErrValidation = "validation"

	// ErrAuth is returned for a missing or invalid API key, admin key, or
	// OAuth client credential.
	ErrAuth = "auth"

	// ErrPolicyDenied is returned when the gate denied admission.
	ErrPolicyDenied = "policy_denied"

	// ErrNotFound is returned for an unknown key, group, session, or filter.
	ErrNotFound = "not_found"

	// ErrConflict is returned for a duplicate name or alias.
	ErrConflict = "conflict"

	// ErrRateLimited is returned when a public-endpoint or session-creation
	// throttle rejected the request.
	ErrRateLimited = "rate_limited"

	// ErrUpstream is returned for a transport or JSON parse failure from the
	// upstream tool server.
	ErrUpstream = "upstream"

	// ErrInternal is returned for an unexpected error.
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

// HTTPStatus returns the HTTP status code this error maps to on plain HTTP
// endpoints. Policy denials are reported over JSON-RPC and never reach this
// mapping in practice, but fall back to 403.
func (e *Error) HTTPStatus() int {
	switch e.Type {
	case ErrValidation, ErrConflict:
		return http.StatusBadRequest
	case ErrAuth:
		return http.StatusUnauthorized
	case ErrNotFound:
		return http.StatusNotFound
	case ErrRateLimited:
		return http.StatusTooManyRequests
	case ErrPolicyDenied:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return NewError(ErrValidation, message, cause)
}

// NewAuthError creates a new auth error
func NewAuthError(message string, cause error) *Error {
	return NewError(ErrAuth, message, cause)
}

// NewPolicyDeniedError creates a new policy denial error
func NewPolicyDeniedError(message string, cause error) *Error {
	return NewError(ErrPolicyDenied, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewConflictError creates a new conflict error
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewRateLimitedError creates a new rate limited error
func NewRateLimitedError(message string, cause error) *Error {
	return NewError(ErrRateLimited, message, cause)
}

// NewUpstreamError creates a new upstream error
func NewUpstreamError(message string, cause error) *Error {
	return NewError(ErrUpstream, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

func is(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool {
	return is(err, ErrValidation)
}

// IsAuth checks if the error is an auth error
func IsAuth(err error) bool {
	return is(err, ErrAuth)
}

// IsPolicyDenied checks if the error is a policy denial
func IsPolicyDenied(err error) bool {
	return is(err, ErrPolicyDenied)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return is(err, ErrNotFound)
}

// IsConflict checks if the error is a conflict error
func IsConflict(err error) bool {
	return is(err, ErrConflict)
}

// IsRateLimited checks if the error is a rate limited error
func IsRateLimited(err error) bool {
	return is(err, ErrRateLimited)
}

// IsUpstream checks if the error is an upstream error
func IsUpstream(err error) bool {
	return is(err, ErrUpstream)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return is(err, ErrInternal)
}
