package flow

import (
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeInvalidRedirectURI   = "invalid_redirect_uri"
	ErrorCodeAuthorizationPending = "authorization_pending"
	ErrorCodeSlowDown             = "slow_down"
	ErrorCodeExpiredToken         = "expired_token"
)

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// genericInvalidGrantDescription is the one description every rejected grant
// verification carries.
//
// SECURITY: a missing code, an expired code, a replayed code, a wrong
// redirect_uri, and a failed PKCE check must be indistinguishable to the
// client. Distinct descriptions would give an attacker guessing codes an
// oracle. The internal reason is logged server-side only.
const genericInvalidGrantDescription = "the provided authorization grant is invalid, expired, or revoked"

// Common OAuth errors as reusable constructors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant rejects a grant verification. It takes no description:
	// every caller gets the same generic one.
	ErrInvalidGrant = func() *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, genericInvalidGrantDescription, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or unsupported
	ErrInvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant type
	ErrUnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal error; nothing was issued
	ErrServerError = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrInvalidRedirectURI indicates the redirect URI is invalid or not registered
	ErrInvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}

	// ErrAuthorizationPending tells a device-flow client to keep polling
	ErrAuthorizationPending = func() *OAuthError {
		return NewOAuthError(ErrorCodeAuthorizationPending, "the end user has not yet completed verification", http.StatusBadRequest)
	}

	// ErrSlowDown tells a device-flow client it is polling too fast
	ErrSlowDown = func() *OAuthError {
		return NewOAuthError(ErrorCodeSlowDown, "polling too frequently", http.StatusBadRequest)
	}

	// ErrExpiredToken indicates a device code expired before verification
	ErrExpiredToken = func() *OAuthError {
		return NewOAuthError(ErrorCodeExpiredToken, "the device code has expired", http.StatusBadRequest)
	}
)

// Internal failure reason classes for audit logs and metrics. These never
// reach clients.
const (
	reasonCodeNotFound      = "code_not_found"
	reasonCodeReplayed      = "code_replayed"
	reasonClientMismatch    = "client_mismatch"
	reasonRedirectMismatch  = "redirect_uri_mismatch"
	reasonPKCEFailed        = "pkce_verification_failed"
	reasonGrantNotActive    = "grant_not_active"
	reasonTokenNotFound     = "refresh_token_not_found"
	reasonTokenReplayed     = "refresh_token_replayed"
	reasonPayloadCorrupt    = "payload_corrupt"
	reasonRequestURIInvalid = "request_uri_invalid"
)
