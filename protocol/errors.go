// Package protocol holds the OAuth 2.0 error model and the parameter and
// grant-type names shared by the engine packages.
package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest        = "invalid_request"
	ErrorCodeInvalidClient         = "invalid_client"
	ErrorCodeInvalidGrant          = "invalid_grant"
	ErrorCodeInvalidScope          = "invalid_scope"
	ErrorCodeUnauthorizedClient    = "unauthorized_client"
	ErrorCodeUnsupportedGrantType  = "unsupported_grant_type"
	ErrorCodeUnsupportedTokenType  = "unsupported_token_type"
	ErrorCodeAccessDenied          = "access_denied"
	ErrorCodeServerError           = "server_error"
	ErrorCodeInvalidResourceServer = "invalid_resource_server"
	ErrorCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrorCodeInvalidRedirectURI    = "invalid_redirect_uri"
)

// genericServerErrorDescription is the only description exposed for unexpected failures.
const genericServerErrorDescription = "An unexpected error occurred."

// RedirectContext carries what is needed to send an error back to the client
// through its redirect URI instead of rendering it directly. It is only set on
// errors raised after the redirect URI has been validated.
type RedirectContext struct {
	RedirectURI  string
	ResponseMode string // "query" or "fragment"
	State        string
	Params       map[string]string
}

// OAuthError represents an OAuth 2.0 error response
type OAuthError struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code

	// Redirect is set when the caller should redirect to the client (302)
	// rather than render the error.
	Redirect *RedirectContext

	cause error
}

// Error implements the error interface
func (e *OAuthError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// Unwrap returns the underlying cause, if any. The cause is never part of the
// client-visible description.
func (e *OAuthError) Unwrap() error {
	return e.cause
}

// WithRedirect returns a copy of the error carrying a redirect context. The
// HTTP status becomes 302.
func (e *OAuthError) WithRedirect(rc *RedirectContext) *OAuthError {
	cp := *e
	cp.Redirect = rc
	cp.Status = http.StatusFound
	return &cp
}

// WithCause returns a copy of the error wrapping cause for logging purposes.
func (e *OAuthError) WithCause(cause error) *OAuthError {
	cp := *e
	cp.cause = cause
	return &cp
}

// Response returns the JSON error object body.
func (e *OAuthError) Response() map[string]string {
	body := map[string]string{"error": e.Code}
	if e.Description != "" {
		body["error_description"] = e.Description
	}
	return body
}

// NewOAuthError creates a new OAuth error
func NewOAuthError(code, description string, status int) *OAuthError {
	return &OAuthError{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// InvalidRequest indicates the request is malformed or missing required parameters
	InvalidRequest = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// InvalidClient indicates client authentication failed
	InvalidClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// InvalidGrant indicates the authorization code, refresh token or assertion is invalid
	InvalidGrant = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// InvalidScope indicates the requested scope is invalid or unsupported
	InvalidScope = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// UnauthorizedClient indicates the client may not use the requested grant type
	UnauthorizedClient = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// UnsupportedGrantType indicates the grant type is not registered
	UnsupportedGrantType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// UnsupportedTokenType indicates the token type hint is not registered
	UnsupportedTokenType = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeUnsupportedTokenType, desc, http.StatusBadRequest)
	}

	// AccessDenied indicates the resource owner or the server denied the request
	AccessDenied = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// InvalidResourceServer indicates the introspection/revocation caller is not authenticated
	InvalidResourceServer = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidResourceServer, desc, http.StatusUnauthorized)
	}

	// InvalidClientMetadata indicates a registration request carries invalid metadata
	InvalidClientMetadata = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidClientMetadata, desc, http.StatusBadRequest)
	}

	// InvalidRedirectURI indicates a registration request carries an unacceptable redirect URI
	InvalidRedirectURI = func(desc string) *OAuthError {
		return NewOAuthError(ErrorCodeInvalidRedirectURI, desc, http.StatusBadRequest)
	}
)

// ServerError wraps an unexpected failure. The cause is kept for logging but
// never exposed in the description.
func ServerError(cause error) *OAuthError {
	return NewOAuthError(ErrorCodeServerError, genericServerErrorDescription, http.StatusInternalServerError).WithCause(cause)
}

// AsOAuthError returns the OAuth error found in the chain of err, or a
// server_error wrapping err when there is none.
func AsOAuthError(err error) *OAuthError {
	if err == nil {
		return nil
	}
	var oauthErr *OAuthError
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	return ServerError(err)
}

// IsCode reports whether err is an OAuth error with the given code.
func IsCode(err error, code string) bool {
	var oauthErr *OAuthError
	return errors.As(err, &oauthErr) && oauthErr.Code == code
}
