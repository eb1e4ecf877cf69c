package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access token is issued
	EventTokenIssued = "token_issued"

	// EventRefreshTokenIssued is logged when a refresh token is issued
	EventRefreshTokenIssued = "refresh_token_issued"

	// EventRefreshTokenRotated is logged when a refresh token is revoked after being exchanged
	EventRefreshTokenRotated = "refresh_token_rotated"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// Authorization code events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeReuseDetected is logged when a used authorization code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// EventAuthorizationDenied is logged when the resource owner declines an authorization request
	EventAuthorizationDenied = "authorization_denied"

	// Client events

	// EventClientRegistered is logged when a client is registered
	EventClientRegistered = "client_registered"

	// EventClientRegistrationRejected is logged when registration fails validation
	EventClientRegistrationRejected = "client_registration_rejected"

	// EventClientDeleted is logged when a client is deleted
	EventClientDeleted = "client_deleted"

	// Security violation events

	// EventClientAuthFailure is logged when client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// EventResourceServerAuthFailure is logged when an introspection or revocation caller fails authentication
	EventResourceServerAuthFailure = "resource_server_auth_failure"

	// EventPKCEValidationFailed is logged when the code_verifier does not match the challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidGrant is logged when a grant is rejected (unknown, expired or mismatched code or token)
	EventInvalidGrant = "invalid_grant"

	// EventAssertionRejected is logged when a JWT assertion fails verification
	EventAssertionRejected = "assertion_rejected"

	// EventScopeEscalationAttempt is logged when a client requests scope beyond what was granted
	EventScopeEscalationAttempt = "scope_escalation_attempt"

	// EventResourceServerMismatch is logged when a resource server introspects a token it does not own
	EventResourceServerMismatch = "resource_server_mismatch"

	// EventRateLimitExceeded is logged once when audit throttling starts dropping events for a key
	EventRateLimitExceeded = "rate_limit_exceeded"
)
