package security

// Event type constants for security audit logging.
const (
	// Token lifecycle events

	// EventTokenIssued is logged when an access token is issued by any grant
	EventTokenIssued = "token_issued"

	// EventTokenRefreshed is logged when a refresh token is exchanged for a new access token
	EventTokenRefreshed = "token_refreshed"

	// EventTokenRevoked is logged when a token is revoked through the revocation endpoint
	EventTokenRevoked = "token_revoked"

	// EventAllTokensRevoked is logged when all tokens of a user+client pair are revoked
	EventAllTokensRevoked = "all_tokens_revoked" //nolint:gosec // G101: False positive - this is an event type name, not a credential

	// EventTokenFamilyRevoked is logged when a refresh token family is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // G101: event type name

	// Authorization endpoint events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationDenied is logged when the user denies an authorization request
	EventAuthorizationDenied = "authorization_denied"

	// EventApprovalsRecorded is logged when the user's consent decision is stored
	EventApprovalsRecorded = "approvals_recorded"

	// EventAuthorizationCodeReuseDetected is logged when an authorization code is reused (attack)
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Security violation events

	// EventAuthFailure is logged when user authentication fails (bad credentials)
	EventAuthFailure = "auth_failure"

	// EventClientAuthFailure is logged when client authentication fails
	EventClientAuthFailure = "client_auth_failure"

	// EventAuthUnavailable is logged when the user authentication backend cannot be reached
	EventAuthUnavailable = "auth_unavailable"

	// EventGrantRejected is logged when the granter rejects a token request
	EventGrantRejected = "grant_rejected"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"

	// EventPKCEValidationFailed is logged when PKCE code_verifier validation fails
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventPKCERequiredForPublicClient is logged when a public client attempts the code flow without PKCE
	EventPKCERequiredForPublicClient = "pkce_required_for_public_client"

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected"

	// EventInvalidRedirect is logged when an unregistered redirect URI is used
	EventInvalidRedirect = "invalid_redirect"

	// EventScopeEscalationAttempt is logged when a client requests scopes beyond its grant
	EventScopeEscalationAttempt = "scope_escalation_attempt"
)
