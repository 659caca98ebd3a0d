// Package storage defines the persistence contracts of the authorization server:
// authorization codes, refresh tokens, access token records and user approvals.
// Implementations live in the memory and valkey sub-packages.
package storage

import (
	"context"
	"maps"
	"slices"
	"time"
)

// ClientStore provides read access to registered OAuth clients.
// The registry is built once at startup; there is no write path.
type ClientStore interface {
	// GetClient retrieves a client by ID. Returns ErrClientNotFound for unknown clients.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ValidateClientSecret validates a client's secret.
	// Implementations must take the same time whether or not the client exists.
	ValidateClientSecret(ctx context.Context, clientID, clientSecret string) error

	// ListClients lists all registered clients.
	ListClients(ctx context.Context) ([]*Client, error)
}

// CodeStore persists authorization codes between the authorize and token endpoints.
// All methods accept context.Context for tracing and cancellation.
type CodeStore interface {
	// SaveAuthorizationCode saves an issued authorization code.
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// AtomicCheckAndMarkAuthCodeUsed atomically checks that a code is unused and marks it used.
	// Returns the code if successful, or an error if:
	// - Code not found (ErrAuthorizationCodeNotFound)
	// - Code expired (ErrTokenExpired)
	// - Code already used (ErrAuthorizationCodeUsed); the code is returned alongside
	//   this error so the caller can revoke what was issued from it.
	// SECURITY: This operation MUST be atomic; of any number of concurrent calls
	// for the same code exactly one succeeds.
	AtomicCheckAndMarkAuthCodeUsed(ctx context.Context, code string) (*AuthorizationCode, error)

	// DeleteAuthorizationCode removes an authorization code.
	DeleteAuthorizationCode(ctx context.Context, code string) error
}

// TokenStore persists refresh tokens and the records of issued access tokens.
// Raw token values are never used as keys; see HashToken.
type TokenStore interface {
	// SaveRefreshToken stores a newly minted refresh token. A token whose
	// family was already revoked is refused with ErrTokenFamilyRevoked.
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a live refresh token without consuming it.
	// A token that was already consumed by rotation is returned together with
	// ErrTokenConsumed. Expired tokens yield ErrTokenExpired.
	GetRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// AtomicConsumeRefreshToken atomically retrieves and invalidates a refresh token.
	// The consumed token leaves a tombstone behind until its original expiry so
	// that a later presentation is reported as ErrTokenConsumed (reuse) rather
	// than ErrTokenNotFound.
	// SECURITY: This operation MUST be atomic to prevent concurrent refresh attacks.
	AtomicConsumeRefreshToken(ctx context.Context, token string) (*RefreshToken, error)

	// DeleteRefreshToken removes a refresh token and its tombstone.
	DeleteRefreshToken(ctx context.Context, token string) error

	// RevokeRefreshTokenFamily invalidates every refresh token and access token
	// record descending from the same original grant. Returns the number of
	// tokens revoked. The family stays marked as revoked: tokens saved into it
	// later are refused, and members that escaped the sweep read as consumed.
	RevokeRefreshTokenFamily(ctx context.Context, familyID string) (int, error)

	// SaveAccessToken records an issued access token by its JWT ID. A record
	// of a revoked family is refused with ErrTokenFamilyRevoked.
	SaveAccessToken(ctx context.Context, record *AccessTokenRecord) error

	// GetAccessToken returns the record of an access token.
	// A missing record means the token was revoked or never issued here.
	GetAccessToken(ctx context.Context, tokenID string) (*AccessTokenRecord, error)

	// DeleteAccessToken revokes an access token by removing its record.
	DeleteAccessToken(ctx context.Context, tokenID string) error

	// RevokeAllTokensForUserClient revokes all tokens (access + refresh) for a user+client pair.
	// This is called when authorization code reuse is detected.
	// Returns the number of tokens revoked.
	RevokeAllTokensForUserClient(ctx context.Context, userID, clientID string) (int, error)
}

// ApprovalStore persists the scopes a user has approved for a client.
type ApprovalStore interface {
	// SaveApprovals stores or replaces approvals keyed by (user, client, scope).
	SaveApprovals(ctx context.Context, approvals ...*Approval) error

	// GetApprovals returns the non-expired approvals of a user for a client.
	GetApprovals(ctx context.Context, userID, clientID string) ([]*Approval, error)

	// RevokeApprovals removes all approvals of a user for a client.
	RevokeApprovals(ctx context.Context, userID, clientID string) error
}

// AuthorizationCode represents an issued authorization code
type AuthorizationCode struct {
	Code string
	// RedirectURI is the redirect_uri sent with the authorization request, empty if omitted.
	// When set, the token request must repeat it exactly.
	RedirectURI         string
	ClientID            string
	Scopes              []string
	UserID              string
	UserClaims          map[string]string
	CodeChallenge       string
	CodeChallengeMethod string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	Used                bool
}

// RefreshToken is an opaque refresh token and the grant it continues.
type RefreshToken struct {
	// Token is the raw value handed to the client. Stores key it by HashToken(Token).
	Token      string
	ClientID   string
	UserID     string
	UserClaims map[string]string
	Scopes     []string
	// FamilyID groups all tokens descending from one original grant.
	FamilyID   string
	Generation int
	IssuedAt   time.Time
	// ExpiresAt is zero for non-expiring tokens.
	ExpiresAt time.Time
}

// AccessTokenRecord is the server-side record of a signed access token.
type AccessTokenRecord struct {
	TokenID   string // JWT "jti"
	ClientID  string
	UserID    string // empty for client_credentials tokens
	Scopes    []string
	FamilyID  string // refresh token family the token was issued with, if any
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Approval records a user's decision for one scope of one client.
type Approval struct {
	UserID        string
	ClientID      string
	Scope         string
	Approved      bool
	ExpiresAt     time.Time
	LastUpdatedAt time.Time
}

// Clone returns a deep copy of the code.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	cp.UserClaims = maps.Clone(c.UserClaims)
	return &cp
}

// Clone returns a deep copy of the token.
func (t *RefreshToken) Clone() *RefreshToken {
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	cp.UserClaims = maps.Clone(t.UserClaims)
	return &cp
}

// Clone returns a deep copy of the record.
func (r *AccessTokenRecord) Clone() *AccessTokenRecord {
	cp := *r
	cp.Scopes = slices.Clone(r.Scopes)
	return &cp
}
