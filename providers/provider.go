package providers

import (
	"context"
	"errors"
	"maps"
	"slices"
)

// Errors returned by providers. Callers match them with errors.Is.
var (
	// ErrBadCredentials means the user is unknown or the password is wrong.
	// Providers must not distinguish the two cases.
	ErrBadCredentials = errors.New("bad credentials")

	// ErrUnavailable means the provider could not be reached or did not
	// answer in time. The request may be retried.
	ErrUnavailable = errors.New("authentication provider unavailable")

	// ErrUserNotFound is returned by UserLookup for users that no longer exist.
	ErrUserNotFound = errors.New("user not found")
)

// Provider authenticates end users by username and password.
type Provider interface {
	// Name returns the provider name (e.g., "static", "upstream")
	Name() string

	// Authenticate validates the credentials and returns the user.
	// Implementations must honor ctx cancellation.
	Authenticate(ctx context.Context, username, password string) (*Principal, error)
}

// UserLookup is implemented by providers that can reload a user by ID.
// The refresh_token grant uses it to drop tokens of users that were removed.
type UserLookup interface {
	LookupUser(ctx context.Context, userID string) (*Principal, error)
}

// HealthChecker is implemented by providers that depend on a remote service.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Principal is an authenticated user.
type Principal struct {
	// UserID is the stable identifier used as the token subject.
	UserID string

	// Username is the login name.
	Username string

	// Attributes are copied onto tokens by claim enhancers (e.g. full_name).
	Attributes map[string]string

	// Scopes limits the scopes the user may grant. Empty means no limit.
	Scopes []string
}

// Clone returns a deep copy of the principal.
func (p *Principal) Clone() *Principal {
	if p == nil {
		return nil
	}
	cp := *p
	cp.Attributes = maps.Clone(p.Attributes)
	cp.Scopes = slices.Clone(p.Scopes)
	return &cp
}
