// Package static provides a user provider backed by a fixed list of users
// with bcrypt password hashes, typically loaded from configuration.
package static

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/providers"
)

// ProviderName is the name reported by Name.
const ProviderName = "static"

// dummyHash keeps unknown usernames as slow as wrong passwords.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// User is a configured end user.
type User struct {
	ID           string
	Username     string
	PasswordHash string
	FullName     string
	Email        string
	// Scopes limits what the user may grant. Empty means no limit.
	Scopes []string
	// Attributes are extra values exposed to claim enhancers.
	Attributes map[string]string
}

// Provider authenticates against the configured users.
type Provider struct {
	byUsername map[string]*User
	byID       map[string]*User
	logger     *slog.Logger
}

var (
	_ providers.Provider   = (*Provider)(nil)
	_ providers.UserLookup = (*Provider)(nil)
)

// NewProvider creates a provider. Usernames and IDs must be unique and every
// user needs a bcrypt password hash.
func NewProvider(users []User, logger *slog.Logger) (*Provider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Provider{
		byUsername: make(map[string]*User, len(users)),
		byID:       make(map[string]*User, len(users)),
		logger:     logger,
	}
	for i := range users {
		u := users[i]
		if u.ID == "" || u.Username == "" {
			return nil, fmt.Errorf("user %d: id and username are required", i)
		}
		if _, err := bcrypt.Cost([]byte(u.PasswordHash)); err != nil {
			return nil, fmt.Errorf("user %q: password hash is not a bcrypt hash: %w", u.Username, err)
		}
		if _, dup := p.byUsername[u.Username]; dup {
			return nil, fmt.Errorf("duplicate username %q", u.Username)
		}
		if _, dup := p.byID[u.ID]; dup {
			return nil, fmt.Errorf("duplicate user id %q", u.ID)
		}
		u.Scopes = slices.Clone(u.Scopes)
		u.Attributes = maps.Clone(u.Attributes)
		p.byUsername[u.Username] = &u
		p.byID[u.ID] = &u
	}
	return p, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return ProviderName
}

// Authenticate checks the password with bcrypt. Unknown users and wrong
// passwords both return providers.ErrBadCredentials.
func (p *Provider) Authenticate(ctx context.Context, username, password string) (*providers.Principal, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", providers.ErrUnavailable, err)
	}

	u, ok := p.byUsername[username]
	hash := dummyHash
	if ok {
		hash = u.PasswordHash
	}
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
	if !ok || err != nil {
		p.logger.Debug("Static authentication failed", "user_known", ok)
		return nil, providers.ErrBadCredentials
	}
	return u.principal(), nil
}

// LookupUser returns the user with the given ID.
func (p *Provider) LookupUser(_ context.Context, userID string) (*providers.Principal, error) {
	u, ok := p.byID[userID]
	if !ok {
		return nil, providers.ErrUserNotFound
	}
	return u.principal(), nil
}

func (u *User) principal() *providers.Principal {
	attrs := maps.Clone(u.Attributes)
	if attrs == nil {
		attrs = make(map[string]string, 3)
	}
	attrs["user_id"] = u.ID
	if u.FullName != "" {
		attrs["full_name"] = u.FullName
	}
	if u.Email != "" {
		attrs["email"] = u.Email
	}

	var scopes []string
	if len(u.Scopes) > 0 {
		scopes = slices.Clone(u.Scopes)
	}
	return &providers.Principal{
		UserID:     u.ID,
		Username:   u.Username,
		Attributes: attrs,
		Scopes:     scopes,
	}
}
