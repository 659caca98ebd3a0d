package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/giantswarm/oauth-authserver/clients"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/providers/static"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
)

// placeholderHash stands in for secrets during validation so clients are
// checked without paying for bcrypt.
const placeholderHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Validate reports every problem in the configuration at once.
func (f *File) Validate() error {
	var errs []error

	if _, err := f.ServerConfig(); err != nil {
		errs = append(errs, fmt.Errorf("server: %w", err))
	}
	if err := f.KeysConfig().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("keys: %w", err))
	}

	switch f.Storage.Type {
	case StorageMemory:
	case StorageValkey:
		if f.Storage.Valkey.Address == "" {
			errs = append(errs, errors.New("storage: valkey address is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage: unknown type %q", f.Storage.Type))
	}
	if f.Storage.EncryptionKey != "" {
		if _, err := security.KeyFromBase64(f.Storage.EncryptionKey); err != nil {
			errs = append(errs, fmt.Errorf("storage: encryption key: %w", err))
		}
	}

	switch f.Authentication.Provider {
	case ProviderStatic:
		if _, err := f.users(func(string) (string, error) { return placeholderHash, nil }); err != nil {
			errs = append(errs, fmt.Errorf("authentication: %w", err))
		}
	case ProviderUpstream:
		up := f.Authentication.Upstream
		if up.TokenURL == "" || up.UserInfoURL == "" || up.ClientID == "" {
			errs = append(errs, errors.New("authentication: upstream token_url, userinfo_url and client_id are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("authentication: unknown provider %q", f.Authentication.Provider))
	}

	if len(f.Clients) == 0 {
		errs = append(errs, errors.New("clients: at least one client is required"))
	}
	if _, err := f.clients(func(string) (string, error) { return placeholderHash, nil }); err != nil {
		errs = append(errs, fmt.Errorf("clients: %w", err))
	}

	if f.Security.TokenRateLimit < 0 || f.Security.SecurityEventRateLimit < 0 {
		errs = append(errs, errors.New("security: rate limits must not be negative"))
	}

	return errors.Join(errs...)
}

// ServerConfig returns the server configuration with defaults applied.
func (f *File) ServerConfig() (*server.Config, error) {
	s := f.Server
	cfg := &server.Config{
		Issuer:                   s.Issuer,
		AllowInsecureHTTP:        s.AllowInsecureHTTP,
		AuthorizationCodeTTL:     toSeconds(s.AuthorizationCodeTTL),
		AccessTokenTTL:           toSeconds(s.AccessTokenTTL),
		RefreshTokenTTL:          toSeconds(s.RefreshTokenTTL),
		NonExpiringRefreshTokens: s.NonExpiringRefreshTokens,
		ApprovalTTL:              toSeconds(s.ApprovalTTL),
		AuthenticationTimeout:    toSeconds(s.AuthenticationTimeout),
		ReuseRefreshTokens:       s.ReuseRefreshTokens,
		AllowPKCEPlain:           s.AllowPKCEPlain,
		IntrospectionAccess:      s.IntrospectionAccess,
		TrustProxy:               s.TrustProxy,
		TrustedProxyCount:        s.TrustedProxyCount,
		ClockSkewGracePeriod:     toSeconds(s.ClockSkewGracePeriod),
	}
	probe := *cfg
	server.ApplyDefaults(&probe)
	if err := probe.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// KeysConfig returns the signing key configuration.
func (f *File) KeysConfig() keys.Config {
	k := f.Keys
	return keys.Config{
		Source:           k.Source,
		KeyFile:          k.KeyFile,
		KeyID:            k.KeyID,
		KeyStorePath:     k.KeyStorePath,
		KeyStorePassword: k.KeyStorePassword,
		KeyAlias:         k.KeyAlias,
		Algorithm:        k.Algorithm,
		FallbackKeyFiles: slices.Clone(k.FallbackKeyFiles),
	}
}

// RegisteredClients returns the registered clients with plain secrets bcrypt-hashed.
func (f *File) RegisteredClients() ([]*storage.Client, error) {
	return f.clients(hashUnlessHashed)
}

// Users returns the static users with plain passwords bcrypt-hashed.
func (f *File) Users() ([]static.User, error) {
	return f.users(hashUnlessHashed)
}

func (f *File) clients(hash func(string) (string, error)) ([]*storage.Client, error) {
	now := time.Now()
	out := make([]*storage.Client, 0, len(f.Clients))
	seen := make(map[string]bool, len(f.Clients))
	for i, c := range f.Clients {
		if seen[c.ClientID] {
			return nil, fmt.Errorf("duplicate client_id %q", c.ClientID)
		}
		seen[c.ClientID] = true

		client := &storage.Client{
			ClientID:          c.ClientID,
			ClientName:        c.Name,
			ClientType:        c.Type,
			GrantTypes:        slices.Clone(c.GrantTypes),
			Scopes:            slices.Clone(c.Scopes),
			RedirectURIs:      slices.Clone(c.RedirectURIs),
			AutoApproveScopes: slices.Clone(c.AutoApproveScopes),
			AccessTokenTTL:    c.AccessTokenTTL,
			RefreshTokenTTL:   c.RefreshTokenTTL,
			CreatedAt:         now,
		}
		if client.ClientType == "" {
			client.ClientType = storage.ClientTypeConfidential
			if c.Secret == "" {
				client.ClientType = storage.ClientTypePublic
			}
		}
		if c.Secret != "" {
			h, err := hash(c.Secret)
			if err != nil {
				return nil, fmt.Errorf("client %d (%s): %w", i, c.ClientID, err)
			}
			client.ClientSecretHash = h
		}
		if err := clients.Validate(client); err != nil {
			return nil, err
		}
		out = append(out, client)
	}
	return out, nil
}

func (f *File) users(hash func(string) (string, error)) ([]static.User, error) {
	out := make([]static.User, 0, len(f.Authentication.Users))
	for i, u := range f.Authentication.Users {
		if u.Username == "" || u.Password == "" {
			return nil, fmt.Errorf("user %d: username and password are required", i)
		}
		h, err := hash(u.Password)
		if err != nil {
			return nil, fmt.Errorf("user %q: %w", u.Username, err)
		}
		id := u.ID
		if id == "" {
			id = u.Username
		}
		out = append(out, static.User{
			ID:           id,
			Username:     u.Username,
			PasswordHash: h,
			FullName:     u.FullName,
			Email:        u.Email,
			Scopes:       slices.Clone(u.Scopes),
			Attributes:   u.Attributes,
		})
	}
	return out, nil
}

func hashUnlessHashed(secret string) (string, error) {
	if clients.IsHashed(secret) {
		return secret, nil
	}
	return clients.HashSecret(secret)
}

// toSeconds rounds up so a sub-second TTL never turns into "use the default".
func toSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64((d + time.Second - 1) / time.Second)
}
