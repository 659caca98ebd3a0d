package storage

import (
	"slices"
	"time"
)

// Client type constants
const (
	// ClientTypeConfidential is a client holding a secret.
	ClientTypeConfidential = "confidential"

	// ClientTypePublic is a client without a secret (browser or native apps).
	ClientTypePublic = "public"

	// ClientTypeIntrospection is a resource server that may only authenticate
	// to the introspection endpoint. It holds a secret but no grants.
	ClientTypeIntrospection = "introspection"
)

// Grant type identifiers (RFC 6749)
const (
	GrantTypePassword          = "password"
	GrantTypeRefreshToken      = "refresh_token"
	GrantTypeAuthorizationCode = "authorization_code"
	GrantTypeImplicit          = "implicit"
	GrantTypeClientCredentials = "client_credentials"
)

// KnownGrantTypes lists every grant type the server implements.
var KnownGrantTypes = []string{
	GrantTypePassword,
	GrantTypeRefreshToken,
	GrantTypeAuthorizationCode,
	GrantTypeImplicit,
	GrantTypeClientCredentials,
}

// Client represents a registered OAuth client. Clients are immutable once registered.
type Client struct {
	ClientID         string
	ClientName       string
	ClientSecretHash string // bcrypt hash, empty for public clients
	ClientType       string
	GrantTypes       []string
	Scopes           []string
	RedirectURIs     []string
	// AutoApproveScopes are granted without asking the user.
	AutoApproveScopes []string
	// AccessTokenTTL and RefreshTokenTTL override the server defaults when non-zero.
	AccessTokenTTL  time.Duration
	RefreshTokenTTL time.Duration
	CreatedAt       time.Time
}

// IsPublic reports whether the client has no secret.
func (c *Client) IsPublic() bool {
	return c.ClientType == ClientTypePublic
}

// IsIntrospectionOnly reports whether the client may only call the introspection endpoint.
func (c *Client) IsIntrospectionOnly() bool {
	return c.ClientType == ClientTypeIntrospection
}

// SupportsGrant reports whether the client is registered for grantType.
func (c *Client) SupportsGrant(grantType string) bool {
	return slices.Contains(c.GrantTypes, grantType)
}

// AllowsScopes reports whether every scope is registered for the client.
func (c *Client) AllowsScopes(scopes []string) bool {
	for _, s := range scopes {
		if !slices.Contains(c.Scopes, s) {
			return false
		}
	}
	return true
}

// HasRedirectURI reports whether uri exactly matches a registered redirect URI.
func (c *Client) HasRedirectURI(uri string) bool {
	return slices.Contains(c.RedirectURIs, uri)
}

// IsAutoApproved reports whether all scopes are in the client's auto-approve list.
func (c *Client) IsAutoApproved(scopes []string) bool {
	if len(scopes) == 0 {
		return false
	}
	for _, s := range scopes {
		if !slices.Contains(c.AutoApproveScopes, s) {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the client.
func (c *Client) Clone() *Client {
	cp := *c
	cp.GrantTypes = slices.Clone(c.GrantTypes)
	cp.Scopes = slices.Clone(c.Scopes)
	cp.RedirectURIs = slices.Clone(c.RedirectURIs)
	cp.AutoApproveScopes = slices.Clone(c.AutoApproveScopes)
	return &cp
}
