package token

import (
	"maps"
	"slices"
	"time"
)

// Registered and private claim names written by the Codec. Enhancers may not
// set them through Extra.
const (
	ClaimIssuer    = "iss"
	ClaimSubject   = "sub"
	ClaimAudience  = "aud"
	ClaimExpiresAt = "exp"
	ClaimIssuedAt  = "iat"
	ClaimNotBefore = "nbf"
	ClaimID        = "jti"
	ClaimScope     = "scope"
	ClaimClientID  = "client_id"
)

var reservedClaims = map[string]bool{
	ClaimIssuer: true, ClaimSubject: true, ClaimAudience: true,
	ClaimExpiresAt: true, ClaimIssuedAt: true, ClaimNotBefore: true,
	ClaimID: true, ClaimScope: true, ClaimClientID: true,
}

// IsReservedClaim reports whether name is written by the Codec itself.
func IsReservedClaim(name string) bool {
	return reservedClaims[name]
}

// Claims is the content of an access token.
type Claims struct {
	Issuer string
	// Subject is the user ID; empty for client_credentials tokens
	Subject   string
	Audience  []string
	ExpiresAt time.Time
	IssuedAt  time.Time
	NotBefore time.Time
	ID        string
	Scopes    []string
	ClientID  string

	// Extra holds enhancer-supplied claims
	Extra map[string]any
}

// Clone returns a deep copy of the claims. Extra values are copied shallowly.
func (c *Claims) Clone() *Claims {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Audience = slices.Clone(c.Audience)
	cp.Scopes = slices.Clone(c.Scopes)
	cp.Extra = maps.Clone(c.Extra)
	return &cp
}

// Set stores an extra claim.
func (c *Claims) Set(name string, value any) {
	if c.Extra == nil {
		c.Extra = make(map[string]any)
	}
	c.Extra[name] = value
}

// Grant describes the authorization a token is being issued for. Enhancers
// read it to decide which claims to add.
type Grant struct {
	GrantType string
	ClientID  string
	// UserID is empty for client_credentials
	UserID string
	Scopes []string
	// Attributes are the authenticated principal's attributes, such as full_name
	Attributes map[string]string
}
