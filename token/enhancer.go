package token

import (
	"context"
	"fmt"
	"maps"
)

// Enhancer adds claims to an access token before it is signed.
type Enhancer interface {
	Enhance(ctx context.Context, grant *Grant, claims *Claims) (*Claims, error)
}

// EnhancerFunc adapts a function to the Enhancer interface.
type EnhancerFunc func(ctx context.Context, grant *Grant, claims *Claims) (*Claims, error)

// Enhance calls f.
func (f EnhancerFunc) Enhance(ctx context.Context, grant *Grant, claims *Claims) (*Claims, error) {
	return f(ctx, grant, claims)
}

// Chain runs enhancers in order and then signs. Signing is not an Enhancer,
// so nothing can run after it.
type Chain struct {
	enhancers []Enhancer
	codec     *Codec
}

// NewChain creates a chain ending with codec.
func NewChain(codec *Codec, enhancers ...Enhancer) *Chain {
	return &Chain{enhancers: enhancers, codec: codec}
}

// Codec returns the codec the chain signs with.
func (c *Chain) Codec() *Codec {
	return c.codec
}

// Apply enhances claims and signs the result. It returns the serialized
// token and the final claims. The input claims are not modified.
func (c *Chain) Apply(ctx context.Context, grant *Grant, claims *Claims) (string, *Claims, error) {
	current := claims.Clone()
	for i, e := range c.enhancers {
		next, err := e.Enhance(ctx, grant, current.Clone())
		if err != nil {
			return "", nil, fmt.Errorf("enhancer %d: %w", i, err)
		}
		if next == nil {
			return "", nil, fmt.Errorf("enhancer %d returned no claims", i)
		}
		if err := checkProtected(current, next); err != nil {
			return "", nil, fmt.Errorf("enhancer %d: %w", i, err)
		}
		current = next
	}

	raw, err := c.codec.Sign(ctx, current)
	if err != nil {
		return "", nil, err
	}
	if current.Issuer == "" {
		current.Issuer = c.codec.Issuer()
	}
	return raw, current, nil
}

func checkProtected(before, after *Claims) error {
	switch {
	case before.Issuer != after.Issuer:
		return fmt.Errorf("%w: %s", ErrProtectedClaim, ClaimIssuer)
	case !before.ExpiresAt.Equal(after.ExpiresAt):
		return fmt.Errorf("%w: %s", ErrProtectedClaim, ClaimExpiresAt)
	case !before.IssuedAt.Equal(after.IssuedAt):
		return fmt.Errorf("%w: %s", ErrProtectedClaim, ClaimIssuedAt)
	case before.ID != after.ID:
		return fmt.Errorf("%w: %s", ErrProtectedClaim, ClaimID)
	}
	for name := range after.Extra {
		if IsReservedClaim(name) {
			return fmt.Errorf("%w: %s", ErrProtectedClaim, name)
		}
	}
	return nil
}

// UserClaimsEnhancer copies principal attributes onto tokens issued for a user.
// Mapping is attribute name to claim name.
type UserClaimsEnhancer struct {
	Mapping map[string]string
}

// DefaultUserClaimMapping copies the user's full name and ID.
var DefaultUserClaimMapping = map[string]string{
	"full_name": "full_name",
	"user_id":   "user_id",
}

// NewUserClaimsEnhancer creates an enhancer with the given mapping, or
// DefaultUserClaimMapping when empty.
func NewUserClaimsEnhancer(mapping map[string]string) *UserClaimsEnhancer {
	if len(mapping) == 0 {
		mapping = DefaultUserClaimMapping
	}
	return &UserClaimsEnhancer{Mapping: maps.Clone(mapping)}
}

// Enhance implements Enhancer. Client-only tokens are left unchanged.
func (e *UserClaimsEnhancer) Enhance(_ context.Context, grant *Grant, claims *Claims) (*Claims, error) {
	if grant == nil || grant.UserID == "" {
		return claims, nil
	}
	for attr, claim := range e.Mapping {
		if v, ok := grant.Attributes[attr]; ok && v != "" {
			claims.Set(claim, v)
		}
	}
	return claims, nil
}

// StaticClaimsEnhancer adds fixed claims to every token.
type StaticClaimsEnhancer struct {
	Claims map[string]any
}

// Enhance implements Enhancer.
func (e *StaticClaimsEnhancer) Enhance(_ context.Context, _ *Grant, claims *Claims) (*Claims, error) {
	for name, value := range e.Claims {
		claims.Set(name, value)
	}
	return claims, nil
}
