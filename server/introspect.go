package server

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/token"
)

// Token type hints (RFC 7009 Section 2.1, RFC 7662 Section 2.1)
const (
	TokenTypeHintAccessToken  = "access_token"
	TokenTypeHintRefreshToken = "refresh_token"
)

// IntrospectionResponse is an RFC 7662 introspection response. Inactive
// tokens carry no other member.
type IntrospectionResponse struct {
	Active    bool     `json:"active"`
	Scope     string   `json:"scope,omitempty"`
	ClientID  string   `json:"client_id,omitempty"`
	Subject   string   `json:"sub,omitempty"`
	TokenType string   `json:"token_type,omitempty"`
	ExpiresAt int64    `json:"exp,omitempty"`
	IssuedAt  int64    `json:"iat,omitempty"`
	NotBefore int64    `json:"nbf,omitempty"`
	Issuer    string   `json:"iss,omitempty"`
	Audience  []string `json:"aud,omitempty"`
	ID        string   `json:"jti,omitempty"`

	// Extra holds the token's enhancer claims, such as full_name.
	Extra map[string]any `json:"-"`
}

// MarshalJSON merges Extra into the top-level object. Standard members win on
// conflicts.
func (r *IntrospectionResponse) MarshalJSON() ([]byte, error) {
	type plain IntrospectionResponse
	base, err := json.Marshal((*plain)(r))
	if err != nil {
		return nil, err
	}
	if !r.Active || len(r.Extra) == 0 {
		return base, nil
	}
	merged := make(map[string]any, len(r.Extra)+8)
	for k, v := range r.Extra {
		merged[k] = v
	}
	var std map[string]any
	if err := json.Unmarshal(base, &std); err != nil {
		return nil, err
	}
	for k, v := range std {
		merged[k] = v
	}
	return json.Marshal(merged)
}

var inactive = &IntrospectionResponse{Active: false}

// Introspect reports whether a token is active. Access tokens must verify
// and still have a server-side record; refresh tokens must be live in the
// store. The hint only changes the lookup order.
func (s *Server) Introspect(ctx context.Context, raw, hint string) (*IntrospectionResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.introspect")
	defer span.End()

	if raw == "" {
		return nil, invalidRequest("token is required")
	}

	lookups := []func(context.Context, string) (*IntrospectionResponse, error){
		s.introspectAccessToken, s.introspectRefreshToken,
	}
	if hint == TokenTypeHintRefreshToken {
		lookups[0], lookups[1] = lookups[1], lookups[0]
	}

	for _, lookup := range lookups {
		resp, err := lookup(ctx, raw)
		if err != nil {
			instrumentation.RecordError(span, err)
			return nil, newError(KindServerError, "introspection failed", err)
		}
		if resp.Active {
			s.recordIntrospection(ctx, true)
			instrumentation.AddOAuthFlowAttributes(span, resp.ClientID, resp.Subject, resp.Scope)
			return resp, nil
		}
	}
	s.recordIntrospection(ctx, false)
	return inactive, nil
}

func (s *Server) introspectAccessToken(ctx context.Context, raw string) (*IntrospectionResponse, error) {
	claims, err := s.chain.Codec().Verify(ctx, raw)
	if err != nil {
		s.Logger.DebugContext(ctx, "Introspected access token did not verify", "error", err)
		return inactive, nil
	}
	if _, err := s.tokenStore.GetAccessToken(ctx, claims.ID); err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) || errors.Is(err, storage.ErrTokenExpired) {
			return inactive, nil
		}
		return nil, err
	}
	return accessTokenIntrospection(claims), nil
}

func accessTokenIntrospection(claims *token.Claims) *IntrospectionResponse {
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     util.FormatScope(claims.Scopes),
		ClientID:  claims.ClientID,
		Subject:   claims.Subject,
		TokenType: TokenTypeBearer,
		Issuer:    claims.Issuer,
		Audience:  claims.Audience,
		ID:        claims.ID,
		Extra:     claims.Extra,
	}
	if !claims.ExpiresAt.IsZero() {
		resp.ExpiresAt = claims.ExpiresAt.Unix()
	}
	if !claims.IssuedAt.IsZero() {
		resp.IssuedAt = claims.IssuedAt.Unix()
	}
	if !claims.NotBefore.IsZero() {
		resp.NotBefore = claims.NotBefore.Unix()
	}
	return resp
}

func (s *Server) introspectRefreshToken(ctx context.Context, raw string) (*IntrospectionResponse, error) {
	rt, err := s.tokenStore.GetRefreshToken(ctx, raw)
	switch {
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired), errors.Is(err, storage.ErrTokenConsumed):
		return inactive, nil
	case err != nil:
		return nil, err
	}
	resp := &IntrospectionResponse{
		Active:    true,
		Scope:     util.FormatScope(rt.Scopes),
		ClientID:  rt.ClientID,
		Subject:   rt.UserID,
		TokenType: TokenTypeHintRefreshToken,
		Issuer:    s.Config.Issuer,
		IssuedAt:  rt.IssuedAt.Unix(),
	}
	if !rt.ExpiresAt.IsZero() {
		resp.ExpiresAt = rt.ExpiresAt.Unix()
	}
	return resp, nil
}

func (s *Server) recordIntrospection(ctx context.Context, active bool) {
	if s.metrics != nil {
		s.metrics.RecordIntrospection(ctx, active)
	}
}

// AuthorizeIntrospection applies the introspection access policy to the
// caller's client credentials. hasCredentials is false when the request
// carried none.
func (s *Server) AuthorizeIntrospection(ctx context.Context, clientID, clientSecret string, hasCredentials bool) error {
	if s.Config.IntrospectionAccess == IntrospectionPermitAll {
		return nil
	}
	if !hasCredentials {
		return newError(KindInvalidClient, "introspection requires client authentication", nil)
	}
	client, err := s.AuthenticateClient(ctx, clientID, clientSecret)
	if err != nil {
		return err
	}
	if client.IsPublic() {
		return newError(KindInvalidClient, "public clients may not introspect tokens", nil)
	}
	return nil
}
