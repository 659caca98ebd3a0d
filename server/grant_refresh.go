package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// refreshTokenGranter implements the refresh token grant (RFC 6749 Section 6)
// with rotation and reuse detection.
type refreshTokenGranter struct {
	srv *Server
}

func (g *refreshTokenGranter) GrantType() string {
	return storage.GrantTypeRefreshToken
}

func (g *refreshTokenGranter) Grant(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, error) {
	s := g.srv
	if req.RefreshToken == "" {
		return nil, invalidRequest("refresh_token is required")
	}

	// Look the token up before consuming it so that a client presenting
	// another client's token cannot burn it.
	rt, err := s.tokenStore.GetRefreshToken(ctx, req.RefreshToken)
	if err != nil {
		return nil, s.refreshLookupError(ctx, req, client, rt, err)
	}
	if rt.ClientID != client.ClientID {
		s.Logger.WarnContext(ctx, "Refresh token presented by another client",
			"client_id", client.ClientID,
			"token_client_id", rt.ClientID)
		return nil, newError(KindInvalidGrant, "invalid refresh token", nil)
	}

	scopes := rt.Scopes
	if req.Scopes != nil {
		if !util.IsSubset(req.Scopes, rt.Scopes) {
			s.auditScopeEscalation(ctx, rt.UserID, client.ClientID, req.ClientIP, req.Scopes)
			return nil, newError(KindInvalidScope, "requested scope exceeds the original grant", nil)
		}
		scopes = req.Scopes
	}

	userClaims, err := s.reloadUser(ctx, rt)
	if err != nil {
		return nil, err
	}

	params := issueParams{
		grantType:     storage.GrantTypeRefreshToken,
		client:        client,
		userID:        rt.UserID,
		userClaims:    userClaims,
		scopes:        scopes,
		refreshScopes: rt.Scopes,
	}
	if s.Config.ReuseRefreshTokens {
		params.reusedRefresh = rt
	} else {
		consumed, err := s.tokenStore.AtomicConsumeRefreshToken(ctx, req.RefreshToken)
		if err != nil {
			return nil, s.refreshLookupError(ctx, req, client, consumed, err)
		}
		params.withRefresh = true
		params.familyID = consumed.FamilyID
		params.generation = consumed.Generation + 1
	}

	result, err := s.issueTokens(ctx, params)
	if err != nil {
		return nil, err
	}
	s.Auditor.LogTokenRefreshed(ctx, rt.UserID, client.ClientID, req.ClientIP, !s.Config.ReuseRefreshTokens)
	return result, nil
}

// refreshLookupError maps a refresh token store error. Presenting a token that
// was already rotated away revokes its whole family.
func (s *Server) refreshLookupError(ctx context.Context, req *TokenRequest, client *storage.Client, rt *storage.RefreshToken, err error) error {
	switch {
	case errors.Is(err, storage.ErrTokenConsumed):
		if rt != nil && rt.ClientID == client.ClientID {
			s.handleRefreshTokenReuse(ctx, req, rt)
		}
		return newError(KindInvalidGrant, "refresh token already used", err)
	case errors.Is(err, storage.ErrTokenNotFound):
		return newError(KindInvalidGrant, "invalid refresh token", err)
	case errors.Is(err, storage.ErrTokenExpired):
		return newError(KindInvalidGrant, "refresh token expired", err)
	}
	return newError(KindServerError, "refresh token lookup failed", err)
}

func (s *Server) handleRefreshTokenReuse(ctx context.Context, req *TokenRequest, rt *storage.RefreshToken) {
	ctx, span := s.startSpan(ctx, "oauth.refresh.reuse_detected")
	defer span.End()
	instrumentation.AddTokenFamilyAttributes(span, rt.FamilyID, rt.Generation)

	revoked, err := s.tokenStore.RevokeRefreshTokenFamily(ctx, rt.FamilyID)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Logger.ErrorContext(ctx, "Failed to revoke refresh token family",
			"family_id", util.SafeTruncate(rt.FamilyID, 8),
			"error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordTokenReuseDetected(ctx)
	}
	s.Logger.WarnContext(ctx, "Refresh token reuse detected, token family revoked",
		"client_id", rt.ClientID,
		"family_id", util.SafeTruncate(rt.FamilyID, 8),
		"generation", rt.Generation,
		"tokens_revoked", revoked)

	if s.allowSecurityEvent(rt.FamilyID) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventRefreshTokenReuseDetected,
			UserID:    rt.UserID,
			ClientID:  rt.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"generation":     rt.Generation,
				"tokens_revoked": revoked,
			},
		})
	}
}

// reloadUser refreshes the principal's attributes when the provider can look
// users up. A user that no longer exists invalidates the grant; a lookup that
// does not return within AuthenticationTimeout is treated as unavailable.
func (s *Server) reloadUser(ctx context.Context, rt *storage.RefreshToken) (map[string]string, error) {
	lookup, ok := s.provider.(providers.UserLookup)
	if !ok || rt.UserID == "" {
		return rt.UserClaims, nil
	}
	ctx, cancel := context.WithTimeout(ctx, seconds(s.Config.AuthenticationTimeout))
	defer cancel()

	type outcome struct {
		principal *providers.Principal
		err       error
	}
	done := make(chan outcome, 1)
	go func() {
		p, err := lookup.LookupUser(ctx, rt.UserID)
		done <- outcome{p, err}
	}()

	var principal *providers.Principal
	var err error
	select {
	case res := <-done:
		principal, err = res.principal, res.err
	case <-ctx.Done():
		err = ctx.Err()
	}
	switch {
	case err == nil && principal != nil:
		return principal.Attributes, nil
	case errors.Is(err, providers.ErrUserNotFound):
		return nil, newError(KindInvalidGrant, "user no longer exists", err)
	}
	return nil, newError(KindAuthenticationUnavailable, "user lookup failed", err)
}
