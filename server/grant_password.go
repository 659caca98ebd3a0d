package server

import (
	"context"
	"errors"
	"time"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// passwordGranter implements the resource owner password credentials grant
// (RFC 6749 Section 4.3).
type passwordGranter struct {
	srv *Server
}

func (g *passwordGranter) GrantType() string {
	return storage.GrantTypePassword
}

func (g *passwordGranter) Grant(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, error) {
	s := g.srv
	if req.Username == "" || req.Password == "" {
		return nil, invalidRequest("username and password are required")
	}

	principal, err := s.authenticateUser(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, ErrAuthenticationFailed) && s.allowSecurityEvent(req.ClientIP) {
			s.Auditor.LogAuthFailure(ctx, req.Username, client.ClientID, req.ClientIP, "bad_credentials")
		}
		return nil, err
	}

	requested := req.Scopes
	if requested == nil {
		requested = client.Scopes
	}
	if !client.AllowsScopes(requested) {
		s.auditScopeEscalation(ctx, principal.UserID, client.ClientID, req.ClientIP, requested)
		return nil, newError(KindInvalidScope, "requested scope exceeds client scope", nil)
	}
	scopes := requested
	if len(principal.Scopes) > 0 {
		scopes = util.Intersect(scopes, principal.Scopes)
	}
	if len(scopes) == 0 {
		return nil, newError(KindInvalidScope, "no grantable scope", nil)
	}

	return s.issueTokens(ctx, issueParams{
		grantType:   storage.GrantTypePassword,
		client:      client,
		userID:      principal.UserID,
		userClaims:  principal.Attributes,
		scopes:      scopes,
		withRefresh: client.SupportsGrant(storage.GrantTypeRefreshToken),
	})
}

// authenticateUser calls the provider under the configured timeout. A provider
// that does not return in time is treated as unavailable.
func (s *Server) authenticateUser(ctx context.Context, username, password string) (*providers.Principal, error) {
	ctx, span := s.startSpan(ctx, "oauth.provider.authenticate")
	defer span.End()
	instrumentation.AddProviderAttributes(span, s.provider.Name(), "authenticate")

	timeout := seconds(s.Config.AuthenticationTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		principal *providers.Principal
		err       error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		p, err := s.provider.Authenticate(ctx, username, password)
		done <- outcome{p, err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-ctx.Done():
		res = outcome{err: ctx.Err()}
	}
	durationMs := float64(time.Since(start).Milliseconds())

	switch {
	case res.err == nil && res.principal != nil && res.principal.UserID != "":
		s.recordProviderResult(ctx, "success", durationMs)
		instrumentation.SetSpanSuccess(span)
		return res.principal, nil
	case errors.Is(res.err, providers.ErrBadCredentials), errors.Is(res.err, providers.ErrUserNotFound):
		s.recordProviderResult(ctx, "bad_credentials", durationMs)
		instrumentation.SetSpanError(span, "bad credentials")
		return nil, newError(KindAuthenticationFailed, "bad credentials", res.err)
	default:
		s.recordProviderResult(ctx, "unavailable", durationMs)
		instrumentation.RecordError(span, res.err)
		if res.err == nil {
			res.err = errors.New("provider returned no principal")
		}
		s.Logger.WarnContext(ctx, "User authentication provider failed",
			"provider", s.provider.Name(),
			"timeout", timeout,
			"error", res.err)
		if s.allowSecurityEvent(username) {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:    security.EventAuthUnavailable,
				UserID:  username,
				Details: map[string]any{"provider": s.provider.Name()},
			})
		}
		return nil, newError(KindAuthenticationUnavailable, "authentication provider unavailable", res.err)
	}
}

func (s *Server) recordProviderResult(ctx context.Context, result string, durationMs float64) {
	if s.metrics != nil {
		s.metrics.RecordProviderAuthentication(ctx, s.provider.Name(), result, durationMs)
	}
}

func (s *Server) auditScopeEscalation(ctx context.Context, userID, clientID, ip string, requested []string) {
	if !s.allowSecurityEvent(clientID) {
		return
	}
	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventScopeEscalationAttempt,
		UserID:    userID,
		ClientID:  clientID,
		IPAddress: ip,
		Details:   map[string]any{"requested_scope": util.FormatScope(requested)},
	})
}
