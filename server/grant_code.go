package server

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// authorizationCodeGranter redeems authorization codes (RFC 6749 Section 4.1.3)
// with PKCE verification (RFC 7636).
type authorizationCodeGranter struct {
	srv *Server
}

func (g *authorizationCodeGranter) GrantType() string {
	return storage.GrantTypeAuthorizationCode
}

func (g *authorizationCodeGranter) Grant(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, error) {
	s := g.srv
	if req.Code == "" {
		return nil, invalidRequest("code is required")
	}

	code, err := s.codeStore.AtomicCheckAndMarkAuthCodeUsed(ctx, req.Code)
	switch {
	case errors.Is(err, storage.ErrAuthorizationCodeUsed):
		if code != nil {
			s.handleCodeReuse(ctx, req, code)
		}
		return nil, newError(KindInvalidGrant, "authorization code already used", err)
	case errors.Is(err, storage.ErrAuthorizationCodeNotFound):
		return nil, newError(KindInvalidGrant, "invalid authorization code", err)
	case errors.Is(err, storage.ErrTokenExpired):
		return nil, newError(KindInvalidGrant, "authorization code expired", err)
	case err != nil:
		return nil, newError(KindServerError, "authorization code lookup failed", err)
	}

	if code.ClientID != client.ClientID {
		s.Logger.WarnContext(ctx, "Authorization code presented by another client",
			"client_id", client.ClientID,
			"code_client_id", code.ClientID)
		return nil, newError(KindInvalidGrant, "invalid authorization code", nil)
	}
	if code.RedirectURI != "" && code.RedirectURI != req.RedirectURI {
		if s.allowSecurityEvent(req.ClientIP) {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventInvalidRedirect,
				UserID:    code.UserID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"stage": "token"},
			})
		}
		return nil, newError(KindInvalidGrant, "redirect_uri does not match the authorization request", nil)
	}

	if code.CodeChallenge == "" && client.IsPublic() {
		if s.allowSecurityEvent(req.ClientIP) {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventPKCERequiredForPublicClient,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
			})
		}
		return nil, newError(KindInvalidGrant, "public clients must use PKCE", nil)
	}
	instrumentation.AddPKCEAttributes(trace.SpanFromContext(ctx), code.CodeChallengeMethod)
	if err := verifyPKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		if s.metrics != nil {
			s.metrics.RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		}
		if s.allowSecurityEvent(req.ClientIP) {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    code.UserID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"method": code.CodeChallengeMethod},
			})
		}
		return nil, newError(KindInvalidGrant, "PKCE verification failed", err)
	}

	return s.issueTokens(ctx, issueParams{
		grantType:   storage.GrantTypeAuthorizationCode,
		client:      client,
		userID:      code.UserID,
		userClaims:  code.UserClaims,
		scopes:      code.Scopes,
		withRefresh: client.SupportsGrant(storage.GrantTypeRefreshToken),
	})
}

// handleCodeReuse revokes everything issued to the user and client of a code
// that was redeemed twice (RFC 6749 Section 4.1.2).
func (s *Server) handleCodeReuse(ctx context.Context, req *TokenRequest, code *storage.AuthorizationCode) {
	ctx, span := s.startSpan(ctx, "oauth.code.reuse_detected")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, code.ClientID, code.UserID, "")

	revoked, err := s.tokenStore.RevokeAllTokensForUserClient(ctx, code.UserID, code.ClientID)
	if err != nil {
		instrumentation.RecordError(span, err)
		s.Logger.ErrorContext(ctx, "Failed to revoke tokens after authorization code reuse",
			"client_id", code.ClientID,
			"error", err)
	}
	if s.metrics != nil {
		s.metrics.RecordCodeReuseDetected(ctx)
	}
	s.Logger.WarnContext(ctx, "Authorization code reuse detected, tokens revoked",
		"client_id", code.ClientID,
		"code_prefix", util.SafeTruncate(req.Code, 8),
		"tokens_revoked", revoked)

	if s.allowSecurityEvent(code.ClientID) {
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventAuthorizationCodeReuseDetected,
			UserID:    code.UserID,
			ClientID:  code.ClientID,
			IPAddress: req.ClientIP,
			Details:   map[string]any{"tokens_revoked": revoked},
		})
	}
}
