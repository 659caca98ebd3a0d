package server

import (
	"context"
	"errors"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/token"
)

// Revoke revokes a token on behalf of an authenticated client (RFC 7009).
// Revoking a refresh token revokes its whole family. Unknown tokens and tokens
// of other clients are ignored, so the caller learns nothing about them.
func (s *Server) Revoke(ctx context.Context, client *storage.Client, raw, hint, clientIP string) error {
	ctx, span := s.startSpan(ctx, "oauth.revoke")
	defer span.End()
	instrumentation.AddOAuthFlowAttributes(span, client.ClientID, "", "")

	if raw == "" {
		return invalidRequest("token is required")
	}

	revokers := []func(context.Context, *storage.Client, string, string) (bool, error){
		s.revokeRefreshToken, s.revokeAccessToken,
	}
	if hint == TokenTypeHintAccessToken {
		revokers[0], revokers[1] = revokers[1], revokers[0]
	}
	for _, revoke := range revokers {
		done, err := revoke(ctx, client, raw, clientIP)
		if err != nil {
			instrumentation.RecordError(span, err)
			return newError(KindServerError, "revocation failed", err)
		}
		if done {
			return nil
		}
	}
	s.Logger.DebugContext(ctx, "Revocation request for unknown token", "client_id", client.ClientID)
	return nil
}

func (s *Server) revokeRefreshToken(ctx context.Context, client *storage.Client, raw, clientIP string) (bool, error) {
	rt, err := s.tokenStore.GetRefreshToken(ctx, raw)
	switch {
	case errors.Is(err, storage.ErrTokenNotFound), errors.Is(err, storage.ErrTokenExpired):
		return false, nil
	case errors.Is(err, storage.ErrTokenConsumed):
		// A rotated token still names its family.
	case err != nil:
		return false, err
	}
	if rt == nil {
		return false, nil
	}
	if rt.ClientID != client.ClientID {
		s.Logger.WarnContext(ctx, "Client tried to revoke another client's refresh token",
			"client_id", client.ClientID,
			"token_client_id", rt.ClientID)
		return true, nil
	}

	revoked, err := s.tokenStore.RevokeRefreshTokenFamily(ctx, rt.FamilyID)
	if err != nil {
		return false, err
	}
	if err := s.tokenStore.DeleteRefreshToken(ctx, raw); err != nil {
		return false, err
	}
	s.Logger.InfoContext(ctx, "Refresh token family revoked",
		"client_id", client.ClientID,
		"family_id", util.SafeTruncate(rt.FamilyID, 8),
		"tokens_revoked", revoked)
	s.Auditor.LogTokenRevoked(ctx, rt.UserID, client.ClientID, clientIP, TokenTypeHintRefreshToken)
	s.Auditor.LogEvent(ctx, security.Event{
		Type:      security.EventTokenFamilyRevoked,
		UserID:    rt.UserID,
		ClientID:  client.ClientID,
		IPAddress: clientIP,
		Details:   map[string]any{"tokens_revoked": revoked},
	})
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID, TokenTypeHintRefreshToken)
	}
	return true, nil
}

func (s *Server) revokeAccessToken(ctx context.Context, client *storage.Client, raw, clientIP string) (bool, error) {
	claims, err := s.chain.Codec().Verify(ctx, raw)
	switch {
	case errors.Is(err, token.ErrExpired):
		// Nothing left to revoke.
		return true, nil
	case err != nil:
		return false, nil
	}
	if claims.ClientID != client.ClientID {
		s.Logger.WarnContext(ctx, "Client tried to revoke another client's access token",
			"client_id", client.ClientID,
			"token_client_id", claims.ClientID)
		return true, nil
	}
	if err := s.tokenStore.DeleteAccessToken(ctx, claims.ID); err != nil {
		return false, err
	}
	s.Auditor.LogTokenRevoked(ctx, claims.Subject, client.ClientID, clientIP, TokenTypeHintAccessToken)
	if s.metrics != nil {
		s.metrics.RecordTokenRevocation(ctx, client.ClientID, TokenTypeHintAccessToken)
	}
	return true, nil
}

// RevokeAllForUser revokes every token a user holds for a client together
// with the user's approvals for it.
func (s *Server) RevokeAllForUser(ctx context.Context, userID, clientID string) (int, error) {
	revoked, err := s.tokenStore.RevokeAllTokensForUserClient(ctx, userID, clientID)
	if err != nil {
		return 0, newError(KindServerError, "revocation failed", err)
	}
	if err := s.approvalStore.RevokeApprovals(ctx, userID, clientID); err != nil {
		return revoked, newError(KindServerError, "failed to revoke approvals", err)
	}
	s.Auditor.LogEvent(ctx, security.Event{
		Type:     security.EventAllTokensRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"tokens_revoked": revoked},
	})
	return revoked, nil
}
