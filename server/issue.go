package server

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/token"
)

// TokenTypeBearer is the token_type of every access token.
const TokenTypeBearer = "Bearer"

// issueParams describes the tokens one grant issues.
type issueParams struct {
	grantType  string
	client     *storage.Client
	userID     string // empty for client_credentials
	userClaims map[string]string
	scopes     []string

	// refreshScopes are stored with a new refresh token; nil means scopes.
	// A refresh request may narrow the access token scope without shrinking
	// the refresh token's original grant.
	refreshScopes []string

	// withRefresh issues a new refresh token in familyID (a new family when empty).
	withRefresh bool
	familyID    string
	generation  int

	// reusedRefresh is returned unchanged instead of minting a new refresh token.
	reusedRefresh *storage.RefreshToken
}

func (s *Server) accessTokenTTL(client *storage.Client) time.Duration {
	if client.AccessTokenTTL > 0 {
		return client.AccessTokenTTL
	}
	return seconds(s.Config.AccessTokenTTL)
}

func (s *Server) refreshTokenTTL(client *storage.Client) time.Duration {
	if client.RefreshTokenTTL > 0 {
		return client.RefreshTokenTTL
	}
	return seconds(s.Config.RefreshTokenTTL)
}

// issueTokens signs an access token through the enhancer chain, records it and
// optionally mints a refresh token.
func (s *Server) issueTokens(ctx context.Context, p issueParams) (*TokenResult, error) {
	now := s.now()
	expiresAt := now.Add(s.accessTokenTTL(p.client))

	familyID := p.familyID
	if p.reusedRefresh != nil {
		familyID = p.reusedRefresh.FamilyID
	} else if p.withRefresh && familyID == "" {
		familyID = uuid.NewString()
	}

	claims := &token.Claims{
		Subject:   p.userID,
		Audience:  []string{p.client.ClientID},
		IssuedAt:  now,
		NotBefore: now,
		ExpiresAt: expiresAt,
		ID:        uuid.NewString(),
		Scopes:    slices.Clone(p.scopes),
		ClientID:  p.client.ClientID,
	}
	grant := &token.Grant{
		GrantType:  p.grantType,
		ClientID:   p.client.ClientID,
		UserID:     p.userID,
		Scopes:     slices.Clone(p.scopes),
		Attributes: maps.Clone(p.userClaims),
	}

	raw, signed, err := s.chain.Apply(ctx, grant, claims)
	if err != nil {
		return nil, newError(KindSigningFailure, "failed to issue access token", err)
	}

	record := &storage.AccessTokenRecord{
		TokenID:   signed.ID,
		ClientID:  p.client.ClientID,
		UserID:    p.userID,
		Scopes:    slices.Clone(signed.Scopes),
		FamilyID:  familyID,
		IssuedAt:  now,
		ExpiresAt: expiresAt,
	}
	if err := s.tokenStore.SaveAccessToken(ctx, record); err != nil {
		return nil, storeError("failed to record access token", err)
	}

	result := &TokenResult{
		AccessToken: raw,
		TokenType:   TokenTypeBearer,
		ExpiresIn:   int64(security.RemainingTTL(expiresAt, now) / time.Second),
		ExpiresAt:   expiresAt,
		Scopes:      slices.Clone(signed.Scopes),
		TokenID:     signed.ID,
		Claims:      signed,
	}

	switch {
	case p.reusedRefresh != nil:
		result.RefreshToken = p.reusedRefresh.Token
	case p.withRefresh:
		refreshScopes := p.refreshScopes
		if refreshScopes == nil {
			refreshScopes = p.scopes
		}
		rt := &storage.RefreshToken{
			Token:      generateRandomToken(),
			ClientID:   p.client.ClientID,
			UserID:     p.userID,
			UserClaims: maps.Clone(p.userClaims),
			Scopes:     slices.Clone(refreshScopes),
			FamilyID:   familyID,
			Generation: p.generation,
			IssuedAt:   now,
		}
		if !s.Config.NonExpiringRefreshTokens {
			rt.ExpiresAt = now.Add(s.refreshTokenTTL(p.client))
		}
		if err := s.tokenStore.SaveRefreshToken(ctx, rt); err != nil {
			return nil, storeError("failed to store refresh token", err)
		}
		result.RefreshToken = rt.Token
	}

	s.Auditor.LogTokenIssued(ctx, p.grantType, p.userID, p.client.ClientID, "", util.FormatScope(result.Scopes))
	return result, nil
}

// storeError maps a token store failure. A family revoked while the grant was
// in flight means the presented refresh token was reused.
func storeError(description string, err error) error {
	if errors.Is(err, storage.ErrTokenFamilyRevoked) {
		return newError(KindInvalidGrant, "refresh token family revoked", err)
	}
	return newError(KindServerError, description, err)
}
