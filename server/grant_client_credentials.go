package server

import (
	"context"

	"github.com/giantswarm/oauth-authserver/storage"
)

// clientCredentialsGranter issues tokens to a client acting on its own behalf
// (RFC 6749 Section 4.4). The tokens have no subject and no refresh token.
type clientCredentialsGranter struct {
	srv *Server
}

func (g *clientCredentialsGranter) GrantType() string {
	return storage.GrantTypeClientCredentials
}

func (g *clientCredentialsGranter) Grant(ctx context.Context, req *TokenRequest, client *storage.Client) (*TokenResult, error) {
	s := g.srv
	if client.IsPublic() {
		return nil, newError(KindUnauthorizedClient, "public clients cannot use client_credentials", nil)
	}

	scopes := client.Scopes
	if req.Scopes != nil {
		if !client.AllowsScopes(req.Scopes) {
			s.auditScopeEscalation(ctx, "", client.ClientID, req.ClientIP, req.Scopes)
			return nil, newError(KindInvalidScope, "requested scope exceeds client scope", nil)
		}
		scopes = req.Scopes
	}
	if len(scopes) == 0 {
		return nil, newError(KindInvalidScope, "no grantable scope", nil)
	}

	return s.issueTokens(ctx, issueParams{
		grantType: storage.GrantTypeClientCredentials,
		client:    client,
		scopes:    scopes,
	})
}
