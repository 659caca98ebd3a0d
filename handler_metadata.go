package authserver

import (
	"crypto/x509"
	"encoding/pem"
	"net/http"
	"slices"

	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
)

// publicDocumentMaxAge is the Cache-Control max-age of the JWKS and metadata.
const publicDocumentMaxAge = 300

// SupportedTokenAuthMethods are the client authentication methods of the
// token endpoint. Public clients use "none".
var SupportedTokenAuthMethods = []string{"client_secret_basic", "client_secret_post", "none"}

// ServeJWKS serves the public verification keys as a JSON Web Key Set.
func (h *Handler) ServeJWKS(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetCacheablePublic(w, publicDocumentMaxAge)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	h.writeBody(w, h.server.Codec().JWKS())
}

// ServeTokenKey serves the PEM encoded public key of the current signing key.
func (h *Handler) ServeTokenKey(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	codec := h.server.Codec()
	keys := codec.JWKS().Keys
	if len(keys) == 0 {
		h.writeOAuthError(w, r, server.ErrSigningFailure)
		return
	}
	der, err := x509.MarshalPKIXPublicKey(keys[0].Key)
	if err != nil {
		h.writeOAuthError(w, r, server.ErrSigningFailure)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetCacheablePublic(w, publicDocumentMaxAge)
	w.Header().Set("Content-Type", "application/json")
	h.writeBody(w, TokenKeyResponse{
		Algorithm: codec.SigningAlgorithm(),
		KeyID:     codec.SigningKeyID(),
		Value:     string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})),
	})
}

// ServeAuthorizationServerMetadata serves RFC 8414 Authorization Server Metadata
func (h *Handler) ServeAuthorizationServerMetadata(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	metadata := h.buildAuthServerMetadata(r)

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	security.SetCacheablePublic(w, publicDocumentMaxAge)
	w.Header().Set("Content-Type", "application/json")
	h.writeBody(w, metadata)
}

// buildAuthServerMetadata builds the RFC 8414 authorization server metadata.
func (h *Handler) buildAuthServerMetadata(r *http.Request) *AuthorizationServerMetadata {
	cfg := h.server.Config

	grantTypes := append(h.server.Granter().GrantTypes(), storage.GrantTypeImplicit)
	slices.Sort(grantTypes)

	challengeMethods := []string{server.PKCEMethodS256}
	if cfg.AllowPKCEPlain {
		challengeMethods = append(challengeMethods, server.PKCEMethodPlain)
	}

	metadata := &AuthorizationServerMetadata{
		Issuer:                            cfg.Issuer,
		AuthorizationEndpoint:             h.endpointURL(AuthorizePath),
		TokenEndpoint:                     h.endpointURL(TokenPath),
		JWKSURI:                           h.endpointURL(JWKSPath),
		ResponseTypesSupported:            []string{server.ResponseTypeCode, server.ResponseTypeToken},
		GrantTypesSupported:               grantTypes,
		TokenEndpointAuthMethodsSupported: SupportedTokenAuthMethods,
		CodeChallengeMethodsSupported:     challengeMethods,
		RevocationEndpoint:                h.endpointURL(RevokePath),
		IntrospectionEndpoint:             h.endpointURL(IntrospectPath),
	}
	if cfg.IntrospectionAccess == server.IntrospectionAuthenticated {
		metadata.IntrospectionEndpointAuthMethodsSupported = []string{"client_secret_basic", "client_secret_post"}
	}

	clients, err := h.server.ClientStore().ListClients(r.Context())
	if err != nil {
		h.logger.Warn("Failed to list clients for metadata", "error", err)
		return metadata
	}
	for _, c := range clients {
		for _, scope := range c.Scopes {
			if !slices.Contains(metadata.ScopesSupported, scope) {
				metadata.ScopesSupported = append(metadata.ScopesSupported, scope)
			}
		}
	}
	slices.Sort(metadata.ScopesSupported)

	return metadata
}
