// Package server implements the core of the OAuth2 authorization server.
//
// It coordinates the token endpoint, the authorization endpoint, token
// introspection and revocation while staying independent of HTTP; the root
// package maps requests onto it.
//
// Token requests run through a CompositeGranter. Each grant type has one
// strategy and a request moves through the states
//
//	received -> client_validated -> grant_dispatched -> token_issued
//
// or ends in rejected with a *GrantError recording where it stopped. The
// registered strategies are:
//   - password: resource owner credentials checked by a providers.Provider
//   - refresh_token: rotation with reuse detection by token family
//   - authorization_code: single-use codes with PKCE (S256, optionally plain)
//   - client_credentials: confidential clients acting for themselves
//
// The implicit grant is only reachable through Authorize with
// response_type=token.
//
// Errors returned to callers are *Error values whose Kind maps onto an OAuth
// error code and HTTP status.
//
// Example usage:
//
//	codec, err := token.NewCodec(ctx, keyProvider, "https://auth.example.com")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	chain := token.NewChain(codec, token.NewUserClaimsEnhancer(nil))
//	store := memory.New()
//
//	srv, err := server.New(provider, registry, store, store, store, chain,
//	    &server.Config{Issuer: "https://auth.example.com"}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
package server
