// Package authserver exposes the authorization server over HTTP.
//
// Handler is a thin adapter over server.Server: it parses form requests,
// authenticates clients with HTTP Basic or client_secret_post and writes
// OAuth responses. Endpoints:
//
//	POST     /oauth/token                             token endpoint (all grants)
//	GET/POST /oauth/authorize                         authorization code and implicit flows
//	POST     /oauth/check_token, /oauth/introspect    token introspection
//	POST     /oauth/revoke                            RFC 7009 revocation
//	GET      /oauth/token_key, /.well-known/jwks.json public signing keys
//	GET      /.well-known/oauth-authorization-server  RFC 8414 metadata
//
// Typical wiring:
//
//	handler := authserver.NewHandler(srv, &authserver.BasicUserAuthenticator{Provider: provider}, logger)
//	handler.SetTokenRateLimiter(limiter)
//	http.ListenAndServe(":8081", handler.Routes())
package authserver
