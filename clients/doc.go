// Package clients holds the registry of OAuth clients known to the server.
//
// The registry is built once at startup from configuration and never changes.
// Every client is validated when the registry is built: unknown grant types,
// malformed redirect URIs and confidential clients without a secret are
// rejected then, not on the first request.
//
// Three kinds of client exist:
//   - confidential clients authenticate with a secret
//   - public clients have no secret and must use PKCE for the
//     authorization_code grant
//   - introspection clients have a secret but no grants; they may only call
//     the introspection endpoint
package clients
