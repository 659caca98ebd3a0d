// Package security holds the cross-cutting protections of the authorization server.
//
// Auditor writes security_audit log records with hashed user IDs and counts
// them in the oauth.audit.events.total metric.
//
// RateLimiter is a per-identifier token bucket (golang.org/x/time/rate) with
// LRU eviction; its Middleware answers 429 with Retry-After:
//
//	limiter := security.NewRateLimiter(security.RateLimitConfig{
//		RequestsPerSecond: 10,
//		Burst:             20,
//	}, logger)
//	defer limiter.Stop()
//
//	resolver := security.ClientIPResolver{TrustProxy: true, TrustedProxyCount: 1}
//	mux.Handle("/oauth/token", limiter.Middleware(resolver.ClientIP, nil)(tokenHandler))
//
// Encryptor seals user claims at rest with AES-256-GCM bound to the storage key.
//
// RequestIDMiddleware and SecurityHeadersMiddleware wrap every endpoint.
package security
