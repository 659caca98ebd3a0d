package authserver

import (
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"testing"

	"github.com/go-jose/go-jose/v4"

	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
)

func TestHandler_ServeAuthorizationServerMetadata(t *testing.T) {
	th := setupTestHandler(t, &server.Config{IntrospectionAccess: server.IntrospectionAuthenticated})

	rr := testutil.NewHTTPRequest(http.MethodGet, AuthorizationServerPath).Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if !strings.HasPrefix(rr.Header().Get("Cache-Control"), "public") {
		t.Errorf("Cache-Control = %q, want public", rr.Header().Get("Cache-Control"))
	}

	var meta AuthorizationServerMetadata
	if err := json.NewDecoder(rr.Body).Decode(&meta); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if meta.Issuer != testIssuer {
		t.Errorf("issuer = %q", meta.Issuer)
	}
	if meta.TokenEndpoint != testIssuer+TokenPath || meta.JWKSURI != testIssuer+JWKSPath {
		t.Errorf("endpoints = %q %q", meta.TokenEndpoint, meta.JWKSURI)
	}
	for _, grant := range []string{"authorization_code", "client_credentials", "implicit", "password", "refresh_token"} {
		if !slices.Contains(meta.GrantTypesSupported, grant) {
			t.Errorf("grant_types_supported missing %s: %v", grant, meta.GrantTypesSupported)
		}
	}
	if !slices.Equal(meta.CodeChallengeMethodsSupported, []string{"S256"}) {
		t.Errorf("code_challenge_methods_supported = %v", meta.CodeChallengeMethodsSupported)
	}
	if !slices.Equal(meta.ScopesSupported, []string{"READ", "WRITE"}) {
		t.Errorf("scopes_supported = %v", meta.ScopesSupported)
	}
	if len(meta.IntrospectionEndpointAuthMethodsSupported) == 0 {
		t.Error("authenticated introspection should advertise auth methods")
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, AuthorizationServerPath).Do(th.routes)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST status = %d, want 405", rr.Code)
	}
}

func TestHandler_ServeJWKS(t *testing.T) {
	th := setupTestHandler(t, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, JWKSPath).Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(rr.Body).Decode(&set); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(set.Keys) == 0 {
		t.Fatal("empty key set")
	}
	if !set.Keys[0].IsPublic() {
		t.Error("JWKS must only contain public keys")
	}
	if set.Keys[0].KeyID != th.handler.server.Codec().SigningKeyID() {
		t.Errorf("kid = %q, want signing key first", set.Keys[0].KeyID)
	}
}

func TestHandler_ServeTokenKey(t *testing.T) {
	th := setupTestHandler(t, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, TokenKeyPath).Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}

	var key TokenKeyResponse
	if err := json.NewDecoder(rr.Body).Decode(&key); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if key.Algorithm != th.handler.server.Codec().SigningAlgorithm() {
		t.Errorf("alg = %q", key.Algorithm)
	}
	block, _ := pem.Decode([]byte(key.Value))
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Fatalf("value is not a PEM public key: %q", key.Value)
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Errorf("ParsePKIXPublicKey() error = %v", err)
	}
}

func TestHandler_TokenRateLimit(t *testing.T) {
	th := setupTestHandler(t, nil)
	limiter := security.NewRateLimiter(security.RateLimitConfig{RequestsPerSecond: 0.01, Burst: 1}, nil)
	t.Cleanup(limiter.Stop)
	th.handler.SetTokenRateLimiter(limiter)
	routes := th.handler.Routes()

	send := func() int {
		return testutil.NewHTTPRequest(http.MethodPost, TokenPath).
			WithBasicAuth("test-client-id", "test-secret").
			WithForm(url.Values{"grant_type": {"client_credentials"}}).
			Do(routes).Code
	}

	if code := send(); code != http.StatusOK {
		t.Fatalf("first request status = %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("second request status = %d, want 429", code)
	}

	// Other endpoints are not limited.
	rr := testutil.NewHTTPRequest(http.MethodGet, JWKSPath).Do(routes)
	if rr.Code != http.StatusOK {
		t.Errorf("JWKS status = %d", rr.Code)
	}
}

func TestHandler_RequestIDPropagation(t *testing.T) {
	th := setupTestHandler(t, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, JWKSPath).
		WithHeader(security.RequestIDHeader, "abc-123").
		Do(th.routes)
	if got := rr.Header().Get(security.RequestIDHeader); got != "abc-123" {
		t.Errorf("request ID = %q, want abc-123", got)
	}
	if rr.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing security headers")
	}
}
