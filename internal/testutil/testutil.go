package testutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/storage"
)

// MockTime provides a controllable time source for deterministic testing.
// It is safe for concurrent use.
type MockTime struct {
	mu  sync.Mutex
	now time.Time
}

// NewMockTime creates a new mock time provider
func NewMockTime(t time.Time) *MockTime {
	return &MockTime{now: t}
}

// Now returns the current mock time
func (m *MockTime) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the mock time forward by the given duration
func (m *MockTime) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
}

// HashSecret returns a low-cost bcrypt hash for test fixtures.
func HashSecret(t testing.TB, secret string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(h)
}

// GenerateTestClient creates a confidential test client allowed every grant
// a confidential client may use.
func GenerateTestClient(t testing.TB) *storage.Client {
	return &storage.Client{
		ClientID:         "test-client-id",
		ClientName:       "Test Client",
		ClientSecretHash: HashSecret(t, "test-secret"),
		ClientType:       storage.ClientTypeConfidential,
		GrantTypes: []string{
			storage.GrantTypePassword,
			storage.GrantTypeRefreshToken,
			storage.GrantTypeAuthorizationCode,
			storage.GrantTypeClientCredentials,
		},
		Scopes:       []string{"READ", "WRITE"},
		RedirectURIs: []string{"https://example.com/callback"},
		CreatedAt:    time.Now(),
	}
}

// GenerateTestPublicClient creates a public client using the authorization
// code and implicit grants.
func GenerateTestPublicClient() *storage.Client {
	return &storage.Client{
		ClientID:     "test-public-client",
		ClientName:   "Test Public Client",
		ClientType:   storage.ClientTypePublic,
		GrantTypes:   []string{storage.GrantTypeAuthorizationCode, storage.GrantTypeRefreshToken, storage.GrantTypeImplicit},
		Scopes:       []string{"READ", "WRITE"},
		RedirectURIs: []string{"http://localhost:8082/callback"},
		CreatedAt:    time.Now(),
	}
}

// GenerateTestPrincipal creates test user information
func GenerateTestPrincipal() *providers.Principal {
	return &providers.Principal{
		UserID:   "test-user-123",
		Username: "test@example.com",
		Attributes: map[string]string{
			"user_id":   "test-user-123",
			"full_name": "Test User",
		},
	}
}

// GenerateTestAuthorizationCode creates a test authorization code
func GenerateTestAuthorizationCode() *storage.AuthorizationCode {
	challenge, _ := GeneratePKCEPair()
	return &storage.AuthorizationCode{
		Code:                GenerateRandomString(32),
		ClientID:            "test-client-id",
		RedirectURI:         "https://example.com/callback",
		Scopes:              []string{"READ"},
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
		UserID:              "test-user-123",
		CreatedAt:           time.Now(),
		ExpiresAt:           time.Now().Add(10 * time.Minute),
	}
}

// GenerateTestRefreshToken creates a test refresh token
func GenerateTestRefreshToken() *storage.RefreshToken {
	return &storage.RefreshToken{
		Token:     GenerateRandomString(43),
		ClientID:  "test-client-id",
		UserID:    "test-user-123",
		Scopes:    []string{"READ"},
		FamilyID:  GenerateRandomString(16),
		IssuedAt:  time.Now(),
		ExpiresAt: time.Now().Add(time.Hour),
	}
}

// GenerateRandomString generates a random base64-encoded string
func GenerateRandomString(length int) string {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("failed to generate random string: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)[:length]
}

// GeneratePKCEPair generates a valid PKCE challenge and verifier pair for testing.
// Returns (challenge, verifier) where challenge is the S256 hash of the verifier.
func GeneratePKCEPair() (challenge, verifier string) {
	verifier = GenerateRandomString(50)
	hash := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(hash[:])
	return challenge, verifier
}

// HTTPRequest is a helper for making test HTTP requests
type HTTPRequest struct {
	Method  string
	URL     string
	Headers map[string]string
	Form    url.Values
}

// NewHTTPRequest creates a new HTTP request helper
func NewHTTPRequest(method, url string) *HTTPRequest {
	return &HTTPRequest{
		Method:  method,
		URL:     url,
		Headers: make(map[string]string),
	}
}

// WithHeader adds a header to the request
func (r *HTTPRequest) WithHeader(key, value string) *HTTPRequest {
	r.Headers[key] = value
	return r
}

// WithBasicAuth sets HTTP Basic credentials
func (r *HTTPRequest) WithBasicAuth(user, pass string) *HTTPRequest {
	req := &http.Request{Header: http.Header{}}
	req.SetBasicAuth(user, pass)
	r.Headers["Authorization"] = req.Header.Get("Authorization")
	return r
}

// WithForm sets a form-encoded request body
func (r *HTTPRequest) WithForm(form url.Values) *HTTPRequest {
	r.Form = form
	return r
}

// Do executes the HTTP request
func (r *HTTPRequest) Do(handler http.Handler) *httptest.ResponseRecorder {
	var req *http.Request
	if r.Form != nil {
		req = httptest.NewRequest(r.Method, r.URL, strings.NewReader(r.Form.Encode()))
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	} else {
		req = httptest.NewRequest(r.Method, r.URL, nil)
	}
	for k, v := range r.Headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	return rr
}
