package authserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-authserver/clients"
	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/keys"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/providers/mock"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
	"github.com/giantswarm/oauth-authserver/storage"
	"github.com/giantswarm/oauth-authserver/storage/memory"
	"github.com/giantswarm/oauth-authserver/token"
)

const testIssuer = "https://auth.example.com"

type testHandler struct {
	handler  *Handler
	routes   http.Handler
	provider *mock.MockProvider
}

func setupTestHandler(t *testing.T, config *server.Config) *testHandler {
	t.Helper()

	store := memory.New()
	t.Cleanup(store.Stop)

	registry, err := clients.NewRegistry([]*storage.Client{
		testutil.GenerateTestClient(t),
		testutil.GenerateTestPublicClient(),
		{
			ClientID:         "checktoken",
			ClientSecretHash: testutil.HashSecret(t, "check123"),
			ClientType:       storage.ClientTypeIntrospection,
		},
	}, nil)
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}

	kp, err := keys.NewGeneratingProvider()
	if err != nil {
		t.Fatalf("NewGeneratingProvider() error = %v", err)
	}
	codec, err := token.NewCodec(context.Background(), kp, testIssuer)
	if err != nil {
		t.Fatalf("NewCodec() error = %v", err)
	}

	if config == nil {
		config = &server.Config{}
	}
	config.Issuer = testIssuer

	provider := mock.NewMockProvider()
	srv, err := server.New(provider, registry, store, store, store,
		token.NewChain(codec, token.NewUserClaimsEnhancer(nil)), config, nil)
	if err != nil {
		t.Fatalf("server.New() error = %v", err)
	}

	handler := NewHandler(srv, &BasicUserAuthenticator{Provider: provider}, nil)
	return &testHandler{handler: handler, routes: handler.Routes(), provider: provider}
}

func decodeJSON(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decode response: %v (body %q)", err, rr.Body.String())
	}
	return body
}

func passwordForm(scope string) url.Values {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {"user"},
		"password":   {"password"},
	}
	if scope != "" {
		form.Set("scope", scope)
	}
	return form
}

// issuePasswordToken returns the token response of a password grant for the
// confidential test client.
func issuePasswordToken(t *testing.T, th *testHandler) map[string]any {
	t.Helper()
	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithBasicAuth("test-client-id", "test-secret").
		WithForm(passwordForm("")).
		Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rr.Code, rr.Body.String())
	}
	return decodeJSON(t, rr)
}

func TestNewHandler(t *testing.T) {
	th := setupTestHandler(t, nil)
	if th.handler.logger == nil {
		t.Error("logger should not be nil")
	}
	if th.handler.tracer != nil || th.handler.metrics != nil {
		t.Error("instrumentation should be disabled by default")
	}
}

func TestHandler_ServeToken_Password(t *testing.T) {
	th := setupTestHandler(t, nil)

	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithBasicAuth("test-client-id", "test-secret").
		WithForm(passwordForm("READ")).
		Do(th.routes)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	if got := rr.Header().Get("Cache-Control"); got != "no-store" {
		t.Errorf("Cache-Control = %q, want no-store", got)
	}
	if rr.Header().Get(security.RequestIDHeader) == "" {
		t.Error("missing request ID header")
	}

	body := decodeJSON(t, rr)
	if body["access_token"] == "" || body["refresh_token"] == nil {
		t.Errorf("missing tokens in %v", body)
	}
	if body["token_type"] != server.TokenTypeBearer {
		t.Errorf("token_type = %v", body["token_type"])
	}
	if body["scope"] != "READ" {
		t.Errorf("scope = %v, want READ", body["scope"])
	}
	if body["full_name"] != "Mock User" {
		t.Errorf("full_name = %v, want enhancer claim", body["full_name"])
	}
	if body["jti"] == nil || body["expires_in"] == nil {
		t.Errorf("missing jti or expires_in in %v", body)
	}
}

func TestHandler_ServeToken_FormClientAuth(t *testing.T) {
	th := setupTestHandler(t, nil)

	form := passwordForm("")
	form.Set("client_id", "test-client-id")
	form.Set("client_secret", "test-secret")

	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).WithForm(form).Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
}

func TestHandler_ServeToken_Errors(t *testing.T) {
	th := setupTestHandler(t, nil)

	withSecret := passwordForm("")
	withSecret.Set("client_secret", "test-secret")

	tests := []struct {
		name       string
		method     string
		user, pass string
		form       url.Values
		wantStatus int
		wantCode   string
	}{
		{"wrong method", http.MethodGet, "", "", nil, http.StatusMethodNotAllowed, ""},
		{"missing grant type", http.MethodPost, "test-client-id", "test-secret", url.Values{"username": {"user"}}, http.StatusBadRequest, server.ErrorCodeInvalidRequest},
		{"unknown grant type", http.MethodPost, "test-client-id", "test-secret", url.Values{"grant_type": {"device_code"}}, http.StatusBadRequest, server.ErrorCodeUnsupportedGrantType},
		{"bad client secret", http.MethodPost, "test-client-id", "wrong", passwordForm(""), http.StatusUnauthorized, server.ErrorCodeInvalidClient},
		{"unknown client", http.MethodPost, "nobody", "x", passwordForm(""), http.StatusUnauthorized, server.ErrorCodeInvalidClient},
		{"two auth methods", http.MethodPost, "test-client-id", "test-secret", withSecret, http.StatusBadRequest, server.ErrorCodeInvalidRequest},
		{"bad user credentials", http.MethodPost, "test-client-id", "test-secret", url.Values{
			"grant_type": {"password"}, "username": {"user"}, "password": {"nope"},
		}, http.StatusBadRequest, server.ErrorCodeInvalidGrant},
		{"scope escalation", http.MethodPost, "test-client-id", "test-secret", passwordForm("ADMIN"), http.StatusBadRequest, server.ErrorCodeInvalidScope},
		{"public client password grant", http.MethodPost, "test-public-client", "", passwordForm(""), http.StatusBadRequest, server.ErrorCodeUnauthorizedClient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(tt.method, TokenPath)
			if tt.user != "" {
				req.WithBasicAuth(tt.user, tt.pass)
			}
			if tt.form != nil {
				req.WithForm(tt.form)
			}
			rr := req.Do(th.routes)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantCode == "" {
				return
			}
			body := decodeJSON(t, rr)
			if body["error"] != tt.wantCode {
				t.Errorf("error = %v, want %s", body["error"], tt.wantCode)
			}
			if _, ok := body["access_token"]; ok {
				t.Error("error response must not carry a token")
			}
			if tt.wantStatus == http.StatusUnauthorized && rr.Header().Get("WWW-Authenticate") == "" {
				t.Error("401 responses must carry WWW-Authenticate")
			}
		})
	}
}

func TestHandler_ServeToken_ProviderUnavailable(t *testing.T) {
	th := setupTestHandler(t, nil)
	th.provider.AuthenticateFunc = func(context.Context, string, string) (*providers.Principal, error) {
		return nil, providers.ErrUnavailable
	}

	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithBasicAuth("test-client-id", "test-secret").
		WithForm(passwordForm("")).
		Do(th.routes)

	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rr.Code)
	}
	if rr.Header().Get("Retry-After") != "5" {
		t.Errorf("Retry-After = %q, want 5", rr.Header().Get("Retry-After"))
	}
	body := decodeJSON(t, rr)
	if body["error"] != server.ErrorCodeTemporarilyUnavailable {
		t.Errorf("error = %v", body["error"])
	}
	if strings.Contains(rr.Body.String(), providers.ErrUnavailable.Error()) {
		t.Error("internal error text leaked to the client")
	}
}

func TestHandler_ServeToken_ClientCredentials(t *testing.T) {
	th := setupTestHandler(t, nil)

	rr := testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithBasicAuth("test-client-id", "test-secret").
		WithForm(url.Values{"grant_type": {"client_credentials"}}).
		Do(th.routes)

	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	body := decodeJSON(t, rr)
	if _, ok := body["refresh_token"]; ok {
		t.Error("client_credentials must not issue a refresh token")
	}
	if body["scope"] != "READ WRITE" {
		t.Errorf("scope = %v, want the client's scopes", body["scope"])
	}

	raw, _ := body["access_token"].(string)
	claims, err := th.handler.server.Codec().Verify(context.Background(), raw)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "" {
		t.Errorf("sub = %q, want none", claims.Subject)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithBasicAuth("test-client-id", "test-secret").
		WithForm(url.Values{"grant_type": {"client_credentials"}, "scope": {"READ"}}).
		Do(th.routes)
	if body := decodeJSON(t, rr); body["scope"] != "READ" {
		t.Errorf("scope = %v, want READ", body["scope"])
	}
}

func TestHandler_RefreshRotation(t *testing.T) {
	th := setupTestHandler(t, nil)
	issued := issuePasswordToken(t, th)
	oldRefresh := issued["refresh_token"].(string)

	refresh := func() *httptest.ResponseRecorder {
		return testutil.NewHTTPRequest(http.MethodPost, TokenPath).
			WithBasicAuth("test-client-id", "test-secret").
			WithForm(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {oldRefresh}}).
			Do(th.routes)
	}

	rr := refresh()
	if rr.Code != http.StatusOK {
		t.Fatalf("first refresh status = %d, body %s", rr.Code, rr.Body.String())
	}
	if body := decodeJSON(t, rr); body["refresh_token"] == oldRefresh {
		t.Error("refresh token should rotate")
	}

	rr = refresh()
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("reused refresh status = %d, want 400", rr.Code)
	}
	if body := decodeJSON(t, rr); body["error"] != server.ErrorCodeInvalidGrant {
		t.Errorf("error = %v, want invalid_grant", body["error"])
	}
}

func TestClientCredentials(t *testing.T) {
	form := url.Values{"client_id": {"form-id"}, "client_secret": {"form-secret"}}

	r := httptest.NewRequest(http.MethodPost, TokenPath, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	_ = r.ParseForm()
	id, secret, err := clientCredentials(r)
	if err != nil || id != "form-id" || secret != "form-secret" {
		t.Errorf("form credentials = %q %q %v", id, secret, err)
	}

	r = httptest.NewRequest(http.MethodPost, TokenPath, nil)
	r.SetBasicAuth("my%20client", "p%40ss")
	_ = r.ParseForm()
	id, secret, err = clientCredentials(r)
	if err != nil || id != "my client" || secret != "p@ss" {
		t.Errorf("basic credentials = %q %q %v", id, secret, err)
	}
}
