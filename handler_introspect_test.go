package authserver

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/server"
)

func TestHandler_ServeTokenIntrospection_PermitAll(t *testing.T) {
	th := setupTestHandler(t, nil)
	issued := issuePasswordToken(t, th)

	for _, path := range []string{CheckTokenPath, IntrospectPath} {
		t.Run(path, func(t *testing.T) {
			rr := testutil.NewHTTPRequest(http.MethodPost, path).
				WithForm(url.Values{"token": {issued["access_token"].(string)}}).
				Do(th.routes)
			if rr.Code != http.StatusOK {
				t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
			}
			body := decodeJSON(t, rr)
			if body["active"] != true || body["client_id"] != "test-client-id" || body["sub"] != "mock-user-123" {
				t.Errorf("unexpected introspection %v", body)
			}
		})
	}

	rr := testutil.NewHTTPRequest(http.MethodPost, CheckTokenPath).
		WithForm(url.Values{"token": {"not-a-token"}}).
		Do(th.routes)
	if rr.Code != http.StatusOK || rr.Body.String() != "{\"active\":false}\n" {
		t.Errorf("unknown token: status = %d, body %q", rr.Code, rr.Body.String())
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, CheckTokenPath).WithForm(url.Values{}).Do(th.routes)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("missing token: status = %d, want 400", rr.Code)
	}
}

func TestHandler_ServeTokenIntrospection_Authenticated(t *testing.T) {
	th := setupTestHandler(t, &server.Config{IntrospectionAccess: server.IntrospectionAuthenticated})
	issued := issuePasswordToken(t, th)
	form := url.Values{"token": {issued["access_token"].(string)}}

	tests := []struct {
		name       string
		user, pass string
		wantStatus int
	}{
		{"anonymous", "", "", http.StatusUnauthorized},
		{"introspection client", "checktoken", "check123", http.StatusOK},
		{"wrong secret", "checktoken", "nope", http.StatusUnauthorized},
		{"public client", "test-public-client", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(http.MethodPost, CheckTokenPath).WithForm(form)
			if tt.user != "" {
				req.WithBasicAuth(tt.user, tt.pass)
			}
			rr := req.Do(th.routes)
			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantStatus == http.StatusUnauthorized {
				if body := decodeJSON(t, rr); body["error"] != server.ErrorCodeInvalidClient {
					t.Errorf("error = %v, want invalid_client", body["error"])
				}
			}
		})
	}
}

func TestHandler_ServeTokenRevocation(t *testing.T) {
	th := setupTestHandler(t, nil)
	issued := issuePasswordToken(t, th)
	refresh := issued["refresh_token"].(string)

	// Another client's revocation is accepted but has no effect.
	rr := testutil.NewHTTPRequest(http.MethodPost, RevokePath).
		WithBasicAuth("test-public-client", "").
		WithForm(url.Values{"token": {refresh}}).
		Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("foreign revoke status = %d", rr.Code)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, RevokePath).
		WithBasicAuth("test-client-id", "test-secret").
		WithForm(url.Values{"token": {refresh}, "token_type_hint": {"refresh_token"}}).
		Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("revoke status = %d, body %s", rr.Code, rr.Body.String())
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, TokenPath).
		WithBasicAuth("test-client-id", "test-secret").
		WithForm(url.Values{"grant_type": {"refresh_token"}, "refresh_token": {refresh}}).
		Do(th.routes)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("refresh after revocation: status = %d, want 400", rr.Code)
	}

	rr = testutil.NewHTTPRequest(http.MethodPost, IntrospectPath).
		WithForm(url.Values{"token": {issued["access_token"].(string)}}).
		Do(th.routes)
	if body := decodeJSON(t, rr); body["active"] != false {
		t.Errorf("access token of revoked family should be inactive, got %v", body)
	}
}

func TestHandler_ServeTokenRevocation_Errors(t *testing.T) {
	th := setupTestHandler(t, nil)

	tests := []struct {
		name       string
		method     string
		user, pass string
		form       url.Values
		wantStatus int
	}{
		{"wrong method", http.MethodGet, "", "", nil, http.StatusMethodNotAllowed},
		{"no client", http.MethodPost, "", "", url.Values{"token": {"x"}}, http.StatusUnauthorized},
		{"bad secret", http.MethodPost, "test-client-id", "wrong", url.Values{"token": {"x"}}, http.StatusUnauthorized},
		{"missing token", http.MethodPost, "test-client-id", "test-secret", url.Values{}, http.StatusBadRequest},
		{"unknown token", http.MethodPost, "test-client-id", "test-secret", url.Values{"token": {"x"}, "token_type_hint": {"id_token"}}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := testutil.NewHTTPRequest(tt.method, RevokePath)
			if tt.user != "" {
				req.WithBasicAuth(tt.user, tt.pass)
			}
			if tt.form != nil {
				req.WithForm(tt.form)
			}
			if rr := req.Do(th.routes); rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
		})
	}
}
