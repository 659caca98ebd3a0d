package authserver

import (
	"context"
	"net/http"
	"net/url"
	"testing"

	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/server"
)

const publicRedirect = "http://localhost:8082/callback"

func authorizeParams(challenge string) url.Values {
	params := url.Values{
		"response_type": {"code"},
		"client_id":     {"test-public-client"},
		"redirect_uri":  {publicRedirect},
		"scope":         {"READ WRITE"},
		"state":         {"xyz"},
	}
	if challenge != "" {
		params.Set("code_challenge", challenge)
		params.Set("code_challenge_method", "S256")
	}
	return params
}

func locationParams(t *testing.T, location string, fragment bool) url.Values {
	t.Helper()
	u, err := url.Parse(location)
	if err != nil {
		t.Fatalf("parse Location %q: %v", location, err)
	}
	raw := u.RawQuery
	if fragment {
		raw = u.Fragment
	}
	params, err := url.ParseQuery(raw)
	if err != nil {
		t.Fatalf("parse params of %q: %v", location, err)
	}
	return params
}

func TestHandler_AuthorizationCodeFlow(t *testing.T) {
	th := setupTestHandler(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()
	params := authorizeParams(challenge)

	// First visit asks for consent.
	rr := testutil.NewHTTPRequest(http.MethodGet, AuthorizePath+"?"+params.Encode()).
		WithBasicAuth("user", "password").
		Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("authorize status = %d, body %s", rr.Code, rr.Body.String())
	}
	prompt := decodeJSON(t, rr)
	if prompt["client_id"] != "test-public-client" || prompt["redirect_uri"] != publicRedirect {
		t.Errorf("unexpected consent prompt %v", prompt)
	}

	// Approve only READ.
	form := authorizeParams(challenge)
	form.Set("user_oauth_approval", "true")
	form.Set("scope.READ", "true")
	form.Set("scope.WRITE", "false")
	rr = testutil.NewHTTPRequest(http.MethodPost, AuthorizePath).
		WithBasicAuth("user", "password").
		WithForm(form).
		Do(th.routes)
	if rr.Code != http.StatusFound {
		t.Fatalf("approval status = %d, body %s", rr.Code, rr.Body.String())
	}
	redirect := locationParams(t, rr.Header().Get("Location"), false)
	if redirect.Get("state") != "xyz" || redirect.Get("code") == "" {
		t.Fatalf("unexpected redirect %s", rr.Header().Get("Location"))
	}

	exchange := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {"test-public-client"},
		"code":          {redirect.Get("code")},
		"redirect_uri":  {publicRedirect},
		"code_verifier": {verifier},
	}
	rr = testutil.NewHTTPRequest(http.MethodPost, TokenPath).WithForm(exchange).Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Fatalf("token status = %d, body %s", rr.Code, rr.Body.String())
	}
	if body := decodeJSON(t, rr); body["scope"] != "READ" {
		t.Errorf("scope = %v, want READ", body["scope"])
	}

	// The code is single use.
	rr = testutil.NewHTTPRequest(http.MethodPost, TokenPath).WithForm(exchange).Do(th.routes)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("second exchange status = %d, want 400", rr.Code)
	}

	// READ is remembered, WRITE is still asked for.
	rr = testutil.NewHTTPRequest(http.MethodGet, AuthorizePath+"?"+params.Encode()).
		WithBasicAuth("user", "password").
		Do(th.routes)
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want a consent prompt for WRITE", rr.Code)
	}
	read := authorizeParams(challenge)
	read.Set("scope", "READ")
	rr = testutil.NewHTTPRequest(http.MethodGet, AuthorizePath+"?"+read.Encode()).
		WithBasicAuth("user", "password").
		Do(th.routes)
	if rr.Code != http.StatusFound {
		t.Errorf("status = %d, want an immediate redirect for approved READ", rr.Code)
	}
}

func TestHandler_ServeAuthorization_Denied(t *testing.T) {
	th := setupTestHandler(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	form := authorizeParams(challenge)
	form.Set("user_oauth_approval", "false")
	rr := testutil.NewHTTPRequest(http.MethodPost, AuthorizePath).
		WithBasicAuth("user", "password").
		WithForm(form).
		Do(th.routes)

	if rr.Code != http.StatusFound {
		t.Fatalf("status = %d, body %s", rr.Code, rr.Body.String())
	}
	params := locationParams(t, rr.Header().Get("Location"), false)
	if params.Get("error") != server.ErrorCodeAccessDenied || params.Get("state") != "xyz" {
		t.Errorf("unexpected redirect %s", rr.Header().Get("Location"))
	}
}

func TestHandler_ServeAuthorization_Errors(t *testing.T) {
	th := setupTestHandler(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	with := func(mutate func(url.Values)) url.Values {
		p := authorizeParams(challenge)
		mutate(p)
		return p
	}

	tests := []struct {
		name         string
		params       url.Values
		wantStatus   int
		wantError    string
		wantRedirect bool
	}{
		{"unknown client", with(func(p url.Values) { p.Set("client_id", "nobody") }), http.StatusBadRequest, server.ErrorCodeInvalidClient, false},
		{"missing client", with(func(p url.Values) { p.Del("client_id") }), http.StatusBadRequest, server.ErrorCodeInvalidRequest, false},
		{"unregistered redirect", with(func(p url.Values) { p.Set("redirect_uri", "https://evil.example.com/cb") }), http.StatusBadRequest, server.ErrorCodeInvalidRequest, false},
		{"unsupported response type", with(func(p url.Values) { p.Set("response_type", "id_token") }), http.StatusFound, server.ErrorCodeUnsupportedResponseType, true},
		{"missing PKCE for public client", with(func(p url.Values) {
			p.Del("code_challenge")
			p.Del("code_challenge_method")
		}), http.StatusFound, server.ErrorCodeInvalidRequest, true},
		{"scope escalation", with(func(p url.Values) { p.Set("scope", "ADMIN") }), http.StatusFound, server.ErrorCodeInvalidScope, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := testutil.NewHTTPRequest(http.MethodGet, AuthorizePath+"?"+tt.params.Encode()).
				WithBasicAuth("user", "password").
				Do(th.routes)

			if rr.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d (body %s)", rr.Code, tt.wantStatus, rr.Body.String())
			}
			if tt.wantRedirect {
				params := locationParams(t, rr.Header().Get("Location"), false)
				if params.Get("error") != tt.wantError {
					t.Errorf("error = %q, want %q", params.Get("error"), tt.wantError)
				}
				return
			}
			if rr.Header().Get("Location") != "" {
				t.Error("must not redirect to an untrusted target")
			}
			if body := decodeJSON(t, rr); body["error"] != tt.wantError {
				t.Errorf("error = %v, want %s", body["error"], tt.wantError)
			}
		})
	}
}

func TestHandler_ServeAuthorization_Authentication(t *testing.T) {
	th := setupTestHandler(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()
	target := AuthorizePath + "?" + authorizeParams(challenge).Encode()

	rr := testutil.NewHTTPRequest(http.MethodGet, target).Do(th.routes)
	if rr.Code != http.StatusUnauthorized || rr.Header().Get("WWW-Authenticate") == "" {
		t.Errorf("anonymous: status = %d, WWW-Authenticate = %q", rr.Code, rr.Header().Get("WWW-Authenticate"))
	}

	rr = testutil.NewHTTPRequest(http.MethodGet, target).WithBasicAuth("user", "wrong").Do(th.routes)
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("bad password: status = %d, want 401", rr.Code)
	}

	th.provider.AuthenticateFunc = func(context.Context, string, string) (*providers.Principal, error) {
		return nil, providers.ErrUnavailable
	}
	rr = testutil.NewHTTPRequest(http.MethodGet, target).WithBasicAuth("user", "password").Do(th.routes)
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("provider down: status = %d, want 503", rr.Code)
	}

	rr = testutil.NewHTTPRequest(http.MethodPut, target).Do(th.routes)
	if rr.Code != http.StatusMethodNotAllowed {
		t.Errorf("PUT: status = %d, want 405", rr.Code)
	}
}

func TestHandler_ServeAuthorization_NoUserAuthenticator(t *testing.T) {
	th := setupTestHandler(t, nil)
	h := NewHandler(th.handler.server, nil, nil)

	rr := testutil.NewHTTPRequest(http.MethodGet, AuthorizePath+"?client_id=test-public-client").
		WithBasicAuth("user", "password").
		Do(h.Routes())
	if rr.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rr.Code)
	}
}

func TestApprovalDecision(t *testing.T) {
	tests := []struct {
		name         string
		form         url.Values
		wantApproved bool
		wantScopes   map[string]bool
	}{
		{"approve all", url.Values{"user_oauth_approval": {"true"}}, true, nil},
		{"deny", url.Values{"user_oauth_approval": {"false"}}, false, nil},
		{"per scope", url.Values{
			"user_oauth_approval": {"true"},
			"scope.READ":          {"true"},
			"scope.WRITE":         {"false"},
			"scope":               {"READ WRITE"},
		}, true, map[string]bool{"READ": true, "WRITE": false}},
		{"case insensitive", url.Values{"user_oauth_approval": {"TRUE"}, "scope.READ": {"True"}}, true, map[string]bool{"READ": true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := approvalDecision(tt.form)
			if d.Approved != tt.wantApproved {
				t.Errorf("Approved = %v, want %v", d.Approved, tt.wantApproved)
			}
			if len(d.Scopes) != len(tt.wantScopes) {
				t.Fatalf("Scopes = %v, want %v", d.Scopes, tt.wantScopes)
			}
			for k, v := range tt.wantScopes {
				if d.Scopes[k] != v {
					t.Errorf("Scopes[%s] = %v, want %v", k, d.Scopes[k], v)
				}
			}
		})
	}
}
