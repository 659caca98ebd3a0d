package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/giantswarm/oauth-authserver/internal/testutil"
	"github.com/giantswarm/oauth-authserver/providers/mock"
	"github.com/giantswarm/oauth-authserver/storage"
)

const publicRedirect = "http://localhost:8082/callback"

// webadminClient is a public client that only uses the implicit grant.
func webadminClient() *storage.Client {
	return &storage.Client{
		ClientID:          "webadmin",
		ClientType:        storage.ClientTypePublic,
		GrantTypes:        []string{storage.GrantTypeImplicit},
		Scopes:            []string{"READ", "WRITE"},
		RedirectURIs:      []string{"http://localhost:8000/admin"},
		AutoApproveScopes: []string{"READ", "WRITE"},
	}
}

func codeRequest(challenge string) *AuthorizeRequest {
	return &AuthorizeRequest{
		ResponseType:        ResponseTypeCode,
		ClientID:            "test-public-client",
		RedirectURI:         publicRedirect,
		Scopes:              []string{"READ", "WRITE"},
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	}
}

// authorizeCode runs the authorization request through consent and returns the code.
func authorizeCode(t *testing.T, env *testEnv, req *AuthorizeRequest) string {
	t.Helper()
	ctx := context.Background()
	user := mock.DefaultPrincipal()

	resp, err := env.srv.Authorize(ctx, req, user)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if resp.Consent != nil {
		resp, err = env.srv.ApproveAuthorization(ctx, req, user, ApprovalDecision{Approved: true})
		if err != nil {
			t.Fatalf("ApproveAuthorization() error = %v", err)
		}
	}
	params := redirectParams(t, resp.RedirectURL, false)
	if params.Get("state") != req.State {
		t.Errorf("state = %q, want %q", params.Get("state"), req.State)
	}
	code := params.Get("code")
	if code == "" {
		t.Fatalf("no code in redirect %q", resp.RedirectURL)
	}
	return code
}

func exchangeCode(env *testEnv, code, verifier string) (*TokenResult, error) {
	return env.srv.Token(context.Background(), &TokenRequest{
		GrantType:    storage.GrantTypeAuthorizationCode,
		ClientID:     "test-public-client",
		Code:         code,
		RedirectURI:  publicRedirect,
		CodeVerifier: verifier,
	})
}

// The c2 scenario: a public client using the authorization code grant with PKCE.
func TestAuthorizationCodeFlow_PublicClientPKCE(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()

	code := authorizeCode(t, env, codeRequest(challenge))

	result, err := exchangeCode(env, code, verifier)
	if err != nil {
		t.Fatalf("code exchange error = %v", err)
	}
	claims, err := env.srv.Codec().Verify(ctx, result.AccessToken)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "mock-user-123" || claims.ClientID != "test-public-client" {
		t.Errorf("sub = %q client_id = %q", claims.Subject, claims.ClientID)
	}
	if result.RefreshToken == "" {
		t.Error("client allowed refresh_token should get a refresh token")
	}
}

func TestAuthorizationCode_ConsentRemembered(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	user := mock.DefaultPrincipal()
	challenge, _ := testutil.GeneratePKCEPair()
	req := codeRequest(challenge)

	resp, err := env.srv.Authorize(ctx, req, user)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if resp.Consent == nil {
		t.Fatal("first authorization should ask for consent")
	}
	if resp.Consent.RedirectURI != publicRedirect || len(resp.Consent.Scopes) != 2 {
		t.Errorf("unexpected consent prompt %+v", resp.Consent)
	}

	if _, err := env.srv.ApproveAuthorization(ctx, req, user, ApprovalDecision{
		Approved: true,
		Scopes:   map[string]bool{"READ": true, "WRITE": true},
	}); err != nil {
		t.Fatalf("ApproveAuthorization() error = %v", err)
	}

	resp, err = env.srv.Authorize(ctx, req, user)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if resp.Consent != nil || resp.RedirectURL == "" {
		t.Error("approved scopes should not prompt again")
	}

	if err := env.srv.RevokeApprovals(ctx, user.UserID, req.ClientID); err != nil {
		t.Fatalf("RevokeApprovals() error = %v", err)
	}
	resp, err = env.srv.Authorize(ctx, req, user)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if resp.Consent == nil {
		t.Error("revoked approvals should prompt again")
	}
}

func TestAuthorizationCode_ConsentExpires(t *testing.T) {
	env := newTestEnv(t, &Config{ApprovalTTL: 60})
	clock := testutil.NewMockTime(time.Now())
	env.srv.SetClock(clock.Now)
	ctx := context.Background()
	user := mock.DefaultPrincipal()
	challenge, _ := testutil.GeneratePKCEPair()
	req := codeRequest(challenge)

	if _, err := env.srv.ApproveAuthorization(ctx, req, user, ApprovalDecision{Approved: true}); err != nil {
		t.Fatalf("ApproveAuthorization() error = %v", err)
	}

	clock.Advance(62 * time.Second)
	resp, err := env.srv.Authorize(ctx, req, user)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if resp.Consent != nil {
		t.Error("approval inside the clock skew grace period should still count")
	}

	clock.Advance(10 * time.Second)
	resp, err = env.srv.Authorize(ctx, req, user)
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if resp.Consent == nil {
		t.Error("expired approval should prompt again")
	}
}

func TestApproveAuthorization_PartialAndDenied(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	user := mock.DefaultPrincipal()
	challenge, verifier := testutil.GeneratePKCEPair()
	req := codeRequest(challenge)

	resp, err := env.srv.ApproveAuthorization(ctx, req, user, ApprovalDecision{
		Approved: true,
		Scopes:   map[string]bool{"READ": true, "WRITE": false},
	})
	if err != nil {
		t.Fatalf("ApproveAuthorization() error = %v", err)
	}
	code := redirectParams(t, resp.RedirectURL, false).Get("code")
	result, err := exchangeCode(env, code, verifier)
	if err != nil {
		t.Fatalf("code exchange error = %v", err)
	}
	if len(result.Scopes) != 1 || result.Scopes[0] != "READ" {
		t.Errorf("Scopes = %v, want [READ]", result.Scopes)
	}

	_, err = env.srv.ApproveAuthorization(ctx, req, user, ApprovalDecision{Approved: false})
	var aerr *AuthorizeError
	if !errors.As(err, &aerr) {
		t.Fatalf("error = %v, want *AuthorizeError", err)
	}
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("error = %v, want access_denied", err)
	}
	params := redirectParams(t, aerr.RedirectURL(), false)
	if params.Get("error") != ErrorCodeAccessDenied || params.Get("state") != "xyz" {
		t.Errorf("error redirect = %q", aerr.RedirectURL())
	}
}

func TestAuthorizationCode_ConcurrentRedemption(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorizeCode(t, env, codeRequest(challenge))

	const attempts = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
	)
	for range attempts {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := exchangeCode(env, code, verifier); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("successful redemptions = %d, want exactly 1", successes)
	}
}

func TestAuthorizationCode_ReuseRevokesTokens(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorizeCode(t, env, codeRequest(challenge))

	result, err := exchangeCode(env, code, verifier)
	if err != nil {
		t.Fatalf("first exchange error = %v", err)
	}
	_, err = exchangeCode(env, code, verifier)
	requireGrantError(t, err, ErrInvalidGrant, StateGrantDispatched)

	resp, err := env.srv.Introspect(ctx, result.AccessToken, "")
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if resp.Active {
		t.Error("access token issued from a reused code should be revoked")
	}
	if _, err := env.store.GetRefreshToken(ctx, result.RefreshToken); err == nil {
		t.Error("refresh token issued from a reused code should be revoked")
	}
}

func TestAuthorizationCode_PKCEFailures(t *testing.T) {
	tests := []struct {
		name     string
		verifier func(good string) string
	}{
		{"wrong verifier", func(string) string { return strings.Repeat("a", 50) }},
		{"missing verifier", func(string) string { return "" }},
		{"too short", func(good string) string { return good[:20] }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, nil)
			challenge, verifier := testutil.GeneratePKCEPair()
			code := authorizeCode(t, env, codeRequest(challenge))

			_, err := exchangeCode(env, code, tt.verifier(verifier))
			requireGrantError(t, err, ErrInvalidGrant, StateGrantDispatched)
		})
	}
}

func TestAuthorizationCode_RedirectMismatch(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorizeCode(t, env, codeRequest(challenge))

	_, err := env.srv.Token(context.Background(), &TokenRequest{
		GrantType:    storage.GrantTypeAuthorizationCode,
		ClientID:     "test-public-client",
		Code:         code,
		RedirectURI:  "http://localhost:8082/other",
		CodeVerifier: verifier,
	})
	requireGrantError(t, err, ErrInvalidGrant, StateGrantDispatched)
}

func TestAuthorizationCode_WrongClientLooksUnknown(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()
	code := authorizeCode(t, env, codeRequest(challenge))

	exchange := func(code string) *Error {
		_, err := env.srv.Token(context.Background(), &TokenRequest{
			GrantType:    storage.GrantTypeAuthorizationCode,
			ClientID:     "test-client-id",
			ClientSecret: "test-secret",
			Code:         code,
			RedirectURI:  publicRedirect,
			CodeVerifier: verifier,
		})
		requireGrantError(t, err, ErrInvalidGrant, StateGrantDispatched)
		return AsError(err)
	}

	stolen := exchange(code)
	unknown := exchange("no-such-code")
	if stolen.Description != unknown.Description {
		t.Errorf("Description = %q, want %q", stolen.Description, unknown.Description)
	}
	if stolen.Description != "invalid authorization code" {
		t.Errorf("Description = %q", stolen.Description)
	}
}

func TestAuthorizationCode_Expired(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	code := testutil.GenerateTestAuthorizationCode()
	code.CreatedAt = time.Now().Add(-time.Hour)
	code.ExpiresAt = time.Now().Add(-30 * time.Minute)
	if err := env.store.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	_, err := env.srv.Token(ctx, &TokenRequest{
		GrantType:    storage.GrantTypeAuthorizationCode,
		ClientID:     "test-client-id",
		ClientSecret: "test-secret",
		Code:         code.Code,
		RedirectURI:  code.RedirectURI,
	})
	requireGrantError(t, err, ErrInvalidGrant, StateGrantDispatched)
}

func TestAuthorize_Errors(t *testing.T) {
	env := newTestEnv(t, nil, webadminClient())
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name         string
		mutate       func(r *AuthorizeRequest)
		kind         *Error
		wantRedirect bool
	}{
		{"unknown client", func(r *AuthorizeRequest) { r.ClientID = "ghost" }, ErrInvalidClient, false},
		{"unregistered redirect", func(r *AuthorizeRequest) { r.RedirectURI = "https://evil.example.com/cb" }, ErrInvalidRequest, false},
		{"unsupported response type", func(r *AuthorizeRequest) { r.ResponseType = "id_token" }, ErrUnsupportedResponseType, true},
		{"missing challenge for public client", func(r *AuthorizeRequest) {
			r.CodeChallenge = ""
			r.CodeChallengeMethod = ""
		}, ErrInvalidRequest, true},
		{"plain PKCE disabled", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "plain" }, ErrInvalidRequest, true},
		{"unknown PKCE method", func(r *AuthorizeRequest) { r.CodeChallengeMethod = "S512" }, ErrInvalidRequest, true},
		{"scope outside client", func(r *AuthorizeRequest) { r.Scopes = []string{"ADMIN"} }, ErrInvalidScope, true},
		{"implicit not registered", func(r *AuthorizeRequest) { r.ClientID = "webadmin"; r.RedirectURI = ""; r.ResponseType = ResponseTypeCode }, ErrUnauthorizedClient, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := codeRequest(challenge)
			tt.mutate(req)

			_, err := env.srv.Authorize(context.Background(), req, mock.DefaultPrincipal())
			var aerr *AuthorizeError
			if !errors.As(err, &aerr) {
				t.Fatalf("error = %v, want *AuthorizeError", err)
			}
			if !errors.Is(err, tt.kind) {
				t.Errorf("error = %v, want %s", err, tt.kind.Code())
			}
			if got := aerr.RedirectURL() != ""; got != tt.wantRedirect {
				t.Errorf("redirect = %q, wantRedirect %v", aerr.RedirectURL(), tt.wantRedirect)
			}
		})
	}
}

func TestAuthorize_CaseInsensitivePKCEMethod(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()
	req := codeRequest(challenge)
	req.CodeChallengeMethod = "s256"

	code := authorizeCode(t, env, req)
	if _, err := exchangeCode(env, code, verifier); err != nil {
		t.Fatalf("code exchange error = %v", err)
	}
}

func TestAuthorize_PlainPKCEWhenAllowed(t *testing.T) {
	env := newTestEnv(t, &Config{AllowPKCEPlain: true})
	verifier := testutil.GenerateRandomString(48)
	req := codeRequest(verifier)
	req.CodeChallengeMethod = "PLAIN"

	code := authorizeCode(t, env, req)
	if _, err := exchangeCode(env, code, verifier); err != nil {
		t.Fatalf("code exchange error = %v", err)
	}
}

func TestAuthorize_DefaultRedirectURI(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, verifier := testutil.GeneratePKCEPair()
	req := codeRequest(challenge)
	req.RedirectURI = ""

	code := authorizeCode(t, env, req)

	// redirect_uri was omitted, so the token request need not repeat it.
	_, err := env.srv.Token(context.Background(), &TokenRequest{
		GrantType:    storage.GrantTypeAuthorizationCode,
		ClientID:     "test-public-client",
		Code:         code,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("code exchange error = %v", err)
	}
}

func TestAuthorize_Implicit(t *testing.T) {
	env := newTestEnv(t, nil, webadminClient())
	ctx := context.Background()

	resp, err := env.srv.Authorize(ctx, &AuthorizeRequest{
		ResponseType: ResponseTypeToken,
		ClientID:     "webadmin",
		State:        "st",
	}, mock.DefaultPrincipal())
	if err != nil {
		t.Fatalf("Authorize() error = %v", err)
	}
	if !strings.HasPrefix(resp.RedirectURL, "http://localhost:8000/admin#") {
		t.Fatalf("RedirectURL = %q, want fragment response", resp.RedirectURL)
	}
	params := redirectParams(t, resp.RedirectURL, true)
	if params.Get("token_type") != TokenTypeBearer || params.Get("state") != "st" {
		t.Errorf("fragment = %v", params)
	}
	if params.Get("refresh_token") != "" {
		t.Error("implicit grant must not issue a refresh token")
	}
	claims, err := env.srv.Codec().Verify(ctx, params.Get("access_token"))
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if claims.Subject != "mock-user-123" {
		t.Errorf("sub = %q", claims.Subject)
	}
}

func TestAuthorize_ImplicitConfidentialClient(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.srv.Authorize(context.Background(), &AuthorizeRequest{
		ResponseType: ResponseTypeToken,
		ClientID:     "test-client-id",
		State:        "st",
	}, mock.DefaultPrincipal())
	var aerr *AuthorizeError
	if !errors.As(err, &aerr) || !errors.Is(err, ErrUnauthorizedClient) {
		t.Fatalf("error = %v, want unauthorized_client", err)
	}
	if !aerr.Fragment {
		t.Error("implicit errors are returned in the fragment")
	}
}

func TestAuthorize_Unauthenticated(t *testing.T) {
	env := newTestEnv(t, nil)
	challenge, _ := testutil.GeneratePKCEPair()

	_, err := env.srv.Authorize(context.Background(), codeRequest(challenge), nil)
	if !errors.Is(err, ErrAccessDenied) {
		t.Errorf("error = %v, want access_denied", err)
	}
}
