package server

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strconv"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/providers"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/storage"
)

// Authorization endpoint response types (RFC 6749 Section 3.1.1)
const (
	ResponseTypeCode  = "code"
	ResponseTypeToken = "token"
)

// AuthorizeRequest holds the parameters of an authorization request.
type AuthorizeRequest struct {
	ResponseType string
	ClientID     string
	// RedirectURI is the redirect_uri parameter as sent; empty if omitted.
	RedirectURI         string
	Scopes              []string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
	ClientIP            string
}

// AuthorizeResponse is the outcome of an authorization request: either a
// redirect back to the client or a consent prompt for the user.
type AuthorizeResponse struct {
	RedirectURL string
	Consent     *ConsentPrompt
}

// ConsentPrompt asks the user to approve scopes for a client.
type ConsentPrompt struct {
	ClientID     string   `json:"client_id"`
	ClientName   string   `json:"client_name,omitempty"`
	ResponseType string   `json:"response_type"`
	RedirectURI  string   `json:"redirect_uri"`
	State        string   `json:"state,omitempty"`
	Scopes       []string `json:"scopes"`
}

// AuthorizeError is an authorization endpoint error. When RedirectURI is set
// the error is reported to the client by redirect; otherwise it is shown to
// the user agent directly because the redirect target could not be trusted.
type AuthorizeError struct {
	Err         *Error
	RedirectURI string
	State       string
	Fragment    bool
}

func (e *AuthorizeError) Error() string {
	return e.Err.Error()
}

// Unwrap returns the underlying *Error.
func (e *AuthorizeError) Unwrap() error {
	return e.Err
}

// RedirectURL returns the client redirect carrying the error, or "" when the
// error must not be redirected.
func (e *AuthorizeError) RedirectURL() string {
	if e.RedirectURI == "" {
		return ""
	}
	v := url.Values{}
	v.Set("error", e.Err.Code())
	if desc := e.Err.PublicDescription(); desc != "" {
		v.Set("error_description", desc)
	}
	if e.State != "" {
		v.Set("state", e.State)
	}
	return buildRedirect(e.RedirectURI, v, e.Fragment)
}

// authorizeContext is a validated authorization request.
type authorizeContext struct {
	req         *AuthorizeRequest
	client      *storage.Client
	redirectURI string // resolved target
	scopes      []string
	pkceMethod  string
}

func (a *authorizeContext) fail(err *Error) *AuthorizeError {
	return &AuthorizeError{
		Err:         err,
		RedirectURI: a.redirectURI,
		State:       a.req.State,
		Fragment:    a.req.ResponseType == ResponseTypeToken,
	}
}

// Authorize processes an authorization request for an authenticated user. It
// returns a redirect when the scopes are already approved and a consent prompt
// otherwise. Errors are *AuthorizeError.
func (s *Server) Authorize(ctx context.Context, req *AuthorizeRequest, user *providers.Principal) (*AuthorizeResponse, error) {
	ctx, span := s.startSpan(ctx, "oauth.authorize")
	defer span.End()

	ac, verr := s.validateAuthorizeRequest(ctx, req, user)
	if verr != nil {
		instrumentation.RecordError(span, verr)
		s.recordAuthorizeResult(ctx, req.ResponseType, "error")
		return nil, verr
	}
	instrumentation.AddOAuthFlowAttributes(span, ac.client.ClientID, user.UserID, util.FormatScope(ac.scopes))

	approved, err := s.isApproved(ctx, user.UserID, ac.client, ac.scopes)
	if err != nil {
		s.recordAuthorizeResult(ctx, req.ResponseType, "error")
		return nil, ac.fail(newError(KindServerError, "approval lookup failed", err))
	}
	if !approved {
		s.recordAuthorizeResult(ctx, req.ResponseType, "consent_required")
		return &AuthorizeResponse{Consent: &ConsentPrompt{
			ClientID:     ac.client.ClientID,
			ClientName:   ac.client.ClientName,
			ResponseType: req.ResponseType,
			RedirectURI:  ac.redirectURI,
			State:        req.State,
			Scopes:       slices.Clone(ac.scopes),
		}}, nil
	}

	return s.completeAuthorization(ctx, ac, user, ac.scopes)
}

func (s *Server) validateAuthorizeRequest(ctx context.Context, req *AuthorizeRequest, user *providers.Principal) (*authorizeContext, *AuthorizeError) {
	noRedirect := func(err *Error) *AuthorizeError { return &AuthorizeError{Err: err} }

	if user == nil || user.UserID == "" {
		return nil, noRedirect(newError(KindAccessDenied, "user is not authenticated", nil))
	}
	if req.ClientID == "" {
		return nil, noRedirect(invalidRequest("client_id is required"))
	}
	client, err := s.clientStore.GetClient(ctx, req.ClientID)
	if err != nil {
		if errors.Is(err, storage.ErrClientNotFound) {
			return nil, noRedirect(newError(KindInvalidClient, "unknown client", err))
		}
		return nil, noRedirect(newError(KindServerError, "client lookup failed", err))
	}

	redirectURI, rerr := resolveRedirectURI(client, req.RedirectURI)
	if rerr != nil {
		if s.allowSecurityEvent(req.ClientIP) {
			s.Auditor.LogEvent(ctx, security.Event{
				Type:      security.EventInvalidRedirect,
				UserID:    user.UserID,
				ClientID:  client.ClientID,
				IPAddress: req.ClientIP,
				Details:   map[string]any{"stage": "authorize"},
			})
		}
		return nil, noRedirect(rerr)
	}

	ac := &authorizeContext{req: req, client: client, redirectURI: redirectURI}

	switch req.ResponseType {
	case ResponseTypeCode:
		if !client.SupportsGrant(storage.GrantTypeAuthorizationCode) {
			return nil, ac.fail(newError(KindUnauthorizedClient, "client may not use the authorization code grant", nil))
		}
	case ResponseTypeToken:
		if !client.SupportsGrant(storage.GrantTypeImplicit) || !client.IsPublic() {
			return nil, ac.fail(newError(KindUnauthorizedClient, "client may not use the implicit grant", nil))
		}
	case "":
		return nil, ac.fail(invalidRequest("response_type is required"))
	default:
		return nil, ac.fail(newError(KindUnsupportedResponseType,
			fmt.Sprintf("unsupported response type: %s", req.ResponseType), nil))
	}

	scopes := req.Scopes
	if scopes == nil {
		scopes = client.Scopes
	}
	if !client.AllowsScopes(scopes) {
		s.auditScopeEscalation(ctx, user.UserID, client.ClientID, req.ClientIP, scopes)
		return nil, ac.fail(newError(KindInvalidScope, "requested scope exceeds client scope", nil))
	}
	if len(user.Scopes) > 0 {
		scopes = util.Intersect(scopes, user.Scopes)
	}
	if len(scopes) == 0 {
		return nil, ac.fail(newError(KindInvalidScope, "no grantable scope", nil))
	}
	ac.scopes = scopes

	if req.ResponseType == ResponseTypeCode {
		method, perr := s.validateCodeChallenge(req.CodeChallenge, req.CodeChallengeMethod)
		if perr != nil {
			return nil, ac.fail(AsError(perr))
		}
		if method == "" && client.IsPublic() {
			if s.allowSecurityEvent(req.ClientIP) {
				s.Auditor.LogEvent(ctx, security.Event{
					Type:      security.EventPKCERequiredForPublicClient,
					UserID:    user.UserID,
					ClientID:  client.ClientID,
					IPAddress: req.ClientIP,
				})
			}
			return nil, ac.fail(invalidRequest("public clients must send a code_challenge"))
		}
		ac.pkceMethod = method
	}
	return ac, nil
}

// resolveRedirectURI picks the redirect target. An omitted redirect_uri is
// only allowed when the client registered exactly one; a given one must match
// a registered URI exactly.
func resolveRedirectURI(client *storage.Client, requested string) (string, *Error) {
	if requested == "" {
		if len(client.RedirectURIs) != 1 {
			return "", invalidRequest("redirect_uri is required")
		}
		return client.RedirectURIs[0], nil
	}
	if !client.HasRedirectURI(requested) {
		return "", invalidRequest("redirect_uri is not registered for this client")
	}
	return requested, nil
}

// completeAuthorization issues the code or implicit token for approved scopes.
func (s *Server) completeAuthorization(ctx context.Context, ac *authorizeContext, user *providers.Principal, scopes []string) (*AuthorizeResponse, error) {
	req := ac.req
	switch req.ResponseType {
	case ResponseTypeToken:
		result, err := s.issueTokens(ctx, issueParams{
			grantType:  storage.GrantTypeImplicit,
			client:     ac.client,
			userID:     user.UserID,
			userClaims: user.Attributes,
			scopes:     scopes,
		})
		if err != nil {
			s.recordAuthorizeResult(ctx, req.ResponseType, "error")
			return nil, ac.fail(AsError(err))
		}
		v := url.Values{}
		v.Set("access_token", result.AccessToken)
		v.Set("token_type", result.TokenType)
		v.Set("expires_in", strconv.FormatInt(result.ExpiresIn, 10))
		v.Set("scope", util.FormatScope(result.Scopes))
		v.Set("jti", result.TokenID)
		if req.State != "" {
			v.Set("state", req.State)
		}
		s.recordAuthorizeResult(ctx, req.ResponseType, "token_issued")
		if s.metrics != nil {
			s.metrics.RecordGrantIssued(ctx, storage.GrantTypeImplicit, ac.client.ClientID)
		}
		return &AuthorizeResponse{RedirectURL: buildRedirect(ac.redirectURI, v, true)}, nil

	default:
		now := s.now()
		code := &storage.AuthorizationCode{
			Code:                generateRandomToken(),
			RedirectURI:         req.RedirectURI,
			ClientID:            ac.client.ClientID,
			Scopes:              slices.Clone(scopes),
			UserID:              user.UserID,
			UserClaims:          user.Attributes,
			CodeChallenge:       req.CodeChallenge,
			CodeChallengeMethod: ac.pkceMethod,
			CreatedAt:           now,
			ExpiresAt:           now.Add(seconds(s.Config.AuthorizationCodeTTL)),
		}
		if err := s.codeStore.SaveAuthorizationCode(ctx, code); err != nil {
			s.recordAuthorizeResult(ctx, req.ResponseType, "error")
			return nil, ac.fail(newError(KindServerError, "failed to store authorization code", err))
		}
		s.Auditor.LogEvent(ctx, security.Event{
			Type:      security.EventAuthorizationCodeIssued,
			UserID:    user.UserID,
			ClientID:  ac.client.ClientID,
			IPAddress: req.ClientIP,
			Details: map[string]any{
				"scope": util.FormatScope(scopes),
				"pkce":  ac.pkceMethod,
			},
		})
		v := url.Values{}
		v.Set("code", code.Code)
		if req.State != "" {
			v.Set("state", req.State)
		}
		s.recordAuthorizeResult(ctx, req.ResponseType, "code_issued")
		return &AuthorizeResponse{RedirectURL: buildRedirect(ac.redirectURI, v, false)}, nil
	}
}

func (s *Server) recordAuthorizeResult(ctx context.Context, responseType, result string) {
	if s.metrics != nil {
		s.metrics.RecordAuthorizeResult(ctx, responseType, result)
	}
}

// buildRedirect appends params to the query of base, or puts them in the
// fragment for implicit responses.
func buildRedirect(base string, params url.Values, fragment bool) string {
	u, err := url.Parse(base)
	if err != nil {
		return ""
	}
	if fragment {
		u.Fragment = ""
		return u.String() + "#" + params.Encode()
	}
	q := u.Query()
	for k, vs := range params {
		for _, v := range vs {
			q.Add(k, v)
		}
	}
	u.RawQuery = q.Encode()
	return u.String()
}
