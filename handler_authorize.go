package authserver

import (
	"errors"
	"net/http"
	"net/url"
	"strings"

	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
)

// Consent form parameters
const (
	approvalParam    = "user_oauth_approval"
	scopeParamPrefix = "scope."
)

// ServeAuthorization handles the OAuth authorization endpoint.
//
// GET starts an authorization request. When the user has not yet approved the
// requested scopes the response is a JSON consent prompt; the user agent
// answers it by POSTing the same parameters plus user_oauth_approval and
// scope.<name>=true|false. Completed requests redirect to the client.
func (h *Handler) ServeAuthorization(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodGet, http.MethodPost)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientIP := h.ips.ClientIP(r)

	if h.users == nil {
		h.challengeUser(w)
		return
	}
	user, err := h.users.AuthenticateUser(r)
	if err != nil {
		h.logger.Error("User authentication unavailable", "ip", clientIP, "error", err)
		h.writeOAuthError(w, r, server.ErrAuthenticationUnavailable)
		return
	}
	if user == nil {
		h.challengeUser(w)
		return
	}

	req := authorizeRequestFromForm(r.Form, clientIP)

	var resp *server.AuthorizeResponse
	if r.Method == http.MethodPost && r.PostForm.Has(approvalParam) {
		resp, err = h.server.ApproveAuthorization(r.Context(), req, user, approvalDecision(r.PostForm))
	} else {
		resp, err = h.server.Authorize(r.Context(), req, user)
	}
	if err != nil {
		h.writeAuthorizeError(w, r, err)
		return
	}

	if resp.Consent != nil {
		h.writeJSON(w, http.StatusOK, resp.Consent)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	http.Redirect(w, r, resp.RedirectURL, http.StatusFound)
}

func authorizeRequestFromForm(form url.Values, clientIP string) *server.AuthorizeRequest {
	return &server.AuthorizeRequest{
		ResponseType:        form.Get("response_type"),
		ClientID:            form.Get("client_id"),
		RedirectURI:         form.Get("redirect_uri"),
		Scopes:              util.ParseScope(form.Get("scope")),
		State:               form.Get("state"),
		CodeChallenge:       form.Get("code_challenge"),
		CodeChallengeMethod: form.Get("code_challenge_method"),
		ClientIP:            clientIP,
	}
}

// approvalDecision reads the consent form. Scopes without a scope.<name>
// parameter count as denied once any per-scope answer is present.
func approvalDecision(form url.Values) server.ApprovalDecision {
	decision := server.ApprovalDecision{
		Approved: strings.EqualFold(form.Get(approvalParam), "true"),
	}
	for key, values := range form {
		name, ok := strings.CutPrefix(key, scopeParamPrefix)
		if !ok || name == "" || len(values) == 0 {
			continue
		}
		if decision.Scopes == nil {
			decision.Scopes = make(map[string]bool)
		}
		decision.Scopes[name] = strings.EqualFold(values[0], "true")
	}
	return decision
}

// writeAuthorizeError redirects errors back to the client when the redirect
// URI is trusted and shows them to the user agent otherwise.
func (h *Handler) writeAuthorizeError(w http.ResponseWriter, r *http.Request, err error) {
	var authErr *server.AuthorizeError
	if errors.As(err, &authErr) {
		if target := authErr.RedirectURL(); target != "" {
			h.logger.Debug("Authorization request rejected", "client_id", r.Form.Get("client_id"), "error", err)
			security.SetSecurityHeaders(w, h.server.Config.Issuer)
			http.Redirect(w, r, target, http.StatusFound)
			return
		}
	}

	oauthErr := server.AsError(err)
	if oauthErr.HTTPStatus() >= http.StatusInternalServerError {
		h.writeOAuthError(w, r, err)
		return
	}
	h.logger.Debug("Authorization request rejected without redirect",
		"client_id", r.Form.Get("client_id"),
		"error", err)
	h.writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:            oauthErr.Code(),
		ErrorDescription: oauthErr.PublicDescription(),
	})
}

func (h *Handler) challengeUser(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="authserver"`)
	h.writeJSON(w, http.StatusUnauthorized, ErrorResponse{
		Error:            "unauthorized",
		ErrorDescription: "Full authentication is required to access this resource",
	})
}
