package authserver

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/internal/util"
	"github.com/giantswarm/oauth-authserver/security"
	"github.com/giantswarm/oauth-authserver/server"
)

// Endpoint paths
const (
	TokenPath               = "/oauth/token"
	AuthorizePath           = "/oauth/authorize"
	CheckTokenPath          = "/oauth/check_token"
	IntrospectPath          = "/oauth/introspect"
	RevokePath              = "/oauth/revoke"
	TokenKeyPath            = "/oauth/token_key"
	JWKSPath                = "/.well-known/jwks.json"
	AuthorizationServerPath = "/.well-known/oauth-authorization-server"
)

const basicRealm = `Basic realm="oauth"`

// Handler is a thin HTTP adapter for the authorization server.
// It parses requests, delegates to the Server and writes OAuth responses.
type Handler struct {
	server *server.Server
	users  UserAuthenticator
	logger *slog.Logger
	ips    security.ClientIPResolver

	tokenLimiter *security.RateLimiter

	tracer       trace.Tracer // OpenTelemetry tracer for HTTP layer
	metrics      *instrumentation.Metrics
	logClientIPs bool
}

// NewHandler creates a new HTTP handler. users identifies the resource owner
// at the authorization endpoint; when nil every authorization request is
// answered with an authentication challenge.
func NewHandler(srv *server.Server, users UserAuthenticator, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}

	h := &Handler{
		server: srv,
		users:  users,
		logger: logger,
		ips: security.ClientIPResolver{
			TrustProxy:        srv.Config.TrustProxy,
			TrustedProxyCount: srv.Config.TrustedProxyCount,
		},
	}

	// Initialize tracer if instrumentation is enabled
	if inst := srv.Instrumentation(); inst != nil {
		h.tracer = inst.Tracer("http")
		h.metrics = inst.Metrics()
		h.logClientIPs = inst.ShouldLogClientIPs()
	}

	return h
}

// SetTokenRateLimiter enables per-IP rate limiting of the token endpoint.
func (h *Handler) SetTokenRateLimiter(rl *security.RateLimiter) {
	h.tokenLimiter = rl
}

// ServeToken handles the OAuth token endpoint
func (h *Handler) ServeToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	req := &server.TokenRequest{
		GrantType:    r.PostForm.Get("grant_type"),
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Username:     r.PostForm.Get("username"),
		Password:     r.PostForm.Get("password"),
		RefreshToken: r.PostForm.Get("refresh_token"),
		Code:         r.PostForm.Get("code"),
		RedirectURI:  r.PostForm.Get("redirect_uri"),
		CodeVerifier: r.PostForm.Get("code_verifier"),
		ClientIP:     h.ips.ClientIP(r),
	}
	req.Scopes = util.ParseScope(r.PostForm.Get("scope"))

	result, err := h.server.Token(r.Context(), req)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeTokenResponse(w, result)
}

// clientCredentials extracts client credentials from HTTP Basic or the form
// (client_secret_post). Using both methods in one request is an error.
func clientCredentials(r *http.Request) (clientID, clientSecret string, err error) {
	basicID, basicSecret, ok := r.BasicAuth()
	if !ok {
		return r.PostForm.Get("client_id"), r.PostForm.Get("client_secret"), nil
	}

	// RFC 6749 Section 2.3.1: Basic credentials are form-urlencoded.
	if id, uerr := url.QueryUnescape(basicID); uerr == nil {
		basicID = id
	}
	if secret, uerr := url.QueryUnescape(basicSecret); uerr == nil {
		basicSecret = secret
	}

	if r.PostForm.Has("client_secret") {
		return "", "", server.NewError(server.KindInvalidRequest, "multiple client authentication methods")
	}
	if formID := r.PostForm.Get("client_id"); formID != "" && formID != basicID {
		return "", "", server.NewError(server.KindInvalidRequest, "client_id does not match the authenticated client")
	}
	return basicID, basicSecret, nil
}

// ServeTokenIntrospection handles the check_token and RFC 7662 introspection
// endpoints. Access is governed by the server's introspection policy.
func (h *Handler) ServeTokenIntrospection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	hasCredentials := clientID != ""
	if err := h.server.AuthorizeIntrospection(r.Context(), clientID, clientSecret, hasCredentials); err != nil {
		h.logger.Warn("Token introspection rejected",
			"client_id", clientID,
			"ip", h.ips.ClientIP(r),
			"error", err)
		h.writeOAuthError(w, r, err)
		return
	}

	resp, err := h.server.Introspect(r.Context(), r.PostForm.Get("token"), r.PostForm.Get("token_type_hint"))
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// ServeTokenRevocation handles the RFC 7009 token revocation endpoint.
// Unknown tokens and tokens of other clients are answered with 200.
func (h *Handler) ServeTokenRevocation(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.writeError(w, server.ErrorCodeInvalidRequest, "Failed to parse request", http.StatusBadRequest)
		return
	}

	clientID, clientSecret, err := clientCredentials(r)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}
	client, err := h.server.AuthenticateClient(r.Context(), clientID, clientSecret)
	if err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	tok := r.PostForm.Get("token")
	if tok == "" {
		h.writeError(w, server.ErrorCodeInvalidRequest, "token parameter is required", http.StatusBadRequest)
		return
	}
	// Unknown hints are ignored (RFC 7009 Section 2.1).
	hint := r.PostForm.Get("token_type_hint")

	if err := h.server.Revoke(r.Context(), client, tok, hint, h.ips.ClientIP(r)); err != nil {
		h.writeOAuthError(w, r, err)
		return
	}

	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) writeTokenResponse(w http.ResponseWriter, result *server.TokenResult) {
	response := make(map[string]any)

	// Enhancer claims such as full_name are returned alongside the token.
	if result.Claims != nil {
		for k, v := range result.Claims.Extra {
			response[k] = v
		}
	}

	tokenType := result.TokenType
	if tokenType == "" {
		tokenType = server.TokenTypeBearer
	}

	response["access_token"] = result.AccessToken
	response["token_type"] = tokenType
	response["expires_in"] = result.ExpiresIn
	if result.RefreshToken != "" {
		response["refresh_token"] = result.RefreshToken
	}
	if len(result.Scopes) > 0 {
		response["scope"] = util.FormatScope(result.Scopes)
	}
	if result.TokenID != "" {
		response["jti"] = result.TokenID
	}

	h.writeJSON(w, http.StatusOK, response)
}

// writeOAuthError maps err onto its OAuth error response. Internal causes are
// logged, never returned.
func (h *Handler) writeOAuthError(w http.ResponseWriter, r *http.Request, err error) {
	oauthErr := server.AsError(err)
	status := oauthErr.HTTPStatus()

	if status >= http.StatusInternalServerError {
		h.logger.Error("Request failed",
			"path", r.URL.Path,
			security.RequestIDAttr(r.Context()),
			"error", err)
	} else {
		h.logger.Debug("Request rejected",
			"path", r.URL.Path,
			security.RequestIDAttr(r.Context()),
			"error", err)
	}

	if oauthErr.Retryable() {
		w.Header().Set("Retry-After", strconv.Itoa(server.RetryAfterSeconds))
	}
	h.writeError(w, oauthErr.Code(), oauthErr.PublicDescription(), status)
}

func (h *Handler) writeError(w http.ResponseWriter, code, description string, status int) {
	if status == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", basicRealm)
	}
	h.writeJSON(w, status, ErrorResponse{
		Error:            code,
		ErrorDescription: description,
	})
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	security.SetSecurityHeaders(w, h.server.Config.Issuer)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	h.writeBody(w, body)
}

func (h *Handler) writeBody(w http.ResponseWriter, body any) {
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Debug("Failed to write response", "error", err)
	}
}

// endpointURL returns the absolute URL of path under the issuer.
func (h *Handler) endpointURL(path string) string {
	return util.NormalizeURL(h.server.Config.Issuer) + path
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
}
