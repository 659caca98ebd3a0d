package authserver

import (
	"net/http"
	"time"

	"github.com/giantswarm/oauth-authserver/instrumentation"
	"github.com/giantswarm/oauth-authserver/security"
)

// RegisterRoutes registers every endpoint on mux. The token endpoint is rate
// limited per client IP when SetTokenRateLimiter was called.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	var token http.Handler = http.HandlerFunc(h.ServeToken)
	if h.tokenLimiter != nil {
		token = h.tokenLimiter.Middleware(h.ips.ClientIP, h.onRateLimited)(token)
	}

	mux.Handle(TokenPath, h.instrument("token", token))
	mux.Handle(AuthorizePath, h.instrument("authorize", http.HandlerFunc(h.ServeAuthorization)))
	mux.Handle(CheckTokenPath, h.instrument("check_token", http.HandlerFunc(h.ServeTokenIntrospection)))
	mux.Handle(IntrospectPath, h.instrument("introspect", http.HandlerFunc(h.ServeTokenIntrospection)))
	mux.Handle(RevokePath, h.instrument("revoke", http.HandlerFunc(h.ServeTokenRevocation)))
	mux.Handle(TokenKeyPath, h.instrument("token_key", http.HandlerFunc(h.ServeTokenKey)))
	mux.Handle(JWKSPath, h.instrument("jwks", http.HandlerFunc(h.ServeJWKS)))
	mux.Handle(AuthorizationServerPath, h.instrument("metadata", http.HandlerFunc(h.ServeAuthorizationServerMetadata)))
}

// Routes returns all endpoints wrapped in the request ID and security header
// middleware.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	h.RegisterRoutes(mux)
	return security.RequestIDMiddleware(security.SecurityHeadersMiddleware(h.server.Config.Issuer)(mux))
}

func (h *Handler) onRateLimited(r *http.Request, clientIP string) {
	h.logger.Warn("Rate limit exceeded", "ip", clientIP, "endpoint", r.URL.Path)
	if h.metrics != nil {
		h.metrics.RecordRateLimitExceeded(r.Context(), "ip")
	}
	h.server.Auditor.LogRateLimitExceeded(r.Context(), clientIP, r.URL.Path)
}

// statusRecorder captures the response status for metrics.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

// instrument records a span and request metrics per endpoint when
// instrumentation is enabled.
func (h *Handler) instrument(endpoint string, next http.Handler) http.Handler {
	if h.tracer == nil && h.metrics == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		if h.tracer != nil {
			ctx, span := h.tracer.Start(r.Context(), "http."+endpoint)
			defer func() {
				instrumentation.AddHTTPAttributes(span, r.Method, endpoint, rec.status)
				if h.logClientIPs {
					instrumentation.AddClientIPAttribute(span, h.ips.ClientIP(r))
				}
				span.End()
			}()
			r = r.WithContext(ctx)
		}

		next.ServeHTTP(rec, r)

		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Context(), r.Method, endpoint, rec.status, float64(time.Since(start).Milliseconds()))
		}
	})
}
