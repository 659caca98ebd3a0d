package security

import (
	"net/http"
	"strconv"
	"strings"
)

// SetSecurityHeaders sets the response headers every authorization server
// endpoint carries. HSTS is only sent when the issuer is served over HTTPS.
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if strings.HasPrefix(strings.ToLower(issuer), "https://") {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	// RFC 6749 section 5.1: token responses must not be cached.
	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetCacheablePublic relaxes caching for public, non-sensitive documents
// such as the JWKS and server metadata.
func SetCacheablePublic(w http.ResponseWriter, maxAgeSeconds int) {
	w.Header().Del("Pragma")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(max(maxAgeSeconds, 0)))
}

// SecurityHeadersMiddleware applies SetSecurityHeaders to every response.
func SecurityHeadersMiddleware(issuer string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			SetSecurityHeaders(w, issuer)
			next.ServeHTTP(w, r)
		})
	}
}
