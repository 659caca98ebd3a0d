package security

import (
	"net"
	"net/http"
	"strings"
)

// ClientIPResolver extracts the client address used for rate limiting and audit logs.
//
// Only enable TrustProxy behind a reverse proxy you control. X-Forwarded-For is
// read from the right: the last TrustedProxyCount entries are our own proxies
// and the entry before them is the client.
type ClientIPResolver struct {
	TrustProxy        bool
	TrustedProxyCount int
}

// ClientIP returns the client IP of r.
func (c ClientIPResolver) ClientIP(r *http.Request) string {
	if c.TrustProxy {
		if ip := clientFromXFF(r.Header.Get("X-Forwarded-For"), c.TrustedProxyCount); ip != "" {
			return ip
		}
		if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(ip) != nil {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// GetClientIP is a shorthand for ClientIPResolver{trustProxy, trustedProxyCount}.ClientIP(r).
func GetClientIP(r *http.Request, trustProxy bool, trustedProxyCount int) string {
	return ClientIPResolver{TrustProxy: trustProxy, TrustedProxyCount: trustedProxyCount}.ClientIP(r)
}

// clientFromXFF picks the client entry of an X-Forwarded-For list.
// A zero trustedProxyCount means one trusted proxy.
func clientFromXFF(xff string, trustedProxyCount int) string {
	if xff == "" {
		return ""
	}
	ips := strings.Split(xff, ",")

	proxies := trustedProxyCount
	if proxies == 0 {
		proxies = 1
	}
	idx := max(len(ips)-proxies-1, 0)

	ip := strings.TrimSpace(ips[idx])
	if net.ParseIP(ip) == nil {
		return ""
	}
	return ip
}
