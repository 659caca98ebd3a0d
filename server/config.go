package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oauth-authserver/internal/util"
)

// Introspection access policies
const (
	// IntrospectionPermitAll lets anyone call the introspection endpoint.
	IntrospectionPermitAll = "permit_all"

	// IntrospectionAuthenticated requires HTTP Basic authentication by a
	// registered client, including introspection-only clients.
	IntrospectionAuthenticated = "authenticated"
)

// Config holds OAuth server configuration
type Config struct {
	// Issuer is the server's issuer identifier (base URL)
	Issuer string

	// AllowInsecureHTTP allows an http:// issuer on a non-loopback host.
	// WARNING: tokens and client credentials travel in clear text
	// Default: false
	AllowInsecureHTTP bool // default: false

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes)

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 43200 (12 hours)

	// RefreshTokenTTL is how long refresh tokens are valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// NonExpiringRefreshTokens issues refresh tokens without an expiry.
	// RefreshTokenTTL is ignored when set.
	NonExpiringRefreshTokens bool // default: false

	// ApprovalTTL is how long a user's consent is remembered
	ApprovalTTL int64 // seconds, default: 2592000 (30 days)

	// AuthenticationTimeout bounds each call to the user authentication provider
	AuthenticationTimeout int64 // seconds, default: 10

	// ReuseRefreshTokens keeps the presented refresh token valid after a refresh
	// instead of rotating it.
	// WARNING: Reusable refresh tokens cannot be used to detect token theft
	// Default: false (rotation)
	ReuseRefreshTokens bool // default: false

	// AllowPKCEPlain allows the 'plain' code_challenge_method (NOT RECOMMENDED)
	// When false, only S256 method is accepted
	// Default: false
	AllowPKCEPlain bool // default: false

	// IntrospectionAccess is IntrospectionPermitAll or IntrospectionAuthenticated
	// Default: IntrospectionPermitAll
	IntrospectionAccess string

	// TrustProxy enables trusting X-Forwarded-For and X-Real-IP headers
	// WARNING: Only enable if behind a trusted reverse proxy (nginx, HAProxy, etc.)
	// Default: false
	TrustProxy bool // default: false

	// TrustedProxyCount is the number of trusted proxies in front of this server
	// Default: 1
	TrustedProxyCount int // default: 1

	// ClockSkewGracePeriod is the grace period for expiry checks (in seconds)
	// Default: 5 seconds
	ClockSkewGracePeriod int64 // seconds, default: 5
}

// applySecureDefaults fills unset values and logs warnings for insecure settings
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	ApplyDefaults(config)
	logSecurityWarnings(config, logger)
	return config
}

// ApplyDefaults fills unset values in place.
func ApplyDefaults(config *Config) {
	applyTimeDefaults(config)
	if config.IntrospectionAccess == "" {
		config.IntrospectionAccess = IntrospectionPermitAll
	}
}

// applyTimeDefaults sets default values for time-based configuration
func applyTimeDefaults(config *Config) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = 600 // 10 minutes
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = 43200 // 12 hours
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = 2592000 // 30 days
	}
	if config.ApprovalTTL == 0 {
		config.ApprovalTTL = 2592000 // 30 days
	}
	if config.AuthenticationTimeout == 0 {
		config.AuthenticationTimeout = 10
	}
	if config.TrustedProxyCount == 0 {
		config.TrustedProxyCount = 1
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if u, err := url.Parse(config.Issuer); err == nil && u.Scheme == "http" {
		if util.ClassifyHost(u.Hostname()) == util.HostLoopback {
			logger.Warn("⚠️  DEVELOPMENT WARNING: Running OAuth over HTTP on localhost",
				"issuer", config.Issuer,
				"recommendation", "Use HTTPS even in development for production-like testing")
		} else if config.AllowInsecureHTTP {
			logger.Error("🚨 CRITICAL SECURITY WARNING: Running OAuth server over HTTP",
				"issuer", config.Issuer,
				"risk", "All tokens and credentials exposed to network sniffing",
				"action_required", "Switch to HTTPS immediately")
		}
	}
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.ReuseRefreshTokens {
		logger.Warn("⚠️  SECURITY WARNING: Refresh token rotation is DISABLED",
			"risk", "Stolen refresh tokens stay usable and reuse cannot be detected",
			"recommendation", "Set ReuseRefreshTokens=false")
	}
	if config.NonExpiringRefreshTokens {
		logger.Warn("⚠️  SECURITY NOTICE: Refresh tokens never expire",
			"recommendation", "Set a RefreshTokenTTL")
	}
	if config.IntrospectionAccess == IntrospectionPermitAll {
		logger.Info("Token introspection is open to unauthenticated callers",
			"config", "IntrospectionAccess="+IntrospectionAuthenticated+" requires client authentication")
	}
	if config.TrustProxy {
		logger.Warn("⚠️  SECURITY NOTICE: Trusting proxy headers",
			"risk", "IP spoofing if proxy is not properly configured",
			"config", "TrustedProxyCount should match your proxy chain length")
	}
}

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL: %q", c.Issuer)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return fmt.Errorf("issuer must not have a query or fragment")
	}
	switch u.Scheme {
	case "https":
	case "http":
		if util.ClassifyHost(u.Hostname()) != util.HostLoopback && !c.AllowInsecureHTTP {
			return fmt.Errorf("issuer must use HTTPS outside localhost (got %s), set AllowInsecureHTTP to override", c.Issuer)
		}
	default:
		return fmt.Errorf("invalid issuer URL scheme: %s (must be http or https)", u.Scheme)
	}

	for name, v := range map[string]int64{
		"authorization code TTL": c.AuthorizationCodeTTL,
		"access token TTL":       c.AccessTokenTTL,
		"refresh token TTL":      c.RefreshTokenTTL,
		"approval TTL":           c.ApprovalTTL,
		"authentication timeout": c.AuthenticationTimeout,
	} {
		if v < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}

	switch c.IntrospectionAccess {
	case IntrospectionPermitAll, IntrospectionAuthenticated:
	default:
		return fmt.Errorf("unknown introspection access policy %q", c.IntrospectionAccess)
	}
	return nil
}

func seconds(n int64) time.Duration {
	return time.Duration(n) * time.Second
}
