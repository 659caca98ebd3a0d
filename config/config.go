// Package config loads the authorization server configuration from YAML and
// AUTHSERVER_* environment variables, validates it and turns it into the
// values the server packages take.
package config

import (
	"time"
)

// Storage backends
const (
	StorageMemory = "memory"
	StorageValkey = "valkey"
)

// Authentication providers
const (
	ProviderStatic   = "static"
	ProviderUpstream = "upstream"
)

// File is the configuration file.
type File struct {
	Server         ServerConfig         `mapstructure:"server"`
	Keys           KeysConfig           `mapstructure:"keys"`
	Storage        StorageConfig        `mapstructure:"storage"`
	Authentication AuthenticationConfig `mapstructure:"authentication"`
	Clients        []ClientConfig       `mapstructure:"clients"`
	Security       SecurityConfig       `mapstructure:"security"`
	Telemetry      TelemetryConfig      `mapstructure:"telemetry"`

	// Claims maps user attributes to access token claim names. Empty means
	// full_name and user_id.
	Claims map[string]string `mapstructure:"claims"`
}

// ServerConfig holds the HTTP listener and token policy.
type ServerConfig struct {
	Address         string        `mapstructure:"address"`
	Issuer          string        `mapstructure:"issuer"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`

	AllowInsecureHTTP bool `mapstructure:"allow_insecure_http"`

	AuthorizationCodeTTL  time.Duration `mapstructure:"authorization_code_ttl"`
	AccessTokenTTL        time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL       time.Duration `mapstructure:"refresh_token_ttl"`
	ApprovalTTL           time.Duration `mapstructure:"approval_ttl"`
	AuthenticationTimeout time.Duration `mapstructure:"authentication_timeout"`
	ClockSkewGracePeriod  time.Duration `mapstructure:"clock_skew_grace_period"`

	NonExpiringRefreshTokens bool   `mapstructure:"non_expiring_refresh_tokens"`
	ReuseRefreshTokens       bool   `mapstructure:"reuse_refresh_tokens"`
	AllowPKCEPlain           bool   `mapstructure:"allow_pkce_plain"`
	IntrospectionAccess      string `mapstructure:"introspection_access"`

	TrustProxy        bool `mapstructure:"trust_proxy"`
	TrustedProxyCount int  `mapstructure:"trusted_proxy_count"`
}

// KeysConfig selects the token signing keys.
type KeysConfig struct {
	// Source is "file", "keystore" or "generate"
	Source           string   `mapstructure:"source"`
	KeyFile          string   `mapstructure:"key_file"`
	KeyID            string   `mapstructure:"key_id"`
	KeyStorePath     string   `mapstructure:"keystore_path"`
	KeyStorePassword string   `mapstructure:"keystore_password"`
	KeyAlias         string   `mapstructure:"key_alias"`
	Algorithm        string   `mapstructure:"algorithm"`
	FallbackKeyFiles []string `mapstructure:"fallback_key_files"`
}

// StorageConfig selects where codes, tokens and approvals live.
type StorageConfig struct {
	Type string `mapstructure:"type"`

	// EncryptionKey is a base64 AES-256 key sealing user claims at rest
	// (valkey only). Empty disables encryption.
	EncryptionKey string `mapstructure:"encryption_key"`

	Valkey ValkeyConfig `mapstructure:"valkey"`
}

// ValkeyConfig configures the Valkey store.
type ValkeyConfig struct {
	Address   string `mapstructure:"address"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
	TLS       bool   `mapstructure:"tls"`
}

// AuthenticationConfig selects how resource owners are authenticated.
type AuthenticationConfig struct {
	Provider string         `mapstructure:"provider"`
	Users    []UserConfig   `mapstructure:"users"`
	Upstream UpstreamConfig `mapstructure:"upstream"`
}

// UserConfig is a static user. Password may be plain text or a bcrypt hash.
type UserConfig struct {
	ID         string            `mapstructure:"id"`
	Username   string            `mapstructure:"username"`
	Password   string            `mapstructure:"password"`
	FullName   string            `mapstructure:"full_name"`
	Email      string            `mapstructure:"email"`
	Scopes     []string          `mapstructure:"scopes"`
	Attributes map[string]string `mapstructure:"attributes"`
}

// UpstreamConfig points at an upstream identity provider supporting the
// resource owner password grant.
type UpstreamConfig struct {
	TokenURL     string        `mapstructure:"token_url"`
	UserInfoURL  string        `mapstructure:"userinfo_url"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Scopes       []string      `mapstructure:"scopes"`
	Timeout      time.Duration `mapstructure:"timeout"`
}

// ClientConfig registers a client. Secret may be plain text or a bcrypt hash.
type ClientConfig struct {
	ClientID          string        `mapstructure:"client_id"`
	Name              string        `mapstructure:"name"`
	Secret            string        `mapstructure:"secret"`
	Type              string        `mapstructure:"type"`
	GrantTypes        []string      `mapstructure:"grant_types"`
	Scopes            []string      `mapstructure:"scopes"`
	RedirectURIs      []string      `mapstructure:"redirect_uris"`
	AutoApproveScopes []string      `mapstructure:"auto_approve_scopes"`
	AccessTokenTTL    time.Duration `mapstructure:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `mapstructure:"refresh_token_ttl"`
}

// SecurityConfig holds rate limits and auditing.
type SecurityConfig struct {
	AuditLogging bool `mapstructure:"audit_logging"`

	// TokenRateLimit is the sustained token endpoint rate per client IP.
	// Zero disables the limit.
	TokenRateLimit float64 `mapstructure:"token_rate_limit"`
	TokenRateBurst int     `mapstructure:"token_rate_burst"`

	// SecurityEventRateLimit bounds audit events per key to prevent log flooding.
	SecurityEventRateLimit float64 `mapstructure:"security_event_rate_limit"`
}

// TelemetryConfig configures OpenTelemetry.
type TelemetryConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	MetricsExporter   string  `mapstructure:"metrics_exporter"`
	MetricsAddress    string  `mapstructure:"metrics_address"`
	TracesExporter    string  `mapstructure:"traces_exporter"`
	OTLPEndpoint      string  `mapstructure:"otlp_endpoint"`
	OTLPInsecure      bool    `mapstructure:"otlp_insecure"`
	TraceSamplingRate float64 `mapstructure:"trace_sampling_rate"`
	LogClientIPs      bool    `mapstructure:"log_client_ips"`
	RuntimeMetrics    bool    `mapstructure:"runtime_metrics"`
}
