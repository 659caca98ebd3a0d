package config

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AUTHSERVER_SERVER_ISSUER.
const EnvPrefix = "AUTHSERVER"

// Default values
const (
	DefaultAddress         = ":8081"
	DefaultMetricsAddress  = ":9090"
	DefaultShutdownTimeout = 30 * time.Second
	DefaultServiceName     = "oauth-authserver"
)

// Load reads the configuration file at path. Environment variables override
// file values.
func Load(path string) (*File, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	return decode(v)
}

// Parse reads YAML configuration from data.
func Parse(data []byte) (*File, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return decode(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// setDefaults registers every scalar key so AutomaticEnv can override it
// even when the file omits it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", DefaultAddress)
	v.SetDefault("server.issuer", "")
	v.SetDefault("server.shutdown_timeout", DefaultShutdownTimeout)
	v.SetDefault("server.allow_insecure_http", false)
	v.SetDefault("server.access_token_ttl", 0)
	v.SetDefault("server.refresh_token_ttl", 0)
	v.SetDefault("server.introspection_access", "")
	v.SetDefault("server.trust_proxy", false)

	v.SetDefault("keys.source", "generate")
	v.SetDefault("keys.key_file", "")
	v.SetDefault("keys.keystore_path", "")
	v.SetDefault("keys.keystore_password", "")
	v.SetDefault("keys.key_alias", "")

	v.SetDefault("storage.type", StorageMemory)
	v.SetDefault("storage.encryption_key", "")
	v.SetDefault("storage.valkey.address", "")
	v.SetDefault("storage.valkey.password", "")
	v.SetDefault("storage.valkey.key_prefix", "")

	v.SetDefault("authentication.provider", ProviderStatic)
	v.SetDefault("authentication.upstream.client_secret", "")

	v.SetDefault("security.audit_logging", true)
	v.SetDefault("security.token_rate_limit", 0)
	v.SetDefault("security.token_rate_burst", 20)
	v.SetDefault("security.security_event_rate_limit", 1)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.metrics_exporter", "prometheus")
	v.SetDefault("telemetry.metrics_address", DefaultMetricsAddress)
	v.SetDefault("telemetry.traces_exporter", "none")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.trace_sampling_rate", 0.1)
}

func decode(v *viper.Viper) (*File, error) {
	var f File
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	return &f, nil
}
