package keys

import (
	"fmt"
	"log/slog"
)

// Key sources
const (
	SourceFile     = "file"
	SourceKeyStore = "keystore"
	SourceGenerate = "generate"
)

// Config selects where signing keys come from.
type Config struct {
	// Source is one of "file", "keystore" or "generate"
	Source string

	// KeyFile is the PEM private key (Source "file")
	KeyFile string

	// KeyID overrides the derived key ID of a PEM signing key
	KeyID string

	// KeyStorePath, KeyStorePassword and KeyAlias locate the key pair in a
	// PKCS#12 keystore (Source "keystore")
	KeyStorePath     string
	KeyStorePassword string
	KeyAlias         string

	// Algorithm overrides the algorithm derived from the key type
	Algorithm string

	// FallbackKeyFiles are PEM keys still accepted for verification
	FallbackKeyFiles []string
}

// Validate checks that the configured source has what it needs.
func (c Config) Validate() error {
	switch c.Source {
	case SourceFile:
		if c.KeyFile == "" {
			return fmt.Errorf("key source %q requires a key file", c.Source)
		}
	case SourceKeyStore:
		if c.KeyStorePath == "" {
			return fmt.Errorf("key source %q requires a keystore path", c.Source)
		}
	case SourceGenerate:
		if len(c.FallbackKeyFiles) > 0 {
			return fmt.Errorf("key source %q does not take fallback keys", c.Source)
		}
	case "":
		return fmt.Errorf("key source is required")
	default:
		return fmt.Errorf("unknown key source %q", c.Source)
	}
	return nil
}

// Load builds the Provider described by cfg.
func Load(cfg Config, logger *slog.Logger) (*StaticProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var (
		p   *StaticProvider
		err error
	)
	switch cfg.Source {
	case SourceFile:
		p, err = NewFileProvider(cfg.KeyFile, cfg.KeyID, cfg.Algorithm, cfg.FallbackKeyFiles...)
	case SourceKeyStore:
		p, err = NewKeyStoreProvider(cfg.KeyStorePath, cfg.KeyStorePassword, cfg.KeyAlias, cfg.Algorithm, cfg.FallbackKeyFiles...)
	case SourceGenerate:
		logger.Warn("Using a generated signing key; tokens will not survive a restart")
		p, err = NewGeneratingProvider()
	}
	if err != nil {
		return nil, err
	}

	logger.Info("Loaded signing keys",
		"source", cfg.Source,
		"kid", p.signing.KeyID,
		"alg", string(p.signing.Algorithm),
		"fallback_keys", len(p.fallback))
	return p, nil
}
