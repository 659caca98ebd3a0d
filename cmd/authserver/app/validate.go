package app

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-authserver/config"
)

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration file",
		Long: `Validate the configuration file without starting the server.

This checks the issuer, signing key source, storage backend, user provider
and every client registration. All problems are reported at once.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			f, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			if err := f.Validate(); err != nil {
				return fmt.Errorf("validation failed: %w", err)
			}

			slog.Info("Configuration is valid",
				"issuer", f.Server.Issuer,
				"keys", f.Keys.Source,
				"storage", f.Storage.Type,
				"provider", f.Authentication.Provider,
				"clients", len(f.Clients))
			fmt.Fprintln(cmd.OutOrStdout(), "configuration is valid")
			return nil
		},
	}
}

func loadConfig(path string) (*config.File, error) {
	if path == "" {
		return nil, fmt.Errorf("no configuration file specified, use --config flag")
	}
	slog.Info("Loading configuration", "path", path)
	f, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("configuration loading failed: %w", err)
	}
	return f, nil
}
