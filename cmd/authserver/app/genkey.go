package app

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/giantswarm/oauth-authserver/security"
)

func newGenKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "Generate a storage encryption key",
		Long: `Generate a random AES-256 key for storage.encryption_key.

The key is printed base64-encoded. Set it in the configuration file or in
AUTHSERVER_STORAGE_ENCRYPTION_KEY to seal user claims stored in Valkey.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			key, err := security.GenerateKey()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), security.KeyToBase64(key))
			return nil
		},
	}
}
