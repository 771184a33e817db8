package main

import (
	"encoding/base64"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phrazzld/scanrelay/internal/attest"
)

var flagRotate bool

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Create, show or rotate the sealed executor signing key",
	Long: `keygen loads the executor key at attest.key_path, creating it when missing,
and prints the executor id and current public key for registration.
With --rotate the key is replaced and its version bumped; the executor id
does not change.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path, passphrase := cfg.Attest.KeyPath, cfg.Attest.KeyPassphrase
		if path == "" {
			return fmt.Errorf("attest.key_path is required")
		}

		signer, created, err := attest.LoadOrCreateSigner(path, passphrase)
		if err != nil {
			return err
		}
		if flagRotate && !created {
			if err := signer.Rotate(); err != nil {
				return err
			}
			if err := attest.SaveSigner(path, passphrase, signer); err != nil {
				return err
			}
		}

		key := signer.Key()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "executor_id: %s\n", key.ExecutorID)
		fmt.Fprintf(out, "key_version: %d\n", key.KeyVersion)
		fmt.Fprintf(out, "public_key:  %s\n", base64.StdEncoding.EncodeToString(key.PublicKey))
		return nil
	},
}

func init() {
	keygenCmd.Flags().BoolVar(&flagRotate, "rotate", false, "replace the signing key with a new version")
}
