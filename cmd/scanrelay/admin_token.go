package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/phrazzld/scanrelay/internal/api/middleware"
)

var (
	flagSubject string
	flagTTL     time.Duration
)

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Issue a token for the administrative routes",
	RunE: func(cmd *cobra.Command, _ []string) error {
		auth, err := middleware.NewAdminAuth(cfg.Auth.JWTSecret)
		if err != nil {
			return err
		}
		token, err := auth.IssueToken(flagSubject, flagTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	adminTokenCmd.Flags().StringVar(&flagSubject, "subject", "operator", "identity recorded in the token")
	adminTokenCmd.Flags().DurationVar(&flagTTL, "ttl", time.Hour, "token lifetime")
}
