package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/phrazzld/scanrelay/internal/platform/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate [up|down|status|version|reset] [args...]",
	Short: "Run database migrations",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is required for migrations")
		}

		ctx := cmd.Context()
		db, err := postgres.Open(ctx, cfg.Database, appLog)
		if err != nil {
			return err
		}
		defer func() { _ = db.Close() }()

		appLog.Info("running migrations", "command", args[0])
		return postgres.Migrate(ctx, db, args[0], appLog, args[1:]...)
	},
}
