// Package main is the scanrelay command: the HTTP API and scan workers
// (serve), schema migrations (migrate), executor key management (keygen)
// and admin token issuance (admin-token).
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/phrazzld/scanrelay/internal/config"
	"github.com/phrazzld/scanrelay/internal/platform/logger"
)

var (
	cfg    *config.Config
	appLog *slog.Logger

	flagConfigFilePath string
)

var rootCmd = &cobra.Command{
	Use:               "scanrelay",
	Short:             "Job orchestration for browser compliance scans",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: initScanrelay,
}

func main() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "",
		"config file to load (default is config.yaml in the working directory)")

	rootCmd.AddCommand(serveCmd, migrateCmd, keygenCmd, adminTokenCmd)

	if err := rootCmd.Execute(); err != nil {
		slog.Error("scanrelay failed", "error", err)
		os.Exit(1)
	}
}

// initScanrelay loads the configuration and installs the default logger.
func initScanrelay(_ *cobra.Command, _ []string) error {
	var err error
	cfg, err = config.LoadFrom(flagConfigFilePath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	appLog, err = logger.Setup(cfg.Server)
	if err != nil {
		return fmt.Errorf("failed to set up logger: %w", err)
	}

	appLog.Debug("configuration loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Server.LogLevel,
		"database", cfg.Database.URL != "",
		"redis", cfg.Redis.Addr != "")
	return nil
}
