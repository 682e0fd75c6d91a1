package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/quickbet/settlement/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "settlementd",
	Short: "Points wagering settlement service",
	Long: `settlementd opens and resolves price-direction wagers against a points
ledger, and moves a user's resources between the primary venue and the
delegated venue on request.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}

// loadConfig reads the configuration and installs the JSON logger.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return cfg, nil
}
