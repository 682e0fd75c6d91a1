package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/quickbet/settlement/internal/store"
)

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd)
	migrateCmd.AddCommand(migrateDownCmd)
	migrateCmd.AddCommand(migrateStatusCmd)

	migrateDownCmd.Flags().IntP("steps", "n", 1, "Number of migrations to roll back")
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the PostgreSQL schema of the primary venue",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, err := databaseURL()
		if err != nil {
			return err
		}
		if err := store.MigrateUp(url); err != nil {
			return err
		}
		slog.Info("migrations applied")
		return nil
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Roll back migrations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, err := databaseURL()
		if err != nil {
			return err
		}
		steps, _ := cmd.Flags().GetInt("steps")
		if steps < 1 {
			return fmt.Errorf("--steps must be at least 1")
		}
		if err := store.MigrateDown(url, steps); err != nil {
			return err
		}
		slog.Info("migrations rolled back", "steps", steps)
		return nil
	},
}

var migrateStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the current schema version",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		url, err := databaseURL()
		if err != nil {
			return err
		}
		version, dirty, ok, err := store.MigrationVersion(url)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if !ok {
			fmt.Fprintln(out, "no migrations applied")
			return nil
		}
		fmt.Fprintf(out, "version %d", version)
		if dirty {
			fmt.Fprint(out, " (dirty)")
		}
		fmt.Fprintln(out)
		return nil
	},
}

func databaseURL() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.DatabaseURL == "" {
		return "", errors.New("DATABASE_URL is not set")
	}
	return cfg.DatabaseURL, nil
}
