package main

import (
	"errors"

	"github.com/spf13/cobra"

	"timeline_tracker/internal/config"
	"timeline_tracker/internal/storage/postgres"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Manage the archive database schema",
}

var migrateUpCmd = &cobra.Command{
	Use:   "up",
	Short: "Apply all pending migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		return performMigration(cmd, func(dsn string, cfg *config.Config) error {
			return postgres.MigrateUp(dsn, setupLogger(cfg.LogLevel))
		})
	},
}

var migrateDownCmd = &cobra.Command{
	Use:   "down",
	Short: "Revert migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		steps, _ := cmd.Flags().GetInt("steps")
		return performMigration(cmd, func(dsn string, cfg *config.Config) error {
			return postgres.MigrateDown(dsn, steps, setupLogger(cfg.LogLevel))
		})
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.AddCommand(migrateUpCmd, migrateDownCmd)

	migrateCmd.PersistentFlags().StringP("config", "c", "config.yaml", "path to config file")
	migrateDownCmd.Flags().Int("steps", 1, "number of migrations to revert")
}

func performMigration(cmd *cobra.Command, fn func(dsn string, cfg *config.Config) error) error {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}
	if !cfg.Delivery.DatabaseEnabled() {
		return errors.New("delivery.database is not configured")
	}
	return fn(cfg.Delivery.Database.DSN(), cfg)
}
