package main

import (
	"context"
	"fmt"

	"roster-sync/db/migrations"
	"roster-sync/internal/config"
	"roster-sync/internal/database/migration"
	"roster-sync/internal/database/postgres"
	"roster-sync/internal/logging"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations and exit",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, log, err := setup()
		if err != nil {
			return err
		}
		ctx, stop := signalContext()
		defer stop()
		return migrate(ctx, cfg.Database, log)
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func migrate(ctx context.Context, cfg config.DatabaseConfig, log zerolog.Logger) error {
	dialer, err := postgres.NewDialer(cfg)
	if err != nil {
		return err
	}
	db := dialer.OpenSQLDB()
	defer db.Close()

	r := migration.Runner{FS: migrations.Files, Logger: logging.Component(log, "migration")}
	if err := r.Run(ctx, db); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}
