package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"fleetcp.sh/internal/config"
	"fleetcp.sh/internal/database"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}

		db, err := openDatabase(cfg.Database)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}

		if err := database.RunMigrationsAndClose(context.Background(), db.DB, cfg.Database.Driver); err != nil {
			return fmt.Errorf("run migrations: %w", err)
		}
		slog.Info("migrations complete")
		return nil
	},
}
