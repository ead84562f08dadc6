package main

import (
	"errors"
	"fmt"

	"healthai/internal/config"
	"healthai/internal/db"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|status]",
	Short:     "Apply or inspect database migrations",
	Args:      cobra.MatchAll(cobra.MaximumNArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"up", "status"},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.MemoryStore() {
			return errors.New("migrations need a PostgreSQL DATABASE_URL")
		}

		action := "up"
		if len(args) == 1 {
			action = args[0]
		}
		switch action {
		case "status":
			return db.MigrationStatus(cfg.DatabaseURL)
		default:
			if err := db.Migrate(cfg.DatabaseURL); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		}
	},
}
