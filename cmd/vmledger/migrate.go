package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply store migrations",
	Long: `Create or upgrade the schema of the configured store and exit.

Migrations are idempotent; running this against an up-to-date store is a no-op.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		s, err := openStore(ctx, cfg.Store)
		if err != nil {
			return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
		}
		defer s.Close()

		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}

		logger.Info("store migrated", "driver", cfg.Store.Driver)
		fmt.Fprintln(cmd.OutOrStdout(), "✓ migrations applied")
		return nil
	},
}
