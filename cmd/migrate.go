package cmd

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/branchchat/branchd/db"
	"github.com/branchchat/branchd/internal/config"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations",
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := config.Load()
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if cfg.Storage != config.StoragePostgres {
			return fmt.Errorf("storage backend %q has no migrations", cfg.Storage)
		}
		return db.Migrate(cfg.ConnString(), slog.Default())
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}
