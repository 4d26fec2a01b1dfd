package app

import (
	"github.com/spf13/cobra"

	"github.com/agentdiff/harness/internal/config"
	"github.com/agentdiff/harness/internal/database"
)

// NewMigrateCmd builds the "migrate" subcommand, which applies every
// pending metadata-store migration and exits.
func NewMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "apply pending metadata store migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadFromEnv()

			db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			return database.Migrate(cmd.Context(), db.DB)
		},
	}
}
