package app

import (
	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"

	"github.com/agentdiff/harness/internal/config"
	"github.com/agentdiff/harness/internal/database"
)

// NewListTemplatesCmd builds the "list-templates" subcommand, printing
// a table of registered templates for a service the way the kubectl
// plugin prints cluster/pooler resources.
func NewListTemplatesCmd() *cobra.Command {
	var service string

	cmd := &cobra.Command{
		Use:   "list-templates",
		Short: "list registered template environments for a service",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadFromEnv()

			db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			type row struct {
				ID         string `db:"id"`
				Name       string `db:"name"`
				Visibility string `db:"visibility"`
				SchemaName string `db:"schema_name"`
			}
			var rows []row
			query := `SELECT id, name, visibility, schema_name FROM template_environments`
			args2 := []any{}
			if service != "" {
				query += ` WHERE service = $1`
				args2 = append(args2, service)
			}
			query += ` ORDER BY name`
			if err := db.SelectContext(cmd.Context(), &rows, query, args2...); err != nil {
				return err
			}

			t := tabby.New()
			t.AddHeader("ID", "NAME", "VISIBILITY", "SCHEMA")
			for _, r := range rows {
				visibility := r.Visibility
				if visibility == "shared" {
					visibility = aurora.Green(visibility).String()
				} else {
					visibility = aurora.Yellow(visibility).String()
				}
				t.AddLine(r.ID, r.Name, visibility, r.SchemaName)
			}
			t.Print()
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "filter by service (all services if omitted)")
	return cmd
}
