// The harness command is the entrypoint for the agent-evaluation
// harness: it serves the HTTP API, runs metadata-store migrations, and
// offers operator subcommands for seeding templates and debugging a
// runtime environment's namespace.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/agentdiff/harness/cmd/harness/app"
	"github.com/agentdiff/harness/internal/platlog"
)

func main() {
	cmd := &cobra.Command{
		Use:          "harness [cmd]",
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			platlog.Configure(os.Getenv("ENVIRONMENT"))
		},
	}

	cmd.AddCommand(app.NewServeCmd())
	cmd.AddCommand(app.NewMigrateCmd())
	cmd.AddCommand(app.NewSeedTemplateCmd())
	cmd.AddCommand(app.NewPsqlCmd())
	cmd.AddCommand(app.NewListTemplatesCmd())
	cmd.AddCommand(app.NewVersionCmd())

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
