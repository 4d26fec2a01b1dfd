package app

import (
	"fmt"
	"net/url"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
	"github.com/spf13/cobra"

	"github.com/agentdiff/harness/internal/config"
	"github.com/agentdiff/harness/internal/database"
	"github.com/agentdiff/harness/internal/namespace"
)

// NewPsqlCmd builds the "psql" debug subcommand: it shells out to the
// psql client against the metadata store DSN (or an explicit --dsn),
// passing any trailing arguments straight through. Adapted from the
// kubectl plugin's psql wrapper, minus the in-cluster exec plumbing.
//
// --impersonate, combined with --schema, trades the operator's own
// login role for a throwaway impersonation role scoped to the given
// user id, the same role SessionForImpersonated grants to a held
// connection, so an operator can poke around a runtime environment
// with exactly the privileges a test run would have. The role is
// dropped again once psql exits.
func NewPsqlCmd() *cobra.Command {
	var dsn string
	var extra string
	var impersonate string
	var schema string

	cmd := &cobra.Command{
		Use:   "psql -- [psql args...]",
		Short: "open a psql shell against the metadata store",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := dsn
			if target == "" {
				target = config.LoadFromEnv().DatabaseURL
			}

			if impersonate != "" {
				if schema == "" {
					return fmt.Errorf("--schema is required when --impersonate is set")
				}

				db, err := database.Open(target, database.DefaultPoolConfig())
				if err != nil {
					return err
				}
				defer db.Close()

				handler := namespace.New(db.DB)
				roleName, rolePassword, err := handler.CreateImpersonationCredentials(cmd.Context(), impersonate)
				if err != nil {
					return err
				}
				defer func() {
					if err := handler.DropRole(cmd.Context(), roleName); err != nil {
						cmd.PrintErrf("while dropping impersonation role %s: %v\n", roleName, err)
					}
				}()

				impersonatedDSN, err := dsnAsRole(target, roleName, rolePassword, schema)
				if err != nil {
					return err
				}
				target = impersonatedDSN
			}

			psqlArgs := append([]string{target}, args...)
			if extra != "" {
				extraArgs, err := shellquote.Split(extra)
				if err != nil {
					return err
				}
				psqlArgs = append(psqlArgs, extraArgs...)
			}

			psql := exec.CommandContext(cmd.Context(), "psql", psqlArgs...)
			psql.Stdin = os.Stdin
			psql.Stdout = os.Stdout
			psql.Stderr = os.Stderr
			return psql.Run()
		},
	}

	cmd.Flags().StringVar(&dsn, "dsn", "", "metadata store DSN (defaults to DATABASE_URL)")
	cmd.Flags().StringVar(&extra, "psql-args", "", "additional psql arguments, shell-quoted")
	cmd.Flags().StringVar(&impersonate, "impersonate", "", "user id to impersonate via a throwaway role")
	cmd.Flags().StringVar(&schema, "schema", "", "schema to pin the impersonated session's search_path to")

	return cmd
}

// dsnAsRole rewrites dsn to authenticate as roleName/rolePassword instead
// of whatever credentials it carries, and sets search_path to schema for
// the connection via the options query parameter.
func dsnAsRole(dsn, roleName, rolePassword, schema string) (string, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("while parsing DSN for impersonation: %w", err)
	}

	u.User = url.UserPassword(roleName, rolePassword)

	q := u.Query()
	q.Set("options", fmt.Sprintf("-c search_path=%s", schema))
	u.RawQuery = q.Encode()

	return u.String(), nil
}
