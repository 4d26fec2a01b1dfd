package app

import (
	"fmt"

	"github.com/blang/semver"
	"github.com/spf13/cobra"
)

// Version is the harness's own release version, bumped at tag time.
const Version = "0.1.0"

// NewVersionCmd builds the "version" subcommand. It parses Version
// through semver to guarantee the compiled-in constant is valid before
// printing it.
func NewVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "print the harness version",
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := semver.Parse(Version)
			if err != nil {
				return fmt.Errorf("invalid built-in version %q: %w", Version, err)
			}
			cmd.Println(v.String())
			return nil
		},
	}
}
