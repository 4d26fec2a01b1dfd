package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentdiff/harness/internal/config"
	"github.com/agentdiff/harness/internal/database"
	"github.com/agentdiff/harness/internal/template"
)

// templateManifest describes a TemplateEnvironment to seed, loaded from
// a YAML file via --manifest so an operator can check template
// definitions into source control instead of passing flags by hand.
type templateManifest struct {
	Service   string `yaml:"service"`
	Name      string `yaml:"name"`
	SourceDSN string `yaml:"source_dsn"`
	Owner     string `yaml:"owner"`
}

// NewSeedTemplateCmd builds the "seed-template" subcommand, which
// registers a TemplateEnvironment pointing at an existing schema so a
// service's test suite has something to clone runtime environments
// from. Fields can come from flags or from a --manifest YAML file;
// flags take precedence over the manifest when both are given.
func NewSeedTemplateCmd() *cobra.Command {
	var service, name, sourceDSN, ownerID, manifestPath string

	cmd := &cobra.Command{
		Use:   "seed-template",
		Short: "register a template environment from a raw source DSN",
		RunE: func(cmd *cobra.Command, args []string) error {
			if manifestPath != "" {
				m, err := loadTemplateManifest(manifestPath)
				if err != nil {
					return err
				}
				if service == "" {
					service = m.Service
				}
				if name == "" {
					name = m.Name
				}
				if sourceDSN == "" {
					sourceDSN = m.SourceDSN
				}
				if ownerID == "" {
					ownerID = m.Owner
				}
			}
			if service == "" || name == "" || sourceDSN == "" || ownerID == "" {
				return fmt.Errorf("service, name, source-dsn and owner are all required (via flags or --manifest)")
			}

			cfg := config.LoadFromEnv()

			db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
			if err != nil {
				return err
			}
			defer db.Close()

			templates := template.New(db)
			tmpl, err := templates.Register(cmd.Context(), service, name, sourceDSN, ownerID)
			if err != nil {
				return err
			}

			cmd.Printf("registered template %s (%s/%s) backed by schema %s\n", tmpl.ID, tmpl.Service, tmpl.Name, tmpl.SchemaName)
			return nil
		},
	}

	cmd.Flags().StringVar(&service, "service", "", "service the template belongs to")
	cmd.Flags().StringVar(&name, "name", "", "template name, unique per service")
	cmd.Flags().StringVar(&sourceDSN, "source-dsn", "", "DSN of the database to clone the template schema from")
	cmd.Flags().StringVar(&ownerID, "owner", "", "user id that owns the new template")
	cmd.Flags().StringVar(&manifestPath, "manifest", "", "YAML file providing service/name/source_dsn/owner")

	return cmd
}

func loadTemplateManifest(path string) (*templateManifest, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("while reading template manifest %s: %w", path, err)
	}
	var m templateManifest
	if err := yaml.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("while parsing template manifest %s: %w", path, err)
	}
	return &m, nil
}
