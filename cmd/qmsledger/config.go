package main

import (
	"fmt"
	"net/url"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/asvo/qmsledger/internal/config"
	"github.com/asvo/qmsledger/internal/severity"
)

// ============================================================================
// qmsledger config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and create configuration",
	Long: `Manage the qmsledger configuration. The config file lives at
~/.qmsledger/config.yaml and defines the bind address, ledger storage,
verification limits, scheduled checks and Kafka ingest.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show the effective configuration (file + environment)",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath())
		if err != nil {
			return err
		}
		if _, err := os.Stat(configPath()); os.IsNotExist(err) {
			fmt.Printf("# No config file at %s; showing defaults.\n", configPath())
		}
		cfg.Storage.DatabaseURL = redactURL(cfg.Storage.DatabaseURL)

		data, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("failed to render config: %w", err)
		}
		fmt.Print(string(data))
		return nil
	},
}

var configForce bool

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config.yaml and severity.yaml",
	RunE: func(cmd *cobra.Command, args []string) error {
		files := []struct {
			path  string
			write func(string) error
		}{
			{configPath(), config.WriteDefault},
			{severityPath(), severity.WriteDefaultRules},
		}
		for _, f := range files {
			if _, err := os.Stat(f.path); err == nil && !configForce {
				fmt.Printf("[qmsledger] %s exists, skipping (use --force to overwrite)\n", f.path)
				continue
			}
			if err := f.write(f.path); err != nil {
				return fmt.Errorf("failed to write %s: %w", f.path, err)
			}
			fmt.Printf("[qmsledger] Wrote %s\n", f.path)
		}
		return nil
	},
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "Overwrite existing files")
}

// redactURL hides the password of a connection URL.
func redactURL(raw string) string {
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "<unparseable>"
	}
	return u.Redacted()
}
