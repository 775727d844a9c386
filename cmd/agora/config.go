package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/agora/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Long: `Display the configuration agora would run with, as YAML.

Values are merged from built-in defaults, ~/.config/agora/config.yaml,
.agora/config.yaml and AGORA_* environment variables, in that order.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		root, err := projectRoot()
		if err != nil {
			// Outside a project only user config applies.
			root = ""
		}
		cfg, err := loadConfig(root)
		if err != nil {
			return err
		}
		if cfg.Anthropic.APIKey != "" {
			cfg.Anthropic.APIKey = "****"
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		if err := enc.Encode(cfg); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		fmt.Fprintf(os.Stderr, "# user config: %s\n", config.GetUserConfigPath())
		return nil
	},
}
