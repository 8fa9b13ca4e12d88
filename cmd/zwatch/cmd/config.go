package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/zeami/zwatch/internal/config"
)

var configEnv bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration",
	Long: "Resolves the preset, the config file and ZWATCH_* variables, validates the result " +
		"and prints it as YAML.",
	RunE: runConfig,
}

func init() {
	configCmd.Flags().BoolVar(&configEnv, "env", false, "list the supported environment variables")
}

func runConfig(cmd *cobra.Command, args []string) error {
	if configEnv {
		return config.EnvUsage(os.Stdout)
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := config.Render(os.Stdout, cfg); err != nil {
		return err
	}
	return cfg.Validate()
}
