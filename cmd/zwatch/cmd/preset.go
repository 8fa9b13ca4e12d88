package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zeami/zwatch/internal/config"
)

var presetCmd = &cobra.Command{
	Use:   "preset [name]",
	Short: "List presets or print one as YAML",
	Long: "Without arguments, lists the preset names. With a name, prints that preset as a " +
		"config file that can be saved to " + config.DefaultFile + " and edited.",
	Args: cobra.MaximumNArgs(1),
	RunE: runPreset,
}

func runPreset(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		for _, name := range config.PresetNames() {
			fmt.Println(name)
		}
		return nil
	}
	cfg, err := config.FromPreset(args[0])
	if err != nil {
		return err
	}
	return config.Render(os.Stdout, cfg)
}
