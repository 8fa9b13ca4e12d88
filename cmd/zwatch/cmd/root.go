package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/zeami/zwatch/internal/config"
	"github.com/zeami/zwatch/internal/logging"
)

var (
	configPath string
	presetName string
	verbose    bool
	colorFlag  string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:           "zwatch",
	Short:         "zwatch: debounced file change notifications",
	Long:          "Watches a project tree, drops noise, coalesces bursts and reports what changed and why it matters.",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		color.NoColor = !resolveColor(colorFlag, noColor)
	},
}

// projectRoot returns the project root (cwd by default).
func projectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	return dir
}

// loadConfig resolves the effective configuration: preset, then the config
// file (--config or .zeami/zwatch.yaml), then ZWATCH_* variables. A root left
// at the preset default is replaced by the working directory.
func loadConfig() (config.WatchConfig, error) {
	path := configPath
	if path == "" {
		path = config.Discover(projectRoot())
	}
	cfg, err := config.Load(path, presetName)
	if err != nil {
		return config.WatchConfig{}, err
	}
	if verbose {
		cfg.Verbose = true
	}
	if root, err := filepath.EvalSymlinks(cfg.Root); err == nil {
		cfg.Root = root
	}
	return cfg, nil
}

// daemonRoot is the project root a daemon for the current configuration
// would serve. Socket and port paths are derived from it.
func daemonRoot() string {
	cfg, err := loadConfig()
	if err != nil {
		return projectRoot()
	}
	return cfg.Root
}

// newLogger builds the console logger for foreground commands.
func newLogger(cfg config.WatchConfig) *zap.Logger {
	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v\n", err)
		return zap.NewNop()
	}
	return logger
}

// Execute runs the root command.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
	}
	return err
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&configPath, "config", "c", "", "config file (default: "+config.DefaultFile+" if present)")
	pf.StringVarP(&presetName, "preset", "p", "", "base preset: default, development, production, testing")
	pf.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	pf.StringVar(&colorFlag, "color", "auto", "colorize output: auto, always, never")
	pf.BoolVar(&noColor, "no-color", false, "disable colored output")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(daemonCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(journalCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(presetCmd)
	rootCmd.AddCommand(configCmd)
}
