// Package config loads and validates watch configuration.
//
// Configuration is layered: a named preset supplies the base values, an
// optional YAML file overrides them, and ZWATCH_* environment variables
// override both.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
	"gopkg.in/yaml.v3"

	"github.com/zeami/zwatch/internal/domain/filter"
	"github.com/zeami/zwatch/internal/ports"
)

// Limits enforced by Validate.
const (
	MinDebounceMs = 1
	MaxDebounceMs = 10000
)

// DefaultFile is the config file looked up under the project root when no
// path is given.
const DefaultFile = ".zeami/zwatch.yaml"

var (
	ErrNoTargets           = errors.New("at least one watch target is required")
	ErrInvalidDebounce     = errors.New("debounce window out of range")
	ErrInvalidBuffer       = errors.New("event buffer size must be positive")
	ErrInvalidPollInterval = errors.New("poll interval must be positive")
	ErrUnknownPreset       = errors.New("unknown preset")
)

// WatchConfig is the full service configuration.
type WatchConfig struct {
	Root    string              `yaml:"root" json:"root" env:"ZWATCH_ROOT" env-description:"project root directory"`
	Targets []ports.WatchTarget `yaml:"targets" json:"targets"`

	DebounceMs      int           `yaml:"debounce_ms" json:"debounce_ms" env:"ZWATCH_DEBOUNCE_MS" env-description:"quiet period per path in milliseconds (1-10000)"`
	Recursive       bool          `yaml:"recursive" json:"recursive" env:"ZWATCH_RECURSIVE" env-description:"allow recursive targets"`
	EventBufferSize int           `yaml:"event_buffer_size" json:"event_buffer_size" env:"ZWATCH_BUFFER" env-description:"bounded raw event queue size"`
	Verbose         bool          `yaml:"verbose" json:"verbose" env:"ZWATCH_VERBOSE" env-description:"debug logging"`
	PollFallback    bool          `yaml:"poll_fallback" json:"poll_fallback" env:"ZWATCH_POLL_FALLBACK" env-description:"fall back to polling when native notification fails"`
	PollInterval    time.Duration `yaml:"poll_interval" json:"poll_interval" env:"ZWATCH_POLL_INTERVAL" env-description:"rescan period in poll mode"`
	IgnoreHidden    bool          `yaml:"ignore_hidden" json:"ignore_hidden" env:"ZWATCH_IGNORE_HIDDEN" env-description:"suppress dot entries other than .claude, .git, .env, .gitignore and .github"`

	Filters []filter.Rule `yaml:"filters,omitempty" json:"filters,omitempty"`
}

// Debounce returns the debounce window as a duration.
func (c WatchConfig) Debounce() time.Duration {
	return time.Duration(c.DebounceMs) * time.Millisecond
}

// EffectiveTargets returns the targets with recursion disabled everywhere
// when the global Recursive switch is off.
func (c WatchConfig) EffectiveTargets() []ports.WatchTarget {
	out := make([]ports.WatchTarget, len(c.Targets))
	for i, t := range c.Targets {
		t.Recursive = t.Recursive && c.Recursive
		out[i] = t
	}
	return out
}

// Validate checks limits and compiles user filter rules. Target existence is
// not checked here; the registry reports those as warnings at start.
func (c WatchConfig) Validate() error {
	if len(c.Targets) == 0 {
		return ErrNoTargets
	}
	if c.DebounceMs < MinDebounceMs || c.DebounceMs > MaxDebounceMs {
		return fmt.Errorf("%w: %dms (allowed %d-%d)", ErrInvalidDebounce, c.DebounceMs, MinDebounceMs, MaxDebounceMs)
	}
	if c.EventBufferSize <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidBuffer, c.EventBufferSize)
	}
	if c.PollFallback && c.PollInterval <= 0 {
		return fmt.Errorf("%w: %s", ErrInvalidPollInterval, c.PollInterval)
	}
	return filter.Validate(c.Filters)
}

// Load builds a config from preset (empty means "default"), the YAML file at
// path (optional) and the environment. Root is made absolute.
func Load(path, preset string) (WatchConfig, error) {
	cfg, err := FromPreset(preset)
	if err != nil {
		return WatchConfig{}, err
	}

	if path != "" {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return WatchConfig{}, fmt.Errorf("read config %s: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&cfg); err != nil {
		return WatchConfig{}, fmt.Errorf("read environment: %w", err)
	}

	if cfg.Root == "" {
		cfg.Root = "."
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return WatchConfig{}, fmt.Errorf("resolve root %s: %w", cfg.Root, err)
	}
	cfg.Root = abs
	return cfg, nil
}

// Discover returns the default config file under root if it exists.
func Discover(root string) string {
	p := filepath.Join(root, DefaultFile)
	if info, err := os.Stat(p); err == nil && !info.IsDir() {
		return p
	}
	return ""
}

// Render writes cfg as YAML.
func Render(w io.Writer, cfg WatchConfig) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// EnvUsage writes the supported environment variables.
func EnvUsage(w io.Writer) error {
	var cfg WatchConfig
	header := "Environment variables:"
	text, err := cleanenv.GetDescription(&cfg, &header)
	if err != nil {
		return fmt.Errorf("describe environment: %w", err)
	}
	_, err = fmt.Fprintln(w, text)
	return err
}
