package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/zeami/zwatch/internal/ports"
)

// Preset names accepted by FromPreset.
const (
	PresetDefault     = "default"
	PresetDevelopment = "development"
	PresetProduction  = "production"
	PresetTesting     = "testing"
)

var presets = map[string]func() WatchConfig{
	PresetDefault:     Default,
	PresetDevelopment: Development,
	PresetProduction:  Production,
	PresetTesting:     Testing,
}

// PresetNames lists the known presets in sorted order.
func PresetNames() []string {
	names := make([]string, 0, len(presets))
	for n := range presets {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// FromPreset returns the named preset. An empty name selects the default.
func FromPreset(name string) (WatchConfig, error) {
	if name == "" {
		name = PresetDefault
	}
	fn, ok := presets[name]
	if !ok {
		return WatchConfig{}, fmt.Errorf("%w %q (known: %v)", ErrUnknownPreset, name, PresetNames())
	}
	return fn(), nil
}

// DefaultTargets is the agent state directory, the source tree, the project
// root itself (shallow) and the git refs that move on commit and checkout.
func DefaultTargets() []ports.WatchTarget {
	return append([]ports.WatchTarget{
		{Path: ".claude", Recursive: true, Description: "Claude Code state", Priority: 10},
		{Path: "src", Recursive: true, Description: "source code", Priority: 8},
		{Path: ".", Recursive: false, Description: "project root files", Priority: 6},
	}, GitTargets()...)
}

// GitTargets watches HEAD and branch refs.
func GitTargets() []ports.WatchTarget {
	return []ports.WatchTarget{
		{Path: ".git", Recursive: false, Description: "git HEAD", Priority: 7},
		{Path: ".git/refs/heads", Recursive: true, Description: "git branches", Priority: 7},
	}
}

// Default is a balanced configuration for interactive use.
func Default() WatchConfig {
	return WatchConfig{
		Root:            ".",
		Targets:         DefaultTargets(),
		DebounceMs:      100,
		Recursive:       true,
		EventBufferSize: 1000,
		PollFallback:    true,
		PollInterval:    2 * time.Second,
	}
}

// Development reacts faster and logs at debug level.
func Development() WatchConfig {
	cfg := Default()
	cfg.DebounceMs = 50
	cfg.Verbose = true
	return cfg
}

// Production debounces harder and keeps logs quiet.
func Production() WatchConfig {
	cfg := Default()
	cfg.DebounceMs = 200
	cfg.EventBufferSize = 5000
	cfg.Verbose = false
	return cfg
}

// Testing watches only source and test trees.
func Testing() WatchConfig {
	cfg := Default()
	cfg.Targets = []ports.WatchTarget{
		{Path: "src", Recursive: true, Description: "source code", Priority: 8},
		{Path: "tests", Recursive: true, Description: "test suites", Priority: 8},
	}
	return cfg
}
