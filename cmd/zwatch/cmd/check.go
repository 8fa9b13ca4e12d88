package cmd

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/zeami/zwatch/internal/config"
	"github.com/zeami/zwatch/internal/domain/classify"
	"github.com/zeami/zwatch/internal/domain/filter"
	"github.com/zeami/zwatch/internal/domain/target"
	"github.com/zeami/zwatch/internal/ports"
)

var checkCmd = &cobra.Command{
	Use:   "check <path>...",
	Short: "Explain how a path would be filtered and classified",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runCheck,
}

// verdict is what the pipeline would do with a change to one path.
type verdict struct {
	Path       string
	Watched    *ports.WatchTarget // nil when no target covers the path
	Suppressed bool
	Rule       filter.Rule
	Category   ports.Category
	Source     string
}

// explain evaluates path against the configured targets, filter rules and
// classifier without touching the filesystem beyond target resolution.
func explain(cfg config.WatchConfig, reg *target.Registry, engine *filter.Engine, cls *classify.Classifier, p string) verdict {
	abs := p
	if !filepath.IsAbs(abs) {
		abs = filepath.Join(cfg.Root, abs)
	}
	abs = filepath.Clean(abs)

	v := verdict{Path: abs}
	for _, t := range reg.Effective() {
		if !target.Within(abs, t.Path) {
			continue
		}
		if t.Recursive || abs == t.Path || filepath.Dir(abs) == t.Path {
			t := t
			v.Watched = &t
			break
		}
	}
	if rule, ok := engine.Match(abs); ok {
		v.Suppressed = true
		v.Rule = rule
		return v
	}
	v.Category = cls.Category(abs)
	v.Source = cls.Source(abs)
	return v
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	engine, err := filter.New(cfg.Filters, filter.WithRoot(cfg.Root), filter.WithHiddenEntries(cfg.IgnoreHidden))
	if err != nil {
		return err
	}
	reg := target.NewRegistry(cfg.Root)
	reg.RegisterAll(cfg.EffectiveTargets())
	cls := classify.New(cfg.Root)

	for _, p := range args {
		fmt.Print(formatVerdict(explain(cfg, reg, engine, cls, p), cfg.Root))
	}
	return nil
}

func formatVerdict(v verdict, root string) string {
	out := bold(displayPath(v.Path, root)) + "\n"
	if v.Watched == nil {
		out += yellow("  not under any watch target") + "\n"
	} else {
		out += fmt.Sprintf("  target    %s (%s)\n", displayPath(v.Watched.Path, root), v.Watched.Description)
	}
	if v.Suppressed {
		reason := v.Rule.Reason
		if reason == "" {
			reason = "user rule"
		}
		out += fmt.Sprintf("  %s %s [%s]\n", red("filtered "), v.Rule, reason)
		return out
	}
	c, ok := categoryColors[v.Category]
	if !ok {
		c = categoryColors[ports.Generic]
	}
	out += fmt.Sprintf("  %s  %s [%s]", green("passes   "), c.Sprint(v.Category), v.Source)
	if (ports.ClassifiedEvent{Category: v.Category}).HighPriority() {
		out += " ⚡ high priority"
	}
	return out + "\n"
}
