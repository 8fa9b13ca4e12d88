package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zeami/zwatch/internal/config"
	"github.com/zeami/zwatch/internal/domain/classify"
	"github.com/zeami/zwatch/internal/domain/filter"
	"github.com/zeami/zwatch/internal/domain/status"
	"github.com/zeami/zwatch/internal/domain/target"
	"github.com/zeami/zwatch/internal/ports"
)

func TestMain(m *testing.M) {
	color.NoColor = true
	os.Exit(m.Run())
}

// =============================================================================
// check: target coverage, filtering and classification of a single path
// =============================================================================

func checkFixture(t *testing.T) (config.WatchConfig, *target.Registry, *filter.Engine, *classify.Classifier) {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for _, d := range []string{"src", ".claude", "docs"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}

	cfg := config.Default()
	cfg.Root = root
	cfg.Targets = []ports.WatchTarget{
		{Path: "src", Recursive: true, Description: "source code"},
		{Path: ".claude", Recursive: true, Description: "Claude Code state"},
		{Path: ".", Recursive: false, Description: "project root files"},
	}
	cfg.Filters = []filter.Rule{{Pattern: "*.gen.go", Type: filter.Glob, Reason: "generated"}}

	engine, err := filter.New(cfg.Filters, filter.WithRoot(root))
	require.NoError(t, err)
	reg := target.NewRegistry(root)
	require.Empty(t, reg.RegisterAll(cfg.EffectiveTargets()))
	return cfg, reg, engine, classify.New(root)
}

func TestExplain_SourceFile(t *testing.T) {
	cfg, reg, engine, cls := checkFixture(t)

	v := explain(cfg, reg, engine, cls, "src/app/main.go")
	assert.Equal(t, filepath.Join(cfg.Root, "src", "app", "main.go"), v.Path)
	require.NotNil(t, v.Watched)
	assert.Equal(t, "source code", v.Watched.Description)
	assert.False(t, v.Suppressed)
	assert.Equal(t, ports.SourceChanged, v.Category)
}

func TestExplain_BuiltinAndUserRules(t *testing.T) {
	cfg, reg, engine, cls := checkFixture(t)

	v := explain(cfg, reg, engine, cls, "src/node_modules/x/index.js")
	assert.True(t, v.Suppressed)
	assert.Equal(t, filter.ReasonDependency, v.Rule.Reason)

	v = explain(cfg, reg, engine, cls, filepath.Join(cfg.Root, "src", "api.gen.go"))
	assert.True(t, v.Suppressed)
	assert.Equal(t, "generated", v.Rule.Reason)
}

func TestExplain_ShallowTargetCoverage(t *testing.T) {
	cfg, reg, engine, cls := checkFixture(t)

	v := explain(cfg, reg, engine, cls, "go.mod")
	require.NotNil(t, v.Watched)
	assert.Equal(t, "project root files", v.Watched.Description)
	assert.Equal(t, ports.ConfigChanged, v.Category)

	v = explain(cfg, reg, engine, cls, "docs/guide.md")
	assert.Nil(t, v.Watched, "the root target is not recursive")
	assert.Contains(t, formatVerdict(v, cfg.Root), "not under any watch target")
}

func TestFormatVerdict_HighPriority(t *testing.T) {
	cfg, reg, engine, cls := checkFixture(t)

	out := formatVerdict(explain(cfg, reg, engine, cls, ".claude/todos.json"), cfg.Root)
	assert.Contains(t, out, "claude_state_changed")
	assert.Contains(t, out, "high priority")
}

// =============================================================================
// Output formatting
// =============================================================================

func TestFormatEvent(t *testing.T) {
	ev := ports.ClassifiedEvent{
		Path:           "/project/src/a.go",
		Kind:           ports.Modified,
		Category:       ports.SourceChanged,
		Source:         "source",
		CoalescedCount: 3,
		EmittedAt:      time.Date(2024, 1, 1, 12, 30, 45, 0, time.UTC),
	}
	line := formatEvent(ev, "/project")
	assert.True(t, strings.HasPrefix(line, "12:30:45.000"))
	assert.Contains(t, line, "source_changed")
	assert.Contains(t, line, "modified")
	assert.Contains(t, line, "src/a.go")
	assert.Contains(t, line, "×3")
	assert.NotContains(t, line, "⚡")

	ev.Category = ports.GitCommit
	ev.CoalescedCount = 1
	line = formatEvent(ev, "/project")
	assert.Contains(t, line, "⚡")
	assert.NotContains(t, line, "×")
}

func TestDisplayPath(t *testing.T) {
	assert.Equal(t, "src/a.go", displayPath("/project/src/a.go", "/project"))
	assert.Equal(t, "/elsewhere/a.go", displayPath("/elsewhere/a.go", "/project"))
	assert.Equal(t, "/project/a.go", displayPath("/project/a.go", ""))
}

func TestFormatSourceError(t *testing.T) {
	recovered := &ports.WatchSourceError{Source: "fsnotify", Op: "read", Recovered: true}
	assert.True(t, strings.HasPrefix(formatSourceError(recovered), "⚠"))

	fatal := &ports.WatchSourceError{Source: "fsnotify", Op: "read"}
	assert.True(t, strings.HasPrefix(formatSourceError(fatal), "✗"))
}

func TestFormatRuns(t *testing.T) {
	assert.Equal(t, "no runs recorded\n", formatRuns(nil))

	start := time.Date(2024, 1, 1, 10, 0, 0, 0, time.Local)
	out := formatRuns([]ports.RunRecord{
		{ID: "r2", Mode: "poll", StartedAt: start},
		{ID: "r1", Mode: "native", StartedAt: start, StoppedAt: start.Add(90 * time.Second), Raw: 10, Emitted: 2},
	})
	assert.Contains(t, out, "running or crashed")
	assert.Contains(t, out, "1m30s")
	assert.Contains(t, out, "10 raw")
}

func TestFormatLastRun(t *testing.T) {
	out := formatLastRun(&status.StatusData{RunID: "r1", State: "stopped", Emitted: 4, FilteredOut: 9, TopSources: []string{"source", "git"}})
	assert.Contains(t, out, "r1, stopped")
	assert.Contains(t, out, "4 (9 filtered out)")
	assert.Contains(t, out, "source, git")
}

func TestResolveColor(t *testing.T) {
	assert.False(t, resolveColor("always", true))
	assert.True(t, resolveColor("always", false))
	assert.False(t, resolveColor("never", false))
}
