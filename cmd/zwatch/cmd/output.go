package cmd

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/zeami/zwatch/internal/adapters/socket"
	"github.com/zeami/zwatch/internal/domain/status"
	"github.com/zeami/zwatch/internal/ports"
)

var (
	bold   = color.New(color.Bold).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
)

var categoryColors = map[ports.Category]*color.Color{
	ports.ClaudeStateChanged: color.New(color.FgMagenta, color.Bold),
	ports.GitCommit:          color.New(color.FgYellow, color.Bold),
	ports.SourceChanged:      color.New(color.FgCyan),
	ports.ConfigChanged:      color.New(color.FgGreen),
	ports.Generic:            color.New(color.FgWhite),
}

// displayPath shortens p to be relative to root when it lies inside it.
func displayPath(p, root string) string {
	if root == "" {
		return p
	}
	rel, err := filepath.Rel(root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return p
	}
	return rel
}

// formatEvent renders one classified event as a single line:
//
//	15:04:05.000 ⚡ source_changed   modified  src/app.go ×3 [source]
func formatEvent(ev ports.ClassifiedEvent, root string) string {
	c, ok := categoryColors[ev.Category]
	if !ok {
		c = categoryColors[ports.Generic]
	}
	marker := " "
	if ev.HighPriority() {
		marker = "⚡"
	}

	var sb strings.Builder
	sb.WriteString(gray(ev.EmittedAt.Format("15:04:05.000")))
	sb.WriteString(" " + marker + " ")
	sb.WriteString(c.Sprintf("%-20s", ev.Category))
	sb.WriteString(fmt.Sprintf(" %-8s ", ev.Kind))
	sb.WriteString(displayPath(ev.Path, root))
	if ev.CoalescedCount > 1 {
		sb.WriteString(gray(fmt.Sprintf(" ×%d", ev.CoalescedCount)))
	}
	if ev.Source != "" {
		sb.WriteString(" " + gray("["+ev.Source+"]"))
	}
	return sb.String()
}

// formatSourceError renders a runtime source failure.
func formatSourceError(err error) string {
	var wse *ports.WatchSourceError
	if errors.As(err, &wse) && wse.Recovered {
		return yellow("⚠ ") + err.Error()
	}
	return red("✗ ") + err.Error()
}

// formatHealth renders a health result.
func formatHealth(h *socket.HealthResult) string {
	st := green(h.Status)
	if h.Status != "ok" {
		st = yellow(h.Status)
	}
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s zwatch daemon %s\n", bold("⚡"), st))
	sb.WriteString(fmt.Sprintf("  state   %s (%s)\n", h.State, h.Mode))
	sb.WriteString(fmt.Sprintf("  root    %s\n", cyan(h.Root)))
	if h.RunID != "" {
		sb.WriteString(fmt.Sprintf("  run     %s\n", gray(h.RunID)))
	}
	sb.WriteString(fmt.Sprintf("  pid     %d\n", h.PID))
	sb.WriteString(fmt.Sprintf("  uptime  %s\n", h.Uptime))
	return sb.String()
}

// formatStats renders the counters and derived ratios.
//
//	⚡ 1204 raw │ 91.2% filtered │ 88.0% debounced │ 13 emitted
func formatStats(s *socket.StatsResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %d raw │ %.1f%% filtered │ %.1f%% debounced │ %d emitted\n",
		bold("⚡"), s.RawCount, s.FilterEfficiency, s.Reduction, s.EmittedCount))
	sb.WriteString(fmt.Sprintf("  mode          %s\n", s.Mode))
	sb.WriteString(fmt.Sprintf("  filtered out  %d\n", s.FilteredOutCount))
	sb.WriteString(fmt.Sprintf("  passed        %d\n", s.PassedFilterCount))
	sb.WriteString(fmt.Sprintf("  cancelled     %d\n", s.CancelledCount))
	sb.WriteString(fmt.Sprintf("  throughput    %.2f events/s (last minute %.2f/s, median burst %d)\n",
		s.Throughput, s.RecentRate, s.MedianBurst))
	if s.SourceErrors > 0 || s.Overflows > 0 || s.Fallbacks > 0 {
		sb.WriteString(yellow(fmt.Sprintf("  source errors %d, overflows %d, fallbacks %d\n",
			s.SourceErrors, s.Overflows, s.Fallbacks)))
	}
	sb.WriteString(fmt.Sprintf("  uptime        %s\n", s.Uptime))
	return sb.String()
}

// formatTargets renders the effective watch targets.
func formatTargets(t *socket.TargetsResult) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%s %d targets under %s\n", bold("⚡"), t.Count, cyan(t.Root)))
	for _, wt := range t.Targets {
		mode := "shallow"
		if wt.Recursive {
			mode = "recursive"
		}
		sb.WriteString(fmt.Sprintf("  %-40s %-9s p%-2d %s\n", displayPath(wt.Path, t.Root), mode, wt.Priority, gray(wt.Description)))
	}
	return sb.String()
}

// formatRuns renders the recorded run summaries, newest first.
func formatRuns(runs []ports.RunRecord) string {
	if len(runs) == 0 {
		return "no runs recorded\n"
	}
	var sb strings.Builder
	for _, r := range runs {
		end := yellow("running or crashed")
		if !r.StoppedAt.IsZero() {
			end = r.StoppedAt.Sub(r.StartedAt).Round(time.Millisecond).String()
		}
		sb.WriteString(fmt.Sprintf("%s %s  %-6s %s\n", gray(r.StartedAt.Format("2006-01-02 15:04:05")), r.ID, r.Mode, end))
		sb.WriteString(fmt.Sprintf("    %d raw, %d filtered, %d passed, %d emitted\n", r.Raw, r.FilteredOut, r.Passed, r.Emitted))
	}
	return sb.String()
}

// formatLastRun renders the status file left behind by a previous daemon.
func formatLastRun(sd *status.StatusData) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("  last run  %s, %s at %s\n", gray(sd.RunID), sd.State, sd.UpdatedAt.Format("2006-01-02 15:04:05")))
	sb.WriteString(fmt.Sprintf("  emitted   %d (%d filtered out)\n", sd.Emitted, sd.FilteredOut))
	if len(sd.TopSources) > 0 {
		sb.WriteString(fmt.Sprintf("  busiest   %s\n", strings.Join(sd.TopSources, ", ")))
	}
	return sb.String()
}
