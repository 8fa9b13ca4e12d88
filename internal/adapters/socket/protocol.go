// Package socket implements the control protocol of the zwatch daemon: one
// JSON object per line over a Unix socket.
package socket

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/zeami/zwatch/internal/domain/stats"
	"github.com/zeami/zwatch/internal/ports"
)

// SocketPath returns the Unix socket path for a given project root.
// Format: /tmp/zwatch-{first12hex}.sock
func SocketPath(projectRoot string) string {
	abs, err := filepath.Abs(projectRoot)
	if err != nil {
		abs = projectRoot
	}
	h := sha256.Sum256([]byte(abs))
	return fmt.Sprintf("/tmp/zwatch-%x.sock", h[:6])
}

// Method names for the protocol.
const (
	MethodHealth   = "health"
	MethodStats    = "stats"
	MethodTargets  = "targets"
	MethodRecent   = "recent"
	MethodShutdown = "shutdown"
)

// Limits for recent-event queries.
const (
	DefaultRecentLimit = 50
	MaxRecentLimit     = 1000
)

// Request is the wire format for client-to-server messages.
type Request struct {
	ID     string      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params,omitempty"`
}

// Response is the wire format for server-to-client messages.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}

// HealthResult is the result of a health request.
type HealthResult struct {
	Status string `json:"status"`
	State  string `json:"state"`
	Mode   string `json:"mode"`
	RunID  string `json:"run_id,omitempty"`
	Root   string `json:"root"`
	PID    int    `json:"pid"`
	Uptime string `json:"uptime"`
}

// StatsResult is a counter snapshot plus its derived ratios.
type StatsResult struct {
	stats.Snapshot
	FilterEfficiency float64 `json:"filter_efficiency_pct"`
	Reduction        float64 `json:"reduction_pct"`
	Throughput       float64 `json:"events_per_second"`
	Uptime           string  `json:"uptime"`

	// Rolling one-minute view, filled in by the daemon.
	RecentRate  float64 `json:"events_per_second_1m"`
	MedianBurst int     `json:"median_burst"`
}

// NewStatsResult derives the wire form of a snapshot.
func NewStatsResult(s stats.Snapshot) StatsResult {
	return StatsResult{
		Snapshot:         s,
		FilterEfficiency: s.FilterEfficiency(),
		Reduction:        s.Reduction(),
		Throughput:       s.Throughput(),
		Uptime:           s.Uptime().Round(time.Second).String(),
	}
}

// TargetsResult lists the watch targets of the running service.
type TargetsResult struct {
	Root    string              `json:"root"`
	Targets []ports.WatchTarget `json:"targets"`
	Count   int                 `json:"count"`
}

// RecentParams is the params for a recent request.
type RecentParams struct {
	Limit int `json:"limit,omitempty"`
}

// RecentResult holds emitted events, newest first.
type RecentResult struct {
	Events []ports.ClassifiedEvent `json:"events"`
	Count  int                     `json:"count"`
}

// ClampLimit maps a requested limit into [1, MaxRecentLimit]; zero or
// negative means DefaultRecentLimit.
func ClampLimit(n int) int {
	switch {
	case n <= 0:
		return DefaultRecentLimit
	case n > MaxRecentLimit:
		return MaxRecentLimit
	default:
		return n
	}
}
