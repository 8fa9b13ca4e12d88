// Package status generates the status file of a zwatch daemon.
//
// The daemon rewrites the file as events are emitted and once more on
// shutdown. Shell prompts and agent hooks read it instead of querying the
// control socket.
package status

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/zeami/zwatch/internal/domain/stats"
	"github.com/zeami/zwatch/internal/ports"
)

// StatusFile is the filename within the run directory where status JSON is written.
const StatusFile = "status.json"

// StatusData is the JSON payload the daemon writes for hooks to read.
type StatusData struct {
	State       string               `json:"state"`
	Mode        string               `json:"mode"`
	RunID       string               `json:"run_id,omitempty"`
	Emitted     uint64               `json:"emitted"`
	FilteredOut uint64               `json:"filtered_out"`
	LastChange  map[string]time.Time `json:"last_change,omitempty"` // by category
	TopSources  []string             `json:"top_sources,omitempty"`
	UpdatedAt   time.Time            `json:"updated_at"`
}

// Activity is what the daemon tracks between status writes.
type Activity struct {
	LastByCategory map[ports.Category]time.Time
	SourceCounts   map[string]int
}

// NewActivity returns an empty tracker.
func NewActivity() *Activity {
	return &Activity{
		LastByCategory: make(map[ports.Category]time.Time),
		SourceCounts:   make(map[string]int),
	}
}

// Observe records one emitted event. Not thread-safe.
func (a *Activity) Observe(ev ports.ClassifiedEvent) {
	a.LastByCategory[ev.Category] = ev.EmittedAt
	if ev.Source != "" {
		a.SourceCounts[ev.Source]++
	}
}

// Generate produces a StatusData from the current counters and activity.
func Generate(state, runID string, snap stats.Snapshot, act *Activity) *StatusData {
	sd := &StatusData{
		State:       state,
		Mode:        snap.Mode,
		RunID:       runID,
		Emitted:     snap.EmittedCount,
		FilteredOut: snap.FilteredOutCount,
		UpdatedAt:   snap.TakenAt,
	}
	if act != nil {
		if len(act.LastByCategory) > 0 {
			sd.LastChange = make(map[string]time.Time, len(act.LastByCategory))
			for cat, ts := range act.LastByCategory {
				sd.LastChange[cat.String()] = ts
			}
		}
		sd.TopSources = topSources(act.SourceCounts, 3)
	}
	return sd
}

// WriteJSON writes the status data as JSON to a file. The file is replaced
// atomically so readers never see a partial write.
func WriteJSON(path string, data *StatusData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".status-*.tmp")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ReadJSON loads a status file.
func ReadJSON(path string) (*StatusData, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sd StatusData
	if err := json.Unmarshal(b, &sd); err != nil {
		return nil, err
	}
	return &sd, nil
}

// topSources returns the top N source labels sorted by count descending.
func topSources(counts map[string]int, n int) []string {
	if len(counts) == 0 {
		return nil
	}

	type sc struct {
		name  string
		count int
	}

	var sources []sc
	for name, c := range counts {
		if c > 0 {
			sources = append(sources, sc{name, c})
		}
	}

	sort.Slice(sources, func(i, j int) bool {
		if sources[i].count != sources[j].count {
			return sources[i].count > sources[j].count
		}
		return sources[i].name < sources[j].name
	})

	limit := n
	if limit > len(sources) {
		limit = len(sources)
	}

	result := make([]string, limit)
	for i := 0; i < limit; i++ {
		result[i] = sources[i].name
	}
	return result
}
