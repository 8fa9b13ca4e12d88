// Package stats counts events at each pipeline stage.
package stats

import (
	"time"

	"go.uber.org/atomic"
)

// Modes reported in snapshots.
const (
	ModeStopped = "stopped"
	ModeNative  = "native"
	ModePoll    = "poll"
)

// Collector holds monotonic counters. Counters are updated from the pipeline
// goroutine and debouncer timers; reads never block writers.
type Collector struct {
	filteredOut  atomic.Uint64
	passed       atomic.Uint64
	emitted      atomic.Uint64
	cancelled    atomic.Uint64
	sourceErrors atomic.Uint64
	overflows    atomic.Uint64
	fallbacks    atomic.Uint64

	mode      atomic.String
	startedAt atomic.Time
}

// NewCollector returns a zeroed collector in stopped mode.
func NewCollector() *Collector {
	c := &Collector{}
	c.mode.Store(ModeStopped)
	return c
}

// FilteredOut records a raw event suppressed by the filter.
func (c *Collector) FilteredOut() { c.filteredOut.Inc() }

// Passed records a raw event handed to the debouncer.
func (c *Collector) Passed() { c.passed.Inc() }

// Emitted records a classified event delivered to the consumer.
func (c *Collector) Emitted() { c.emitted.Inc() }

// Cancelled records a pending entry discarded on shutdown.
func (c *Collector) Cancelled() { c.cancelled.Inc() }

// SourceError records a failure reported by the event source.
func (c *Collector) SourceError() { c.sourceErrors.Inc() }

// Overflow records a kernel queue overflow (events were lost upstream).
func (c *Collector) Overflow() { c.overflows.Inc() }

// Fallback records a switch to the polling source.
func (c *Collector) Fallback() { c.fallbacks.Inc() }

// SetMode records which source is active.
func (c *Collector) SetMode(mode string) { c.mode.Store(mode) }

// MarkStarted records the start of a run.
func (c *Collector) MarkStarted(t time.Time) { c.startedAt.Store(t) }

// Reset zeroes every counter. Used when a stopped service is restarted.
func (c *Collector) Reset() {
	c.filteredOut.Store(0)
	c.passed.Store(0)
	c.emitted.Store(0)
	c.cancelled.Store(0)
	c.sourceErrors.Store(0)
	c.overflows.Store(0)
	c.fallbacks.Store(0)
	c.startedAt.Store(time.Time{})
	c.mode.Store(ModeStopped)
}

// Snapshot is a point-in-time copy of the counters.
//
// RawCount always equals FilteredOutCount + PassedFilterCount and
// EmittedCount never exceeds PassedFilterCount.
type Snapshot struct {
	RawCount          uint64    `json:"raw_count"`
	FilteredOutCount  uint64    `json:"filtered_out_count"`
	PassedFilterCount uint64    `json:"passed_filter_count"`
	EmittedCount      uint64    `json:"emitted_count"`
	CancelledCount    uint64    `json:"cancelled_count"`
	SourceErrors      uint64    `json:"source_errors"`
	Overflows         uint64    `json:"overflows"`
	Fallbacks         uint64    `json:"fallbacks"`
	Mode              string    `json:"mode"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	TakenAt           time.Time `json:"taken_at"`
}

// Snapshot reads the counters. Emitted is loaded before Passed: an event is
// counted as passed before it can be emitted, so the reverse order could
// observe an emission whose pass is not yet visible.
func (c *Collector) Snapshot() Snapshot {
	emitted := c.emitted.Load()
	passed := c.passed.Load()
	filtered := c.filteredOut.Load()
	return Snapshot{
		RawCount:          filtered + passed,
		FilteredOutCount:  filtered,
		PassedFilterCount: passed,
		EmittedCount:      emitted,
		CancelledCount:    c.cancelled.Load(),
		SourceErrors:      c.sourceErrors.Load(),
		Overflows:         c.overflows.Load(),
		Fallbacks:         c.fallbacks.Load(),
		Mode:              c.mode.Load(),
		StartedAt:         c.startedAt.Load(),
		TakenAt:           time.Now(),
	}
}

// FilterEfficiency is the share of raw events suppressed, in percent.
func (s Snapshot) FilterEfficiency() float64 {
	if s.RawCount == 0 {
		return 0
	}
	return float64(s.FilteredOutCount) / float64(s.RawCount) * 100
}

// Reduction is the share of passed events absorbed by debouncing, in percent.
func (s Snapshot) Reduction() float64 {
	if s.PassedFilterCount == 0 {
		return 0
	}
	return float64(s.PassedFilterCount-s.EmittedCount) / float64(s.PassedFilterCount) * 100
}

// Throughput is emitted events per second since the run started.
func (s Snapshot) Throughput() float64 {
	if s.StartedAt.IsZero() {
		return 0
	}
	elapsed := s.TakenAt.Sub(s.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(s.EmittedCount) / elapsed
}

// Uptime is the time since the run started.
func (s Snapshot) Uptime() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return s.TakenAt.Sub(s.StartedAt)
}
