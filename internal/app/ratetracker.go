package app

import (
	"sort"
	"time"
)

// RateTracker keeps the emitted events of a rolling window and reports the
// recent emission rate and the median burst size (raw events coalesced into
// one emission).
// Not thread-safe; callers serialize access under App.mu.
type RateTracker struct {
	window  time.Duration
	samples []rateSample
}

type rateSample struct {
	ts        time.Time
	coalesced int
}

// NewRateTracker creates a tracker with the given rolling window duration.
func NewRateTracker(window time.Duration) *RateTracker {
	return &RateTracker{window: window}
}

// Record adds an emission at the current time.
func (r *RateTracker) Record(coalesced int) {
	r.RecordAt(time.Now(), coalesced)
}

// RecordAt adds an emission at a specific timestamp. Counts below one are
// treated as one.
func (r *RateTracker) RecordAt(ts time.Time, coalesced int) {
	if coalesced < 1 {
		coalesced = 1
	}
	r.samples = append(r.samples, rateSample{ts: ts, coalesced: coalesced})
	r.evict(ts)
}

// PerSecond returns emissions per second over the window ending at now.
func (r *RateTracker) PerSecond(now time.Time) float64 {
	r.evict(now)
	return float64(len(r.samples)) / r.window.Seconds()
}

// MedianBurst returns the P50 coalesced count within the window, or 0 when
// nothing was emitted.
func (r *RateTracker) MedianBurst(now time.Time) int {
	r.evict(now)
	if len(r.samples) == 0 {
		return 0
	}
	// Copy counts for sorting (don't mutate sample order)
	counts := make([]int, len(r.samples))
	for i, s := range r.samples {
		counts[i] = s.coalesced
	}
	sort.Ints(counts)
	return counts[len(counts)/2]
}

// Len returns the number of emissions inside the window ending at now.
func (r *RateTracker) Len(now time.Time) int {
	r.evict(now)
	return len(r.samples)
}

// Reset clears all samples.
func (r *RateTracker) Reset() {
	r.samples = nil
}

// evict removes samples older than the window.
func (r *RateTracker) evict(now time.Time) {
	cutoff := now.Add(-r.window)
	i := 0
	for i < len(r.samples) && r.samples[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		r.samples = r.samples[i:]
	}
}
