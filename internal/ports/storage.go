// Package ports defines the interfaces (contracts) that adapters must implement.
// These are the boundaries of the hexagonal architecture. Domain logic depends
// only on these interfaces, never on concrete implementations.
package ports

import "time"

// Journal records classified events emitted by a running service so they can
// be inspected after the fact. It belongs to the daemon, not to the watch
// pipeline: the pipeline never reads from it.
//
// Crash safety: Append and EndRun must be transactional. A crash mid-write
// must not corrupt previously committed records.
type Journal interface {
	// Append stores one event under the given run. Oldest records beyond the
	// adapter's retention limit may be discarded.
	Append(runID string, ev ClassifiedEvent) error

	// Recent returns up to limit events, newest first.
	Recent(limit int) ([]JournalRecord, error)

	// BeginRun records the start of a service run.
	BeginRun(run RunRecord) error

	// EndRun records the final state of a run. Idempotent.
	EndRun(run RunRecord) error

	// Runs returns recorded runs, newest first.
	Runs(limit int) ([]RunRecord, error)

	Close() error
}

// JournalRecord is a stored event with its journal sequence number.
type JournalRecord struct {
	Seq   uint64          `json:"seq"`
	RunID string          `json:"run_id"`
	Event ClassifiedEvent `json:"event"`
}

// RunRecord describes one Start..Stop cycle of the service.
type RunRecord struct {
	ID        string    `json:"id"`
	Root      string    `json:"root"`
	Mode      string    `json:"mode"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`

	Raw         uint64 `json:"raw"`
	FilteredOut uint64 `json:"filtered_out"`
	Passed      uint64 `json:"passed"`
	Emitted     uint64 `json:"emitted"`
}
