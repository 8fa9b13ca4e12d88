// Package debounce coalesces bursts of raw events per path into a single
// trailing-edge notification.
//
// Each path owns one pending entry and one timer. Every event for the path
// resets the timer; when the path has been quiet for the window the entry is
// handed to the emit callback exactly once. Paths never share timers, so a
// noisy file cannot delay another file's notification.
//
// Locking: the entry map is guarded by mapMu and is used only for lookup,
// insert and removal. Each entry has its own mutex. When both are held the
// entry lock is taken first. Emission runs under the read side of gate, and
// Stop takes the write side, so Stop returns only after any emission already
// in progress has finished.
package debounce

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zeami/zwatch/internal/ports"
)

// Entry is the coalesced state of one path at the time it is emitted.
type Entry struct {
	Key            string
	Kind           ports.EventKind
	OpenedAs       ports.EventKind // kind of the event that opened the window
	FirstSeenAt    time.Time
	LastSeenAt     time.Time
	CoalescedCount int
}

type entry struct {
	mu      sync.Mutex
	Entry   Entry
	seq     uint64
	timer   *time.Timer
	retired bool
}

// Debouncer holds per-path pending entries.
type Debouncer struct {
	window time.Duration
	emit   func(Entry)
	drop   func(Entry)
	logger *zap.Logger

	mapMu   sync.Mutex
	entries map[string]*entry
	closed  bool

	gate    sync.RWMutex
	stopped bool
}

// Option configures a Debouncer.
type Option func(*Debouncer)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(d *Debouncer) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithDropHook registers fn to be called for every pending entry discarded by
// Stop instead of being emitted.
func WithDropHook(fn func(Entry)) Option {
	return func(d *Debouncer) { d.drop = fn }
}

// New creates a debouncer with the given quiet window. emit is called from
// timer goroutines, one call per quiesced path; it may block, but Stop will
// wait for it.
func New(window time.Duration, emit func(Entry), opts ...Option) *Debouncer {
	if window <= 0 {
		panic(fmt.Sprintf("debounce: window must be positive, got %s", window))
	}
	d := &Debouncer{
		window:  window,
		emit:    emit,
		logger:  zap.NewNop(),
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Window returns the quiet period.
func (d *Debouncer) Window() time.Duration { return d.window }

// Submit records ev and (re)arms the path's timer. It returns false once the
// debouncer has been stopped.
func (d *Debouncer) Submit(ev ports.RawEvent) bool {
	at := ev.ObservedAt
	if at.IsZero() {
		at = time.Now()
	}

	for {
		d.mapMu.Lock()
		if d.closed {
			d.mapMu.Unlock()
			return false
		}
		e, ok := d.entries[ev.Path]
		if !ok {
			e = &entry{Entry: Entry{
				Key:            ev.Path,
				Kind:           ev.Kind,
				OpenedAs:       ev.Kind,
				FirstSeenAt:    at,
				LastSeenAt:     at,
				CoalescedCount: 1,
			}}
			d.entries[ev.Path] = e
			e.timer = d.arm(e, 0)
			d.mapMu.Unlock()
			return true
		}
		d.mapMu.Unlock()

		e.mu.Lock()
		if e.retired {
			// Fired or cancelled between lookup and lock; it is already gone
			// from the map, so the next pass starts a fresh window.
			e.mu.Unlock()
			continue
		}
		e.Entry.Kind = mergeKind(e.Entry, ev.Kind)
		if at.After(e.Entry.LastSeenAt) {
			e.Entry.LastSeenAt = at
		}
		e.Entry.CoalescedCount++
		e.seq++
		e.timer.Stop()
		e.timer = d.arm(e, e.seq)
		e.mu.Unlock()
		return true
	}
}

func (d *Debouncer) arm(e *entry, seq uint64) *time.Timer {
	return time.AfterFunc(d.window, func() { d.fire(e, seq) })
}

// fire runs on the timer goroutine. A stale seq means the timer was reset
// after this callback was already scheduled.
func (d *Debouncer) fire(e *entry, seq uint64) {
	e.mu.Lock()
	if e.retired || e.seq != seq {
		e.mu.Unlock()
		return
	}
	e.retired = true
	snapshot := e.Entry

	d.mapMu.Lock()
	if d.entries[snapshot.Key] != e {
		d.mapMu.Unlock()
		e.mu.Unlock()
		panic(fmt.Sprintf("debounce: entry for %q detached before firing", snapshot.Key))
	}
	delete(d.entries, snapshot.Key)
	d.mapMu.Unlock()
	e.mu.Unlock()

	d.gate.RLock()
	defer d.gate.RUnlock()
	if d.stopped {
		if d.drop != nil {
			d.drop(snapshot)
		}
		return
	}
	if snapshot.CoalescedCount > 1 {
		d.logger.Debug("burst coalesced",
			zap.String("path", snapshot.Key),
			zap.Int("count", snapshot.CoalescedCount),
			zap.Duration("span", snapshot.LastSeenAt.Sub(snapshot.FirstSeenAt)))
	}
	d.emit(snapshot)
}

// Pending returns the number of paths waiting for their window to close.
func (d *Debouncer) Pending() int {
	d.mapMu.Lock()
	defer d.mapMu.Unlock()
	return len(d.entries)
}

// Stop cancels every pending timer and returns the number of entries it
// discarded. It blocks until an emission already in progress has returned;
// after Stop returns emit is never called again. Stop is idempotent.
func (d *Debouncer) Stop() int {
	d.gate.Lock()
	d.stopped = true
	d.gate.Unlock()

	d.mapMu.Lock()
	d.closed = true
	pending := make([]*entry, 0, len(d.entries))
	for _, e := range d.entries {
		pending = append(pending, e)
	}
	d.mapMu.Unlock()

	cancelled := 0
	for _, e := range pending {
		e.mu.Lock()
		if !e.retired {
			e.retired = true
			e.timer.Stop()
			d.mapMu.Lock()
			if d.entries[e.Entry.Key] == e {
				delete(d.entries, e.Entry.Key)
			}
			d.mapMu.Unlock()
			cancelled++
			if d.drop != nil {
				d.drop(e.Entry)
			}
		}
		e.mu.Unlock()
	}

	if cancelled > 0 {
		d.logger.Debug("pending entries cancelled", zap.Int("count", cancelled))
	}
	return cancelled
}

// mergeKind applies the coalescing policy: the most recent kind wins, except
// that a path deleted and recreated within one window, which existed when the
// window opened, is reported as modified.
func mergeKind(cur Entry, next ports.EventKind) ports.EventKind {
	if next == ports.Created && cur.Kind == ports.Deleted && cur.OpenedAs != ports.Created {
		return ports.Modified
	}
	return next
}
