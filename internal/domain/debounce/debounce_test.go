package debounce

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zeami/zwatch/internal/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// recorder collects emitted entries.
type recorder struct {
	mu      sync.Mutex
	entries []Entry
	ch      chan Entry
}

func newRecorder() *recorder {
	return &recorder{ch: make(chan Entry, 256)}
}

func (r *recorder) emit(e Entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
	select {
	case r.ch <- e:
	default:
	}
}

func (r *recorder) all() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

func (r *recorder) wait(t *testing.T, timeout time.Duration) Entry {
	t.Helper()
	select {
	case e := <-r.ch:
		return e
	case <-time.After(timeout):
		t.Fatal("timed out waiting for emission")
		return Entry{}
	}
}

func raw(path string, kind ports.EventKind) ports.RawEvent {
	return ports.RawEvent{Path: path, Kind: kind, ObservedAt: time.Now()}
}

// =============================================================================
// Coalescing
// =============================================================================

func TestBurstCoalescesIntoOneEmission(t *testing.T) {
	rec := newRecorder()
	d := New(100*time.Millisecond, rec.emit)
	defer d.Stop()

	start := time.Now()
	for i := 0; i < 50; i++ {
		require.True(t, d.Submit(raw("/p/src/main.rs", ports.Modified)))
		time.Sleep(80 * time.Millisecond / 50)
	}
	burstEnd := time.Now()

	e := rec.wait(t, 2*time.Second)
	assert.Equal(t, "/p/src/main.rs", e.Key)
	assert.Equal(t, 50, e.CoalescedCount)
	assert.Equal(t, ports.Modified, e.Kind)
	assert.False(t, e.FirstSeenAt.Before(start))
	assert.False(t, e.LastSeenAt.After(burstEnd))
	assert.True(t, e.LastSeenAt.After(e.FirstSeenAt))

	time.Sleep(150 * time.Millisecond)
	assert.Len(t, rec.all(), 1, "burst must produce exactly one emission")
	assert.Equal(t, 0, d.Pending())
}

func TestIndependentPathsEmitSeparately(t *testing.T) {
	rec := newRecorder()
	d := New(30*time.Millisecond, rec.emit)
	defer d.Stop()

	d.Submit(raw("/p/a.go", ports.Modified))
	d.Submit(raw("/p/b.go", ports.Created))
	d.Submit(raw("/p/a.go", ports.Modified))
	assert.Equal(t, 2, d.Pending())

	got := map[string]Entry{}
	for i := 0; i < 2; i++ {
		e := rec.wait(t, time.Second)
		got[e.Key] = e
	}
	assert.Equal(t, 2, got["/p/a.go"].CoalescedCount)
	assert.Equal(t, 1, got["/p/b.go"].CoalescedCount)
	assert.Equal(t, ports.Created, got["/p/b.go"].Kind)
}

func TestBusyPathDoesNotDelayQuietPath(t *testing.T) {
	rec := newRecorder()
	d := New(40*time.Millisecond, rec.emit)
	defer d.Stop()

	d.Submit(raw("/p/quiet.go", ports.Modified))
	deadline := time.Now().Add(200 * time.Millisecond)
	var first Entry
	gotFirst := false
	for time.Now().Before(deadline) {
		d.Submit(raw("/p/busy.go", ports.Modified))
		select {
		case e := <-rec.ch:
			if !gotFirst {
				first, gotFirst = e, true
			}
		default:
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, gotFirst, "quiet path must emit while the busy path is still active")
	assert.Equal(t, "/p/quiet.go", first.Key)
}

func TestConcurrentSubmitsSamePath(t *testing.T) {
	rec := newRecorder()
	d := New(50*time.Millisecond, rec.emit)
	defer d.Stop()

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				d.Submit(raw("/p/shared.go", ports.Modified))
			}
		}()
	}
	wg.Wait()

	total := 0
	deadline := time.After(2 * time.Second)
	for total < 200 {
		select {
		case e := <-rec.ch:
			total += e.CoalescedCount
		case <-deadline:
			t.Fatalf("only %d of 200 events accounted for", total)
		}
	}
	assert.Equal(t, 200, total)
}

// =============================================================================
// Kind policy
// =============================================================================

func TestMergeKind(t *testing.T) {
	cases := []struct {
		seq  []ports.EventKind
		want ports.EventKind
	}{
		{[]ports.EventKind{ports.Modified, ports.Deleted}, ports.Deleted},
		{[]ports.EventKind{ports.Modified, ports.Deleted, ports.Created}, ports.Modified},
		{[]ports.EventKind{ports.Deleted, ports.Created}, ports.Modified},
		{[]ports.EventKind{ports.Created, ports.Deleted, ports.Created}, ports.Created},
		{[]ports.EventKind{ports.Created, ports.Modified}, ports.Modified},
		{[]ports.EventKind{ports.Modified, ports.Renamed}, ports.Renamed},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprint(tc.seq), func(t *testing.T) {
			rec := newRecorder()
			d := New(20*time.Millisecond, rec.emit)
			defer d.Stop()
			for _, k := range tc.seq {
				d.Submit(raw("/p/file", k))
			}
			e := rec.wait(t, time.Second)
			assert.Equal(t, tc.want, e.Kind)
			assert.Equal(t, tc.seq[0], e.OpenedAs)
		})
	}
}

// =============================================================================
// Stop
// =============================================================================

func TestStop_NoEmissionAfterStop(t *testing.T) {
	rec := newRecorder()
	var dropped []Entry
	var mu sync.Mutex
	d := New(30*time.Millisecond, rec.emit, WithDropHook(func(e Entry) {
		mu.Lock()
		dropped = append(dropped, e)
		mu.Unlock()
	}))

	d.Submit(raw("/p/a", ports.Modified))
	d.Submit(raw("/p/b", ports.Modified))
	n := d.Stop()

	assert.Equal(t, 2, n)
	assert.False(t, d.Submit(raw("/p/c", ports.Modified)), "submit after stop is refused")
	assert.Equal(t, 0, d.Pending())

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.all())
	mu.Lock()
	assert.Len(t, dropped, 2)
	mu.Unlock()

	assert.Equal(t, 0, d.Stop(), "second stop is a no-op")
}

func TestStop_WaitsForInFlightEmission(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	d := New(10*time.Millisecond, func(Entry) {
		close(entered)
		<-release
	})

	d.Submit(raw("/p/a", ports.Modified))
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("emission never started")
	}

	stopped := make(chan struct{})
	go func() {
		d.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while an emission was in progress")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("Stop did not return after emission finished")
	}
}

func TestStop_UnderLoad(t *testing.T) {
	rec := newRecorder()
	d := New(time.Millisecond, rec.emit)

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				if !d.Submit(raw(fmt.Sprintf("/p/%d/%d", g, i%10), ports.Modified)) {
					return
				}
			}
		}(g)
	}
	time.Sleep(5 * time.Millisecond)
	d.Stop()
	emittedAtStop := len(rec.all())
	wg.Wait()

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, emittedAtStop, len(rec.all()), "nothing emitted after Stop returned")
}

func TestNew_PanicsOnNonPositiveWindow(t *testing.T) {
	assert.Panics(t, func() { New(0, func(Entry) {}) })
}
