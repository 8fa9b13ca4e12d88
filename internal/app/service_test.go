package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/zeami/zwatch/internal/config"
	"github.com/zeami/zwatch/internal/domain/filter"
	"github.com/zeami/zwatch/internal/domain/stats"
	"github.com/zeami/zwatch/internal/ports"
)

// =============================================================================
// Fake event source
// =============================================================================

type fakeSub struct {
	events    chan ports.RawEvent
	errs      chan error
	closed    chan struct{}
	closeOnce sync.Once
	delay     time.Duration
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		events: make(chan ports.RawEvent, 256),
		errs:   make(chan error, 1),
		closed: make(chan struct{}),
	}
}

func (f *fakeSub) Events() <-chan ports.RawEvent { return f.events }
func (f *fakeSub) Errors() <-chan error          { return f.errs }
func (f *fakeSub) Close() error {
	time.Sleep(f.delay)
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeSub) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

type fakeSource struct {
	name       string
	err        error
	closeDelay time.Duration

	mu      sync.Mutex
	subs    []*fakeSub
	targets [][]ports.WatchTarget
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Subscribe(targets []ports.WatchTarget, _ ports.SubscribeOptions) (ports.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	sub := newFakeSub()
	sub.delay = f.closeDelay
	f.subs = append(f.subs, sub)
	f.targets = append(f.targets, targets)
	return sub, nil
}

func (f *fakeSource) last() *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// =============================================================================
// Helpers
// =============================================================================

func projectDir(t *testing.T, dirs ...string) string {
	t.Helper()
	root, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	for _, d := range dirs {
		require.NoError(t, os.MkdirAll(filepath.Join(root, d), 0755))
	}
	return root
}

func testConfig(root string) config.WatchConfig {
	cfg := config.Default()
	cfg.Root = root
	cfg.Targets = []ports.WatchTarget{
		{Path: ".claude", Recursive: true},
		{Path: "src", Recursive: true},
		{Path: ".", Recursive: false},
	}
	cfg.DebounceMs = 30
	return cfg
}

func newTestService(t *testing.T, cfg config.WatchConfig) (*Service, *fakeSource, *fakeSource) {
	t.Helper()
	native := &fakeSource{name: "fake"}
	fallback := &fakeSource{name: "fakepoll"}
	svc := NewService(cfg, WithSource(native), WithFallbackSource(fallback))
	t.Cleanup(func() { _ = svc.Stop() })
	return svc, native, fallback
}

func next(t *testing.T, ch <-chan ports.Notification) ports.Notification {
	t.Helper()
	select {
	case n, ok := <-ch:
		require.True(t, ok, "events channel closed unexpectedly")
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return ports.Notification{}
	}
}

func expectQuiet(t *testing.T, ch <-chan ports.Notification, d time.Duration) {
	t.Helper()
	select {
	case n, ok := <-ch:
		if ok {
			t.Fatalf("unexpected notification: %+v", n)
		}
	case <-time.After(d):
	}
}

func waitClosed(t *testing.T, ch <-chan ports.Notification) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("events channel was not closed")
		}
	}
}

func rawEvent(path string, kind ports.EventKind) ports.RawEvent {
	return ports.RawEvent{Path: path, Kind: kind, ObservedAt: time.Now()}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestService_StartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, ".claude", "src")
	svc, native, _ := newTestService(t, testConfig(root))

	assert.Equal(t, Stopped, svc.State())
	assert.Nil(t, svc.Events())

	warnings, err := svc.Start(context.Background())
	require.NoError(t, err)
	assert.Empty(t, warnings)
	assert.True(t, svc.IsRunning())
	assert.Equal(t, stats.ModeNative, svc.Mode())
	assert.NotEmpty(t, svc.RunID())
	assert.Len(t, svc.Targets(), 3)

	_, err = svc.Start(context.Background())
	assert.True(t, errors.Is(err, ErrAlreadyRunning))

	events := svc.Events()
	require.NoError(t, svc.Stop())
	assert.Equal(t, Stopped, svc.State())
	assert.True(t, native.last().isClosed(), "subscription closed on stop")
	waitClosed(t, events)
	assert.Equal(t, stats.ModeStopped, svc.Mode())

	require.NoError(t, svc.Stop(), "stop is idempotent")
}

func TestService_RestartOpensNewChannel(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	svc, native, _ := newTestService(t, testConfig(root))

	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	first := svc.Events()
	require.NoError(t, svc.Stop())

	_, err = svc.Start(context.Background())
	require.NoError(t, err)
	second := svc.Events()
	assert.NotEqual(t, first, second)

	native.last().events <- rawEvent(filepath.Join(root, "src", "main.rs"), ports.Modified)
	n := next(t, second)
	assert.Equal(t, ports.SourceChanged, n.Event.Category)
	require.NoError(t, svc.Stop())
}

func TestService_ContextCancelStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	svc, _, _ := newTestService(t, testConfig(root))

	ctx, cancel := context.WithCancel(context.Background())
	_, err := svc.Start(ctx)
	require.NoError(t, err)
	events := svc.Events()

	cancel()
	waitClosed(t, events)
	assert.Eventually(t, func() bool { return svc.State() == Stopped }, time.Second, 10*time.Millisecond)
}

// =============================================================================
// Start failures and warnings
// =============================================================================

func TestService_InvalidTargetIsWarning(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.Targets = append(cfg.Targets, ports.WatchTarget{Path: "does-not-exist", Recursive: true})
	svc, native, _ := newTestService(t, cfg)

	warnings, err := svc.Start(context.Background())
	require.NoError(t, err)
	require.Len(t, warnings, 2, ".claude and does-not-exist are missing")
	assert.True(t, svc.IsRunning())

	native.mu.Lock()
	watched := native.targets[0]
	native.mu.Unlock()
	for _, tgt := range watched {
		assert.NotContains(t, tgt.Path, "does-not-exist")
	}
	require.NoError(t, svc.Stop())
}

func TestService_NoValidTargets(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t)
	cfg := testConfig(root)
	cfg.Targets = []ports.WatchTarget{{Path: "missing"}}
	svc, _, _ := newTestService(t, cfg)

	warnings, err := svc.Start(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoValidTargets))
	assert.Len(t, warnings, 1)
	assert.Equal(t, Stopped, svc.State())
}

func TestService_InvalidRuleIsFatal(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.Filters = []filter.Rule{{Pattern: "a/b", Type: filter.Segment}}
	svc, _, _ := newTestService(t, cfg)

	_, err := svc.Start(context.Background())
	var ire *filter.InvalidRuleError
	require.True(t, errors.As(err, &ire))
	assert.Equal(t, Stopped, svc.State())
}

func TestService_InvalidConfig(t *testing.T) {
	cfg := testConfig(projectDir(t))
	cfg.DebounceMs = 0
	svc, _, _ := newTestService(t, cfg)

	_, err := svc.Start(context.Background())
	assert.True(t, errors.Is(err, config.ErrInvalidDebounce))
}

func TestService_NativeUnavailableFallsBackToPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	svc, native, fallback := newTestService(t, testConfig(root))
	native.err = &ports.WatchSourceError{Source: "fake", Op: "watch", Err: ports.ErrSourceUnavailable}

	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	assert.Equal(t, stats.ModePoll, svc.Mode())
	assert.Equal(t, uint64(1), svc.Stats().Fallbacks)

	fallback.last().events <- rawEvent(filepath.Join(root, "src", "lib.rs"), ports.Created)
	n := next(t, svc.Events())
	assert.Equal(t, ports.Created, n.Event.Kind)
	require.NoError(t, svc.Stop())
}

func TestService_NativeUnavailableWithoutFallback(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.PollFallback = false
	svc, native, fallback := newTestService(t, cfg)
	native.err = errors.New("inotify: no space left on device")

	_, err := svc.Start(context.Background())
	var wse *ports.WatchSourceError
	require.True(t, errors.As(err, &wse))
	assert.Equal(t, "fake", wse.Source)
	assert.Equal(t, Stopped, svc.State())
	assert.Nil(t, fallback.last())
}

// =============================================================================
// Pipeline behavior
// =============================================================================

func TestService_FilteredEventsNeverEmitted(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	svc, native, _ := newTestService(t, testConfig(root))
	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	sub := native.last()

	sub.events <- rawEvent(filepath.Join(root, "node_modules", "x", "index.js"), ports.Modified)
	sub.events <- rawEvent(filepath.Join(root, "src", "main.rs.swp"), ports.Modified)
	sub.events <- rawEvent(filepath.Join(root, "src", "main.rs"), ports.Modified)

	n := next(t, svc.Events())
	assert.Equal(t, filepath.Join(root, "src", "main.rs"), n.Event.Path)
	expectQuiet(t, svc.Events(), 100*time.Millisecond)

	s := svc.Stats()
	assert.Equal(t, uint64(3), s.RawCount)
	assert.Equal(t, uint64(2), s.FilteredOutCount)
	assert.Equal(t, uint64(1), s.PassedFilterCount)
	assert.Equal(t, uint64(1), s.EmittedCount)
	require.NoError(t, svc.Stop())
}

func TestService_IgnoreHiddenEntries(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src", ".claude")
	cfg := testConfig(root)
	cfg.IgnoreHidden = true
	svc, native, _ := newTestService(t, cfg)
	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	sub := native.last()

	sub.events <- rawEvent(filepath.Join(root, "src", ".cache", "a.json"), ports.Modified)
	sub.events <- rawEvent(filepath.Join(root, ".claude", "settings.json"), ports.Modified)

	n := next(t, svc.Events())
	assert.Equal(t, ports.ClaudeStateChanged, n.Event.Category)
	expectQuiet(t, svc.Events(), 100*time.Millisecond)
	assert.Equal(t, uint64(1), svc.Stats().FilteredOutCount)
	require.NoError(t, svc.Stop())
}

func TestService_BurstBecomesOneEvent(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.DebounceMs = 100
	svc, native, _ := newTestService(t, cfg)
	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	sub := native.last()

	path := filepath.Join(root, "src", "main.rs")
	for i := 0; i < 50; i++ {
		sub.events <- rawEvent(path, ports.Modified)
		time.Sleep(80 * time.Millisecond / 50)
	}

	n := next(t, svc.Events())
	require.False(t, n.IsError())
	assert.Equal(t, 50, n.Event.CoalescedCount)
	assert.Equal(t, ports.SourceChanged, n.Event.Category)
	assert.Equal(t, "source", n.Event.Source)
	assert.NotEmpty(t, n.Event.ID)
	assert.False(t, n.Event.EmittedAt.Before(n.Event.LastSeenAt))
	expectQuiet(t, svc.Events(), 200*time.Millisecond)

	s := svc.Stats()
	assert.Equal(t, uint64(50), s.PassedFilterCount)
	assert.Equal(t, uint64(1), s.EmittedCount)
	require.NoError(t, svc.Stop())
}

func TestService_ClassifiesEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src", ".claude")
	svc, native, _ := newTestService(t, testConfig(root))
	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	sub := native.last()

	sub.events <- rawEvent(filepath.Join(root, ".claude", "settings.json"), ports.Modified)
	sub.events <- rawEvent(filepath.Join(root, "package.json"), ports.Modified)

	got := map[ports.Category]ports.ClassifiedEvent{}
	for i := 0; i < 2; i++ {
		n := next(t, svc.Events())
		got[n.Event.Category] = n.Event
	}
	require.Contains(t, got, ports.ClaudeStateChanged)
	require.Contains(t, got, ports.ConfigChanged)
	assert.True(t, got[ports.ClaudeStateChanged].HighPriority())
	require.NoError(t, svc.Stop())
}

func TestService_StopCancelsPendingEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.DebounceMs = 500
	svc, native, _ := newTestService(t, cfg)
	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	events := svc.Events()

	native.last().events <- rawEvent(filepath.Join(root, "src", "a.go"), ports.Modified)
	assert.Eventually(t, func() bool { return svc.Stats().PassedFilterCount == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, svc.Stop())
	for n := range events {
		t.Fatalf("notification after stop: %+v", n)
	}
	assert.Equal(t, uint64(1), svc.Stats().CancelledCount)
	assert.Equal(t, uint64(0), svc.Stats().EmittedCount)
}

func TestService_StopWhileWindowClosing(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.DebounceMs = 40

	for i := 0; i < 20; i++ {
		native := &fakeSource{name: "fake", closeDelay: 80 * time.Millisecond}
		svc := NewService(cfg, WithSource(native), WithFallbackSource(&fakeSource{name: "fakepoll"}))
		_, err := svc.Start(context.Background())
		require.NoError(t, err)
		events := svc.Events()

		native.last().events <- rawEvent(filepath.Join(root, "src", "a.go"), ports.Modified)
		require.Eventually(t, func() bool { return svc.Stats().PassedFilterCount == 1 }, time.Second, time.Millisecond)

		// The window closes while Close is still sleeping.
		require.NoError(t, svc.Stop())
		for n := range events {
			t.Fatalf("run %d: notification after stop: %+v", i, n)
		}
		st := svc.Stats()
		assert.Equal(t, uint64(0), st.EmittedCount, "run %d", i)
		assert.Equal(t, uint64(1), st.CancelledCount, "run %d", i)
	}
}

func TestService_StopWithUnreadEvents(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.EventBufferSize = 1
	cfg.DebounceMs = 5
	svc, native, _ := newTestService(t, cfg)
	_, err := svc.Start(context.Background())
	require.NoError(t, err)

	sub := native.last()
	for i := 0; i < 5; i++ {
		sub.events <- rawEvent(filepath.Join(root, "src", string(rune('a'+i))+".go"), ports.Modified)
	}
	time.Sleep(50 * time.Millisecond)

	done := make(chan struct{})
	go func() {
		_ = svc.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop blocked on a consumer that never reads")
	}
}

// =============================================================================
// Runtime source failures
// =============================================================================

func TestService_RuntimeFailureSwitchesToPoll(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	svc, native, fallback := newTestService(t, testConfig(root))
	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	events := svc.Events()

	first := native.last()
	first.errs <- &ports.WatchSourceError{Source: "fake", Op: "read", Err: errors.New("queue gone")}

	n := next(t, events)
	require.True(t, n.IsError())
	var wse *ports.WatchSourceError
	require.True(t, errors.As(n.Err, &wse))
	assert.True(t, wse.Recovered)
	assert.True(t, first.isClosed())
	assert.Equal(t, stats.ModePoll, svc.Mode())
	assert.True(t, svc.IsRunning())

	fallback.last().events <- rawEvent(filepath.Join(root, "src", "x.go"), ports.Modified)
	n = next(t, events)
	assert.False(t, n.IsError())
	assert.Equal(t, filepath.Join(root, "src", "x.go"), n.Event.Path)

	s := svc.Stats()
	assert.Equal(t, uint64(1), s.SourceErrors)
	assert.Equal(t, uint64(1), s.Fallbacks)
	require.NoError(t, svc.Stop())
}

func TestService_RuntimeFailureWithoutFallbackStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.PollFallback = false
	svc, native, _ := newTestService(t, cfg)
	_, err := svc.Start(context.Background())
	require.NoError(t, err)
	events := svc.Events()

	native.last().errs <- errors.New("watch descriptor revoked")

	n := next(t, events)
	require.True(t, n.IsError())
	var wse *ports.WatchSourceError
	require.True(t, errors.As(n.Err, &wse))
	assert.False(t, wse.Recovered)

	waitClosed(t, events)
	assert.Eventually(t, func() bool { return svc.State() == Stopped }, time.Second, 10*time.Millisecond)
}

func TestService_StatsInvariantUnderLoad(t *testing.T) {
	defer goleak.VerifyNone(t)

	root := projectDir(t, "src")
	cfg := testConfig(root)
	cfg.DebounceMs = 1
	svc, native, _ := newTestService(t, cfg)
	_, err := svc.Start(context.Background())
	require.NoError(t, err)

	sub := native.last()
	events := svc.Events()
	go func() {
		for range events {
		}
	}()

	go func() {
		for i := 0; i < 500; i++ {
			p := filepath.Join(root, "src", string(rune('a'+i%20))+".go")
			if i%4 == 0 {
				p = filepath.Join(root, "dist", "bundle.js")
			}
			select {
			case sub.events <- rawEvent(p, ports.Modified):
			case <-sub.closed:
				return
			}
		}
	}()

	deadline := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(deadline) {
		s := svc.Stats()
		require.Equal(t, s.RawCount, s.FilteredOutCount+s.PassedFilterCount)
		require.LessOrEqual(t, s.EmittedCount, s.PassedFilterCount)
	}
	require.NoError(t, svc.Stop())
}
