package app

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	fsw "github.com/zeami/zwatch/internal/adapters/fsnotify"
	"github.com/zeami/zwatch/internal/adapters/poll"
	"github.com/zeami/zwatch/internal/config"
	"github.com/zeami/zwatch/internal/domain/classify"
	"github.com/zeami/zwatch/internal/domain/debounce"
	"github.com/zeami/zwatch/internal/domain/filter"
	"github.com/zeami/zwatch/internal/domain/stats"
	"github.com/zeami/zwatch/internal/domain/target"
	"github.com/zeami/zwatch/internal/logging"
	"github.com/zeami/zwatch/internal/ports"
)

var (
	// ErrAlreadyRunning is returned by Start unless the service is stopped.
	ErrAlreadyRunning = errors.New("watch service already running")
	// ErrNoValidTargets is returned by Start when every target was rejected.
	ErrNoValidTargets = errors.New("no valid watch targets")
)

// State is the service lifecycle state.
type State int32

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Starting:
		return "starting"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Service runs the watch pipeline: event source, filter, debouncer,
// classifier, output channel.
//
// Start and Stop are serialized. Each Start opens a new output channel,
// returned by Events, which Stop closes once nothing more can be sent on it.
type Service struct {
	cfg      config.WatchConfig
	logger   *zap.Logger
	native   ports.EventSource
	fallback ports.EventSource
	classify []classify.Option
	stats    *stats.Collector

	lifecycle sync.Mutex
	state     atomic.Int32

	mu  sync.RWMutex // guards run
	run *run
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) ServiceOption {
	return func(s *Service) { s.logger = logging.OrNop(l) }
}

// WithSource replaces the native event source.
func WithSource(src ports.EventSource) ServiceOption {
	return func(s *Service) { s.native = src }
}

// WithFallbackSource replaces the polling fallback source.
func WithFallbackSource(src ports.EventSource) ServiceOption {
	return func(s *Service) { s.fallback = src }
}

// WithClassifierOptions passes options to the classifier of every run.
func WithClassifierOptions(opts ...classify.Option) ServiceOption {
	return func(s *Service) { s.classify = append(s.classify, opts...) }
}

// NewService creates a stopped service. The configuration is validated by
// Start, not here.
func NewService(cfg config.WatchConfig, opts ...ServiceOption) *Service {
	s := &Service{
		cfg:    cfg,
		logger: zap.NewNop(),
		stats:  stats.NewCollector(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.Named("service")
	if s.native == nil {
		s.native = fsw.NewSource(s.logger)
	}
	if s.fallback == nil {
		s.fallback = poll.NewSource(s.logger)
	}
	return s
}

// run is the state of one Start..Stop cycle.
type run struct {
	svc        *Service
	id         string
	startedAt  time.Time
	registry   *target.Registry
	filter     *filter.Engine
	classifier *classify.Classifier
	debouncer  *debounce.Debouncer
	targets    []ports.WatchTarget
	opts       ports.SubscribeOptions

	sub  ports.Subscription // owned by pipeline until it exits
	poll bool

	out      chan ports.Notification
	done     chan struct{}
	wg       sync.WaitGroup
	stopCtx  func() bool
	warnings []error
}

// Start validates the configuration, registers targets, subscribes to the
// event source and starts the pipeline. It returns once events are being
// observed. Rejected targets are returned as warnings; Start fails only when
// nothing can be watched.
//
// Cancelling ctx stops the run, like calling Stop.
func (s *Service) Start(ctx context.Context) (warnings []error, err error) {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if State(s.state.Load()) != Stopped {
		return nil, ErrAlreadyRunning
	}
	if err := s.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	s.state.Store(int32(Starting))

	r, err := s.prepare()
	if err != nil {
		s.state.Store(int32(Stopped))
		return r.warnings, err
	}

	sub, usedPoll, err := s.subscribe(r.targets, r.opts)
	if err != nil {
		r.debouncer.Stop()
		s.state.Store(int32(Stopped))
		return r.warnings, err
	}
	r.sub = sub
	r.poll = usedPoll

	s.stats.Reset()
	s.stats.MarkStarted(r.startedAt)
	if usedPoll {
		s.stats.SourceError()
		s.stats.Fallback()
		s.stats.SetMode(stats.ModePoll)
	} else {
		s.stats.SetMode(stats.ModeNative)
	}

	s.mu.Lock()
	s.run = r
	s.mu.Unlock()

	r.wg.Add(1)
	go r.pipeline()

	if ctx != nil && ctx.Done() != nil {
		r.stopCtx = context.AfterFunc(ctx, func() { _ = s.stopRun(r) })
	}

	s.state.Store(int32(Running))
	s.logger.Info("watching",
		zap.String("run", r.id),
		zap.String("root", r.registry.Root()),
		zap.Int("targets", len(r.targets)),
		zap.String("mode", s.stats.Snapshot().Mode),
		zap.Duration("debounce", s.cfg.Debounce()))
	return r.warnings, nil
}

// prepare builds the per-run components. On error the returned run carries
// the target warnings collected so far.
func (s *Service) prepare() (*run, error) {
	r := &run{
		svc:       s,
		id:        uuid.NewString(),
		startedAt: time.Now(),
		out:       make(chan ports.Notification, s.cfg.EventBufferSize),
		done:      make(chan struct{}),
	}

	r.registry = target.NewRegistry(s.cfg.Root)
	root := r.registry.Root()

	eng, err := filter.New(s.cfg.Filters, filter.WithRoot(root), filter.WithHiddenEntries(s.cfg.IgnoreHidden))
	if err != nil {
		return r, err
	}
	r.filter = eng

	r.warnings = r.registry.RegisterAll(s.cfg.EffectiveTargets())
	for _, w := range r.warnings {
		s.logger.Warn("skipping watch target", zap.Error(w))
	}
	r.targets = r.registry.Effective()
	if len(r.targets) == 0 {
		if len(r.warnings) == 0 {
			return r, ErrNoValidTargets
		}
		return r, fmt.Errorf("%w: %w", ErrNoValidTargets, errors.Join(r.warnings...))
	}

	r.classifier = classify.New(root, s.classify...)
	r.debouncer = debounce.New(s.cfg.Debounce(), r.emit,
		debounce.WithLogger(s.logger.Named("debounce")),
		debounce.WithDropHook(func(debounce.Entry) { s.stats.Cancelled() }))
	r.opts = ports.SubscribeOptions{
		BufferSize:   s.cfg.EventBufferSize,
		SkipDir:      eng.ShouldSuppress,
		PollInterval: s.cfg.PollInterval,
		OnOverflow:   s.stats.Overflow,
	}
	return r, nil
}

// subscribe tries the native source and falls back to polling when allowed.
func (s *Service) subscribe(targets []ports.WatchTarget, opts ports.SubscribeOptions) (ports.Subscription, bool, error) {
	sub, err := s.native.Subscribe(targets, opts)
	if err == nil {
		return sub, false, nil
	}
	err = sourceError(s.native.Name(), "subscribe", err)
	if !s.cfg.PollFallback {
		return nil, false, err
	}

	s.logger.Warn("native watching unavailable, falling back to polling", zap.Error(err))
	psub, perr := s.fallback.Subscribe(targets, opts)
	if perr != nil {
		return nil, false, errors.Join(err, sourceError(s.fallback.Name(), "subscribe", perr))
	}
	return psub, true, nil
}

// sourceError ensures err is a *ports.WatchSourceError.
func sourceError(source, op string, err error) error {
	var wse *ports.WatchSourceError
	if errors.As(err, &wse) {
		return err
	}
	return &ports.WatchSourceError{Source: source, Op: op, Err: err}
}

// Stop ends the current run. On return the subscription is closed, pending
// debounce timers are cancelled and the Events channel is closed. Stop is
// idempotent.
func (s *Service) Stop() error {
	s.mu.RLock()
	r := s.run
	s.mu.RUnlock()
	if r == nil {
		return nil
	}
	return s.stopRun(r)
}

func (s *Service) stopRun(r *run) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.mu.RLock()
	current := s.run
	s.mu.RUnlock()
	if current != r || State(s.state.Load()) != Running {
		return nil
	}
	s.state.Store(int32(Stopping))

	if r.stopCtx != nil {
		r.stopCtx()
	}
	close(r.done)
	// Windows still open now are discarded before anything slower runs.
	cancelled := r.debouncer.Stop()
	r.wg.Wait()

	var err error
	if r.sub != nil {
		if cerr := r.sub.Close(); cerr != nil {
			err = sourceError("subscription", "close", cerr)
		}
	}
	close(r.out)

	snap := s.stats.Snapshot()
	s.stats.SetMode(stats.ModeStopped)
	s.state.Store(int32(Stopped))
	s.logger.Info("stopped",
		zap.String("run", r.id),
		zap.Uint64("raw", snap.RawCount),
		zap.Uint64("emitted", snap.EmittedCount),
		zap.Int("cancelled", cancelled))
	return err
}

// pipeline moves raw events through the filter into the debouncer and
// handles terminal source errors.
func (r *run) pipeline() {
	defer r.wg.Done()
	s := r.svc
	for {
		select {
		case <-r.done:
			return

		case ev, ok := <-r.sub.Events():
			if !ok {
				if !r.recover(errors.New("event stream closed")) {
					return
				}
				continue
			}
			if rule, suppressed := r.filter.Match(ev.Path); suppressed {
				s.stats.FilteredOut()
				if s.cfg.Verbose {
					s.logger.Debug("filtered",
						zap.String("path", ev.Path),
						zap.Stringer("rule", rule),
						zap.String("reason", rule.Reason))
				}
				continue
			}
			s.stats.Passed()
			if !r.debouncer.Submit(ev) {
				s.stats.Cancelled()
			}

		case err := <-r.sub.Errors():
			if !r.recover(err) {
				return
			}
		}
	}
}

// recover handles a terminal source error. It switches to the polling
// source when allowed and reports whether the pipeline should continue.
func (r *run) recover(cause error) bool {
	s := r.svc
	s.stats.SourceError()
	name := s.native.Name()
	if r.poll {
		name = s.fallback.Name()
	}
	err := sourceError(name, "read", cause)

	if r.poll || !s.cfg.PollFallback {
		s.logger.Error("watch source failed, stopping", zap.Error(err))
		r.notify(ports.Notification{Err: err})
		go func() { _ = s.stopRun(r) }()
		return false
	}

	_ = r.sub.Close()
	psub, perr := s.fallback.Subscribe(r.targets, r.opts)
	if perr != nil {
		joined := errors.Join(err, sourceError(s.fallback.Name(), "subscribe", perr))
		s.logger.Error("fallback to polling failed, stopping", zap.Error(joined))
		r.notify(ports.Notification{Err: joined})
		r.sub = nil
		go func() { _ = s.stopRun(r) }()
		return false
	}
	r.sub = psub
	r.poll = true
	s.stats.Fallback()
	s.stats.SetMode(stats.ModePoll)

	recovered := &ports.WatchSourceError{Source: name, Op: "read", Err: cause, Recovered: true}
	var wse *ports.WatchSourceError
	if errors.As(cause, &wse) {
		cp := *wse
		cp.Recovered = true
		recovered = &cp
	}
	s.logger.Warn("watch source failed, switched to polling", zap.Error(cause))
	r.notify(ports.Notification{Err: recovered})
	return true
}

// emit runs on debouncer timer goroutines.
func (r *run) emit(e debounce.Entry) {
	s := r.svc
	ev := r.classifier.Classify(e.Key, e.Kind)
	ev.CoalescedCount = e.CoalescedCount
	ev.FirstSeenAt = e.FirstSeenAt
	ev.LastSeenAt = e.LastSeenAt

	select {
	case <-r.done:
		s.stats.Cancelled()
		return
	default:
	}
	select {
	case r.out <- ports.Notification{Event: ev}:
		s.stats.Emitted()
		s.logger.Debug("emitted",
			zap.String("path", ev.Path),
			zap.Stringer("kind", ev.Kind),
			zap.Stringer("category", ev.Category),
			zap.Int("coalesced", ev.CoalescedCount))
	case <-r.done:
		s.stats.Cancelled()
	}
}

func (r *run) notify(n ports.Notification) {
	select {
	case r.out <- n:
	case <-r.done:
	}
}

// Events returns the output channel of the current run, or nil before the
// first Start. The channel is closed when the run stops.
func (s *Service) Events() <-chan ports.Notification {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.run == nil {
		return nil
	}
	return s.run.out
}

// State returns the lifecycle state.
func (s *Service) State() State { return State(s.state.Load()) }

// IsRunning reports whether the service is delivering events.
func (s *Service) IsRunning() bool { return s.State() == Running }

// Stats returns a snapshot of the pipeline counters.
func (s *Service) Stats() stats.Snapshot { return s.stats.Snapshot() }

// Mode returns "native", "poll" or "stopped".
func (s *Service) Mode() string { return s.stats.Snapshot().Mode }

// Config returns the service configuration.
func (s *Service) Config() config.WatchConfig { return s.cfg }

// RunID identifies the current or most recent run.
func (s *Service) RunID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.run == nil {
		return ""
	}
	return s.run.id
}

// Targets returns the targets being watched by the current or most recent run.
func (s *Service) Targets() []ports.WatchTarget {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.run == nil {
		return nil
	}
	out := make([]ports.WatchTarget, len(s.run.targets))
	copy(out, s.run.targets)
	return out
}

// Root returns the canonical project root of the current or most recent run.
func (s *Service) Root() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.run == nil {
		return s.cfg.Root
	}
	return s.run.registry.Root()
}
