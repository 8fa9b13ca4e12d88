// Package app wires the watch service to its consumers. Service runs the
// pipeline; App adds the daemon around it: the event journal, the control
// socket, the HTTP/SSE bridge and a ring of recent events.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zeami/zwatch/internal/adapters/bbolt"
	"github.com/zeami/zwatch/internal/adapters/socket"
	"github.com/zeami/zwatch/internal/adapters/web"
	"github.com/zeami/zwatch/internal/config"
	"github.com/zeami/zwatch/internal/domain/stats"
	"github.com/zeami/zwatch/internal/domain/status"
	"github.com/zeami/zwatch/internal/logging"
	"github.com/zeami/zwatch/internal/ports"
)

const (
	recentSize     = 200
	rateWindow     = time.Minute
	statusInterval = 500 * time.Millisecond
)

// App is the top-level container wiring all components together.
type App struct {
	ProjectRoot string
	Paths       *Paths

	Service   *Service
	Journal   ports.Journal // nil when disabled
	Server    *socket.Server
	WebServer *web.Server // nil when disabled
	Hub       *web.Hub

	logger   *zap.Logger
	httpPort int
	sink     func(ports.Notification)
	started  time.Time

	mu          sync.Mutex
	recentRing  [recentSize]ports.ClassifiedEvent
	recentHead  int
	recentCount int
	rate        *RateTracker
	activity    *status.Activity
	lastStatus  time.Time // fan-out goroutine only
	runMode     string    // last active mode; the service reports "stopped" after Stop

	fanDone  chan struct{} // closed when the fan-out loop exits
	fanning  bool
	stopOnce sync.Once
	stopErr  error
}

// Config holds initialization parameters for the App.
type Config struct {
	Watch config.WatchConfig
	Paths *Paths // default: NewPaths(Watch.Root)

	// HTTPPort is the preferred HTTP port: 0 derives one from the project
	// root, a negative value disables the HTTP bridge.
	HTTPPort int

	// JournalRetention caps stored events; 0 means bbolt.DefaultRetention.
	JournalRetention int
	NoJournal        bool

	// Sink, if set, receives every notification after the daemon consumers.
	Sink func(ports.Notification)

	Logger         *zap.Logger
	ServiceOptions []ServiceOption
}

// New creates an App with all dependencies wired. Does not start anything.
func New(cfg Config) (*App, error) {
	if cfg.Watch.Root == "" {
		return nil, fmt.Errorf("project root required")
	}
	logger := logging.OrNop(cfg.Logger)
	paths := cfg.Paths
	if paths == nil {
		paths = NewPaths(cfg.Watch.Root)
	}
	if err := paths.EnsureDirs(); err != nil {
		return nil, fmt.Errorf("create %s: %w", paths.Root, err)
	}

	a := &App{
		ProjectRoot: cfg.Watch.Root,
		Paths:       paths,
		Hub:         web.NewHub(256),
		logger:      logger,
		httpPort:    cfg.HTTPPort,
		sink:        cfg.Sink,
		fanDone:     make(chan struct{}),
		rate:        NewRateTracker(rateWindow),
		activity:    status.NewActivity(),
	}

	if !cfg.NoJournal {
		retention := cfg.JournalRetention
		if retention == 0 {
			retention = bbolt.DefaultRetention
		}
		j, err := bbolt.Open(paths.Journal, bbolt.WithRetention(retention))
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.Journal = j
	}

	svcOpts := append([]ServiceOption{WithLogger(logger)}, cfg.ServiceOptions...)
	a.Service = NewService(cfg.Watch, svcOpts...)
	a.Server = socket.NewServer(a, socket.SocketPath(cfg.Watch.Root), logger)
	if cfg.HTTPPort >= 0 {
		a.WebServer = web.NewServer(a, a.Hub, paths.PortFile, logger)
	}
	return a, nil
}

// Start brings up the control socket, starts the watch service and the
// fan-out loop, then the HTTP bridge. An unavailable HTTP port is logged
// and tolerated. Target warnings are passed through from the service.
// On error everything opened by New and Start is released.
func (a *App) Start(ctx context.Context) ([]error, error) {
	a.started = time.Now()
	if err := a.Server.Start(); err != nil {
		a.Stop()
		return nil, fmt.Errorf("start control socket: %w", err)
	}

	warnings, err := a.Service.Start(ctx)
	if err != nil {
		a.Stop()
		return warnings, err
	}
	events := a.Service.Events()
	a.fanning = true
	a.runMode = a.Service.Mode()
	a.writeStatus(a.Service.State().String())

	if a.Journal != nil {
		if err := a.Journal.BeginRun(a.runRecord()); err != nil {
			a.logger.Warn("journal begin run", zap.Error(err))
		}
	}
	go a.fanOut(events)

	if a.WebServer != nil {
		port := a.httpPort
		if port == 0 {
			port = web.DefaultPort(a.ProjectRoot)
		}
		if err := a.WebServer.Start(port); err != nil {
			a.logger.Warn("HTTP bridge unavailable", zap.Error(err))
			a.WebServer = nil
		}
	}
	if err := a.Paths.WritePID(); err != nil {
		a.logger.Warn("write pid file", zap.Error(err))
	}
	return warnings, nil
}

// Done is closed when the watch service has stopped, either through Stop,
// context cancellation or an unrecoverable source failure.
func (a *App) Done() <-chan struct{} { return a.fanDone }

// fanOut delivers every notification to the ring, the journal, the stream
// hub and the sink. It ends when the service closes its channel.
func (a *App) fanOut(events <-chan ports.Notification) {
	defer close(a.fanDone)
	runID := a.Service.RunID()
	for n := range events {
		if n.IsError() {
			a.logger.Warn("watch source error", zap.Error(n.Err))
			if mode := a.Service.Mode(); mode != stats.ModeStopped {
				a.runMode = mode
			}
		} else {
			a.pushRecent(n.Event)
			if a.Journal != nil {
				if err := a.Journal.Append(runID, n.Event); err != nil {
					a.logger.Warn("journal append", zap.String("path", n.Event.Path), zap.Error(err))
				}
			}
			if time.Since(a.lastStatus) >= statusInterval {
				a.writeStatus(a.Service.State().String())
			}
		}
		a.Hub.Publish(n)
		if a.sink != nil {
			a.sink(n)
		}
	}
}

// Stop shuts everything down in reverse order and records the run summary.
// Idempotent.
func (a *App) Stop() error {
	a.stopOnce.Do(func() {
		var errs []error
		if err := a.Service.Stop(); err != nil {
			errs = append(errs, err)
		}
		if a.fanning {
			<-a.fanDone
			a.writeStatus(Stopped.String())
		}

		if a.WebServer != nil {
			a.WebServer.Stop()
		}
		a.Hub.Close()
		a.Server.Stop()

		if a.Journal != nil {
			if a.fanning {
				rec := a.runRecord()
				rec.StoppedAt = time.Now()
				if err := a.Journal.EndRun(rec); err != nil {
					errs = append(errs, fmt.Errorf("journal end run: %w", err))
				}
			}
			if err := a.Journal.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close journal: %w", err))
			}
		}
		a.Paths.CleanEphemeral()
		a.stopErr = errors.Join(errs...)
	})
	return a.stopErr
}

// ShutdownCh is closed when a client asks the daemon to stop.
func (a *App) ShutdownCh() <-chan struct{} { return a.Server.ShutdownCh() }

func (a *App) runRecord() ports.RunRecord {
	snap := a.Service.Stats()
	mode := snap.Mode
	if mode == stats.ModeStopped && a.runMode != "" {
		mode = a.runMode
	}
	return ports.RunRecord{
		ID:          a.Service.RunID(),
		Root:        a.Service.Root(),
		Mode:        mode,
		StartedAt:   snap.StartedAt,
		Raw:         snap.RawCount,
		FilteredOut: snap.FilteredOutCount,
		Passed:      snap.PassedFilterCount,
		Emitted:     snap.EmittedCount,
	}
}

// writeStatus rewrites the status file for hooks.
func (a *App) writeStatus(state string) {
	snap := a.Service.Stats()
	a.mu.Lock()
	data := status.Generate(state, a.Service.RunID(), snap, a.activity)
	a.mu.Unlock()
	if err := status.WriteJSON(a.Paths.Status, data); err != nil {
		a.logger.Warn("write status file", zap.Error(err))
	}
	a.lastStatus = time.Now()
}

// pushRecent adds an event to the recent ring buffer, the rate window and
// the status activity.
func (a *App) pushRecent(ev ports.ClassifiedEvent) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.rate != nil {
		a.rate.Record(ev.CoalescedCount)
	}
	if a.activity != nil {
		a.activity.Observe(ev)
	}
	a.recentRing[a.recentHead] = ev
	a.recentHead = (a.recentHead + 1) % recentSize
	if a.recentCount < recentSize {
		a.recentCount++
	}
}

// ringRecent returns up to limit events from the ring, newest first.
func (a *App) ringRecent(limit int) []ports.ClassifiedEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	if limit > a.recentCount {
		limit = a.recentCount
	}
	out := make([]ports.ClassifiedEvent, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (a.recentHead - i + recentSize) % recentSize
		out = append(out, a.recentRing[idx])
	}
	return out
}

// Health implements socket.AppQueries.
func (a *App) Health() socket.HealthResult {
	health := "ok"
	if !a.Service.IsRunning() {
		health = "degraded"
	}
	return socket.HealthResult{
		Status: health,
		State:  a.Service.State().String(),
		Mode:   a.Service.Mode(),
		RunID:  a.Service.RunID(),
		Root:   a.Service.Root(),
		PID:    os.Getpid(),
		Uptime: time.Since(a.started).Round(time.Second).String(),
	}
}

// Stats implements socket.AppQueries.
func (a *App) Stats() socket.StatsResult {
	res := socket.NewStatsResult(a.Service.Stats())
	now := time.Now()
	a.mu.Lock()
	res.RecentRate = a.rate.PerSecond(now)
	res.MedianBurst = a.rate.MedianBurst(now)
	a.mu.Unlock()
	return res
}

// Targets implements socket.AppQueries.
func (a *App) Targets() socket.TargetsResult {
	targets := a.Service.Targets()
	return socket.TargetsResult{Root: a.Service.Root(), Targets: targets, Count: len(targets)}
}

// Recent implements socket.AppQueries. The journal answers when present
// since it reaches further back than the in-memory ring.
func (a *App) Recent(limit int) socket.RecentResult {
	var events []ports.ClassifiedEvent
	if a.Journal != nil {
		recs, err := a.Journal.Recent(limit)
		if err == nil {
			events = make([]ports.ClassifiedEvent, len(recs))
			for i, r := range recs {
				events[i] = r.Event
			}
			return socket.RecentResult{Events: events, Count: len(events)}
		}
		a.logger.Warn("journal read, falling back to memory", zap.Error(err))
	}
	events = a.ringRecent(limit)
	return socket.RecentResult{Events: events, Count: len(events)}
}
