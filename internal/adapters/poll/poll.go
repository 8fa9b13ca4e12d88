// Package poll implements ports.EventSource by periodically snapshotting the
// targets and diffing consecutive snapshots. It is the fallback when native
// notification is unavailable (watch limits exhausted, network filesystems).
//
// Polling cannot see changes that are undone within one interval, and a file
// rewritten with identical size inside the filesystem's mtime resolution is
// missed. Both are acceptable for a fallback.
package poll

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/zeami/zwatch/internal/logging"
	"github.com/zeami/zwatch/internal/ports"
)

// SourceName identifies this implementation in errors and stats.
const SourceName = "poll"

// DefaultInterval is used when SubscribeOptions.PollInterval is zero.
const DefaultInterval = 2 * time.Second

const defaultBuffer = 1000

// Source is the polling event source.
type Source struct {
	logger *zap.Logger
}

// NewSource returns a polling source.
func NewSource(logger *zap.Logger) *Source {
	return &Source{logger: logging.OrNop(logger).Named(SourceName)}
}

// Name implements ports.EventSource.
func (s *Source) Name() string { return SourceName }

// Subscribe takes the initial snapshot and starts the rescan loop.
func (s *Source) Subscribe(targets []ports.WatchTarget, opts ports.SubscribeOptions) (ports.Subscription, error) {
	if len(targets) == 0 {
		return nil, &ports.WatchSourceError{Source: SourceName, Op: "subscribe", Err: errors.New("no targets")}
	}
	for _, t := range targets {
		if _, err := os.Stat(t.Path); err != nil {
			return nil, &ports.WatchSourceError{Source: SourceName, Op: "snapshot", Path: t.Path, Err: err}
		}
	}

	interval := opts.PollInterval
	if interval <= 0 {
		interval = DefaultInterval
	}
	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		targets:  targets,
		skipDir:  opts.SkipDir,
		interval: interval,
		logger:   s.logger,
		events:   make(chan ports.RawEvent, buffer),
		errs:     make(chan error, 1),
		ctx:      ctx,
		cancel:   cancel,
	}

	prev, err := sub.snapshot(ctx)
	if err != nil {
		cancel()
		return nil, &ports.WatchSourceError{Source: SourceName, Op: "snapshot", Err: err}
	}

	sub.wg.Add(1)
	go sub.loop(prev)

	s.logger.Debug("polling",
		zap.Int("targets", len(targets)),
		zap.Int("entries", len(prev)),
		zap.Duration("interval", interval))
	return sub, nil
}

// fileState is what a snapshot remembers about one path.
type fileState struct {
	size    int64
	modTime time.Time
	isDir   bool
}

type snapshot map[string]fileState

type subscription struct {
	targets  []ports.WatchTarget
	skipDir  func(string) bool
	interval time.Duration
	logger   *zap.Logger

	events chan ports.RawEvent
	errs   chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func (s *subscription) Events() <-chan ports.RawEvent { return s.events }
func (s *subscription) Errors() <-chan error          { return s.errs }

// Close stops the rescan loop and waits for it to exit. The Events channel
// is closed afterwards.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		s.wg.Wait()
		close(s.events)
	})
	return nil
}

func (s *subscription) loop(prev snapshot) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		next, err := s.snapshot(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("rescan failed; keeping previous snapshot", zap.Error(err))
			continue
		}
		now := time.Now()
		for _, ev := range diff(prev, next, now) {
			select {
			case s.events <- ev:
			case <-s.ctx.Done():
				return
			}
		}
		prev = next
	}
}

// snapshot scans every target in parallel and merges the results.
func (s *subscription) snapshot(ctx context.Context) (snapshot, error) {
	parts := make([]snapshot, len(s.targets))
	g, gctx := errgroup.WithContext(ctx)
	for i, t := range s.targets {
		i, t := i, t
		g.Go(func() error {
			snap, err := s.scan(gctx, t)
			parts[i] = snap
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	merged := make(snapshot)
	for _, p := range parts {
		for k, v := range p {
			merged[k] = v
		}
	}
	return merged, nil
}

// scan records one target. A target root that has disappeared yields an
// empty snapshot so its contents are reported as deleted.
func (s *subscription) scan(ctx context.Context, t ports.WatchTarget) (snapshot, error) {
	snap := make(snapshot)
	info, err := os.Stat(t.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return snap, nil
		}
		return nil, err
	}
	if !info.IsDir() {
		snap[t.Path] = stateOf(info)
		return snap, nil
	}

	if !t.Recursive {
		entries, err := os.ReadDir(t.Path)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			if fi, err := e.Info(); err == nil {
				snap[filepath.Join(t.Path, e.Name())] = stateOf(fi)
			}
		}
		return snap, nil
	}

	err = filepath.WalkDir(t.Path, func(path string, d fs.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil {
			if path == t.Path {
				return err
			}
			return nil
		}
		if path == t.Path {
			return nil
		}
		if d.IsDir() && s.skipDir != nil && s.skipDir(path) {
			return filepath.SkipDir
		}
		fi, err := d.Info()
		if err != nil {
			return nil
		}
		snap[path] = stateOf(fi)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func stateOf(fi fs.FileInfo) fileState {
	return fileState{size: fi.Size(), modTime: fi.ModTime(), isDir: fi.IsDir()}
}

// diff returns the events that turn prev into next.
func diff(prev, next snapshot, at time.Time) []ports.RawEvent {
	var out []ports.RawEvent
	for path, n := range next {
		p, ok := prev[path]
		switch {
		case !ok:
			out = append(out, ports.RawEvent{Path: path, Kind: ports.Created, ObservedAt: at})
		case p.isDir != n.isDir:
			out = append(out,
				ports.RawEvent{Path: path, Kind: ports.Deleted, ObservedAt: at},
				ports.RawEvent{Path: path, Kind: ports.Created, ObservedAt: at})
		case !n.isDir && (p.size != n.size || !p.modTime.Equal(n.modTime)):
			out = append(out, ports.RawEvent{Path: path, Kind: ports.Modified, ObservedAt: at})
		}
	}
	for path := range prev {
		if _, ok := next[path]; !ok {
			out = append(out, ports.RawEvent{Path: path, Kind: ports.Deleted, ObservedAt: at})
		}
	}
	return out
}
