// Package fsnotify implements ports.EventSource using github.com/fsnotify/fsnotify.
// Directory targets are watched directly; recursive targets are walked and every
// subdirectory is added, including directories created while the subscription
// is live. File targets are watched through their parent directory.
package fsnotify

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/zeami/zwatch/internal/logging"
	"github.com/zeami/zwatch/internal/ports"
)

// SourceName identifies this implementation in errors and stats.
const SourceName = "fsnotify"

const defaultBuffer = 1000

// watchMode says how events from a watched directory are scoped.
type watchMode int

const (
	// modeParent: watched only because a file target lives here; only events
	// for the target files are forwarded.
	modeParent watchMode = iota + 1
	// modeShallow: events for direct children are forwarded.
	modeShallow
	// modeRecursive: like modeShallow, and new subdirectories are added.
	modeRecursive
)

// Source is the native OS notification source.
type Source struct {
	logger     *zap.Logger
	newWatcher func() (*fsnotify.Watcher, error)
}

// NewSource returns a native event source.
func NewSource(logger *zap.Logger) *Source {
	return &Source{
		logger:     logging.OrNop(logger).Named(SourceName),
		newWatcher: fsnotify.NewWatcher,
	}
}

// Name implements ports.EventSource.
func (s *Source) Name() string { return SourceName }

// Subscribe installs watches for every target and starts delivering events.
// It returns once all watches are in place.
func (s *Source) Subscribe(targets []ports.WatchTarget, opts ports.SubscribeOptions) (ports.Subscription, error) {
	if len(targets) == 0 {
		return nil, &ports.WatchSourceError{Source: SourceName, Op: "subscribe", Err: errors.New("no targets")}
	}
	fw, err := s.newWatcher()
	if err != nil {
		return nil, &ports.WatchSourceError{Source: SourceName, Op: "subscribe", Err: fmt.Errorf("%w: %v", ports.ErrSourceUnavailable, err)}
	}

	buffer := opts.BufferSize
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscription{
		fw:          fw,
		logger:      s.logger,
		skipDir:     opts.SkipDir,
		onOverflow:  opts.OnOverflow,
		events:      make(chan ports.RawEvent, buffer),
		errs:        make(chan error, 1),
		done:        make(chan struct{}),
		watched:     make(map[string]watchMode),
		fileTargets: make(map[string]bool),
	}

	for _, t := range targets {
		if err := sub.install(t); err != nil {
			fw.Close()
			return nil, err
		}
	}

	s.logger.Debug("subscribed",
		zap.Int("targets", len(targets)),
		zap.Int("watches", len(sub.watched)))

	sub.wg.Add(1)
	go sub.loop()
	return sub, nil
}

type subscription struct {
	fw         *fsnotify.Watcher
	logger     *zap.Logger
	skipDir    func(string) bool
	onOverflow func()

	events chan ports.RawEvent
	errs   chan error
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
	closeErr  error

	// Owned by Subscribe until loop starts, then by loop.
	watched     map[string]watchMode
	fileTargets map[string]bool
}

func (s *subscription) Events() <-chan ports.RawEvent { return s.events }
func (s *subscription) Errors() <-chan error          { return s.errs }

// Close stops the event loop and releases the OS watches. When it returns the
// loop goroutine has exited and the Events channel is closed.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.fw.Close()
		s.wg.Wait()
		close(s.events)
	})
	return s.closeErr
}

// install adds the watches for one target.
func (s *subscription) install(t ports.WatchTarget) error {
	info, err := os.Stat(t.Path)
	if err != nil {
		return s.watchErr(t.Path, err)
	}
	if !info.IsDir() {
		parent := filepath.Dir(t.Path)
		s.fileTargets[t.Path] = true
		if _, ok := s.watched[parent]; ok {
			return nil
		}
		if err := s.fw.Add(parent); err != nil {
			return s.watchErr(parent, err)
		}
		s.watched[parent] = modeParent
		return nil
	}

	if !t.Recursive {
		return s.add(t.Path, modeShallow)
	}
	_, err = s.walk(t.Path, false)
	return err
}

// add watches dir, upgrading the mode of an existing watch if needed.
func (s *subscription) add(dir string, mode watchMode) error {
	if cur, ok := s.watched[dir]; ok {
		if mode > cur {
			s.watched[dir] = mode
		}
		return nil
	}
	if err := s.fw.Add(dir); err != nil {
		return s.watchErr(dir, err)
	}
	s.watched[dir] = mode
	return nil
}

// walk adds root and its subdirectories in recursive mode. With collect set
// it also returns the files found, so a directory that was populated before
// its watch existed still reports its contents.
func (s *subscription) walk(root string, collect bool) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			s.logger.Debug("skipping unreadable path", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if collect {
				files = append(files, path)
			}
			return nil
		}
		if path != root && s.skipDir != nil && s.skipDir(path) {
			return filepath.SkipDir
		}
		if err := s.add(path, modeRecursive); err != nil {
			if path != root && errors.Is(err, fs.ErrPermission) {
				s.logger.Debug("skipping unwatchable directory", zap.String("path", path), zap.Error(err))
				return filepath.SkipDir
			}
			return err
		}
		return nil
	})
	if err != nil {
		var wse *ports.WatchSourceError
		if !errors.As(err, &wse) {
			err = s.watchErr(root, err)
		}
		return nil, err
	}
	return files, nil
}

func (s *subscription) watchErr(path string, err error) error {
	if errors.Is(err, syscall.ENOSPC) || errors.Is(err, syscall.EMFILE) {
		err = fmt.Errorf("%w: %v", ports.ErrSourceUnavailable, err)
	}
	return &ports.WatchSourceError{Source: SourceName, Op: "watch", Path: path, Err: err}
}

func (s *subscription) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return

		case ev, ok := <-s.fw.Events:
			if !ok {
				s.fail(&ports.WatchSourceError{Source: SourceName, Op: "read", Err: errors.New("event stream closed")})
				return
			}
			if err := s.handle(ev); err != nil {
				s.fail(err)
				return
			}

		case err, ok := <-s.fw.Errors:
			if !ok {
				s.fail(&ports.WatchSourceError{Source: SourceName, Op: "read", Err: errors.New("error stream closed")})
				return
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				s.logger.Warn("event queue overflow; some changes were not observed")
				if s.onOverflow != nil {
					s.onOverflow()
				}
				continue
			}
			s.fail(&ports.WatchSourceError{Source: SourceName, Op: "read", Err: err})
			return
		}
	}
}

// fail reports a terminal error unless the subscription is already closing.
func (s *subscription) fail(err error) {
	select {
	case <-s.done:
		return
	default:
	}
	s.logger.Error("watch source failed", zap.Error(err))
	select {
	case s.errs <- err:
	default:
	}
}

func (s *subscription) handle(ev fsnotify.Event) error {
	kind, ok := kindOf(ev.Op)
	if !ok {
		return nil
	}
	path := ev.Name
	now := time.Now()

	if !s.inScope(path) {
		return nil
	}

	switch kind {
	case ports.Created:
		if s.watched[filepath.Dir(path)] == modeRecursive {
			if err := s.pickUpDir(path, now); err != nil {
				return err
			}
		}
	case ports.Deleted, ports.Renamed:
		s.forget(path)
	}

	s.send(ports.RawEvent{Path: path, Kind: kind, ObservedAt: now})
	return nil
}

// pickUpDir adds a newly created directory under a recursive target and
// reports the files already inside it.
func (s *subscription) pickUpDir(path string, now time.Time) error {
	info, err := os.Lstat(path)
	if err != nil || !info.IsDir() {
		return nil
	}
	if s.skipDir != nil && s.skipDir(path) {
		return nil
	}
	files, err := s.walk(path, true)
	if err != nil {
		if errors.Is(err, ports.ErrSourceUnavailable) {
			return err
		}
		s.logger.Debug("new directory vanished before watch", zap.String("path", path), zap.Error(err))
		return nil
	}
	for _, f := range files {
		if !s.send(ports.RawEvent{Path: f, Kind: ports.Created, ObservedAt: now}) {
			return nil
		}
	}
	return nil
}

// forget drops bookkeeping for a removed directory and its descendants.
// The OS drops the watches themselves.
func (s *subscription) forget(path string) {
	if _, ok := s.watched[path]; !ok {
		return
	}
	prefix := path + string(filepath.Separator)
	for dir := range s.watched {
		if dir == path || (len(dir) > len(prefix) && dir[:len(prefix)] == prefix) {
			delete(s.watched, dir)
		}
	}
}

func (s *subscription) inScope(path string) bool {
	if s.fileTargets[path] {
		return true
	}
	if mode, ok := s.watched[filepath.Dir(path)]; ok && mode != modeParent {
		return true
	}
	_, self := s.watched[path]
	return self
}

// send blocks until the event is queued or the subscription is closed.
func (s *subscription) send(ev ports.RawEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// kindOf maps fsnotify ops to event kinds. Pure attribute changes are not
// content changes and are dropped.
func kindOf(op fsnotify.Op) (ports.EventKind, bool) {
	switch {
	case op.Has(fsnotify.Remove):
		return ports.Deleted, true
	case op.Has(fsnotify.Rename):
		return ports.Renamed, true
	case op.Has(fsnotify.Create):
		return ports.Created, true
	case op.Has(fsnotify.Write):
		return ports.Modified, true
	default:
		return 0, false
	}
}
