// Package target holds the set of filesystem roots a service observes.
// Paths are normalized to a canonical absolute form on registration so that
// the same directory reached through different spellings (relative paths,
// trailing separators, symlinks) is stored once.
package target

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/zeami/zwatch/internal/ports"
)

// ErrInvalidTarget is matched by errors.Is for every *InvalidTargetError.
var ErrInvalidTarget = errors.New("invalid watch target")

// InvalidTargetError reports a target that cannot be observed: the path does
// not exist or is not readable.
type InvalidTargetError struct {
	Path string
	Err  error
}

func (e *InvalidTargetError) Error() string {
	return fmt.Sprintf("invalid watch target %s: %v", e.Path, e.Err)
}

func (e *InvalidTargetError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvalidTarget) true.
func (e *InvalidTargetError) Is(target error) bool { return target == ErrInvalidTarget }

// Registry is an ordered, deduplicated set of watch targets.
// It validates paths but does not watch anything itself.
type Registry struct {
	root string

	mu      sync.RWMutex
	targets []ports.WatchTarget
}

// NewRegistry returns an empty registry. Relative target paths are resolved
// against root.
func NewRegistry(root string) *Registry {
	if abs, err := filepath.Abs(root); err == nil {
		root = abs
	}
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}
	return &Registry{root: root}
}

// Root returns the canonical project root.
func (r *Registry) Root() string { return r.root }

// Register validates t and adds it. Registering a path that is already present
// merges the two entries (recursive wins) instead of adding a duplicate.
// A descendant of a registered recursive target is accepted; Effective leaves
// it out so it never produces duplicate events.
func (r *Registry) Register(t ports.WatchTarget) error {
	canonical, err := r.Canonical(t.Path)
	if err != nil {
		return &InvalidTargetError{Path: t.Path, Err: err}
	}
	if err := checkReadable(canonical); err != nil {
		return &InvalidTargetError{Path: t.Path, Err: err}
	}
	t.Path = canonical

	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.targets {
		if r.targets[i].Path != canonical {
			continue
		}
		existing := &r.targets[i]
		existing.Recursive = existing.Recursive || t.Recursive
		if t.Priority > existing.Priority {
			existing.Priority = t.Priority
		}
		if existing.Description == "" {
			existing.Description = t.Description
		}
		return nil
	}
	r.targets = append(r.targets, t)
	return nil
}

// RegisterAll registers every target and returns the failures. Failed targets
// are skipped; the rest are registered.
func (r *Registry) RegisterAll(targets []ports.WatchTarget) []error {
	var errs []error
	for _, t := range targets {
		if err := r.Register(t); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// All returns the registered targets in registration order.
func (r *Registry) All() []ports.WatchTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]ports.WatchTarget, len(r.targets))
	copy(out, r.targets)
	return out
}

// Len returns the number of registered targets.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.targets)
}

// Effective returns the minimal set of targets covering everything
// registered: targets strictly inside a recursive target are dropped.
// Registration order is preserved.
func (r *Registry) Effective() []ports.WatchTarget {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]ports.WatchTarget, 0, len(r.targets))
	for i, t := range r.targets {
		if !r.coveredLocked(i, t) {
			out = append(out, t)
		}
	}
	return out
}

// Redundant reports whether path lies strictly inside a registered recursive
// target.
func (r *Registry) Redundant(path string) bool {
	canonical, err := r.Canonical(path)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.coveredLocked(-1, ports.WatchTarget{Path: canonical})
}

func (r *Registry) coveredLocked(self int, t ports.WatchTarget) bool {
	for j, u := range r.targets {
		if j == self || !u.Recursive {
			continue
		}
		if Within(t.Path, u.Path) && t.Path != u.Path {
			return true
		}
	}
	return false
}

// Canonical returns the absolute, cleaned, symlink-resolved form of path.
// The path must exist.
func (r *Registry) Canonical(path string) (string, error) {
	if path == "" {
		return "", errors.New("empty path")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(r.root, path)
	}
	path = filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return "", err
	}
	return resolved, nil
}

// Within reports whether path equals dir or lies beneath it. Both arguments
// must be clean absolute paths.
func Within(path, dir string) bool {
	if path == dir {
		return true
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func checkReadable(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	return f.Close()
}
