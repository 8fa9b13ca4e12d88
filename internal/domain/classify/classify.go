// Package classify maps a changed path to a semantic category.
//
// Rules are evaluated in priority order against the path relative to the
// project root:
//
//  1. anything under the agent state directory (.claude) is ClaudeStateChanged
//  2. anything under a source directory (src, lib, internal, cmd, pkg, app,
//     tests) is SourceChanged
//  3. a recognized config file directly in the root is ConfigChanged
//  4. .git/HEAD and branch refs under .git/refs/heads are GitCommit
//  5. everything else, including paths outside the root, is Generic
package classify

import (
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zeami/zwatch/internal/ports"
)

// Source labels attached to classified events.
const (
	SourceClaude  = "claude"
	SourceGit     = "git"
	SourceCode    = "source"
	SourceTests   = "tests"
	SourceProject = "project"
)

// DefaultStateDir is the agent state directory name.
const DefaultStateDir = ".claude"

// DefaultSourceDirs are directory names whose contents count as source code.
var DefaultSourceDirs = []string{"src", "lib", "internal", "cmd", "pkg", "app", "tests"}

var configNames = map[string]bool{
	"package.json":       true,
	"tsconfig.json":      true,
	"Cargo.toml":         true,
	"go.mod":             true,
	"go.work":            true,
	"pyproject.toml":     true,
	"requirements.txt":   true,
	"Gemfile":            true,
	"Makefile":           true,
	"Dockerfile":         true,
	"docker-compose.yml": true,
	".env":               true,
	".env.local":         true,
	".editorconfig":      true,
	".gitignore":         true,
	"tauri.conf.json":    true,
	"vite.config.ts":     true,
	"vite.config.js":     true,
	"CLAUDE.md":          true,
}

var configExts = map[string]bool{
	".toml": true,
	".json": true,
	".yaml": true,
	".yml":  true,
}

var testDirs = map[string]bool{"tests": true, "test": true, "__tests__": true, "spec": true}

// Classifier assigns categories. It is immutable and safe for concurrent use.
type Classifier struct {
	root       string
	stateDir   string
	sourceDirs map[string]bool
	now        func() time.Time
	newID      func() string
}

// Option configures a Classifier.
type Option func(*Classifier)

// WithStateDir overrides the agent state directory name.
func WithStateDir(name string) Option {
	return func(c *Classifier) { c.stateDir = name }
}

// WithSourceDirs replaces the source directory names.
func WithSourceDirs(names ...string) Option {
	return func(c *Classifier) {
		c.sourceDirs = make(map[string]bool, len(names))
		for _, n := range names {
			c.sourceDirs[n] = true
		}
	}
}

// WithClock sets the time source used for EmittedAt.
func WithClock(now func() time.Time) Option {
	return func(c *Classifier) { c.now = now }
}

// WithIDGenerator sets the event ID generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Classifier) { c.newID = fn }
}

// New returns a classifier for the project at root.
func New(root string, opts ...Option) *Classifier {
	c := &Classifier{
		root:     filepath.Clean(root),
		stateDir: DefaultStateDir,
		now:      time.Now,
		newID:    uuid.NewString,
	}
	WithSourceDirs(DefaultSourceDirs...)(c)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Root returns the project root.
func (c *Classifier) Root() string { return c.root }

// Classify builds the event for path with a fresh ID and EmittedAt.
// Coalescing fields are left for the caller.
func (c *Classifier) Classify(p string, kind ports.EventKind) ports.ClassifiedEvent {
	parts, inside := c.split(p)
	cat := c.category(parts, inside)
	return ports.ClassifiedEvent{
		ID:        c.newID(),
		Path:      p,
		Kind:      kind,
		Category:  cat,
		Source:    c.source(parts, inside, cat),
		EmittedAt: c.now(),
	}
}

// Category returns the category of path.
func (c *Classifier) Category(p string) ports.Category {
	parts, inside := c.split(p)
	return c.category(parts, inside)
}

// Source returns the coarse origin label of path.
func (c *Classifier) Source(p string) string {
	parts, inside := c.split(p)
	return c.source(parts, inside, c.category(parts, inside))
}

// split returns the root-relative path components.
func (c *Classifier) split(p string) ([]string, bool) {
	if !filepath.IsAbs(p) {
		p = filepath.Join(c.root, p)
	}
	rel, err := filepath.Rel(c.root, filepath.Clean(p))
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return nil, false
	}
	return strings.Split(filepath.ToSlash(rel), "/"), true
}

func (c *Classifier) category(parts []string, inside bool) ports.Category {
	if !inside {
		return ports.Generic
	}
	dirs := parts[:len(parts)-1]
	name := parts[len(parts)-1]
	inGit := parts[0] == ".git"

	for _, d := range dirs {
		if d == c.stateDir {
			return ports.ClaudeStateChanged
		}
	}
	if len(parts) == 1 && name == c.stateDir {
		return ports.ClaudeStateChanged
	}

	if !inGit {
		for _, d := range dirs {
			if c.sourceDirs[d] {
				return ports.SourceChanged
			}
		}
	}

	if len(parts) == 1 && (configNames[name] || configExts[path.Ext(name)]) {
		return ports.ConfigChanged
	}

	if inGit && len(parts) >= 2 {
		if len(parts) == 2 && name == "HEAD" {
			return ports.GitCommit
		}
		if len(parts) >= 4 && parts[1] == "refs" && parts[2] == "heads" {
			return ports.GitCommit
		}
	}
	return ports.Generic
}

func (c *Classifier) source(parts []string, inside bool, cat ports.Category) string {
	if !inside {
		return SourceProject
	}
	switch {
	case cat == ports.ClaudeStateChanged:
		return SourceClaude
	case parts[0] == ".git":
		return SourceGit
	case isTestPath(parts):
		return SourceTests
	case cat == ports.SourceChanged:
		return SourceCode
	default:
		return SourceProject
	}
}

func isTestPath(parts []string) bool {
	for _, d := range parts[:len(parts)-1] {
		if testDirs[d] {
			return true
		}
	}
	name := parts[len(parts)-1]
	return strings.HasSuffix(name, "_test.go") ||
		strings.Contains(name, ".test.") ||
		strings.Contains(name, ".spec.")
}
