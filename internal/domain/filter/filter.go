// Package filter decides whether a raw filesystem event is noise.
//
// An Engine holds a static, ordered rule list: the built-in rules (dependency
// and build output directories, temp and swap files, lock files, IDE and OS
// metadata, VCS object storage, test artifacts) followed by user rules.
// Evaluation short-circuits on the first match. Engines are immutable and
// safe for concurrent use; user rules are validated when the engine is built,
// never during evaluation.
package filter

import (
	"errors"
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"
)

type compiledRule struct {
	Rule
	g      glob.Glob       // set for Glob rules
	except map[string]bool // hidden-entry rule: dot names that still pass
}

// Engine evaluates paths against the built-in and user rules.
type Engine struct {
	rules   []compiledRule
	builtin int
	root    string // slash form, no trailing slash; empty = absolute matching
	hidden  bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithRoot makes rules match against paths relative to root, so that a
// project living under e.g. /home/me/build is not suppressed wholesale.
// Paths outside root are matched in absolute form.
func WithRoot(root string) Option {
	return func(e *Engine) {
		if root == "" {
			return
		}
		e.root = strings.TrimSuffix(filepath.ToSlash(filepath.Clean(root)), "/")
	}
}

// WithHiddenEntries adds a built-in rule suppressing any path with a
// component that starts with a dot, except the entries in HiddenExceptions.
func WithHiddenEntries(on bool) Option {
	return func(e *Engine) { e.hidden = on }
}

// New builds an engine from the built-in rules plus user rules. A malformed
// user rule yields an *InvalidRuleError and no engine.
func New(user []Rule, opts ...Option) (*Engine, error) {
	e := &Engine{builtin: len(builtinRules)}
	for _, opt := range opts {
		opt(e)
	}

	e.rules = make([]compiledRule, 0, len(builtinRules)+len(user))
	for _, r := range builtinRules {
		cr, err := compile(r)
		if err != nil {
			panic("filter: built-in rule " + r.String() + ": " + err.Error())
		}
		e.rules = append(e.rules, cr)
	}
	if e.hidden {
		except := make(map[string]bool, len(HiddenExceptions))
		for _, name := range HiddenExceptions {
			except[name] = true
		}
		e.rules = append(e.rules, compiledRule{Rule: hiddenRule, except: except})
		e.builtin++
	}
	for i, r := range user {
		if r.Reason == "" {
			r.Reason = ReasonCustom
		}
		cr, err := compile(r)
		if err != nil {
			return nil, &InvalidRuleError{Index: i, Rule: r, Err: err}
		}
		e.rules = append(e.rules, cr)
	}
	return e, nil
}

// Validate checks user rules without building an engine.
func Validate(user []Rule) error {
	for i, r := range user {
		if _, err := compile(r); err != nil {
			return &InvalidRuleError{Index: i, Rule: r, Err: err}
		}
	}
	return nil
}

func compile(r Rule) (compiledRule, error) {
	if strings.TrimSpace(r.Pattern) == "" {
		return compiledRule{}, errors.New("empty pattern")
	}
	cr := compiledRule{Rule: r}
	switch r.Type {
	case Substring:
	case Segment:
		if strings.ContainsAny(r.Pattern, `/\`) {
			return compiledRule{}, errors.New("segment pattern must not contain a path separator")
		}
	case Glob:
		g, err := glob.Compile(r.Pattern, '/')
		if err != nil {
			return compiledRule{}, err
		}
		cr.g = g
	default:
		return compiledRule{}, errors.New("unknown rule type")
	}
	return cr, nil
}

// ShouldSuppress reports whether path matches any rule.
func (e *Engine) ShouldSuppress(p string) bool {
	_, ok := e.Match(p)
	return ok
}

// Match returns the first rule matching path.
func (e *Engine) Match(p string) (Rule, bool) {
	rel := e.relative(p)
	if rel == "" {
		return Rule{}, false
	}
	base := path.Base(rel)
	// Trailing slash lets "dir/" patterns match the directory itself.
	slashed := "/" + rel + "/"

	for i := range e.rules {
		if e.rules[i].matches(rel, slashed, base) {
			return e.rules[i].Rule, true
		}
	}
	return Rule{}, false
}

func (r *compiledRule) matches(rel, slashed, base string) bool {
	if r.except != nil {
		for _, part := range strings.Split(rel, "/") {
			if len(part) > 1 && part[0] == '.' && !r.except[part] {
				return true
			}
		}
		return false
	}
	switch r.Type {
	case Substring:
		return strings.Contains(slashed, r.Pattern)
	case Segment:
		for _, part := range strings.Split(rel, "/") {
			if part == r.Pattern {
				return true
			}
		}
		return false
	case Glob:
		if strings.Contains(r.Pattern, "/") {
			return r.g.Match(rel)
		}
		return r.g.Match(base)
	}
	return false
}

// relative returns the slash path used for matching, without a leading
// slash: root-relative when under root, otherwise absolute.
func (e *Engine) relative(p string) string {
	s := filepath.ToSlash(filepath.Clean(p))
	if e.root != "" {
		if s == e.root {
			return ""
		}
		if strings.HasPrefix(s, e.root+"/") {
			return s[len(e.root)+1:]
		}
	}
	return strings.TrimPrefix(s, "/")
}

// Rules returns the full ordered rule list, built-ins first.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	for i := range e.rules {
		out[i] = e.rules[i].Rule
	}
	return out
}

// UserRules returns only the rules appended after the built-ins.
func (e *Engine) UserRules() []Rule {
	return e.Rules()[e.builtin:]
}

// CountByReason tallies rules per reason.
func (e *Engine) CountByReason() map[string]int {
	counts := make(map[string]int)
	for i := range e.rules {
		counts[e.rules[i].Reason]++
	}
	return counts
}
