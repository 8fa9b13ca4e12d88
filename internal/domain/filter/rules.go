package filter

import (
	"errors"
	"fmt"
	"strings"
)

// RuleType selects how a rule's pattern is compared against a path.
type RuleType int

const (
	// Substring matches when the slash-separated path contains the pattern.
	Substring RuleType = iota + 1
	// Glob matches a shell-style glob. Patterns without '/' are matched
	// against the base name, others against the root-relative path.
	Glob
	// Segment matches when any path component equals the pattern exactly.
	Segment
)

func (t RuleType) String() string {
	switch t {
	case Substring:
		return "substring"
	case Glob:
		return "glob"
	case Segment:
		return "segment"
	default:
		return fmt.Sprintf("RuleType(%d)", int(t))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (t RuleType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler. "pathSegment" and
// "path_segment" are accepted as aliases of "segment".
func (t *RuleType) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "substring", "contains":
		*t = Substring
	case "glob":
		*t = Glob
	case "segment", "pathsegment", "path_segment":
		*t = Segment
	default:
		return fmt.Errorf("unknown rule type %q", string(b))
	}
	return nil
}

// Rule is a named exclusion predicate.
type Rule struct {
	Pattern string   `json:"pattern" yaml:"pattern"`
	Type    RuleType `json:"type" yaml:"type"`
	Reason  string   `json:"reason,omitempty" yaml:"reason,omitempty"`
}

func (r Rule) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.Pattern)
}

// Reasons used by the built-in rules.
const (
	ReasonDependency    = "dependency"
	ReasonBuildArtifact = "build-artifact"
	ReasonTemporary     = "temporary-file"
	ReasonLockFile      = "lock-file"
	ReasonIDE           = "ide"
	ReasonOSFile        = "os-file"
	ReasonGitInternal   = "git-internal"
	ReasonLogFile       = "log-file"
	ReasonTestArtifact  = "test-artifact"
	ReasonOwnState      = "zwatch-state"
	ReasonHidden        = "hidden"
	ReasonCustom        = "custom"
)

// ErrInvalidRule is matched by errors.Is for every *InvalidRuleError.
var ErrInvalidRule = errors.New("invalid filter rule")

// InvalidRuleError reports a user rule rejected at configuration time.
type InvalidRuleError struct {
	Index int // position among the user rules
	Rule  Rule
	Err   error
}

func (e *InvalidRuleError) Error() string {
	return fmt.Sprintf("invalid filter rule #%d (%s %q): %v", e.Index, e.Rule.Type, e.Rule.Pattern, e.Err)
}

func (e *InvalidRuleError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrInvalidRule) true.
func (e *InvalidRuleError) Is(target error) bool { return target == ErrInvalidRule }

func seg(p, reason string) Rule { return Rule{Pattern: p, Type: Segment, Reason: reason} }
func glb(p, reason string) Rule { return Rule{Pattern: p, Type: Glob, Reason: reason} }
func sub(p, reason string) Rule { return Rule{Pattern: p, Type: Substring, Reason: reason} }

// builtinRules is evaluated before any user rule. Order matters only for the
// reason reported by Match.
var builtinRules = []Rule{
	seg("node_modules", ReasonDependency),
	seg("bower_components", ReasonDependency),
	seg(".venv", ReasonDependency),
	seg("__pycache__", ReasonDependency),

	seg("target", ReasonBuildArtifact),
	seg("dist", ReasonBuildArtifact),
	seg("build", ReasonBuildArtifact),
	seg("out", ReasonBuildArtifact),
	seg(".next", ReasonBuildArtifact),
	seg(".nuxt", ReasonBuildArtifact),
	seg(".turbo", ReasonBuildArtifact),

	glb("*.tmp", ReasonTemporary),
	glb("*.temp", ReasonTemporary),
	glb("*.swp", ReasonTemporary),
	glb("*.swo", ReasonTemporary),
	glb("*.swx", ReasonTemporary),
	glb("*~", ReasonTemporary),
	glb("~*", ReasonTemporary),
	glb(".#*", ReasonTemporary),
	glb("#*#", ReasonTemporary),

	glb("package-lock.json", ReasonLockFile),
	glb("yarn.lock", ReasonLockFile),
	glb("pnpm-lock.yaml", ReasonLockFile),
	glb("Cargo.lock", ReasonLockFile),

	seg(".idea", ReasonIDE),
	seg(".vscode", ReasonIDE),
	seg(".vs", ReasonIDE),
	glb("*.iml", ReasonIDE),

	glb(".DS_Store", ReasonOSFile),
	glb("Thumbs.db", ReasonOSFile),
	glb("desktop.ini", ReasonOSFile),
	sub(":Zone.Identifier", ReasonOSFile),

	sub("/.git/objects/", ReasonGitInternal),
	sub("/.git/logs/", ReasonGitInternal),
	sub("/.git/index.lock", ReasonGitInternal),

	glb("*.log", ReasonLogFile),

	seg("test-results", ReasonTestArtifact),
	seg("playwright-report", ReasonTestArtifact),
	seg("coverage", ReasonTestArtifact),
	seg(".nyc_output", ReasonTestArtifact),

	// journal, pid and log files written by the daemon itself
	seg(".zeami", ReasonOwnState),
}

// BuiltinRules returns a copy of the always-present rule set.
func BuiltinRules() []Rule {
	out := make([]Rule, len(builtinRules))
	copy(out, builtinRules)
	return out
}

// HiddenExceptions are dot entries that stay visible when hidden entries are
// suppressed.
var HiddenExceptions = []string{".claude", ".git", ".env", ".gitignore", ".github"}

var hiddenRule = Rule{Pattern: ".*", Type: Segment, Reason: ReasonHidden}
