package ports

import (
	"fmt"
	"time"
)

// Category is the semantic tag attached to a debounced event. Consumers route
// on it; exactly one category is assigned per event.
type Category int

const (
	Generic Category = iota
	ClaudeStateChanged
	SourceChanged
	ConfigChanged
	GitCommit
)

var categoryNames = map[Category]string{
	Generic:            "generic",
	ClaudeStateChanged: "claude_state_changed",
	SourceChanged:      "source_changed",
	ConfigChanged:      "config_changed",
	GitCommit:          "git_commit",
}

func (c Category) String() string {
	if s, ok := categoryNames[c]; ok {
		return s
	}
	return "generic"
}

// MarshalText implements encoding.TextMarshaler.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (c *Category) UnmarshalText(b []byte) error {
	for cat, name := range categoryNames {
		if name == string(b) {
			*c = cat
			return nil
		}
	}
	return fmt.Errorf("unknown category %q", string(b))
}

// ClassifiedEvent is the externally visible unit: one per settled debounce
// window. Values are never mutated after emission.
type ClassifiedEvent struct {
	ID             string    `json:"id"`
	Path           string    `json:"path"`
	Kind           EventKind `json:"kind"`
	Category       Category  `json:"category"`
	Source         string    `json:"source"`
	CoalescedCount int       `json:"coalesced_count"`
	FirstSeenAt    time.Time `json:"first_seen_at"`
	LastSeenAt     time.Time `json:"last_seen_at"`
	EmittedAt      time.Time `json:"emitted_at"`
}

// HighPriority reports whether consumers should handle the event ahead of
// ordinary changes.
func (e ClassifiedEvent) HighPriority() bool {
	return e.Category == ClaudeStateChanged || e.Category == GitCommit
}

// Notification is one element of the service output stream. Exactly one of
// Event or Err is meaningful; Err is set for runtime source failures.
type Notification struct {
	Event ClassifiedEvent
	Err   error
}

// IsError reports whether the notification carries a source failure.
func (n Notification) IsError() bool { return n.Err != nil }
