package ports

import (
	"errors"
	"fmt"
	"time"
)

// EventKind is the kind of change a RawEvent reports.
type EventKind int

const (
	Created EventKind = iota + 1
	Modified
	Deleted
	Renamed
)

// String returns the lowercase wire name of the kind.
func (k EventKind) String() string {
	switch k {
	case Created:
		return "created"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	case Renamed:
		return "renamed"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler so kinds serialize by name.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "created":
		*k = Created
	case "modified":
		*k = Modified
	case "deleted":
		*k = Deleted
	case "renamed":
		*k = Renamed
	default:
		return fmt.Errorf("unknown event kind %q", string(b))
	}
	return nil
}

// RawEvent is a single, undebounced change notification from an EventSource.
// Sources may deliver duplicates and may deliver them out of order.
type RawEvent struct {
	Path       string
	Kind       EventKind
	ObservedAt time.Time
}

// WatchTarget identifies a root to observe.
type WatchTarget struct {
	Path        string `json:"path" yaml:"path"`
	Recursive   bool   `json:"recursive" yaml:"recursive"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Priority    int    `json:"priority,omitempty" yaml:"priority,omitempty"`
}

// SubscribeOptions tunes a subscription. Zero values are valid.
type SubscribeOptions struct {
	// BufferSize bounds the Events channel. When it is full the source blocks
	// until the consumer catches up or the subscription is closed.
	BufferSize int

	// SkipDir reports directories the source need not descend into. Sources
	// may still report events for them; filtering stays the pipeline's job.
	SkipDir func(path string) bool

	// PollInterval is the rescan period for polling sources.
	PollInterval time.Duration

	// OnOverflow is called when the OS dropped events (queue overflow).
	// The subscription stays alive.
	OnOverflow func()
}

// EventSource delivers raw filesystem change notifications for a set of
// targets. Native OS notification and the polling fallback are both
// implementations of this one capability.
type EventSource interface {
	// Name identifies the implementation ("fsnotify", "poll").
	Name() string

	// Subscribe installs watches for targets and returns once the source is
	// ready to deliver events. An error means nothing was installed; it is a
	// *WatchSourceError when the native facility itself is unavailable.
	Subscribe(targets []WatchTarget, opts SubscribeOptions) (Subscription, error)
}

// Subscription is a live stream of RawEvents from an EventSource.
//
// Delivery is at-least-once for every mutation under a reachable target.
// Errors carries terminal failures only: after a value is sent the source
// stops producing events. Close tears the subscription down synchronously;
// once it returns no goroutine owned by the subscription is running.
type Subscription interface {
	Events() <-chan RawEvent
	Errors() <-chan error
	Close() error
}

// ErrSourceUnavailable is wrapped by WatchSourceError when the native facility
// cannot be used at all (watch descriptor exhaustion, unsupported filesystem).
var ErrSourceUnavailable = errors.New("watch source unavailable")

// WatchSourceError reports a failure of an EventSource.
type WatchSourceError struct {
	Source string // implementation name
	Op     string // "subscribe", "watch", "read"
	Path   string // affected path, if any
	Err    error

	// Recovered is set by the service when the failure was absorbed by
	// switching to the polling fallback.
	Recovered bool
}

func (e *WatchSourceError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Op)
	if e.Path != "" {
		msg += " " + e.Path
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Recovered {
		msg += " (recovered: poll mode)"
	}
	return msg
}

func (e *WatchSourceError) Unwrap() error { return e.Err }
