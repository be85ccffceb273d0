// Package eventlog defines the EventLog interface the core projection
// runtime consumes: read-stream-backward, append-events, and
// subscribe-from-position, exactly the three request/response pairs
// documented as the runtime's external event store collaborator.
package eventlog

import (
	"context"
	"errors"
	"time"
)

// Version constants for optimistic concurrency control on WriteEvents.
const (
	AnyVersion   int64 = -1
	NoStream     int64 = 0
	StreamExists int64 = -2
)

// Result enumerates the outcomes WriteEvents and ReadStreamEventsBackward
// may return, mirroring the documented result code sets.
type Result int

const (
	Success Result = iota
	NoStreamResult
	StreamDeleted
	NotModified
	WrongExpectedVersion
	PrepareTimeout
	ForwardTimeout
	CommitTimeout
	AccessDenied
	ErrorResult
)

func (r Result) String() string {
	switch r {
	case Success:
		return "Success"
	case NoStreamResult:
		return "NoStream"
	case StreamDeleted:
		return "StreamDeleted"
	case NotModified:
		return "NotModified"
	case WrongExpectedVersion:
		return "WrongExpectedVersion"
	case PrepareTimeout:
		return "PrepareTimeout"
	case ForwardTimeout:
		return "ForwardTimeout"
	case CommitTimeout:
		return "CommitTimeout"
	case AccessDenied:
		return "AccessDenied"
	default:
		return "Error"
	}
}

// IsTimeout reports whether r is one of the transient timeout results that
// the runtime retries indefinitely at the same operation.
func (r Result) IsTimeout() bool {
	return r == PrepareTimeout || r == ForwardTimeout || r == CommitTimeout
}

// ErrUnknownResult is returned by adapters (and surfaced as fatal by
// callers) when a backend produces a code outside this documented set.
var ErrUnknownResult = errors.New("eventlog: unsupported result code")

// Metadata is an opaque key/value bag carried with each event.
type Metadata map[string]string

// EventData is one event to append, before a position is assigned.
type EventData struct {
	EventID   string
	EventType string
	Data      []byte
	Metadata  Metadata
}

// StoredEvent is a committed, positioned event as returned by reads and
// subscriptions.
type StoredEvent struct {
	StreamID       string
	EventNumber    int64
	GlobalPosition int64
	EventType      string
	Category       string
	EventID        string
	Data           []byte
	Metadata       Metadata
	Timestamp      time.Time
}

// ReadBackwardResult is the response to ReadStreamEventsBackward.
type ReadBackwardResult struct {
	Events          []StoredEvent
	NextEventNumber int64
	Result          Result
}

// WriteResult is the response to WriteEvents.
type WriteResult struct {
	Result          Result
	FirstEventNumber int64
}

// Position identifies a point in the global commit log, used as the
// starting point for SubscribeFrom.
type Position struct {
	Commit  int64
	Prepare int64
}

// StartPosition is the sentinel meaning "subscribe from the very start of
// the log".
var StartPosition = Position{Commit: -1, Prepare: -1}

// Filter narrows a subscription by stream/category; an empty Filter passes
// everything ($all).
type Filter struct {
	Streams    []string
	Categories []string
}

// Subscription is a live feed of committed events starting at the position
// passed to SubscribeFrom. Delivery stops when ctx is cancelled or Close is
// called.
type Subscription interface {
	// Recv blocks until the next record is available, the adapter's feed
	// has closed (eof=true), or ctx is done. Reaching the live end of the
	// log is not reported: Recv keeps waiting for the next write.
	Recv(ctx context.Context) (rec StoredEvent, eof bool, err error)
	Close() error
}

// EventLog is the storage engine this runtime consumes: append-only
// streams with optimistic concurrency, backward paging reads, and a live
// subscription from an arbitrary position.
type EventLog interface {
	// ReadStreamEventsBackward pages backward from fromEventNumber (use -1
	// for "from the end"), returning at most maxCount events.
	ReadStreamEventsBackward(ctx context.Context, stream string, fromEventNumber int64, maxCount int) (ReadBackwardResult, error)

	// WriteEvents appends events to stream under the given expected
	// version.
	WriteEvents(ctx context.Context, stream string, expectedVersion int64, events []EventData) (WriteResult, error)

	// SubscribeFrom opens a live subscription starting just after position,
	// narrowed by filter.
	SubscribeFrom(ctx context.Context, position Position, filter Filter) (Subscription, error)
}

// HealthChecker is an optional capability an EventLog adapter may implement
// to support the operator CLI's diagnose command.
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// Migrator is an optional capability for adapters backed by a schema that
// must be created before use.
type Migrator interface {
	Migrate(ctx context.Context) error
}
