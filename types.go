package coreproj

import "time"

// Metadata is an opaque key/value bag carried alongside event data. The
// runtime serializes it independently of the event body so it can stash its
// own bookkeeping (caused_by_tag, event_id) without the handler's
// cooperation.
type Metadata map[string]string

// EventRecord is the raw committed-event record as read from the event log,
// before the Subscription assigns it a CheckpointTag or runs it through the
// EventFilter.
type EventRecord struct {
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

// Event is a record that has passed the EventFilter and been assigned a
// CheckpointTag; this is what StagedQueue delivers to the handler's
// process-event stage.
type Event struct {
	Tag         CheckpointTag
	StreamID    string
	EventNumber int64
	EventType   string
	Category    string
	EventID     string
	Data        []byte
	Metadata    Metadata
}

// EmittedEvent is an event produced by a projection handler for append to a
// derived stream. CausedByTag is the input tag whose processing produced it;
// ExpectedTag is the prior tag the target stream must already reflect,
// used by EmittedStream to detect concurrency violations.
type EmittedEvent struct {
	TargetStream string
	EventID      string
	EventType    string
	Data         []byte
	CausedByTag  CheckpointTag
	ExpectedTag  CheckpointTag
	HasExpected  bool

	// OnCommitted is invoked exactly once with the assigned event number
	// once this event is durably committed (or found already committed
	// during recovery).
	OnCommitted func(eventNumber int64)
}

// PartitionState is the cached state blob for one partition key, along with
// the tag whose processing last produced it.
type PartitionState struct {
	DataBlob    string
	CausedByTag CheckpointTag
}

// ProjectionCheckpoint is the persisted record written to a projection's
// checkpoint stream: the logical position it has fully processed up to, and
// the user state folded as of that position.
type ProjectionCheckpoint struct {
	Tag       CheckpointTag
	StateBlob string
}

// RootPartition is the key denoting the root/only partition for
// non-partitioned (global) projections.
const RootPartition = ""
