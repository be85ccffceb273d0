package coreproj

import "context"

// ProcessResult is returned by UserHandler.ProcessEvent.
type ProcessResult struct {
	NewState string
	Emitted  []EmittedEvent
	Handled  bool
}

// UserHandler is the external collaborator that supplies projection logic:
// a deterministic fold from (partition, event) to (new state, emitted
// events). The runtime treats it as opaque; it never inspects handler
// internals beyond this interface.
type UserHandler interface {
	// Initialize runs before each load of the projection's state, including
	// the reload after a restart.
	Initialize(ctx context.Context) error

	// Load seeds the handler's in-memory state from a previously persisted
	// state blob (the empty string for a fresh projection).
	Load(ctx context.Context, partition, stateBlob string) error

	// ProcessEvent folds one input event into a new state for partition,
	// optionally producing emitted events. Handled reports whether the
	// handler recognized the event type; unhandled events still advance
	// the checkpoint tag but don't change state.
	ProcessEvent(ctx context.Context, partition string, ev Event) (ProcessResult, error)

	// Dispose releases any resources the handler holds; called exactly
	// once when the owning CoreProjection tears down.
	Dispose(ctx context.Context) error
}

// PartitionResolver maps an input event to the partition key that owns it.
// The default resolver returns RootPartition for every event (a
// non-partitioned, global projection).
type PartitionResolver interface {
	Resolve(ev Event) string
}

// RootPartitionResolver always resolves to RootPartition.
type RootPartitionResolver struct{}

func (RootPartitionResolver) Resolve(Event) string { return RootPartition }

// PartitionResolverFunc adapts a function to PartitionResolver.
type PartitionResolverFunc func(ev Event) string

func (f PartitionResolverFunc) Resolve(ev Event) string { return f(ev) }
