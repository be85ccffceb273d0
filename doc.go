// Package coreproj implements the core runtime for event-sourced projections:
// a lifecycle state machine that folds a committed event stream into derived
// state, emits new events to derived streams, and checkpoints its progress
// under crash recovery.
//
// A projection is driven by a Subscription over an EventLog, processes
// events through a StagedQueue, keeps partitioned state in a
// PartitionStateCache, and writes output through one EmittedStream per
// target stream. A CheckpointManager persists the projection's logical
// position and user state, gating checkpoints on emit drain so a crash can
// never observe a checkpoint ahead of its emits.
package coreproj
