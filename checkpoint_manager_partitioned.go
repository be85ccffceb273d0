package coreproj

import (
	"context"
	"sync"

	"github.com/foldstream/coreproj/eventlog"
)

const (
	stateUpdatedEventType  = "StateUpdated"
	partitionEventType     = "$partition"
)

// PartitionedCheckpointManager wraps a CheckpointManager and additionally
// maintains the per-partition state stream and partition catalog stream
// documented for partitioned projections with emit-state enabled. It
// differs from CheckpointManager only in write strategy: the capability
// surface (BeginLoad/Suggest/Stopping/Stopped/Stats) is identical, so
// CoreProjection drives both through CheckpointManagerCapability.
type PartitionedCheckpointManager struct {
	*CheckpointManager

	projectionName string
	log            eventlog.EventLog
	naming         NamingBuilder
	tagCodec       TagCodec

	mu             sync.Mutex
	knownPartition map[string]struct{}
	dirty          map[string]PartitionState
}

// NewPartitionedCheckpointManager wraps base with partition-stream writes.
func NewPartitionedCheckpointManager(base *CheckpointManager, projectionName string, log eventlog.EventLog, naming NamingBuilder, codec TagCodec) *PartitionedCheckpointManager {
	return &PartitionedCheckpointManager{
		CheckpointManager: base,
		projectionName:    projectionName,
		log:               log,
		naming:            naming,
		tagCodec:          codec,
		knownPartition:    make(map[string]struct{}),
		dirty:             make(map[string]PartitionState),
	}
}

// TouchPartition records that partition was written by the handler at tag,
// so its state and catalog entry get flushed on the next checkpoint.
func (m *PartitionedCheckpointManager) TouchPartition(partition string, state PartitionState) {
	if partition == RootPartition {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dirty[partition] = state
}

// Suggest flushes dirty partition streams before delegating to the base
// checkpoint write.
func (m *PartitionedCheckpointManager) Suggest(ctx context.Context, tag CheckpointTag, stateBlob string) {
	m.flushPartitions(ctx, tag)
	m.CheckpointManager.Suggest(ctx, tag, stateBlob)
}

// Stopping flushes dirty partition streams before delegating.
func (m *PartitionedCheckpointManager) Stopping(ctx context.Context, tag CheckpointTag, stateBlob string) {
	m.flushPartitions(ctx, tag)
	m.CheckpointManager.Stopping(ctx, tag, stateBlob)
}

func (m *PartitionedCheckpointManager) flushPartitions(ctx context.Context, upTo CheckpointTag) {
	m.mu.Lock()
	toFlush := make(map[string]PartitionState, len(m.dirty))
	for k, v := range m.dirty {
		if !v.CausedByTag.After(upTo) {
			toFlush[k] = v
			delete(m.dirty, k)
		}
	}
	m.mu.Unlock()

	for partition, state := range toFlush {
		m.mu.Lock()
		_, known := m.knownPartition[partition]
		m.mu.Unlock()
		if !known {
			catalog := m.naming.PartitionCatalogStream(m.projectionName)
			_, err := m.log.WriteEvents(ctx, catalog, eventlog.AnyVersion, []eventlog.EventData{{
				EventType: partitionEventType,
				Data:      []byte(partition),
				Metadata:  eventlog.Metadata{causedByTagMetadataKey: m.tagCodec.Encode(state.CausedByTag)},
			}})
			if err != nil {
				m.CheckpointManager.reportFatal(err)
				return
			}
			m.mu.Lock()
			m.knownPartition[partition] = struct{}{}
			m.mu.Unlock()
		}

		stateStream := m.naming.PartitionStateStream(m.projectionName, partition)
		_, err := m.log.WriteEvents(ctx, stateStream, eventlog.AnyVersion, []eventlog.EventData{{
			EventType: stateUpdatedEventType,
			Data:      []byte(state.DataBlob),
			Metadata:  eventlog.Metadata{causedByTagMetadataKey: m.tagCodec.Encode(state.CausedByTag)},
		}})
		if err != nil {
			m.CheckpointManager.reportFatal(err)
			return
		}
	}
}

var _ CheckpointManagerCapability = (*PartitionedCheckpointManager)(nil)
