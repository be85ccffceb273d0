package coreproj

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldstream/coreproj/eventlog"
	"github.com/foldstream/coreproj/eventlog/memory"
)

func newTestPartitionedManager(log eventlog.EventLog, onCompleted func(CheckpointTag)) *PartitionedCheckpointManager {
	naming := DefaultNamingBuilder{}
	codec := DefaultTagCodec{}
	base := NewCheckpointManager("totals", log, naming, NewPartitionStateCache(), nil, codec,
		WithOnCheckpointCompleted(onCompleted))
	return NewPartitionedCheckpointManager(base, "totals", log, naming, codec)
}

func TestPartitionedCheckpointManager_TouchPartition_IgnoresRootPartition(t *testing.T) {
	m := newTestPartitionedManager(memory.NewAdapter(), nil)
	m.TouchPartition(RootPartition, PartitionState{})
	assert.Empty(t, m.dirty)
}

func TestPartitionedCheckpointManager_Suggest_FlushesDirtyPartitions(t *testing.T) {
	log := memory.NewAdapter()
	completed := make(chan CheckpointTag, 1)
	m := newTestPartitionedManager(log, func(tag CheckpointTag) { completed <- tag })

	tag := CheckpointTag{Commit: 1, Prepare: 1}
	m.TouchPartition("customer-1", PartitionState{DataBlob: `{"total":9}`, CausedByTag: tag})

	m.Suggest(context.Background(), tag, `{}`)

	select {
	case got := <-completed:
		assert.True(t, got.Equal(tag))
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for checkpoint write")
	}

	naming := DefaultNamingBuilder{}
	catalogRead, err := log.ReadStreamEventsBackward(context.Background(), naming.PartitionCatalogStream("totals"), -1, 10)
	require.NoError(t, err)
	require.Len(t, catalogRead.Events, 1)
	assert.Equal(t, "customer-1", string(catalogRead.Events[0].Data))

	stateRead, err := log.ReadStreamEventsBackward(context.Background(), naming.PartitionStateStream("totals", "customer-1"), -1, 10)
	require.NoError(t, err)
	require.Len(t, stateRead.Events, 1)
	assert.Equal(t, `{"total":9}`, string(stateRead.Events[0].Data))
}

func TestPartitionedCheckpointManager_Suggest_DoesNotFlushPartitionsAheadOfTag(t *testing.T) {
	log := memory.NewAdapter()
	m := newTestPartitionedManager(log, nil)

	ahead := CheckpointTag{Commit: 5, Prepare: 5}
	checkpointTag := CheckpointTag{Commit: 1, Prepare: 1}
	m.TouchPartition("customer-1", PartitionState{DataBlob: `{}`, CausedByTag: ahead})

	m.Suggest(context.Background(), checkpointTag, `{}`)

	naming := DefaultNamingBuilder{}
	catalogRead, err := log.ReadStreamEventsBackward(context.Background(), naming.PartitionCatalogStream("totals"), -1, 10)
	require.NoError(t, err)
	assert.Equal(t, eventlog.NoStreamResult, catalogRead.Result, "partition touched by an event after the checkpoint tag must stay dirty")
	assert.Len(t, m.dirty, 1)
}

func TestPartitionedCheckpointManager_Suggest_WritesCatalogEntryOnlyOnce(t *testing.T) {
	log := memory.NewAdapter()
	tag1 := CheckpointTag{Commit: 1, Prepare: 1}
	tag2 := CheckpointTag{Commit: 2, Prepare: 2}

	completed := make(chan CheckpointTag, 2)
	m := newTestPartitionedManager(log, func(tag CheckpointTag) { completed <- tag })

	m.TouchPartition("customer-1", PartitionState{DataBlob: `{"v":1}`, CausedByTag: tag1})
	m.Suggest(context.Background(), tag1, `{}`)
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first checkpoint write")
	}

	m.TouchPartition("customer-1", PartitionState{DataBlob: `{"v":2}`, CausedByTag: tag2})
	m.Suggest(context.Background(), tag2, `{}`)
	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for second checkpoint write")
	}

	naming := DefaultNamingBuilder{}
	catalogRead, err := log.ReadStreamEventsBackward(context.Background(), naming.PartitionCatalogStream("totals"), -1, 10)
	require.NoError(t, err)
	assert.Len(t, catalogRead.Events, 1, "the partition catalog entry is written only on first sight of a partition")

	stateRead, err := log.ReadStreamEventsBackward(context.Background(), naming.PartitionStateStream("totals", "customer-1"), -1, 10)
	require.NoError(t, err)
	assert.Len(t, stateRead.Events, 2, "every flush appends a new state-updated event")
}
