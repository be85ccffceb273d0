package coreproj

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foldstream/coreproj/eventlog"
	"github.com/foldstream/coreproj/eventlog/memory"
	"github.com/foldstream/coreproj/metrics"
)

func TestEmittedStream_Start_EmptyStream_NotRecovering(t *testing.T) {
	log := memory.NewAdapter()
	s := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{})

	require.NoError(t, s.Start(context.Background()))
	assert.True(t, s.IsIdle())
	assert.False(t, s.recovering)
}

func TestEmittedStream_Submit_WritesNewEvent(t *testing.T) {
	log := memory.NewAdapter()
	s := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{})
	require.NoError(t, s.Start(context.Background()))

	committed := make(chan int64, 1)
	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "TotalAdjusted",
		Data:        []byte(`{}`),
		CausedByTag: CheckpointTag{Commit: 1, Prepare: 1},
		OnCommitted: func(n int64) { committed <- n },
	})

	select {
	case n := <-committed:
		assert.Equal(t, int64(1), n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}

	read, err := log.ReadStreamEventsBackward(context.Background(), "totals-customer-1", -1, 10)
	require.NoError(t, err)
	require.Len(t, read.Events, 1)
	assert.Equal(t, "TotalAdjusted", read.Events[0].EventType)
}

func TestEmittedStream_Start_RecoversAndDedupsReplayedSubmits(t *testing.T) {
	log := memory.NewAdapter()
	codec := DefaultTagCodec{}
	tagA := CheckpointTag{Commit: 1, Prepare: 1}
	tagB := CheckpointTag{Commit: 2, Prepare: 2}

	_, err := log.WriteEvents(context.Background(), "totals-customer-1", eventlog.AnyVersion, []eventlog.EventData{
		{EventType: "Added", Data: []byte(`{}`), Metadata: eventlog.Metadata{causedByTagMetadataKey: codec.Encode(tagA)}},
		{EventType: "Added", Data: []byte(`{}`), Metadata: eventlog.Metadata{causedByTagMetadataKey: codec.Encode(tagB)}},
	})
	require.NoError(t, err)

	s := NewEmittedStream("totals-customer-1", log, codec)
	require.NoError(t, s.Start(context.Background()))

	var committedA, committedB int64
	committed := make(chan struct{}, 2)

	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: tagA,
		OnCommitted: func(n int64) { committedA = n; committed <- struct{}{} },
	})
	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: tagB,
		OnCommitted: func(n int64) { committedB = n; committed <- struct{}{} },
	})

	for i := 0; i < 2; i++ {
		select {
		case <-committed:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for replayed submits to resolve against the seen stack")
		}
	}
	assert.Equal(t, int64(1), committedA)
	assert.Equal(t, int64(2), committedB)

	read, err := log.ReadStreamEventsBackward(context.Background(), "totals-customer-1", -1, 10)
	require.NoError(t, err)
	assert.Len(t, read.Events, 2, "replayed submits must not write duplicate events")

	committedC := make(chan int64, 1)
	tagC := CheckpointTag{Commit: 3, Prepare: 3}
	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: tagC,
		OnCommitted: func(n int64) { committedC <- n },
	})

	select {
	case n := <-committedC:
		assert.Equal(t, int64(3), n)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for new submit after recovery drained")
	}
}

func TestEmittedStream_Submit_RecoveryMismatch_ReportsFatal(t *testing.T) {
	log := memory.NewAdapter()
	codec := DefaultTagCodec{}
	tagA := CheckpointTag{Commit: 1, Prepare: 1}

	_, err := log.WriteEvents(context.Background(), "totals-customer-1", eventlog.AnyVersion, []eventlog.EventData{
		{EventType: "Added", Data: []byte(`{}`), Metadata: eventlog.Metadata{causedByTagMetadataKey: codec.Encode(tagA)}},
	})
	require.NoError(t, err)

	var mu sync.Mutex
	var fatalErr error
	s := NewEmittedStream("totals-customer-1", log, codec, WithOnFatal(func(err error) {
		mu.Lock()
		fatalErr = err
		mu.Unlock()
	}))
	require.NoError(t, s.Start(context.Background()))

	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "SomethingElse",
		CausedByTag: tagA,
	})

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, fatalErr)
	var mismatch *RecoveryMismatchError
	assert.ErrorAs(t, fatalErr, &mismatch)
	assert.ErrorIs(t, fatalErr, ErrInvariantViolation)
}

func TestEmittedStream_Submit_ConcurrencyViolation_ReportsRestart(t *testing.T) {
	log := memory.NewAdapter()
	s := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{})
	require.NoError(t, s.Start(context.Background()))

	committed := make(chan struct{}, 1)
	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: CheckpointTag{Commit: 5, Prepare: 5},
		OnCommitted: func(int64) { committed <- struct{}{} },
	})
	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for first commit")
	}

	var mu sync.Mutex
	var restartErr error
	s2 := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{}, WithOnRestartRequested(func(err error) {
		mu.Lock()
		restartErr = err
		mu.Unlock()
	}))
	require.NoError(t, s2.Start(context.Background()))
	s2.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: CheckpointTag{Commit: 5, Prepare: 5},
	})
	s2.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: CheckpointTag{Commit: 1, Prepare: 1},
		HasExpected: true,
		ExpectedTag: ZeroTag(),
	})

	mu.Lock()
	defer mu.Unlock()
	require.Error(t, restartErr)
	var violation *ConcurrencyViolationError
	assert.ErrorAs(t, restartErr, &violation)
	assert.ErrorIs(t, restartErr, ErrRestartRequested)
}

func TestEmittedStream_PendingUpTo_FalseWhenNothingPending(t *testing.T) {
	log := memory.NewAdapter()
	s := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{})
	require.NoError(t, s.Start(context.Background()))

	assert.False(t, s.PendingUpTo(CheckpointTag{Commit: 100, Prepare: 100}))
}

func TestEmittedStream_IsIdle_TrueAfterWriteCompletes(t *testing.T) {
	log := memory.NewAdapter()
	s := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{})
	require.NoError(t, s.Start(context.Background()))

	committed := make(chan struct{}, 1)
	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: CheckpointTag{Commit: 1, Prepare: 1},
		OnCommitted: func(int64) { committed <- struct{}{} },
	})

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}

	assert.Eventually(t, s.IsIdle, 2*time.Second, 10*time.Millisecond)
}

func TestEmittedStream_Dispose_DropsLateSubmits(t *testing.T) {
	log := memory.NewAdapter()
	s := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{})
	require.NoError(t, s.Start(context.Background()))

	s.Dispose()

	called := false
	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: CheckpointTag{Commit: 1, Prepare: 1},
		OnCommitted: func(int64) { called = true },
	})

	assert.False(t, called)
	read, err := log.ReadStreamEventsBackward(context.Background(), "totals-customer-1", -1, 10)
	require.NoError(t, err)
	assert.Equal(t, eventlog.NoStreamResult, read.Result)
}

func TestEmittedStream_WithMetrics_RecordsEmitBatches(t *testing.T) {
	log := memory.NewAdapter()
	m := metrics.New(metrics.WithNamespace("coreproj_test_emit"))
	s := NewEmittedStream("totals-customer-1", log, DefaultTagCodec{},
		WithEmitProjectionName("totals"), WithEmitMetrics(m))
	require.NoError(t, s.Start(context.Background()))

	committed := make(chan struct{}, 1)
	s.Submit(context.Background(), &EmittedEvent{
		EventType:   "Added",
		CausedByTag: CheckpointTag{Commit: 1, Prepare: 1},
		OnCommitted: func(int64) { committed <- struct{}{} },
	})

	select {
	case <-committed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for commit")
	}

	// emit_writes_total is the seventh collector metrics.Collectors()
	// returns (see metrics.go).
	writes := m.Collectors()[6].(*prometheus.CounterVec).WithLabelValues("totals", "totals-customer-1", "success")
	assert.Eventually(t, func() bool { return testutil.ToFloat64(writes) >= 1 }, 2*time.Second, 10*time.Millisecond)
}
