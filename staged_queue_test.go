package coreproj

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// recordingStages wires every stage to append "<eventID>:<stageName>" to a
// shared log, then complete immediately, so tests can assert ordering.
func recordingStages(q *StagedQueue, log *[]string, mu *sync.Mutex) {
	for s := 0; s < numStages; s++ {
		stage := s
		q.SetStage(stage, func(item *WorkItem) {
			mu.Lock()
			*log = append(*log, itemLabel(item, stage))
			mu.Unlock()
			item.Complete(stage)
		})
	}
}

func itemLabel(item *WorkItem, stage int) string {
	return item.Event.EventID + ":" + stageName(stage)
}

func stageName(s int) string {
	switch s {
	case StageResolvePartition:
		return "resolve"
	case StageLoadState:
		return "load"
	case StageProcessEvent:
		return "process"
	case StageWriteOutput:
		return "write"
	default:
		return "?"
	}
}

func TestStagedQueue_ProcessesStagesInOrderPerItem(t *testing.T) {
	q := NewStagedQueue(100)
	var log []string
	var mu sync.Mutex
	recordingStages(q, &log, &mu)

	item := &WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e1"}}
	q.Enqueue(item)

	assert.Equal(t, []string{"e1:resolve", "e1:load", "e1:process", "e1:write"}, log)
}

func TestStagedQueue_SecondItemStageWaitsOnFirstItemSameStage(t *testing.T) {
	q := NewStagedQueue(100)
	var log []string
	var mu sync.Mutex

	gate := make(chan struct{})
	q.SetStage(StageResolvePartition, func(item *WorkItem) {
		record := func() {
			mu.Lock()
			log = append(log, itemLabel(item, StageResolvePartition))
			mu.Unlock()
			item.Complete(StageResolvePartition)
		}
		if item.Event.EventID == "e1" {
			// suspend e1 at resolve until the test releases it, completing
			// later from another goroutine as a StageFunc may
			go func() {
				<-gate
				record()
			}()
			return
		}
		record()
	})
	for s := 1; s < numStages; s++ {
		stage := s
		q.SetStage(stage, func(item *WorkItem) {
			mu.Lock()
			log = append(log, itemLabel(item, stage))
			mu.Unlock()
			item.Complete(stage)
		})
	}

	item1 := &WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e1"}}
	item2 := &WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e2"}}
	q.Enqueue(item1)
	q.Enqueue(item2)

	mu.Lock()
	snapshot := append([]string(nil), log...)
	mu.Unlock()
	assert.Empty(t, snapshot, "e2 must not start resolve before e1 finishes resolve")

	close(gate)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(log) == 2*numStages
	}, 2*time.Second, 10*time.Millisecond, "stages should complete once e1's resolve is unblocked")
}

func TestStagedQueue_PendingCount(t *testing.T) {
	q := NewStagedQueue(100)
	var log []string
	var mu sync.Mutex
	recordingStages(q, &log, &mu)

	item1 := &WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e1"}}
	q.Enqueue(item1)

	assert.Equal(t, 0, q.PendingCount(), "item fully processed synchronously should not be pending")
}

func TestStagedQueue_PendingCount_BlockedStage(t *testing.T) {
	q := NewStagedQueue(100)
	q.SetStage(StageResolvePartition, func(item *WorkItem) {
		// never completes
	})

	item1 := &WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e1"}}
	q.Enqueue(item1)

	assert.Equal(t, 1, q.PendingCount())
}

func TestStagedQueue_OnBackpressure_FiresOnEnqueue(t *testing.T) {
	q := NewStagedQueue(1)
	var calls []int
	var mu sync.Mutex
	q.OnBackpressure(func(pending int, overThreshold bool) {
		mu.Lock()
		calls = append(calls, pending)
		mu.Unlock()
	})

	q.SetStage(StageResolvePartition, func(item *WorkItem) {}) // never completes

	q.Enqueue(&WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e1"}})

	mu.Lock()
	defer mu.Unlock()
	assert.Contains(t, calls, 1)
}

func TestStagedQueue_RunOutOfOrder_DoesNotBlockOnSequencing(t *testing.T) {
	q := NewStagedQueue(100)
	q.SetStage(StageResolvePartition, func(item *WorkItem) {}) // blocks ordered path forever

	q.Enqueue(&WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e1"}})

	done := make(chan struct{})
	q.RunOutOfOrder(&WorkItem{Kind: GetState}, func(item *WorkItem) {
		close(done)
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("out-of-order item did not run while the ordered path was blocked")
	}
}

func TestStagedQueue_Drain_RemovesOnlyTerminatedItems(t *testing.T) {
	q := NewStagedQueue(100)
	var log []string
	var mu sync.Mutex
	recordingStages(q, &log, &mu)

	item1 := &WorkItem{Kind: ProcessEvent, Event: Event{EventID: "e1"}}
	q.Enqueue(item1)

	q.Drain()
	assert.Equal(t, 0, q.PendingCount())
}
