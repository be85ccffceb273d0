package coreproj

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestZeroTag_IsZero(t *testing.T) {
	assert.True(t, ZeroTag().IsZero())
	assert.False(t, CheckpointTag{Commit: 0, Prepare: 0}.IsZero())
}

func TestCheckpointTag_Compare_ByCommitPrepare(t *testing.T) {
	a := CheckpointTag{Commit: 1, Prepare: 1}
	b := CheckpointTag{Commit: 2, Prepare: 0}

	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
	assert.Equal(t, 0, a.Compare(a))
	assert.True(t, a.Before(b))
	assert.True(t, b.After(a))
}

func TestCheckpointTag_Compare_MultiStream(t *testing.T) {
	a := CheckpointTag{Commit: 5, Prepare: 5, Streams: map[string]int64{"orders": 1}}
	b := CheckpointTag{Commit: 3, Prepare: 3, Streams: map[string]int64{"orders": 2}}

	// per-stream sequence dominates even though a's (commit,prepare) is higher
	assert.Equal(t, -1, a.Compare(b))
	assert.Equal(t, 1, b.Compare(a))
}

func TestCheckpointTag_Compare_MultiStream_ConflictingKeys_DeterministicByKeyOrder(t *testing.T) {
	// "a" orders a before b, "z" orders a after b: the lexicographically
	// first key must decide, regardless of map iteration order.
	a := CheckpointTag{Commit: 1, Prepare: 1, Streams: map[string]int64{"a": 1, "z": 5}}
	b := CheckpointTag{Commit: 1, Prepare: 1, Streams: map[string]int64{"a": 2, "z": 3}}

	for i := 0; i < 20; i++ {
		assert.Equal(t, -1, a.Compare(b))
		assert.Equal(t, 1, b.Compare(a))
	}
}

func TestCheckpointTag_Compare_MultiStream_NonOverlapping_FallsBackToCommitPrepare(t *testing.T) {
	a := CheckpointTag{Commit: 1, Prepare: 0, Streams: map[string]int64{"orders": 1}}
	b := CheckpointTag{Commit: 2, Prepare: 0, Streams: map[string]int64{"invoices": 1}}

	assert.Equal(t, -1, a.Compare(b))
}

func TestCheckpointTag_Equal(t *testing.T) {
	a := CheckpointTag{Commit: 1, Prepare: 2, Streams: map[string]int64{"orders": 3}}
	b := CheckpointTag{Commit: 1, Prepare: 2, Streams: map[string]int64{"orders": 3}}
	c := CheckpointTag{Commit: 1, Prepare: 2, Streams: map[string]int64{"orders": 4}}

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func TestCheckpointTag_WithStream(t *testing.T) {
	base := CheckpointTag{Commit: 1, Prepare: 1, Streams: map[string]int64{"orders": 1}}
	next := base.WithStream("invoices", 5)

	assert.Equal(t, int64(1), next.Streams["orders"])
	assert.Equal(t, int64(5), next.Streams["invoices"])
	// base is untouched
	_, hasInvoices := base.Streams["invoices"]
	assert.False(t, hasInvoices)
}

func TestCheckpointTag_String(t *testing.T) {
	assert.Equal(t, "C:1/P:2", CheckpointTag{Commit: 1, Prepare: 2}.String())

	withStream := CheckpointTag{Commit: 1, Prepare: 2, Streams: map[string]int64{"orders": 3}}
	assert.Contains(t, withStream.String(), "orders:3")
}

func TestSingleStreamTagger(t *testing.T) {
	tagger := NewSingleStreamTagger()
	rec := EventRecord{StreamID: "order-1", EventNumber: 4, GlobalPosition: 100}

	tag := tagger.Tag(rec, ZeroTag())

	assert.Equal(t, int64(100), tag.Commit)
	assert.Equal(t, int64(4), tag.Streams["order-1"])
}

func TestMultiStreamTagger_MergesForward(t *testing.T) {
	tagger := NewMultiStreamTagger()
	previous := CheckpointTag{Streams: map[string]int64{"order-1": 2, "order-2": 7}}
	rec := EventRecord{StreamID: "order-1", EventNumber: 3, GlobalPosition: 50}

	tag := tagger.Tag(rec, previous)

	assert.Equal(t, int64(3), tag.Streams["order-1"])
	assert.Equal(t, int64(7), tag.Streams["order-2"])
	assert.Equal(t, int64(50), tag.Commit)
}

func TestAllStreamTagger(t *testing.T) {
	tagger := NewAllStreamTagger()
	rec := EventRecord{GlobalPosition: 9}

	tag := tagger.Tag(rec, ZeroTag())

	assert.Equal(t, int64(9), tag.Commit)
	assert.Empty(t, tag.Streams)
}
