package coreproj

import (
	"fmt"
	"sort"
	"strings"
)

// CheckpointTag is an opaque, totally-ordered position identifier. It embeds
// a global log position (commit, prepare) and, for multi-stream
// projections, a vector of per-stream sequence numbers keyed by stream ID.
//
// Ordering is strict: for any two events delivered by a Subscription in
// order, their tags must compare strictly increasing under Compare.
// Equality is structural.
type CheckpointTag struct {
	Commit  int64
	Prepare int64
	Streams map[string]int64
}

// ZeroTag is the tag of a projection that has processed nothing.
func ZeroTag() CheckpointTag {
	return CheckpointTag{Commit: -1, Prepare: -1}
}

// IsZero reports whether t is the zero tag.
func (t CheckpointTag) IsZero() bool {
	return t.Commit == -1 && t.Prepare == -1 && len(t.Streams) == 0
}

// Compare returns -1, 0, or 1 as t orders before, equal to, or after other.
// $all-style tags compare by (commit, prepare); multi-stream tags compare
// per-stream sequence number for streams present in both vectors, falling
// back to (commit, prepare) when the stream sets don't overlap.
func (t CheckpointTag) Compare(other CheckpointTag) int {
	if len(t.Streams) > 0 && len(other.Streams) > 0 {
		keys := make([]string, 0, len(t.Streams))
		for stream := range t.Streams {
			keys = append(keys, stream)
		}
		sort.Strings(keys)
		for _, stream := range keys {
			seq := t.Streams[stream]
			if oseq, ok := other.Streams[stream]; ok {
				switch {
				case seq < oseq:
					return -1
				case seq > oseq:
					return 1
				default:
					continue
				}
			}
		}
	}
	switch {
	case t.Commit < other.Commit:
		return -1
	case t.Commit > other.Commit:
		return 1
	case t.Prepare < other.Prepare:
		return -1
	case t.Prepare > other.Prepare:
		return 1
	default:
		return 0
	}
}

// Before reports whether t orders strictly before other.
func (t CheckpointTag) Before(other CheckpointTag) bool {
	return t.Compare(other) < 0
}

// After reports whether t orders strictly after other.
func (t CheckpointTag) After(other CheckpointTag) bool {
	return t.Compare(other) > 0
}

// Equal reports structural equality.
func (t CheckpointTag) Equal(other CheckpointTag) bool {
	if t.Commit != other.Commit || t.Prepare != other.Prepare {
		return false
	}
	if len(t.Streams) != len(other.Streams) {
		return false
	}
	for k, v := range t.Streams {
		if ov, ok := other.Streams[k]; !ok || ov != v {
			return false
		}
	}
	return true
}

// String renders a human-readable form, used in logs and error messages.
func (t CheckpointTag) String() string {
	if len(t.Streams) == 0 {
		return fmt.Sprintf("C:%d/P:%d", t.Commit, t.Prepare)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "C:%d/P:%d{", t.Commit, t.Prepare)
	first := true
	for k, v := range t.Streams {
		if !first {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s:%d", k, v)
		first = false
	}
	b.WriteString("}")
	return b.String()
}

// WithStream returns a copy of t with stream's sequence number set to seq.
func (t CheckpointTag) WithStream(stream string, seq int64) CheckpointTag {
	out := CheckpointTag{Commit: t.Commit, Prepare: t.Prepare, Streams: make(map[string]int64, len(t.Streams)+1)}
	for k, v := range t.Streams {
		out.Streams[k] = v
	}
	out.Streams[stream] = seq
	return out
}

// PositionTagger assigns the next CheckpointTag to a raw event record read
// from the event log. Implementations are pure functions of the record and
// whatever per-stream bookkeeping they choose to keep.
type PositionTagger interface {
	// Tag computes the candidate tag for rec, given the tag of the record
	// most recently accepted by the Subscription (the zero tag if none).
	Tag(rec EventRecord, previous CheckpointTag) CheckpointTag
}

// singleStreamTagger tags by event number within one stream; used when a
// projection subscribes to exactly one stream.
type singleStreamTagger struct{}

// NewSingleStreamTagger returns a PositionTagger for single-stream
// subscriptions: the tag is the record's (commit, prepare) with the stream's
// own event number recorded in the vector for completeness.
func NewSingleStreamTagger() PositionTagger {
	return singleStreamTagger{}
}

func (singleStreamTagger) Tag(rec EventRecord, _ CheckpointTag) CheckpointTag {
	return CheckpointTag{
		Commit:  rec.GlobalPosition,
		Prepare: rec.GlobalPosition,
		Streams: map[string]int64{rec.StreamID: rec.EventNumber},
	}
}

// multiStreamTagger tags by a vector of per-stream sequence numbers, merging
// forward from the previous tag so streams not touched by rec keep their
// last known sequence number.
type multiStreamTagger struct{}

// NewMultiStreamTagger returns a PositionTagger for projections subscribed
// to several named streams, producing a vector tag.
func NewMultiStreamTagger() PositionTagger {
	return multiStreamTagger{}
}

func (multiStreamTagger) Tag(rec EventRecord, previous CheckpointTag) CheckpointTag {
	next := previous.WithStream(rec.StreamID, rec.EventNumber)
	next.Commit = rec.GlobalPosition
	next.Prepare = rec.GlobalPosition
	return next
}

// allStreamTagger tags purely by global log position; used by $all-style
// category or whole-log subscriptions.
type allStreamTagger struct{}

// NewAllStreamTagger returns a PositionTagger for subscriptions over the
// entire committed log, tagging by (commit, prepare) only.
func NewAllStreamTagger() PositionTagger {
	return allStreamTagger{}
}

func (allStreamTagger) Tag(rec EventRecord, _ CheckpointTag) CheckpointTag {
	return CheckpointTag{Commit: rec.GlobalPosition, Prepare: rec.GlobalPosition}
}
