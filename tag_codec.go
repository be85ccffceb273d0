package coreproj

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// DefaultTagCodec renders a CheckpointTag as a compact, order-preserving
// text form for storage in event metadata.
type DefaultTagCodec struct{}

func (DefaultTagCodec) Encode(tag CheckpointTag) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%d:%d", tag.Commit, tag.Prepare)
	if len(tag.Streams) > 0 {
		keys := make([]string, 0, len(tag.Streams))
		for k := range tag.Streams {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "|%s=%d", k, tag.Streams[k])
		}
	}
	return b.String()
}

func (DefaultTagCodec) Decode(s string) (CheckpointTag, bool) {
	parts := strings.Split(s, "|")
	if len(parts) == 0 {
		return CheckpointTag{}, false
	}
	cp := strings.SplitN(parts[0], ":", 2)
	if len(cp) != 2 {
		return CheckpointTag{}, false
	}
	commit, err := strconv.ParseInt(cp[0], 10, 64)
	if err != nil {
		return CheckpointTag{}, false
	}
	prepare, err := strconv.ParseInt(cp[1], 10, 64)
	if err != nil {
		return CheckpointTag{}, false
	}
	tag := CheckpointTag{Commit: commit, Prepare: prepare}
	for _, kv := range parts[1:] {
		eq := strings.SplitN(kv, "=", 2)
		if len(eq) != 2 {
			return CheckpointTag{}, false
		}
		seq, err := strconv.ParseInt(eq[1], 10, 64)
		if err != nil {
			return CheckpointTag{}, false
		}
		if tag.Streams == nil {
			tag.Streams = make(map[string]int64)
		}
		tag.Streams[eq[0]] = seq
	}
	return tag, true
}
