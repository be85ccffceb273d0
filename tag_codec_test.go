package coreproj

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultTagCodec_EncodeDecode_RoundTrip_NoStreams(t *testing.T) {
	c := DefaultTagCodec{}
	tag := CheckpointTag{Commit: 12, Prepare: 34}

	encoded := c.Encode(tag)
	decoded, ok := c.Decode(encoded)

	assert.True(t, ok)
	assert.True(t, tag.Equal(decoded))
}

func TestDefaultTagCodec_EncodeDecode_RoundTrip_WithStreams(t *testing.T) {
	c := DefaultTagCodec{}
	tag := CheckpointTag{Commit: 1, Prepare: 2, Streams: map[string]int64{"orders": 5, "invoices": 9}}

	encoded := c.Encode(tag)
	decoded, ok := c.Decode(encoded)

	assert.True(t, ok)
	assert.True(t, tag.Equal(decoded))
}

func TestDefaultTagCodec_Encode_IsDeterministic(t *testing.T) {
	c := DefaultTagCodec{}
	tag := CheckpointTag{Commit: 1, Prepare: 2, Streams: map[string]int64{"b": 1, "a": 2, "c": 3}}

	first := c.Encode(tag)
	second := c.Encode(tag)

	assert.Equal(t, first, second)
}

func TestDefaultTagCodec_Decode_Malformed(t *testing.T) {
	c := DefaultTagCodec{}

	_, ok := c.Decode("not-a-tag")
	assert.False(t, ok)

	_, ok = c.Decode("1:2|orders")
	assert.False(t, ok)

	_, ok = c.Decode("abc:2")
	assert.False(t, ok)
}
