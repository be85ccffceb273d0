package protobuf

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

func TestSerializer_MarshalUnmarshal_RoundTrip(t *testing.T) {
	s := NewSerializer()
	original := wrapperspb.String("order-123")

	blob, err := s.Marshal(original)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	out := &wrapperspb.StringValue{}
	require.NoError(t, s.Unmarshal(blob, out))
	assert.Equal(t, original.GetValue(), out.GetValue())
}

func TestSerializer_Marshal_NotProtoMessage(t *testing.T) {
	s := NewSerializer()

	_, err := s.Marshal(struct{ Name string }{Name: "x"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotProtoMessage))
}

func TestSerializer_Unmarshal_NotProtoMessage(t *testing.T) {
	s := NewSerializer()
	blob, err := s.Marshal(wrapperspb.String("x"))
	require.NoError(t, err)

	var out struct{ Name string }
	err = s.Unmarshal(blob, &out)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotProtoMessage))
}

func TestSerializer_Unmarshal_EmptyBlob(t *testing.T) {
	s := NewSerializer()
	out := &wrapperspb.StringValue{}
	require.NoError(t, s.Unmarshal("", out))
	assert.Equal(t, "", out.GetValue())
}

func TestSerializer_Unmarshal_InvalidBlob(t *testing.T) {
	s := NewSerializer()
	out := &wrapperspb.StringValue{}
	err := s.Unmarshal("\xff\xff\xff", out)
	require.Error(t, err)

	var serErr *SerializationError
	require.ErrorAs(t, err, &serErr)
	assert.Equal(t, "unmarshal", serErr.Operation)
}
