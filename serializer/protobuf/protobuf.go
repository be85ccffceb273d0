// Package protobuf provides a Protocol Buffers StateSerializer for
// projections whose state is itself a generated proto.Message, trading
// JSON's flexibility for a smaller, schema'd checkpoint blob.
package protobuf

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/proto"
)

// ErrNotProtoMessage indicates the state value does not implement
// proto.Message.
var ErrNotProtoMessage = errors.New("coreproj/protobuf: state must implement proto.Message")

// SerializationError wraps a Protocol Buffers marshal/unmarshal failure.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("coreproj/protobuf: failed to %s state: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}

// Serializer marshals projection state to and from Protocol Buffers binary
// format, encoded as a string so it fits coreproj.ProjectionCheckpoint.
// State passed to Marshal, and out passed to Unmarshal, must implement
// proto.Message.
type Serializer struct{}

// NewSerializer returns a Protocol Buffers StateSerializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

func (s *Serializer) Marshal(state interface{}) (string, error) {
	msg, ok := state.(proto.Message)
	if !ok {
		return "", &SerializationError{Operation: "marshal", Cause: ErrNotProtoMessage}
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return "", &SerializationError{Operation: "marshal", Cause: err}
	}
	return string(data), nil
}

func (s *Serializer) Unmarshal(blob string, out interface{}) error {
	if blob == "" {
		return nil
	}
	msg, ok := out.(proto.Message)
	if !ok {
		return &SerializationError{Operation: "unmarshal", Cause: ErrNotProtoMessage}
	}
	if err := proto.Unmarshal([]byte(blob), msg); err != nil {
		return &SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}
