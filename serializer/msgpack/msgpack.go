// Package msgpack provides a MessagePack StateSerializer for projections
// whose checkpoint state is smaller or faster to move as MessagePack than
// as JSON.
package msgpack

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Serializer marshals projection state to and from MessagePack, encoded as
// a string so it fits coreproj.ProjectionCheckpoint.StateBlob.
type Serializer struct{}

// NewSerializer returns a MessagePack StateSerializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Marshal converts state to a MessagePack-encoded blob.
func (s *Serializer) Marshal(state interface{}) (string, error) {
	data, err := msgpack.Marshal(state)
	if err != nil {
		return "", &SerializationError{Operation: "marshal", Cause: err}
	}
	return string(data), nil
}

// Unmarshal decodes blob into out, which must be a pointer to the
// projection's state type.
func (s *Serializer) Unmarshal(blob string, out interface{}) error {
	if blob == "" {
		return nil
	}
	if err := msgpack.Unmarshal([]byte(blob), out); err != nil {
		return &SerializationError{Operation: "unmarshal", Cause: err}
	}
	return nil
}

// SerializationError wraps a MessagePack marshal/unmarshal failure.
type SerializationError struct {
	Operation string
	Cause     error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("coreproj/msgpack: failed to %s state: %v", e.Operation, e.Cause)
}

func (e *SerializationError) Unwrap() error {
	return e.Cause
}
