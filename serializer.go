package coreproj

import "encoding/json"

// StateSerializer converts a handler's in-memory state to and from the
// opaque string blob persisted in ProjectionCheckpoint.state_blob. The
// blob is UTF-8 JSON by convention but treated as opaque bytes by the
// runtime; handlers may opt into a different wire format via the
// serializer packages under coreproj/serializer.
type StateSerializer interface {
	Marshal(state interface{}) (string, error)
	Unmarshal(blob string, out interface{}) error
}

// JSONStateSerializer is the default StateSerializer, matching the
// convention documented for checkpoint blobs.
type JSONStateSerializer struct{}

func (JSONStateSerializer) Marshal(state interface{}) (string, error) {
	b, err := json.Marshal(state)
	if err != nil {
		return "", NewHandlerError("serialize state", err)
	}
	return string(b), nil
}

func (JSONStateSerializer) Unmarshal(blob string, out interface{}) error {
	if blob == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(blob), out); err != nil {
		return NewHandlerError("deserialize state", err)
	}
	return nil
}
