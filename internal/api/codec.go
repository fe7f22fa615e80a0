package api

import (
	"encoding/json"
	"fmt"

	"connectrpc.com/connect"
)

// codec encodes messages as JSON. It registers under the name "json" and so
// replaces Connect's protobuf-only JSON codec for this service.
type codec struct{}

var _ connect.Codec = codec{}

func (codec) Name() string { return "json" }

func (codec) Marshal(msg any) ([]byte, error) {
	return json.Marshal(msg)
}

func (codec) Unmarshal(data []byte, msg any) error {
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, msg); err != nil {
		return fmt.Errorf("failed to unmarshal %T: %w", msg, err)
	}
	return nil
}

// Codec returns the option that installs the JSON codec.
func Codec() connect.Option {
	return connect.WithCodec(codec{})
}
