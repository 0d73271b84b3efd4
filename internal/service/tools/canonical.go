package tools

import (
	"encoding/json"
	"fmt"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// CanonicalInput validates that input is a JSON object and re-encodes it with
// sorted keys so equal inputs are byte-identical in results and audit records.
// An empty input is the empty object.
func CanonicalInput(input json.RawMessage) (json.RawMessage, error) {
	if len(input) == 0 {
		return json.RawMessage(`{}`), nil
	}
	var s structpb.Struct
	if err := protojson.Unmarshal(input, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	out, err := json.Marshal(s.AsMap())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return out, nil
}

// CanonicalOutput re-encodes any JSON value with sorted keys.
func CanonicalOutput(output json.RawMessage) (json.RawMessage, error) {
	if len(output) == 0 {
		return json.RawMessage(`null`), nil
	}
	var v structpb.Value
	if err := protojson.Unmarshal(output, &v); err != nil {
		return nil, fmt.Errorf("tool returned malformed output: %w", err)
	}
	return json.Marshal(v.AsInterface())
}
