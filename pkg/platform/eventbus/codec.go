package eventbus

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Encode serializes an event body. Byte slices are assumed to be encoded already.
func Encode(v any) ([]byte, error) {
	switch body := v.(type) {
	case nil:
		return []byte("null"), nil
	case []byte:
		return body, nil
	}
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode event payload: %w", err)
	}
	return body, nil
}

// Decode unmarshals the event payload into v. Any failure wraps ErrMalformedPayload,
// which consumers treat as non-retryable.
func Decode(event Event, v any) error {
	if len(event.Payload) == 0 {
		return fmt.Errorf("%w: %s event %s has an empty payload", ErrMalformedPayload, event.Type, event.ID)
	}
	if err := json.Unmarshal(event.Payload, v); err != nil {
		return fmt.Errorf("%w: %s event %s: %v", ErrMalformedPayload, event.Type, event.ID, err)
	}
	return nil
}

// Valid reports whether payload is well-formed JSON.
func Valid(payload []byte) bool {
	return len(payload) > 0 && json.Valid(payload)
}
