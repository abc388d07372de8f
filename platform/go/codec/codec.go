// Package codec converts attribute values to and from the durable string
// encoding used by the tenant storage drivers. Values are JSON text; decoding
// keeps numbers as json.Number so encoded payloads round-trip without
// float precision loss.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// EncodeError reports a value that cannot be represented as JSON
// (channels, funcs, cyclic structures, ...).
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("codec: encode attribute value: %v", e.Err)
}

func (e *EncodeError) Unwrap() error { return e.Err }

// DecodeError reports a stored payload that is not valid JSON. Per the
// storage contract a payload that fails to decode is a hard error for the
// whole read, never silently replaced by a default.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("codec: decode attribute value: %v", e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Encode serializes an attribute value into its durable JSON form.
func Encode(value any) (string, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return "", &EncodeError{Err: err}
	}
	return string(raw), nil
}

// Decode parses a durable JSON payload back into a value. Objects decode as
// map[string]any, arrays as []any, numbers as json.Number.
func Decode(raw string) (any, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var value any
	if err := dec.Decode(&value); err != nil {
		return nil, &DecodeError{Err: err}
	}

	// Trailing garbage after the first JSON value is malformed input too.
	if dec.More() {
		return nil, &DecodeError{Err: fmt.Errorf("trailing data after JSON value")}
	}

	return value, nil
}
