package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		value any
	}{
		{"string", "hello"},
		{"int", json.Number("42")},
		{"float", json.Number("1.5")},
		{"big int", json.Number("9007199254740993")},
		{"bool", true},
		{"null", nil},
		{"empty object", map[string]any{}},
		{"empty array", []any{}},
		{"nested", map[string]any{
			"plan": "pro",
			"limits": map[string]any{
				"seats": json.Number("10"),
				"hosts": []any{"a.test", "b.test"},
			},
			"trial": nil,
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			raw, err := Encode(tc.value)
			require.NoError(t, err)

			got, err := Decode(raw)
			require.NoError(t, err)
			require.Equal(t, tc.value, got)
		})
	}
}

func TestDecodePreservesNumberText(t *testing.T) {
	got, err := Decode("3.0000000000000004")
	require.NoError(t, err)
	require.Equal(t, json.Number("3.0000000000000004"), got)

	raw, err := Encode(got)
	require.NoError(t, err)
	require.Equal(t, "3.0000000000000004", raw)
}

func TestEncodeUnrepresentable(t *testing.T) {
	_, err := Encode(make(chan int))
	require.Error(t, err)

	var encErr *EncodeError
	require.ErrorAs(t, err, &encErr)
}

func TestDecodeMalformed(t *testing.T) {
	for _, raw := range []string{"", "{", `{"a":}`, `"unterminated`, `1 2`} {
		_, err := Decode(raw)
		require.Error(t, err, "payload %q", raw)

		var decErr *DecodeError
		require.ErrorAs(t, err, &decErr)
	}
}
