package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_OK(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want any
	}{
		{"string", "4:spam", any("spam")},
		{"empty-string", "0:", any("")},
		{"int-neg", "i-1e", any(int64(-1))},
		{"int-zero", "i0e", any(int64(0))},
		{"int-pos", "i42e", any(int64(42))},
		{"list-simple", "l4:spami1ee", any([]any{"spam", int64(1)})},
		{
			"list-nested",
			"li1e4:spami0el6:nestedi2eee",
			any([]any{int64(1), "spam", int64(0), []any{"nested", int64(2)}}),
		},
		{
			"dict",
			"d1:ai1e1:bi2e1:cl1:xi3eee",
			any(map[string]any{
				"a": int64(1),
				"b": int64(2),
				"c": []any{"x", int64(3)},
			}),
		},
		{
			"dict-nested",
			"d4:infod6:lengthi1024e4:name3:isoee",
			any(map[string]any{
				"info": map[string]any{"length": int64(1024), "name": "iso"},
			}),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Unmarshal([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecode_Malformed(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"leading-zero", "i042e"},
		{"negative-zero", "i-0e"},
		{"lone-minus", "i-e"},
		{"empty-int", "ie"},
		{"trailing-data", "i1ei2e"},
		{"truncated-string", "10:short"},
		{"negative-strlen", "-1:x"},
		{"unterminated-list", "li1e"},
		{"unterminated-dict", "d1:a"},
		{"dict-keys-out-of-order", "d1:bi1e1:ai2ee"},
		{"dict-duplicate-key", "d1:ai1e1:ai2ee"},
		{"empty-input", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Unmarshal([]byte(tt.in))
			assert.Error(t, err)
		})
	}
}

func TestUnmarshalRemainder(t *testing.T) {
	v, rest, err := UnmarshalRemainder([]byte("d1:mi1eeRAWTAIL"))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"m": int64(1)}, v)
	assert.Equal(t, []byte("RAWTAIL"), rest)

	_, rest, err = UnmarshalRemainder([]byte("4:spam"))
	require.NoError(t, err)
	assert.Empty(t, rest)
}

// decode(encode(v)) == v and encode(decode(b)) == b for canonical b.
func TestRoundTrip(t *testing.T) {
	values := []any{
		int64(0),
		int64(-99),
		"hello",
		"",
		[]any{"a", int64(1), []any{}},
		map[string]any{
			"announce": "http://tracker.local/announce",
			"info": map[string]any{
				"length":       int64(4096),
				"name":         "file.bin",
				"piece length": int64(1024),
			},
		},
	}

	for _, v := range values {
		enc, err := Marshal(v)
		require.NoError(t, err)

		dec, err := Unmarshal(enc)
		require.NoError(t, err)
		assert.Equal(t, v, dec)

		// re-encode must be byte-identical
		enc2, err := Marshal(dec)
		require.NoError(t, err)
		assert.Equal(t, enc, enc2)
	}
}

func TestMarshal_CanonicalKeyOrder(t *testing.T) {
	enc, err := Marshal(map[string]any{"z": int64(1), "a": int64(2), "m": int64(3)})
	require.NoError(t, err)
	assert.Equal(t, "d1:ai2e1:mi3e1:zi1ee", string(enc))
}

func TestMarshal_Unsupported(t *testing.T) {
	_, err := Marshal(3.14)
	assert.Error(t, err)
}
