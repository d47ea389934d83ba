package bitfield

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetHasClear(t *testing.T) {
	bf := New(10)
	require.Len(t, bf, 2)

	assert.True(t, bf.Set(0))
	assert.False(t, bf.Set(0), "second set reports unchanged")
	assert.True(t, bf.Has(0))
	assert.Equal(t, byte(0x80), bf[0], "bit 0 is the MSB of byte 0")

	assert.True(t, bf.Set(9))
	assert.Equal(t, byte(0x40), bf[1])

	assert.True(t, bf.Clear(0))
	assert.False(t, bf.Clear(0))
	assert.False(t, bf.Has(0))
}

func TestOutOfRange(t *testing.T) {
	bf := New(8)

	assert.False(t, bf.Has(-1))
	assert.False(t, bf.Has(8))
	assert.False(t, bf.Set(8))
	assert.False(t, bf.Clear(-1))
}

func TestFromWire(t *testing.T) {
	tests := []struct {
		name    string
		payload []byte
		nbits   int
		wantErr bool
	}{
		{"exact", []byte{0xFF}, 8, false},
		{"spare-clear", []byte{0b10100000}, 3, false},
		{"spare-set", []byte{0b10100100}, 3, true},
		{"short", []byte{0xFF}, 9, true},
		{"long", []byte{0xFF, 0x00}, 8, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromWire(tt.payload, tt.nbits)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSetAllClearAll(t *testing.T) {
	bf := New(11)
	bf.SetAll(11)

	assert.Equal(t, 11, bf.Count())
	assert.True(t, bf.AllOf(11))
	assert.Equal(t, byte(0b11100000), bf[1], "spare bits stay clear")

	bf.ClearAll()
	assert.True(t, bf.None())
}

func TestCloneIndependence(t *testing.T) {
	bf := New(8)
	bf.Set(3)

	cp := bf.Clone()
	cp.Set(4)

	assert.True(t, cp.Has(3))
	assert.False(t, bf.Has(4))
	assert.False(t, bf.Equals(cp))
}
