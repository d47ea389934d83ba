package buffer

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRing_WriteReadWrap(t *testing.T) {
	r := NewRing(8)

	assert.Equal(t, 5, r.Write([]byte("hello")))
	assert.Equal(t, []byte("hel"), r.Read(3))

	// wraps: writePos=5, readPos=3, 6 bytes land across the boundary
	assert.Equal(t, 6, r.Write([]byte("worldX")))
	assert.Equal(t, 8, r.Used())

	assert.Equal(t, []byte("loworldX"), r.Read(8))
	assert.Equal(t, 0, r.Used())
}

func TestRing_FullAcceptsNothing(t *testing.T) {
	r := NewRing(4)

	assert.Equal(t, 4, r.Write([]byte("abcd")))
	assert.Equal(t, 0, r.Write([]byte("e")), "full ring accepts 0 bytes")
	assert.Equal(t, 0, r.Free())
}

func TestRing_EmptyReturnsNoViews(t *testing.T) {
	r := NewRing(4)
	assert.Nil(t, r.PeekViews(-1))
	assert.Nil(t, r.Read(4))
	assert.Equal(t, 0, r.Consume(4))
}

func TestRing_PeekViewsZeroCopy(t *testing.T) {
	r := NewRing(8)
	r.Write([]byte("abcdef"))
	r.Consume(4)
	r.Write([]byte("ghij")) // ef|ghij wraps: writePos=2

	views := r.PeekViews(-1)
	require.Len(t, views, 2)
	assert.Equal(t, []byte("efgh"), views[0])
	assert.Equal(t, []byte("ij"), views[1])

	// limited peek stays within the first segment
	views = r.PeekViews(3)
	require.Len(t, views, 1)
	assert.Equal(t, []byte("efg"), views[0])

	// views alias storage; consuming must not have copied
	all := append(append([]byte(nil), r.PeekViews(-1)[0]...), r.PeekViews(-1)[1]...)
	assert.True(t, bytes.Equal(all, []byte("efghij")))
}

func TestRing_UsedInvariant(t *testing.T) {
	r := NewRing(16)

	ops := []struct {
		write   []byte
		consume int
	}{
		{[]byte("0123456789"), 3},
		{[]byte("abcdef"), 7},
		{[]byte("xyz"), 9},
	}

	total := 0
	for _, op := range ops {
		total += r.Write(op.write)
		total -= r.Consume(op.consume)
		assert.Equal(t, total, r.Used())

		// (writePos - readPos) mod capacity must match used (mod capacity)
		diff := ((r.writePos - r.readPos) % r.Cap() + r.Cap()) % r.Cap()
		assert.Equal(t, r.used%r.Cap(), diff)
	}
}

func TestRing_Clear(t *testing.T) {
	r := NewRing(8)
	r.Write([]byte("abc"))
	r.Clear()

	assert.Equal(t, 0, r.Used())
	assert.Equal(t, 8, r.Free())
}

func TestPool_ReuseAndMisses(t *testing.T) {
	p := NewPool(2, 4)

	b1 := p.Get()
	b2 := p.Get()
	b3 := p.Get()
	require.Len(t, b1, 4)

	st := p.Stats()
	assert.Equal(t, uint64(3), st.Gets)
	assert.Equal(t, uint64(3), st.Misses, "empty pool allocates")
	assert.Equal(t, 3, st.PeakInUse)

	copy(b1, "dirt")
	p.Put(b1)
	p.Put(b2)
	p.Put(b3) // over capacity, dropped

	st = p.Stats()
	assert.Equal(t, uint64(1), st.Drops)

	got := p.Get()
	assert.Equal(t, make([]byte, 4), got, "pooled buffers come back cleared")
	assert.Equal(t, uint64(3), p.Stats().Misses, "no new allocation")
}

func TestPool_WrongSizeDropped(t *testing.T) {
	p := NewPool(2, 4)
	p.Put(make([]byte, 8))
	assert.Equal(t, uint64(1), p.Stats().Drops)
}

func TestStaging_SlotReuseAndGrowth(t *testing.T) {
	s := NewStaging(2, 16)

	b := s.Slot(0, 8)
	assert.Len(t, b, 16, "minimum size wins")

	big := s.Slot(0, 64)
	assert.Len(t, big, 64)

	again := s.Slot(0, 32)
	assert.Len(t, again, 64, "buffer never shrinks")

	other := s.Slot(1, 8)
	assert.Len(t, other, 16)
}
