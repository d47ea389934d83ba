package availability

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func all(int) bool { return true }

func TestMoveAndAvailability(t *testing.T) {
	b := NewBucket(4, 8)

	b.Move(0, 1)
	b.Move(0, 1)
	b.Move(1, 1)

	assert.Equal(t, 2, b.Availability(0))
	assert.Equal(t, 1, b.Availability(1))
	assert.Equal(t, 0, b.Availability(2))

	b.Move(0, -1)
	assert.Equal(t, 1, b.Availability(0))

	// floor at zero
	b.Move(2, -1)
	assert.Equal(t, 0, b.Availability(2))
}

func TestFirstNonEmpty(t *testing.T) {
	b := NewBucket(3, 8)

	a, ok := b.FirstNonEmpty()
	require.True(t, ok)
	assert.Equal(t, 0, a, "everything starts at availability 0")

	b.Move(0, 1)
	b.Move(1, 1)
	b.Move(2, 1)

	a, ok = b.FirstNonEmpty()
	require.True(t, ok)
	assert.Equal(t, 1, a)
}

func TestPickRarest(t *testing.T) {
	// rarity histogram from three peers advertising {p0,p1}, {p1,p2}, {p2}:
	// p0=1, p1=2, p2=2 — the rarest pick must be p0.
	b := NewBucket(3, 8)
	b.Move(0, 1)
	b.Move(1, 1)
	b.Move(1, 1)
	b.Move(2, 1)
	b.Move(2, 1)

	for i := 0; i < 16; i++ {
		assert.Equal(t, 0, b.PickRarest(all))
	}

	// masking out p0 falls through to the next rarity level
	got := b.PickRarest(func(p int) bool { return p != 0 })
	assert.Contains(t, []int{1, 2}, got)
}

func TestPickRarest_SkipsZeroAvailability(t *testing.T) {
	b := NewBucket(2, 8)
	assert.Equal(t, -1, b.PickRarest(all), "no peer holds anything")

	b.Move(1, 1)
	assert.Equal(t, 1, b.PickRarest(all))
}

func TestPickRandom(t *testing.T) {
	b := NewBucket(4, 8)
	b.Move(1, 1)
	b.Move(3, 1)
	b.Move(3, 1)

	seen := map[int]bool{}
	for i := 0; i < 64; i++ {
		p := b.PickRandom(all)
		require.Contains(t, []int{1, 3}, p)
		seen[p] = true
	}
	assert.Len(t, seen, 2, "random pick ignores rarity ordering")

	assert.Equal(t, -1, b.PickRandom(func(int) bool { return false }))
}

func TestBucketContents(t *testing.T) {
	b := NewBucket(3, 4)
	b.Move(0, 1)
	b.Move(2, 1)

	assert.ElementsMatch(t, []int{1}, b.Bucket(0))
	assert.ElementsMatch(t, []int{0, 2}, b.Bucket(1))
	assert.Nil(t, b.Bucket(5))
}
