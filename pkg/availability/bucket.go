// Package availability maintains the rarity histogram behind rarest-first
// piece selection: how many connected peers hold each piece, organized so
// that moving a piece between rarity levels is O(1) and the rarest non-empty
// level is found with a bitmap scan.
package availability

import (
	"math/bits"
	"math/rand"
	"sync"
)

// Bucket groups pieces into dense per-level slices keyed by holder count.
//
// Each level stays densely packed: a departing piece is overwritten by the
// level's tail element, so membership changes never shift the slice. A
// word-bitmap over the levels makes "lowest non-empty level" a trailing-zero
// scan.
type Bucket struct {
	rng *rand.Rand
	mut sync.RWMutex

	// levels[c] lists the pieces currently held by exactly c peers.
	levels [][]int

	// count[piece] is the piece's current holder count.
	count []uint16

	// slot[piece] is the piece's index within levels[count[piece]].
	slot []int

	// occupied has bit (w*64 + k) set when levels[w*64+k] is non-empty.
	occupied []uint64

	// ceiling caps the holder count (the peer-connection limit).
	ceiling int
}

// NewBucket returns a tracker for n pieces whose holder counts are capped at
// maxAvail. Every piece starts at level 0.
func NewBucket(n, maxAvail int) *Bucket {
	b := &Bucket{
		rng:      rand.New(rand.NewSource(rand.Int63())),
		ceiling:  maxAvail,
		levels:   make([][]int, maxAvail+1),
		count:    make([]uint16, n),
		slot:     make([]int, n),
		occupied: make([]uint64, maxAvail/64+1),
	}

	zero := make([]int, n)
	for piece := range zero {
		zero[piece] = piece
		b.slot[piece] = piece
	}
	b.levels[0] = zero
	if n > 0 {
		b.markLevel(0)
	}

	return b
}

// Availability returns piece's current holder count.
func (b *Bucket) Availability(piece int) int {
	b.mut.RLock()
	defer b.mut.RUnlock()

	return int(b.count[piece])
}

// Move shifts piece's holder count by delta (+1 or -1), clamped to
// [0, ceiling].
func (b *Bucket) Move(piece, delta int) {
	b.mut.Lock()
	defer b.mut.Unlock()

	from := int(b.count[piece])
	to := min(b.ceiling, max(0, from+delta))
	if to == from {
		return
	}

	b.detach(piece, from)
	b.attach(piece, to)
	b.count[piece] = uint16(to)
}

// FirstNonEmpty returns the lowest holder count that still has pieces.
func (b *Bucket) FirstNonEmpty() (level int, ok bool) {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for word, mask := range b.occupied {
		if mask != 0 {
			return word*64 + bits.TrailingZeros64(mask), true
		}
	}

	return 0, false
}

// PickRarest samples a piece uniformly from the lowest level above zero that
// contains a piece satisfying eligible. Returns -1 when none qualifies.
func (b *Bucket) PickRarest(eligible func(piece int) bool) int {
	b.mut.RLock()
	defer b.mut.RUnlock()

	for level := 1; level <= b.ceiling; level++ {
		if !b.levelOccupied(level) {
			continue
		}

		// reservoir-sample the eligible members so the draw stays uniform
		// without materializing the eligible subset
		pick, seen := -1, 0
		for _, piece := range b.levels[level] {
			if !eligible(piece) {
				continue
			}
			seen++
			if b.rng.Intn(seen) == 0 {
				pick = piece
			}
		}
		if pick >= 0 {
			return pick
		}
	}

	return -1
}

// PickRandom samples uniformly across every piece with at least one holder,
// ignoring rarity — the bootstrap mode that keeps early swarms from herding
// onto the same rare piece. Returns -1 when none qualifies.
func (b *Bucket) PickRandom(eligible func(piece int) bool) int {
	b.mut.RLock()
	defer b.mut.RUnlock()

	pool := make([]int, 0, 64)
	for level := 1; level <= b.ceiling; level++ {
		if !b.levelOccupied(level) {
			continue
		}
		for _, piece := range b.levels[level] {
			if eligible(piece) {
				pool = append(pool, piece)
			}
		}
	}

	if len(pool) == 0 {
		return -1
	}
	return pool[b.rng.Intn(len(pool))]
}

// Bucket returns a copy of the pieces at the given holder count.
func (b *Bucket) Bucket(level int) []int {
	b.mut.RLock()
	defer b.mut.RUnlock()

	if level < 0 || level > b.ceiling {
		return nil
	}
	return append([]int(nil), b.levels[level]...)
}

// detach removes piece from its level by moving the tail into its slot.
func (b *Bucket) detach(piece, level int) {
	members := b.levels[level]
	hole := b.slot[piece]

	tail := members[len(members)-1]
	members[hole] = tail
	b.slot[tail] = hole

	b.levels[level] = members[:len(members)-1]
	if len(b.levels[level]) == 0 {
		b.unmarkLevel(level)
	}
}

// attach appends piece to its new level, then swaps it to a random slot so
// iteration order carries no arrival bias across clients.
func (b *Bucket) attach(piece, level int) {
	members := append(b.levels[level], piece)
	last := len(members) - 1
	b.slot[piece] = last

	if last > 0 {
		swap := b.rng.Intn(last + 1)
		members[last], members[swap] = members[swap], members[last]
		b.slot[members[last]] = last
		b.slot[members[swap]] = swap
	}

	b.levels[level] = members
	b.markLevel(level)
}

func (b *Bucket) levelOccupied(level int) bool {
	return b.occupied[level>>6]&(1<<uint(level&63)) != 0
}

func (b *Bucket) markLevel(level int) {
	b.occupied[level>>6] |= 1 << uint(level&63)
}

func (b *Bucket) unmarkLevel(level int) {
	b.occupied[level>>6] &^= 1 << uint(level&63)
}
