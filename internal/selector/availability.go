package selector

import (
	"math/bits"
	"math/rand/v2"
	"sync"
)

// availabilityBucket tracks, for each piece, how many known peers have it,
// bucketed by availability level so rarest-first selection can find the
// least-available non-empty bucket in O(1)-O(64).
//
// buckets[a] is a dense slice of piece indices at availability a. Moving a
// piece between buckets is O(1): swap-with-last removal from the old
// bucket, append to the new one. pos[i] records piece i's slot inside its
// current bucket for that swap-remove.
type availabilityBucket struct {
	mu sync.RWMutex

	buckets      [][]int
	avail        []uint16
	pos          []int
	maxAvail     int
	nonEmptyBits []uint64
}

func newAvailabilityBucket(pieceCount, maxAvail int) *availabilityBucket {
	if maxAvail < 1 {
		maxAvail = 1
	}

	b := &availabilityBucket{
		maxAvail:     maxAvail,
		buckets:      make([][]int, maxAvail+1),
		avail:        make([]uint16, pieceCount),
		pos:          make([]int, pieceCount),
		nonEmptyBits: make([]uint64, (maxAvail>>6)+1),
	}

	capacity := max(1, pieceCount/(maxAvail+1))
	for a := range b.buckets {
		b.buckets[a] = make([]int, 0, capacity)
	}

	b.buckets[0] = make([]int, pieceCount)
	for i := 0; i < pieceCount; i++ {
		b.buckets[0][i] = i
		b.pos[i] = i
	}
	if pieceCount > 0 {
		b.setBit(0)
	}

	return b
}

// Availability returns the current availability of piece i.
func (b *availabilityBucket) Availability(i int) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return int(b.avail[i])
}

// FirstNonEmpty returns the smallest availability level with at least one
// piece in it.
func (b *availabilityBucket) FirstNonEmpty() (a int, ok bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for w := 0; w < len(b.nonEmptyBits); w++ {
		if x := b.nonEmptyBits[w]; x != 0 {
			off := bits.TrailingZeros64(x)
			return w<<6 + off, true
		}
	}

	return 0, false
}

// Bucket returns a copy of the piece indices at availability a.
func (b *availabilityBucket) Bucket(a int) []int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if a < 0 || a > b.maxAvail {
		return nil
	}
	return append([]int(nil), b.buckets[a]...)
}

// Move changes piece i's availability by delta (+1 on peer Have/Bitfield,
// -1 on peer disconnect).
func (b *availabilityBucket) Move(i, delta int) {
	b.mu.RLock()
	oldA := int(b.avail[i])
	newA := min(b.maxAvail, max(0, oldA+delta))
	b.mu.RUnlock()

	if newA == oldA {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.removeFrom(i, oldA)
	b.addTo(i, newA)
	b.avail[i] = uint16(newA)
}

func (b *availabilityBucket) removeFrom(i, avail int) {
	pos := b.pos[i]
	bucket := b.buckets[avail]
	lastIdx := len(bucket) - 1

	bucket[pos] = bucket[lastIdx]
	b.pos[bucket[pos]] = pos
	bucket = bucket[:lastIdx]
	b.buckets[avail] = bucket

	if len(bucket) == 0 {
		b.clearBit(avail)
	}
}

func (b *availabilityBucket) addTo(i, avail int) {
	bucket := b.buckets[avail]
	bucket = append(bucket, i)
	idx := len(bucket) - 1

	if idx > 0 {
		j := rand.IntN(idx + 1)
		bucket[idx], bucket[j] = bucket[j], bucket[idx]
		b.pos[bucket[idx]] = idx
		b.pos[bucket[j]] = j
	} else {
		b.pos[i] = 0
	}

	b.buckets[avail] = bucket
	b.setBit(avail)
}

func (b *availabilityBucket) setBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] |= 1 << bit
}

func (b *availabilityBucket) clearBit(a int) {
	w, bit := a>>6, uint(a&63)
	b.nonEmptyBits[w] &^= 1 << bit
}
