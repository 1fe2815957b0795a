// Package bitmap provides a fixed-capacity bit vector that tracks its free
// bit count. It backs the physical frame allocator free-list but contains no
// frame-specific logic.
package bitmap

import (
	"vireo/kernel"
	"vireo/kernel/kfmt"
)

// NotFound is returned by SetNextBit when no clear bit could be located.
const NotFound = ^uint32(0)

const (
	wordBits  = 32
	wordShift = 5
	fullWord  = ^uint32(0)
)

var (
	// panicFn is mocked by tests so contract violations can be asserted
	// without halting the test binary.
	panicFn = kfmt.Panic

	errIndexOutOfRange = &kernel.Error{Module: "bitmap", Message: "bit index out of range"}
	errSetOnSetBit     = &kernel.Error{Module: "bitmap", Message: "set of an already set bit"}
	errUnsetOnClearBit = &kernel.Error{Module: "bitmap", Message: "unset of an already clear bit"}
	errStorageTooSmall = &kernel.Error{Module: "bitmap", Message: "backing storage cannot hold the requested bit count"}
)

// WordsFor returns the number of uint32 words required to back a bitmap with
// the given number of bits.
func WordsFor(sizeBits uint32) uint32 {
	return (sizeBits + wordBits - 1) >> wordShift
}

// Bitmap is a bit vector over externally supplied backing storage. The free
// counter always equals the number of clear bits; Set and Unset treat a bit
// already in the requested state as a fatal contract violation which makes
// any free-list built on top of the bitmap detect double allocations and
// double frees for free.
type Bitmap struct {
	size  uint32
	free  uint32
	words []uint32
}

// Init binds the supplied word slice as the bitmap's backing storage. If
// allSet is true every bit starts set (free=0); otherwise the storage is
// cleared and every bit starts clear (free=size). Init panics if the storage
// cannot hold sizeBits bits.
func (b *Bitmap) Init(sizeBits uint32, words []uint32, allSet bool) {
	if uint32(len(words)) < WordsFor(sizeBits) {
		panicFn(errStorageTooSmall)
		return
	}

	b.size = sizeBits
	b.words = words

	var fill uint32
	if allSet {
		fill = fullWord
		b.free = 0
	} else {
		b.free = sizeBits
	}

	for i := range b.words {
		b.words[i] = fill
	}
}

// Rebind swaps the backing storage for an alias of the same memory. It is
// used when the storage becomes reachable at a different address after
// paging is enabled; the bit contents and free count are left untouched.
func (b *Bitmap) Rebind(words []uint32) {
	if uint32(len(words)) < WordsFor(b.size) {
		panicFn(errStorageTooSmall)
		return
	}
	b.words = words
}

// Size returns the total number of bits tracked by the bitmap.
func (b *Bitmap) Size() uint32 {
	return b.size
}

// Free returns the number of clear bits.
func (b *Bitmap) Free() uint32 {
	return b.free
}

// Full returns true if no clear bit remains.
func (b *Bitmap) Full() bool {
	return b.free == 0
}

// Bit returns the state of the bit at the given index.
func (b *Bitmap) Bit(index uint32) bool {
	b.checkIndex(index)
	return b.words[index>>wordShift]&(1<<(index&(wordBits-1))) != 0
}

// Set sets the bit at the given index and decrements the free counter.
// Setting an already set bit is a fatal contract violation.
func (b *Bitmap) Set(index uint32) {
	b.checkIndex(index)

	mask := uint32(1) << (index & (wordBits - 1))
	if b.words[index>>wordShift]&mask != 0 {
		panicFn(errSetOnSetBit)
		return
	}

	b.words[index>>wordShift] |= mask
	b.free--
}

// Unset clears the bit at the given index and increments the free counter.
// Clearing an already clear bit is a fatal contract violation.
func (b *Bitmap) Unset(index uint32) {
	b.checkIndex(index)

	mask := uint32(1) << (index & (wordBits - 1))
	if b.words[index>>wordShift]&mask == 0 {
		panicFn(errUnsetOnClearBit)
		return
	}

	b.words[index>>wordShift] &^= mask
	b.free++
}

// SetAll sets every bit and drops the free counter to zero.
func (b *Bitmap) SetAll() {
	for i := range b.words {
		b.words[i] = fullWord
	}
	b.free = 0
}

// SetNextBit scans for the first clear bit at or after start, sets it and
// returns its index. The scan is first-fit in ascending index order. If no
// clear bit exists, NotFound is returned and the bitmap is left untouched.
func (b *Bitmap) SetNextBit(start uint32) uint32 {
	if b.free == 0 || start >= b.size {
		return NotFound
	}

	for index := start; index < b.size; index++ {
		word := b.words[index>>wordShift]
		if word == fullWord {
			// Skip the remainder of a fully set word.
			index |= wordBits - 1
			continue
		}

		if word&(1<<(index&(wordBits-1))) == 0 {
			b.words[index>>wordShift] |= 1 << (index & (wordBits - 1))
			b.free--
			return index
		}
	}

	return NotFound
}

// checkIndex treats an out of range index as a caller bug. Bitmap indices
// are always derived from addresses validated upstream.
func (b *Bitmap) checkIndex(index uint32) {
	if index >= b.size {
		panicFn(errIndexOutOfRange)
	}
}
