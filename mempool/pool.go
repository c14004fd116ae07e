// Package mempool implements a fixed-block memory pool atop a single
// allocator.Heap allocation (spec.md §4.2): a block of itemSize*count
// bytes reserved once, then carved into count equal slots handed out and
// reclaimed in LIFO order via an intrusive free list threaded through
// each free slot's own bytes — the same technique allocator.Heap uses
// for its segregated free lists, collapsed to a single size class.
package mempool

import (
	"encoding/binary"
	"errors"
	"unsafe"

	"github.com/zoobzio/kernelz/allocator"
)

const alignment = 8

func roundUp(n, multiple int) int {
	if n <= 0 {
		return multiple
	}
	return (n + multiple - 1) / multiple * multiple
}

// Pool hands out fixed-size blocks from one reserved heap allocation.
// Zero value is not usable; construct with New.
type Pool struct {
	arena      []byte
	itemSize   int
	count      int
	freeHead   int // index of the head slot, or -1
	inUse      int
	checkedOut []bool // per-slot double-free guard
}

// New reserves itemSize*count word-aligned bytes from heap and carves
// them into count fixed-size slots. itemSize is rounded up to the
// platform word alignment; it must be at least large enough to hold an
// intrusive free-list pointer (8 bytes).
func New(heap *allocator.Heap, itemSize, count int) (*Pool, error) {
	if itemSize <= 0 || count <= 0 {
		return nil, errors.New("mempool: itemSize and count must be positive")
	}
	slot := roundUp(itemSize, alignment)
	if slot < 8 {
		slot = 8
	}
	arena := heap.Alloc(slot * count)
	if arena == nil {
		return nil, errors.New("mempool: heap has insufficient free space")
	}

	p := &Pool{arena: arena, itemSize: slot, count: count, freeHead: -1, checkedOut: make([]bool, count)}
	// Thread every slot onto the free list starting from the last index,
	// so slot 0 ends up at the head and the first Alloc returns slot 0 —
	// matches a freshly-initialized fixed-block pool's documented
	// behavior of handing out blocks in address order before any Free
	// has happened.
	for i := count - 1; i >= 0; i-- {
		binary.LittleEndian.PutUint32(p.slotAt(i)[0:4], uint32(int32(p.freeHead)))
		p.freeHead = i
	}
	return p, nil
}

func (p *Pool) slotAt(i int) []byte {
	start := i * p.itemSize
	return p.arena[start : start+p.itemSize : start+p.itemSize]
}

// Alloc returns the next free slot, or nil if the pool is exhausted.
func (p *Pool) Alloc() []byte {
	if p.freeHead == -1 {
		return nil
	}
	i := p.freeHead
	slot := p.slotAt(i)
	next := int32(binary.LittleEndian.Uint32(slot[0:4]))
	p.freeHead = int(next)
	p.checkedOut[i] = true
	p.inUse++
	return slot
}

// Free returns b to the pool. b must be a slot previously returned by
// Alloc; anything else (nil, a foreign slice, or a slot already free) is
// silently ignored, matching the heap allocator's tolerance for foreign
// pointers and double frees. checkedOut is what makes the latter safe:
// without it, a double free re-threads the same slot onto the free list
// twice and corrupts it into a self-referencing loop.
func (p *Pool) Free(b []byte) {
	i, ok := p.indexOf(b)
	if !ok || !p.checkedOut[i] {
		return
	}
	slot := p.slotAt(i)
	binary.LittleEndian.PutUint32(slot[0:4], uint32(int32(p.freeHead)))
	p.freeHead = i
	p.checkedOut[i] = false
	p.inUse--
}

// indexOf recovers the slot index b corresponds to in O(1) via pointer
// arithmetic against the pool's arena, the same technique
// allocator.Heap.offsetOf uses to recover a block header from a payload
// slice. It rejects anything that doesn't land exactly on a slot
// boundary; double-free detection is handled separately by the caller
// via checkedOut.
func (p *Pool) indexOf(b []byte) (int, bool) {
	if len(b) != p.itemSize || len(p.arena) == 0 {
		return 0, false
	}
	base := uintptr(unsafe.Pointer(&p.arena[0]))
	ptr := uintptr(unsafe.Pointer(&b[0]))
	if ptr < base || ptr >= base+uintptr(len(p.arena)) {
		return 0, false
	}
	off := ptr - base
	if int(off)%p.itemSize != 0 {
		return 0, false
	}
	i := int(off) / p.itemSize
	if i >= p.count {
		return 0, false
	}
	return i, true
}

// Cap returns the total number of slots the pool manages.
func (p *Pool) Cap() int { return p.count }

// InUse returns the number of slots currently checked out.
func (p *Pool) InUse() int { return p.inUse }

// Available returns the number of slots currently free.
func (p *Pool) Available() int { return p.count - p.inUse }

// ItemSize returns the word-aligned slot size in use (may be larger than
// the itemSize passed to New).
func (p *Pool) ItemSize() int { return p.itemSize }
