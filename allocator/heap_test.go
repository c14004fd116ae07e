package allocator

import (
	"bytes"
	"testing"
)

func newTestHeap(t *testing.T, size int) *Heap {
	t.Helper()
	return New(make([]byte, size))
}

func TestHeapAllocReturnsWordAlignedDisjointSlices(t *testing.T) {
	h := newTestHeap(t, 4096)

	a := h.Alloc(17)
	b := h.Alloc(33)
	if a == nil || b == nil {
		t.Fatal("Alloc returned nil on a fresh heap with ample space")
	}
	for _, s := range [][]byte{a, b} {
		off, ok := h.offsetOf(s)
		if !ok || (off+headerSize)%alignment != 0 {
			t.Errorf("payload at arena offset %d is not %d-byte aligned", off+headerSize, alignment)
		}
	}
	if len(a) < 17 || len(b) < 33 {
		t.Errorf("len(a)=%d len(b)=%d, want at least the requested sizes", len(a), len(b))
	}
	for i := range a {
		a[i] = 0xAA
	}
	for i := range b {
		b[i] = 0xBB
	}
	if bytes.Contains(b, []byte{0xAA}) {
		t.Error("writing through a corrupted b — allocations overlap")
	}
}

func TestHeapAllocZeroOrNegativeSizeStillReturnsUsableBlock(t *testing.T) {
	h := newTestHeap(t, 256)
	b := h.Alloc(0)
	if b == nil {
		t.Fatal("Alloc(0) returned nil, want a minimum-sized block")
	}
	b2 := h.Alloc(-5)
	if b2 == nil {
		t.Fatal("Alloc(-5) returned nil, want a minimum-sized block")
	}
}

func TestHeapAllocFailsWhenExhausted(t *testing.T) {
	h := newTestHeap(t, 64)
	if b := h.Alloc(1024); b != nil {
		t.Error("Alloc(1024) on a 64-byte arena should fail, got a non-nil slice")
	}
}

func TestHeapFreeThenReallocReusesSpace(t *testing.T) {
	h := newTestHeap(t, 256)
	before := h.FreeSize()

	a := h.Alloc(32)
	if a == nil {
		t.Fatal("Alloc(32) failed")
	}
	h.Free(a)

	if got := h.FreeSize(); got != before {
		t.Errorf("FreeSize() after alloc+free = %d, want back to %d", got, before)
	}

	b := h.Alloc(32)
	if b == nil {
		t.Fatal("Alloc(32) after Free failed to reuse the freed block")
	}
}

func TestHeapFreeNilIsNoop(t *testing.T) {
	h := newTestHeap(t, 128)
	h.Free(nil) // must not panic
}

func TestHeapFreeForeignSliceIsIgnored(t *testing.T) {
	h := newTestHeap(t, 128)
	foreign := make([]byte, 16)
	h.Free(foreign) // must not panic, must not corrupt the heap
	if err := h.Check(); err != nil {
		t.Errorf("Check() after freeing a foreign slice = %v, want nil", err)
	}
}

func TestHeapDoubleFreeIsIgnored(t *testing.T) {
	h := newTestHeap(t, 256)
	a := h.Alloc(32)
	h.Free(a)
	h.Free(a) // must not corrupt the free list a second time
	if err := h.Check(); err != nil {
		t.Fatalf("Check() after double free = %v, want nil", err)
	}
	// The block must still be usable exactly once.
	b := h.Alloc(32)
	c := h.Alloc(32)
	if b == nil {
		t.Error("Alloc(32) after double free returned nil, want the freed block")
	}
	_ = c
}

func TestHeapCoalescesAdjacentFreedNeighbours(t *testing.T) {
	h := newTestHeap(t, 4096)

	a := h.Alloc(64)
	b := h.Alloc(64)
	c := h.Alloc(64)
	if a == nil || b == nil || c == nil {
		t.Fatal("setup allocations failed")
	}

	fragsBefore := h.FragmentCount()
	h.Free(a)
	h.Free(c)
	h.Free(b) // merges with both now-free neighbours into one block

	if got := h.FragmentCount(); got > fragsBefore {
		t.Errorf("FragmentCount() = %d after freeing 3 adjacent blocks, want coalesced down to at most %d", got, fragsBefore)
	}

	// A single allocation spanning roughly all three original blocks
	// should now succeed, proving the merge is a single contiguous run.
	big := h.Alloc(64*3 - 8)
	if big == nil {
		t.Error("Alloc of the merged size failed — neighbours were not actually coalesced")
	}
}

func TestHeapReallocShrinkInPlaceKeepsPointerIdentity(t *testing.T) {
	h := newTestHeap(t, 256)
	a := h.Alloc(64)
	for i := range a {
		a[i] = byte(i)
	}

	shrunk := h.Realloc(a, 16)
	if shrunk == nil {
		t.Fatal("Realloc shrink failed")
	}
	if len(shrunk) < 16 {
		t.Errorf("len(shrunk) = %d, want at least 16", len(shrunk))
	}
	for i := 0; i < 16; i++ {
		if shrunk[i] != byte(i) {
			t.Fatalf("shrunk[%d] = %d, want %d (shrink must preserve prefix contents)", i, shrunk[i], byte(i))
		}
	}
}

func TestHeapReallocGrowInPlaceAbsorbsFollowingFreeBlock(t *testing.T) {
	h := newTestHeap(t, 4096)

	a := h.Alloc(32)
	spacer := h.Alloc(256) // keeps a's immediate neighbour allocated for now
	for i := range a {
		a[i] = byte(i + 1)
	}
	h.Free(spacer) // now a's neighbour is free and large

	grown := h.Realloc(a, 200)
	if grown == nil {
		t.Fatal("Realloc grow failed")
	}
	if len(grown) < 200 {
		t.Errorf("len(grown) = %d, want at least 200", len(grown))
	}
	for i := 0; i < 32; i++ {
		if grown[i] != byte(i+1) {
			t.Fatalf("grown[%d] = %d, want %d (grow must preserve original contents)", i, grown[i], byte(i+1))
		}
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check() after grow-in-place = %v, want nil", err)
	}

	// The heap must still be usable for further allocations afterward —
	// this is the scenario that exposed a bug where the grown block's
	// live payload bytes were misread as stale free-list pointers.
	more := h.Alloc(64)
	if more == nil {
		t.Error("Alloc(64) after grow-in-place failed — heap metadata likely corrupted")
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check() after post-grow allocation = %v, want nil", err)
	}
}

func TestHeapReallocFallsBackToAllocCopyFreeWhenNoRoomToGrow(t *testing.T) {
	h := newTestHeap(t, 4096)

	a := h.Alloc(32)
	b := h.Alloc(32) // keeps a's neighbour allocated, blocking in-place growth
	for i := range a {
		a[i] = byte(i + 1)
	}

	grown := h.Realloc(a, 512)
	if grown == nil {
		t.Fatal("Realloc fallback failed")
	}
	for i := 0; i < 32; i++ {
		if grown[i] != byte(i+1) {
			t.Fatalf("grown[%d] = %d, want %d", i, grown[i], byte(i+1))
		}
	}
	_ = b
	if err := h.Check(); err != nil {
		t.Errorf("Check() after fallback realloc = %v, want nil", err)
	}
}

func TestHeapReallocNilActsAsAlloc(t *testing.T) {
	h := newTestHeap(t, 128)
	b := h.Realloc(nil, 16)
	if b == nil {
		t.Error("Realloc(nil, 16) returned nil, want a fresh allocation")
	}
}

func TestHeapReallocZeroActsAsFree(t *testing.T) {
	h := newTestHeap(t, 128)
	a := h.Alloc(16)
	if got := h.Realloc(a, 0); got != nil {
		t.Errorf("Realloc(a, 0) = %v, want nil", got)
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check() after Realloc-as-Free = %v, want nil", err)
	}
}

func TestHeapContainsDistinguishesOwnedFromForeignSlices(t *testing.T) {
	h := newTestHeap(t, 128)
	a := h.Alloc(16)
	foreign := make([]byte, 16)

	if !h.Contains(a) {
		t.Error("Contains(a) = false for a slice this heap allocated")
	}
	if h.Contains(foreign) {
		t.Error("Contains(foreign) = true for a slice never allocated by this heap")
	}
}

func TestHeapCheckDetectsCorruptedMagic(t *testing.T) {
	h := newTestHeap(t, 128)
	a := h.Alloc(16)
	if err := h.Check(); err != nil {
		t.Fatalf("Check() on a healthy heap = %v, want nil", err)
	}

	// Stomp the header's magic field directly (simulating a buffer
	// overrun into the block header from an adjacent write).
	off, ok := h.offsetOf(a)
	if !ok {
		t.Fatal("offsetOf failed on a slice this heap allocated")
	}
	h.setMagic(off, 0xDEADBEEF)

	if err := h.Check(); err != ErrCorrupt {
		t.Errorf("Check() after corrupting magic = %v, want ErrCorrupt", err)
	}
}

func TestHeapStatsAccountForUsedAndFreeBytes(t *testing.T) {
	h := newTestHeap(t, 512)
	stats := h.Stats()
	if stats.TotalBytes != 512 {
		t.Errorf("Stats().TotalBytes = %d, want 512", stats.TotalBytes)
	}
	if stats.UsedBytes != 0 || stats.FreeBlockCount != 1 {
		t.Errorf("Stats() on a fresh heap = %+v, want UsedBytes=0 FreeBlockCount=1", stats)
	}

	a := h.Alloc(64)
	stats = h.Stats()
	if stats.UsedBytes < 64 {
		t.Errorf("Stats().UsedBytes = %d after allocating 64, want at least 64", stats.UsedBytes)
	}
	if stats.UsedBytes+stats.FreeBytes != stats.TotalBytes-headerSize*stats.BlockCount {
		t.Errorf("Stats() accounting mismatch: %+v", stats)
	}
	_ = a
}

func TestHeapOnEmptyArenaNeverAllocates(t *testing.T) {
	h := New(nil)
	if b := h.Alloc(1); b != nil {
		t.Error("Alloc(1) on a nil-arena heap returned non-nil")
	}
	if err := h.Check(); err != nil {
		t.Errorf("Check() on an empty heap = %v, want nil", err)
	}
}

func TestHeapTooSmallForOneBlockStaysUnusable(t *testing.T) {
	h := New(make([]byte, 4)) // smaller than headerSize+minPayload
	if b := h.Alloc(1); b != nil {
		t.Error("Alloc(1) on an arena too small for one block returned non-nil")
	}
}
