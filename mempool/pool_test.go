package mempool

import (
	"testing"

	"github.com/zoobzio/kernelz/allocator"
)

func TestPoolAllocReturnsDistinctSlotsUpToCapacity(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	p, err := New(h, 16, 4)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	seen := map[*byte]bool{}
	for i := 0; i < p.Cap(); i++ {
		b := p.Alloc()
		if b == nil {
			t.Fatalf("Alloc() #%d returned nil before exhaustion", i)
		}
		if seen[&b[0]] {
			t.Fatalf("Alloc() #%d returned a slot already handed out", i)
		}
		seen[&b[0]] = true
	}
	if p.InUse() != p.Cap() {
		t.Errorf("InUse() = %d, want %d", p.InUse(), p.Cap())
	}
}

func TestPoolAllocFailsWhenExhausted(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	p, err := New(h, 16, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	p.Alloc()
	p.Alloc()
	if b := p.Alloc(); b != nil {
		t.Error("Alloc() after exhausting all slots returned non-nil")
	}
	if p.Available() != 0 {
		t.Errorf("Available() = %d, want 0", p.Available())
	}
}

func TestPoolFreeReturnsSlotForReuseLIFO(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	p, err := New(h, 16, 3)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := p.Alloc()
	b := p.Alloc()
	c := p.Alloc()

	p.Free(b)
	p.Free(c)

	// LIFO: the most recently freed slot (c) comes back first.
	first := p.Alloc()
	if &first[0] != &c[0] {
		t.Error("Alloc() after freeing b then c did not return c first (LIFO violated)")
	}
	second := p.Alloc()
	if &second[0] != &b[0] {
		t.Error("Alloc() second call did not return b (LIFO violated)")
	}
	_ = a
}

func TestPoolFreeOutOfRangeSliceIsIgnored(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	p, err := New(h, 16, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	foreign := make([]byte, 16)
	p.Free(foreign) // must not panic or corrupt pool state
	if p.InUse() != 0 || p.Available() != 2 {
		t.Errorf("pool state changed after freeing a foreign slice: inUse=%d available=%d", p.InUse(), p.Available())
	}
}

func TestPoolFreeNilIsIgnored(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	p, err := New(h, 16, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	p.Free(nil) // must not panic
}

func TestPoolDoubleFreeDoesNotDuplicateSlotInFreeList(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	p, err := New(h, 16, 2)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	a := p.Alloc()
	p.Free(a)
	p.Free(a) // double free: re-threads the same slot onto the free list twice

	// Draining the pool must yield exactly Cap() distinct slots, not more —
	// a corrupted free list from the double free would otherwise hand the
	// same slot out twice before the second slot is ever seen.
	seen := map[*byte]bool{}
	for i := 0; i < p.Cap(); i++ {
		b := p.Alloc()
		if b == nil {
			t.Fatalf("Alloc() #%d returned nil while draining after a double free", i)
		}
		seen[&b[0]] = true
	}
	if len(seen) != p.Cap() {
		t.Errorf("drained %d distinct slots after a double free, want %d", len(seen), p.Cap())
	}
}

func TestPoolItemSizeIsWordAligned(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	p, err := New(h, 3, 4) // deliberately unaligned request
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if p.ItemSize()%8 != 0 {
		t.Errorf("ItemSize() = %d, want a multiple of 8", p.ItemSize())
	}
	if p.ItemSize() < 3 {
		t.Errorf("ItemSize() = %d, want at least the requested 3", p.ItemSize())
	}
}

func TestPoolNewFailsWhenHeapHasInsufficientSpace(t *testing.T) {
	h := allocator.New(make([]byte, 64))
	if _, err := New(h, 256, 10); err == nil {
		t.Error("New() with a pool larger than the backing heap should fail")
	}
}

func TestPoolNewRejectsNonPositiveArguments(t *testing.T) {
	h := allocator.New(make([]byte, 4096))
	if _, err := New(h, 0, 4); err == nil {
		t.Error("New() with itemSize=0 should fail")
	}
	if _, err := New(h, 16, 0); err == nil {
		t.Error("New() with count=0 should fail")
	}
}
