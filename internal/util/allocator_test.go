package util

import (
	"sync"
	"testing"
)

func TestIDAllocatorSmallestFirst(t *testing.T) {
	alloc := NewIDAllocator(10)

	for want := uint32(0); want < 3; want++ {
		id, ok := alloc.Allocate()
		if !ok {
			t.Fatalf("allocation %d failed", want)
		}
		if id != want {
			t.Errorf("got id %d, want %d", id, want)
		}
	}

	// Freeing the lowest ID makes it the next one handed out.
	if !alloc.Free(0) {
		t.Fatal("free failed")
	}
	id, ok := alloc.Allocate()
	if !ok || id != 0 {
		t.Errorf("got id %d ok=%v, want 0 true", id, ok)
	}
}

func TestIDAllocatorExhaustion(t *testing.T) {
	alloc := NewIDAllocator(4)

	allocated := make([]uint32, 0, 5)
	for i := 0; i < 5; i++ {
		id, ok := alloc.Allocate()
		if !ok {
			t.Fatalf("allocation %d failed", i)
		}
		allocated = append(allocated, id)
	}

	if _, ok := alloc.Allocate(); ok {
		t.Error("allocation must fail when the range is exhausted")
	}

	if !alloc.Free(allocated[2]) {
		t.Fatal("free failed")
	}
	id, ok := alloc.Allocate()
	if !ok || id != allocated[2] {
		t.Errorf("got id %d ok=%v, want %d true", id, ok, allocated[2])
	}
}

func TestIDAllocatorReserve(t *testing.T) {
	alloc := NewIDAllocator(10)

	if !alloc.Reserve(5) {
		t.Fatal("reserve failed")
	}
	if alloc.Reserve(5) {
		t.Error("double reserve must fail")
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 10; i++ {
		id, ok := alloc.Allocate()
		if !ok {
			t.Fatalf("allocation %d failed", i)
		}
		if id == 5 {
			t.Error("allocated a reserved id")
		}
		seen[id] = true
	}
	if len(seen) != 10 {
		t.Errorf("allocated %d distinct ids, want 10", len(seen))
	}
	if _, ok := alloc.Allocate(); ok {
		t.Error("range should be exhausted with the reservation held")
	}
}

func TestIDAllocatorInvalidFree(t *testing.T) {
	alloc := NewIDAllocator(10)

	if alloc.Free(11) {
		t.Error("must not free an id above the range")
	}
	if alloc.Free(0) {
		t.Error("must not free an unallocated id")
	}

	id, _ := alloc.Allocate()
	alloc.Free(id)
	if alloc.Free(id) {
		t.Error("must not free an already free id")
	}
}

func TestIDAllocatorConcurrent(t *testing.T) {
	alloc := NewIDAllocator(99)

	var wg sync.WaitGroup
	allocated := make(chan uint32, 50)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if id, ok := alloc.Allocate(); ok {
					allocated <- id
				}
			}
		}()
	}
	wg.Wait()
	close(allocated)

	seen := make(map[uint32]bool)
	for id := range allocated {
		if seen[id] {
			t.Errorf("id %d allocated twice", id)
		}
		seen[id] = true
	}
	if alloc.Count() != len(seen) {
		t.Errorf("count = %d, want %d", alloc.Count(), len(seen))
	}
}
