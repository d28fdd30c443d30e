package memory

import (
	"fmt"
	"sync"

	"github.com/edgelesssys/go-enclave/result"
	"github.com/google/btree"
)

// Heap hands out addresses from a fixed range.
//
// It only manages addresses. Callers read and write the memory through the Space backing the range.
// Free extents are kept in address order and coalesced on release.
type Heap struct {
	mu    sync.Mutex
	rng   Range
	align uint64
	free  *btree.BTreeG[extent]
	used  map[Addr]uint64
}

type extent struct {
	start Addr
	size  uint64
}

func (e extent) end() Addr {
	return e.start + Addr(e.size)
}

// NewHeap creates a heap managing r. Allocations are aligned to align bytes.
func NewHeap(r Range, align uint64) *Heap {
	if align == 0 {
		align = 8
	}
	h := &Heap{
		rng:   r,
		align: align,
		free:  btree.NewG(8, func(a, b extent) bool { return a.start < b.start }),
		used:  make(map[Addr]uint64),
	}
	if start, ok := r.Start.RoundUp(align); ok && start < r.End {
		h.free.ReplaceOrInsert(extent{start: start, size: uint64(r.End - start)})
	}
	return h
}

// Range returns the managed range.
func (h *Heap) Range() Range {
	return h.rng
}

// Alloc reserves n bytes and returns their address.
func (h *Heap) Alloc(n uint64) (Addr, error) {
	if n == 0 {
		return 0, fmt.Errorf("allocating 0 bytes: %w", result.InvalidParameter)
	}
	size, ok := Addr(n).RoundUp(h.align)
	if !ok {
		return 0, fmt.Errorf("allocating %#x bytes: %w", n, result.OutOfMemory)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	var found extent
	var hit bool
	h.free.Ascend(func(e extent) bool {
		if e.size >= uint64(size) {
			found, hit = e, true
			return false
		}
		return true
	})
	if !hit {
		return 0, fmt.Errorf("allocating %#x bytes: %w", n, result.OutOfMemory)
	}

	h.free.Delete(found)
	if rest := found.size - uint64(size); rest > 0 {
		h.free.ReplaceOrInsert(extent{start: found.start + size, size: rest})
	}
	h.used[found.start] = uint64(size)
	return found.start, nil
}

// Free releases the block at a. Freeing an address that is not a live block fails.
func (h *Heap) Free(a Addr) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	size, ok := h.used[a]
	if !ok {
		return fmt.Errorf("freeing %v: not an allocated block: %w", a, result.InvalidParameter)
	}
	delete(h.used, a)

	e := extent{start: a, size: size}
	// The tree must not be modified while iterating, so find the neighbors first.
	var prev, next extent
	var hasPrev, hasNext bool
	h.free.DescendLessOrEqual(extent{start: a}, func(p extent) bool {
		prev, hasPrev = p, p.end() == e.start
		return false
	})
	h.free.AscendGreaterOrEqual(extent{start: e.end()}, func(n extent) bool {
		next, hasNext = n, n.start == e.end()
		return false
	})
	if hasPrev {
		h.free.Delete(prev)
		e = extent{start: prev.start, size: prev.size + e.size}
	}
	if hasNext {
		h.free.Delete(next)
		e.size += next.size
	}
	h.free.ReplaceOrInsert(e)
	return nil
}

// SizeOf returns the size of the live block at a.
func (h *Heap) SizeOf(a Addr) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	size, ok := h.used[a]
	return size, ok
}

// Live returns the number of live blocks.
func (h *Heap) Live() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.used)
}
