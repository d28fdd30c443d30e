package memory

import (
	"errors"
	"fmt"
)

// Region is a contiguous mapping in a Space.
//
// A region reserves the range [Start, Start+size) but only backs the first committed bytes with memory.
// Accesses to the reserved but uncommitted tail fail, like accesses to pages that were never added
// to an enclave.
type Region struct {
	rng       Range
	committed Range
	mem       []byte
}

// NewRegion maps a region reserving size bytes at start and backing the first committed bytes.
// All values must be page aligned.
func NewRegion(start Addr, size, committed uint64) (*Region, error) {
	if !start.IsAligned(PageSize) || size%PageSize != 0 || committed%PageSize != 0 {
		return nil, fmt.Errorf("region %v+%#x: not page aligned", start, size)
	}
	if size == 0 || committed > size {
		return nil, fmt.Errorf("region %v+%#x: invalid committed size %#x", start, size, committed)
	}
	rng, ok := RangeOf(start, size)
	if !ok {
		return nil, fmt.Errorf("region %v+%#x: overflows the address space", start, size)
	}

	var mem []byte
	if committed > 0 {
		var err error
		if mem, err = mapAnonymous(committed); err != nil {
			return nil, fmt.Errorf("mapping region: %w", err)
		}
	}
	return &Region{
		rng:       rng,
		committed: Range{Start: start, End: start + Addr(committed)},
		mem:       mem,
	}, nil
}

// Range returns the reserved range of the region.
func (r *Region) Range() Range {
	return r.rng
}

// Committed returns the range backed by memory.
func (r *Region) Committed() Range {
	return r.committed
}

func (r *Region) slice(a Addr, n uint64) ([]byte, error) {
	if r.mem == nil {
		return nil, errRegionClosed
	}
	if !r.committed.Contains(a, n) {
		return nil, fmt.Errorf("access %v+%#x: %w", a, n, ErrNotMapped)
	}
	off := uint64(a - r.committed.Start)
	return r.mem[off : off+n : off+n], nil
}

func (r *Region) close() error {
	if r.mem == nil {
		return nil
	}
	mem := r.mem
	r.mem = nil
	return unmap(mem)
}

var errRegionClosed = errors.New("region is closed")
