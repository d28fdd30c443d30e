// Package memory models the address space shared by the host and the enclave.
//
// Addresses are plain integers in a simulated address space. Memory behind an
// address is provided by a [Region], a contiguous mapping registered with a [Space].
// The enclave's protected range and the host heap are both regions in the same Space,
// so boundary checks operate on the same numbers the hardware would see.
package memory

import (
	"fmt"
)

// PageSize is the size of a page in bytes.
const PageSize = 4096

// Addr is a virtual address.
type Addr uint64

// AddLength returns a+length and whether the addition did not overflow.
func (a Addr) AddLength(length uint64) (Addr, bool) {
	end := a + Addr(length)
	return end, end >= a
}

// IsAligned reports whether a is a multiple of align.
func (a Addr) IsAligned(align uint64) bool {
	if align <= 1 {
		return true
	}
	return uint64(a)%align == 0
}

// RoundUp rounds a up to the next multiple of align.
func (a Addr) RoundUp(align uint64) (Addr, bool) {
	if align <= 1 {
		return a, true
	}
	end, ok := a.AddLength(align - 1)
	if !ok {
		return 0, false
	}
	return end - end%Addr(align), true
}

func (a Addr) String() string {
	return fmt.Sprintf("%#x", uint64(a))
}

// Range is the half-open address range [Start, End).
type Range struct {
	Start Addr
	End   Addr
}

// RangeOf returns the range [start, start+size) and whether it can be represented.
func RangeOf(start Addr, size uint64) (Range, bool) {
	end, ok := start.AddLength(size)
	return Range{Start: start, End: end}, ok
}

// Length returns the size of r in bytes.
func (r Range) Length() uint64 {
	return uint64(r.End - r.Start)
}

// Contains reports whether [a, a+size) lies wholly within r.
func (r Range) Contains(a Addr, size uint64) bool {
	end, ok := a.AddLength(size)
	return ok && a >= r.Start && end <= r.End
}

// Excludes reports whether [a, a+size) lies wholly outside r.
func (r Range) Excludes(a Addr, size uint64) bool {
	end, ok := a.AddLength(size)
	if !ok {
		return false
	}
	if size == 0 {
		return a < r.Start || a >= r.End
	}
	return end <= r.Start || a >= r.End
}

// Overlaps reports whether r and o share at least one address.
func (r Range) Overlaps(o Range) bool {
	return r.Start < o.End && o.Start < r.End
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x, %#x)", uint64(r.Start), uint64(r.End))
}
