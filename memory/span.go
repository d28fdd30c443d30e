package memory

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/result"
)

// Side names the owner of a piece of memory.
type Side uint8

const (
	// HostSide is memory outside the enclave.
	HostSide Side = iota + 1
	// EnclaveSide is memory inside the enclave.
	EnclaveSide
)

func (s Side) String() string {
	switch s {
	case HostSide:
		return "host"
	case EnclaveSide:
		return "enclave"
	default:
		return "unknown"
	}
}

// Span is a buffer that passed boundary validation.
// The zero Span is empty and owned by nobody. Spans are only created by a [Boundary].
type Span struct {
	addr Addr
	size uint64
	side Side
}

// Addr returns the start address.
func (s Span) Addr() Addr { return s.addr }

// Size returns the size in bytes.
func (s Span) Size() uint64 { return s.size }

// Side returns the owner of the memory.
func (s Span) Side() Side { return s.side }

// Sub returns the part of s starting at off with length n.
func (s Span) Sub(off, n uint64) (Span, error) {
	if off > s.size || n > s.size-off {
		return Span{}, fmt.Errorf("sub span %#x+%#x of %#x bytes: %w", off, n, s.size, result.InvalidParameter)
	}
	return Span{addr: s.addr + Addr(off), size: n, side: s.side}, nil
}

func (s Span) String() string {
	return fmt.Sprintf("%s:%v+%#x", s.side, s.addr, s.size)
}

// Boundary validates buffers against the protected range of an enclave.
type Boundary struct {
	protected Range
}

// NewBoundary returns a Boundary for an enclave occupying protected.
func NewBoundary(protected Range) Boundary {
	return Boundary{protected: protected}
}

// Protected returns the protected range.
func (b Boundary) Protected() Range {
	return b.protected
}

// IsWithin reports whether [a, a+size) lies wholly inside the enclave.
func (b Boundary) IsWithin(a Addr, size uint64) bool {
	return b.protected.Contains(a, size)
}

// IsOutside reports whether [a, a+size) lies wholly outside the enclave.
func (b Boundary) IsOutside(a Addr, size uint64) bool {
	return b.protected.Excludes(a, size)
}

// Outside validates a host owned buffer: non-nil, wholly outside the enclave and aligned to align bytes.
func (b Boundary) Outside(a Addr, size, align uint64) (Span, error) {
	if a == 0 {
		return Span{}, fmt.Errorf("host buffer: nil pointer: %w", result.InvalidParameter)
	}
	if !a.IsAligned(align) {
		return Span{}, fmt.Errorf("host buffer %v: not %d byte aligned: %w", a, align, result.InvalidParameter)
	}
	if !b.IsOutside(a, size) {
		return Span{}, fmt.Errorf("host buffer %v+%#x: not outside the enclave: %w", a, size, result.InvalidParameter)
	}
	return Span{addr: a, size: size, side: HostSide}, nil
}

// Within validates an enclave owned buffer: non-nil, wholly inside the enclave and aligned to align bytes.
func (b Boundary) Within(a Addr, size, align uint64) (Span, error) {
	if a == 0 {
		return Span{}, fmt.Errorf("enclave buffer: nil pointer: %w", result.InvalidParameter)
	}
	if !a.IsAligned(align) {
		return Span{}, fmt.Errorf("enclave buffer %v: not %d byte aligned: %w", a, align, result.InvalidParameter)
	}
	if !b.IsWithin(a, size) {
		return Span{}, fmt.Errorf("enclave buffer %v+%#x: not within the enclave: %w", a, size, result.InvalidParameter)
	}
	return Span{addr: a, size: size, side: EnclaveSide}, nil
}
