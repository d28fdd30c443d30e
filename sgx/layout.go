package sgx

import (
	"fmt"
	"math/bits"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// Pages of a thread section apart from stack and TLS.
const (
	guardPages   = 1
	tcsPages     = 1
	ssaPages     = NumSSA * SSAFrameSize
	tdPages      = 1
	controlPages = tcsPages + ssaPages + guardPages + tdPages
)

// LayoutPolicy holds the layout decisions that are policy rather than protocol.
type LayoutPolicy struct {
	// RoundPow2 rounds the enclave size up to a power of two.
	RoundPow2 bool
	// EEIDRange is the fixed enclave size of images built with extended init data,
	// so base and extended images share the ECREATE record.
	EEIDRange uint64
	// SimulationBase is the lowest address enclaves are placed at in simulation mode.
	SimulationBase memory.Addr
}

// DefaultLayoutPolicy returns the default policy.
func DefaultLayoutPolicy() LayoutPolicy {
	return LayoutPolicy{
		RoundPow2:      true,
		EEIDRange:      64 << 30,
		SimulationBase: 0x100000000000,
	}
}

// ThreadPages returns the number of pages of one thread section.
func ThreadPages(stackPages, tlsPages uint64) (uint64, bool) {
	return addAll(guardPages, stackPages, guardPages, controlPages, tlsPages)
}

// SizeLayout is the result of the size calculation.
type SizeLayout struct {
	// Size is the size of the protected range.
	Size uint64
	// Loaded is the number of bytes populated with pages.
	Loaded uint64
}

// CalculateSize computes the size of an enclave from its parts.
// extraPages are appended after the thread sections, e.g. extended init data.
func CalculateSize(imagePages, tlsPages uint64, size SizeSettings, extraPages uint64, policy LayoutPolicy) (SizeLayout, error) {
	thread, ok := ThreadPages(size.NumStackPages, tlsPages)
	if !ok {
		return SizeLayout{}, errOverflow
	}
	hi, threads := bits.Mul64(thread, size.NumTCS)
	if hi != 0 {
		return SizeLayout{}, errOverflow
	}
	pages, ok := addAll(imagePages, size.NumHeapPages, threads, extraPages)
	if !ok {
		return SizeLayout{}, errOverflow
	}
	hi, loaded := bits.Mul64(pages, memory.PageSize)
	if hi != 0 {
		return SizeLayout{}, errOverflow
	}

	total := loaded
	if policy.RoundPow2 {
		if total, ok = nextPow2(loaded); !ok {
			return SizeLayout{}, errOverflow
		}
	}
	return SizeLayout{Size: total, Loaded: loaded}, nil
}

var errOverflow = fmt.Errorf("enclave size overflows: %w", result.InvalidParameter)

func addAll(vs ...uint64) (uint64, bool) {
	var sum, carry uint64
	for _, v := range vs {
		sum, carry = bits.Add64(sum, v, 0)
		if carry != 0 {
			return 0, false
		}
	}
	return sum, true
}

func nextPow2(n uint64) (uint64, bool) {
	if n <= 1 {
		return 1, true
	}
	shift := bits.Len64(n - 1)
	if shift >= 64 {
		return 0, false
	}
	return 1 << shift, true
}
