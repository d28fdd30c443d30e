package memory

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// ErrNotMapped is returned for accesses to addresses without backing memory.
var ErrNotMapped = errors.New("address not mapped")

// Space is a set of non-overlapping regions.
//
// Accesses hold a read lock for the duration of the copy,
// so regions can only be unmapped once no access is in flight.
type Space struct {
	mu      sync.RWMutex
	regions []*Region // sorted by start address
}

// NewSpace returns an empty address space.
func NewSpace() *Space {
	return &Space{}
}

// Map adds r to the space.
func (s *Space) Map(r *Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, o := range s.regions {
		if o.rng.Overlaps(r.rng) {
			return fmt.Errorf("mapping %v: overlaps %v", r.rng, o.rng)
		}
	}
	s.regions = append(s.regions, r)
	sort.Slice(s.regions, func(i, j int) bool { return s.regions[i].rng.Start < s.regions[j].rng.Start })
	return nil
}

// Unmap removes r from the space and releases its memory.
func (s *Space) Unmap(r *Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, o := range s.regions {
		if o == r {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return r.close()
		}
	}
	return fmt.Errorf("unmapping %v: %w", r.rng, ErrNotMapped)
}

// Close unmaps all regions.
func (s *Space) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for _, r := range s.regions {
		errs = append(errs, r.close())
	}
	s.regions = nil
	return errors.Join(errs...)
}

// access runs fn on the memory backing [a, a+n) while holding the read lock.
func (s *Space) access(a Addr, n uint64, fn func(b []byte)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.regions), func(i int) bool { return s.regions[i].rng.End > a })
	if i == len(s.regions) || !s.regions[i].rng.Contains(a, n) {
		return fmt.Errorf("access %v+%#x: %w", a, n, ErrNotMapped)
	}
	b, err := s.regions[i].slice(a, n)
	if err != nil {
		return err
	}
	fn(b)
	return nil
}

// Read returns a copy of the n bytes at a.
func (s *Space) Read(a Addr, n uint64) ([]byte, error) {
	out := make([]byte, n)
	if n == 0 {
		return out, nil
	}
	if err := s.access(a, n, func(b []byte) { copy(out, b) }); err != nil {
		return nil, err
	}
	return out, nil
}

// ReadSpan returns a copy of the memory described by sp.
func (s *Space) ReadSpan(sp Span) ([]byte, error) {
	return s.Read(sp.addr, sp.size)
}

// Write copies data to a.
func (s *Space) Write(a Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.access(a, uint64(len(data)), func(b []byte) { copy(b, data) })
}

// WriteWithBarrier copies data to a with stores that the compiler may neither elide nor reorder.
func (s *Space) WriteWithBarrier(a Addr, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	return s.access(a, uint64(len(data)), func(b []byte) { copyWithBarrier(b, data) })
}

// Zero clears n bytes at a.
func (s *Space) Zero(a Addr, n uint64) error {
	if n == 0 {
		return nil
	}
	return s.access(a, n, func(b []byte) {
		for i := range b {
			b[i] = 0
		}
	})
}

// Fill sets n bytes at a to the repeated 32-bit little-endian pattern v.
func (s *Space) Fill(a Addr, n uint64, v uint32) error {
	return s.access(a, n, func(b []byte) {
		for i := range b {
			b[i] = byte(v >> (8 * (i % 4)))
		}
	})
}

// LoadUint64 atomically loads the word at a, which must be 8 byte aligned.
func (s *Space) LoadUint64(a Addr) (uint64, error) {
	if !a.IsAligned(8) {
		return 0, fmt.Errorf("atomic load at %v: unaligned", a)
	}
	var v uint64
	err := s.access(a, 8, func(b []byte) { v = atomic.LoadUint64(word(b)) })
	return v, err
}

// StoreUint64 atomically stores v at a, which must be 8 byte aligned.
func (s *Space) StoreUint64(a Addr, v uint64) error {
	if !a.IsAligned(8) {
		return fmt.Errorf("atomic store at %v: unaligned", a)
	}
	return s.access(a, 8, func(b []byte) { atomic.StoreUint64(word(b), v) })
}

// CompareAndSwapUint64 atomically replaces the word at a with newV if it equals old.
func (s *Space) CompareAndSwapUint64(a Addr, old, newV uint64) (bool, error) {
	if !a.IsAligned(8) {
		return false, fmt.Errorf("atomic compare-and-swap at %v: unaligned", a)
	}
	var swapped bool
	err := s.access(a, 8, func(b []byte) { swapped = atomic.CompareAndSwapUint64(word(b), old, newV) })
	return swapped, err
}
