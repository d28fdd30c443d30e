package sgx

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// Loader populates an enclave under construction.
//
// Pages must be loaded in strictly increasing address order between Create and Finalize.
// A nil page stands for a page of zeros.
type Loader interface {
	// Create reserves an enclave of size bytes of which the first loaded bytes will be populated.
	Create(props *Properties, size, loaded uint64) (base memory.Addr, err error)
	// LoadPage adds a page at addr and, if measure is set, folds its content into the measurement.
	LoadPage(base, addr memory.Addr, page []byte, flags SecInfo, measure bool) error
	// Checkpoint exports the measurement state after the pages loaded so far.
	Checkpoint() (HashState, error)
	// Finalize completes construction and returns the enclave's measurement.
	Finalize(base memory.Addr, sig *SigStruct) ([32]byte, error)
}

var zeroPage [memory.PageSize]byte

// recorder enforces the loading order and measures every page. Loaders embed it.
type recorder struct {
	m         *Measurement
	base      memory.Addr
	rng       memory.Range
	next      memory.Addr
	created   bool
	finalized bool
}

func (r *recorder) create(base memory.Addr, size uint64) error {
	if r.created {
		return fmt.Errorf("creating enclave: already created: %w", result.Unexpected)
	}
	rng, ok := memory.RangeOf(base, size)
	if !ok {
		return fmt.Errorf("creating enclave at %v+%#x: %w", base, size, result.InvalidParameter)
	}
	r.m = NewMeasurement()
	r.m.ECreate(SSAFrameSize, size)
	r.base, r.rng, r.next, r.created = base, rng, base, true
	return nil
}

func (r *recorder) record(base, addr memory.Addr, page []byte, flags SecInfo, measure bool) error {
	switch {
	case !r.created || r.finalized:
		return fmt.Errorf("loading page %v: enclave is not under construction: %w", addr, result.Unexpected)
	case base != r.base:
		return fmt.Errorf("loading page %v: base %v does not match %v: %w", addr, base, r.base, result.InvalidParameter)
	case !addr.IsAligned(memory.PageSize) || !r.rng.Contains(addr, memory.PageSize):
		return fmt.Errorf("loading page %v: not a page of %v: %w", addr, r.rng, result.InvalidParameter)
	case addr < r.next:
		return fmt.Errorf("loading page %v: pages must be loaded in increasing address order: %w", addr, result.InvalidParameter)
	case !flags.valid():
		return fmt.Errorf("loading page %v: invalid flags %#x: %w", addr, uint64(flags), result.InvalidParameter)
	case page != nil && len(page) != memory.PageSize:
		return fmt.Errorf("loading page %v: has %d bytes: %w", addr, len(page), result.InvalidParameter)
	}
	if page == nil {
		page = zeroPage[:]
	}
	if err := r.m.AddPage(uint64(addr-base), page, flags, measure); err != nil {
		return err
	}
	r.next = addr + memory.PageSize
	return nil
}

// Checkpoint implements [Loader].
func (r *recorder) Checkpoint() (HashState, error) {
	if !r.created || r.finalized {
		return HashState{}, fmt.Errorf("checkpoint: enclave is not under construction: %w", result.Unexpected)
	}
	return r.m.Checkpoint()
}

func (r *recorder) finalize() ([32]byte, error) {
	if !r.created || r.finalized {
		return [32]byte{}, fmt.Errorf("finalizing: enclave is not under construction: %w", result.Unexpected)
	}
	r.finalized = true
	return r.m.Sum(), nil
}

// MeasureLoader only computes the measurement of an enclave.
// It is used to sign images without creating an enclave.
type MeasureLoader struct {
	recorder
}

// NewMeasureLoader returns a Loader that only measures.
func NewMeasureLoader() *MeasureLoader {
	return &MeasureLoader{}
}

// Create implements [Loader]. The enclave is placed at address 0, which does not affect the measurement.
func (l *MeasureLoader) Create(_ *Properties, size, loaded uint64) (memory.Addr, error) {
	if loaded > size {
		return 0, fmt.Errorf("creating enclave: loaded size exceeds size: %w", result.InvalidParameter)
	}
	return 0, l.create(0, size)
}

// LoadPage implements [Loader].
func (l *MeasureLoader) LoadPage(base, addr memory.Addr, page []byte, flags SecInfo, measure bool) error {
	return l.record(base, addr, page, flags, measure)
}

// Finalize implements [Loader].
func (l *MeasureLoader) Finalize(_ memory.Addr, _ *SigStruct) ([32]byte, error) {
	return l.finalize()
}

// SimLoader builds an enclave in a simulated address space.
type SimLoader struct {
	recorder
	space  *memory.Space
	policy LayoutPolicy
	region *memory.Region
}

// NewSimLoader returns a Loader placing the enclave in space.
func NewSimLoader(space *memory.Space, policy LayoutPolicy) *SimLoader {
	return &SimLoader{space: space, policy: policy}
}

// Create implements [Loader]. The enclave is placed at the first address above the
// policy's simulation base that is aligned to its size.
func (l *SimLoader) Create(props *Properties, size, loaded uint64) (memory.Addr, error) {
	if props.Flags&FlagCreateZeroBase != 0 {
		return 0, fmt.Errorf("zero base enclaves are not supported in simulation mode: %w", result.InvalidParameter)
	}
	base, ok := l.policy.SimulationBase.RoundUp(size)
	if !ok {
		return 0, fmt.Errorf("placing enclave of %#x bytes: %w", size, result.OutOfMemory)
	}
	region, err := memory.NewRegion(base, size, loaded)
	if err != nil {
		return 0, fmt.Errorf("creating enclave region: %w", err)
	}
	if err := l.space.Map(region); err != nil {
		return 0, err
	}
	if err := l.create(base, size); err != nil {
		_ = l.space.Unmap(region)
		return 0, err
	}
	l.region = region
	return base, nil
}

// LoadPage implements [Loader]. Zero pages are not written since the region starts zeroed.
func (l *SimLoader) LoadPage(base, addr memory.Addr, page []byte, flags SecInfo, measure bool) error {
	if err := l.record(base, addr, page, flags, measure); err != nil {
		return err
	}
	if page == nil {
		return nil
	}
	return l.space.Write(addr, page)
}

// Finalize implements [Loader]. Signature checks in simulation mode are done by the caller.
func (l *SimLoader) Finalize(_ memory.Addr, _ *SigStruct) ([32]byte, error) {
	return l.finalize()
}

// Region returns the region backing the enclave, or nil before Create.
func (l *SimLoader) Region() *memory.Region {
	return l.region
}
