package sgx

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// ThreadLayout locates the pages of one thread section.
type ThreadLayout struct {
	Stack memory.Range
	TCS   memory.Addr
	// SSA is the first of NumSSA save slot frames.
	SSA memory.Addr
	TLS memory.Range
	// TD is the thread data page.
	TD memory.Addr
}

// Layout describes a built enclave.
type Layout struct {
	Base      memory.Addr
	Size      uint64
	Entry     memory.Addr
	Image     memory.Range
	Heap      memory.Range
	Threads   []ThreadLayout
	Extension memory.Range
	MRENCLAVE [32]byte
}

// Range returns the protected range of the enclave.
func (l *Layout) Range() memory.Range {
	return memory.Range{Start: l.Base, End: l.Base + memory.Addr(l.Size)}
}

// ThreadByTCS returns the index of the thread section owning tcs.
func (l *Layout) ThreadByTCS(tcs memory.Addr) (int, bool) {
	for i, t := range l.Threads {
		if t.TCS == tcs {
			return i, true
		}
	}
	return 0, false
}

// Extension appends extended init data to an enclave built from a base image.
type Extension struct {
	// Size replaces the size settings of the base image.
	Size SizeSettings
	// Length is the size of the sealed data in bytes.
	Length uint64
	// Seal returns the data appended after the thread sections.
	// state is the measurement after the image pages, dataStart the offset of the first heap page.
	Seal func(state HashState, dataStart uint64) ([]byte, error)
}

// IsExtensionBase reports whether size describes a base image for extended init data.
func IsExtensionBase(size SizeSettings) bool {
	return size.NumHeapPages == 0 && size.NumStackPages == 0 && size.NumTCS == 1
}

// BuildOptions configures Build.
type BuildOptions struct {
	Policy    LayoutPolicy
	Extension *Extension
	SigStruct *SigStruct
}

// Build loads img through ld.
func Build(ld Loader, img *Image, opts BuildOptions) (*Layout, error) {
	props := img.Properties
	size := props.Size
	var extraPages uint64
	if ext := opts.Extension; ext != nil {
		if !IsExtensionBase(size) {
			return nil, fmt.Errorf("extended init data requires a base image: %w", result.InvalidParameter)
		}
		size = ext.Size
		check := props
		check.Size = size
		if err := ValidateProperties(&check); err != nil {
			return nil, fmt.Errorf("extended init data: %w", err)
		}
		extraPages = roundUpPage(ext.Length) / memory.PageSize
	}

	imagePages := uint64(len(img.Pages))
	sl, err := CalculateSize(imagePages, img.TLSPageCount, size, extraPages, opts.Policy)
	if err != nil {
		return nil, err
	}
	// Base and extended images share the ECREATE record, so both use the fixed range.
	if opts.Extension != nil || IsExtensionBase(props.Size) {
		if sl.Loaded > opts.Policy.EEIDRange {
			return nil, fmt.Errorf("extended enclave needs %#x bytes, range is %#x: %w", sl.Loaded, opts.Policy.EEIDRange, result.OutOfMemory)
		}
		sl.Size = opts.Policy.EEIDRange
	}

	base, err := ld.Create(&props, sl.Size, sl.Loaded)
	if err != nil {
		return nil, fmt.Errorf("creating enclave: %w", err)
	}
	layout := &Layout{
		Base:  base,
		Size:  sl.Size,
		Entry: base + memory.Addr(img.EntryRVA),
		Image: memory.Range{Start: base, End: base + memory.Addr(imagePages*memory.PageSize)},
	}
	for i, p := range img.Pages {
		if err := ld.LoadPage(base, base+memory.Addr(uint64(i)*memory.PageSize), p.Data, p.Flags, true); err != nil {
			return nil, fmt.Errorf("loading image page %d: %w", i, err)
		}
	}

	var state HashState
	if opts.Extension != nil {
		if state, err = ld.Checkpoint(); err != nil {
			return nil, err
		}
	}

	emit := func(off uint64, page []byte, flags SecInfo, measure bool) error {
		return ld.LoadPage(base, base+memory.Addr(off), page, flags, measure)
	}
	dataStart := imagePages * memory.PageSize
	dl, err := addDataPages(emit, dataStart, img.EntryRVA, img.TLSPageCount, size)
	if err != nil {
		return nil, fmt.Errorf("loading data pages: %w", err)
	}
	layout.Heap = memory.Range{Start: base + memory.Addr(dl.heap.Start), End: base + memory.Addr(dl.heap.End)}
	for _, t := range dl.threads {
		layout.Threads = append(layout.Threads, ThreadLayout{
			Stack: memory.Range{Start: base + t.Stack.Start, End: base + t.Stack.End},
			TCS:   base + t.TCS,
			SSA:   base + t.SSA,
			TLS:   memory.Range{Start: base + t.TLS.Start, End: base + t.TLS.End},
			TD:    base + t.TD,
		})
	}

	if ext := opts.Extension; ext != nil {
		data, err := ext.Seal(state, dataStart)
		if err != nil {
			return nil, fmt.Errorf("sealing extended init data: %w", err)
		}
		if uint64(len(data)) != ext.Length {
			return nil, fmt.Errorf("sealed extended init data has %d bytes, announced %d: %w", len(data), ext.Length, result.Unexpected)
		}
		end, err := addExtensionPages(emit, dl.end, data)
		if err != nil {
			return nil, fmt.Errorf("loading extended init data: %w", err)
		}
		layout.Extension = memory.Range{Start: base + memory.Addr(dl.end), End: base + memory.Addr(end)}
	}

	if layout.MRENCLAVE, err = ld.Finalize(base, opts.SigStruct); err != nil {
		return nil, fmt.Errorf("finalizing enclave: %w", err)
	}
	return layout, nil
}

// MeasureDataPages replays the measurement of the heap and thread sections starting at offset start.
// It returns the offset after the last thread section.
func MeasureDataPages(m *Measurement, start, entryRVA, tlsPages uint64, size SizeSettings) (uint64, error) {
	dl, err := addDataPages(measureEmitter(m), start, entryRVA, tlsPages, size)
	if err != nil {
		return 0, err
	}
	return dl.end, nil
}

// MeasureExtensionPages replays the measurement of extended init data at offset start.
func MeasureExtensionPages(m *Measurement, start uint64, data []byte) error {
	_, err := addExtensionPages(measureEmitter(m), start, data)
	return err
}

type emitter func(off uint64, page []byte, flags SecInfo, measure bool) error

func measureEmitter(m *Measurement) emitter {
	return func(off uint64, page []byte, flags SecInfo, measure bool) error {
		if page == nil {
			page = zeroPage[:]
		}
		return m.AddPage(off, page, flags, measure)
	}
}

type dataLayout struct {
	heap    memory.Range
	threads []ThreadLayout
	end     uint64
}

const (
	flagsData = PageTypeReg | SecInfoR | SecInfoW
	flagsTCS  = PageTypeTCS
)

// addDataPages emits the heap and thread sections. All addresses are offsets from the base.
func addDataPages(emit emitter, start, entryRVA, tlsPages uint64, size SizeSettings) (dataLayout, error) {
	dl := dataLayout{heap: memory.Range{Start: memory.Addr(start)}}
	off := start
	for i := uint64(0); i < size.NumHeapPages; i++ {
		if err := emit(off, nil, flagsData, false); err != nil {
			return dataLayout{}, err
		}
		off += memory.PageSize
	}
	dl.heap.End = memory.Addr(off)

	stack := make([]byte, memory.PageSize)
	for i := 0; i < len(stack); i += 4 {
		stack[i], stack[i+1], stack[i+2], stack[i+3] = 0xcc, 0xcc, 0xcc, 0xcc
	}

	for t := uint64(0); t < size.NumTCS; t++ {
		var tl ThreadLayout

		off += guardPages * memory.PageSize
		tl.Stack.Start = memory.Addr(off)
		for i := uint64(0); i < size.NumStackPages; i++ {
			if err := emit(off, stack, flagsData, true); err != nil {
				return dataLayout{}, err
			}
			off += memory.PageSize
		}
		tl.Stack.End = memory.Addr(off)
		off += guardPages * memory.PageSize

		tl.TCS = memory.Addr(off)
		tl.SSA = tl.TCS + memory.PageSize
		tl.TLS.Start = tl.SSA + ssaPages*memory.PageSize + guardPages*memory.PageSize
		tl.TLS.End = tl.TLS.Start + memory.Addr(tlsPages*memory.PageSize)
		tl.TD = tl.TLS.End

		tcs := TCS{
			OSSA:    uint64(tl.SSA),
			NSSA:    NumSSA,
			OEntry:  entryRVA,
			OFSBase: uint64(tl.TD),
			OGSBase: uint64(tl.TD),
			FSLimit: 0xFFFFFFFF,
			GSLimit: 0xFFFFFFFF,
		}
		page := tcs.Marshal()
		if err := emit(off, page[:], flagsTCS, true); err != nil {
			return dataLayout{}, err
		}
		off += memory.PageSize

		for i := 0; i < ssaPages; i++ {
			if err := emit(off, nil, flagsData, true); err != nil {
				return dataLayout{}, err
			}
			off += memory.PageSize
		}
		off += guardPages * memory.PageSize
		for i := uint64(0); i < tlsPages; i++ {
			if err := emit(off, nil, flagsData, true); err != nil {
				return dataLayout{}, err
			}
			off += memory.PageSize
		}
		if err := emit(off, nil, flagsData, true); err != nil {
			return dataLayout{}, err
		}
		off += memory.PageSize

		dl.threads = append(dl.threads, tl)
	}
	dl.end = off
	return dl, nil
}

// addExtensionPages emits data as read-only measured pages, zero padded to a page boundary.
func addExtensionPages(emit emitter, start uint64, data []byte) (uint64, error) {
	off := start
	for len(data) > 0 {
		page := make([]byte, memory.PageSize)
		n := copy(page, data)
		data = data[n:]
		if err := emit(off, page, PageTypeReg|SecInfoR, true); err != nil {
			return 0, err
		}
		off += memory.PageSize
	}
	return off, nil
}
