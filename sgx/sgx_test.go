package sgx

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"math"
	"testing"
	"time"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

func testProperties() Properties {
	return Properties{
		Size:            SizeSettings{NumHeapPages: 4, NumStackPages: 2, NumTCS: 2},
		Attributes:      AttributeMode64Bit | AttributeDebug,
		XFRM:            0x3,
		ProductID:       7,
		SecurityVersion: 3,
	}
}

func testImage() *Image {
	code := bytes.Repeat([]byte{0x90}, memory.PageSize)
	data := make([]byte, memory.PageSize)
	copy(data, "enclave data")
	return &Image{
		EntryRVA:     0x10,
		TLSPageCount: 1,
		Properties:   testProperties(),
		Pages: []Page{
			{Flags: PageTypeReg | SecInfoR | SecInfoX, Data: code},
			{Flags: PageTypeReg | SecInfoR | SecInfoW, Data: data},
		},
	}
}

func TestValidateProperties(t *testing.T) {
	testCases := map[string]struct {
		modify    func(p *Properties)
		wantField string
	}{
		"valid": {
			modify: func(p *Properties) {},
		},
		"unknown attribute": {
			modify:    func(p *Properties) { p.Attributes |= 0x1000 },
			wantField: "attributes",
		},
		"32 bit": {
			modify:    func(p *Properties) { p.Attributes = AttributeDebug },
			wantField: "attributes",
		},
		"too many heap pages": {
			modify:    func(p *Properties) { p.Size.NumHeapPages = MaxHeapPages + 1 },
			wantField: "num_heap_pages",
		},
		"too many stack pages": {
			modify:    func(p *Properties) { p.Size.NumStackPages = MaxStackPages + 1 },
			wantField: "num_stack_pages",
		},
		"no tcs": {
			modify:    func(p *Properties) { p.Size.NumTCS = 0 },
			wantField: "num_tcs",
		},
		"too many tcs": {
			modify:    func(p *Properties) { p.Size.NumTCS = MaxTCS + 1 },
			wantField: "num_tcs",
		},
		"zero base": {
			modify: func(p *Properties) {
				p.Flags = FlagCreateZeroBase
				p.StartAddress = 0x10000
			},
		},
		"zero base without start address": {
			modify:    func(p *Properties) { p.Flags = FlagCreateZeroBase },
			wantField: "start_address",
		},
		"zero base with unaligned start address": {
			modify: func(p *Properties) {
				p.Flags = FlagCreateZeroBase
				p.StartAddress = 0x10010
			},
			wantField: "start_address",
		},
		"start address without zero base": {
			modify:    func(p *Properties) { p.StartAddress = 0x10000 },
			wantField: "start_address",
		},
		"unknown flag": {
			modify:    func(p *Properties) { p.Flags = 0x80 },
			wantField: "flags",
		},
		"product id overflows": {
			modify:    func(p *Properties) { p.ProductID = 0x10000 },
			wantField: "product_id",
		},
		"security version overflows": {
			modify:    func(p *Properties) { p.SecurityVersion = 0x10000 },
			wantField: "security_version",
		},
		"family id without kss": {
			modify:    func(p *Properties) { p.FamilyID[0] = 1 },
			wantField: "family_id",
		},
		"family id with kss": {
			modify: func(p *Properties) {
				p.Attributes |= AttributeKSS
				p.FamilyID[0] = 1
				p.ExtendedProductID[0] = 1
			},
		},
		"first bad field is reported": {
			modify: func(p *Properties) {
				p.Size.NumHeapPages = MaxHeapPages + 1
				p.Size.NumTCS = 0
			},
			wantField: "num_heap_pages",
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			props := testProperties()
			tc.modify(&props)
			err := ValidateProperties(&props)
			if tc.wantField == "" {
				assert.NoError(err)
				return
			}
			assert.ErrorIs(err, result.InvalidParameter)
			assert.Contains(err.Error(), "invalid "+tc.wantField)
		})
	}
}

func TestValidateImage(t *testing.T) {
	assert := assert.New(t)

	assert.NoError(ValidateImage(testImage()))

	img := testImage()
	img.EntryRVA = 2 * memory.PageSize
	assert.ErrorIs(ValidateImage(img), result.InvalidParameter)

	img = testImage()
	img.Pages = nil
	assert.ErrorIs(ValidateImage(img), result.InvalidParameter)
}

func TestApplyDebug(t *testing.T) {
	testCases := map[string]struct {
		attributes     uint64
		debug          bool
		wantAttributes uint64
		wantErr        error
	}{
		"debug image, debug requested": {
			attributes:     AttributeMode64Bit | AttributeDebug,
			debug:          true,
			wantAttributes: AttributeMode64Bit | AttributeDebug,
		},
		"debug image, release requested": {
			attributes:     AttributeMode64Bit | AttributeDebug,
			wantAttributes: AttributeMode64Bit,
		},
		"release image, release requested": {
			attributes:     AttributeMode64Bit,
			wantAttributes: AttributeMode64Bit,
		},
		"release image, debug requested": {
			attributes: AttributeMode64Bit,
			debug:      true,
			wantErr:    result.DebugDowngrade,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			props := Properties{Attributes: tc.attributes}
			err := ApplyDebug(&props, tc.debug)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.wantAttributes, props.Attributes)
		})
	}
}

func TestCalculateSize(t *testing.T) {
	size := SizeSettings{NumHeapPages: 4, NumStackPages: 2, NumTCS: 2}

	testCases := map[string]struct {
		imagePages uint64
		size       SizeSettings
		extra      uint64
		roundPow2  bool
		want       SizeLayout
		wantErr    bool
	}{
		"rounded": {
			imagePages: 2,
			size:       size,
			roundPow2:  true,
			want:       SizeLayout{Size: 32 * memory.PageSize, Loaded: 26 * memory.PageSize},
		},
		"exact": {
			imagePages: 2,
			size:       size,
			want:       SizeLayout{Size: 26 * memory.PageSize, Loaded: 26 * memory.PageSize},
		},
		"extra pages": {
			imagePages: 2,
			size:       size,
			extra:      3,
			want:       SizeLayout{Size: 29 * memory.PageSize, Loaded: 29 * memory.PageSize},
		},
		"stack overflows": {
			size:    SizeSettings{NumStackPages: math.MaxUint64, NumTCS: 1},
			wantErr: true,
		},
		"threads overflow": {
			size:    SizeSettings{NumStackPages: math.MaxUint64 / 16, NumTCS: 32},
			wantErr: true,
		},
		"bytes overflow": {
			imagePages: math.MaxUint64 / 2,
			size:       size,
			wantErr:    true,
		},
		"rounding overflows": {
			imagePages: 1<<51 + 1,
			size:       SizeSettings{NumTCS: 1},
			roundPow2:  true,
			wantErr:    true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			policy := DefaultLayoutPolicy()
			policy.RoundPow2 = tc.roundPow2
			got, err := CalculateSize(tc.imagePages, 1, tc.size, tc.extra, policy)
			if tc.wantErr {
				assert.ErrorIs(err, result.InvalidParameter)
				return
			}
			assert.NoError(err)
			assert.Equal(tc.want, got)
		})
	}
}

func TestMeasurementCheckpoint(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	page := bytes.Repeat([]byte{0x42}, memory.PageSize)

	full := NewMeasurement()
	full.ECreate(SSAFrameSize, 0x100000)
	require.NoError(full.AddPage(0, page, PageTypeReg|SecInfoR, true))

	state, err := full.Checkpoint()
	require.NoError(err)
	assert.Equal([2]uint32{64 + 64 + 16*(64+256), 0}, state.N)

	restored, err := RestoreMeasurement(state)
	require.NoError(err)

	for _, m := range []*Measurement{full, restored} {
		require.NoError(m.AddPage(memory.PageSize, page, PageTypeReg|SecInfoR|SecInfoW, false))
		require.NoError(m.AddPage(2*memory.PageSize, page, PageTypeTCS, true))
	}
	assert.Equal(full.Sum(), restored.Sum())

	_, err = RestoreMeasurement(HashState{N: [2]uint32{10, 0}})
	assert.ErrorIs(err, result.InvalidParameter)
}

func TestMeasurementRecords(t *testing.T) {
	assert := assert.New(t)

	m := NewMeasurement()
	assert.Error(m.EExtend(0, make([]byte, 100)))
	assert.Error(m.AddPage(0, make([]byte, 100), PageTypeReg, true))

	// Unmeasured pages only contribute their EADD record.
	a := NewMeasurement()
	assert.NoError(a.AddPage(0, bytes.Repeat([]byte{1}, memory.PageSize), PageTypeReg, false))
	b := NewMeasurement()
	b.EAdd(0, PageTypeReg)
	assert.Equal(a.Sum(), b.Sum())
}

func TestBuild(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	img := testImage()
	policy := DefaultLayoutPolicy()

	measured, err := Build(NewMeasureLoader(), img, BuildOptions{Policy: policy})
	require.NoError(err)
	assert.Equal(memory.Addr(0), measured.Base)

	space := memory.NewSpace()
	defer func() { assert.NoError(space.Close()) }()
	ld := NewSimLoader(space, policy)
	layout, err := Build(ld, img, BuildOptions{Policy: policy})
	require.NoError(err)

	assert.Equal(measured.MRENCLAVE, layout.MRENCLAVE)
	assert.Equal(uint64(32*memory.PageSize), layout.Size)
	assert.True(layout.Base.IsAligned(layout.Size))
	assert.GreaterOrEqual(layout.Base, policy.SimulationBase)
	assert.Equal(layout.Range(), ld.Region().Range())
	assert.Equal(layout.Base+0x10, layout.Entry)

	pageAt := func(n uint64) memory.Addr { return layout.Base + memory.Addr(n*memory.PageSize) }
	assert.Equal(memory.Range{Start: pageAt(2), End: pageAt(6)}, layout.Heap)
	require.Len(layout.Threads, 2)
	first := layout.Threads[0]
	assert.Equal(memory.Range{Start: pageAt(7), End: pageAt(9)}, first.Stack)
	assert.Equal(pageAt(10), first.TCS)
	assert.Equal(pageAt(11), first.SSA)
	assert.Equal(memory.Range{Start: pageAt(14), End: pageAt(15)}, first.TLS)
	assert.Equal(pageAt(15), first.TD)
	assert.Equal(pageAt(20), layout.Threads[1].TCS)

	idx, ok := layout.ThreadByTCS(pageAt(20))
	assert.True(ok)
	assert.Equal(1, idx)
	_, ok = layout.ThreadByTCS(pageAt(21))
	assert.False(ok)

	raw, err := space.Read(first.TCS, memory.PageSize)
	require.NoError(err)
	tcs, err := ParseTCS(raw)
	require.NoError(err)
	assert.Equal(TCS{
		OSSA:    11 * memory.PageSize,
		NSSA:    NumSSA,
		OEntry:  0x10,
		OFSBase: 15 * memory.PageSize,
		OGSBase: 15 * memory.PageSize,
		FSLimit: 0xFFFFFFFF,
		GSLimit: 0xFFFFFFFF,
	}, tcs)

	stack, err := space.Read(first.Stack.Start, 8)
	require.NoError(err)
	assert.Equal(bytes.Repeat([]byte{0xcc}, 8), stack)
	code, err := space.Read(layout.Base, 4)
	require.NoError(err)
	assert.Equal([]byte{0x90, 0x90, 0x90, 0x90}, code)

	// Different size settings change the measurement.
	other := testImage()
	other.Properties.Size.NumHeapPages = 5
	changed, err := Build(NewMeasureLoader(), other, BuildOptions{Policy: policy})
	require.NoError(err)
	assert.NotEqual(measured.MRENCLAVE, changed.MRENCLAVE)
}

func TestBuildExtension(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	img := testImage()
	img.Properties.Size = SizeSettings{NumTCS: 1}
	policy := DefaultLayoutPolicy()
	policy.EEIDRange = 1 << 20

	data := []byte("extended init data")
	var sealedState HashState
	ext := &Extension{
		Size:   SizeSettings{NumHeapPages: 4, NumStackPages: 2, NumTCS: 2},
		Length: uint64(len(data)),
		Seal: func(state HashState, dataStart uint64) ([]byte, error) {
			sealedState = state
			assert.Equal(uint64(2*memory.PageSize), dataStart)
			return data, nil
		},
	}
	layout, err := Build(NewMeasureLoader(), img, BuildOptions{Policy: policy, Extension: ext})
	require.NoError(err)
	assert.Equal(policy.EEIDRange, layout.Size)
	assert.Len(layout.Threads, 2)
	assert.Equal(uint64(memory.PageSize), layout.Extension.Length())

	// Replaying the data pages from the checkpoint reproduces the measurement.
	m, err := RestoreMeasurement(sealedState)
	require.NoError(err)
	end, err := MeasureDataPages(m, 2*memory.PageSize, img.EntryRVA, img.TLSPageCount, ext.Size)
	require.NoError(err)
	require.NoError(MeasureExtensionPages(m, end, data))
	assert.Equal(layout.MRENCLAVE, m.Sum())

	// Extensions require a base image.
	_, err = Build(NewMeasureLoader(), testImage(), BuildOptions{Policy: policy, Extension: ext})
	assert.ErrorIs(err, result.InvalidParameter)

	// The range must hold the extended enclave.
	policy.EEIDRange = 16 * memory.PageSize
	_, err = Build(NewMeasureLoader(), img, BuildOptions{Policy: policy, Extension: ext})
	assert.ErrorIs(err, result.OutOfMemory)
}

func TestLoaderOrder(t *testing.T) {
	page := make([]byte, memory.PageSize)

	testCases := map[string]struct {
		load    func(ld *MeasureLoader) error
		wantErr error
	}{
		"in order": {
			load: func(ld *MeasureLoader) error {
				if err := ld.LoadPage(0, 0, page, PageTypeReg|SecInfoR, true); err != nil {
					return err
				}
				return ld.LoadPage(0, 2*memory.PageSize, nil, PageTypeReg|SecInfoR, false)
			},
		},
		"decreasing": {
			load: func(ld *MeasureLoader) error {
				if err := ld.LoadPage(0, memory.PageSize, page, PageTypeReg|SecInfoR, true); err != nil {
					return err
				}
				return ld.LoadPage(0, 0, page, PageTypeReg|SecInfoR, true)
			},
			wantErr: result.InvalidParameter,
		},
		"same page twice": {
			load: func(ld *MeasureLoader) error {
				if err := ld.LoadPage(0, 0, page, PageTypeReg|SecInfoR, true); err != nil {
					return err
				}
				return ld.LoadPage(0, 0, page, PageTypeReg|SecInfoR, true)
			},
			wantErr: result.InvalidParameter,
		},
		"unaligned": {
			load: func(ld *MeasureLoader) error {
				return ld.LoadPage(0, 0x10, page, PageTypeReg|SecInfoR, true)
			},
			wantErr: result.InvalidParameter,
		},
		"out of range": {
			load: func(ld *MeasureLoader) error {
				return ld.LoadPage(0, 16*memory.PageSize, page, PageTypeReg|SecInfoR, true)
			},
			wantErr: result.InvalidParameter,
		},
		"wrong base": {
			load: func(ld *MeasureLoader) error {
				return ld.LoadPage(memory.PageSize, memory.PageSize, page, PageTypeReg|SecInfoR, true)
			},
			wantErr: result.InvalidParameter,
		},
		"invalid flags": {
			load: func(ld *MeasureLoader) error {
				return ld.LoadPage(0, 0, page, SecInfoR, true)
			},
			wantErr: result.InvalidParameter,
		},
		"short page": {
			load: func(ld *MeasureLoader) error {
				return ld.LoadPage(0, 0, page[:100], PageTypeReg|SecInfoR, true)
			},
			wantErr: result.InvalidParameter,
		},
		"after finalize": {
			load: func(ld *MeasureLoader) error {
				if _, err := ld.Finalize(0, nil); err != nil {
					return err
				}
				return ld.LoadPage(0, 0, page, PageTypeReg|SecInfoR, true)
			},
			wantErr: result.Unexpected,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			ld := NewMeasureLoader()
			_, err := ld.Create(&Properties{}, 16*memory.PageSize, 16*memory.PageSize)
			require.NoError(err)
			err = tc.load(ld)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			assert.NoError(err)
		})
	}

	t.Run("before create", func(t *testing.T) {
		assert := assert.New(t)
		err := NewMeasureLoader().LoadPage(0, 0, page, PageTypeReg|SecInfoR, true)
		assert.ErrorIs(err, result.Unexpected)
	})
}

func TestSimLoaderRefusesZeroBase(t *testing.T) {
	assert := assert.New(t)

	space := memory.NewSpace()
	defer func() { assert.NoError(space.Close()) }()
	ld := NewSimLoader(space, DefaultLayoutPolicy())
	_, err := ld.Create(&Properties{Flags: FlagCreateZeroBase}, memory.PageSize, memory.PageSize)
	assert.ErrorIs(err, result.InvalidParameter)
	assert.Nil(ld.Region())
}

func TestImage(t *testing.T) {
	require := require.New(t)

	img := testImage()
	img.Properties.Flags = FlagCaptureFaults
	raw, err := img.Marshal()
	require.NoError(err)
	assert.Len(t, raw, 4*memory.PageSize)

	parsed, err := ParseImage(raw)
	require.NoError(err)
	assert.Empty(t, cmp.Diff(img, parsed))

	path := t.TempDir() + "/enclave.img"
	require.NoError(WriteImage(path, img))
	read, err := ReadImage(path)
	require.NoError(err)
	assert.Empty(t, cmp.Diff(img, read))

	testCases := map[string]func(raw []byte) []byte{
		"truncated header": func(raw []byte) []byte { return raw[:100] },
		"truncated pages":  func(raw []byte) []byte { return raw[:len(raw)-1] },
		"trailing bytes":   func(raw []byte) []byte { return append(raw, 0) },
		"bad magic":        func(raw []byte) []byte { raw[0] = 'X'; return raw },
		"bad version":      func(raw []byte) []byte { raw[8] = 2; return raw },
		"bad page flags":   func(raw []byte) []byte { raw[headerSize+1] = 0; return raw },
		"bad sigstruct":    func(raw []byte) []byte { raw[128] = 1; return raw },
	}
	for name, corrupt := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseImage(corrupt(bytes.Clone(raw)))
			assert.ErrorIs(t, err, result.InvalidParameter)
		})
	}
}

func TestSigStruct(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	key, err := rsa.GenerateKey(rand.Reader, 3072)
	require.NoError(err)

	img := testImage()
	layout, err := Build(NewMeasureLoader(), img, BuildOptions{Policy: DefaultLayoutPolicy()})
	require.NoError(err)

	date := time.Date(2024, time.March, 15, 0, 0, 0, 0, time.UTC)
	sig, err := Sign(layout.MRENCLAVE, &img.Properties, key, date)
	require.NoError(err)
	assert.Equal(uint32(0x20240315), sig.Date)
	assert.NoError(sig.Verify())
	assert.NoError(sig.Matches(layout.MRENCLAVE, &img.Properties))
	assert.Equal(MRSigner(&key.PublicKey), sig.MRSigner())
	assert.True(sig.PublicKey().Equal(&key.PublicKey))

	raw := sig.Marshal()
	parsed, err := ParseSigStruct(raw[:])
	require.NoError(err)
	assert.Equal(*sig, parsed)

	// The signature survives embedding into an image.
	img.SigStruct = sig
	rawImage, err := img.Marshal()
	require.NoError(err)
	parsedImage, err := ParseImage(rawImage)
	require.NoError(err)
	require.NotNil(parsedImage.SigStruct)
	assert.NoError(parsedImage.SigStruct.Verify())

	tampered := *sig
	tampered.EnclaveHash[0] ^= 1
	assert.ErrorIs(tampered.Verify(), result.VerifyFailed)
	assert.ErrorIs(sig.Matches([32]byte{1}, &img.Properties), result.VerifyFailed)

	props := img.Properties
	props.SecurityVersion++
	assert.ErrorIs(sig.Matches(layout.MRENCLAVE, &props), result.VerifyFailed)
	props = img.Properties
	props.Attributes &^= AttributeDebug
	assert.ErrorIs(sig.Matches(layout.MRENCLAVE, &props), result.VerifyFailed)

	small, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(err)
	_, err = Sign(layout.MRENCLAVE, &img.Properties, small, date)
	assert.ErrorIs(err, result.InvalidParameter)
}

func FuzzParseImage(f *testing.F) {
	raw, err := testImage().Marshal()
	if err != nil {
		f.Fatal(err)
	}
	f.Add(raw)

	f.Fuzz(func(t *testing.T, data []byte) {
		fuzzConsumer := fuzzheaders.NewConsumer(data)
		fields, err := fuzzConsumer.GetBytes()
		if err != nil {
			return
		}
		var header [headerSize]byte
		copy(header[:], fields)
		copy(header[0:8], imageMagic)
		header[8] = imageVersion
		img, err := ParseImage(append(header[:], data...))
		if err != nil {
			return
		}
		for _, p := range img.Pages {
			assert.Len(t, p.Data, memory.PageSize)
		}
	})
}
