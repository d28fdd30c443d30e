package eeid

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	fuzzheaders "github.com/AdaLogics/go-fuzz-headers"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

func TestMarshal(t *testing.T) {
	testCases := map[string]EEID{
		"empty data": {
			Version: Version,
			Size:    sgx.SizeSettings{NumHeapPages: 1, NumStackPages: 1, NumTCS: 1},
		},
		"data and signature": {
			Version:      Version,
			HashState:    sgx.HashState{H: [8]uint32{1, 2, 3, 4, 5, 6, 7, 8}, N: [2]uint32{0x1000, 1}},
			Size:         sgx.SizeSettings{NumHeapPages: 100, NumStackPages: 10, NumTCS: 4},
			VAddr:        0x5000,
			EntryPoint:   0x1234,
			TLSPageCount: 2,
			Data:         []byte("config"),
			Signature:    bytes.Repeat([]byte{0xaa}, sgx.SigStructSize),
		},
	}

	for name, e := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			raw := e.Marshal()
			assert.Equal(e.ByteSize(), uint64(len(raw)))

			var got EEID
			require.NoError(Unmarshal(raw, &got))
			// Empty fields come back nil, the way a zero EEID holds them.
			assert.Empty(cmp.Diff(e, got))

			// Page padding after the EEID is ignored.
			var padded EEID
			require.NoError(Unmarshal(append(raw, make([]byte, 100)...), &padded))
			assert.Empty(cmp.Diff(e, padded))
		})
	}
}

func TestMarshalByteOrder(t *testing.T) {
	assert := assert.New(t)

	e := EEID{Version: Version, Size: sgx.SizeSettings{NumTCS: 3}, Data: []byte{0xff}}
	raw := e.Marshal()
	assert.Equal([]byte{0, 0, 0, 1}, raw[0:4])
	// version | H | N | signature size | heap | stack | tcs
	tcsOff := 4 + 32 + 8 + 8 + 8 + 8
	assert.Equal([]byte{0, 0, 0, 0, 0, 0, 0, 3}, raw[tcsOff:tcsOff+8])
	assert.Equal([]byte{0, 0, 0, 0, 0, 0, 0, 1}, raw[HeaderSize-8:HeaderSize])
	assert.Equal(byte(0xff), raw[HeaderSize])
}

func TestUnmarshalErrors(t *testing.T) {
	e := EEID{
		Version:   Version,
		Size:      sgx.SizeSettings{NumHeapPages: 2, NumStackPages: 2, NumTCS: 2},
		Data:      []byte("some data"),
		Signature: []byte("signature"),
	}
	raw := e.Marshal()
	sentinel := EEID{Version: 42, Data: []byte("untouched")}

	t.Run("truncated", func(t *testing.T) {
		assert := assert.New(t)
		for n := 0; n < len(raw); n++ {
			got := sentinel
			err := Unmarshal(raw[:n], &got)
			assert.ErrorIs(err, result.BufferTooSmall, "length %d", n)
			assert.Equal(sentinel, got, "length %d", n)
		}
	})

	t.Run("version", func(t *testing.T) {
		assert := assert.New(t)
		bad := bytes.Clone(raw)
		bad[3] = 2
		got := sentinel
		assert.ErrorIs(Unmarshal(bad, &got), result.InvalidParameter)
		assert.Equal(sentinel, got)
	})

	t.Run("oversized data size", func(t *testing.T) {
		assert := assert.New(t)
		bad := bytes.Clone(raw)
		for i := HeaderSize - 8; i < HeaderSize; i++ {
			bad[i] = 0xff
		}
		got := sentinel
		assert.ErrorIs(Unmarshal(bad, &got), result.BufferTooSmall)
		assert.Equal(sentinel, got)
	})
}

func TestFrame(t *testing.T) {
	require := require.New(t)

	f := Frame{Version: HeaderVersion, Type: TypeEvidence, Data: []byte("evidence")}
	raw := f.Marshal()
	assert.Equal(t, []byte{0, 0, 0, 1, 0, 0, 0, 1, 0, 0, 0, 0, 0, 0, 0, 8}, raw[:16])

	got, err := UnmarshalFrame(raw, TypeEvidence)
	require.NoError(err)
	assert.Equal(t, f, got)

	testCases := map[string]struct {
		raw      []byte
		wantType uint32
		wantErr  error
	}{
		"wrong type":    {raw: raw, wantType: TypeEndorsements, wantErr: result.InvalidParameter},
		"truncated":     {raw: raw[:10], wantType: TypeEvidence, wantErr: result.BufferTooSmall},
		"short data":    {raw: raw[:len(raw)-1], wantType: TypeEvidence, wantErr: result.InvalidParameter},
		"long data":     {raw: append(bytes.Clone(raw), 0), wantType: TypeEvidence, wantErr: result.InvalidParameter},
		"wrong version": {raw: append([]byte{0, 0, 0, 2}, raw[4:]...), wantType: TypeEvidence, wantErr: result.InvalidParameter},
	}
	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalFrame(tc.raw, tc.wantType)
			assert.ErrorIs(t, err, tc.wantErr)
		})
	}
}

func baseImage(t *testing.T, key *rsa.PrivateKey, policy sgx.LayoutPolicy) *sgx.Image {
	t.Helper()
	require := require.New(t)

	code := bytes.Repeat([]byte{0x90}, memory.PageSize)
	img := &sgx.Image{
		EntryRVA:     0x40,
		TLSPageCount: 1,
		Properties: sgx.Properties{
			Size:            sgx.SizeSettings{NumTCS: 1},
			Attributes:      sgx.AttributeMode64Bit | sgx.AttributeDebug,
			ProductID:       5,
			SecurityVersion: 2,
		},
		Pages: []sgx.Page{{Flags: sgx.PageTypeReg | sgx.SecInfoR | sgx.SecInfoX, Data: code}},
	}
	layout, err := sgx.Build(sgx.NewMeasureLoader(), img, sgx.BuildOptions{Policy: policy})
	require.NoError(err)
	img.SigStruct, err = sgx.Sign(layout.MRENCLAVE, &img.Properties, key, time.Now())
	require.NoError(err)
	return img
}

func TestVerify(t *testing.T) {
	require := require.New(t)

	key, err := rsa.GenerateKey(rand.Reader, 3072)
	require.NoError(err)
	policy := sgx.DefaultLayoutPolicy()
	policy.EEIDRange = 1 << 24
	img := baseImage(t, key, policy)
	debugSigner := [32]byte{0xde, 0xb0}

	build := func(t *testing.T, data []byte) (*EEID, [32]byte) {
		e, err := New(img, sgx.SizeSettings{NumHeapPages: 8, NumStackPages: 4, NumTCS: 2}, data)
		require.NoError(err)
		layout, err := sgx.Build(sgx.NewMeasureLoader(), img, sgx.BuildOptions{Policy: policy, Extension: e.Extension()})
		require.NoError(err)
		return e, layout.MRENCLAVE
	}

	t.Run("base measurement", func(t *testing.T) {
		assert := assert.New(t)
		e, extended := build(t, []byte("data"))

		base, err := Remeasure(e, false)
		require.NoError(err)
		assert.Equal(img.SigStruct.EnclaveHash, base)
		again, err := Remeasure(e, true)
		require.NoError(err)
		assert.Equal(extended, again)
		assert.NotEqual(base, extended)
	})

	t.Run("empty data", func(t *testing.T) {
		assert := assert.New(t)
		e, extended := build(t, nil)
		assert.NoError(Verify(Claims{UniqueID: extended, SignerID: debugSigner, ProductID: 5, SecurityVersion: 2, Debug: true}, e, debugSigner))
	})

	e, extended := build(t, []byte("extended init data"))
	valid := Claims{UniqueID: extended, SignerID: debugSigner, ProductID: 5, SecurityVersion: 2, Debug: true}

	testCases := map[string]struct {
		claims  func(c *Claims)
		eeid    func(e *EEID)
		wantErr bool
	}{
		"valid": {},
		"wrong unique id": {
			claims:  func(c *Claims) { c.UniqueID[0] ^= 1 },
			wantErr: true,
		},
		"wrong signer": {
			claims:  func(c *Claims) { c.SignerID = [32]byte{1} },
			wantErr: true,
		},
		"wrong product id": {
			claims:  func(c *Claims) { c.ProductID = 6 },
			wantErr: true,
		},
		"wrong security version": {
			claims:  func(c *Claims) { c.SecurityVersion = 3 },
			wantErr: true,
		},
		"wrong debug": {
			claims:  func(c *Claims) { c.Debug = false },
			wantErr: true,
		},
		"tampered data": {
			eeid:    func(e *EEID) { e.Data = []byte("extended init dat4") },
			wantErr: true,
		},
		"tampered size": {
			eeid:    func(e *EEID) { e.Size.NumHeapPages++ },
			wantErr: true,
		},
		"tampered hash state": {
			eeid:    func(e *EEID) { e.HashState.H[0]++ },
			wantErr: true,
		},
		"truncated signature": {
			eeid:    func(e *EEID) { e.Signature = e.Signature[:100] },
			wantErr: true,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			claims := valid
			if tc.claims != nil {
				tc.claims(&claims)
			}
			modified := *e
			modified.Data = bytes.Clone(e.Data)
			modified.Signature = bytes.Clone(e.Signature)
			if tc.eeid != nil {
				tc.eeid(&modified)
			}

			err := Verify(claims, &modified, debugSigner)
			if tc.wantErr {
				assert.ErrorIs(err, result.VerifyFailed)
				return
			}
			assert.NoError(err)
		})
	}
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	img := &sgx.Image{Properties: sgx.Properties{Size: sgx.SizeSettings{NumHeapPages: 1, NumTCS: 1}}}
	_, err := New(img, sgx.SizeSettings{NumTCS: 2}, nil)
	assert.ErrorIs(err, result.InvalidParameter)

	img.Properties.Size = sgx.SizeSettings{NumTCS: 1}
	_, err = New(img, sgx.SizeSettings{NumTCS: 2}, nil)
	assert.ErrorIs(err, result.InvalidParameter)
}

func FuzzUnmarshal(f *testing.F) {
	f.Add((&EEID{Version: Version, Data: []byte("seed")}).Marshal())

	f.Fuzz(func(t *testing.T, data []byte) {
		e := EEID{Version: Version}
		fuzzConsumer := fuzzheaders.NewConsumer(data)
		if err := fuzzConsumer.GenerateStruct(&e.Size); err != nil {
			return
		}
		var err error
		if e.VAddr, err = fuzzConsumer.GetUint64(); err != nil {
			return
		}
		if e.Data, err = fuzzConsumer.GetBytes(); err != nil {
			return
		}

		var got EEID
		if err := Unmarshal(e.Marshal(), &got); err != nil {
			t.Fatalf("unmarshaling marshaled eeid: %v", err)
		}
		if diff := cmp.Diff(e, got, cmpopts.EquateEmpty()); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}

		_ = Unmarshal(data, &got)
	})
}
