package eeid

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

// New returns an EEID completing the base image img with size settings and data.
// The base image must carry its SIGSTRUCT.
func New(img *sgx.Image, size sgx.SizeSettings, data []byte) (*EEID, error) {
	if !IsBaseImage(img.Properties.Size) {
		return nil, fmt.Errorf("eeid: image is not a base image: %w", result.InvalidParameter)
	}
	if img.SigStruct == nil {
		return nil, fmt.Errorf("eeid: base image is not signed: %w", result.InvalidParameter)
	}
	sig := img.SigStruct.Marshal()
	return &EEID{
		Version:      Version,
		Size:         size,
		EntryPoint:   img.EntryRVA,
		TLSPageCount: img.TLSPageCount,
		Data:         data,
		Signature:    sig[:],
	}, nil
}

// Extension returns the build extension appending e to the enclave.
// The hash state and the data offset of e are filled in while the enclave is built.
func (e *EEID) Extension() *sgx.Extension {
	return &sgx.Extension{
		Size:   e.Size,
		Length: e.ByteSize(),
		Seal: func(state sgx.HashState, dataStart uint64) ([]byte, error) {
			e.HashState = state
			e.VAddr = dataStart
			return e.Marshal(), nil
		},
	}
}

// Remeasure computes the measurement of an enclave from the hash state in e.
// With withEEIDPages the result is the measurement of the extended enclave.
// Otherwise it is the measurement of the base image, which the base SIGSTRUCT signs.
func Remeasure(e *EEID, withEEIDPages bool) ([32]byte, error) {
	m, err := sgx.RestoreMeasurement(e.HashState)
	if err != nil {
		return [32]byte{}, err
	}
	size := sgx.SizeSettings{NumTCS: 1}
	if withEEIDPages {
		size = e.Size
	}
	end, err := sgx.MeasureDataPages(m, e.VAddr, e.EntryPoint, e.TLSPageCount, size)
	if err != nil {
		return [32]byte{}, fmt.Errorf("remeasuring data pages: %w", err)
	}
	if withEEIDPages {
		if err := sgx.MeasureExtensionPages(m, end, e.Marshal()); err != nil {
			return [32]byte{}, fmt.Errorf("remeasuring eeid pages: %w", err)
		}
	}
	return m.Sum(), nil
}

// Claims are the identity of an extended enclave as reported by its evidence.
type Claims struct {
	UniqueID        [32]byte
	SignerID        [32]byte
	ProductID       uint16
	SecurityVersion uint16
	Debug           bool
}

// Verify checks that claims describe the extended enclave e, whose base image was signed by the
// SIGSTRUCT in e. Extended enclaves are signed at load time by debugSigner.
func Verify(claims Claims, e *EEID, debugSigner [32]byte) error {
	extended, err := Remeasure(e, true)
	if err != nil {
		return err
	}
	if extended != claims.UniqueID {
		return fmt.Errorf("eeid: extended measurement does not match the unique id: %w", result.VerifyFailed)
	}

	sig, err := BaseSigStruct(e)
	if err != nil {
		return err
	}
	base, err := Remeasure(e, false)
	if err != nil {
		return err
	}
	if base != sig.EnclaveHash {
		return fmt.Errorf("eeid: base measurement does not match the base signature: %w", result.VerifyFailed)
	}
	if err := sig.Verify(); err != nil {
		return fmt.Errorf("eeid: base signature: %w", err)
	}

	switch {
	case claims.SignerID != debugSigner:
		return fmt.Errorf("eeid: enclave is not signed by the debug signer: %w", result.VerifyFailed)
	case claims.ProductID != sig.ISVProdID:
		return fmt.Errorf("eeid: product id %d does not match the base image's %d: %w", claims.ProductID, sig.ISVProdID, result.VerifyFailed)
	case claims.SecurityVersion != sig.ISVSVN:
		return fmt.Errorf("eeid: security version %d does not match the base image's %d: %w", claims.SecurityVersion, sig.ISVSVN, result.VerifyFailed)
	case claims.Debug != (sig.Attributes&sgx.AttributeDebug != 0):
		return fmt.Errorf("eeid: debug attribute does not match the base image: %w", result.VerifyFailed)
	}
	return nil
}

// BaseSigStruct parses the SIGSTRUCT of the base image.
func BaseSigStruct(e *EEID) (*sgx.SigStruct, error) {
	if len(e.Signature) != sgx.SigStructSize {
		return nil, fmt.Errorf("eeid: base signature has %d bytes, expected %d: %w", len(e.Signature), sgx.SigStructSize, result.VerifyFailed)
	}
	sig, err := sgx.ParseSigStruct(e.Signature)
	if err != nil {
		return nil, fmt.Errorf("eeid: base signature: %v: %w", err, result.VerifyFailed)
	}
	return &sig, nil
}
