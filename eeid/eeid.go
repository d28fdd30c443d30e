// Package eeid implements extended enclave initialization data.
//
// A base image with no heap, no stack and a single thread is completed at load time with size
// settings and data chosen by the host. The EEID is appended to the enclave as measured pages and
// carries everything a verifier needs to relate the resulting measurement to the signed base image:
// the hash state after the image pages, the size settings and the base image's SIGSTRUCT.
package eeid

import (
	"encoding/binary"
	"fmt"

	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

// Version is the supported EEID version.
const Version = 1

// HeaderSize is the size of a marshaled EEID without data and signature.
const HeaderSize = 4 + 8*4 + 2*4 + 8 + 3*8 + 3*8 + 8

// EEID is the extended enclave initialization data.
type EEID struct {
	Version uint32
	// HashState is the measurement state after the image pages.
	HashState sgx.HashState
	// Size are the size settings of the extended enclave.
	Size sgx.SizeSettings
	// VAddr is the offset of the first data page.
	VAddr        uint64
	EntryPoint   uint64
	TLSPageCount uint64
	Data         []byte
	// Signature is the SIGSTRUCT of the base image.
	Signature []byte
}

// ByteSize returns the size of the marshaled EEID.
func (e *EEID) ByteSize() uint64 {
	return HeaderSize + uint64(len(e.Data)) + uint64(len(e.Signature))
}

// IsBaseImage reports whether size describes a base image.
func IsBaseImage(size sgx.SizeSettings) bool {
	return sgx.IsExtensionBase(size)
}

// Marshal serializes e with all fields in big-endian byte order.
func (e *EEID) Marshal() []byte {
	out := make([]byte, 0, e.ByteSize())
	out = binary.BigEndian.AppendUint32(out, e.Version)
	for _, h := range e.HashState.H {
		out = binary.BigEndian.AppendUint32(out, h)
	}
	for _, n := range e.HashState.N {
		out = binary.BigEndian.AppendUint32(out, n)
	}
	out = binary.BigEndian.AppendUint64(out, uint64(len(e.Signature)))
	out = binary.BigEndian.AppendUint64(out, e.Size.NumHeapPages)
	out = binary.BigEndian.AppendUint64(out, e.Size.NumStackPages)
	out = binary.BigEndian.AppendUint64(out, e.Size.NumTCS)
	out = binary.BigEndian.AppendUint64(out, e.VAddr)
	out = binary.BigEndian.AppendUint64(out, e.EntryPoint)
	out = binary.BigEndian.AppendUint64(out, e.TLSPageCount)
	out = binary.BigEndian.AppendUint64(out, uint64(len(e.Data)))
	out = append(out, e.Data...)
	return append(out, e.Signature...)
}

// Unmarshal parses an EEID from b into e.
// Trailing bytes, e.g. page padding, are ignored. e is left untouched if parsing fails.
func Unmarshal(b []byte, e *EEID) error {
	r := reader{buf: b}
	var out EEID
	out.Version = r.uint32()
	for i := range out.HashState.H {
		out.HashState.H[i] = r.uint32()
	}
	for i := range out.HashState.N {
		out.HashState.N[i] = r.uint32()
	}
	sigSize := r.uint64()
	out.Size.NumHeapPages = r.uint64()
	out.Size.NumStackPages = r.uint64()
	out.Size.NumTCS = r.uint64()
	out.VAddr = r.uint64()
	out.EntryPoint = r.uint64()
	out.TLSPageCount = r.uint64()
	dataSize := r.uint64()
	if r.err != nil {
		return r.err
	}
	if out.Version != Version {
		return fmt.Errorf("eeid: unsupported version %d: %w", out.Version, result.InvalidParameter)
	}
	out.Data = r.bytes(dataSize)
	out.Signature = r.bytes(sigSize)
	if r.err != nil {
		return r.err
	}
	*e = out
	return nil
}

type reader struct {
	buf []byte
	err error
}

func (r *reader) next(n uint64) []byte {
	if r.err != nil {
		return nil
	}
	if uint64(len(r.buf)) < n {
		r.err = fmt.Errorf("eeid: need %d more bytes, got %d: %w", n, len(r.buf), result.BufferTooSmall)
		return nil
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b
}

func (r *reader) uint32() uint32 {
	if b := r.next(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) uint64() uint64 {
	if b := r.next(8); b != nil {
		return binary.BigEndian.Uint64(b)
	}
	return 0
}

func (r *reader) bytes(n uint64) []byte {
	b := r.next(n)
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, n)
	copy(out, b)
	return out
}
