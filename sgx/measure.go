package sgx

import (
	"crypto/sha256"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

const extendChunk = 256

// Measurement computes MRENCLAVE from the sequence of build operations.
//
// Every operation appends a record that is a multiple of the SHA-256 block size,
// so the hash state between two operations can be exported as a checkpoint.
type Measurement struct {
	h hash.Hash
}

// NewMeasurement starts a new measurement.
func NewMeasurement() *Measurement {
	return &Measurement{h: sha256.New()}
}

// ECreate records the creation of an enclave of size bytes.
//
// Format: "ECREATE\0" | SSA frame size (u32) | size (u64) | 44 zero bytes.
func (m *Measurement) ECreate(ssaFrameSize uint32, size uint64) {
	var rec [64]byte
	copy(rec[0:8], "ECREATE\x00")
	binary.LittleEndian.PutUint32(rec[8:12], ssaFrameSize)
	binary.LittleEndian.PutUint64(rec[12:20], size)
	m.h.Write(rec[:])
}

// EAdd records the addition of a page at offset.
//
// Format: "EADD\0\0\0\0" | offset (u64) | secinfo flags (u64) | 40 zero bytes.
func (m *Measurement) EAdd(offset uint64, flags SecInfo) {
	var rec [64]byte
	copy(rec[0:8], "EADD\x00\x00\x00\x00")
	binary.LittleEndian.PutUint64(rec[8:16], offset)
	binary.LittleEndian.PutUint64(rec[16:24], uint64(flags))
	m.h.Write(rec[:])
}

// EExtend records the measurement of a 256 byte chunk at offset.
//
// Format: "EEXTEND\0" | offset (u64) | 48 zero bytes | chunk.
func (m *Measurement) EExtend(offset uint64, chunk []byte) error {
	if len(chunk) != extendChunk {
		return fmt.Errorf("extending measurement: chunk has %d bytes, expected %d", len(chunk), extendChunk)
	}
	var rec [64]byte
	copy(rec[0:8], "EEXTEND\x00")
	binary.LittleEndian.PutUint64(rec[8:16], offset)
	m.h.Write(rec[:])
	m.h.Write(chunk)
	return nil
}

// AddPage records the addition of page at offset and, if measure is set, its content.
func (m *Measurement) AddPage(offset uint64, page []byte, flags SecInfo, measure bool) error {
	if len(page) != memory.PageSize {
		return fmt.Errorf("adding page at %#x: has %d bytes, expected %d", offset, len(page), memory.PageSize)
	}
	m.EAdd(offset, flags)
	if !measure {
		return nil
	}
	for i := 0; i < memory.PageSize; i += extendChunk {
		if err := m.EExtend(offset+uint64(i), page[i:i+extendChunk]); err != nil {
			return err
		}
	}
	return nil
}

// Sum returns the measurement so far without finalizing m.
func (m *Measurement) Sum() [32]byte {
	var out [32]byte
	copy(out[:], m.h.Sum(nil))
	return out
}

// HashState is an intermediate SHA-256 state taken at a block boundary.
type HashState struct {
	H [8]uint32
	// N is the number of hashed bytes, low word first.
	N [2]uint32
}

// Layout of a marshaled crypto/sha256 digest: magic | h[8] | block | length.
const (
	sha256Magic         = "sha\x03"
	sha256Block         = 64
	sha256MarshaledSize = len(sha256Magic) + 8*4 + sha256Block + 8
)

// Checkpoint exports the current hash state.
func (m *Measurement) Checkpoint() (HashState, error) {
	marshaler, ok := m.h.(encoding.BinaryMarshaler)
	if !ok {
		return HashState{}, errors.New("hash does not support checkpoints")
	}
	raw, err := marshaler.MarshalBinary()
	if err != nil {
		return HashState{}, fmt.Errorf("exporting hash state: %w", err)
	}
	if len(raw) != sha256MarshaledSize || string(raw[:len(sha256Magic)]) != sha256Magic {
		return HashState{}, errors.New("exporting hash state: unexpected state format")
	}

	var st HashState
	off := len(sha256Magic)
	for i := range st.H {
		st.H[i] = binary.BigEndian.Uint32(raw[off+4*i:])
	}
	n := binary.BigEndian.Uint64(raw[len(raw)-8:])
	if n%sha256Block != 0 {
		return HashState{}, fmt.Errorf("exporting hash state: %d bytes hashed is not at a block boundary", n)
	}
	st.N = [2]uint32{uint32(n), uint32(n >> 32)}
	return st, nil
}

// RestoreMeasurement continues a measurement from a checkpoint.
func RestoreMeasurement(st HashState) (*Measurement, error) {
	n := uint64(st.N[1])<<32 | uint64(st.N[0])
	if n%sha256Block != 0 {
		return nil, fmt.Errorf("restoring hash state: %d bytes hashed is not at a block boundary: %w", n, result.InvalidParameter)
	}

	raw := make([]byte, 0, sha256MarshaledSize)
	raw = append(raw, sha256Magic...)
	for _, h := range st.H {
		raw = binary.BigEndian.AppendUint32(raw, h)
	}
	raw = append(raw, make([]byte, sha256Block)...)
	raw = binary.BigEndian.AppendUint64(raw, n)

	h := sha256.New()
	unmarshaler, ok := h.(encoding.BinaryUnmarshaler)
	if !ok {
		return nil, errors.New("hash does not support checkpoints")
	}
	if err := unmarshaler.UnmarshalBinary(raw); err != nil {
		return nil, fmt.Errorf("restoring hash state: %w", err)
	}
	return &Measurement{h: h}, nil
}
