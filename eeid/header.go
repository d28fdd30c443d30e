package eeid

import (
	"encoding/binary"
	"fmt"

	"github.com/edgelesssys/go-enclave/result"
)

// Types of framed attestation data.
const (
	TypeEvidence     uint32 = 1
	TypeEndorsements uint32 = 2
)

// HeaderVersion is the supported framing version.
const HeaderVersion = 1

const frameHeaderSize = 4 + 4 + 8

// Frame is evidence or endorsements of an extended enclave, prefixed with a header in network byte order:
// version (u32) | type (u32) | size (u64) | data.
type Frame struct {
	Version uint32
	Type    uint32
	Data    []byte
}

// Marshal serializes f.
func (f *Frame) Marshal() []byte {
	out := make([]byte, 0, frameHeaderSize+len(f.Data))
	out = binary.BigEndian.AppendUint32(out, f.Version)
	out = binary.BigEndian.AppendUint32(out, f.Type)
	out = binary.BigEndian.AppendUint64(out, uint64(len(f.Data)))
	return append(out, f.Data...)
}

// UnmarshalFrame parses a frame of the expected type.
func UnmarshalFrame(b []byte, wantType uint32) (Frame, error) {
	if len(b) < frameHeaderSize {
		return Frame{}, fmt.Errorf("frame: need %d bytes, got %d: %w", frameHeaderSize, len(b), result.BufferTooSmall)
	}
	f := Frame{
		Version: binary.BigEndian.Uint32(b[0:4]),
		Type:    binary.BigEndian.Uint32(b[4:8]),
	}
	size := binary.BigEndian.Uint64(b[8:16])
	switch {
	case f.Version != HeaderVersion:
		return Frame{}, fmt.Errorf("frame: unsupported version %d: %w", f.Version, result.InvalidParameter)
	case f.Type != wantType:
		return Frame{}, fmt.Errorf("frame: type %d, expected %d: %w", f.Type, wantType, result.InvalidParameter)
	case size != uint64(len(b)-frameHeaderSize):
		return Frame{}, fmt.Errorf("frame: announced %d bytes of data, got %d: %w", size, len(b)-frameHeaderSize, result.InvalidParameter)
	}
	f.Data = append([]byte(nil), b[frameHeaderSize:]...)
	return f, nil
}
