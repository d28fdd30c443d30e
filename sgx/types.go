/*
Package sgx implements the enclave image format and the construction of an enclave from it.

An enclave is built page by page. Every page is handed to a [Loader], which adds it to the
protected range and folds it into the enclave's measurement (MRENCLAVE):

	+--------------------+  base
	|    image pages     |  measured
	+--------------------+
	|     heap pages     |  not measured, zero
	+--------------------+
	|  thread section 0  |  guard | stack | guard | TCS | SSA | SSA | guard | TLS | TD
	|        ...         |
	|  thread section n  |
	+--------------------+
	| extended init data |  optional
	+--------------------+
	|  (unused, size is  |
	|   a power of two)  |
	+--------------------+  base + size

The measurement together with the image's properties is signed in a [SigStruct].
*/
package sgx

import (
	"encoding/binary"
	"fmt"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// Enclave attribute flags.
const (
	AttributeInit      uint64 = 0x01
	AttributeDebug     uint64 = 0x02
	AttributeMode64Bit uint64 = 0x04
	AttributeKSS       uint64 = 0x80

	knownAttributes = AttributeDebug | AttributeMode64Bit | AttributeKSS
)

// SecInfo holds the permission and type flags of a page.
type SecInfo uint64

// Page flags.
const (
	SecInfoR SecInfo = 0x1
	SecInfoW SecInfo = 0x2
	SecInfoX SecInfo = 0x4
	// PageTypeTCS marks a thread control structure.
	PageTypeTCS SecInfo = 0x100
	// PageTypeReg marks a regular page.
	PageTypeReg SecInfo = 0x200

	secInfoPermissions = SecInfoR | SecInfoW | SecInfoX
	secInfoTypes       = PageTypeTCS | PageTypeReg
)

func (s SecInfo) valid() bool {
	if s&^(secInfoPermissions|secInfoTypes) != 0 {
		return false
	}
	t := s & secInfoTypes
	return t == PageTypeReg || t == PageTypeTCS
}

// Limits of the size settings and the thread layout.
const (
	// MaxTCS is the maximum number of thread slots of an enclave.
	MaxTCS = 32
	// MaxHeapPages is the maximum number of heap pages.
	MaxHeapPages = 1 << 20
	// MaxStackPages is the maximum number of stack pages per thread.
	MaxStackPages = 1 << 16
	// MaxImagePages is the maximum number of pages of an image.
	MaxImagePages = 1 << 20
	// NumSSA is the number of fault save slots per thread.
	NumSSA = 2
	// SSAFrameSize is the size of a save slot in pages.
	SSAFrameSize = 1
	// StackFill is the pattern stack pages are initialized with.
	StackFill = 0xcccccccc
)

// ConfigFlags are configuration bits of an image.
type ConfigFlags uint32

const (
	// FlagCaptureFaults requests that page and protection faults are reported to exception handlers.
	FlagCaptureFaults ConfigFlags = 1 << iota
	// FlagCreateZeroBase requests an enclave with base address 0, mapped starting at StartAddress.
	FlagCreateZeroBase
)

// SizeSettings configures the dynamically sized parts of an enclave.
type SizeSettings struct {
	NumHeapPages  uint64
	NumStackPages uint64
	NumTCS        uint64
}

// Properties are the metadata of an enclave image.
type Properties struct {
	Size       SizeSettings
	Attributes uint64
	XFRM       uint64
	// ProductID and SecurityVersion are 16 bit values stored in 32 bit fields.
	ProductID         uint32
	SecurityVersion   uint32
	Flags             ConfigFlags
	StartAddress      uint64
	FamilyID          [16]byte
	ExtendedProductID [16]byte
}

// Debug reports whether the properties allow debugging.
func (p *Properties) Debug() bool {
	return p.Attributes&AttributeDebug != 0
}

// TCS is the thread control structure written to a TCS page.
// All addresses are offsets relative to the enclave base.
type TCS struct {
	Flags   uint64
	OSSA    uint64
	CSSA    uint32
	NSSA    uint32
	OEntry  uint64
	OFSBase uint64
	OGSBase uint64
	FSLimit uint32
	GSLimit uint32
}

// Marshal serializes the TCS to its page representation.
func (t *TCS) Marshal() [memory.PageSize]byte {
	var page [memory.PageSize]byte
	binary.LittleEndian.PutUint64(page[8:16], t.Flags)
	binary.LittleEndian.PutUint64(page[16:24], t.OSSA)
	binary.LittleEndian.PutUint32(page[24:28], t.CSSA)
	binary.LittleEndian.PutUint32(page[28:32], t.NSSA)
	binary.LittleEndian.PutUint64(page[32:40], t.OEntry)
	binary.LittleEndian.PutUint64(page[48:56], t.OFSBase)
	binary.LittleEndian.PutUint64(page[56:64], t.OGSBase)
	binary.LittleEndian.PutUint32(page[64:68], t.FSLimit)
	binary.LittleEndian.PutUint32(page[68:72], t.GSLimit)
	return page
}

// ParseTCS parses a TCS page.
func ParseTCS(page []byte) (TCS, error) {
	if len(page) < 72 {
		return TCS{}, fmt.Errorf("tcs: need 72 bytes, got %d: %w", len(page), result.InvalidParameter)
	}
	return TCS{
		Flags:   binary.LittleEndian.Uint64(page[8:16]),
		OSSA:    binary.LittleEndian.Uint64(page[16:24]),
		CSSA:    binary.LittleEndian.Uint32(page[24:28]),
		NSSA:    binary.LittleEndian.Uint32(page[28:32]),
		OEntry:  binary.LittleEndian.Uint64(page[32:40]),
		OFSBase: binary.LittleEndian.Uint64(page[48:56]),
		OGSBase: binary.LittleEndian.Uint64(page[56:64]),
		FSLimit: binary.LittleEndian.Uint32(page[64:68]),
		GSLimit: binary.LittleEndian.Uint32(page[68:72]),
	}, nil
}
