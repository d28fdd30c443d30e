package sgx

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

const (
	imageMagic    = "OEIMAGE\x00"
	imageVersion  = 1
	headerSize    = memory.PageSize
	sigStructOff  = 256
	flagEntrySize = 8
)

// Page is an image page and its flags.
type Page struct {
	Flags SecInfo
	Data  []byte
}

// Image is a persisted enclave image.
//
// The file layout is a header page, a table of page flags padded to a page boundary, and the pages.
// The header holds the image's properties at fixed offsets and an optional embedded SIGSTRUCT.
type Image struct {
	EntryRVA     uint64
	TLSPageCount uint64
	Properties   Properties
	SigStruct    *SigStruct
	Pages        []Page
}

// Marshal serializes the image to its file representation.
func (img *Image) Marshal() ([]byte, error) {
	if len(img.Pages) > MaxImagePages {
		return nil, fmt.Errorf("image has %d pages, at most %d are supported", len(img.Pages), MaxImagePages)
	}

	var header [headerSize]byte
	copy(header[0:8], imageMagic)
	binary.LittleEndian.PutUint32(header[8:12], imageVersion)
	binary.LittleEndian.PutUint32(header[12:16], uint32(len(img.Pages)))
	binary.LittleEndian.PutUint64(header[16:24], img.EntryRVA)
	binary.LittleEndian.PutUint64(header[24:32], img.TLSPageCount)
	props := img.Properties.marshal()
	copy(header[32:128], props[:])
	if img.SigStruct != nil {
		binary.LittleEndian.PutUint32(header[128:132], 1)
		sig := img.SigStruct.Marshal()
		copy(header[sigStructOff:sigStructOff+SigStructSize], sig[:])
	}

	flagsSize := roundUpPage(uint64(len(img.Pages)) * flagEntrySize)
	buf := bytes.NewBuffer(make([]byte, 0, headerSize+flagsSize+uint64(len(img.Pages))*memory.PageSize))
	buf.Write(header[:])
	flags := make([]byte, flagsSize)
	for i, p := range img.Pages {
		if len(p.Data) != memory.PageSize {
			return nil, fmt.Errorf("page %d: has %d bytes, expected %d", i, len(p.Data), memory.PageSize)
		}
		binary.LittleEndian.PutUint64(flags[i*flagEntrySize:], uint64(p.Flags))
	}
	buf.Write(flags)
	for _, p := range img.Pages {
		buf.Write(p.Data)
	}
	return buf.Bytes(), nil
}

// ParseImage parses an image from its file representation.
// The properties are parsed but not validated, see [ValidateProperties].
func ParseImage(raw []byte) (*Image, error) {
	if len(raw) < headerSize {
		return nil, fmt.Errorf("image header: need %d bytes, got %d: %w", headerSize, len(raw), result.InvalidParameter)
	}
	if string(raw[0:8]) != imageMagic {
		return nil, fmt.Errorf("image header: bad magic %q: %w", raw[0:8], result.InvalidParameter)
	}
	if version := binary.LittleEndian.Uint32(raw[8:12]); version != imageVersion {
		return nil, fmt.Errorf("image header: unsupported version %d: %w", version, result.InvalidParameter)
	}
	numPages := uint64(binary.LittleEndian.Uint32(raw[12:16]))
	if numPages > MaxImagePages {
		return nil, fmt.Errorf("image header: %d pages exceed the maximum of %d: %w", numPages, MaxImagePages, result.InvalidParameter)
	}

	img := &Image{
		EntryRVA:     binary.LittleEndian.Uint64(raw[16:24]),
		TLSPageCount: binary.LittleEndian.Uint64(raw[24:32]),
		Properties:   parseProperties(raw[32:128]),
	}
	if binary.LittleEndian.Uint32(raw[128:132]) != 0 {
		sig, err := ParseSigStruct(raw[sigStructOff : sigStructOff+SigStructSize])
		if err != nil {
			return nil, fmt.Errorf("image header: %w", err)
		}
		img.SigStruct = &sig
	}

	flagsSize := roundUpPage(numPages * flagEntrySize)
	want := headerSize + flagsSize + numPages*memory.PageSize
	if uint64(len(raw)) != want {
		return nil, fmt.Errorf("image: expected %d bytes for %d pages, got %d: %w", want, numPages, len(raw), result.InvalidParameter)
	}
	flags := raw[headerSize : headerSize+flagsSize]
	pages := raw[headerSize+flagsSize:]
	img.Pages = make([]Page, numPages)
	for i := range img.Pages {
		f := SecInfo(binary.LittleEndian.Uint64(flags[i*flagEntrySize:]))
		if !f.valid() {
			return nil, fmt.Errorf("page %d: invalid flags %#x: %w", i, uint64(f), result.InvalidParameter)
		}
		data := make([]byte, memory.PageSize)
		copy(data, pages[i*memory.PageSize:])
		img.Pages[i] = Page{Flags: f, Data: data}
	}
	return img, nil
}

// ReadImage reads an image from a file.
func ReadImage(path string) (*Image, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	return ParseImage(raw)
}

// WriteImage writes an image to a file.
func WriteImage(path string, img *Image) error {
	raw, err := img.Marshal()
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o644)
}

func (p *Properties) marshal() [96]byte {
	var out [96]byte
	binary.LittleEndian.PutUint64(out[0:8], p.Size.NumHeapPages)
	binary.LittleEndian.PutUint64(out[8:16], p.Size.NumStackPages)
	binary.LittleEndian.PutUint64(out[16:24], p.Size.NumTCS)
	binary.LittleEndian.PutUint64(out[24:32], p.Attributes)
	binary.LittleEndian.PutUint64(out[32:40], p.XFRM)
	binary.LittleEndian.PutUint32(out[40:44], p.ProductID)
	binary.LittleEndian.PutUint32(out[44:48], p.SecurityVersion)
	binary.LittleEndian.PutUint32(out[48:52], uint32(p.Flags))
	binary.LittleEndian.PutUint64(out[56:64], p.StartAddress)
	copy(out[64:80], p.FamilyID[:])
	copy(out[80:96], p.ExtendedProductID[:])
	return out
}

func parseProperties(b []byte) Properties {
	p := Properties{
		Size: SizeSettings{
			NumHeapPages:  binary.LittleEndian.Uint64(b[0:8]),
			NumStackPages: binary.LittleEndian.Uint64(b[8:16]),
			NumTCS:        binary.LittleEndian.Uint64(b[16:24]),
		},
		Attributes:      binary.LittleEndian.Uint64(b[24:32]),
		XFRM:            binary.LittleEndian.Uint64(b[32:40]),
		ProductID:       binary.LittleEndian.Uint32(b[40:44]),
		SecurityVersion: binary.LittleEndian.Uint32(b[44:48]),
		Flags:           ConfigFlags(binary.LittleEndian.Uint32(b[48:52])),
		StartAddress:    binary.LittleEndian.Uint64(b[56:64]),
	}
	copy(p.FamilyID[:], b[64:80])
	copy(p.ExtendedProductID[:], b[80:96])
	return p
}

func roundUpPage(n uint64) uint64 {
	return (n + memory.PageSize - 1) &^ (memory.PageSize - 1)
}
