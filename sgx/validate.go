package sgx

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// ValidateProperties checks every field of p against its allowed range.
// The error names the first field that failed.
func ValidateProperties(p *Properties) error {
	if p.Attributes&^knownAttributes != 0 || p.Attributes&AttributeMode64Bit == 0 {
		return invalidField("attributes", p.Attributes)
	}
	if p.Size.NumHeapPages > MaxHeapPages {
		return invalidField("num_heap_pages", p.Size.NumHeapPages)
	}
	if p.Size.NumStackPages > MaxStackPages {
		return invalidField("num_stack_pages", p.Size.NumStackPages)
	}
	if p.Size.NumTCS == 0 || p.Size.NumTCS > MaxTCS {
		return invalidField("num_tcs", p.Size.NumTCS)
	}
	if p.Flags&FlagCreateZeroBase != 0 {
		if p.StartAddress == 0 || !memory.Addr(p.StartAddress).IsAligned(memory.PageSize) {
			return invalidField("start_address", p.StartAddress)
		}
	} else if p.StartAddress != 0 {
		return invalidField("start_address", p.StartAddress)
	}
	if p.Flags&^(FlagCaptureFaults|FlagCreateZeroBase) != 0 {
		return invalidField("flags", uint64(p.Flags))
	}
	if p.ProductID > 0xFFFF {
		return invalidField("product_id", uint64(p.ProductID))
	}
	if p.SecurityVersion > 0xFFFF {
		return invalidField("security_version", uint64(p.SecurityVersion))
	}
	if p.Attributes&AttributeKSS == 0 {
		if p.FamilyID != [16]byte{} {
			return fmt.Errorf("invalid family_id: requires the KSS attribute: %w", result.InvalidParameter)
		}
		if p.ExtendedProductID != [16]byte{} {
			return fmt.Errorf("invalid extended_product_id: requires the KSS attribute: %w", result.InvalidParameter)
		}
	}
	return nil
}

// ValidateImage validates the properties and checks that the entry point lies within the image.
func ValidateImage(img *Image) error {
	if err := ValidateProperties(&img.Properties); err != nil {
		return err
	}
	if len(img.Pages) == 0 {
		return fmt.Errorf("invalid image: no pages: %w", result.InvalidParameter)
	}
	if img.EntryRVA >= uint64(len(img.Pages))*memory.PageSize {
		return invalidField("entry_rva", img.EntryRVA)
	}
	if img.TLSPageCount > MaxStackPages {
		return invalidField("tls_page_count", img.TLSPageCount)
	}
	return nil
}

// ApplyDebug consolidates the debug request of the host with the image's properties.
// Requesting debug mode for an image that does not allow it is a downgrade and fails.
func ApplyDebug(p *Properties, debug bool) error {
	if debug && !p.Debug() {
		return fmt.Errorf("image does not allow debug mode: %w", result.DebugDowngrade)
	}
	if !debug {
		p.Attributes &^= AttributeDebug
	}
	return nil
}

func invalidField(name string, v uint64) error {
	return fmt.Errorf("invalid %s: %#x: %w", name, v, result.InvalidParameter)
}
