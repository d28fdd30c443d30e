//go:build linux

package sgx

import (
	"encoding/binary"
	"fmt"
	"os"
	"unsafe"

	"github.com/vtolstov/go-ioctl"
	"golang.org/x/sys/unix"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// DeviceFile is the path of the in-kernel SGX driver.
const DeviceFile = "/dev/sgx_enclave"

// https://github.com/torvalds/linux/blob/v6.1/arch/x86/include/uapi/asm/sgx.h
var (
	sgxIOCEnclaveCreate   = ioctl.IOW(sgxMagic, 0x00, 8)
	sgxIOCEnclaveAddPages = ioctl.IOWR(sgxMagic, 0x01, unsafe.Sizeof(addPagesRequest{}))
	sgxIOCEnclaveInit     = ioctl.IOW(sgxMagic, 0x02, 8)
)

const (
	sgxMagic       = 0xA4
	sgxPageMeasure = 0x01
)

// SECS offsets.
const (
	secsSize         = 0
	secsBase         = 8
	secsSSAFrameSize = 16
	secsAttributes   = 48
	secsXFRM         = 56
	secsConfigID     = 128
	secsISVProdID    = 256
	secsISVSVN       = 258
	secsConfigSVN    = 260
	secsISVFamilyID  = 400
	secsISVExtProdID = 416
)

type createRequest struct {
	src uint64
}

type addPagesRequest struct {
	src     uint64
	offset  uint64
	length  uint64
	secinfo uint64
	flags   uint64
	count   uint64
}

type initRequest struct {
	sigstruct uint64
}

// secInfo must be 64 byte aligned, so it is cut out of a larger buffer.
type secInfo [128]byte

func (s *secInfo) aligned(flags SecInfo) unsafe.Pointer {
	p := unsafe.Pointer(&s[0])
	off := (64 - uintptr(p)%64) % 64
	binary.LittleEndian.PutUint64(s[off:off+8], uint64(flags))
	return unsafe.Pointer(&s[off])
}

type pageRun struct {
	offset uint64
	length uint64
	prot   int
}

// DeviceLoader builds an enclave with the Linux SGX driver.
type DeviceLoader struct {
	recorder
	dev      *os.File
	reserved []byte
	runs     []pageRun

	// ConfigID and ConfigSVN are written to the SECS on Create.
	ConfigID  [64]byte
	ConfigSVN uint16
}

// OpenDevice opens the SGX driver at path.
func OpenDevice(path string) (*DeviceLoader, error) {
	dev, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("opening sgx device: %v: %w", err, result.Unsupported)
	}
	return &DeviceLoader{dev: dev}, nil
}

// Create implements [Loader]. It reserves twice the enclave size so the base can be aligned to the size.
func (l *DeviceLoader) Create(props *Properties, size, loaded uint64) (memory.Addr, error) {
	if props.Flags&FlagCreateZeroBase != 0 {
		return 0, fmt.Errorf("zero base enclaves require a dedicated mapping: %w", result.Unsupported)
	}
	if loaded > size {
		return 0, fmt.Errorf("creating enclave: loaded size exceeds size: %w", result.InvalidParameter)
	}
	reserved, err := unix.Mmap(-1, 0, int(2*size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return 0, fmt.Errorf("reserving enclave range: %w", err)
	}
	start := memory.Addr(uintptr(unsafe.Pointer(&reserved[0])))
	base, ok := start.RoundUp(size)
	if !ok {
		_ = unix.Munmap(reserved)
		return 0, fmt.Errorf("aligning enclave base: %w", result.OutOfMemory)
	}

	var secs [memory.PageSize]byte
	binary.LittleEndian.PutUint64(secs[secsSize:], size)
	binary.LittleEndian.PutUint64(secs[secsBase:], uint64(base))
	binary.LittleEndian.PutUint32(secs[secsSSAFrameSize:], SSAFrameSize)
	binary.LittleEndian.PutUint64(secs[secsAttributes:], props.Attributes)
	binary.LittleEndian.PutUint64(secs[secsXFRM:], props.XFRM)
	copy(secs[secsConfigID:], l.ConfigID[:])
	binary.LittleEndian.PutUint16(secs[secsISVProdID:], uint16(props.ProductID))
	binary.LittleEndian.PutUint16(secs[secsISVSVN:], uint16(props.SecurityVersion))
	binary.LittleEndian.PutUint16(secs[secsConfigSVN:], l.ConfigSVN)
	copy(secs[secsISVFamilyID:], props.FamilyID[:])
	copy(secs[secsISVExtProdID:], props.ExtendedProductID[:])

	req := createRequest{src: uint64(uintptr(unsafe.Pointer(&secs[0])))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, l.dev.Fd(), sgxIOCEnclaveCreate, uintptr(unsafe.Pointer(&req))); errno != 0 {
		_ = unix.Munmap(reserved)
		return 0, fmt.Errorf("creating enclave: %w", errno)
	}
	if err := l.create(base, size); err != nil {
		_ = unix.Munmap(reserved)
		return 0, err
	}
	l.reserved = reserved
	return base, nil
}

// LoadPage implements [Loader].
func (l *DeviceLoader) LoadPage(base, addr memory.Addr, page []byte, flags SecInfo, measure bool) error {
	if err := l.record(base, addr, page, flags, measure); err != nil {
		return err
	}
	if page == nil {
		page = zeroPage[:]
	}

	var si secInfo
	req := addPagesRequest{
		src:     uint64(uintptr(unsafe.Pointer(&page[0]))),
		offset:  uint64(addr - base),
		length:  memory.PageSize,
		secinfo: uint64(uintptr(si.aligned(flags))),
	}
	if measure {
		req.flags = sgxPageMeasure
	}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, l.dev.Fd(), sgxIOCEnclaveAddPages, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return fmt.Errorf("adding page %v: %w", addr, errno)
	}
	if req.count != memory.PageSize {
		return fmt.Errorf("adding page %v: driver added %d bytes", addr, req.count)
	}
	l.addRun(req.offset, flags)
	return nil
}

func (l *DeviceLoader) addRun(offset uint64, flags SecInfo) {
	prot := unix.PROT_NONE
	if flags&SecInfoR != 0 || flags&PageTypeTCS != 0 {
		prot |= unix.PROT_READ
	}
	if flags&SecInfoW != 0 || flags&PageTypeTCS != 0 {
		prot |= unix.PROT_WRITE
	}
	if flags&SecInfoX != 0 {
		prot |= unix.PROT_EXEC
	}
	if n := len(l.runs); n > 0 {
		last := &l.runs[n-1]
		if last.prot == prot && last.offset+last.length == offset {
			last.length += memory.PageSize
			return
		}
	}
	l.runs = append(l.runs, pageRun{offset: offset, length: memory.PageSize, prot: prot})
}

// Finalize implements [Loader]. It initializes the enclave with sig and maps the loaded pages.
func (l *DeviceLoader) Finalize(base memory.Addr, sig *SigStruct) ([32]byte, error) {
	if sig == nil {
		return [32]byte{}, fmt.Errorf("initializing enclave: hardware enclaves must be signed: %w", result.InvalidParameter)
	}
	mrenclave, err := l.finalize()
	if err != nil {
		return [32]byte{}, err
	}

	raw := sig.Marshal()
	req := initRequest{sigstruct: uint64(uintptr(unsafe.Pointer(&raw[0])))}
	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, l.dev.Fd(), sgxIOCEnclaveInit, uintptr(unsafe.Pointer(&req))); errno != 0 {
		return [32]byte{}, fmt.Errorf("initializing enclave: %w", errno)
	}

	for _, run := range l.runs {
		addr := uintptr(base) + uintptr(run.offset)
		if _, _, errno := unix.Syscall6(unix.SYS_MMAP, addr, uintptr(run.length), uintptr(run.prot),
			uintptr(unix.MAP_SHARED|unix.MAP_FIXED), l.dev.Fd(), 0); errno != 0 {
			return [32]byte{}, fmt.Errorf("mapping enclave pages at %#x: %w", addr, errno)
		}
	}
	return mrenclave, nil
}

// Close releases the enclave and the device.
func (l *DeviceLoader) Close() error {
	var err error
	if l.reserved != nil {
		err = unix.Munmap(l.reserved)
		l.reserved = nil
	}
	if cerr := l.dev.Close(); err == nil {
		err = cerr
	}
	return err
}
