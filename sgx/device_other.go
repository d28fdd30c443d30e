//go:build !linux

package sgx

import (
	"errors"
	"fmt"

	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// DeviceFile is the path of the in-kernel SGX driver.
const DeviceFile = "/dev/sgx_enclave"

var errNoDevice = fmt.Errorf("sgx devices are only supported on linux: %w", result.Unsupported)

// DeviceLoader builds an enclave with the Linux SGX driver.
type DeviceLoader struct {
	ConfigID  [64]byte
	ConfigSVN uint16
}

// OpenDevice opens the SGX driver at path.
func OpenDevice(_ string) (*DeviceLoader, error) {
	return nil, errNoDevice
}

// Create implements [Loader].
func (l *DeviceLoader) Create(_ *Properties, _, _ uint64) (memory.Addr, error) {
	return 0, errNoDevice
}

// LoadPage implements [Loader].
func (l *DeviceLoader) LoadPage(_, _ memory.Addr, _ []byte, _ SecInfo, _ bool) error {
	return errNoDevice
}

// Checkpoint implements [Loader].
func (l *DeviceLoader) Checkpoint() (HashState, error) {
	return HashState{}, errNoDevice
}

// Finalize implements [Loader].
func (l *DeviceLoader) Finalize(_ memory.Addr, _ *SigStruct) ([32]byte, error) {
	return [32]byte{}, errNoDevice
}

// Close releases the enclave and the device.
func (l *DeviceLoader) Close() error {
	return errors.New("sgx devices are only supported on linux")
}
