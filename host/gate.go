package host

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/enclave"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// Gate transfers control into an enclave.
//
// Enter corresponds to EENTER with the two gate registers, Resume to ERESUME after a fault was handled.
// Both return the registers control leaves the enclave with.
type Gate interface {
	Enter(tcs memory.Addr, arg1, arg2 uint64, ecallCtx memory.Addr) (calls.Exit, error)
	Resume(tcs memory.Addr) (calls.Exit, error)
	Close()
}

var _ Gate = (*enclave.Runtime)(nil)

// hardwareGate stands in for EENTER on SGX hardware, which cannot be executed from Go.
type hardwareGate struct{}

var errHardwareGate = fmt.Errorf("entering a hardware enclave: %w", result.Unsupported)

func (hardwareGate) Enter(_ memory.Addr, _, _ uint64, _ memory.Addr) (calls.Exit, error) {
	return calls.Exit{}, errHardwareGate
}

func (hardwareGate) Resume(_ memory.Addr) (calls.Exit, error) {
	return calls.Exit{}, errHardwareGate
}

func (hardwareGate) Close() {}
