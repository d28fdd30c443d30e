package enclave

import (
	"fmt"
	"runtime"

	"github.com/sirupsen/logrus"

	"github.com/edgelesssys/go-enclave/attestation"
	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/eeid"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// Env is the view of the enclave a running ECALL has.
// It must only be used by the goroutine the ECALL runs on.
type Env struct {
	rt *Runtime
	th *thread
	// dead is set when the call was abandoned. The slot may belong to someone else by then.
	dead bool
}

// leave ends the goroutine of an abandoned call.
func (e *Env) leave() {
	e.dead = true
	runtime.Goexit()
}

func (e *Env) alive() error {
	if e.dead {
		return result.EnclaveAborted
	}
	return nil
}

// Log returns the enclave logger.
func (e *Env) Log() *logrus.Entry {
	return e.rt.log
}

// Slot returns the index of the slot the call runs on.
func (e *Env) Slot() int {
	return e.th.index
}

// Depth returns the ECALL nesting depth of the slot.
func (e *Env) Depth() int {
	if e.dead {
		return 0
	}
	return e.th.depth()
}

// State returns the dispatch state of the slot.
func (e *Env) State() State {
	if e.dead {
		return StateAborted
	}
	return e.th.state
}

// ControlState returns the floating point control state of the slot.
func (e *Env) ControlState() ControlState {
	return e.th.ctrl
}

// SetControlState changes the floating point control state of the slot.
func (e *Env) SetControlState(cs ControlState) {
	if !e.dead {
		e.th.ctrl = cs
	}
}

// CallHost calls host function fn with input. outputSize is the capacity for output after the return header.
func (e *Env) CallHost(fn uint64, input []byte, outputSize uint64) (*Reply, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	return e.rt.callHost(e, fn, input, outputSize, false)
}

// CallHostSwitchless is CallHost through a host switchless worker, falling back to an OCALL if none is free.
func (e *Env) CallHostSwitchless(fn uint64, input []byte, outputSize uint64) (*Reply, error) {
	if err := e.alive(); err != nil {
		return nil, err
	}
	return e.rt.callHost(e, fn, input, outputSize, true)
}

// Malloc allocates n bytes on the enclave heap.
func (e *Env) Malloc(n uint64) (memory.Addr, error) {
	return e.rt.heap.Alloc(n)
}

// Free releases an enclave heap allocation.
func (e *Env) Free(a memory.Addr) error {
	return e.rt.heap.Free(a)
}

// Alloc copies data to a new enclave heap allocation. It is used to return variable length output.
func (e *Env) Alloc(data []byte) (memory.Addr, error) {
	a, err := e.rt.heap.Alloc(uint64(len(data)))
	if err != nil {
		return 0, err
	}
	if err := e.rt.space.Write(a, data); err != nil {
		_ = e.rt.heap.Free(a)
		return 0, err
	}
	return a, nil
}

// ReplyDeepCopy writes a successful return header followed by payload to out. The header hands
// an enclave heap copy of data to the host, which receives it as variable length output.
func (e *Env) ReplyDeepCopy(out, payload, data []byte) (uint64, error) {
	n, err := calls.Reply(out, payload)
	if err != nil {
		return 0, err
	}
	a, err := e.Alloc(data)
	if err != nil {
		return 0, err
	}
	if err := calls.PutReturnArgs(out, calls.ReturnArgs{DeepCopyBuffer: uint64(a), DeepCopySize: uint64(len(data))}); err != nil {
		_ = e.Free(a)
		return 0, err
	}
	return n, nil
}

// Read returns a copy of enclave memory.
func (e *Env) Read(a memory.Addr, n uint64) ([]byte, error) {
	sp, err := e.rt.boundary.Within(a, n, 1)
	if err != nil {
		return nil, err
	}
	return e.rt.space.ReadSpan(sp)
}

// Write copies data to enclave memory.
func (e *Env) Write(a memory.Addr, data []byte) error {
	if _, err := e.rt.boundary.Within(a, uint64(len(data)), 1); err != nil {
		return err
	}
	return e.rt.space.Write(a, data)
}

// IsWithinEnclave reports whether [a, a+n) is enclave memory.
func (e *Env) IsWithinEnclave(a memory.Addr, n uint64) bool {
	return e.rt.boundary.IsWithin(a, n)
}

// IsOutsideEnclave reports whether [a, a+n) is host memory.
func (e *Env) IsOutsideEnclave(a memory.Addr, n uint64) bool {
	return e.rt.boundary.IsOutside(a, n)
}

// AtExit registers fn to run before the destructor.
func (e *Env) AtExit(fn func(env *Env)) {
	e.rt.atExitMu.Lock()
	defer e.rt.atExitMu.Unlock()
	e.rt.atExit = append(e.rt.atExit, fn)
}

// Raise reports a fault of the running code. It returns the record as fixed up by the handlers.
// If no handler continues execution, the enclave aborts and Raise does not return.
func (e *Env) Raise(rec ExceptionRecord) ExceptionRecord {
	if e.dead {
		return rec
	}
	return e.rt.raise(e, rec)
}

// AddVectoredExceptionHandler registers h. With first set it runs before the handlers registered so far.
func (e *Env) AddVectoredExceptionHandler(first bool, h VectoredExceptionHandler) (HandlerID, error) {
	return e.rt.handlers.add(first, h)
}

// RemoveVectoredExceptionHandler unregisters a handler.
func (e *Env) RemoveVectoredExceptionHandler(id HandlerID) error {
	return e.rt.handlers.remove(id)
}

// SetExceptionHandlerStack sets the stack handlers of registered categories run on.
func (e *Env) SetExceptionHandlerStack(a memory.Addr, size uint64) error {
	if size == 0 {
		return fmt.Errorf("exception handler stack: empty: %w", result.InvalidParameter)
	}
	sp, err := e.rt.boundary.Within(a, size, HeapAlignment)
	if err != nil {
		return fmt.Errorf("exception handler stack: %w", err)
	}
	rng, _ := memory.RangeOf(sp.Addr(), sp.Size())
	e.rt.altStack.set(rng)
	return nil
}

// RegisterExceptionHandlerStack lets the handlers of code run on the exception handler stack.
func (e *Env) RegisterExceptionHandlerStack(code ExceptionCode) error {
	return e.rt.altStack.register(code)
}

// Evidence returns evidence of the enclave binding reportData.
func (e *Env) Evidence(reportData []byte) ([]byte, error) {
	if e.rt.platform == nil {
		return nil, fmt.Errorf("evidence: no attestation platform: %w", result.Unsupported)
	}
	id := e.rt.identity
	c := attestation.Claims{
		UniqueID:        id.UniqueID,
		SignerID:        id.SignerID,
		ProductID:       id.ProductID,
		SecurityVersion: id.SecurityVersion,
		Attributes:      id.Attributes,
		ConfigID:        id.ConfigID,
		ConfigSVN:       id.ConfigSVN,
		ReportData:      reportData,
	}
	if e.rt.eeid != nil {
		c.EEID = e.rt.eeid.Marshal()
	}
	return e.rt.platform.Evidence(c)
}

// EEID returns the extended init data of the enclave, or nil.
func (e *Env) EEID() *eeid.EEID {
	return e.rt.eeid
}

// Identity returns the identity of the enclave.
func (e *Env) Identity() Identity {
	return e.rt.identity
}

// HostTag returns the host address of the enclave handle passed at init.
func (e *Env) HostTag() memory.Addr {
	return memory.Addr(e.rt.hostTag.Load())
}

// Abort crashes the enclave. It does not return.
func (e *Env) Abort(reason string) {
	if e.dead {
		e.leave()
	}
	e.rt.abort(e, reason)
}
