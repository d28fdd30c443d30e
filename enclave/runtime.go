/*
Package enclave implements the trusted runtime of an enclave.

The host enters the runtime through [Runtime.Enter] with the two gate registers defined in package calls.
Each ECALL runs on its own goroutine. When the goroutine issues an OCALL or faults, it parks its
continuation on the slot and hands the exit registers back to the goroutine blocked in Enter.
The next entry on that slot (an ORET or an ERESUME through [Runtime.Resume]) resumes it.

Code running inside the enclave is a [Program]. Its functions receive an [Env], which is the only way to
reach the host, the enclave heap and the exception handlers.
*/
package enclave

import (
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/edgelesssys/go-enclave/attestation"
	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/eeid"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
	"github.com/edgelesssys/go-enclave/switchless"
)

// HeapAlignment is the alignment of enclave heap allocations.
const HeapAlignment = 16

// Function is a user function callable by the host.
// It reads its input and writes its results to output, which starts with the return header,
// and returns the number of bytes written including the header.
type Function func(env *Env, input, output []byte) (uint64, error)

// Program is the code of an enclave.
type Program struct {
	// Init runs during the init ECALL.
	Init func(env *Env) error
	// Functions is the ECALL table indexed by function id. Nil entries are not callable.
	Functions []Function
	// AtExit functions run in reverse order before the destructor.
	AtExit     []func(env *Env)
	Destructor func(env *Env)
}

// Identity is what evidence of the enclave reports.
type Identity struct {
	UniqueID        [32]byte
	SignerID        [32]byte
	ProductID       uint16
	SecurityVersion uint16
	Attributes      uint64
	ConfigID        [64]byte
	ConfigSVN       uint16
}

// Platform issues evidence for the enclave.
type Platform interface {
	Evidence(c attestation.Claims) ([]byte, error)
}

// Config configures a Runtime.
type Config struct {
	Space    *memory.Space
	Layout   *sgx.Layout
	Program  *Program
	Identity Identity
	// Platform may be nil, in which case evidence is not supported.
	Platform Platform
	EEID     *eeid.EEID
	Log      *logrus.Entry
	// Debug enables stack traces in abort logs.
	Debug bool
}

// Runtime is the trusted runtime of one enclave.
type Runtime struct {
	space    *memory.Space
	layout   *sgx.Layout
	boundary memory.Boundary
	heap     *memory.Heap
	program  *Program
	identity Identity
	platform Platform
	eeid     *eeid.EEID
	log      *logrus.Entry
	debug    bool

	status      atomic.Uint32
	initStarted atomic.Bool
	initialized atomic.Bool
	atExitDone  atomic.Bool
	destroyed   atomic.Bool
	hostTag     atomic.Uint64
	hostBoard   atomic.Pointer[switchless.Board]

	threads  []*thread
	handlers handlerTable
	altStack altStack

	atExitMu sync.Mutex
	atExit   []func(env *Env)

	closeOnce sync.Once
	closed    chan struct{}
}

// New returns the runtime of the enclave described by cfg.Layout.
func New(cfg Config) (*Runtime, error) {
	if cfg.Space == nil || cfg.Layout == nil || cfg.Program == nil {
		return nil, fmt.Errorf("runtime needs a space, a layout and a program: %w", result.InvalidParameter)
	}
	log := cfg.Log
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	rt := &Runtime{
		space:    cfg.Space,
		layout:   cfg.Layout,
		boundary: memory.NewBoundary(cfg.Layout.Range()),
		heap:     memory.NewHeap(cfg.Layout.Heap, HeapAlignment),
		program:  cfg.Program,
		identity: cfg.Identity,
		platform: cfg.Platform,
		eeid:     cfg.EEID,
		log:      log.WithField("component", "enclave"),
		debug:    cfg.Debug,
		atExit:   append([]func(*Env){}, cfg.Program.AtExit...),
		closed:   make(chan struct{}),
	}
	for i, tl := range cfg.Layout.Threads {
		rt.threads = append(rt.threads, newThread(i, tl))
	}
	return rt, nil
}

// Status returns OK, EnclaveAborting or EnclaveAborted.
func (rt *Runtime) Status() result.Result {
	return result.Result(rt.status.Load())
}

// Heap returns the enclave heap.
func (rt *Runtime) Heap() *memory.Heap {
	return rt.heap
}

// Close releases all goroutines suspended in the enclave. The runtime must not be entered afterwards.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() { close(rt.closed) })
}

func (rt *Runtime) thread(tcs memory.Addr) (*thread, error) {
	i, ok := rt.layout.ThreadByTCS(tcs)
	if !ok {
		return nil, fmt.Errorf("no slot with tcs %v: %w", tcs, result.InvalidParameter)
	}
	return rt.threads[i], nil
}

// Enter transfers control into the enclave on the slot tcs and returns the registers control leaves it with.
// An error is only returned for an unknown slot. Every other failure is reported in the exit registers.
func (rt *Runtime) Enter(tcs memory.Addr, arg1, arg2 uint64, ecallCtx memory.Addr) (calls.Exit, error) {
	th, err := rt.thread(tcs)
	if err != nil {
		return calls.Exit{}, err
	}
	a := calls.DecodeArg1(arg1)
	if exit, refused := rt.gate(th, a); refused {
		return exit, nil
	}

	th.ctrl = DefaultControlState
	rt.acceptContext(th, ecallCtx)

	if a.Code == calls.CodeECall && a.Func == calls.ECallVirtualExceptionHandler {
		if th.cssa != 1 {
			return rt.abortEntry(th, a, fmt.Sprintf("exception dispatch with %d outstanding faults", th.cssa)), nil
		}
		return rt.start(th, a.Func, arg2), nil
	}
	if th.cssa > 0 && th.state != StateSecondLevel {
		return rt.abortEntry(th, a, "entry into a faulted slot"), nil
	}

	switch th.state {
	case StateNull, StateExited:
		th.state = StateEntered
	case StateSecondLevel:
	default:
		return rt.abortEntry(th, a, fmt.Sprintf("entry in state %v", th.state)), nil
	}

	switch a.Code {
	case calls.CodeECall:
		return rt.start(th, a.Func, arg2), nil
	case calls.CodeORet:
		return rt.oret(th, a, arg2), nil
	default:
		return rt.abortEntry(th, a, fmt.Sprintf("unexpected entry %v", a)), nil
	}
}

// gate refuses entries while the enclave is crashing.
func (rt *Runtime) gate(th *thread, a calls.Arg1) (calls.Exit, bool) {
	if rt.destroyed.Load() {
		return calls.Exit{Arg1: calls.ERet(a.Func, result.Unexpected)}, true
	}
	switch status := rt.Status(); status {
	case result.OK:
		return calls.Exit{}, false
	case result.EnclaveAborting:
		if a.Code == calls.CodeORet {
			return calls.Exit{}, false
		}
		// The destructor completes the abort. Its stack replaces whatever the slot was doing.
		if a.Code == calls.CodeECall && a.Func == calls.ECallDestructor {
			if !rt.status.CompareAndSwap(uint32(result.EnclaveAborting), uint32(result.EnclaveAborted)) {
				return calls.Exit{Arg1: calls.ERet(a.Func, rt.Status())}, true
			}
			th.reset()
			return calls.Exit{}, false
		}
		return calls.Exit{Arg1: calls.ERet(a.Func, status)}, true
	default:
		return calls.Exit{Arg1: calls.ERet(a.Func, status)}, true
	}
}

// acceptContext records the ecall context of an entry if it is host memory.
func (rt *Runtime) acceptContext(th *thread, addr memory.Addr) {
	th.ecallCtx, th.scratch = 0, memory.Span{}
	sp, err := rt.boundary.Outside(addr, calls.ECallContextSize, calls.BufferAlignment)
	if err != nil {
		return
	}
	raw, err := rt.space.ReadSpan(sp)
	if err != nil {
		return
	}
	ctx, err := calls.ParseECallContext(raw)
	if err != nil {
		return
	}
	th.ecallCtx = addr
	if ctx.OCallBufferSize%calls.BufferAlignment != 0 {
		return
	}
	if scratch, err := rt.boundary.Outside(memory.Addr(ctx.OCallBuffer), ctx.OCallBufferSize, calls.BufferAlignment); err == nil {
		th.scratch = scratch
	}
}

func (rt *Runtime) start(th *thread, fn calls.Func, arg uint64) calls.Exit {
	if th.state != StateSecondLevel && fn != calls.ECallVirtualExceptionHandler {
		th.state = StateRunning
	}
	env := &Env{rt: rt, th: th}
	go rt.handleECall(env, fn, arg)
	return rt.wait(th)
}

// wait blocks the entering goroutine until the slot exits.
func (rt *Runtime) wait(th *thread) calls.Exit {
	select {
	case exit := <-th.exits:
		return exit
	case <-rt.closed:
		return calls.Exit{Arg1: calls.ERet(th.topFunc(), result.EnclaveAborted)}
	}
}

// exit hands the exit registers to the goroutine blocked in Enter.
func (rt *Runtime) exit(env *Env, e calls.Exit) {
	select {
	case env.th.exits <- e:
	case <-rt.closed:
		env.leave()
	}
}

// Resume continues a slot after its fault was handled.
func (rt *Runtime) Resume(tcs memory.Addr) (calls.Exit, error) {
	th, err := rt.thread(tcs)
	if err != nil {
		return calls.Exit{}, err
	}
	a := calls.Arg1{Code: calls.CodeECall, Func: th.topFunc()}
	if status := rt.Status(); status != result.OK {
		return calls.Exit{Arg1: calls.ERet(a.Func, status)}, nil
	}
	f := th.topFault()
	switch {
	case f == nil:
		return rt.abortEntry(th, a, "resume without a fault"), nil
	case !f.handled:
		return rt.abortEntry(th, a, "resume of an unhandled fault"), nil
	}
	th.faults[len(th.faults)-1] = nil
	th.faults = th.faults[:len(th.faults)-1]
	th.cssa--
	th.state = f.saved
	th.ctrl = f.record.Context.Control
	f.resume <- struct{}{}
	return rt.wait(th), nil
}

// markAborting moves the enclave to ABORTING and returns the status exits carry from now on.
func (rt *Runtime) markAborting(th *thread, reason string) result.Result {
	rt.status.CompareAndSwap(uint32(result.OK), uint32(result.EnclaveAborting))
	th.state = StateAborted
	log := rt.log.WithField("slot", th.index)
	if rt.debug {
		log = log.WithField("stack", string(debug.Stack()))
	}
	log.Error("enclave aborted: " + reason)
	return rt.Status()
}

// abortEntry aborts on the entering goroutine.
func (rt *Runtime) abortEntry(th *thread, a calls.Arg1, reason string) calls.Exit {
	return calls.Exit{Arg1: calls.ERet(a.Func, rt.markAborting(th, reason))}
}

// abort aborts on an enclave goroutine. It does not return.
func (rt *Runtime) abort(env *Env, reason string) {
	status := rt.markAborting(env.th, reason)
	rt.exit(env, calls.Exit{Arg1: calls.ERet(env.th.topFunc(), status)})
	env.leave()
}
