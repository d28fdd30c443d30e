package enclave

import (
	"fmt"
	"sync"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// MaxExceptionHandlers is the maximum number of registered vectored exception handlers.
const MaxExceptionHandlers = 64

// ExceptionCode is the category of a fault.
type ExceptionCode uint32

// Exception codes.
const (
	ExceptionDivideByZero ExceptionCode = iota + 1
	ExceptionBreakpoint
	ExceptionBoundOutOfRange
	ExceptionIllegalInstruction
	ExceptionAccessViolation
	ExceptionPageFault
	ExceptionX87FloatPoint
	ExceptionMisalignment
	ExceptionSIMDFloatPoint
)

func (c ExceptionCode) String() string {
	switch c {
	case ExceptionDivideByZero:
		return "DIVIDE_BY_ZERO"
	case ExceptionBreakpoint:
		return "BREAKPOINT"
	case ExceptionBoundOutOfRange:
		return "BOUND_OUT_OF_RANGE"
	case ExceptionIllegalInstruction:
		return "ILLEGAL_INSTRUCTION"
	case ExceptionAccessViolation:
		return "ACCESS_VIOLATION"
	case ExceptionPageFault:
		return "PAGE_FAULT"
	case ExceptionX87FloatPoint:
		return "X87_FLOAT_POINT"
	case ExceptionMisalignment:
		return "MISALIGNMENT"
	case ExceptionSIMDFloatPoint:
		return "SIMD_FLOAT_POINT"
	default:
		return fmt.Sprintf("EXCEPTION(%d)", uint32(c))
	}
}

// Exception flags.
const (
	ExceptionFlagHardware uint32 = 0x1
	ExceptionFlagSoftware uint32 = 0x2
)

// Context is the processor state at a fault. Handlers may fix it up before execution continues.
type Context struct {
	PC      uint64
	SP      uint64
	Flags   uint64
	Control ControlState
	// OnAlternateStack is set if the handlers run on the exception handler stack.
	OnAlternateStack bool
}

// ExceptionRecord describes a fault.
type ExceptionRecord struct {
	Code    ExceptionCode
	Flags   uint32
	Address uint64
	Context Context
}

// Disposition is the verdict of an exception handler.
type Disposition int

const (
	// ContinueSearch passes the exception to the next handler.
	ContinueSearch Disposition = iota
	// ContinueExecution resumes the faulting code with the fixed up context.
	ContinueExecution
	// AbortExecution aborts the enclave.
	AbortExecution
)

// VectoredExceptionHandler is called for faults of the enclave, in registration order.
type VectoredExceptionHandler func(rec *ExceptionRecord) Disposition

// HandlerID identifies a registered handler.
type HandlerID uint64

type fault struct {
	record  ExceptionRecord
	saved   State
	handled bool
	resume  chan struct{}
}

type handlerEntry struct {
	id HandlerID
	h  VectoredExceptionHandler
}

type handlerTable struct {
	mu      sync.Mutex
	next    HandlerID
	entries []handlerEntry
}

func (t *handlerTable) add(first bool, h VectoredExceptionHandler) (HandlerID, error) {
	if h == nil {
		return 0, fmt.Errorf("adding nil exception handler: %w", result.InvalidParameter)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.entries) >= MaxExceptionHandlers {
		return 0, fmt.Errorf("adding exception handler: %d handlers registered: %w", len(t.entries), result.OutOfMemory)
	}
	t.next++
	e := handlerEntry{id: t.next, h: h}
	if first {
		t.entries = append([]handlerEntry{e}, t.entries...)
	} else {
		t.entries = append(t.entries, e)
	}
	return e.id, nil
}

func (t *handlerTable) remove(id HandlerID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, e := range t.entries {
		if e.id == id {
			t.entries = append(t.entries[:i], t.entries[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("removing exception handler %d: %w", id, result.NotFound)
}

func (t *handlerTable) dispatch(rec *ExceptionRecord) Disposition {
	t.mu.Lock()
	entries := append([]handlerEntry{}, t.entries...)
	t.mu.Unlock()
	for _, e := range entries {
		if d := e.h(rec); d != ContinueSearch {
			return d
		}
	}
	return ContinueSearch
}

// altStack is the stack exception handlers of registered categories run on.
type altStack struct {
	mu    sync.Mutex
	rng   memory.Range
	codes map[ExceptionCode]bool
}

func (s *altStack) set(rng memory.Range) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rng
}

func (s *altStack) register(code ExceptionCode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rng.Length() == 0 {
		return fmt.Errorf("registering %v for the handler stack: no stack set: %w", code, result.InvalidParameter)
	}
	if s.codes == nil {
		s.codes = make(map[ExceptionCode]bool)
	}
	s.codes[code] = true
	return nil
}

// top returns the top of the stack if handlers of code run on it.
func (s *altStack) top(code ExceptionCode) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.codes[code] {
		return 0, false
	}
	return uint64(s.rng.End), true
}

// raise suspends the slot at a fault until it is resumed and returns the fixed up record.
func (rt *Runtime) raise(env *Env, rec ExceptionRecord) ExceptionRecord {
	th := env.th
	rec.Context.Control = th.ctrl
	f := &fault{record: rec, saved: th.state, resume: make(chan struct{}, 1)}
	th.faults = append(th.faults, f)
	th.cssa++
	rt.exit(env, calls.Exit{Arg1: uint64(rec.Code), Arg2: rec.Address, AEX: true})

	select {
	case <-f.resume:
	case <-rt.closed:
		env.leave()
	}
	return f.record
}

// handleException is the second level dispatch of the fault at the top of the slot.
func (rt *Runtime) handleException(env *Env, arg uint64) (result.Result, uint64) {
	th := env.th
	f := th.topFault()
	if f == nil || f.handled {
		rt.abort(env, "exception dispatch without a pending fault")
	}

	// The host's view of the fault is a hint only.
	if sp, err := rt.boundary.Outside(memory.Addr(arg), calls.ExceptionContextSize, calls.BufferAlignment); err == nil {
		if raw, err := rt.space.ReadSpan(sp); err == nil {
			rt.log.WithField("host_context", fmt.Sprintf("%x", raw)).Debug("dispatching exception")
		}
	}

	th.state = StateSecondLevel
	rec := f.record
	if top, ok := rt.altStack.top(rec.Code); ok {
		rec.Context.SP = top
		rec.Context.OnAlternateStack = true
	}
	disposition := rt.handlers.dispatch(&rec)
	th.state = f.saved

	if disposition != ContinueExecution {
		rt.abort(env, fmt.Sprintf("unhandled exception %v at %#x", rec.Code, rec.Address))
	}
	f.record = rec
	f.handled = true
	return result.OK, calls.ExceptionEnclaveHandled
}
