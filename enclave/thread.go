package enclave

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

// State is the dispatch state of a slot.
type State uint32

// Slot states.
const (
	StateNull State = iota
	StateEntered
	StateRunning
	StateExited
	StateSecondLevel
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNull:
		return "NULL"
	case StateEntered:
		return "ENTERED"
	case StateRunning:
		return "RUNNING"
	case StateExited:
		return "EXITED"
	case StateSecondLevel:
		return "SECOND_LEVEL_EXCEPTION"
	case StateAborted:
		return "ABORTED"
	default:
		return fmt.Sprintf("STATE(%d)", uint32(s))
	}
}

// maxDepth bounds the nesting of ECALLs on a slot.
const maxDepth = 8

// ControlState is the floating point control state of a slot.
type ControlState struct {
	FCW   uint16
	MXCSR uint32
}

// DefaultControlState is loaded on every entry.
var DefaultControlState = ControlState{FCW: 0x037F, MXCSR: 0x1F80}

// thread is the per slot data of the runtime.
// It is touched by one goroutine at a time: the host goroutine inside Enter or the enclave goroutine it handed control to.
type thread struct {
	index  int
	layout sgx.ThreadLayout
	state  State
	// cssa counts the outstanding faults of the slot.
	cssa      int
	callsites []*callsite
	faults    []*fault
	ctrl      ControlState
	// ecallCtx is the validated ecall context of the current entry, or zero.
	ecallCtx memory.Addr
	scratch  memory.Span
	exits    chan calls.Exit
}

func newThread(index int, layout sgx.ThreadLayout) *thread {
	return &thread{
		index:  index,
		layout: layout,
		ctrl:   DefaultControlState,
		exits:  make(chan calls.Exit),
	}
}

// callsite is pushed for every ECALL of a slot.
type callsite struct {
	fn calls.Func
	// pending is the continuation of an outstanding OCALL.
	pending *continuation
}

type continuation struct {
	fn     calls.Func
	ctrl   ControlState
	resume chan oretValue
}

type oretValue struct {
	res result.Result
	arg uint64
}

func (t *thread) depth() int {
	return len(t.callsites)
}

func (t *thread) top() *callsite {
	if len(t.callsites) == 0 {
		return nil
	}
	return t.callsites[len(t.callsites)-1]
}

func (t *thread) topFunc() calls.Func {
	if cs := t.top(); cs != nil {
		return cs.fn
	}
	return calls.ECallCallEnclaveFunction
}

func (t *thread) push(fn calls.Func) bool {
	if len(t.callsites) >= maxDepth {
		return false
	}
	t.callsites = append(t.callsites, &callsite{fn: fn})
	return true
}

func (t *thread) pop() {
	t.callsites[len(t.callsites)-1] = nil
	t.callsites = t.callsites[:len(t.callsites)-1]
}

func (t *thread) topFault() *fault {
	if len(t.faults) == 0 {
		return nil
	}
	return t.faults[len(t.faults)-1]
}

// reset returns the slot to its initial state. Goroutines suspended on it are abandoned.
func (t *thread) reset() {
	t.state = StateNull
	t.cssa = 0
	t.callsites = nil
	t.faults = nil
	t.ctrl = DefaultControlState
	t.ecallCtx = 0
	t.scratch = memory.Span{}
}
