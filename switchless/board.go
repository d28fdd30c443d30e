/*
Package switchless implements the mailboxes switchless calls are exchanged through.

A board is an array of mailboxes in host memory, one per worker:

	+-------------+-------------+
	| slot (u64)  | sleeping    |  worker 0
	+-------------+-------------+
	| slot (u64)  | sleeping    |  worker 1
	+-------------+-------------+
	|            ...            |

A caller posts the address of a call's arguments by swapping a free slot from zero to the address.
The worker runs the call, stores the result in the arguments, which releases the caller, and clears the slot.
A worker that found no work for a while sets its sleeping word and parks until a poster wakes it.
*/
package switchless

import (
	"fmt"
	"runtime"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// DefaultSpinCount is the number of empty polls before a worker parks.
const DefaultSpinCount = 4096

const sleepingOff = 8

// Board is a set of mailboxes in shared memory.
type Board struct {
	space *memory.Space
	base  memory.Addr
	n     int
}

// NewBoard returns a board of n mailboxes at base. It does not initialize the memory.
func NewBoard(space *memory.Space, base memory.Addr, n int) (*Board, error) {
	if !base.IsAligned(calls.BufferAlignment) {
		return nil, fmt.Errorf("board at %v: unaligned: %w", base, result.InvalidParameter)
	}
	return &Board{space: space, base: base, n: n}, nil
}

// Size returns the size of a board of n mailboxes in bytes.
func Size(n int) uint64 {
	return uint64(n) * calls.MailboxSize
}

// Len returns the number of mailboxes.
func (b *Board) Len() int {
	return b.n
}

// Mailbox returns the address of mailbox i.
func (b *Board) Mailbox(i int) memory.Addr {
	return b.base + memory.Addr(uint64(i)*calls.MailboxSize)
}

// Post hands desc to the first free mailbox and returns its index.
// If no mailbox is free, Post fails with SwitchlessMissed and the caller uses the regular call path.
func (b *Board) Post(desc uint64) (int, error) {
	if desc == 0 {
		return 0, fmt.Errorf("posting nil descriptor: %w", result.InvalidParameter)
	}
	for i := 0; i < b.n; i++ {
		ok, err := b.space.CompareAndSwapUint64(b.Mailbox(i), 0, desc)
		if err != nil {
			return 0, fmt.Errorf("posting to mailbox %d: %w", i, err)
		}
		if ok {
			return i, nil
		}
	}
	return 0, result.SwitchlessMissed
}

// Take returns the descriptor in mailbox i, or zero if it is empty.
func (b *Board) Take(i int) (uint64, error) {
	return b.space.LoadUint64(b.Mailbox(i))
}

// Done frees mailbox i after its call completed.
func (b *Board) Done(i int) error {
	return b.space.StoreUint64(b.Mailbox(i), 0)
}

// Sleeping reports whether the worker of mailbox i is parked or about to park.
func (b *Board) Sleeping(i int) (bool, error) {
	v, err := b.space.LoadUint64(b.Mailbox(i) + sleepingOff)
	return v != 0, err
}

// SetSleeping sets the sleeping flag of mailbox i.
func (b *Board) SetSleeping(i int, sleeping bool) error {
	var v uint64
	if sleeping {
		v = 1
	}
	return b.space.StoreUint64(b.Mailbox(i)+sleepingOff, v)
}

// Worker serves one mailbox of a board.
type Worker struct {
	Board     *Board
	Index     int
	SpinCount int
	// Stopped reports whether the worker should exit.
	Stopped func() (bool, error)
	// Handle runs the call described by desc and stores its result.
	Handle func(desc uint64) error
	// Park blocks until the worker is woken. Spurious wakeups are fine.
	Park func() error
}

// Run serves the mailbox until Stopped reports true or an error occurs.
// A worker that returned leaves its sleeping flag set, so posters keep waking it.
func (w *Worker) Run() error {
	defer func() { _ = w.Board.SetSleeping(w.Index, true) }()
	spin := w.SpinCount
	if spin <= 0 {
		spin = DefaultSpinCount
	}
	for {
		idle := 0
		for idle < spin {
			if stopped, err := w.Stopped(); err != nil || stopped {
				return err
			}
			served, err := w.poll()
			if err != nil {
				return err
			}
			if served {
				idle = 0
				continue
			}
			idle++
			runtime.Gosched()
		}

		if err := w.Board.SetSleeping(w.Index, true); err != nil {
			return err
		}
		// A post between the last poll and setting the flag did not see the flag, so look again.
		desc, err := w.Board.Take(w.Index)
		if err != nil {
			return err
		}
		stopped, err := w.Stopped()
		if err != nil {
			return err
		}
		if desc == 0 && !stopped {
			if err := w.Park(); err != nil {
				return err
			}
		}
		if err := w.Board.SetSleeping(w.Index, false); err != nil {
			return err
		}
	}
}

func (w *Worker) poll() (bool, error) {
	desc, err := w.Board.Take(w.Index)
	if err != nil || desc == 0 {
		return false, err
	}
	herr := w.Handle(desc)
	if err := w.Board.Done(w.Index); err != nil {
		return false, err
	}
	return herr == nil, herr
}

// Wait spins until the result field of the arguments at args is no longer pending and returns it.
// check is called periodically and ends the wait if it fails, e.g. because the enclave aborted.
func Wait(space *memory.Space, args memory.Addr, check func() error) (uint64, error) {
	resultAddr := args + calls.FunctionArgsResultOff
	for i := 1; ; i++ {
		v, err := space.LoadUint64(resultAddr)
		if err != nil {
			return 0, err
		}
		if v != calls.ResultPending {
			return v, nil
		}
		if i%1024 == 0 && check != nil {
			if err := check(); err != nil {
				return 0, err
			}
		}
		runtime.Gosched()
	}
}
