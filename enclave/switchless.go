package enclave

import (
	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/switchless"
)

// maxHostWorkers bounds the host board announced by InitSwitchless.
const maxHostWorkers = 64

func (rt *Runtime) initSwitchless(arg uint64) result.Result {
	sp, err := rt.boundary.Outside(memory.Addr(arg), calls.SwitchlessConfigSize, calls.BufferAlignment)
	if err != nil {
		return result.InvalidParameter
	}
	raw, err := rt.space.ReadSpan(sp)
	if err != nil {
		return result.InvalidParameter
	}
	cfg, err := calls.ParseSwitchlessConfig(raw)
	if err != nil || cfg.Workers == 0 || cfg.Workers > maxHostWorkers {
		return result.InvalidParameter
	}
	n := int(cfg.Workers)
	if _, err := rt.boundary.Outside(memory.Addr(cfg.Board), switchless.Size(n), calls.BufferAlignment); err != nil {
		return result.InvalidParameter
	}
	board, err := switchless.NewBoard(rt.space, memory.Addr(cfg.Board), n)
	if err != nil {
		return result.InvalidParameter
	}
	if !rt.hostBoard.CompareAndSwap(nil, board) {
		return result.AlreadyInitialized
	}
	rt.log.WithField("workers", n).Debug("switchless host workers announced")
	return result.OK
}

// runSwitchlessWorker serves switchless ECALLs posted to one mailbox until the host sets the stop word.
func (rt *Runtime) runSwitchlessWorker(env *Env, arg uint64) result.Result {
	sp, err := rt.boundary.Outside(memory.Addr(arg), calls.WorkerContextSize, calls.BufferAlignment)
	if err != nil {
		return result.InvalidParameter
	}
	raw, err := rt.space.ReadSpan(sp)
	if err != nil {
		return result.InvalidParameter
	}
	wc, err := calls.ParseWorkerContext(raw)
	if err != nil {
		return result.InvalidParameter
	}
	mailbox, err := rt.boundary.Outside(memory.Addr(wc.Mailbox), calls.MailboxSize, calls.BufferAlignment)
	if err != nil {
		return result.InvalidParameter
	}
	board, err := switchless.NewBoard(rt.space, mailbox.Addr(), 1)
	if err != nil {
		return result.InvalidParameter
	}
	stop := sp.Addr() + calls.WorkerContextStopOff

	w := switchless.Worker{
		Board: board,
		Stopped: func() (bool, error) {
			if err := rt.Status().Err(); err != nil {
				return false, err
			}
			v, err := rt.space.LoadUint64(stop)
			return v != 0, err
		},
		Handle: func(desc uint64) error {
			return rt.serveSwitchless(env, desc)
		},
		Park: func() error {
			res, _ := rt.ocall(env, calls.OCallSleepSwitchlessWorker, arg)
			return res.Err()
		},
	}
	if err := w.Run(); err != nil {
		return result.From(err)
	}
	return result.OK
}

// serveSwitchless runs the switchless ECALL posted as desc. Once the enclave is crashing the call
// is completed with the status instead, and the worker stops.
func (rt *Runtime) serveSwitchless(env *Env, desc uint64) error {
	if status := rt.Status(); status != result.OK {
		if sp, err := rt.boundary.Outside(memory.Addr(desc), calls.FunctionArgsSize, calls.BufferAlignment); err == nil {
			_ = rt.complete(sp.Addr(), 0, status)
		}
		return status.Err()
	}
	rt.callEnclaveFunction(env, desc)
	return nil
}
