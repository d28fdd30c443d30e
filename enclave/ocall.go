package enclave

import (
	"errors"
	"fmt"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/switchless"
)

// Reply is the outcome of a host function call.
type Reply struct {
	// Output holds the bytes the host function wrote after the return header.
	Output []byte
	// DeepCopy is an enclave heap copy of variable length output, or zero.
	// The caller frees it with [Env.Free].
	DeepCopy     memory.Addr
	DeepCopySize uint64
}

// ocall leaves the enclave with an OCALL of fn and returns the ORET registers.
func (rt *Runtime) ocall(env *Env, fn calls.Func, arg uint64) (result.Result, uint64) {
	if env.dead {
		return result.EnclaveAborted, 0
	}
	if status := rt.Status(); status != result.OK {
		return status, 0
	}
	th := env.th
	cs := th.top()
	switch {
	case cs == nil:
		rt.abort(env, "ocall outside of an ecall")
	case cs.pending != nil:
		rt.abort(env, "ocall while an ocall is outstanding")
	}

	c := &continuation{fn: fn, ctrl: th.ctrl, resume: make(chan oretValue, 1)}
	cs.pending = c
	if th.state != StateSecondLevel {
		th.state = StateExited
	}
	rt.exit(env, calls.Exit{Arg1: calls.OCall(fn), Arg2: arg})

	select {
	case v := <-c.resume:
		return v.res, v.arg
	case <-rt.closed:
		env.leave()
	}
	return result.EnclaveAborted, 0
}

// oret resumes the continuation of the outstanding OCALL on the entering goroutine.
func (rt *Runtime) oret(th *thread, a calls.Arg1, arg uint64) calls.Exit {
	cs := th.top()
	if cs == nil || cs.pending == nil {
		return rt.abortEntry(th, a, "return from an ocall that was not issued")
	}
	c := cs.pending
	if c.fn != a.Func {
		return rt.abortEntry(th, a, fmt.Sprintf("return from ocall %d while ocall %d is outstanding", a.Func, c.fn))
	}
	cs.pending = nil
	if th.state != StateSecondLevel {
		th.state = StateRunning
	}
	th.ctrl = c.ctrl
	c.resume <- oretValue{res: a.Result, arg: arg}
	return rt.wait(th)
}

// callHost runs host function fn. The switchless path is tried first if requested and falls back to an OCALL.
func (rt *Runtime) callHost(env *Env, fn uint64, input []byte, outputSize uint64, useSwitchless bool) (*Reply, error) {
	if status := rt.Status(); status != result.OK {
		return nil, status
	}
	th := env.th
	if th.ecallCtx == 0 {
		return nil, fmt.Errorf("calling host function %d: no ecall context: %w", fn, result.Unexpected)
	}
	argsAddr := th.ecallCtx

	inSize, ok := calls.AlignedSize(uint64(len(input)))
	if !ok {
		return nil, result.InvalidParameter
	}
	outSize, ok := calls.AlignedSize(calls.ReturnArgsSize + outputSize)
	if !ok || outputSize > ^uint64(0)-calls.ReturnArgsSize || inSize > ^uint64(0)-outSize {
		return nil, fmt.Errorf("calling host function %d: buffer sizes overflow: %w", fn, result.InvalidParameter)
	}

	var buf memory.Addr
	if sc := th.scratch; sc.Size() >= inSize+outSize {
		buf = sc.Addr()
	} else {
		res, addr := rt.ocall(env, calls.OCallMalloc, inSize+outSize)
		if res != result.OK {
			return nil, res
		}
		sp, err := rt.boundary.Outside(memory.Addr(addr), inSize+outSize, calls.BufferAlignment)
		if err != nil {
			return nil, fmt.Errorf("host buffer for function %d: %w", fn, result.OutOfMemory)
		}
		buf = sp.Addr()
		defer rt.ocall(env, calls.OCallFree, uint64(buf))
	}

	inAddr, outAddr := buf, buf+memory.Addr(inSize)
	padded := make([]byte, inSize)
	copy(padded, input)
	if err := rt.space.WriteWithBarrier(inAddr, padded); err != nil {
		return nil, fmt.Errorf("writing input: %w", err)
	}
	if err := rt.space.Zero(outAddr, outSize); err != nil {
		return nil, fmt.Errorf("clearing output: %w", err)
	}
	args := calls.FunctionArgs{
		FunctionID:       fn,
		InputBuffer:      uint64(inAddr),
		InputBufferSize:  inSize,
		OutputBuffer:     uint64(outAddr),
		OutputBufferSize: outSize,
		Result:           calls.ResultPending,
		InputLength:      uint64(len(input)),
	}
	if inSize == 0 {
		args.InputBuffer = 0
	}
	raw := args.Marshal()
	if err := rt.space.WriteWithBarrier(argsAddr, raw[:]); err != nil {
		return nil, fmt.Errorf("writing function args: %w", err)
	}

	delivered := false
	if useSwitchless {
		var err error
		if delivered, err = rt.postSwitchless(env, argsAddr); err != nil {
			return nil, err
		}
	}
	if !delivered {
		if res, _ := rt.ocall(env, calls.OCallCallHostFunction, uint64(argsAddr)); res != result.OK {
			return nil, res
		}
	}
	return rt.collectReply(env, fn, argsAddr, outAddr, outSize)
}

// collectReply copies the results of a host call into the enclave.
func (rt *Runtime) collectReply(env *Env, fn uint64, argsAddr, outAddr memory.Addr, outSize uint64) (*Reply, error) {
	raw, err := rt.space.Read(argsAddr, calls.FunctionArgsSize)
	if err != nil {
		return nil, fmt.Errorf("reading function args: %w", err)
	}
	args, err := calls.ParseFunctionArgs(raw)
	if err != nil {
		return nil, err
	}
	if args.Result > uint64(^uint32(0)) {
		return nil, fmt.Errorf("host function %d: invalid result %#x: %w", fn, args.Result, result.Unexpected)
	}
	if res := result.Result(args.Result); res != result.OK {
		return nil, fmt.Errorf("host function %d: %w", fn, res)
	}
	written := args.OutputBytesWritten
	if written > outSize || written < calls.ReturnArgsSize {
		return nil, fmt.Errorf("host function %d: wrote %d of %d bytes: %w", fn, written, outSize, result.Unexpected)
	}

	out, err := rt.space.Read(outAddr, written)
	if err != nil {
		return nil, fmt.Errorf("reading output: %w", err)
	}
	ret, err := calls.ParseReturnArgs(out)
	if err != nil {
		return nil, err
	}
	if ret.Result != result.OK {
		return nil, fmt.Errorf("host function %d: %w", fn, ret.Result)
	}
	if (ret.DeepCopyBuffer == 0) != (ret.DeepCopySize == 0) {
		return nil, fmt.Errorf("host function %d: deep copy pointer and size disagree: %w", fn, result.InvalidParameter)
	}

	reply := &Reply{Output: out[calls.ReturnArgsSize:]}
	if ret.DeepCopyBuffer != 0 {
		if reply.DeepCopy, err = rt.deepCopyIn(env, ret); err != nil {
			return nil, fmt.Errorf("host function %d: %w", fn, err)
		}
		reply.DeepCopySize = ret.DeepCopySize
	}
	return reply, nil
}

// deepCopyIn moves a variable length host result into the enclave heap and frees the host copy.
func (rt *Runtime) deepCopyIn(env *Env, ret calls.ReturnArgs) (memory.Addr, error) {
	if ret.DeepCopySize%calls.BufferAlignment != 0 {
		return 0, fmt.Errorf("deep copy size %#x: %w", ret.DeepCopySize, result.InvalidParameter)
	}
	sp, err := rt.boundary.Outside(memory.Addr(ret.DeepCopyBuffer), ret.DeepCopySize, calls.BufferAlignment)
	if err != nil {
		return 0, fmt.Errorf("deep copy buffer: %w", err)
	}
	data, err := rt.space.ReadSpan(sp)
	if err != nil {
		return 0, fmt.Errorf("reading deep copy buffer: %w", err)
	}
	addr, err := rt.heap.Alloc(ret.DeepCopySize)
	if err != nil {
		return 0, err
	}
	if err := rt.space.Write(addr, data); err != nil {
		_ = rt.heap.Free(addr)
		return 0, err
	}
	rt.freeHost(env, sp.Addr())
	return addr, nil
}

// postSwitchless hands a host call to a host switchless worker and waits for its completion.
// It reports false if no worker accepted the call.
func (rt *Runtime) postSwitchless(env *Env, args memory.Addr) (bool, error) {
	board := rt.hostBoard.Load()
	if board == nil {
		return false, nil
	}
	i, err := board.Post(uint64(args))
	if errors.Is(err, result.SwitchlessMissed) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	// A worker that parked or stopped meanwhile is woken again. The host serves the call itself
	// once its workers are gone.
	wake := func() error {
		if err := rt.Status().Err(); err != nil {
			return err
		}
		sleeping, err := board.Sleeping(i)
		if err != nil || !sleeping {
			return err
		}
		res, _ := rt.ocall(env, calls.OCallWakeSwitchlessWorker, uint64(i))
		return res.Err()
	}
	if err := wake(); err != nil {
		return true, err
	}
	if _, err := switchless.Wait(rt.space, args, wake); err != nil {
		return true, err
	}
	return true, nil
}
