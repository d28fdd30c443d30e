package host

import (
	"context"
	"fmt"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// Reply is the outcome of an enclave function call.
type Reply struct {
	// Output holds the bytes the enclave function wrote after the return header.
	Output []byte
	// DeepCopy holds variable length output the function handed over, or nil.
	DeepCopy []byte
}

// Call runs enclave function fn with input. outputSize is the capacity for output after the return header.
// A host function calling back into the same enclave passes on the context it was called with,
// so that the nested call runs on the slot of its caller.
func (e *Enclave) Call(ctx context.Context, fn uint64, input []byte, outputSize uint64) (*Reply, error) {
	return e.call(ctx, fn, input, outputSize, false)
}

// CallSwitchless is Call through an enclave switchless worker. It falls back to an ECALL if
// switchless calls are not enabled or no worker is free.
func (e *Enclave) CallSwitchless(ctx context.Context, fn uint64, input []byte, outputSize uint64) (*Reply, error) {
	return e.call(ctx, fn, input, outputSize, true)
}

func (e *Enclave) call(ctx context.Context, fn uint64, input []byte, outputSize uint64, useSwitchless bool) (*Reply, error) {
	if err := e.usable(); err != nil {
		return nil, err
	}
	if _, nested := callerOf(ctx, e); !nested {
		e.callMu.RLock()
		defer e.callMu.RUnlock()
	}

	inSize, ok := calls.AlignedSize(uint64(len(input)))
	if !ok {
		return nil, result.InvalidParameter
	}
	outSize, ok := calls.AlignedSize(calls.ReturnArgsSize + outputSize)
	if !ok || outputSize > ^uint64(0)-calls.ReturnArgsSize || inSize > ^uint64(0)-outSize-calls.FunctionArgsSize {
		return nil, fmt.Errorf("calling enclave function %d: buffer sizes overflow: %w", fn, result.InvalidParameter)
	}
	block, err := e.heap.Alloc(calls.FunctionArgsSize + inSize + outSize)
	if err != nil {
		return nil, fmt.Errorf("allocating call buffers: %w", err)
	}
	defer func() { _ = e.heap.Free(block) }()

	argsAddr := block
	inAddr := block + calls.FunctionArgsSize
	outAddr := inAddr + memory.Addr(inSize)
	padded := make([]byte, inSize)
	copy(padded, input)
	if err := e.space.Write(inAddr, padded); err != nil {
		return nil, err
	}
	if err := e.space.Zero(outAddr, outSize); err != nil {
		return nil, err
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
	if err := e.space.WriteWithBarrier(argsAddr, raw[:]); err != nil {
		return nil, err
	}

	delivered := false
	if useSwitchless {
		if delivered, err = e.switchless.postECall(argsAddr); err != nil {
			return nil, fmt.Errorf("calling enclave function %d: %w", fn, err)
		}
	}
	if !delivered {
		if _, err := e.ecall(ctx, calls.ECallCallEnclaveFunction, uint64(argsAddr)); err != nil {
			return nil, fmt.Errorf("calling enclave function %d: %w", fn, err)
		}
	}
	return e.collectReply(fn, argsAddr, outAddr, outSize)
}

func (e *Enclave) collectReply(fn uint64, argsAddr, outAddr memory.Addr, outSize uint64) (*Reply, error) {
	raw, err := e.space.Read(argsAddr, calls.FunctionArgsSize)
	if err != nil {
		return nil, err
	}
	args, err := calls.ParseFunctionArgs(raw)
	if err != nil {
		return nil, err
	}
	if args.Result > uint64(^uint32(0)) {
		return nil, fmt.Errorf("enclave function %d: invalid result %#x: %w", fn, args.Result, result.Unexpected)
	}
	if res := result.Result(args.Result); res != result.OK {
		return nil, fmt.Errorf("enclave function %d: %w", fn, res)
	}
	written := args.OutputBytesWritten
	if written > outSize || written < calls.ReturnArgsSize {
		return nil, fmt.Errorf("enclave function %d: wrote %d of %d bytes: %w", fn, written, outSize, result.Unexpected)
	}
	out, err := e.space.Read(outAddr, written)
	if err != nil {
		return nil, err
	}
	ret, err := calls.ParseReturnArgs(out)
	if err != nil {
		return nil, err
	}
	if ret.Result != result.OK {
		return nil, fmt.Errorf("enclave function %d: %w", fn, ret.Result)
	}
	if (ret.DeepCopyBuffer == 0) != (ret.DeepCopySize == 0) {
		return nil, fmt.Errorf("enclave function %d: deep copy pointer and size disagree: %w", fn, result.InvalidParameter)
	}

	reply := &Reply{Output: out[calls.ReturnArgsSize:]}
	if ret.DeepCopyBuffer != 0 {
		sp, err := e.boundary.Outside(memory.Addr(ret.DeepCopyBuffer), ret.DeepCopySize, calls.BufferAlignment)
		if err != nil {
			return nil, fmt.Errorf("enclave function %d: deep copy buffer: %w", fn, err)
		}
		if reply.DeepCopy, err = e.space.ReadSpan(sp); err != nil {
			return nil, err
		}
		if err := e.heap.Free(sp.Addr()); err != nil {
			e.log.WithError(err).Debug("freeing deep copy buffer")
		}
	}
	return reply, nil
}

// ecall runs the ECALL fn on a slot acquired for ctx and returns the second register of the ERET.
func (e *Enclave) ecall(ctx context.Context, fn calls.Func, arg uint64) (uint64, error) {
	b, release, err := e.registry.acquire(ctx, e)
	if err != nil {
		return 0, err
	}
	defer release()
	return e.enter(ctx, b, fn, arg)
}

// enter runs the ECALL fn on slot b until it returns, serving the OCALLs and faults on the way.
func (e *Enclave) enter(ctx context.Context, b *binding, fn calls.Func, arg uint64) (uint64, error) {
	ctx = withCaller(ctx, e, b)
	log := e.log.WithField("slot", b.tcs)
	log.WithField("ecall", fn).Debug("entering enclave")

	exit, err := e.gate.Enter(b.tcs, calls.ECall(fn), arg, b.ecallCtx)
	for {
		if err != nil {
			return 0, err
		}
		if exit.AEX {
			exit, err = e.relay(ctx, b, exit)
			continue
		}

		a := exit.Decode()
		switch a.Code {
		case calls.CodeERet:
			switch {
			case !a.Result.Valid():
				return 0, fmt.Errorf("ecall %d returned %#x: %w", fn, uint32(a.Result), result.Unexpected)
			case result.IsCrashing(a.Result):
				return 0, fmt.Errorf("ecall %d: %w", fn, a.Result)
			case a.Func != fn:
				return 0, fmt.Errorf("ecall %d returned from ecall %d: %w", fn, a.Func, result.Unexpected)
			case a.Result != result.OK:
				return 0, a.Result
			}
			return exit.Arg2, nil
		case calls.CodeOCall:
			log.WithField("ocall", a.Func).Debug("serving ocall")
			res, out := e.dispatchOCall(ctx, b, a.Func, exit.Arg2)
			exit, err = e.gate.Enter(b.tcs, calls.ORet(a.Func, res), out, b.ecallCtx)
		default:
			return 0, fmt.Errorf("ecall %d: unexpected exit %v: %w", fn, a, result.Unexpected)
		}
	}
}

// relay delivers a fault of slot b to the enclave's exception handlers and resumes the slot.
func (e *Enclave) relay(ctx context.Context, b *binding, exit calls.Exit) (calls.Exit, error) {
	ec := calls.ExceptionContext{Signal: exit.Arg1, Address: exit.Arg2}
	raw := ec.Marshal()
	if err := e.space.Write(b.exception, raw[:]); err != nil {
		return calls.Exit{}, err
	}
	e.log.WithField("slot", b.tcs).WithField("code", exit.Arg1).Debug("relaying enclave exception")

	handled, err := e.enter(ctx, b, calls.ECallVirtualExceptionHandler, uint64(b.exception))
	if err != nil {
		return calls.Exit{}, fmt.Errorf("dispatching enclave exception: %w", err)
	}
	if handled != calls.ExceptionEnclaveHandled {
		return calls.Exit{}, fmt.Errorf("enclave exception %d not handled: %w", exit.Arg1, result.EnclaveAborting)
	}
	return e.gate.Resume(b.tcs)
}
