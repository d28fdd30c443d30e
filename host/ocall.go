package host

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// OCallFunc is a host function callable by the enclave.
// It reads input and writes its results to output, which starts with the return header,
// and returns the number of bytes written including the header.
type OCallFunc func(ctx context.Context, input, output []byte) (uint64, error)

// dispatchOCall runs the OCALL fn issued on slot b and returns the ORET registers.
func (e *Enclave) dispatchOCall(ctx context.Context, b *binding, fn calls.Func, arg uint64) (result.Result, uint64) {
	switch fn {
	case calls.OCallCallHostFunction:
		return e.callHostFunction(ctx, memory.Addr(arg)), 0
	case calls.OCallMalloc:
		a, err := e.heap.Alloc(arg)
		if err != nil {
			e.log.WithError(err).WithField("size", arg).Debug("host allocation for the enclave failed")
			return result.OutOfMemory, 0
		}
		return result.OK, uint64(a)
	case calls.OCallFree:
		if err := e.heap.Free(memory.Addr(arg)); err != nil {
			return result.From(err), 0
		}
		return result.OK, 0
	case calls.OCallSleepSwitchlessWorker:
		return e.switchless.sleepEnclaveWorker(ctx, memory.Addr(arg)), 0
	case calls.OCallWakeSwitchlessWorker:
		return e.switchless.wakeHostWorker(ctx, arg), 0
	default:
		e.log.WithField("ocall", fn).WithField("slot", b.tcs).Debug("unknown ocall")
		return result.NotFound, 0
	}
}

// callHostFunction runs the host function described by the arguments at addr and stores the outcome in them.
func (e *Enclave) callHostFunction(ctx context.Context, addr memory.Addr) result.Result {
	sp, err := e.boundary.Outside(addr, calls.FunctionArgsSize, calls.BufferAlignment)
	if err != nil {
		return result.InvalidParameter
	}
	raw, err := e.space.ReadSpan(sp)
	if err != nil {
		return result.InvalidParameter
	}
	args, err := calls.ParseFunctionArgs(raw)
	if err != nil {
		return result.InvalidParameter
	}

	written, res := e.runOCall(ctx, &args)
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], written)
	if err := e.space.WriteWithBarrier(addr+calls.FunctionArgsResultOff-8, b[:]); err != nil {
		return result.InvalidParameter
	}
	if err := e.space.StoreUint64(addr+calls.FunctionArgsResultOff, uint64(res)); err != nil {
		return result.InvalidParameter
	}
	return res
}

func (e *Enclave) runOCall(ctx context.Context, args *calls.FunctionArgs) (uint64, result.Result) {
	if args.OutputBufferSize < calls.ReturnArgsSize || args.OutputBufferSize%calls.BufferAlignment != 0 ||
		args.InputBufferSize%calls.BufferAlignment != 0 || args.InputBufferSize > ^uint64(0)-args.OutputBufferSize {
		return 0, result.InvalidParameter
	}
	if aligned, ok := calls.AlignedSize(args.InputLength); !ok || aligned != args.InputBufferSize {
		return 0, result.InvalidParameter
	}
	out, err := e.boundary.Outside(memory.Addr(args.OutputBuffer), args.OutputBufferSize, calls.BufferAlignment)
	if err != nil {
		return 0, result.InvalidParameter
	}
	var input []byte
	if args.InputBufferSize > 0 {
		in, err := e.boundary.Outside(memory.Addr(args.InputBuffer), args.InputBufferSize, calls.BufferAlignment)
		if err != nil {
			return 0, result.InvalidParameter
		}
		if input, err = e.space.ReadSpan(in); err != nil {
			return 0, result.InvalidParameter
		}
		input = input[:args.InputLength]
	}

	fail := func(res result.Result) (uint64, result.Result) {
		ret := calls.ReturnArgs{Result: res}
		raw := ret.Marshal()
		_ = e.space.WriteWithBarrier(out.Addr(), raw[:])
		return calls.ReturnArgsSize, res
	}

	id := args.FunctionID
	if id >= uint64(len(e.ocalls)) || e.ocalls[id] == nil {
		return fail(result.NotFound)
	}
	output := make([]byte, out.Size())
	written, err := e.ocalls[id](ctx, input, output)
	if err != nil {
		return fail(result.From(err))
	}
	if written > out.Size() {
		return fail(result.BufferTooSmall)
	}
	if written < calls.ReturnArgsSize {
		written = calls.ReturnArgsSize
	}
	ret, err := calls.ParseReturnArgs(output)
	if err != nil {
		return fail(result.From(err))
	}
	if (ret.DeepCopyBuffer == 0) != (ret.DeepCopySize == 0) {
		return fail(result.InvalidParameter)
	}
	if err := e.space.WriteWithBarrier(out.Addr(), output[:written]); err != nil {
		return fail(result.InvalidParameter)
	}
	return written, result.OK
}

// DeepCopy copies data to host memory of the enclave e is calling from. A host function passes the
// returned address and size in its return header to hand variable length output to the enclave,
// which takes ownership of the copy.
func DeepCopy(ctx context.Context, data []byte) (uint64, uint64, error) {
	c, ok := ctx.Value(callerKey{}).(*caller)
	if !ok {
		return 0, 0, fmt.Errorf("deep copy outside of an ocall: %w", result.InvalidParameter)
	}
	return c.enclave.hostCopy(data)
}

func (e *Enclave) hostCopy(data []byte) (uint64, uint64, error) {
	size, ok := calls.AlignedSize(uint64(len(data)))
	if !ok || size == 0 {
		return 0, 0, fmt.Errorf("deep copy of %d bytes: %w", len(data), result.InvalidParameter)
	}
	a, err := e.heap.Alloc(size)
	if err != nil {
		return 0, 0, err
	}
	padded := make([]byte, size)
	copy(padded, data)
	if err := e.space.Write(a, padded); err != nil {
		_ = e.heap.Free(a)
		return 0, 0, err
	}
	return uint64(a), size, nil
}

// ReplyDeepCopy writes a successful return header handing a host copy of data to the enclave,
// followed by payload. It returns the number of bytes written.
func ReplyDeepCopy(ctx context.Context, out, payload, data []byte) (uint64, error) {
	n, err := calls.Reply(out, payload)
	if err != nil {
		return 0, err
	}
	addr, size, err := DeepCopy(ctx, data)
	if err != nil {
		return 0, err
	}
	if err := calls.PutReturnArgs(out, calls.ReturnArgs{DeepCopyBuffer: addr, DeepCopySize: size}); err != nil {
		return 0, err
	}
	return n, nil
}
