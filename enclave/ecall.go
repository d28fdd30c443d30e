package enclave

import (
	"encoding/binary"
	"fmt"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

func (rt *Runtime) handleECall(env *Env, fn calls.Func, arg uint64) {
	defer rt.recoverPanic(env, fn)
	th := env.th

	if !th.push(fn) {
		rt.abort(env, "ecall nesting exhausted")
	}
	res, out := rt.dispatch(env, fn, arg)
	th.pop()

	if fn != calls.ECallVirtualExceptionHandler && th.state != StateSecondLevel {
		th.state = StateExited
	}
	rt.exit(env, calls.Exit{Arg1: calls.ERet(fn, res), Arg2: out})
}

func (rt *Runtime) recoverPanic(env *Env, fn calls.Func) {
	if r := recover(); r != nil {
		rt.abort(env, fmt.Sprintf("panic in ecall %d: %v", fn, r))
	}
}

func (rt *Runtime) dispatch(env *Env, fn calls.Func, arg uint64) (result.Result, uint64) {
	switch {
	case fn == calls.ECallInitEnclave && rt.initStarted.Load():
		return result.AlreadyInitialized, 0
	case !rt.initialized.Load() && fn != calls.ECallInitEnclave && fn != calls.ECallDestructor && fn != calls.ECallVirtualExceptionHandler:
		return result.Unexpected, 0
	case env.th.depth() > 1 && fn != calls.ECallVirtualExceptionHandler && fn != calls.ECallDestructor:
		return result.ReentrantECall, 0
	}

	switch fn {
	case calls.ECallInitEnclave:
		return rt.initEnclave(env, arg), 0
	case calls.ECallCallEnclaveFunction:
		return rt.callEnclaveFunction(env, arg), 0
	case calls.ECallCallAtExitFunctions:
		rt.runAtExit(env)
		return result.OK, 0
	case calls.ECallDestructor:
		return rt.destruct(env), 0
	case calls.ECallVirtualExceptionHandler:
		return rt.handleException(env, arg)
	case calls.ECallInitSwitchless:
		return rt.initSwitchless(arg), 0
	case calls.ECallSwitchlessWorker:
		return rt.runSwitchlessWorker(env, arg), 0
	default:
		return result.NotFound, 0
	}
}

func (rt *Runtime) initEnclave(env *Env, arg uint64) result.Result {
	if !rt.initStarted.CompareAndSwap(false, true) {
		return result.AlreadyInitialized
	}
	if _, err := rt.boundary.Outside(memory.Addr(arg), 8, 8); err != nil {
		rt.log.WithError(err).Debug("rejecting enclave handle tag")
		return result.InvalidParameter
	}
	rt.hostTag.Store(arg)
	if init := rt.program.Init; init != nil {
		if err := init(env); err != nil {
			rt.log.WithError(err).Warn("enclave init failed")
			return result.From(err)
		}
	}
	rt.initialized.Store(true)
	return result.OK
}

func (rt *Runtime) runAtExit(env *Env) {
	if !rt.atExitDone.CompareAndSwap(false, true) {
		return
	}
	rt.atExitMu.Lock()
	fns := append([]func(*Env){}, rt.atExit...)
	rt.atExitMu.Unlock()
	for i := len(fns) - 1; i >= 0; i-- {
		fns[i](env)
	}
}

func (rt *Runtime) destruct(env *Env) result.Result {
	if rt.destroyed.Load() {
		return result.Unexpected
	}
	rt.runAtExit(env)
	if d := rt.program.Destructor; d != nil {
		d(env)
	}
	if n := rt.heap.Live(); n > 0 {
		rt.log.WithField("blocks", n).Warn("enclave heap blocks leaked at shutdown")
	}
	rt.destroyed.Store(true)
	return result.OK
}

// callEnclaveFunction runs the user function described by the host arguments at addr.
// The result is written back to the arguments and returned.
func (rt *Runtime) callEnclaveFunction(env *Env, addr uint64) result.Result {
	argsSpan, err := rt.boundary.Outside(memory.Addr(addr), calls.FunctionArgsSize, calls.BufferAlignment)
	if err != nil {
		return result.InvalidParameter
	}
	raw, err := rt.space.ReadSpan(argsSpan)
	if err != nil {
		return result.InvalidParameter
	}
	// The host may change its copy at any time, so only the local copy is used from here on.
	args, err := calls.ParseFunctionArgs(raw)
	if err != nil {
		return result.InvalidParameter
	}

	written, res := rt.runFunction(env, &args)
	if err := rt.complete(argsSpan.Addr(), written, res); err != nil {
		return result.InvalidParameter
	}
	return res
}

func (rt *Runtime) runFunction(env *Env, args *calls.FunctionArgs) (uint64, result.Result) {
	if args.OutputBufferSize < calls.ReturnArgsSize || args.OutputBufferSize%calls.BufferAlignment != 0 ||
		args.InputBufferSize%calls.BufferAlignment != 0 {
		return 0, result.InvalidParameter
	}
	if aligned, ok := calls.AlignedSize(args.InputLength); !ok || aligned != args.InputBufferSize {
		return 0, result.InvalidParameter
	}
	out, err := rt.boundary.Outside(memory.Addr(args.OutputBuffer), args.OutputBufferSize, calls.BufferAlignment)
	if err != nil {
		return 0, result.InvalidParameter
	}
	var in memory.Span
	if args.InputBufferSize > 0 {
		if in, err = rt.boundary.Outside(memory.Addr(args.InputBuffer), args.InputBufferSize, calls.BufferAlignment); err != nil {
			return 0, result.InvalidParameter
		}
	}
	if args.InputBufferSize > ^uint64(0)-args.OutputBufferSize {
		return 0, result.InvalidParameter
	}

	written, res := rt.invoke(env, args.FunctionID, in, args.InputLength, out)
	if res != result.OK {
		ret := calls.ReturnArgs{Result: res}
		raw := ret.Marshal()
		_ = rt.space.WriteWithBarrier(out.Addr(), raw[:])
		return calls.ReturnArgsSize, res
	}
	return written, result.OK
}

func (rt *Runtime) invoke(env *Env, id uint64, in memory.Span, inLen uint64, out memory.Span) (uint64, result.Result) {
	if id >= uint64(len(rt.program.Functions)) || rt.program.Functions[id] == nil {
		return 0, result.NotFound
	}
	input, err := rt.space.ReadSpan(in)
	if err != nil {
		return 0, result.InvalidParameter
	}
	input = input[:inLen]
	output := make([]byte, out.Size())

	written, err := rt.program.Functions[id](env, input, output)
	if err != nil {
		return 0, result.From(err)
	}
	if written > out.Size() {
		return 0, result.BufferTooSmall
	}
	if written < calls.ReturnArgsSize {
		written = calls.ReturnArgsSize
	}

	ret, err := calls.ParseReturnArgs(output)
	if err != nil {
		return 0, result.From(err)
	}
	if (ret.DeepCopyBuffer == 0) != (ret.DeepCopySize == 0) {
		return 0, result.InvalidParameter
	}
	var hostCopy memory.Addr
	if ret.DeepCopyBuffer != 0 {
		var res result.Result
		if hostCopy, res = rt.deepCopyOut(env, ret); res != result.OK {
			return 0, res
		}
		ret.DeepCopyBuffer = uint64(hostCopy)
		if err := calls.PutReturnArgs(output, ret); err != nil {
			rt.freeHost(env, hostCopy)
			return 0, result.From(err)
		}
	}
	if err := rt.space.WriteWithBarrier(out.Addr(), output[:written]); err != nil {
		// The host never learns the address of its copy.
		if hostCopy != 0 {
			rt.freeHost(env, hostCopy)
		}
		return 0, result.InvalidParameter
	}
	return written, result.OK
}

// deepCopyOut moves a variable length result from the enclave heap to host memory.
func (rt *Runtime) deepCopyOut(env *Env, ret calls.ReturnArgs) (memory.Addr, result.Result) {
	sp, err := rt.boundary.Within(memory.Addr(ret.DeepCopyBuffer), ret.DeepCopySize, calls.BufferAlignment)
	if err != nil {
		return 0, result.InvalidParameter
	}
	data, err := rt.space.ReadSpan(sp)
	if err != nil {
		return 0, result.InvalidParameter
	}
	if err := rt.heap.Free(sp.Addr()); err != nil {
		rt.log.WithError(err).Debug("deep copy buffer is not a heap block")
	}

	res, hostAddr := rt.ocall(env, calls.OCallMalloc, ret.DeepCopySize)
	if res != result.OK {
		return 0, res
	}
	if hostAddr == 0 {
		return 0, result.OutOfMemory
	}
	hsp, err := rt.boundary.Outside(memory.Addr(hostAddr), ret.DeepCopySize, calls.BufferAlignment)
	if err != nil {
		rt.freeHost(env, memory.Addr(hostAddr))
		return 0, result.Unexpected
	}
	if err := rt.space.WriteWithBarrier(hsp.Addr(), data); err != nil {
		rt.freeHost(env, hsp.Addr())
		return 0, result.Unexpected
	}
	return hsp.Addr(), result.OK
}

// freeHost returns a host allocation the enclave made on its own behalf.
func (rt *Runtime) freeHost(env *Env, addr memory.Addr) {
	if res, _ := rt.ocall(env, calls.OCallFree, uint64(addr)); res != result.OK {
		rt.log.WithError(res).Debug("freeing host buffer")
	}
}

// complete writes the outcome of a call to its host arguments. The result is stored last so that
// a switchless caller sees the other fields once the result is no longer pending.
func (rt *Runtime) complete(args memory.Addr, written uint64, res result.Result) error {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], written)
	if err := rt.space.WriteWithBarrier(args+calls.FunctionArgsResultOff-8, b[:]); err != nil {
		return err
	}
	return rt.space.StoreUint64(args+calls.FunctionArgsResultOff, uint64(res))
}
