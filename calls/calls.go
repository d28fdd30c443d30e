/*
Package calls defines the contract between the host and the enclave at the hardware gate.

Every transition through the gate carries two 64-bit registers.
The first register is a tagged union of call code, function id, flags and result:

	 63        48 47        32 31        16 15         0
	+------------+------------+------------+------------+
	|    code    |  function  |   flags    |   result   |
	+------------+------------+------------+------------+

The second register carries a function specific argument, usually the address of an argument structure in host memory.
[Arg1] is the only place where the first register is packed or unpacked.
*/
package calls

import (
	"fmt"

	"github.com/edgelesssys/go-enclave/result"
)

// Code is the kind of transition through the gate.
type Code uint16

const (
	// CodeNone is the zero value and never valid on the wire.
	CodeNone Code = iota
	// CodeECall enters the enclave to run a function.
	CodeECall
	// CodeERet returns from an ECALL.
	CodeERet
	// CodeOCall leaves the enclave to run a host function.
	CodeOCall
	// CodeORet returns from an OCALL.
	CodeORet
)

func (c Code) String() string {
	switch c {
	case CodeECall:
		return "ECALL"
	case CodeERet:
		return "ERET"
	case CodeOCall:
		return "OCALL"
	case CodeORet:
		return "ORET"
	default:
		return fmt.Sprintf("CODE(%d)", uint16(c))
	}
}

// Func is a function id. ECALL and OCALL ids live in separate namespaces.
type Func uint16

// ECALL function ids.
const (
	ECallDestructor Func = iota
	ECallInitEnclave
	ECallCallEnclaveFunction
	ECallCallAtExitFunctions
	ECallVirtualExceptionHandler
	ECallInitSwitchless
	ECallSwitchlessWorker
)

// OCALL function ids.
const (
	OCallCallHostFunction Func = iota
	OCallMalloc
	OCallFree
	OCallSleepSwitchlessWorker
	OCallWakeSwitchlessWorker
)

// Results of a second level exception dispatch, returned in the second register.
const (
	// ExceptionNotHandled indicates that no enclave handler claimed the fault.
	ExceptionNotHandled uint64 = 0
	// ExceptionEnclaveHandled indicates that an enclave handler fixed up the fault and the slot may resume.
	ExceptionEnclaveHandled uint64 = 0xFFFFFFFF
)

// Arg1 is the decoded form of the first gate register.
type Arg1 struct {
	Code   Code
	Func   Func
	Flags  uint16
	Result result.Result
}

// Encode packs a into a register value.
// Results are carried in 16 bits, which holds every defined result code.
func (a Arg1) Encode() uint64 {
	return uint64(a.Code)<<48 | uint64(a.Func)<<32 | uint64(a.Flags)<<16 | uint64(uint16(a.Result))
}

// DecodeArg1 unpacks a register value.
func DecodeArg1(v uint64) Arg1 {
	return Arg1{
		Code:   Code(v >> 48),
		Func:   Func(v >> 32),
		Flags:  uint16(v >> 16),
		Result: result.Result(uint16(v)),
	}
}

func (a Arg1) String() string {
	return fmt.Sprintf("%s func=%d flags=%#x result=%s", a.Code, a.Func, a.Flags, a.Result.String())
}

// ECall returns the first register for an ECALL of fn.
func ECall(fn Func) uint64 {
	return Arg1{Code: CodeECall, Func: fn}.Encode()
}

// ERet returns the first register for the return of an ECALL of fn.
func ERet(fn Func, res result.Result) uint64 {
	return Arg1{Code: CodeERet, Func: fn, Result: res}.Encode()
}

// OCall returns the first register for an OCALL of fn.
func OCall(fn Func) uint64 {
	return Arg1{Code: CodeOCall, Func: fn}.Encode()
}

// ORet returns the first register for the return of an OCALL of fn.
func ORet(fn Func, res result.Result) uint64 {
	return Arg1{Code: CodeORet, Func: fn, Result: res}.Encode()
}

// Exit is the state of the registers when control leaves the enclave.
type Exit struct {
	Arg1 uint64
	Arg2 uint64
	// AEX is set if the enclave was left asynchronously because of a fault.
	// Arg1 and Arg2 then carry what the host's fault handler observes: the exception code and the faulting address.
	AEX bool
}

// Decode returns the decoded first register.
func (e Exit) Decode() Arg1 {
	return DecodeArg1(e.Arg1)
}
