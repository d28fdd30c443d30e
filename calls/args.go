package calls

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/edgelesssys/go-enclave/result"
)

const (
	// BufferAlignment is the alignment required for argument structures, buffers and buffer sizes.
	BufferAlignment = 8
	// ResultPending is stored in the result field of a switchless call until the call completed.
	ResultPending = math.MaxUint64
)

// Sizes of the wire structures.
const (
	FunctionArgsSize      = 64
	ReturnArgsSize        = 24
	ECallContextSize      = FunctionArgsSize + 16
	ExceptionContextSize  = 16
	SwitchlessConfigSize  = 16
	WorkerContextSize     = 16
	MailboxSize           = 16
	FunctionArgsResultOff = 48
	WorkerContextStopOff  = 8
)

// FunctionArgs describes a call of a user function in either direction.
// The buffers are owned by the host in both directions.
type FunctionArgs struct {
	FunctionID         uint64
	InputBuffer        uint64
	InputBufferSize    uint64
	OutputBuffer       uint64
	OutputBufferSize   uint64
	OutputBytesWritten uint64
	// Result is a result.Result, or ResultPending while a switchless call is in flight.
	Result uint64
	// InputLength is the number of input bytes the caller passes.
	// InputBufferSize is InputLength rounded up to BufferAlignment.
	InputLength uint64
}

// Marshal serializes the arguments to their wire representation.
func (a *FunctionArgs) Marshal() [FunctionArgsSize]byte {
	var out [FunctionArgsSize]byte
	binary.LittleEndian.PutUint64(out[0:8], a.FunctionID)
	binary.LittleEndian.PutUint64(out[8:16], a.InputBuffer)
	binary.LittleEndian.PutUint64(out[16:24], a.InputBufferSize)
	binary.LittleEndian.PutUint64(out[24:32], a.OutputBuffer)
	binary.LittleEndian.PutUint64(out[32:40], a.OutputBufferSize)
	binary.LittleEndian.PutUint64(out[40:48], a.OutputBytesWritten)
	binary.LittleEndian.PutUint64(out[48:56], a.Result)
	binary.LittleEndian.PutUint64(out[56:64], a.InputLength)
	return out
}

// ParseFunctionArgs parses the wire representation of FunctionArgs.
func ParseFunctionArgs(b []byte) (FunctionArgs, error) {
	if len(b) < FunctionArgsSize {
		return FunctionArgs{}, fmt.Errorf("function args: need %d bytes, got %d: %w", FunctionArgsSize, len(b), result.InvalidParameter)
	}
	return FunctionArgs{
		FunctionID:         binary.LittleEndian.Uint64(b[0:8]),
		InputBuffer:        binary.LittleEndian.Uint64(b[8:16]),
		InputBufferSize:    binary.LittleEndian.Uint64(b[16:24]),
		OutputBuffer:       binary.LittleEndian.Uint64(b[24:32]),
		OutputBufferSize:   binary.LittleEndian.Uint64(b[32:40]),
		OutputBytesWritten: binary.LittleEndian.Uint64(b[40:48]),
		Result:             binary.LittleEndian.Uint64(b[48:56]),
		InputLength:        binary.LittleEndian.Uint64(b[56:64]),
	}, nil
}

// ReturnArgs is written by the callee at the start of the output buffer.
type ReturnArgs struct {
	Result result.Result
	// DeepCopyBuffer and DeepCopySize describe variable length output allocated by the callee.
	// Both are zero if there is none.
	DeepCopyBuffer uint64
	DeepCopySize   uint64
}

// Marshal serializes the return arguments to their wire representation.
func (r *ReturnArgs) Marshal() [ReturnArgsSize]byte {
	var out [ReturnArgsSize]byte
	binary.LittleEndian.PutUint32(out[0:4], uint32(r.Result))
	binary.LittleEndian.PutUint64(out[8:16], r.DeepCopyBuffer)
	binary.LittleEndian.PutUint64(out[16:24], r.DeepCopySize)
	return out
}

// ParseReturnArgs parses the return arguments at the start of b.
func ParseReturnArgs(b []byte) (ReturnArgs, error) {
	if len(b) < ReturnArgsSize {
		return ReturnArgs{}, fmt.Errorf("return args: need %d bytes, got %d: %w", ReturnArgsSize, len(b), result.BufferTooSmall)
	}
	return ReturnArgs{
		Result:         result.Result(binary.LittleEndian.Uint32(b[0:4])),
		DeepCopyBuffer: binary.LittleEndian.Uint64(b[8:16]),
		DeepCopySize:   binary.LittleEndian.Uint64(b[16:24]),
	}, nil
}

// PutReturnArgs writes r to the start of the output buffer out.
func PutReturnArgs(out []byte, r ReturnArgs) error {
	if len(out) < ReturnArgsSize {
		return fmt.Errorf("return args: need %d bytes, got %d: %w", ReturnArgsSize, len(out), result.BufferTooSmall)
	}
	raw := r.Marshal()
	copy(out, raw[:])
	return nil
}

// Reply writes a successful return header followed by payload to out and returns the number of bytes written.
func Reply(out, payload []byte) (uint64, error) {
	n := ReturnArgsSize + len(payload)
	if len(out) < n {
		return 0, fmt.Errorf("reply: need %d bytes, got %d: %w", n, len(out), result.BufferTooSmall)
	}
	raw := (&ReturnArgs{}).Marshal()
	copy(out, raw[:])
	copy(out[ReturnArgsSize:], payload)
	return uint64(n), nil
}

// AlignedSize rounds n up to BufferAlignment. It reports false on overflow.
func AlignedSize(n uint64) (uint64, bool) {
	if n > math.MaxUint64-(BufferAlignment-1) {
		return 0, false
	}
	return (n + BufferAlignment - 1) &^ (BufferAlignment - 1), true
}

// ECallContext is passed by the host on every entry.
// It provides the storage the enclave uses for outgoing calls.
type ECallContext struct {
	OCallArgs       FunctionArgs
	OCallBuffer     uint64
	OCallBufferSize uint64
}

// Marshal serializes the context to its wire representation.
func (c *ECallContext) Marshal() [ECallContextSize]byte {
	var out [ECallContextSize]byte
	args := c.OCallArgs.Marshal()
	copy(out[0:FunctionArgsSize], args[:])
	binary.LittleEndian.PutUint64(out[FunctionArgsSize:FunctionArgsSize+8], c.OCallBuffer)
	binary.LittleEndian.PutUint64(out[FunctionArgsSize+8:FunctionArgsSize+16], c.OCallBufferSize)
	return out
}

// ParseECallContext parses the wire representation of an ECallContext.
func ParseECallContext(b []byte) (ECallContext, error) {
	if len(b) < ECallContextSize {
		return ECallContext{}, fmt.Errorf("ecall context: need %d bytes, got %d: %w", ECallContextSize, len(b), result.InvalidParameter)
	}
	args, err := ParseFunctionArgs(b[0:FunctionArgsSize])
	if err != nil {
		return ECallContext{}, err
	}
	return ECallContext{
		OCallArgs:       args,
		OCallBuffer:     binary.LittleEndian.Uint64(b[FunctionArgsSize : FunctionArgsSize+8]),
		OCallBufferSize: binary.LittleEndian.Uint64(b[FunctionArgsSize+8 : FunctionArgsSize+16]),
	}, nil
}

// ExceptionContext is the host's view of a fault, passed to the exception dispatch ECALL.
// The enclave treats it as untrusted hint data only.
type ExceptionContext struct {
	Signal  uint64
	Address uint64
}

// Marshal serializes the context to its wire representation.
func (c *ExceptionContext) Marshal() [ExceptionContextSize]byte {
	var out [ExceptionContextSize]byte
	binary.LittleEndian.PutUint64(out[0:8], c.Signal)
	binary.LittleEndian.PutUint64(out[8:16], c.Address)
	return out
}

// SwitchlessConfig tells the enclave where the host workers' mailboxes are.
type SwitchlessConfig struct {
	Board   uint64
	Workers uint64
}

// Marshal serializes the config to its wire representation.
func (c *SwitchlessConfig) Marshal() [SwitchlessConfigSize]byte {
	var out [SwitchlessConfigSize]byte
	binary.LittleEndian.PutUint64(out[0:8], c.Board)
	binary.LittleEndian.PutUint64(out[8:16], c.Workers)
	return out
}

// ParseSwitchlessConfig parses the wire representation of a SwitchlessConfig.
func ParseSwitchlessConfig(b []byte) (SwitchlessConfig, error) {
	if len(b) < SwitchlessConfigSize {
		return SwitchlessConfig{}, fmt.Errorf("switchless config: need %d bytes, got %d: %w", SwitchlessConfigSize, len(b), result.InvalidParameter)
	}
	return SwitchlessConfig{
		Board:   binary.LittleEndian.Uint64(b[0:8]),
		Workers: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}

// WorkerContext is the argument of the switchless worker ECALL.
// The stop word at WorkerContextStopOff is set by the host to end the worker.
type WorkerContext struct {
	Mailbox uint64
	Stop    uint64
}

// Marshal serializes the context to its wire representation.
func (c *WorkerContext) Marshal() [WorkerContextSize]byte {
	var out [WorkerContextSize]byte
	binary.LittleEndian.PutUint64(out[0:8], c.Mailbox)
	binary.LittleEndian.PutUint64(out[8:16], c.Stop)
	return out
}

// ParseWorkerContext parses the wire representation of a WorkerContext.
func ParseWorkerContext(b []byte) (WorkerContext, error) {
	if len(b) < WorkerContextSize {
		return WorkerContext{}, fmt.Errorf("worker context: need %d bytes, got %d: %w", WorkerContextSize, len(b), result.InvalidParameter)
	}
	return WorkerContext{
		Mailbox: binary.LittleEndian.Uint64(b[0:8]),
		Stop:    binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}
