// Package result defines the result codes exchanged across the enclave boundary.
//
// A Result is carried numerically in wire structures and call registers.
// On the Go side every non-OK Result is an error value and can be matched with [errors.Is]:
//
//	if errors.Is(err, result.OutOfThreads) {
//		// retry later
//	}
package result

import (
	"errors"
	"fmt"
)

// Result is a discriminated status code.
type Result uint32

// Result codes.
const (
	// OK indicates success.
	OK Result = iota
	// Failure is the generic failure code.
	Failure
	// BufferTooSmall indicates that a caller supplied buffer cannot hold the result.
	BufferTooSmall
	// InvalidParameter indicates a malformed argument, e.g. a pointer on the wrong side of the boundary.
	InvalidParameter
	// ReentrantECall indicates an attempt to nest a call that may not be nested.
	ReentrantECall
	// OutOfMemory indicates an allocator or capacity limit was reached.
	OutOfMemory
	// OutOfThreads indicates that no execution slot is free.
	OutOfThreads
	// Unexpected indicates a protocol violation by the other side.
	Unexpected
	// VerifyFailed indicates a measurement or signature mismatch.
	VerifyFailed
	// NotFound indicates a function id missing from a call table.
	NotFound
	// EnclaveAborting indicates that the enclave is crashing and refuses calls.
	EnclaveAborting
	// EnclaveAborted indicates that the enclave has crashed and was torn down.
	EnclaveAborted
	// SwitchlessMissed indicates that no switchless worker accepted a posted call.
	SwitchlessMissed
	// Unsupported indicates a feature that is not available on this platform.
	Unsupported
	// DebugDowngrade indicates a debug request for an image that does not allow debugging.
	DebugDowngrade
	// AlreadyInitialized indicates a second initialization attempt.
	AlreadyInitialized

	maxResult
)

var names = [...]string{
	OK:                 "OK",
	Failure:            "FAILURE",
	BufferTooSmall:     "BUFFER_TOO_SMALL",
	InvalidParameter:   "INVALID_PARAMETER",
	ReentrantECall:     "REENTRANT_ECALL",
	OutOfMemory:        "OUT_OF_MEMORY",
	OutOfThreads:       "OUT_OF_THREADS",
	Unexpected:         "UNEXPECTED",
	VerifyFailed:       "VERIFY_FAILED",
	NotFound:           "NOT_FOUND",
	EnclaveAborting:    "ENCLAVE_ABORTING",
	EnclaveAborted:     "ENCLAVE_ABORTED",
	SwitchlessMissed:   "SWITCHLESS_MISSED",
	Unsupported:        "UNSUPPORTED",
	DebugDowngrade:     "DEBUG_DOWNGRADE",
	AlreadyInitialized: "ALREADY_INITIALIZED",
}

// String returns the symbolic name of the result.
func (r Result) String() string {
	if r.Valid() {
		return names[r]
	}
	return fmt.Sprintf("RESULT(%#x)", uint32(r))
}

// Error implements the error interface.
func (r Result) Error() string {
	return "enclave result " + r.String()
}

// Valid reports whether r is a known result code.
func (r Result) Valid() bool {
	return r < maxResult
}

// Err returns nil for OK and r otherwise.
func (r Result) Err() error {
	if r == OK {
		return nil
	}
	return r
}

// From extracts the Result carried by err.
// It returns OK for a nil error and Failure if err carries no Result.
func From(err error) Result {
	if err == nil {
		return OK
	}
	var r Result
	if errors.As(err, &r) {
		return r
	}
	return Failure
}

// IsCrashing reports whether err says the enclave refuses calls because it is aborting or aborted.
func IsCrashing(err error) bool {
	return errors.Is(err, EnclaveAborting) || errors.Is(err, EnclaveAborted)
}

// IsProtocolViolation reports whether err is a state machine violation reported by the enclave.
func IsProtocolViolation(err error) bool {
	return errors.Is(err, ReentrantECall) || errors.Is(err, Unexpected)
}

// IsRetryable reports whether the same call may succeed when retried later
// or with different resources, e.g. a bigger output buffer.
func IsRetryable(err error) bool {
	return errors.Is(err, OutOfThreads) || errors.Is(err, BufferTooSmall) || errors.Is(err, SwitchlessMissed)
}
