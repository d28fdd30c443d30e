package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
)

// DefaultOCallBufferSize is the size of the scratch buffer of a slot.
// Host calls whose buffers fit into it need no host allocation.
const DefaultOCallBufferSize = 4096

// binding is a thread slot of the enclave and the host buffers used while it is claimed.
type binding struct {
	tcs     memory.Addr
	claimed atomic.Bool

	// Set on first use by the claimer.
	block     memory.Addr
	ecallCtx  memory.Addr
	exception memory.Addr
}

const bindingBlockSize = calls.ECallContextSize + calls.ExceptionContextSize + DefaultOCallBufferSize

// registry hands out thread slots to host goroutines.
type registry struct {
	bindings []*binding
	heap     *memory.Heap
	space    *memory.Space
	maxWait  time.Duration
}

func newRegistry(tcs []memory.Addr, space *memory.Space, heap *memory.Heap, maxWait time.Duration) *registry {
	r := &registry{space: space, heap: heap, maxWait: maxWait}
	for _, t := range tcs {
		r.bindings = append(r.bindings, &binding{tcs: t})
	}
	return r
}

// callerKey is the context key of the binding a host goroutine is inside the enclave with.
type callerKey struct{}

type caller struct {
	enclave *Enclave
	binding *binding
}

func withCaller(ctx context.Context, e *Enclave, b *binding) context.Context {
	return context.WithValue(ctx, callerKey{}, &caller{enclave: e, binding: b})
}

// callerOf returns the binding ctx holds for e, if any.
func callerOf(ctx context.Context, e *Enclave) (*caller, bool) {
	c, ok := ctx.Value(callerKey{}).(*caller)
	if !ok || c.enclave != e {
		return nil, false
	}
	return c, true
}

// acquire returns a slot for a call with ctx. A goroutine already inside the enclave keeps its slot.
// The returned function releases the slot.
func (r *registry) acquire(ctx context.Context, e *Enclave) (*binding, func(), error) {
	if c, ok := callerOf(ctx, e); ok && c.binding != nil {
		return c.binding, func() {}, nil
	}

	b, err := r.claim()
	if errors.Is(err, result.OutOfThreads) && r.maxWait > 0 {
		bo := backoff.NewExponentialBackOff()
		bo.InitialInterval = time.Millisecond
		bo.MaxInterval = r.maxWait / 4
		bo.MaxElapsedTime = r.maxWait
		err = backoff.Retry(func() error {
			var claimErr error
			b, claimErr = r.claim()
			return claimErr
		}, backoff.WithContext(bo, ctx))
	}
	if err != nil {
		return nil, nil, err
	}

	if err := r.prepare(b); err != nil {
		b.claimed.Store(false)
		return nil, nil, err
	}
	return b, func() { b.claimed.Store(false) }, nil
}

func (r *registry) claim() (*binding, error) {
	for _, b := range r.bindings {
		if b.claimed.CompareAndSwap(false, true) {
			return b, nil
		}
	}
	return nil, fmt.Errorf("all %d slots are busy: %w", len(r.bindings), result.OutOfThreads)
}

// prepare allocates the host buffers of a claimed slot.
func (r *registry) prepare(b *binding) error {
	if b.block != 0 {
		return nil
	}
	block, err := r.heap.Alloc(bindingBlockSize)
	if err != nil {
		return fmt.Errorf("allocating slot buffers: %w", err)
	}
	if err := r.space.Zero(block, bindingBlockSize); err != nil {
		_ = r.heap.Free(block)
		return err
	}
	exception := block + calls.ECallContextSize
	scratch := exception + calls.ExceptionContextSize
	ctx := calls.ECallContext{OCallBuffer: uint64(scratch), OCallBufferSize: DefaultOCallBufferSize}
	raw := ctx.Marshal()
	if err := r.space.Write(block, raw[:]); err != nil {
		_ = r.heap.Free(block)
		return err
	}
	b.block, b.ecallCtx, b.exception = block, block, exception
	return nil
}

// release frees the host buffers of all slots. No slot may be in use.
func (r *registry) release() {
	for _, b := range r.bindings {
		if b.block != 0 {
			_ = r.heap.Free(b.block)
			b.block, b.ecallCtx, b.exception = 0, 0, 0
		}
	}
}

func (r *registry) busy() int {
	n := 0
	for _, b := range r.bindings {
		if b.claimed.Load() {
			n++
		}
	}
	return n
}
