package switchless

import (
	"context"
	"time"

	"k8s.io/utils/clock"
)

// DefaultParkTimeout bounds how long a parked worker sleeps without a wakeup.
const DefaultParkTimeout = 100 * time.Millisecond

// Parker parks a worker goroutine.
// A wakeup that arrives before the worker parks is not lost.
type Parker struct {
	wake    chan struct{}
	clock   clock.Clock
	timeout time.Duration
}

// NewParker returns a Parker whose parks end after timeout on clk.
func NewParker(clk clock.Clock, timeout time.Duration) *Parker {
	return &Parker{wake: make(chan struct{}, 1), clock: clk, timeout: timeout}
}

// Park blocks until Wake is called, the timeout expires or ctx is done.
func (p *Parker) Park(ctx context.Context) error {
	timer := p.clock.NewTimer(p.timeout)
	defer timer.Stop()
	select {
	case <-p.wake:
		return nil
	case <-timer.C():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake releases a parked worker, or the next one to park.
func (p *Parker) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}
