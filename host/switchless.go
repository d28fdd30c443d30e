package host

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/switchless"
)

// switchlessManager runs the worker goroutines of switchless calls.
//
// Host workers serve host calls the enclave posts to the host board. Enclave workers each hold a slot
// with a long running SwitchlessWorker ECALL and serve enclave calls the host posts to the enclave board.
type switchlessManager struct {
	e *Enclave

	hostBlock   memory.Addr
	hostBoard   *switchless.Board
	hostParkers []*switchless.Parker

	enclaveBlock   memory.Addr
	enclaveBoard   *switchless.Board
	enclaveParkers []*switchless.Parker
	workerCtx      []memory.Addr
	alive          []atomic.Bool

	cancel    context.CancelFunc
	group     *errgroup.Group
	stopped   atomic.Bool
	fallbacks atomic.Uint64
}

var errWorkerExited = errors.New("enclave switchless worker exited")

// startSwitchless starts the workers and announces the host board to the enclave.
func (e *Enclave) startSwitchless(hostWorkers, enclaveWorkers int, clk clock.Clock) error {
	m := e.switchless
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.group, ctx = errgroup.WithContext(ctx)
	ctx = withCaller(ctx, e, nil)

	if hostWorkers > 0 {
		if err := m.startHostWorkers(ctx, hostWorkers, clk); err != nil {
			return err
		}
	}
	if enclaveWorkers > 0 {
		if err := m.startEnclaveWorkers(ctx, enclaveWorkers, clk); err != nil {
			return err
		}
	}
	e.log.WithField("host_workers", hostWorkers).WithField("enclave_workers", enclaveWorkers).Info("switchless calls enabled")
	return nil
}

func (m *switchlessManager) startHostWorkers(ctx context.Context, n int, clk clock.Clock) error {
	e := m.e
	size := switchless.Size(n) + calls.SwitchlessConfigSize
	block, err := e.heap.Alloc(size)
	if err != nil {
		return fmt.Errorf("allocating host switchless board: %w", err)
	}
	m.hostBlock = block
	if err := e.space.Zero(block, size); err != nil {
		return err
	}
	if m.hostBoard, err = switchless.NewBoard(e.space, block, n); err != nil {
		return err
	}
	for i := 0; i < n; i++ {
		m.hostParkers = append(m.hostParkers, switchless.NewParker(clk, switchless.DefaultParkTimeout))
	}
	for i := 0; i < n; i++ {
		w := &switchless.Worker{
			Board: m.hostBoard,
			Index: i,
			Stopped: func() (bool, error) {
				return ctx.Err() != nil, nil
			},
			Handle: func(desc uint64) error {
				e.callHostFunction(ctx, memory.Addr(desc))
				return nil
			},
			Park: func() error {
				_ = m.hostParkers[i].Park(ctx)
				return nil
			},
		}
		m.group.Go(w.Run)
	}

	cfgAddr := block + memory.Addr(switchless.Size(n))
	cfg := calls.SwitchlessConfig{Board: uint64(block), Workers: uint64(n)}
	raw := cfg.Marshal()
	if err := e.space.Write(cfgAddr, raw[:]); err != nil {
		return err
	}
	if _, err := e.ecall(context.Background(), calls.ECallInitSwitchless, uint64(cfgAddr)); err != nil {
		return fmt.Errorf("initializing switchless calls: %w", err)
	}
	return nil
}

func (m *switchlessManager) startEnclaveWorkers(ctx context.Context, n int, clk clock.Clock) error {
	e := m.e
	boardSize := switchless.Size(n)
	size := boardSize + uint64(n)*calls.WorkerContextSize
	block, err := e.heap.Alloc(size)
	if err != nil {
		return fmt.Errorf("allocating enclave switchless board: %w", err)
	}
	m.enclaveBlock = block
	if err := e.space.Zero(block, size); err != nil {
		return err
	}
	if m.enclaveBoard, err = switchless.NewBoard(e.space, block, n); err != nil {
		return err
	}
	m.alive = make([]atomic.Bool, n)
	for i := 0; i < n; i++ {
		wc := block + memory.Addr(boardSize) + memory.Addr(uint64(i)*calls.WorkerContextSize)
		c := calls.WorkerContext{Mailbox: uint64(m.enclaveBoard.Mailbox(i))}
		raw := c.Marshal()
		if err := e.space.Write(wc, raw[:]); err != nil {
			return err
		}
		m.workerCtx = append(m.workerCtx, wc)
		m.enclaveParkers = append(m.enclaveParkers, switchless.NewParker(clk, switchless.DefaultParkTimeout))
	}

	for i := 0; i < n; i++ {
		// Workers hold their slot until they stop, so claim them all up front.
		b, release, err := e.registry.acquire(context.Background(), e)
		if err != nil {
			return fmt.Errorf("claiming a slot for enclave switchless worker %d: %w", i, err)
		}
		m.alive[i].Store(true)
		m.group.Go(func() error {
			defer release()
			defer m.alive[i].Store(false)
			_, err := e.enter(ctx, b, calls.ECallSwitchlessWorker, uint64(m.workerCtx[i]))
			if err != nil && !result.IsCrashing(err) {
				e.log.WithError(err).WithField("worker", i).Warn("enclave switchless worker failed")
			}
			return nil
		})
	}
	return nil
}

// postECall hands an enclave call to a free enclave worker and waits for its completion.
// It reports false if no worker accepted the call.
func (m *switchlessManager) postECall(args memory.Addr) (bool, error) {
	if m.enclaveBoard == nil {
		return false, nil
	}
	i, err := m.enclaveBoard.Post(uint64(args))
	if errors.Is(err, result.SwitchlessMissed) {
		m.fallbacks.Add(1)
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if sleeping, err := m.enclaveBoard.Sleeping(i); err == nil && sleeping {
		m.enclaveParkers[i].Wake()
	}
	_, err = switchless.Wait(m.e.space, args, func() error {
		if !m.alive[i].Load() {
			return errWorkerExited
		}
		return nil
	})
	if !errors.Is(err, errWorkerExited) {
		return true, err
	}
	// The worker is gone. Take the call back unless it was served.
	space := m.e.space
	if ok, err := space.CompareAndSwapUint64(m.enclaveBoard.Mailbox(i), uint64(args), 0); err == nil && ok {
		m.fallbacks.Add(1)
		return false, nil
	}
	if v, err := space.LoadUint64(args + calls.FunctionArgsResultOff); err == nil && v != calls.ResultPending {
		return true, nil
	}
	return true, fmt.Errorf("enclave switchless worker %d exited: %w", i, result.EnclaveAborting)
}

// sleepEnclaveWorker parks the enclave worker with context wc until it is woken.
func (m *switchlessManager) sleepEnclaveWorker(ctx context.Context, wc memory.Addr) result.Result {
	for i, a := range m.workerCtx {
		if a == wc {
			_ = m.enclaveParkers[i].Park(ctx)
			return result.OK
		}
	}
	return result.InvalidParameter
}

// wakeHostWorker wakes host worker i. Once the workers are stopped, the call posted to i is served inline.
func (m *switchlessManager) wakeHostWorker(ctx context.Context, i uint64) result.Result {
	if i >= uint64(len(m.hostParkers)) {
		return result.InvalidParameter
	}
	if !m.stopped.Load() {
		m.hostParkers[i].Wake()
		return result.OK
	}
	desc, err := m.hostBoard.Take(int(i))
	if err != nil {
		return result.InvalidParameter
	}
	if desc != 0 {
		m.e.callHostFunction(ctx, memory.Addr(desc))
		if err := m.hostBoard.Done(int(i)); err != nil {
			return result.InvalidParameter
		}
	}
	return result.OK
}

// stop ends all workers and waits for them.
func (m *switchlessManager) stop() {
	if m.group == nil {
		return
	}
	e := m.e
	for i, wc := range m.workerCtx {
		if err := e.space.StoreUint64(wc+calls.WorkerContextStopOff, 1); err != nil {
			e.log.WithError(err).WithField("worker", i).Warn("stopping enclave switchless worker")
		}
		m.enclaveParkers[i].Wake()
	}
	m.cancel()
	for _, p := range m.hostParkers {
		p.Wake()
	}
	_ = m.group.Wait()
	m.group = nil
	m.stopped.Store(true)

	if n := m.fallbacks.Load(); n > 0 {
		e.log.WithField("fallbacks", n).Warn("switchless calls fell back to ecalls")
	}
}

// release frees the boards. The workers must be stopped.
func (m *switchlessManager) release() {
	for _, a := range []memory.Addr{m.hostBlock, m.enclaveBlock} {
		if a != 0 {
			_ = m.e.heap.Free(a)
		}
	}
	m.hostBlock, m.enclaveBlock = 0, 0
}
