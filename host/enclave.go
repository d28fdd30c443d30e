/*
Package host implements the untrusted half of an enclave: creating and terminating it, calling its
functions and serving the calls it makes to the host.

Calls enter the enclave through a [Gate] on a thread slot claimed from the enclave's registry.
The host side of a slot runs a loop that serves the OCALLs and faults of the call until it returns.
In simulation mode the gate is the trusted runtime of package enclave, running in the same process
with its memory mapped into a simulated address space shared with the host.
*/
package host

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/config"
	"github.com/edgelesssys/go-enclave/eeid"
	"github.com/edgelesssys/go-enclave/enclave"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

const (
	// enclaveMagic marks a live handle.
	enclaveMagic uint64 = 0x20dc98463a5ad8b8

	// HostMemoryBase is where host memory is mapped in the simulated address space.
	HostMemoryBase memory.Addr = 0x10000000
	// DefaultHostMemory is the size of host memory shared with the enclave.
	DefaultHostMemory = 64 << 20
)

// Option configures Create.
type Option func(*options)

type options struct {
	settings    config.Settings
	ocalls      []OCallFunc
	log         *logrus.Entry
	clock       clock.Clock
	policy      sgx.LayoutPolicy
	platform    enclave.Platform
	debugSigner *rsa.PrivateKey
	device      string
	hostMemory  uint64
}

// WithSettings sets the creation settings.
func WithSettings(s config.Settings) Option {
	return func(o *options) { o.settings = s }
}

// WithOCalls sets the table of host functions callable by the enclave, indexed by function id.
func WithOCalls(fns ...OCallFunc) Option {
	return func(o *options) { o.ocalls = fns }
}

// WithLogger sets the logger of the enclave.
func WithLogger(log *logrus.Entry) Option {
	return func(o *options) { o.log = log }
}

// WithClock sets the clock switchless workers park on.
func WithClock(clk clock.Clock) Option {
	return func(o *options) { o.clock = clk }
}

// WithLayoutPolicy sets the layout policy the enclave is built with.
func WithLayoutPolicy(p sgx.LayoutPolicy) Option {
	return func(o *options) { o.policy = p }
}

// WithPlatform sets the platform issuing evidence for the enclave.
func WithPlatform(p enclave.Platform) Option {
	return func(o *options) { o.platform = p }
}

// WithDebugSigner sets the key debug and extended enclaves are signed with at load time.
func WithDebugSigner(key *rsa.PrivateKey) Option {
	return func(o *options) { o.debugSigner = key }
}

// WithDevice sets the SGX device used outside of simulation mode.
func WithDevice(path string) Option {
	return func(o *options) { o.device = path }
}

// WithHostMemory sets the size of host memory shared with the enclave.
func WithHostMemory(size uint64) Option {
	return func(o *options) { o.hostMemory = size }
}

// Enclave is a handle of a created enclave.
type Enclave struct {
	magic       atomic.Uint64
	terminating atomic.Bool

	log        *logrus.Entry
	space      *memory.Space
	hostRegion *memory.Region
	heap       *memory.Heap
	boundary   memory.Boundary
	layout     *sgx.Layout
	identity   enclave.Identity
	eeid       *eeid.EEID
	tag        memory.Addr

	gate       Gate
	runtime    *enclave.Runtime
	device     *sgx.DeviceLoader
	registry   *registry
	ocalls     []OCallFunc
	switchless *switchlessManager

	// callMu is held shared by outermost calls and exclusively by Terminate.
	callMu sync.RWMutex
}

// CreateFromFile creates an enclave from the image file at path.
func CreateFromFile(path string, program *enclave.Program, opts ...Option) (*Enclave, error) {
	img, err := sgx.ReadImage(path)
	if err != nil {
		return nil, err
	}
	return Create(img, program, opts...)
}

// Create builds the image img, initializes it and returns its handle.
// program is the code of the enclave, run by the simulation runtime.
func Create(img *sgx.Image, program *enclave.Program, opts ...Option) (*Enclave, error) {
	o := &options{
		log:        logrus.NewEntry(logrus.StandardLogger()),
		clock:      clock.RealClock{},
		policy:     sgx.DefaultLayoutPolicy(),
		device:     sgx.DeviceFile,
		hostMemory: DefaultHostMemory,
	}
	for _, opt := range opts {
		opt(o)
	}
	s := &o.settings
	if err := s.Validate(); err != nil {
		return nil, err
	}
	if err := sgx.ValidateImage(img); err != nil {
		return nil, err
	}
	props := img.Properties
	if err := sgx.ApplyDebug(&props, s.Debug); err != nil {
		return nil, err
	}

	e := &Enclave{
		log:        o.log.WithField("component", "host"),
		ocalls:     o.ocalls,
		switchless: &switchlessManager{},
	}
	e.switchless.e = e

	configID, err := s.ConfigIDBytes()
	if err != nil {
		return nil, err
	}
	configSVN := s.ConfigSVN
	if s.HasConfigID() && props.Attributes&sgx.AttributeKSS == 0 {
		if !s.IgnoreIfUnsupported {
			return nil, fmt.Errorf("config id requires the KSS attribute: %w", result.Unsupported)
		}
		e.log.Warn("ignoring config id of an enclave without KSS")
		configID, configSVN = [config.MaxConfigIDSize]byte{}, 0
	}

	var ext *eeid.EEID
	if es := s.EEID; es != nil {
		if ext, err = newEEID(img, es, o); err != nil {
			return nil, err
		}
	}

	ok := false
	defer func() {
		if !ok {
			e.destroy()
		}
	}()

	e.space = memory.NewSpace()
	if e.hostRegion, err = memory.NewRegion(HostMemoryBase, o.hostMemory, o.hostMemory); err != nil {
		return nil, fmt.Errorf("creating host memory: %w", err)
	}
	if err := e.space.Map(e.hostRegion); err != nil {
		return nil, err
	}

	built := *img
	built.Properties = props
	buildOpts := sgx.BuildOptions{Policy: o.policy, SigStruct: img.SigStruct}
	if ext != nil {
		buildOpts.Extension = ext.Extension()
	}
	var ld sgx.Loader
	if s.Simulate {
		ld = sgx.NewSimLoader(e.space, o.policy)
	} else {
		if ext != nil {
			return nil, fmt.Errorf("extended init data on hardware: %w", result.Unsupported)
		}
		if e.device, err = sgx.OpenDevice(o.device); err != nil {
			return nil, err
		}
		e.device.ConfigID, e.device.ConfigSVN = configID, configSVN
		ld = e.device
	}
	if e.layout, err = sgx.Build(ld, &built, buildOpts); err != nil {
		return nil, err
	}
	e.boundary = memory.NewBoundary(e.layout.Range())
	if e.layout.Range().Overlaps(e.hostRegion.Range()) {
		return nil, fmt.Errorf("enclave %v overlaps host memory: %w", e.layout.Range(), result.OutOfMemory)
	}
	e.heap = memory.NewHeap(e.hostRegion.Range(), calls.BufferAlignment)

	signer, err := e.checkSignature(img, &props, ext, o)
	if err != nil {
		return nil, err
	}
	e.identity = enclave.Identity{
		UniqueID:        e.layout.MRENCLAVE,
		SignerID:        signer,
		ProductID:       uint16(props.ProductID),
		SecurityVersion: uint16(props.SecurityVersion),
		Attributes:      props.Attributes | sgx.AttributeInit,
		ConfigID:        configID,
		ConfigSVN:       configSVN,
	}
	e.eeid = ext

	tcs := make([]memory.Addr, 0, len(e.layout.Threads))
	for _, t := range e.layout.Threads {
		tcs = append(tcs, t.TCS)
	}
	e.registry = newRegistry(tcs, e.space, e.heap, s.MaxWait())

	if s.Simulate {
		if program == nil {
			return nil, fmt.Errorf("simulation needs the enclave program: %w", result.InvalidParameter)
		}
		e.runtime, err = enclave.New(enclave.Config{
			Space:    e.space,
			Layout:   e.layout,
			Program:  program,
			Identity: e.identity,
			Platform: o.platform,
			EEID:     ext,
			Log:      o.log,
			Debug:    props.Debug(),
		})
		if err != nil {
			return nil, err
		}
		e.gate = e.runtime
	} else {
		e.gate = hardwareGate{}
	}

	if e.tag, err = e.heap.Alloc(8); err != nil {
		return nil, err
	}
	if err := e.space.StoreUint64(e.tag, enclaveMagic); err != nil {
		return nil, err
	}
	e.magic.Store(enclaveMagic)

	if _, err := e.ecall(context.Background(), calls.ECallInitEnclave, uint64(e.tag)); err != nil {
		return nil, fmt.Errorf("initializing enclave: %w", err)
	}

	if sw := s.ContextSwitchless; sw != nil {
		if sw.MaxEnclaveWorkers >= uint64(len(tcs)) && sw.MaxEnclaveWorkers > 0 {
			return nil, fmt.Errorf("%d enclave switchless workers leave no slot of %d for calls: %w",
				sw.MaxEnclaveWorkers, len(tcs), result.InvalidParameter)
		}
		if err := e.startSwitchless(int(sw.MaxHostWorkers), int(sw.MaxEnclaveWorkers), o.clock); err != nil {
			return nil, err
		}
	}

	e.log.WithField("base", e.layout.Base).WithField("size", e.layout.Size).WithField("slots", len(tcs)).
		WithField("simulate", s.Simulate).WithField("debug", props.Debug()).Info("enclave created")
	ok = true
	return e, nil
}

func newEEID(img *sgx.Image, es *config.EEID, o *options) (*eeid.EEID, error) {
	if o.debugSigner == nil {
		return nil, fmt.Errorf("extended init data requires a debug signer: %w", result.InvalidParameter)
	}
	data, err := es.Data()
	if err != nil {
		return nil, err
	}
	return eeid.New(img, es.SizeSettings(), data)
}

// checkSignature verifies the signature of the built enclave and returns its signer.
// Extended and unsigned debug enclaves are signed with the debug signer.
func (e *Enclave) checkSignature(img *sgx.Image, props *sgx.Properties, ext *eeid.EEID, o *options) ([32]byte, error) {
	if ext != nil {
		base, err := eeid.BaseSigStruct(ext)
		if err != nil {
			return [32]byte{}, err
		}
		measured, err := eeid.Remeasure(ext, false)
		if err != nil {
			return [32]byte{}, err
		}
		if err := base.Matches(measured, &img.Properties); err != nil {
			return [32]byte{}, fmt.Errorf("base image: %w", err)
		}
		if err := base.Verify(); err != nil {
			return [32]byte{}, fmt.Errorf("base image: %w", err)
		}
		return e.signDebug(props, o)
	}

	if sig := img.SigStruct; sig != nil {
		if err := sig.Matches(e.layout.MRENCLAVE, &img.Properties); err != nil {
			return [32]byte{}, err
		}
		if err := sig.Verify(); err != nil {
			return [32]byte{}, err
		}
		return sig.MRSigner(), nil
	}
	if !props.Debug() {
		return [32]byte{}, fmt.Errorf("unsigned images can only be loaded in debug mode: %w", result.VerifyFailed)
	}
	if o.debugSigner == nil {
		return [32]byte{}, nil
	}
	return e.signDebug(props, o)
}

func (e *Enclave) signDebug(props *sgx.Properties, o *options) ([32]byte, error) {
	sig, err := sgx.Sign(e.layout.MRENCLAVE, props, o.debugSigner, o.clock.Now())
	if err != nil {
		return [32]byte{}, fmt.Errorf("signing with the debug signer: %w", err)
	}
	return sig.MRSigner(), nil
}

// Layout returns the layout of the enclave.
func (e *Enclave) Layout() *sgx.Layout {
	return e.layout
}

// Identity returns the identity the enclave reports.
func (e *Enclave) Identity() enclave.Identity {
	return e.identity
}

// EEID returns the extended init data of the enclave, or nil.
func (e *Enclave) EEID() *eeid.EEID {
	return e.eeid
}

// Status returns the crash status of the enclave.
func (e *Enclave) Status() result.Result {
	if e.runtime == nil {
		return result.OK
	}
	return e.runtime.Status()
}

// usable checks that e is a live handle.
func (e *Enclave) usable() error {
	if e == nil || e.magic.Load() != enclaveMagic {
		return fmt.Errorf("invalid enclave handle: %w", result.InvalidParameter)
	}
	if e.terminating.Load() {
		return fmt.Errorf("enclave is terminating: %w", result.InvalidParameter)
	}
	return nil
}

// Terminate runs the exit functions and the destructor of the enclave and releases it.
// It must not be called from a host function serving the enclave.
func (e *Enclave) Terminate(ctx context.Context) error {
	if e == nil || e.magic.Load() != enclaveMagic {
		return fmt.Errorf("invalid enclave handle: %w", result.InvalidParameter)
	}
	if _, inside := callerOf(ctx, e); inside {
		return fmt.Errorf("terminating an enclave from its own ocall: %w", result.InvalidParameter)
	}
	if !e.terminating.CompareAndSwap(false, true) {
		return fmt.Errorf("enclave is terminating: %w", result.InvalidParameter)
	}

	var errs []error
	if _, err := e.ecall(ctx, calls.ECallCallAtExitFunctions, 0); err != nil {
		if !tolerated(err) {
			errs = append(errs, fmt.Errorf("running exit functions: %w", err))
		} else {
			e.log.WithError(err).Warn("skipping enclave exit functions")
		}
	}
	e.switchless.stop()
	if _, err := e.ecall(ctx, calls.ECallDestructor, 0); err != nil {
		if !tolerated(err) {
			errs = append(errs, fmt.Errorf("running destructor: %w", err))
		} else {
			e.log.WithError(err).Warn("skipping enclave destructor")
		}
	}

	e.callMu.Lock()
	defer e.callMu.Unlock()
	if n := e.registry.busy(); n > 0 {
		e.log.WithField("slots", n).Warn("slots still claimed at termination")
	}
	e.destroy()
	e.log.Info("enclave terminated")
	return errors.Join(errs...)
}

func tolerated(err error) bool {
	return errors.Is(err, result.OutOfThreads) || result.IsCrashing(err)
}

// destroy releases every resource of e. Parts that were never created are skipped.
func (e *Enclave) destroy() {
	e.magic.Store(0)
	e.switchless.stop()
	if e.gate != nil {
		e.gate.Close()
	}
	e.switchless.release()
	if e.registry != nil {
		e.registry.release()
	}
	if e.device != nil {
		if err := e.device.Close(); err != nil {
			e.log.WithError(err).Warn("closing sgx device")
		}
	}
	if e.space != nil {
		if err := e.space.Close(); err != nil {
			e.log.WithError(err).Warn("unmapping enclave memory")
		}
	}
}
