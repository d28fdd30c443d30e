package host

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"
	testclock "k8s.io/utils/clock/testing"

	"github.com/edgelesssys/go-enclave/attestation"
	"github.com/edgelesssys/go-enclave/calls"
	"github.com/edgelesssys/go-enclave/config"
	"github.com/edgelesssys/go-enclave/enclave"
	"github.com/edgelesssys/go-enclave/memory"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// Enclave function ids of the test program.
const (
	fnEcho = iota
	fnCallHost
	fnCallHostSwitchless
	fnDeepCopyOut
	fnDeepCopyIn
	fnHook
	fnBreakpoint
	fnAbort
	fnEvidence
	fnEEIDData
	fnBlock
)

// Host function ids.
const (
	ocallUpper = iota
	ocallDeepCopy
	ocallHook
)

var signingKey = sync.OnceValue(func() *rsa.PrivateKey {
	key, err := rsa.GenerateKey(rand.Reader, 3072)
	if err != nil {
		panic(err)
	}
	return key
})

func testImage(numTCS uint64, attributes uint64) *sgx.Image {
	return &sgx.Image{
		EntryRVA:     0x40,
		TLSPageCount: 1,
		Properties: sgx.Properties{
			Size:            sgx.SizeSettings{NumHeapPages: 32, NumStackPages: 2, NumTCS: numTCS},
			Attributes:      sgx.AttributeMode64Bit | attributes,
			ProductID:       5,
			SecurityVersion: 2,
		},
		Pages: []sgx.Page{{Flags: sgx.PageTypeReg | sgx.SecInfoR | sgx.SecInfoX, Data: bytes.Repeat([]byte{0x90}, memory.PageSize)}},
	}
}

func sign(t *testing.T, img *sgx.Image, key *rsa.PrivateKey) {
	t.Helper()
	layout, err := sgx.Build(sgx.NewMeasureLoader(), img, sgx.BuildOptions{Policy: sgx.DefaultLayoutPolicy()})
	require.NoError(t, err)
	img.SigStruct, err = sgx.Sign(layout.MRENCLAVE, &img.Properties, key, time.Now())
	require.NoError(t, err)
}

func quietLog() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

// testEnclave is an enclave running testProgram.
type testEnclave struct {
	*Enclave
	// hook is run by the ocallHook host function.
	hook func(ctx context.Context, input []byte) ([]byte, error)
	// release unblocks fnBlock calls.
	release chan struct{}
	order   []string
}

func testProgram(te *testEnclave) *enclave.Program {
	callHost := func(switchless bool) enclave.Function {
		return func(env *enclave.Env, input, output []byte) (uint64, error) {
			call := env.CallHost
			if switchless {
				call = env.CallHostSwitchless
			}
			reply, err := call(ocallUpper, input, uint64(len(input)))
			if err != nil {
				return 0, err
			}
			return calls.Reply(output, reply.Output)
		}
	}

	return &enclave.Program{
		Init: func(env *enclave.Env) error {
			_, err := env.AddVectoredExceptionHandler(false, func(rec *enclave.ExceptionRecord) enclave.Disposition {
				if rec.Code != enclave.ExceptionBreakpoint {
					return enclave.ContinueSearch
				}
				rec.Context.PC++
				return enclave.ContinueExecution
			})
			env.AtExit(func(*enclave.Env) { te.order = append(te.order, "at exit") })
			return err
		},
		Destructor: func(*enclave.Env) { te.order = append(te.order, "destructor") },
		Functions: []enclave.Function{
			fnEcho: func(_ *enclave.Env, input, output []byte) (uint64, error) {
				return calls.Reply(output, input)
			},
			fnCallHost:           callHost(false),
			fnCallHostSwitchless: callHost(true),
			fnDeepCopyOut: func(env *enclave.Env, input, output []byte) (uint64, error) {
				return env.ReplyDeepCopy(output, []byte("fixed!!!"), bytes.Repeat(input, 3))
			},
			fnDeepCopyIn: func(env *enclave.Env, input, output []byte) (uint64, error) {
				reply, err := env.CallHost(ocallDeepCopy, input, 0)
				if err != nil {
					return 0, err
				}
				if reply.DeepCopy == 0 {
					return 0, result.Unexpected
				}
				defer func() { _ = env.Free(reply.DeepCopy) }()
				if !env.IsWithinEnclave(reply.DeepCopy, reply.DeepCopySize) {
					return 0, result.Unexpected
				}
				data, err := env.Read(reply.DeepCopy, reply.DeepCopySize)
				if err != nil {
					return 0, err
				}
				return calls.Reply(output, data)
			},
			fnHook: func(env *enclave.Env, input, output []byte) (uint64, error) {
				reply, err := env.CallHost(ocallHook, input, 64)
				if err != nil {
					return 0, err
				}
				return calls.Reply(output, reply.Output)
			},
			fnBreakpoint: func(env *enclave.Env, _, output []byte) (uint64, error) {
				rec := env.Raise(enclave.ExceptionRecord{Code: enclave.ExceptionBreakpoint, Address: 0x1000, Context: enclave.Context{PC: 0x40}})
				return calls.Reply(output, binary.LittleEndian.AppendUint64(nil, rec.Context.PC))
			},
			fnAbort: func(env *enclave.Env, _, _ []byte) (uint64, error) {
				env.Abort("requested by the host")
				return 0, nil
			},
			fnEvidence: func(env *enclave.Env, input, output []byte) (uint64, error) {
				evidence, err := env.Evidence(input)
				if err != nil {
					return 0, err
				}
				return env.ReplyDeepCopy(output, nil, evidence)
			},
			fnEEIDData: func(env *enclave.Env, _, output []byte) (uint64, error) {
				e := env.EEID()
				if e == nil {
					return 0, result.NotFound
				}
				return env.ReplyDeepCopy(output, nil, e.Data)
			},
			fnBlock: func(_ *enclave.Env, input, output []byte) (uint64, error) {
				<-te.release
				return calls.Reply(output, input)
			},
		},
	}
}

func (te *testEnclave) ocalls() []OCallFunc {
	return []OCallFunc{
		ocallUpper: func(_ context.Context, input, output []byte) (uint64, error) {
			return calls.Reply(output, bytes.ToUpper(input))
		},
		ocallDeepCopy: func(ctx context.Context, input, output []byte) (uint64, error) {
			return ReplyDeepCopy(ctx, output, nil, bytes.Repeat(input, 2))
		},
		ocallHook: func(ctx context.Context, input, output []byte) (uint64, error) {
			if te.hook == nil {
				return 0, result.NotFound
			}
			out, err := te.hook(ctx, input)
			if err != nil {
				return 0, err
			}
			return calls.Reply(output, out)
		},
	}
}

func defaultSettings() config.Settings {
	return config.Settings{Debug: true, Simulate: true}
}

func newTestEnclave(t *testing.T, img *sgx.Image, s config.Settings, opts ...Option) (*testEnclave, error) {
	t.Helper()
	te := &testEnclave{release: make(chan struct{})}
	opts = append([]Option{
		WithSettings(s),
		WithOCalls(te.ocalls()...),
		WithLogger(quietLog()),
		WithHostMemory(8 << 20),
	}, opts...)
	e, err := Create(img, testProgram(te), opts...)
	if err != nil {
		return nil, err
	}
	te.Enclave = e
	t.Cleanup(func() {
		if e.magic.Load() == enclaveMagic && !e.terminating.Load() {
			_ = e.Terminate(context.Background())
		}
	})
	return te, nil
}

func mustCreate(t *testing.T, numTCS uint64, s config.Settings, opts ...Option) *testEnclave {
	t.Helper()
	te, err := newTestEnclave(t, testImage(numTCS, sgx.AttributeDebug), s, opts...)
	require.NoError(t, err)
	return te
}

func TestCall(t *testing.T) {
	testCases := map[string]struct {
		fn         uint64
		input      []byte
		outputSize uint64
		wantOutput []byte
		wantErr    error
	}{
		"echo": {
			fn:         fnEcho,
			input:      []byte("hello enclave!!!"),
			outputSize: 16,
			wantOutput: []byte("hello enclave!!!"),
		},
		"echo of an odd length input": {
			fn:         fnEcho,
			input:      []byte("nonce"),
			outputSize: 8,
			wantOutput: []byte("nonce"),
		},
		"host call with an odd length input": {
			fn:         fnCallHost,
			input:      []byte("nonce"),
			outputSize: 8,
			wantOutput: []byte("NONCE"),
		},
		"host call through the scratch buffer": {
			fn:         fnCallHost,
			input:      []byte("ping1234"),
			outputSize: 8,
			wantOutput: []byte("PING1234"),
		},
		"host call through a host allocation": {
			fn:         fnCallHost,
			input:      bytes.Repeat([]byte("a"), 8192),
			outputSize: 8192,
			wantOutput: bytes.Repeat([]byte("A"), 8192),
		},
		"unknown function": {
			fn:      99,
			wantErr: result.NotFound,
		},
		"output too small": {
			fn:         fnEcho,
			input:      []byte("0123456789abcdef"),
			outputSize: 8,
			wantErr:    result.BufferTooSmall,
		},
		"unknown host function": {
			fn:         fnHook,
			input:      []byte("12345678"),
			outputSize: 64,
			wantErr:    result.NotFound,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			te := mustCreate(t, 2, defaultSettings())
			live := te.heap.Live()

			reply, err := te.Call(context.Background(), tc.fn, tc.input, tc.outputSize)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				assert.Equal(result.OK, te.Status())
				return
			}
			require.NoError(err)
			assert.Equal(tc.wantOutput, reply.Output)
			assert.Nil(reply.DeepCopy)
			// Slots keep their buffers. Everything else is freed.
			assert.LessOrEqual(te.heap.Live(), live+2)
		})
	}
}

func TestDeepCopy(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	te := mustCreate(t, 2, defaultSettings())
	live := te.heap.Live()

	reply, err := te.Call(context.Background(), fnDeepCopyOut, []byte("abcdefgh"), 8)
	require.NoError(err)
	assert.Equal([]byte("fixed!!!"), reply.Output)
	assert.Equal(bytes.Repeat([]byte("abcdefgh"), 3), reply.DeepCopy)

	reply, err = te.Call(context.Background(), fnDeepCopyIn, []byte("12345678"), 64)
	require.NoError(err)
	assert.Equal([]byte("1234567812345678"), reply.Output)

	// The host copies were freed.
	assert.Equal(live, te.heap.Live())
	assert.Zero(te.runtime.Heap().Live())
}

func TestDeepCopyOutsideOfOCall(t *testing.T) {
	_, _, err := DeepCopy(context.Background(), []byte("data"))
	assert.ErrorIs(t, err, result.InvalidParameter)
}

func TestNestedCall(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	te := mustCreate(t, 2, defaultSettings())
	var nestedErr error
	te.hook = func(ctx context.Context, input []byte) ([]byte, error) {
		// The slot of the caller is busy with this host call.
		_, nestedErr = te.Call(ctx, fnEcho, input, uint64(len(input)))
		// A call on behalf of someone else runs on another slot.
		reply, err := te.Call(context.Background(), fnEcho, input, uint64(len(input)))
		if err != nil {
			return nil, err
		}
		return reply.Output, nil
	}

	reply, err := te.Call(context.Background(), fnHook, []byte("nested!!"), 64)
	require.NoError(err)
	assert.Equal([]byte("nested!!"), reply.Output)
	assert.ErrorIs(nestedErr, result.ReentrantECall)
	assert.Equal(result.OK, te.Status())
}

func TestOutOfThreads(t *testing.T) {
	testCases := map[string]struct {
		slots   config.Slots
		wantErr error
	}{
		"fail": {
			wantErr: result.OutOfThreads,
		},
		"wait": {
			slots: config.Slots{Wait: true, MaxWait: 10 * time.Second},
		},
		"wait times out": {
			slots:   config.Slots{Wait: true, MaxWait: 20 * time.Millisecond},
			wantErr: result.OutOfThreads,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			s := defaultSettings()
			s.Slots = tc.slots
			te := mustCreate(t, 1, s)

			var eg errgroup.Group
			eg.Go(func() error {
				_, err := te.Call(context.Background(), fnBlock, []byte("blocking"), 8)
				return err
			})
			require.Eventually(func() bool { return te.registry.busy() == 1 }, 5*time.Second, time.Millisecond)

			done := make(chan error, 1)
			go func() {
				_, err := te.Call(context.Background(), fnEcho, []byte("waiting!"), 8)
				done <- err
			}()
			if tc.wantErr != nil {
				assert.ErrorIs(<-done, tc.wantErr)
				close(te.release)
				assert.NoError(eg.Wait())
				return
			}
			time.Sleep(10 * time.Millisecond)
			close(te.release)
			assert.NoError(<-done)
			assert.NoError(eg.Wait())
		})
	}
}

func TestWaitForSlotCanceled(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	s := defaultSettings()
	s.Slots = config.Slots{Wait: true, MaxWait: time.Minute}
	te := mustCreate(t, 1, s)

	var eg errgroup.Group
	eg.Go(func() error {
		_, err := te.Call(context.Background(), fnBlock, []byte("blocking"), 8)
		return err
	})
	require.Eventually(func() bool { return te.registry.busy() == 1 }, 5*time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := te.Call(ctx, fnEcho, []byte("waiting!"), 8)
	assert.Error(err)

	close(te.release)
	assert.NoError(eg.Wait())
}

func TestConcurrentCalls(t *testing.T) {
	assert := assert.New(t)

	s := defaultSettings()
	s.Slots = config.Slots{Wait: true, MaxWait: 30 * time.Second}
	te := mustCreate(t, 4, s)

	var eg errgroup.Group
	for i := 0; i < 32; i++ {
		eg.Go(func() error {
			input := []byte(fmt.Sprintf("call %03d", i))
			fn := uint64(fnEcho)
			want := input
			if i%2 == 1 {
				fn = fnCallHost
				want = bytes.ToUpper(input)
			}
			reply, err := te.Call(context.Background(), fn, input, uint64(len(input)))
			if err != nil {
				return err
			}
			if !bytes.Equal(reply.Output, want) {
				return fmt.Errorf("call %d: got %q, want %q", i, reply.Output, want)
			}
			return nil
		})
	}
	assert.NoError(eg.Wait())
	assert.Zero(te.registry.busy())
}

func TestAbort(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	te := mustCreate(t, 2, defaultSettings())

	_, err := te.Call(context.Background(), fnAbort, nil, 0)
	assert.ErrorIs(err, result.EnclaveAborting)
	assert.True(result.IsCrashing(err))
	assert.Equal(result.EnclaveAborting, te.Status())

	_, err = te.Call(context.Background(), fnEcho, []byte("12345678"), 8)
	assert.ErrorIs(err, result.EnclaveAborting)

	// The exit functions ecall is refused while aborting. The destructor still runs them.
	require.NoError(te.Terminate(context.Background()))
	assert.Equal([]string{"at exit", "destructor"}, te.order)
	assert.Equal(result.EnclaveAborted, te.Status())
}

func TestExceptionRelay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	te := mustCreate(t, 2, defaultSettings())
	for i := 0; i < 3; i++ {
		reply, err := te.Call(context.Background(), fnBreakpoint, nil, 8)
		require.NoError(err)
		assert.Equal(uint64(0x41), binary.LittleEndian.Uint64(reply.Output))
	}
	assert.Equal(result.OK, te.Status())
}

func TestSwitchless(t *testing.T) {
	testCases := map[string]struct {
		switchless *config.Switchless
	}{
		"host and enclave workers": {
			switchless: &config.Switchless{MaxHostWorkers: 2, MaxEnclaveWorkers: 1},
		},
		"host workers only": {
			switchless: &config.Switchless{MaxHostWorkers: 1},
		},
		"enclave workers only": {
			switchless: &config.Switchless{MaxEnclaveWorkers: 2},
		},
		"disabled": {},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			s := defaultSettings()
			s.ContextSwitchless = tc.switchless
			s.Slots = config.Slots{Wait: true, MaxWait: 30 * time.Second}
			te := mustCreate(t, 3, s)

			for _, fn := range []uint64{fnEcho, fnCallHost, fnCallHostSwitchless} {
				input := []byte("switchless call!")
				regular, err := te.Call(context.Background(), fn, input, uint64(len(input)))
				require.NoError(err)
				switchless, err := te.CallSwitchless(context.Background(), fn, input, uint64(len(input)))
				require.NoError(err)
				assert.Equal(regular.Output, switchless.Output)
			}

			var eg errgroup.Group
			for i := 0; i < 8; i++ {
				eg.Go(func() error {
					input := []byte(fmt.Sprintf("worker%02d", i))
					reply, err := te.CallSwitchless(context.Background(), fnCallHostSwitchless, input, 8)
					if err != nil {
						return err
					}
					if !bytes.Equal(reply.Output, bytes.ToUpper(input)) {
						return fmt.Errorf("got %q", reply.Output)
					}
					return nil
				})
			}
			assert.NoError(eg.Wait())
			require.NoError(te.Terminate(context.Background()))
			assert.Equal([]string{"at exit", "destructor"}, te.order)
		})
	}
}

func TestSwitchlessWorkersLeaveNoSlot(t *testing.T) {
	s := defaultSettings()
	s.ContextSwitchless = &config.Switchless{MaxEnclaveWorkers: 2}
	_, err := newTestEnclave(t, testImage(2, sgx.AttributeDebug), s)
	assert.ErrorIs(t, err, result.InvalidParameter)
}

func TestTerminate(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	te := mustCreate(t, 2, defaultSettings())
	var inner error
	te.hook = func(ctx context.Context, _ []byte) ([]byte, error) {
		inner = te.Terminate(ctx)
		return nil, nil
	}
	_, err := te.Call(context.Background(), fnHook, nil, 64)
	require.NoError(err)
	assert.ErrorIs(inner, result.InvalidParameter)

	require.NoError(te.Terminate(context.Background()))
	assert.Equal([]string{"at exit", "destructor"}, te.order)

	assert.ErrorIs(te.Terminate(context.Background()), result.InvalidParameter)
	_, err = te.Call(context.Background(), fnEcho, nil, 0)
	assert.ErrorIs(err, result.InvalidParameter)
}

func TestCallNilEnclave(t *testing.T) {
	var e *Enclave
	_, err := e.Call(context.Background(), fnEcho, nil, 0)
	assert.ErrorIs(t, err, result.InvalidParameter)
	assert.ErrorIs(t, e.Terminate(context.Background()), result.InvalidParameter)
}

func TestCreate(t *testing.T) {
	key := signingKey()

	testCases := map[string]struct {
		image      func(t *testing.T) *sgx.Image
		settings   func(s *config.Settings)
		opts       []Option
		wantErr    error
		wantSigner [32]byte
		wantDebug  bool
		wantConfig []byte
	}{
		"unsigned debug image": {
			image:     func(*testing.T) *sgx.Image { return testImage(2, sgx.AttributeDebug) },
			wantDebug: true,
		},
		"unsigned debug image with debug signer": {
			image:      func(*testing.T) *sgx.Image { return testImage(2, sgx.AttributeDebug) },
			opts:       []Option{WithDebugSigner(key)},
			wantSigner: sgx.MRSigner(&key.PublicKey),
			wantDebug:  true,
		},
		"unsigned image in release mode": {
			image:    func(*testing.T) *sgx.Image { return testImage(2, sgx.AttributeDebug) },
			settings: func(s *config.Settings) { s.Debug = false },
			wantErr:  result.VerifyFailed,
		},
		"signed image in release mode": {
			image: func(t *testing.T) *sgx.Image {
				img := testImage(2, sgx.AttributeDebug)
				sign(t, img, key)
				return img
			},
			settings:   func(s *config.Settings) { s.Debug = false },
			wantSigner: sgx.MRSigner(&key.PublicKey),
		},
		"signature of another image": {
			image: func(t *testing.T) *sgx.Image {
				img := testImage(2, sgx.AttributeDebug)
				sign(t, img, key)
				img.Properties.Size.NumHeapPages++
				return img
			},
			wantErr: result.VerifyFailed,
		},
		"debug downgrade": {
			image:   func(*testing.T) *sgx.Image { return testImage(2, 0) },
			wantErr: result.DebugDowngrade,
		},
		"config id": {
			image: func(*testing.T) *sgx.Image { return testImage(2, sgx.AttributeDebug|sgx.AttributeKSS) },
			settings: func(s *config.Settings) {
				s.ConfigID = "c0ffee"
				s.ConfigSVN = 3
			},
			wantDebug:  true,
			wantConfig: []byte{0xc0, 0xff, 0xee},
		},
		"config id without kss": {
			image:    func(*testing.T) *sgx.Image { return testImage(2, sgx.AttributeDebug) },
			settings: func(s *config.Settings) { s.ConfigID = "c0ffee" },
			wantErr:  result.Unsupported,
		},
		"config id without kss ignored": {
			image: func(*testing.T) *sgx.Image { return testImage(2, sgx.AttributeDebug) },
			settings: func(s *config.Settings) {
				s.ConfigID = "c0ffee"
				s.IgnoreIfUnsupported = true
			},
			wantDebug: true,
		},
		"invalid config id": {
			image:    func(*testing.T) *sgx.Image { return testImage(2, sgx.AttributeDebug) },
			settings: func(s *config.Settings) { s.ConfigID = "not hex" },
			wantErr:  result.InvalidParameter,
		},
		"invalid image": {
			image:   func(*testing.T) *sgx.Image { return testImage(0, sgx.AttributeDebug) },
			wantErr: result.InvalidParameter,
		},
		"extended init data without debug signer": {
			image: func(*testing.T) *sgx.Image { return testImage(1, sgx.AttributeDebug) },
			settings: func(s *config.Settings) {
				s.EEID = &config.EEID{NumHeapPages: 8, NumStackPages: 2, NumTCS: 1}
			},
			wantErr: result.InvalidParameter,
		},
		"extended init data for a complete image": {
			image: func(t *testing.T) *sgx.Image {
				img := testImage(1, sgx.AttributeDebug)
				sign(t, img, key)
				return img
			},
			settings: func(s *config.Settings) {
				s.EEID = &config.EEID{NumHeapPages: 8, NumStackPages: 2, NumTCS: 1}
			},
			opts:    []Option{WithDebugSigner(key)},
			wantErr: result.InvalidParameter,
		},
	}

	for name, tc := range testCases {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			s := defaultSettings()
			if tc.settings != nil {
				tc.settings(&s)
			}
			te, err := newTestEnclave(t, tc.image(t), s, tc.opts...)
			if tc.wantErr != nil {
				assert.ErrorIs(err, tc.wantErr)
				return
			}
			require.NoError(err)

			id := te.Identity()
			assert.Equal(te.Layout().MRENCLAVE, id.UniqueID)
			assert.Equal(tc.wantSigner, id.SignerID)
			assert.Equal(uint16(5), id.ProductID)
			assert.Equal(uint16(2), id.SecurityVersion)
			assert.NotZero(id.Attributes & sgx.AttributeInit)
			assert.Equal(tc.wantDebug, id.Attributes&sgx.AttributeDebug != 0)
			var wantConfig [config.MaxConfigIDSize]byte
			copy(wantConfig[:], tc.wantConfig)
			assert.Equal(wantConfig, id.ConfigID)

			reply, err := te.Call(context.Background(), fnEcho, []byte("12345678"), 8)
			require.NoError(err)
			assert.Equal([]byte("12345678"), reply.Output)
		})
	}
}

func TestCreateWithoutProgram(t *testing.T) {
	_, err := Create(testImage(2, sgx.AttributeDebug), nil, WithSettings(defaultSettings()), WithLogger(quietLog()), WithHostMemory(1<<20))
	assert.ErrorIs(t, err, result.InvalidParameter)
}

func TestCreateOnMissingDevice(t *testing.T) {
	s := defaultSettings()
	s.Simulate = false
	_, err := newTestEnclave(t, testImage(2, sgx.AttributeDebug), s, WithDevice(filepath.Join(t.TempDir(), "sgx_enclave")))
	assert.Error(t, err)
}

func TestCreateFromFile(t *testing.T) {
	require := require.New(t)

	path := filepath.Join(t.TempDir(), "enclave.img")
	require.NoError(sgx.WriteImage(path, testImage(2, sgx.AttributeDebug)))

	e, err := CreateFromFile(path, testProgram(&testEnclave{}), WithSettings(defaultSettings()), WithLogger(quietLog()), WithHostMemory(1<<20))
	require.NoError(err)
	reply, err := e.Call(context.Background(), fnEcho, []byte("from file"), 16)
	require.NoError(err)
	assert.Equal(t, []byte("from file"), reply.Output)
	require.NoError(e.Terminate(context.Background()))
}

func TestEvidence(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	clk := testclock.NewFakeClock(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	platform, err := attestation.NewSimPlatform(clk)
	require.NoError(err)
	te := mustCreate(t, 2, defaultSettings(), WithPlatform(platform), WithClock(clk))

	reportData := bytes.Repeat([]byte{0x42}, 64)
	reply, err := te.Call(context.Background(), fnEvidence, reportData, 0)
	require.NoError(err)
	require.NotEmpty(reply.DeepCopy)

	id := te.Identity()
	verifier := attestation.NewVerifier(attestation.NewSimVerifier(platform.PublicKey()), attestation.Policy{
		UniqueID:           id.UniqueID,
		ProductID:          5,
		MinSecurityVersion: 2,
		AllowDebug:         true,
		MaxAge:             time.Minute,
	}, clk)
	claims, err := verifier.Verify(reply.DeepCopy, reportData)
	require.NoError(err)
	assert.Equal(id.UniqueID, claims.UniqueID)
	assert.Equal(reportData, claims.ReportData)
	assert.Nil(claims.EEID)

	clk.Step(2 * time.Minute)
	_, err = verifier.Verify(reply.DeepCopy, reportData)
	assert.ErrorIs(err, result.VerifyFailed)
}

func TestEvidenceWithoutPlatform(t *testing.T) {
	te := mustCreate(t, 2, defaultSettings())
	_, err := te.Call(context.Background(), fnEvidence, nil, 0)
	assert.ErrorIs(t, err, result.Unsupported)
}

func TestEEID(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	key := signingKey()
	policy := sgx.DefaultLayoutPolicy()
	policy.EEIDRange = 1 << 24

	base := testImage(1, sgx.AttributeDebug)
	base.Properties.Size = sgx.SizeSettings{NumTCS: 1}
	layout, err := sgx.Build(sgx.NewMeasureLoader(), base, sgx.BuildOptions{Policy: policy})
	require.NoError(err)
	base.SigStruct, err = sgx.Sign(layout.MRENCLAVE, &base.Properties, key, time.Now())
	require.NoError(err)

	data := []byte("extended init data for the enclave")
	dataFile := filepath.Join(t.TempDir(), "eeid")
	require.NoError(os.WriteFile(dataFile, data, 0o600))

	clk := testclock.NewFakeClock(time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC))
	platform, err := attestation.NewSimPlatform(clk)
	require.NoError(err)

	s := defaultSettings()
	s.EEID = &config.EEID{NumHeapPages: 16, NumStackPages: 2, NumTCS: 2, DataFile: dataFile}
	te, err := newTestEnclave(t, base, s,
		WithDebugSigner(key), WithPlatform(platform), WithClock(clk), WithLayoutPolicy(policy))
	require.NoError(err)
	assert.Len(te.Layout().Threads, 2)
	require.NotNil(te.EEID())
	assert.Equal(sgx.MRSigner(&key.PublicKey), te.Identity().SignerID)
	assert.NotEqual(layout.MRENCLAVE, te.Identity().UniqueID)

	reply, err := te.Call(context.Background(), fnEEIDData, nil, 0)
	require.NoError(err)
	assert.Equal(data, reply.DeepCopy)

	reportData := []byte("nonce")
	reply, err = te.Call(context.Background(), fnEvidence, reportData, 0)
	require.NoError(err)

	verifier := attestation.NewVerifier(attestation.NewSimVerifier(platform.PublicKey()), attestation.Policy{
		UniqueID:           layout.MRENCLAVE,
		SignerID:           sgx.MRSigner(&key.PublicKey),
		ProductID:          5,
		MinSecurityVersion: 2,
		AllowDebug:         true,
		DebugSigner:        sgx.MRSigner(&key.PublicKey),
	}, clk)
	claims, err := verifier.Verify(reply.DeepCopy, reportData)
	require.NoError(err)
	assert.NotNil(claims.EEID)
	assert.Equal(te.Identity().UniqueID, claims.UniqueID)

	// Evidence of the extended enclave does not pass as evidence of an unrelated base image.
	other := attestation.NewVerifier(attestation.NewSimVerifier(platform.PublicKey()), attestation.Policy{
		UniqueID:    [32]byte{1},
		ProductID:   5,
		AllowDebug:  true,
		DebugSigner: sgx.MRSigner(&key.PublicKey),
	}, clk)
	_, err = other.Verify(reply.DeepCopy, reportData)
	assert.ErrorIs(err, result.VerifyFailed)
}

func TestEEIDOnHardware(t *testing.T) {
	key := signingKey()
	base := testImage(1, sgx.AttributeDebug)
	base.Properties.Size = sgx.SizeSettings{NumTCS: 1}
	sign(t, base, key)

	s := defaultSettings()
	s.Simulate = false
	s.EEID = &config.EEID{NumHeapPages: 8, NumStackPages: 2, NumTCS: 1}
	_, err := newTestEnclave(t, base, s, WithDebugSigner(key))
	assert.ErrorIs(t, err, result.Unsupported)
}
