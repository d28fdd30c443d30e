// Package config loads the settings an enclave is created with.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

const (
	// MaxConfigIDSize is the size of the config id field of an enclave.
	MaxConfigIDSize = 64
	// MaxHostWorkers is the maximum number of host switchless workers.
	MaxHostWorkers = 64
	// DefaultMaxWait is how long a call waits for a free slot if waiting is enabled.
	DefaultMaxWait = time.Second
)

// Settings configure the creation of an enclave.
type Settings struct {
	// Debug requests a debug enclave. Unsigned images may only be loaded in debug mode.
	Debug bool `toml:"debug"`
	// Simulate runs the enclave without hardware support.
	Simulate bool `toml:"simulate"`
	// ContextSwitchless enables switchless calls.
	ContextSwitchless *Switchless `toml:"context_switchless"`
	// ConfigID is the hex encoded config id of the enclave.
	ConfigID  string `toml:"config_id"`
	ConfigSVN uint16 `toml:"config_svn"`
	// IgnoreIfUnsupported loads the enclave without config id if the platform does not support it.
	IgnoreIfUnsupported bool  `toml:"ignore_if_unsupported"`
	Slots               Slots `toml:"slots"`
	// EEID completes a base image with extended init data.
	EEID *EEID `toml:"eeid"`
}

// Switchless configures the switchless call workers.
type Switchless struct {
	MaxHostWorkers    uint64 `toml:"max_host_workers"`
	MaxEnclaveWorkers uint64 `toml:"max_enclave_workers"`
}

// Slots configures the thread binding policy.
type Slots struct {
	// Wait lets calls wait for a free slot instead of failing with OutOfThreads.
	Wait    bool          `toml:"wait"`
	MaxWait time.Duration `toml:"max_wait"`
}

// EEID configures extended init data.
type EEID struct {
	NumHeapPages  uint64 `toml:"num_heap_pages"`
	NumStackPages uint64 `toml:"num_stack_pages"`
	NumTCS        uint64 `toml:"num_tcs"`
	// DataFile is the path of the data appended to the enclave.
	DataFile string `toml:"data_file"`
}

// SizeSettings returns the size settings of the extended enclave.
func (e *EEID) SizeSettings() sgx.SizeSettings {
	return sgx.SizeSettings{NumHeapPages: e.NumHeapPages, NumStackPages: e.NumStackPages, NumTCS: e.NumTCS}
}

// Data reads the data file. An empty path yields no data.
func (e *EEID) Data() ([]byte, error) {
	if e.DataFile == "" {
		return nil, nil
	}
	data, err := os.ReadFile(e.DataFile)
	if err != nil {
		return nil, fmt.Errorf("reading eeid data: %w", err)
	}
	return data, nil
}

// Load reads settings from a TOML file. Unknown keys are rejected.
func Load(path string) (*Settings, error) {
	var s Settings
	md, err := toml.DecodeFile(path, &s)
	if err != nil {
		return nil, fmt.Errorf("decoding settings: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("unknown settings %s: %w", strings.Join(keys, ", "), result.InvalidParameter)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the settings. The error names the first invalid setting.
func (s *Settings) Validate() error {
	if sw := s.ContextSwitchless; sw != nil {
		if sw.MaxHostWorkers > MaxHostWorkers {
			return invalid("context_switchless.max_host_workers", sw.MaxHostWorkers)
		}
		if sw.MaxEnclaveWorkers > sgx.MaxTCS {
			return invalid("context_switchless.max_enclave_workers", sw.MaxEnclaveWorkers)
		}
	}
	if _, err := s.ConfigIDBytes(); err != nil {
		return err
	}
	if s.Slots.MaxWait < 0 {
		return invalid("slots.max_wait", s.Slots.MaxWait)
	}
	if e := s.EEID; e != nil {
		if e.NumHeapPages > sgx.MaxHeapPages {
			return invalid("eeid.num_heap_pages", e.NumHeapPages)
		}
		if e.NumStackPages > sgx.MaxStackPages {
			return invalid("eeid.num_stack_pages", e.NumStackPages)
		}
		if e.NumTCS == 0 || e.NumTCS > sgx.MaxTCS {
			return invalid("eeid.num_tcs", e.NumTCS)
		}
	}
	return nil
}

// ConfigIDBytes decodes the config id, zero padded to MaxConfigIDSize.
func (s *Settings) ConfigIDBytes() ([MaxConfigIDSize]byte, error) {
	var out [MaxConfigIDSize]byte
	if s.ConfigID == "" {
		return out, nil
	}
	raw, err := hex.DecodeString(s.ConfigID)
	if err != nil {
		return out, fmt.Errorf("invalid config_id: %v: %w", err, result.InvalidParameter)
	}
	if len(raw) > MaxConfigIDSize {
		return out, fmt.Errorf("invalid config_id: %d bytes (max %d): %w", len(raw), MaxConfigIDSize, result.InvalidParameter)
	}
	copy(out[:], raw)
	return out, nil
}

// HasConfigID reports whether a config id or config svn is set.
func (s *Settings) HasConfigID() bool {
	return s.ConfigID != "" || s.ConfigSVN != 0
}

// MaxWait returns the slot wait limit, or zero if calls do not wait.
func (s *Settings) MaxWait() time.Duration {
	if !s.Slots.Wait {
		return 0
	}
	if s.Slots.MaxWait == 0 {
		return DefaultMaxWait
	}
	return s.Slots.MaxWait
}

func invalid(name string, v any) error {
	return fmt.Errorf("invalid %s: %v: %w", name, v, result.InvalidParameter)
}
