package main

import (
	"context"
	"crypto/rsa"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/google/subcommands"

	"github.com/edgelesssys/go-enclave/crypto"
	"github.com/edgelesssys/go-enclave/eeid"
	"github.com/edgelesssys/go-enclave/sgx"
)

// run executes a command body and reports its error the way all commands do.
func run(f *flag.FlagSet, fn func(image string) error) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if err := fn(f.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}

func measureImage(img *sgx.Image) ([32]byte, error) {
	layout, err := sgx.Build(sgx.NewMeasureLoader(), img, sgx.BuildOptions{Policy: sgx.DefaultLayoutPolicy()})
	if err != nil {
		return [32]byte{}, fmt.Errorf("measuring image: %w", err)
	}
	return layout.MRENCLAVE, nil
}

// measureCmd implements subcommands.Command for the "measure" command.
type measureCmd struct{}

func (*measureCmd) Name() string             { return "measure" }
func (*measureCmd) Synopsis() string         { return "print the MRENCLAVE of an image" }
func (*measureCmd) Usage() string            { return "measure <image>\n" }
func (*measureCmd) SetFlags(_ *flag.FlagSet) {}

func (*measureCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(f, func(path string) error {
		return measure(os.Stdout, path)
	})
}

func measure(w io.Writer, path string) error {
	img, err := sgx.ReadImage(path)
	if err != nil {
		return err
	}
	mr, err := measureImage(img)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, hex.EncodeToString(mr[:]))
	return err
}

// signCmd implements subcommands.Command for the "sign" command.
type signCmd struct {
	key string
	out string
}

func (*signCmd) Name() string     { return "sign" }
func (*signCmd) Synopsis() string { return "embed a SIGSTRUCT into an image" }
func (*signCmd) Usage() string {
	return "sign -key <key.pem> [-out <file>] <image>\n"
}

func (c *signCmd) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.key, "key", "", "PEM encoded 3072 bit RSA signing key with exponent 3")
	f.StringVar(&c.out, "out", "", "path of the signed image (default: overwrite the input)")
}

func (c *signCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	if c.key == "" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	return run(f, func(path string) error {
		out := c.out
		if out == "" {
			out = path
		}
		return sign(path, c.key, out, time.Now())
	})
}

func sign(path, keyPath, out string, date time.Time) error {
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return err
	}
	signer, err := crypto.ParsePEMPrivateKey(keyPEM)
	if err != nil {
		return fmt.Errorf("parsing signing key: %w", err)
	}
	key, ok := signer.(*rsa.PrivateKey)
	if !ok {
		return fmt.Errorf("signing key is a %T, need an RSA key", signer)
	}

	img, err := sgx.ReadImage(path)
	if err != nil {
		return err
	}
	mr, err := measureImage(img)
	if err != nil {
		return err
	}
	if img.SigStruct, err = sgx.Sign(mr, &img.Properties, key, date); err != nil {
		return err
	}
	return sgx.WriteImage(out, img)
}

// inspectCmd implements subcommands.Command for the "inspect" command.
type inspectCmd struct{}

func (*inspectCmd) Name() string { return "inspect" }
func (*inspectCmd) Synopsis() string {
	return "print the header and properties of an image as JSON"
}
func (*inspectCmd) Usage() string            { return "inspect <image>\n" }
func (*inspectCmd) SetFlags(_ *flag.FlagSet) {}

func (*inspectCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(f, func(path string) error {
		return inspect(os.Stdout, path)
	})
}

type signatureInfo struct {
	MRSigner        string `json:"mrsigner"`
	EnclaveHash     string `json:"enclave_hash"`
	ProductID       uint16 `json:"product_id"`
	SecurityVersion uint16 `json:"security_version"`
	Date            uint32 `json:"date"`
	Valid           bool   `json:"valid"`
}

type imageInfo struct {
	MRENCLAVE    string         `json:"mrenclave"`
	EntryRVA     uint64         `json:"entry_rva"`
	TLSPageCount uint64         `json:"tls_page_count"`
	Pages        int            `json:"pages"`
	Debug        bool           `json:"debug"`
	BaseImage    bool           `json:"base_image"`
	Properties   sgx.Properties `json:"properties"`
	Signature    *signatureInfo `json:"signature,omitempty"`
}

func inspect(w io.Writer, path string) error {
	img, err := sgx.ReadImage(path)
	if err != nil {
		return err
	}
	mr, err := measureImage(img)
	if err != nil {
		return err
	}
	info := imageInfo{
		MRENCLAVE:    hex.EncodeToString(mr[:]),
		EntryRVA:     img.EntryRVA,
		TLSPageCount: img.TLSPageCount,
		Pages:        len(img.Pages),
		Debug:        img.Properties.Debug(),
		BaseImage:    eeid.IsBaseImage(img.Properties.Size),
		Properties:   img.Properties,
	}
	if sig := img.SigStruct; sig != nil {
		signer := sig.MRSigner()
		info.Signature = &signatureInfo{
			MRSigner:        hex.EncodeToString(signer[:]),
			EnclaveHash:     hex.EncodeToString(sig.EnclaveHash[:]),
			ProductID:       sig.ISVProdID,
			SecurityVersion: sig.ISVSVN,
			Date:            sig.Date,
			Valid:           sig.Verify() == nil && sig.Matches(mr, &img.Properties) == nil,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	return enc.Encode(info)
}

// eeidCmd implements subcommands.Command for the "eeid" command.
type eeidCmd struct {
	heap  uint64
	stack uint64
	tcs   uint64
	data  string
}

func (*eeidCmd) Name() string { return "eeid" }
func (*eeidCmd) Synopsis() string {
	return "print the extended init data and measurement for a base image"
}
func (*eeidCmd) Usage() string {
	return "eeid -heap <pages> -stack <pages> -tcs <n> [-data <file>] <image>\n"
}

func (c *eeidCmd) SetFlags(f *flag.FlagSet) {
	f.Uint64Var(&c.heap, "heap", 0, "number of heap pages of the extended enclave")
	f.Uint64Var(&c.stack, "stack", 0, "number of stack pages per thread of the extended enclave")
	f.Uint64Var(&c.tcs, "tcs", 1, "number of threads of the extended enclave")
	f.StringVar(&c.data, "data", "", "file with the data appended to the enclave")
}

func (c *eeidCmd) Execute(_ context.Context, f *flag.FlagSet, _ ...interface{}) subcommands.ExitStatus {
	return run(f, func(path string) error {
		var data []byte
		if c.data != "" {
			var err error
			if data, err = os.ReadFile(c.data); err != nil {
				return err
			}
		}
		return extend(os.Stdout, path, sgx.SizeSettings{NumHeapPages: c.heap, NumStackPages: c.stack, NumTCS: c.tcs}, data)
	})
}

type eeidInfo struct {
	BaseMRENCLAVE     string `json:"base_mrenclave"`
	ExtendedMRENCLAVE string `json:"extended_mrenclave"`
	EEID              string `json:"eeid"`
}

func extend(w io.Writer, path string, size sgx.SizeSettings, data []byte) error {
	img, err := sgx.ReadImage(path)
	if err != nil {
		return err
	}
	e, err := eeid.New(img, size, data)
	if err != nil {
		return err
	}
	layout, err := sgx.Build(sgx.NewMeasureLoader(), img, sgx.BuildOptions{Policy: sgx.DefaultLayoutPolicy(), Extension: e.Extension()})
	if err != nil {
		return fmt.Errorf("measuring extended enclave: %w", err)
	}
	base, err := eeid.Remeasure(e, false)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", " ")
	return enc.Encode(eeidInfo{
		BaseMRENCLAVE:     hex.EncodeToString(base[:]),
		ExtendedMRENCLAVE: hex.EncodeToString(layout.MRENCLAVE[:]),
		EEID:              hex.EncodeToString(e.Marshal()),
	})
}
