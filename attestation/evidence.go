/*
Package attestation produces and verifies evidence of an enclave's identity.

Evidence is a framed, signed statement of [Claims]. In simulation mode the statement is signed by a
[SimPlatform] key instead of the processor:

	+------------------------+
	| frame header           |  version | type=evidence | size
	+------------------------+
	| claims (protobuf wire) |
	+------------------------+
	| signature (r||s)       |  ECDSA P-256 over the claims
	+------------------------+
*/
package attestation

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
	"k8s.io/utils/clock"

	"github.com/edgelesssys/go-enclave/crypto"
	"github.com/edgelesssys/go-enclave/eeid"
	"github.com/edgelesssys/go-enclave/result"
	"github.com/edgelesssys/go-enclave/sgx"
)

// ReportDataSize is the maximum size of user data bound to evidence.
const ReportDataSize = 64

const signatureSize = 64

// Field numbers of the claims encoding.
const (
	fieldUniqueID protowire.Number = iota + 1
	fieldSignerID
	fieldProductID
	fieldSecurityVersion
	fieldAttributes
	fieldConfigID
	fieldConfigSVN
	fieldReportData
	fieldTimestamp
	fieldEEID
)

// Claims are the identity of an enclave as stated by its evidence.
type Claims struct {
	UniqueID        [32]byte
	SignerID        [32]byte
	ProductID       uint16
	SecurityVersion uint16
	Attributes      uint64
	ConfigID        [64]byte
	ConfigSVN       uint16
	ReportData      []byte
	Timestamp       time.Time
	// EEID is the marshaled extended init data of the enclave, or nil.
	EEID []byte
}

// Debug reports whether the enclave is a debug enclave.
func (c *Claims) Debug() bool {
	return c.Attributes&sgx.AttributeDebug != 0
}

// EvidenceVerifier checks the authenticity of evidence and returns the claims it carries.
type EvidenceVerifier interface {
	VerifyEvidence(evidence []byte) (*Claims, error)
}

// SimPlatform issues simulation evidence.
type SimPlatform struct {
	key   *ecdsa.PrivateKey
	clock clock.PassiveClock
}

// NewSimPlatform returns a platform with a fresh P-256 key.
func NewSimPlatform(clk clock.PassiveClock) (*SimPlatform, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generating platform key: %w", err)
	}
	return NewSimPlatformWithKey(key, clk), nil
}

// NewSimPlatformWithKey returns a platform signing with key.
func NewSimPlatformWithKey(key *ecdsa.PrivateKey, clk clock.PassiveClock) *SimPlatform {
	return &SimPlatform{key: key, clock: clk}
}

// PublicKey returns the key evidence of this platform is verified with.
func (p *SimPlatform) PublicKey() *ecdsa.PublicKey {
	return &p.key.PublicKey
}

// Evidence returns signed evidence for c. The timestamp is set from the platform clock.
func (p *SimPlatform) Evidence(c Claims) ([]byte, error) {
	if len(c.ReportData) > ReportDataSize {
		return nil, fmt.Errorf("report data has %d bytes (max %d): %w", len(c.ReportData), ReportDataSize, result.InvalidParameter)
	}
	c.Timestamp = p.clock.Now()
	body := marshalClaims(&c)
	sig, err := crypto.SignECDSA(p.key, body)
	if err != nil {
		return nil, err
	}
	frame := eeid.Frame{Version: eeid.HeaderVersion, Type: eeid.TypeEvidence, Data: append(body, sig...)}
	return frame.Marshal(), nil
}

// SimVerifier checks evidence issued by a SimPlatform.
type SimVerifier struct {
	key *ecdsa.PublicKey
}

// NewSimVerifier returns a verifier trusting the platform key key.
func NewSimVerifier(key *ecdsa.PublicKey) *SimVerifier {
	return &SimVerifier{key: key}
}

// VerifyEvidence implements [EvidenceVerifier].
func (v *SimVerifier) VerifyEvidence(evidence []byte) (*Claims, error) {
	frame, err := eeid.UnmarshalFrame(evidence, eeid.TypeEvidence)
	if err != nil {
		return nil, fmt.Errorf("evidence: %v: %w", err, result.VerifyFailed)
	}
	if len(frame.Data) < signatureSize {
		return nil, fmt.Errorf("evidence: missing signature: %w", result.VerifyFailed)
	}
	body, sig := frame.Data[:len(frame.Data)-signatureSize], frame.Data[len(frame.Data)-signatureSize:]
	if err := crypto.VerifyECDSASignature(v.key, body, sig); err != nil {
		return nil, fmt.Errorf("evidence: %v: %w", err, result.VerifyFailed)
	}
	c, err := unmarshalClaims(body)
	if err != nil {
		return nil, fmt.Errorf("evidence: %v: %w", err, result.VerifyFailed)
	}
	return c, nil
}

func marshalClaims(c *Claims) []byte {
	var b []byte
	b = appendBytes(b, fieldUniqueID, c.UniqueID[:])
	b = appendBytes(b, fieldSignerID, c.SignerID[:])
	b = appendVarint(b, fieldProductID, uint64(c.ProductID))
	b = appendVarint(b, fieldSecurityVersion, uint64(c.SecurityVersion))
	b = protowire.AppendTag(b, fieldAttributes, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, c.Attributes)
	b = appendBytes(b, fieldConfigID, c.ConfigID[:])
	b = appendVarint(b, fieldConfigSVN, uint64(c.ConfigSVN))
	b = appendBytes(b, fieldReportData, c.ReportData)
	b = appendVarint(b, fieldTimestamp, uint64(c.Timestamp.UnixNano()))
	if c.EEID != nil {
		b = appendBytes(b, fieldEEID, c.EEID)
	}
	return b
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func unmarshalClaims(b []byte) (*Claims, error) {
	c := &Claims{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]

		switch typ {
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if err := c.setBytes(num, v); err != nil {
				return nil, err
			}
			b = b[n:]
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if err := c.setVarint(num, v); err != nil {
				return nil, err
			}
			b = b[n:]
		case protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			if num == fieldAttributes {
				c.Attributes = v
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return c, nil
}

func (c *Claims) setBytes(num protowire.Number, v []byte) error {
	var dst []byte
	switch num {
	case fieldUniqueID:
		dst = c.UniqueID[:]
	case fieldSignerID:
		dst = c.SignerID[:]
	case fieldConfigID:
		dst = c.ConfigID[:]
	case fieldReportData:
		if len(v) > ReportDataSize {
			return fmt.Errorf("report data has %d bytes", len(v))
		}
		c.ReportData = append([]byte(nil), v...)
		return nil
	case fieldEEID:
		c.EEID = append([]byte(nil), v...)
		return nil
	default:
		return nil
	}
	if len(v) != len(dst) {
		return fmt.Errorf("field %d has %d bytes, expected %d", num, len(v), len(dst))
	}
	copy(dst, v)
	return nil
}

func (c *Claims) setVarint(num protowire.Number, v uint64) error {
	switch num {
	case fieldProductID, fieldSecurityVersion, fieldConfigSVN:
		if v > 0xFFFF {
			return fmt.Errorf("field %d: %d exceeds 16 bits", num, v)
		}
	}
	switch num {
	case fieldProductID:
		c.ProductID = uint16(v)
	case fieldSecurityVersion:
		c.SecurityVersion = uint16(v)
	case fieldConfigSVN:
		c.ConfigSVN = uint16(v)
	case fieldTimestamp:
		c.Timestamp = time.Unix(0, int64(v))
	}
	return nil
}
