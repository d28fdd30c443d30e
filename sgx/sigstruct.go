package sgx

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"

	"github.com/edgelesssys/go-enclave/crypto"
	"github.com/edgelesssys/go-enclave/result"
)

// SigStructSize is the size of a serialized SIGSTRUCT.
const SigStructSize = 1808

const rsaKeySize = 384

var (
	sigStructHeader  = [16]byte{0x06, 0x00, 0x00, 0x00, 0xe1, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00}
	sigStructHeader2 = [16]byte{0x01, 0x01, 0x00, 0x00, 0x60, 0x00, 0x00, 0x00, 0x60, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}
)

// SigStruct binds an enclave measurement and its properties to a signing key.
type SigStruct struct {
	Vendor    uint32
	Date      uint32
	SWDefined uint32
	// Modulus is the little-endian RSA-3072 modulus of the signing key.
	Modulus  [rsaKeySize]byte
	Exponent uint32
	// Signature is the little-endian RSA signature over the header and body.
	Signature         [rsaKeySize]byte
	MiscSelect        uint32
	MiscMask          uint32
	FamilyID          [16]byte
	Attributes        uint64
	XFRM              uint64
	AttributeMask     uint64
	XFRMMask          uint64
	EnclaveHash       [32]byte
	ExtendedProductID [16]byte
	ISVProdID         uint16
	ISVSVN            uint16
	Q1                [rsaKeySize]byte
	Q2                [rsaKeySize]byte
}

// Marshal serializes the SIGSTRUCT to its binary representation.
func (s *SigStruct) Marshal() [SigStructSize]byte {
	var out [SigStructSize]byte
	copy(out[0:16], sigStructHeader[:])
	binary.LittleEndian.PutUint32(out[16:20], s.Vendor)
	binary.LittleEndian.PutUint32(out[20:24], s.Date)
	copy(out[24:40], sigStructHeader2[:])
	binary.LittleEndian.PutUint32(out[40:44], s.SWDefined)
	copy(out[128:512], s.Modulus[:])
	binary.LittleEndian.PutUint32(out[512:516], s.Exponent)
	copy(out[516:900], s.Signature[:])
	s.marshalBody(out[900:1028])
	copy(out[1040:1424], s.Q1[:])
	copy(out[1424:1808], s.Q2[:])
	return out
}

func (s *SigStruct) marshalBody(body []byte) {
	binary.LittleEndian.PutUint32(body[0:4], s.MiscSelect)
	binary.LittleEndian.PutUint32(body[4:8], s.MiscMask)
	copy(body[12:28], s.FamilyID[:])
	binary.LittleEndian.PutUint64(body[28:36], s.Attributes)
	binary.LittleEndian.PutUint64(body[36:44], s.XFRM)
	binary.LittleEndian.PutUint64(body[44:52], s.AttributeMask)
	binary.LittleEndian.PutUint64(body[52:60], s.XFRMMask)
	copy(body[60:92], s.EnclaveHash[:])
	copy(body[108:124], s.ExtendedProductID[:])
	binary.LittleEndian.PutUint16(body[124:126], s.ISVProdID)
	binary.LittleEndian.PutUint16(body[126:128], s.ISVSVN)
}

// ParseSigStruct parses a SIGSTRUCT from its binary representation.
func ParseSigStruct(b []byte) (SigStruct, error) {
	if len(b) < SigStructSize {
		return SigStruct{}, fmt.Errorf("sigstruct: need %d bytes, got %d: %w", SigStructSize, len(b), result.InvalidParameter)
	}
	if [16]byte(b[0:16]) != sigStructHeader || [16]byte(b[24:40]) != sigStructHeader2 {
		return SigStruct{}, fmt.Errorf("sigstruct: invalid header: %w", result.InvalidParameter)
	}
	body := b[900:1028]
	return SigStruct{
		Vendor:            binary.LittleEndian.Uint32(b[16:20]),
		Date:              binary.LittleEndian.Uint32(b[20:24]),
		SWDefined:         binary.LittleEndian.Uint32(b[40:44]),
		Modulus:           [rsaKeySize]byte(b[128:512]),
		Exponent:          binary.LittleEndian.Uint32(b[512:516]),
		Signature:         [rsaKeySize]byte(b[516:900]),
		MiscSelect:        binary.LittleEndian.Uint32(body[0:4]),
		MiscMask:          binary.LittleEndian.Uint32(body[4:8]),
		FamilyID:          [16]byte(body[12:28]),
		Attributes:        binary.LittleEndian.Uint64(body[28:36]),
		XFRM:              binary.LittleEndian.Uint64(body[36:44]),
		AttributeMask:     binary.LittleEndian.Uint64(body[44:52]),
		XFRMMask:          binary.LittleEndian.Uint64(body[52:60]),
		EnclaveHash:       [32]byte(body[60:92]),
		ExtendedProductID: [16]byte(body[108:124]),
		ISVProdID:         binary.LittleEndian.Uint16(body[124:126]),
		ISVSVN:            binary.LittleEndian.Uint16(body[126:128]),
		Q1:                [rsaKeySize]byte(b[1040:1424]),
		Q2:                [rsaKeySize]byte(b[1424:1808]),
	}, nil
}

// signedData returns the header and body, which are covered by the signature.
func (s *SigStruct) signedData() []byte {
	raw := s.Marshal()
	data := make([]byte, 0, 256)
	data = append(data, raw[0:128]...)
	return append(data, raw[900:1028]...)
}

// Sign creates a SIGSTRUCT for an enclave with measurement mrenclave and properties props.
// The key must be an RSA-3072 key.
func Sign(mrenclave [32]byte, props *Properties, key *rsa.PrivateKey, date time.Time) (*SigStruct, error) {
	if key.N.BitLen() != rsaKeySize*8 {
		return nil, fmt.Errorf("signing key has %d bits, expected %d: %w", key.N.BitLen(), rsaKeySize*8, result.InvalidParameter)
	}

	s := &SigStruct{
		Date:              bcdDate(date),
		Exponent:          uint32(key.E),
		FamilyID:          props.FamilyID,
		Attributes:        props.Attributes,
		XFRM:              props.XFRM,
		AttributeMask:     ^uint64(0),
		XFRMMask:          ^uint64(0),
		EnclaveHash:       mrenclave,
		ExtendedProductID: props.ExtendedProductID,
		ISVProdID:         uint16(props.ProductID),
		ISVSVN:            uint16(props.SecurityVersion),
	}
	copy(s.Modulus[:], crypto.Reverse(key.N.FillBytes(make([]byte, rsaKeySize))))

	signature, err := crypto.SignRSA(key, s.signedData())
	if err != nil {
		return nil, err
	}
	copy(s.Signature[:], crypto.Reverse(signature))

	q1, q2 := computeQ(signature, key.N)
	copy(s.Q1[:], crypto.Reverse(q1.FillBytes(make([]byte, rsaKeySize))))
	copy(s.Q2[:], crypto.Reverse(q2.FillBytes(make([]byte, rsaKeySize))))
	return s, nil
}

// Verify checks the signature of s.
func (s *SigStruct) Verify() error {
	key := s.PublicKey()
	if err := crypto.VerifyRSASignature(key, s.signedData(), crypto.Reverse(s.Signature[:])); err != nil {
		return fmt.Errorf("sigstruct: %v: %w", err, result.VerifyFailed)
	}
	return nil
}

// PublicKey returns the signing key.
func (s *SigStruct) PublicKey() *rsa.PublicKey {
	return crypto.BuildRSAPublicKey(s.Modulus[:], s.Exponent)
}

// MRSigner returns the signer identity, the SHA-256 hash of the little-endian modulus.
func (s *SigStruct) MRSigner() [32]byte {
	return sha256.Sum256(s.Modulus[:])
}

// Matches checks that s was issued for an enclave with measurement mrenclave and properties props.
func (s *SigStruct) Matches(mrenclave [32]byte, props *Properties) error {
	switch {
	case s.EnclaveHash != mrenclave:
		return fmt.Errorf("sigstruct: enclave hash does not match the measurement: %w", result.VerifyFailed)
	case uint32(s.ISVProdID) != props.ProductID:
		return fmt.Errorf("sigstruct: product id %d does not match %d: %w", s.ISVProdID, props.ProductID, result.VerifyFailed)
	case uint32(s.ISVSVN) != props.SecurityVersion:
		return fmt.Errorf("sigstruct: security version %d does not match %d: %w", s.ISVSVN, props.SecurityVersion, result.VerifyFailed)
	case s.Attributes&AttributeDebug != props.Attributes&AttributeDebug:
		return fmt.Errorf("sigstruct: debug attribute does not match: %w", result.VerifyFailed)
	}
	return nil
}

// MRSigner returns the signer identity of an RSA public key.
func MRSigner(key *rsa.PublicKey) [32]byte {
	return sha256.Sum256(crypto.Reverse(key.N.FillBytes(make([]byte, rsaKeySize))))
}

// computeQ computes the values used by hardware to verify the signature without division:
// q1 = floor(s^2 / n) and q2 = floor((s^3 - q1*s*n) / n).
func computeQ(signature []byte, n *big.Int) (*big.Int, *big.Int) {
	s := new(big.Int).SetBytes(signature)
	s2 := new(big.Int).Mul(s, s)
	q1 := new(big.Int).Div(s2, n)

	s3 := new(big.Int).Mul(s2, s)
	tmp := new(big.Int).Mul(q1, s)
	tmp.Mul(tmp, n)
	q2 := new(big.Int).Sub(s3, tmp)
	q2.Div(q2, n)
	return q1, q2
}

// bcdDate encodes date as 0xYYYYMMDD with binary coded decimal digits.
func bcdDate(date time.Time) uint32 {
	bcd := func(v, digits int) uint32 {
		var out uint32
		for i := 0; i < digits; i++ {
			out |= uint32(v%10) << (4 * i)
			v /= 10
		}
		return out
	}
	y, m, d := date.Date()
	return bcd(y, 4)<<16 | bcd(int(m), 2)<<8 | bcd(d, 2)
}
