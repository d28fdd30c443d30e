package attestation

import (
	"bytes"
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/edgelesssys/go-enclave/eeid"
	"github.com/edgelesssys/go-enclave/result"
)

// Policy is the identity an enclave must have.
//
// For an extended enclave, UniqueID and SignerID describe its base image.
// Zero UniqueID and SignerID are not checked.
type Policy struct {
	UniqueID           [32]byte
	SignerID           [32]byte
	ProductID          uint16
	MinSecurityVersion uint16
	AllowDebug         bool
	// MaxAge is how old evidence may be. Zero disables the freshness check.
	MaxAge time.Duration
	// DebugSigner is the signer id extended enclaves are signed with when they are loaded.
	DebugSigner [32]byte
}

// Verifier checks evidence against a policy.
type Verifier struct {
	evidence EvidenceVerifier
	policy   Policy
	clock    clock.PassiveClock
}

// NewVerifier returns a verifier checking evidence authenticated by ev against policy.
func NewVerifier(ev EvidenceVerifier, policy Policy, clk clock.PassiveClock) *Verifier {
	return &Verifier{evidence: ev, policy: policy, clock: clk}
}

// Verify checks evidence and returns its claims.
// If reportData is not nil, the evidence must carry the same report data.
func (v *Verifier) Verify(evidence, reportData []byte) (*Claims, error) {
	claims, err := v.evidence.VerifyEvidence(evidence)
	if err != nil {
		return nil, err
	}
	if reportData != nil && !bytes.Equal(claims.ReportData, reportData) {
		return nil, fmt.Errorf("report data does not match: %w", result.VerifyFailed)
	}
	if err := v.checkFreshness(claims.Timestamp); err != nil {
		return nil, err
	}

	uniqueID, signerID := claims.UniqueID, claims.SignerID
	if claims.EEID != nil {
		if uniqueID, signerID, err = v.checkEEID(claims); err != nil {
			return nil, err
		}
	}

	p := &v.policy
	switch {
	case p.UniqueID != [32]byte{} && uniqueID != p.UniqueID:
		return nil, fmt.Errorf("unique id %x does not match: %w", uniqueID, result.VerifyFailed)
	case p.SignerID != [32]byte{} && signerID != p.SignerID:
		return nil, fmt.Errorf("signer id %x does not match: %w", signerID, result.VerifyFailed)
	case claims.ProductID != p.ProductID:
		return nil, fmt.Errorf("product id %d does not match %d: %w", claims.ProductID, p.ProductID, result.VerifyFailed)
	case claims.SecurityVersion < p.MinSecurityVersion:
		return nil, fmt.Errorf("security version %d is below %d: %w", claims.SecurityVersion, p.MinSecurityVersion, result.VerifyFailed)
	case claims.Debug() && !p.AllowDebug:
		return nil, fmt.Errorf("debug enclaves are not allowed: %w", result.VerifyFailed)
	}
	return claims, nil
}

func (v *Verifier) checkFreshness(ts time.Time) error {
	if v.policy.MaxAge == 0 {
		return nil
	}
	now := v.clock.Now()
	if ts.After(now) {
		return fmt.Errorf("evidence is from the future (%v > %v): %w", ts, now, result.VerifyFailed)
	}
	if age := now.Sub(ts); age > v.policy.MaxAge {
		return fmt.Errorf("evidence is %v old (max %v): %w", age, v.policy.MaxAge, result.VerifyFailed)
	}
	return nil
}

// checkEEID verifies the extension of an extended enclave and returns the identity of its base image.
func (v *Verifier) checkEEID(claims *Claims) ([32]byte, [32]byte, error) {
	var e eeid.EEID
	if err := eeid.Unmarshal(claims.EEID, &e); err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("evidence eeid: %v: %w", err, result.VerifyFailed)
	}
	ec := eeid.Claims{
		UniqueID:        claims.UniqueID,
		SignerID:        claims.SignerID,
		ProductID:       claims.ProductID,
		SecurityVersion: claims.SecurityVersion,
		Debug:           claims.Debug(),
	}
	if err := eeid.Verify(ec, &e, v.policy.DebugSigner); err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	sig, err := eeid.BaseSigStruct(&e)
	if err != nil {
		return [32]byte{}, [32]byte{}, err
	}
	return sig.EnclaveHash, sig.MRSigner(), nil
}
