// ECDSA signature recovery utilities used by the RLPx handshake.
//
// Provides compact signature representation (65 bytes: R || S || V) and
// public key recovery from a signature and message hash. V is always the
// raw secp256k1 recovery id (0 or 1) — RLPx auth messages are signed and
// recovered once per connection, never re-encoded to the legacy (27/28)
// or EIP-155 transaction-signature conventions.
//
// Signature malleability: S is always validated to be in the lower half
// of the curve order per EIP-2 (Homestead), preventing signature
// malleability.
package crypto

import (
	"errors"
	"math/big"
)

// CompactSignature is a 65-byte ECDSA signature: R (32) || S (32) || V (1).
// R and S are the signature components; V is the recovery ID that allows
// the signer's public key to be recovered from the signature alone.
type CompactSignature struct {
	R [32]byte
	S [32]byte
	V byte
}

var (
	ErrSigRecoverInvalidLength = errors.New("crypto: signature must be 65 bytes")
	ErrSigRecoverInvalidV      = errors.New("crypto: invalid V value")
	ErrSigRecoverInvalidR      = errors.New("crypto: R must be in [1, n-1]")
	ErrSigRecoverInvalidS      = errors.New("crypto: S must be in [1, n-1]")
	ErrSigRecoverMalleable     = errors.New("crypto: S is in upper half (malleable)")
	ErrSigRecoverHashLength    = errors.New("crypto: message hash must be 32 bytes")
	ErrSigRecoverFailed        = errors.New("crypto: public key recovery failed")
)

// ParseCompactSignature parses a 65-byte signature into a CompactSignature.
// Does not validate the signature components; use Validate for that.
func ParseCompactSignature(sig []byte) (*CompactSignature, error) {
	if len(sig) != 65 {
		return nil, ErrSigRecoverInvalidLength
	}
	cs := &CompactSignature{V: sig[64]}
	copy(cs.R[:], sig[:32])
	copy(cs.S[:], sig[32:64])
	return cs, nil
}

// Bytes encodes the compact signature as 65 bytes: R || S || V.
func (cs *CompactSignature) Bytes() []byte {
	buf := make([]byte, 65)
	copy(buf[:32], cs.R[:])
	copy(buf[32:64], cs.S[:])
	buf[64] = cs.V
	return buf
}

// RBigInt returns R as a big.Int.
func (cs *CompactSignature) RBigInt() *big.Int { return new(big.Int).SetBytes(cs.R[:]) }

// SBigInt returns S as a big.Int.
func (cs *CompactSignature) SBigInt() *big.Int { return new(big.Int).SetBytes(cs.S[:]) }

// Validate checks that the signature components are valid:
//   - R in [1, n-1]
//   - S in [1, n-1], in the lower half of the curve order (non-malleable)
//   - V is 0 or 1
func (cs *CompactSignature) Validate() error {
	r, s := cs.RBigInt(), cs.SBigInt()
	if cs.V > 1 {
		return ErrSigRecoverInvalidV
	}
	if r.Sign() <= 0 || r.Cmp(secp256k1N) >= 0 {
		return ErrSigRecoverInvalidR
	}
	if s.Sign() <= 0 || s.Cmp(secp256k1N) >= 0 {
		return ErrSigRecoverInvalidS
	}
	if s.Cmp(secp256k1halfN) > 0 {
		return ErrSigRecoverMalleable
	}
	return nil
}

// RecoverPublicKey recovers the uncompressed public key (65 bytes) from
// a 32-byte message hash and 65-byte compact signature.
// Returns [0x04 || X (32) || Y (32)].
func RecoverPublicKey(hash []byte, sig *CompactSignature) ([]byte, error) {
	if len(hash) != 32 {
		return nil, ErrSigRecoverHashLength
	}
	if err := sig.Validate(); err != nil {
		return nil, err
	}
	pub, err := SigToPub(hash, sig.Bytes())
	if err != nil {
		return nil, ErrSigRecoverFailed
	}
	return FromECDSAPub(pub), nil
}

// IsValidSignature performs a quick check on whether a 65-byte signature
// has valid R, S, and V components without performing recovery.
func IsValidSignature(sig []byte) bool {
	cs, err := ParseCompactSignature(sig)
	if err != nil {
		return false
	}
	return cs.Validate() == nil
}
