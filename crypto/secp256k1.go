package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"math/big"

	"github.com/eth2030/eth2030/core/types"
)

// secp256k1N is the order of the secp256k1 curve.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// secp256k1halfN is half the order, used for Homestead low-S check.
var secp256k1halfN = new(big.Int).Div(secp256k1N, big.NewInt(2))

// s256 is the curve used throughout this package. All signing, ECDH and
// recovery operations in this module run on the real secp256k1 curve
// implemented in secp256k1_curve.go, not a stdlib NIST curve.
var s256 = S256()

var (
	errInvalidSigLen  = errors.New("crypto: signature must be 65 bytes [R || S || V]")
	errInvalidHashLen = errors.New("crypto: hash must be 32 bytes")
)

// GenerateKey generates a new secp256k1 private key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(s256, rand.Reader)
}

// Sign calculates an ECDSA signature in the 65-byte [R || S || V] format
// used by RLPx and Ethereum transactions, where V is the recovery id
// (0 or 1) needed to recover the public key from (hash, sig) alone.
//
// crypto/ecdsa does not return a recovery id, so the correct V is found
// by trial recovery: sign once, then test both candidate V values against
// the signing key's own public key.
func Sign(hash []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errInvalidHashLen
	}
	if prv == nil || prv.D == nil {
		return nil, errors.New("crypto: nil private key")
	}

	r, s, err := ecdsa.Sign(rand.Reader, prv, hash)
	if err != nil {
		return nil, err
	}
	// Canonicalize to low-S form so the same signature always recovers
	// with the same pair of candidate V values.
	if s.Cmp(secp256k1halfN) > 0 {
		s = new(big.Int).Sub(secp256k1N, s)
	}

	sig := make([]byte, 65)
	rBytes, sBytes := r.Bytes(), s.Bytes()
	copy(sig[32-len(rBytes):32], rBytes)
	copy(sig[64-len(sBytes):64], sBytes)

	v, err := findRecoveryID(hash, r, s, &prv.PublicKey)
	if err != nil {
		return nil, err
	}
	sig[64] = v
	return sig, nil
}

// findRecoveryID determines which of the two candidate recovery ids (0, 1)
// recovers to wantPub.
func findRecoveryID(hash []byte, r, s *big.Int, wantPub *ecdsa.PublicKey) (byte, error) {
	for v := byte(0); v < 2; v++ {
		x, y, err := recoverPublicKey(hash, r, s, v)
		if err != nil {
			continue
		}
		if x.Cmp(wantPub.X) == 0 && y.Cmp(wantPub.Y) == 0 {
			return v, nil
		}
	}
	return 0, errors.New("crypto: unable to determine recovery id")
}

// Ecrecover recovers the uncompressed 65-byte public key from hash and sig.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	pub, err := SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return FromECDSAPub(pub), nil
}

// SigToPub recovers the public key from hash and a 65-byte [R || S || V]
// signature using the curve's ecrecover algorithm.
func SigToPub(hash, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != 65 {
		return nil, errInvalidSigLen
	}
	if len(hash) != 32 {
		return nil, errInvalidHashLen
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	v := sig[64]
	if v >= 2 {
		return nil, errInvalidRecoveryID
	}
	if !ValidateSignatureValues(v, r, s, false) {
		return nil, errInvalidSignature
	}

	x, y, err := recoverPublicKey(hash, r, s, v)
	if err != nil {
		return nil, err
	}
	return &ecdsa.PublicKey{Curve: s256, X: x, Y: y}, nil
}

// ValidateSignature verifies that the given signature (64 bytes, no V) is valid
// for the provided 65-byte uncompressed public key and 32-byte hash.
func ValidateSignature(pubkey, hash, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	if len(hash) != 32 {
		return false
	}
	if len(pubkey) != 65 || pubkey[0] != 0x04 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])
	x := new(big.Int).SetBytes(pubkey[1:33])
	y := new(big.Int).SetBytes(pubkey[33:65])
	pub := &ecdsa.PublicKey{Curve: s256, X: x, Y: y}
	return ecdsa.Verify(pub, hash, r, s)
}

// ValidateSignatureValues checks r, s, v for validity per Homestead rules.
// If homestead is true, s must be in the lower half of the curve order.
func ValidateSignatureValues(v byte, r, s *big.Int, homestead bool) bool {
	if r == nil || s == nil {
		return false
	}
	if v > 1 {
		return false
	}
	if r.Sign() <= 0 || s.Sign() <= 0 {
		return false
	}
	if r.Cmp(secp256k1N) >= 0 || s.Cmp(secp256k1N) >= 0 {
		return false
	}
	if homestead && s.Cmp(secp256k1halfN) > 0 {
		return false
	}
	return true
}

// PubkeyToAddress derives the Ethereum address from a public key.
// Address = Keccak256(pubkey[1:])[12:]
func PubkeyToAddress(p ecdsa.PublicKey) types.Address {
	pubBytes := FromECDSAPub(&p)
	if pubBytes == nil {
		return types.Address{}
	}
	hash := Keccak256(pubBytes[1:])
	return types.BytesToAddress(hash[12:])
}

// CompressPubkey compresses a 65-byte uncompressed public key to 33 bytes.
func CompressPubkey(pubkey *ecdsa.PublicKey) []byte {
	if pubkey == nil || pubkey.X == nil || pubkey.Y == nil {
		return nil
	}
	return elliptic.MarshalCompressed(s256, pubkey.X, pubkey.Y)
}

// DecompressPubkey decompresses a 33-byte compressed public key.
func DecompressPubkey(pubkey []byte) (*ecdsa.PublicKey, error) {
	if len(pubkey) != 33 {
		return nil, errors.New("crypto: invalid compressed public key length")
	}
	if pubkey[0] != 0x02 && pubkey[0] != 0x03 {
		return nil, errors.New("crypto: invalid compressed public key")
	}
	p := s256.(*secp256k1Curve).p
	x := new(big.Int).SetBytes(pubkey[1:])
	if x.Cmp(p) >= 0 {
		return nil, errors.New("crypto: invalid compressed public key")
	}
	y := computeY(x, p)
	if y == nil {
		return nil, errors.New("crypto: invalid compressed public key")
	}
	if y.Bit(0) != uint(pubkey[0]&1) {
		y.Sub(p, y)
	}
	return &ecdsa.PublicKey{Curve: s256, X: x, Y: y}, nil
}

// FromECDSAPub marshals a public key to 65-byte uncompressed format (0x04 || X || Y).
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)
}

// UnmarshalPubkey64 parses a bare 64-byte X||Y node-id style public key
// (no leading 0x04 prefix), as used for RLPx node identities.
func UnmarshalPubkey64(data []byte) (*ecdsa.PublicKey, error) {
	if len(data) != 64 {
		return nil, errors.New("crypto: invalid 64-byte public key length")
	}
	x := new(big.Int).SetBytes(data[:32])
	y := new(big.Int).SetBytes(data[32:])
	pub := &ecdsa.PublicKey{Curve: s256, X: x, Y: y}
	if !s256.IsOnCurve(x, y) {
		return nil, errors.New("crypto: public key not on curve")
	}
	return pub, nil
}

// MarshalPubkey64 renders a public key as the bare 64-byte X||Y node-id form.
func MarshalPubkey64(pub *ecdsa.PublicKey) []byte {
	full := FromECDSAPub(pub)
	if full == nil {
		return nil
	}
	return full[1:]
}
