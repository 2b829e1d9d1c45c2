package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"errors"
	"math/big"

	"github.com/breadwallet/ethles/core/types"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	dcrecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// secp256k1N is the order of the secp256k1 curve.
var secp256k1N, _ = new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)

// secp256k1halfN is half the order, used for Homestead low-S check.
var secp256k1halfN = new(big.Int).Div(secp256k1N, big.NewInt(2))

// GenerateKey generates a new secp256k1 private key. The returned key uses
// the stdlib ecdsa.PrivateKey representation so it can be passed around like
// any other Go key, but the curve arithmetic underneath is the real
// secp256k1 curve, not P-256.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	dk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return toECDSAPrivateKey(dk), nil
}

// Sign calculates an ECDSA signature in the compact 65-byte Ethereum
// format: R(32) || S(32) || V(1), with V the raw recovery id (0 or 1).
func Sign(hash []byte, prv *ecdsa.PrivateKey) ([]byte, error) {
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	dk := toDecredPrivateKey(prv)
	compact := dcrecdsa.SignCompact(dk, hash, false)
	// decred's compact format is [recoveryByte || R || S] with the recovery
	// byte biased by 27 (and +4 if the pubkey was serialized compressed).
	// Ethereum's format is [R || S || V] with V the raw 0/1 recovery id.
	sig := make([]byte, 65)
	copy(sig[:64], compact[1:])
	sig[64] = (compact[0] - 27) & 1
	return sig, nil
}

// Ecrecover recovers the uncompressed public key from hash and signature.
func Ecrecover(hash, sig []byte) ([]byte, error) {
	pub, err := SigToPub(hash, sig)
	if err != nil {
		return nil, err
	}
	return FromECDSAPub(pub), nil
}

// SigToPub recovers the public key from hash and signature.
func SigToPub(hash, sig []byte) (*ecdsa.PublicKey, error) {
	if len(sig) != 65 {
		return nil, errors.New("signature must be 65 bytes [R || S || V]")
	}
	if len(hash) != 32 {
		return nil, errors.New("hash must be 32 bytes")
	}
	if sig[64] > 1 {
		return nil, errors.New("invalid recovery id")
	}
	compact := make([]byte, 65)
	compact[0] = 27 + sig[64]
	copy(compact[1:], sig[:64])

	pub, _, err := dcrecdsa.RecoverCompact(compact, hash)
	if err != nil {
		return nil, err
	}
	return toECDSAPublicKey(pub), nil
}

// ValidateSignature verifies that the given signature (64 bytes, no V) is valid
// for the provided 65-byte uncompressed public key and 32-byte hash.
func ValidateSignature(pubkey, hash, sig []byte) bool {
	if len(sig) != 64 || len(hash) != 32 {
		return false
	}
	if len(pubkey) != 65 || pubkey[0] != 0x04 {
		return false
	}
	dpub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return false
	}
	r := new(secp256k1.ModNScalar)
	s := new(secp256k1.ModNScalar)
	if r.SetByteSlice(sig[:32]) || s.SetByteSlice(sig[32:64]) {
		return false
	}
	signature := dcrecdsa.NewSignature(r, s)
	return signature.Verify(hash, dpub)
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
	return elliptic.MarshalCompressed(S256(), pubkey.X, pubkey.Y)
}

// DecompressPubkey decompresses a 33-byte compressed public key.
func DecompressPubkey(pubkey []byte) (*ecdsa.PublicKey, error) {
	dpub, err := secp256k1.ParsePubKey(pubkey)
	if err != nil {
		return nil, err
	}
	return toECDSAPublicKey(dpub), nil
}

// FromECDSAPub marshals a public key to 65-byte uncompressed format.
func FromECDSAPub(pub *ecdsa.PublicKey) []byte {
	if pub == nil || pub.X == nil || pub.Y == nil {
		return nil
	}
	return elliptic.Marshal(pub.Curve, pub.X, pub.Y)
}

// toDecredPrivateKey converts a stdlib ecdsa.PrivateKey to decred's
// PrivateKey representation, needed to drive the real curve arithmetic.
func toDecredPrivateKey(prv *ecdsa.PrivateKey) *secp256k1.PrivateKey {
	return secp256k1.PrivKeyFromBytes(prv.D.Bytes())
}

// toECDSAPrivateKey wraps a decred PrivateKey in the stdlib representation
// so the rest of the codebase can keep using crypto/ecdsa types.
func toECDSAPrivateKey(dk *secp256k1.PrivateKey) *ecdsa.PrivateKey {
	pub := dk.PubKey()
	return &ecdsa.PrivateKey{
		PublicKey: *toECDSAPublicKey(pub),
		D:         new(big.Int).SetBytes(dk.Serialize()),
	}
}

// toECDSAPublicKey wraps a decred PublicKey in the stdlib representation.
func toECDSAPublicKey(dp *secp256k1.PublicKey) *ecdsa.PublicKey {
	raw := dp.SerializeUncompressed()
	return &ecdsa.PublicKey{
		Curve: S256(),
		X:     new(big.Int).SetBytes(raw[1:33]),
		Y:     new(big.Int).SetBytes(raw[33:65]),
	}
}
