package crypto

import (
	"crypto/elliptic"
	"math/big"
	"sync"
)

// secp256k1 curve parameters from SEC 2: https://www.secg.org/sec2-v2.pdf
//
// The actual point arithmetic (ECDH, signing, recovery) is delegated to
// github.com/decred/dcrd/dcrec/secp256k1/v4. This file only provides an
// elliptic.Curve shim so the rest of the codebase can keep using the
// stdlib crypto/ecdsa and crypto/elliptic marshaling helpers, which need a
// Curve with the right field size and on-curve check.

var initonce sync.Once
var secp256k1Instance *secp256k1Curve

func initSecp256k1() {
	p, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffffffffffffffffffffffffffefffffc2f", 16)
	n, _ := new(big.Int).SetString("fffffffffffffffffffffffffffffffebaaedce6af48a03bbfd25e8cd0364141", 16)
	gx, _ := new(big.Int).SetString("79be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798", 16)
	gy, _ := new(big.Int).SetString("483ada7726a3c4655da4fbfc0e1108a8fd17b448a68554199c47d08ffb10d4b8", 16)

	secp256k1Instance = &secp256k1Curve{
		p: p,
		b: big.NewInt(7),
		params: &elliptic.CurveParams{
			P:       p,
			N:       n,
			B:       big.NewInt(7),
			Gx:      gx,
			Gy:      gy,
			BitSize: 256,
			Name:    "secp256k1",
		},
	}
}

// secp256k1Curve implements enough of elliptic.Curve for marshaling and
// on-curve validation. Point arithmetic beyond IsOnCurve is not needed
// since key generation, ECDH, and signing go through decred's package.
type secp256k1Curve struct {
	p, b   *big.Int
	params *elliptic.CurveParams
}

// S256 returns the secp256k1 elliptic curve.
func S256() elliptic.Curve {
	initonce.Do(initSecp256k1)
	return secp256k1Instance
}

func (c *secp256k1Curve) Params() *elliptic.CurveParams {
	return c.params
}

// IsOnCurve checks if (x, y) satisfies y^2 = x^3 + 7 (mod p).
func (c *secp256k1Curve) IsOnCurve(x, y *big.Int) bool {
	if x == nil || y == nil {
		return false
	}
	if x.Sign() < 0 || y.Sign() < 0 {
		return false
	}
	if x.Cmp(c.p) >= 0 || y.Cmp(c.p) >= 0 {
		return false
	}
	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, c.p)

	x3 := new(big.Int).Mul(x, x)
	x3.Mod(x3, c.p)
	x3.Mul(x3, x)
	x3.Mod(x3, c.p)
	x3.Add(x3, c.b)
	x3.Mod(x3, c.p)

	return y2.Cmp(x3) == 0
}

// Add is unused: all point addition is performed by decred's package.
func (c *secp256k1Curve) Add(x1, y1, x2, y2 *big.Int) (*big.Int, *big.Int) {
	panic("crypto: secp256k1Curve.Add not implemented, use decred/dcrec/secp256k1")
}

// Double is unused: all point doubling is performed by decred's package.
func (c *secp256k1Curve) Double(x1, y1 *big.Int) (*big.Int, *big.Int) {
	panic("crypto: secp256k1Curve.Double not implemented, use decred/dcrec/secp256k1")
}

// ScalarMult is unused: scalar multiplication is performed by decred's package.
func (c *secp256k1Curve) ScalarMult(bx, by *big.Int, k []byte) (*big.Int, *big.Int) {
	panic("crypto: secp256k1Curve.ScalarMult not implemented, use decred/dcrec/secp256k1")
}

// ScalarBaseMult is unused: scalar multiplication is performed by decred's package.
func (c *secp256k1Curve) ScalarBaseMult(k []byte) (*big.Int, *big.Int) {
	panic("crypto: secp256k1Curve.ScalarBaseMult not implemented, use decred/dcrec/secp256k1")
}
