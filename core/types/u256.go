package types

import (
	"math/big"

	"github.com/holiman/uint256"
)

// U256 is a fixed-width 256-bit unsigned integer, used in preference to
// math/big.Int for total difficulty comparisons. Flow-control buffer values
// and MRC costs are plain uint64 values.
type U256 = uint256.Int

// U256FromBig converts a *big.Int into a U256, clamping a nil input to
// zero. Values that do not fit in 256 bits are truncated by SetFromBig's
// own overflow semantics, which does not occur for any quantity this
// package handles.
func U256FromBig(b *big.Int) *U256 {
	u := new(uint256.Int)
	if b == nil {
		return u
	}
	u.SetFromBig(b)
	return u
}
