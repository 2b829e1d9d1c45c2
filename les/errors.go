package les

import "errors"

// Error taxonomy. Node-local errors close the offending node but do not
// surface to the caller; provisioner-exhaustion errors surface via the
// completion callback; a broken internal invariant has no error value and
// panics via assertInvariant instead.
var (
	ErrInvalidInput       = errors.New("les: invalid input")
	ErrDecode             = errors.New("les: decode error")
	ErrHandshakeFailed    = errors.New("les: handshake failed")
	ErrStatusIncompatible = errors.New("les: incompatible status")
	ErrPeerTimeout        = errors.New("les: peer timeout")
	ErrPeerDisconnected   = errors.New("les: peer disconnected")
	ErrNoPeersAvailable   = errors.New("les: no peers available")
	ErrInsufficientCredit = errors.New("les: insufficient credit")
	ErrCancelled          = errors.New("les: cancelled")
)

// assertInvariant panics with a "les: internal assertion failed" message
// when cond is false. Reserved for conditions the design treats as must-hold invariants,
// not recoverable runtime errors.
func assertInvariant(cond bool, msg string) {
	if !cond {
		panic("les: internal assertion failed: " + msg)
	}
}
