package les

import (
	"fmt"
	"sync"
	"time"

	"github.com/breadwallet/ethles/metrics"
)

// DecodedUnit is one response unit recovered from a wire payload: a key
// (positional index for ordered kinds like headers, hex hash for keyed
// kinds like bodies/receipts/tx status) and its decoded value.
type DecodedUnit struct {
	Key   string
	Value interface{}
}

// DecodeFunc turns one response payload into the units it satisfies. keys
// is the ordered list of keys the originating dispatch covered, needed to
// correlate positionally-ordered responses (headers, bodies, receipts) back
// to the unit they answer. It is supplied by the kind-specific constructor
// in api.go, which knows the wire shape of its response.
type DecodeFunc func(payload []byte, keys []string) ([]DecodedUnit, error)

// dispatchSink adapts one (provisioner, dispatch) pair to the Node-facing
// ResponseSink interface. It discards the request-id Node passes back,
// since the provisioner correlates dispatches across possibly many nodes
// by its own token rather than by a node-local request-id.
type dispatchSink struct {
	pv    *Provisioner
	token uint64
}

func (d *dispatchSink) HandleResponse(_ uint64, kind RequestKind, payload []byte) error {
	return d.pv.resolve(d.token, kind, payload)
}

func (d *dispatchSink) HandleFailure(_ uint64, err error) {
	d.pv.fail(d.token, err)
}

// Provisioner carries one logical LES request to completion, possibly
// across several nodes, and assembles its result.
type Provisioner struct {
	kind        RequestKind
	policy      DispatchPolicy
	maxAttempts int
	deadline    time.Time
	decode      DecodeFunc
	onUnit      func(key string, value interface{})
	onComplete  func(err error)

	mu         sync.Mutex
	order      []string
	remaining  map[string]int // key -> quorum answers still needed
	dispatches map[uint64][]string
	nextToken  uint64
	attempts   int
	completed  bool

	// redispatch re-enters the scheduler for keys still outstanding after a
	// failed attempt, picking a fresh qualifying node. Set by the caller
	// (api.go's submit) once the provisioner is registered, since only the
	// caller knows the request's minHead/msgCode/params to reissue.
	redispatch func(keys []string)
}

// NewProvisioner creates a Provisioner for keys (in declared order), each
// requiring policy.Quorum independent satisfying answers. onUnit fires at
// most once per key; onComplete fires exactly once, with nil on success or
// a terminal error once remaining is empty or maxAttempts is exhausted.
func NewProvisioner(kind RequestKind, keys []string, policy DispatchPolicy, maxAttempts int, deadline time.Time, decode DecodeFunc, onUnit func(string, interface{}), onComplete func(error)) *Provisioner {
	if policy.Quorum < 1 {
		policy.Quorum = 1
	}
	remaining := make(map[string]int, len(keys))
	order := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, exists := remaining[k]; !exists {
			order = append(order, k)
		}
		remaining[k] = policy.Quorum
	}
	return &Provisioner{
		kind:        kind,
		policy:      policy,
		maxAttempts: maxAttempts,
		deadline:    deadline,
		decode:      decode,
		onUnit:      onUnit,
		onComplete:  onComplete,
		order:       order,
		remaining:   remaining,
		dispatches:  make(map[uint64][]string),
	}
}

// Kind returns the provisioner's request kind.
func (pv *Provisioner) Kind() RequestKind { return pv.kind }

// Deadline returns the provisioner's expiry time.
func (pv *Provisioner) Deadline() time.Time { return pv.deadline }

// Done reports whether the provisioner has reached a terminal state.
func (pv *Provisioner) Done() bool {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	return pv.completed
}

// Remaining returns the keys still awaiting a satisfying answer, in
// declared order. The manager uses this to decide what to dispatch next.
func (pv *Provisioner) Remaining() []string {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	out := make([]string, 0, len(pv.remaining))
	for _, k := range pv.order {
		if _, ok := pv.remaining[k]; ok {
			out = append(out, k)
		}
	}
	return out
}

// NewDispatch registers a new in-flight dispatch covering keys and returns
// the ResponseSink the node should be given for it.
func (pv *Provisioner) NewDispatch(keys []string) (uint64, ResponseSink) {
	pv.mu.Lock()
	defer pv.mu.Unlock()
	token := pv.nextToken
	pv.nextToken++
	cp := make([]string, len(keys))
	copy(cp, keys)
	pv.dispatches[token] = cp
	return token, &dispatchSink{pv: pv, token: token}
}

// resolve applies a decoded response to remaining, firing onUnit for every
// newly satisfied key and onComplete once remaining empties.
func (pv *Provisioner) resolve(token uint64, _ RequestKind, payload []byte) error {
	pv.mu.Lock()
	keys, ok := pv.dispatches[token]
	if !ok {
		pv.mu.Unlock()
		return nil // stale dispatch: provisioner already moved on or completed
	}
	delete(pv.dispatches, token)
	pv.mu.Unlock()

	units, err := pv.decode(payload, keys)
	if err != nil {
		pv.fail(token, fmt.Errorf("%w: %v", ErrDecode, err))
		return err
	}

	var fired []DecodedUnit
	var done bool
	pv.mu.Lock()
	if !pv.completed {
		for _, u := range units {
			left, exists := pv.remaining[u.Key]
			if !exists || left <= 0 {
				continue
			}
			left--
			if left <= 0 {
				delete(pv.remaining, u.Key)
				fired = append(fired, u)
			} else {
				pv.remaining[u.Key] = left
			}
		}
		if len(pv.remaining) == 0 {
			done = true
			pv.completed = true
		}
	}
	pv.mu.Unlock()

	for _, u := range fired {
		pv.onUnit(u.Key, u.Value)
	}
	if done {
		pv.onComplete(nil)
	}
	return nil
}

// fail accounts one failed dispatch attempt (timeout, disconnect, or decode
// error). Once maxAttempts is exhausted the provisioner completes with
// ErrNoPeersAvailable; otherwise it re-enters the scheduler via redispatch
// for the keys still in remaining, so a dropped node or a timed-out request
// doesn't just idle until the provisioner's own deadline.
func (pv *Provisioner) fail(token uint64, cause error) {
	pv.mu.Lock()
	delete(pv.dispatches, token)
	var exceeded bool
	var retry []string
	if !pv.completed {
		pv.attempts++
		if pv.attempts >= pv.maxAttempts {
			exceeded = true
			pv.completed = true
		} else {
			for _, k := range pv.order {
				if _, ok := pv.remaining[k]; ok {
					retry = append(retry, k)
				}
			}
		}
	}
	pv.mu.Unlock()

	if exceeded {
		metrics.ProvisionerFailures.Inc()
		pv.onComplete(fmt.Errorf("%w: %v", ErrNoPeersAvailable, cause))
		return
	}
	if len(retry) > 0 && pv.redispatch != nil {
		metrics.ProvisionerRedispatches.Inc()
		pv.redispatch(retry)
	}
}

// Cancel force-completes the provisioner with err exactly once, used by the
// manager on shutdown and for explicit per-provisioner cancellation.
func (pv *Provisioner) Cancel(err error) {
	pv.mu.Lock()
	if pv.completed {
		pv.mu.Unlock()
		return
	}
	pv.completed = true
	pv.mu.Unlock()
	pv.onComplete(err)
}

// ExpireIfPastDeadline completes the provisioner with ErrPeerTimeout if now
// is past its deadline and it has not already completed. Returns true if it
// expired just now.
func (pv *Provisioner) ExpireIfPastDeadline(now time.Time) bool {
	pv.mu.Lock()
	if pv.completed || now.Before(pv.deadline) {
		pv.mu.Unlock()
		return false
	}
	pv.completed = true
	pv.mu.Unlock()
	metrics.ProvisionerFailures.Inc()
	pv.onComplete(ErrPeerTimeout)
	return true
}
