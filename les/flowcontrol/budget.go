// Package flowcontrol implements the LES credit-based request flow control:
// a per-node buffer that is spent on dispatch and recharged over time (and
// by incoming buffer-value updates), clipped to a server-advertised limit.
package flowcontrol

import (
	"sync"
	"time"
)

// ClientParams are the locally configured defaults used before a server's
// Status message is known.
type ClientParams struct {
	BufferLimit uint64
	MinRecharge uint64 // cost units recharged per second
}

// CostEntry is one row of a server's Maximum Request Cost table.
type CostEntry struct {
	MsgCode  uint64
	BaseCost uint64
	ReqCost  uint64
}

// ServerParams are negotiated from a peer's Status message.
type ServerParams struct {
	BufferLimit uint64
	MaxRecharge uint64
	MRC         []CostEntry
}

// Cost returns the estimated cost of sending msgCode with the given
// request amount (e.g. header count), per the server's MRC table. Unknown
// codes cost the whole buffer limit, so such a request is affordable only
// while the buffer is full.
func (p ServerParams) Cost(msgCode uint64, amount uint64) uint64 {
	for _, e := range p.MRC {
		if e.MsgCode == msgCode {
			return e.BaseCost + e.ReqCost*amount
		}
	}
	return p.BufferLimit
}

// Budget tracks one node's credit buffer: monotonically non-negative,
// clipped to bufferLimit, decremented on dispatch, recharged on elapsed
// time and on incoming BV updates.
type Budget struct {
	mu          sync.Mutex
	current     uint64
	limit       uint64
	rechargeps  uint64 // recharge rate, cost units per second
	lastUpdate  time.Time
}

// NewBudget creates a Budget starting at limit (full buffer), the
// conventional initial state before any request has been dispatched.
func NewBudget(limit, rechargePerSecond uint64, now time.Time) *Budget {
	return &Budget{current: limit, limit: limit, rechargeps: rechargePerSecond, lastUpdate: now}
}

// recharge applies linear recharge for elapsed time since lastUpdate,
// clipping at limit. Caller must hold mu.
func (b *Budget) recharge(now time.Time) {
	if now.Before(b.lastUpdate) {
		return
	}
	elapsed := now.Sub(b.lastUpdate).Seconds()
	gained := uint64(elapsed * float64(b.rechargeps))
	b.current += gained
	if b.current > b.limit {
		b.current = b.limit
	}
	b.lastUpdate = now
}

// CanAfford reports whether cost can currently be dispatched.
func (b *Budget) CanAfford(now time.Time, cost uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recharge(now)
	return cost <= b.current
}

// Spend decrements the buffer by cost and returns true. If the buffer
// cannot cover cost it returns false and leaves the buffer unchanged.
func (b *Budget) Spend(now time.Time, cost uint64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recharge(now)
	if cost > b.current {
		return false
	}
	b.current -= cost
	return true
}

// UpdateFromResponse applies an incoming buffer-value (BV) update, clipped
// to the server's advertised limit. BV refills as responses arrive per the
// MRC recharge rate; it never makes the buffer exceed limit.
func (b *Budget) UpdateFromResponse(now time.Time, bv uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.recharge(now)
	b.current = bv
	if b.current > b.limit {
		b.current = b.limit
	}
}

// Current returns the current buffer value.
func (b *Budget) Current() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.current
}

// Limit returns the configured buffer limit.
func (b *Budget) Limit() uint64 {
	return b.limit
}
