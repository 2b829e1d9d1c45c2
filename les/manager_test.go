package les

import (
	"math/big"
	"testing"
	"time"

	"github.com/breadwallet/ethles/core/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	return NewManager(Config{SweepInterval: 10 * time.Millisecond, DefaultMaxAttempts: 2, DefaultTimeout: time.Second})
}

// activeNodeWithBuffer returns a Node already ACTIVE with the given head
// number and buffer, wired over a throwaway codec pair, for manager-level
// selection tests that don't exercise the wire.
func activeNodeWithBuffer(t *testing.T, id string, headNumber, buffer uint64) *Node {
	t.Helper()
	a, _ := newTestCodecPair(t, lesCaps())
	local := testStatus()
	remote := testStatus()
	remote.HeadNum = headNumber
	remote.BufferLimit = buffer
	n := NewNode(id, a, local)
	if err := n.HandleStatus(remote); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	return n
}

func TestSelectNodePrefersLeastLoaded(t *testing.T) {
	m := newTestManager(t)
	low := activeNodeWithBuffer(t, "low", 100, 200_000)
	high := activeNodeWithBuffer(t, "high", 100, 900_000)
	m.nodes["low"] = low
	m.nodes["high"] = high

	got, err := m.SelectNode(0, GetBlockHeadersMsg, 1)
	if err != nil {
		t.Fatalf("SelectNode: %v", err)
	}
	if got.ID() != "high" {
		t.Fatalf("selected %s, want high (more remaining headroom)", got.ID())
	}
}

func TestSelectNodeFiltersByHead(t *testing.T) {
	m := newTestManager(t)
	behind := activeNodeWithBuffer(t, "behind", 50, 900_000)
	ahead := activeNodeWithBuffer(t, "ahead", 500, 900_000)
	m.nodes["behind"] = behind
	m.nodes["ahead"] = ahead

	got, err := m.SelectNode(400, GetBlockHeadersMsg, 1)
	if err != nil {
		t.Fatalf("SelectNode: %v", err)
	}
	if got.ID() != "ahead" {
		t.Fatalf("selected %s, want ahead", got.ID())
	}
}

func TestSelectNodeNoneAvailable(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.SelectNode(0, GetBlockHeadersMsg, 1); err != ErrNoPeersAvailable {
		t.Fatalf("err = %v, want ErrNoPeersAvailable", err)
	}
}

func TestAddRemoveNodeInvokesSaveCallback(t *testing.T) {
	var saved []*NodeConfig
	m := NewManager(Config{SaveNodesCallback: func(nodes []*NodeConfig) { saved = nodes }})
	n := activeNodeWithBuffer(t, "p1", 10, 1000)
	m.AddNode("p1", n, nil)
	if len(saved) != 1 {
		t.Fatalf("after AddNode, saved = %d configs, want 1", len(saved))
	}

	m.RemoveNode("p1", ErrPeerTimeout)
	if len(saved) != 1 {
		t.Fatalf("after RemoveNode, saved = %d configs, want 1 (same descriptor, state updated)", len(saved))
	}
	if saved[0].State != NodeError {
		t.Fatalf("state = %v, want NodeError", saved[0].State)
	}
	if !n.codec.IsClosed() {
		t.Fatal("RemoveNode must close the underlying codec")
	}
}

func TestNotifyAnnounceUpdatesNodeAndFiresCallback(t *testing.T) {
	var gotPeer string
	var gotNumber uint64
	m := NewManager(Config{AnnounceCallback: func(peerID string, _ types.Hash, number uint64, _ *big.Int) {
		gotPeer = peerID
		gotNumber = number
	}})
	n := activeNodeWithBuffer(t, "p1", 10, 1000)
	m.nodes["p1"] = n

	m.NotifyAnnounce("p1", n.Head().Hash, 999, n.Head().TD)
	if gotPeer != "p1" || gotNumber != 999 {
		t.Fatalf("callback got peer=%s number=%d", gotPeer, gotNumber)
	}
	if n.Head().Number != 999 {
		t.Fatalf("node head not updated: %d", n.Head().Number)
	}
}

func TestStopCancelsProvisionersAndClosesNodes(t *testing.T) {
	m := newTestManager(t)
	n := activeNodeWithBuffer(t, "p1", 10, 1000)
	m.AddNode("p1", n, nil)
	m.Start()

	completed := 0
	var completeErr error
	pv := NewProvisioner(KindGetBlockHeaders, []string{"0"}, SingleNode(), 3, time.Now().Add(time.Hour), echoDecode,
		func(string, interface{}) {}, func(err error) { completed++; completeErr = err })
	m.registerProvisioner(pv)

	m.Stop()

	if completed != 1 {
		t.Fatalf("onComplete fired %d times, want 1", completed)
	}
	if completeErr != ErrCancelled {
		t.Fatalf("completion error = %v, want ErrCancelled", completeErr)
	}
	if !n.codec.IsClosed() {
		t.Fatal("Stop must close every node")
	}
}

func TestSweepExpiresOverdueProvisioner(t *testing.T) {
	m := newTestManager(t)
	completed := 0
	pv := NewProvisioner(KindGetBlockHeaders, []string{"0"}, SingleNode(), 3, time.Now().Add(-time.Millisecond), echoDecode,
		func(string, interface{}) {}, func(error) { completed++ })
	m.registerProvisioner(pv)

	m.sweep(time.Now())
	if completed != 1 {
		t.Fatalf("expired provisioner onComplete fired %d times, want 1", completed)
	}
}

func TestSweepDropsNodeAfterTimeouts(t *testing.T) {
	m := newTestManager(t)
	n := activeNodeWithBuffer(t, "p1", 10, 1000)
	m.AddNode("p1", n, nil)

	sink := &recordingSink{}
	past := time.Now().Add(-time.Millisecond)
	for i := 0; i < 3; i++ {
		n.mu.Lock()
		n.pending[uint64(i)] = &pendingRequest{sink: sink, kind: KindGetBlockHeaders, deadline: past}
		n.mu.Unlock()
		m.sweep(time.Now())
	}

	m.mu.Lock()
	_, stillPresent := m.nodes["p1"]
	m.mu.Unlock()
	if stillPresent {
		t.Fatal("node should have been dropped after three consecutive timeouts")
	}
}
