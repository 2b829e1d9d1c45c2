package les

import (
	"math/big"
	"testing"
	"time"

	"github.com/breadwallet/ethles/core/types"
	"github.com/breadwallet/ethles/p2p"
	"github.com/breadwallet/ethles/rlp"
)

type recordingSink struct {
	responses []string
	failures  []error
}

func (r *recordingSink) HandleResponse(_ uint64, _ RequestKind, payload []byte) error {
	r.responses = append(r.responses, string(payload))
	return nil
}

func (r *recordingSink) HandleFailure(_ uint64, err error) {
	r.failures = append(r.failures, err)
}

func TestHandleStatusRejectsNetworkMismatch(t *testing.T) {
	n := NewNode("p", mustCodec(t), testStatus())
	remote := testStatus()
	remote.NetworkID = 999
	if err := n.HandleStatus(remote); err == nil {
		t.Fatal("expected network mismatch to be rejected")
	}
	if n.State() != SessionErrored {
		t.Fatalf("state = %v, want SessionErrored", n.State())
	}
}

func TestHandleStatusRejectsLowerTotalDifficulty(t *testing.T) {
	n := NewNode("p", mustCodec(t), testStatus())
	remote := testStatus()
	remote.HeadTD = big.NewInt(1) // below locally trusted 1000
	if err := n.HandleStatus(remote); err == nil {
		t.Fatal("expected insufficient total difficulty to be rejected")
	}
}

func TestHandleStatusActivatesSession(t *testing.T) {
	n := NewNode("p", mustCodec(t), testStatus())
	remote := testStatus()
	remote.HeadTD = big.NewInt(2000)
	if err := n.HandleStatus(remote); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	if n.State() != SessionActive {
		t.Fatalf("state = %v, want SessionActive", n.State())
	}
	if n.Head().Number != remote.HeadNum {
		t.Fatalf("head number = %d, want %d", n.Head().Number, remote.HeadNum)
	}
}

func TestDispatchInsufficientCredit(t *testing.T) {
	n, _ := newActiveNodePair(t)
	// Ask for far more headers than the buffer can afford.
	_, err := n.Dispatch(GetBlockHeadersMsg, KindGetBlockHeaders, 1_000_000, []interface{}{uint64(1), uint64(1), uint64(0), false}, time.Second, &recordingSink{})
	if err != ErrInsufficientCredit {
		t.Fatalf("err = %v, want ErrInsufficientCredit", err)
	}
}

func TestDispatchAndHandleResponseRoundTrip(t *testing.T) {
	n, serverCodec := newActiveNodePair(t)

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() {
		_, err := n.Dispatch(GetBlockHeadersMsg, KindGetBlockHeaders, 1, []interface{}{uint64(1), uint64(1), uint64(0), false}, 2*time.Second, sink)
		done <- err
	}()

	msg, err := serverCodec.ReadMsg()
	if err != nil {
		t.Fatalf("server ReadMsg: %v", err)
	}
	wantCode := GetBlockHeadersMsg + uint64(16) // base protocol length precedes the "les" offset
	if msg.Code != wantCode {
		t.Fatalf("request code = %d, want %d", msg.Code, wantCode)
	}
	if err := <-done; err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	restItem, err := rlp.EncodeToBytes("hdrs")
	if err != nil {
		t.Fatalf("encode rest item: %v", err)
	}
	envelopePayload := rlp.WrapList(concatRLP(t, uint64(0), uint64(900_000), restItem))
	if err := serverCodec.WriteMsg(p2p.Msg{Code: BlockHeadersMsg + 16, Size: uint32(len(envelopePayload)), Payload: envelopePayload}); err != nil {
		t.Fatalf("server WriteMsg: %v", err)
	}

	incoming, err := n.codecReadMsgForTest()
	if err != nil {
		t.Fatalf("client ReadMsg: %v", err)
	}
	if err := n.dispatchIncoming(incoming, nil); err != nil {
		t.Fatalf("dispatchIncoming: %v", err)
	}
	if len(sink.responses) != 1 || sink.responses[0] != string(restItem) {
		t.Fatalf("sink.responses = %v, want [%q]", sink.responses, restItem)
	}
	if n.Buffer() != 900_000 {
		t.Fatalf("buffer after BV update = %d, want 900000", n.Buffer())
	}
}

func TestSweepTimeoutsDropsAfterThreeConsecutive(t *testing.T) {
	n, _ := newActiveNodePair(t)
	sink := &recordingSink{}

	past := time.Now().Add(-time.Millisecond)
	for i := 0; i < 3; i++ {
		n.mu.Lock()
		n.pending[uint64(i)] = &pendingRequest{sink: sink, kind: KindGetBlockHeaders, deadline: past}
		n.mu.Unlock()
		drop := n.SweepTimeouts(time.Now())
		if i < 2 && drop {
			t.Fatalf("round %d: dropped too early", i)
		}
		if i == 2 && !drop {
			t.Fatal("expected drop on third consecutive timeout")
		}
	}
	if len(sink.failures) != 3 {
		t.Fatalf("failures = %d, want 3", len(sink.failures))
	}
}

func TestSweepTimeoutsResetsOnSuccess(t *testing.T) {
	n, _ := newActiveNodePair(t)
	sink := &recordingSink{}
	past := time.Now().Add(-time.Millisecond)

	// Two timeouts in a row leave the node one short of a drop.
	for i := 0; i < 2; i++ {
		n.mu.Lock()
		n.pending[uint64(i)] = &pendingRequest{sink: sink, kind: KindGetBlockHeaders, deadline: past}
		n.mu.Unlock()
		n.SweepTimeouts(time.Now())
	}

	// A successful response resets the consecutive-timeout counter, so the
	// next timeout starts a new run and must not drop the node.
	n.mu.Lock()
	n.pending[2] = &pendingRequest{sink: sink, kind: KindGetBlockHeaders, deadline: time.Now().Add(time.Hour)}
	n.mu.Unlock()
	n.HandleResponse(KindGetBlockHeaders, 2, 100, []byte("ok"))

	n.mu.Lock()
	n.pending[3] = &pendingRequest{sink: sink, kind: KindGetBlockHeaders, deadline: past}
	n.mu.Unlock()
	if n.SweepTimeouts(time.Now()) {
		t.Fatal("should not drop: a successful response reset the consecutive counter")
	}
}

func TestCloseFailsInFlightRequests(t *testing.T) {
	n, _ := newActiveNodePair(t)
	sink := &recordingSink{}
	n.mu.Lock()
	n.pending[0] = &pendingRequest{sink: sink, kind: KindGetBlockHeaders, deadline: time.Now().Add(time.Hour)}
	n.mu.Unlock()

	if err := n.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if len(sink.failures) != 1 || sink.failures[0] != ErrPeerDisconnected {
		t.Fatalf("failures = %v, want [ErrPeerDisconnected]", sink.failures)
	}
	if n.State() != SessionClosed {
		t.Fatalf("state = %v, want SessionClosed", n.State())
	}
}

func TestDispatchIncomingAnnounce(t *testing.T) {
	n, _ := newActiveNodePair(t)
	head := Head{Hash: types.HexToHash("0xbeef"), Number: 42, TD: big.NewInt(5000)}
	hashItem, err := rlp.EncodeToBytes(head.Hash)
	if err != nil {
		t.Fatalf("encode hash: %v", err)
	}
	numItem, err := rlp.EncodeToBytes(head.Number)
	if err != nil {
		t.Fatalf("encode number: %v", err)
	}
	tdItem, err := rlp.EncodeToBytes(head.TD)
	if err != nil {
		t.Fatalf("encode td: %v", err)
	}
	payload := rlp.WrapList(concatRLP(t, hashItem, numItem, tdItem))

	var got Head
	if err := n.dispatchIncoming(p2p.Msg{Code: AnnounceMsg + n.capOffset, Payload: payload}, func(h Head) { got = h }); err != nil {
		t.Fatalf("dispatchIncoming: %v", err)
	}
	if got.Number != 42 || got.Hash != head.Hash {
		t.Fatalf("onAnnounce callback got %+v", got)
	}
	if n.Head().Number != 42 {
		t.Fatalf("node head not updated: %+v", n.Head())
	}
}

// mustCodec returns a bare active codec endpoint (the peer end is left
// unused) for tests that only need HandleStatus's pure validation logic.
func mustCodec(t *testing.T) *p2p.FrameCodec {
	t.Helper()
	a, _ := newTestCodecPair(t, lesCaps())
	return a
}

// codecReadMsgForTest exposes a read on the node's own codec for tests that
// need to pull the frame the server just wrote back through the client side.
func (n *Node) codecReadMsgForTest() (p2p.Msg, error) {
	return n.codec.ReadMsg()
}

// concatRLP concatenates the RLP encodings of items, treating any []byte
// argument as already-encoded rather than encoding it as a string.
func concatRLP(t *testing.T, items ...interface{}) []byte {
	t.Helper()
	var buf []byte
	for _, it := range items {
		if b, ok := it.([]byte); ok {
			buf = append(buf, b...)
			continue
		}
		enc, err := rlp.EncodeToBytes(it)
		if err != nil {
			t.Fatalf("encode %v: %v", it, err)
		}
		buf = append(buf, enc...)
	}
	return buf
}
