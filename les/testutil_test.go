package les

import (
	"math/big"
	"net"
	"testing"

	"github.com/breadwallet/ethles/core/types"
	"github.com/breadwallet/ethles/p2p"
)

// newTestCodecPair builds two FrameCodecs directly wired over an in-memory
// net.Pipe, skipping the ECIES handshake: both sides share the same
// AES/MAC secrets and mirrored egress/ingress seeds, which is sufficient to
// exercise WriteMsg/ReadMsg framing and capability-offset resolution without
// the cost of a real key exchange in every test.
func newTestCodecPair(t *testing.T, caps []p2p.Cap) (*p2p.FrameCodec, *p2p.FrameCodec) {
	t.Helper()
	connA, connB := net.Pipe()

	aes := make([]byte, 32)
	mac := make([]byte, 32)
	for i := range aes {
		aes[i] = byte(i + 1)
		mac[i] = byte(i + 101)
	}
	seed1 := []byte("seed-one-seed-one-seed-one-32by")
	seed2 := []byte("seed-two-seed-two-seed-two-32by")

	a, err := p2p.NewFrameCodec(connA, p2p.FrameCodecConfig{
		AESSecret: aes, MACSecret: mac,
		EgressSeed: seed1, IngressSeed: seed2,
		Initiator: true, Caps: caps,
	})
	if err != nil {
		t.Fatalf("new codec A: %v", err)
	}
	b, err := p2p.NewFrameCodec(connB, p2p.FrameCodecConfig{
		AESSecret: aes, MACSecret: mac,
		EgressSeed: seed2, IngressSeed: seed1,
		Initiator: false, Caps: caps,
	})
	if err != nil {
		t.Fatalf("new codec B: %v", err)
	}
	return a, b
}

func lesCaps() []p2p.Cap {
	return Caps()
}

func testStatus() *StatusMessage {
	return &StatusMessage{
		ProtocolVersion: ProtocolVersion,
		NetworkID:       1,
		HeadTD:          big.NewInt(1000),
		HeadHash:        types.HexToHash("0xaa"),
		HeadNum:         100,
		GenesisHash:     types.HexToHash("0xd4e5"),
		ServeHeaders:    true,
		BufferLimit:     1_000_000,
		MaxRecharge:     1000,
		MRC: []CostEntry{
			{MsgCode: GetBlockHeadersMsg, BaseCost: 0, ReqCost: 10},
			{MsgCode: GetBlockBodiesMsg, BaseCost: 0, ReqCost: 20},
			{MsgCode: GetReceiptsMsg, BaseCost: 0, ReqCost: 20},
			{MsgCode: GetProofsV2Msg, BaseCost: 0, ReqCost: 30},
			{MsgCode: GetTxStatusMsg, BaseCost: 0, ReqCost: 5},
			{MsgCode: SendTxV2Msg, BaseCost: 0, ReqCost: 5},
		},
		AnnounceType: AnnounceTypeSimple,
	}
}

// newActiveNodePair returns two Node sessions wired over a real framed
// connection, already past Status exchange (state ACTIVE on both sides),
// ready to Dispatch/respond in tests without spinning up Serve loops.
func newActiveNodePair(t *testing.T) (client *Node, serverCodec *p2p.FrameCodec) {
	t.Helper()
	a, b := newTestCodecPair(t, lesCaps())
	local := testStatus()
	remote := testStatus()
	n := NewNode("peer-1", a, local)
	if err := n.HandleStatus(remote); err != nil {
		t.Fatalf("HandleStatus: %v", err)
	}
	return n, b
}
