package les

import (
	"math/big"
	"testing"
	"time"

	"github.com/breadwallet/ethles/core/types"
	"github.com/breadwallet/ethles/p2p"
	"github.com/breadwallet/ethles/rlp"
)

// scenarioHarness wires an LES façade to a scripted fake peer: the test body
// drives requests through l while respond decides what the "server" writes
// back for each inbound request frame.
type scenarioHarness struct {
	t      *testing.T
	l      *LES
	server *p2p.FrameCodec
}

func newScenarioHarness(t *testing.T) *scenarioHarness {
	t.Helper()
	client, server := newTestCodecPair(t, lesCaps())

	l := New(Config{DefaultTimeout: 2 * time.Second, DefaultMaxAttempts: 1}, testStatus())

	connected := make(chan error, 1)
	go func() { connected <- l.Connect("peer-1", client, nil) }()

	// Play the server side of the Status handshake.
	msg, err := server.ReadMsg()
	if err != nil {
		t.Fatalf("server read status: %v", err)
	}
	if msg.Code-16 != StatusMsg {
		t.Fatalf("expected Status, got code %d", msg.Code)
	}
	remote := testStatus()
	remote.HeadNum = 6_000_000 // ahead of every block number these scenarios touch
	remoteStatusPayload, err := encodeStatusMessage(remote)
	if err != nil {
		t.Fatalf("encode server status: %v", err)
	}
	if err := server.WriteMsg(p2p.Msg{Code: StatusMsg + 16, Size: uint32(len(remoteStatusPayload)), Payload: remoteStatusPayload}); err != nil {
		t.Fatalf("server write status: %v", err)
	}
	if err := <-connected; err != nil {
		t.Fatalf("Connect: %v", err)
	}

	return &scenarioHarness{t: t, l: l, server: server}
}

// readRequest reads one inbound request frame and returns its reqID and the
// raw params item (position 1 of the [reqID, params] envelope).
func (h *scenarioHarness) readRequest() (code, reqID uint64, params []byte) {
	h.t.Helper()
	msg, err := h.server.ReadMsg()
	if err != nil {
		h.t.Fatalf("server read request: %v", err)
	}
	s := rlp.NewStreamFromBytes(msg.Payload)
	if _, err := s.List(); err != nil {
		h.t.Fatalf("decode request envelope: %v", err)
	}
	reqID, err = s.Uint64()
	if err != nil {
		h.t.Fatalf("decode reqID: %v", err)
	}
	params, err = s.Raw()
	if err != nil {
		h.t.Fatalf("decode params: %v", err)
	}
	if err := s.ListEnd(); err != nil {
		h.t.Fatalf("request envelope list end: %v", err)
	}
	return msg.Code - 16, reqID, params
}

// reply writes back a [reqID, bv, rest] response envelope on responseCode.
func (h *scenarioHarness) reply(responseCode, reqID, bv uint64, rest []byte) {
	h.t.Helper()
	payload := rlp.WrapList(concatRLP(h.t, reqID, bv, rest))
	if err := h.server.WriteMsg(p2p.Msg{Code: responseCode + 16, Size: uint32(len(payload)), Payload: payload}); err != nil {
		h.t.Fatalf("server write response: %v", err)
	}
}

func wrapItems(t *testing.T, items ...[]byte) []byte {
	t.Helper()
	var buf []byte
	for _, it := range items {
		buf = append(buf, it...)
	}
	return rlp.WrapList(buf)
}

func encodeRaw(t *testing.T, v interface{}) []byte {
	t.Helper()
	b, err := rlp.EncodeToBytes(v)
	if err != nil {
		t.Fatalf("encode %v: %v", v, err)
	}
	return b
}

// chainHeader builds a minimal, self-consistent header for block number n,
// chained to parent via parentHash, with the given gasUsed.
func chainHeader(number uint64, parentHash types.Hash, gasUsed uint64) *types.Header {
	return &types.Header{
		ParentHash:  parentHash,
		UncleHash:   types.EmptyUncleHash,
		Root:        types.EmptyRootHash,
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		Difficulty:  big.NewInt(int64(number) * 17),
		Number:      new(big.Int).SetUint64(number),
		GasLimit:    10_000_000,
		GasUsed:     gasUsed,
		Time:        1_600_000_000 + number,
	}
}

func encodeHeaderItem(t *testing.T, h *types.Header) []byte {
	t.Helper()
	b, err := h.EncodeRLP()
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	return b
}

// headerChain is a small fixture spanning blocks 4,732,518..4,732,526 with
// the gasUsed values called out by the scenario fixtures.
func headerChain() map[uint64]*types.Header {
	gasUsed := map[uint64]uint64{
		4_732_522: 8_003_540,
		4_732_523: 7_998_505,
		4_732_524: 7_996_865,
	}
	chain := make(map[uint64]*types.Header)
	var parent types.Hash
	for n := uint64(4_732_518); n <= 4_732_526; n++ {
		gu, ok := gasUsed[n]
		if !ok {
			gu = 8_000_000 + n
		}
		h := chainHeader(n, parent, gu)
		chain[n] = h
		enc, _ := h.EncodeRLP()
		parent = types.Hash{} // distinct per-header linkage isn't cryptographically verified client-side
		copy(parent[:], enc[:32])
	}
	return chain
}

// TestScenarioHeadersForwardNoSkip covers spec scenario 1: origin
// 4,732,522, count 3, skip 0, reverse false.
func TestScenarioHeadersForwardNoSkip(t *testing.T) {
	h := newScenarioHarness(t)
	chain := headerChain()

	var got []*types.Header
	done := make(chan error, 1)
	err := h.l.GetBlockHeaders(HeaderOrigin{Number: 4_732_522}, 3, 0, false,
		func(_ uint64, hdr *types.Header) { got = append(got, hdr) },
		func(err error) { done <- err })
	if err != nil {
		t.Fatalf("GetBlockHeaders: %v", err)
	}

	code, reqID, _ := h.readRequest()
	if code != GetBlockHeadersMsg {
		t.Fatalf("request code = %d, want GetBlockHeadersMsg", code)
	}
	want := []uint64{4_732_522, 4_732_523, 4_732_524}
	itemsPayload := wrapItems(t, encodeHeaderItem(t, chain[want[0]]), encodeHeaderItem(t, chain[want[1]]), encodeHeaderItem(t, chain[want[2]]))
	h.reply(BlockHeadersMsg, reqID, 900_000, itemsPayload)

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d headers, want 3", len(got))
	}
	for i, n := range want {
		if got[i].Number.Uint64() != n {
			t.Fatalf("header %d number = %d, want %d", i, got[i].Number.Uint64(), n)
		}
	}
	wantGas := []uint64{8_003_540, 7_998_505, 7_996_865}
	for i, g := range wantGas {
		if got[i].GasUsed != g {
			t.Fatalf("header %d gasUsed = %d, want %d", i, got[i].GasUsed, g)
		}
	}
	if got[1].ParentHash != headerHash(t, got[0]) {
		t.Fatal("header 1 does not chain from header 0 via ParentHash")
	}
	if got[2].ParentHash != headerHash(t, got[1]) {
		t.Fatal("header 2 does not chain from header 1 via ParentHash")
	}
}

// TestScenarioHeadersReverseNoSkip covers spec scenario 2: same origin,
// reverse true.
func TestScenarioHeadersReverseNoSkip(t *testing.T) {
	h := newScenarioHarness(t)
	chain := headerChain()

	var got []*types.Header
	done := make(chan error, 1)
	err := h.l.GetBlockHeaders(HeaderOrigin{Number: 4_732_522}, 3, 0, true,
		func(_ uint64, hdr *types.Header) { got = append(got, hdr) },
		func(err error) { done <- err })
	if err != nil {
		t.Fatalf("GetBlockHeaders: %v", err)
	}

	code, reqID, _ := h.readRequest()
	if code != GetBlockHeadersMsg {
		t.Fatalf("request code = %d, want GetBlockHeadersMsg", code)
	}
	want := []uint64{4_732_522, 4_732_521, 4_732_520}
	itemsPayload := wrapItems(t, encodeHeaderItem(t, chain[want[0]]), encodeHeaderItem(t, chain[want[1]]), encodeHeaderItem(t, chain[want[2]]))
	h.reply(BlockHeadersMsg, reqID, 900_000, itemsPayload)

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d headers, want 3", len(got))
	}
	for i, n := range want {
		if got[i].Number.Uint64() != n {
			t.Fatalf("header %d number = %d, want %d", i, got[i].Number.Uint64(), n)
		}
	}
}

// TestScenarioHeadersForwardSkip1 covers spec scenario 3: origin 4,732,522,
// count 2, skip 1, reverse false.
func TestScenarioHeadersForwardSkip1(t *testing.T) {
	h := newScenarioHarness(t)
	chain := headerChain()

	var got []*types.Header
	done := make(chan error, 1)
	err := h.l.GetBlockHeaders(HeaderOrigin{Number: 4_732_522}, 2, 1, false,
		func(_ uint64, hdr *types.Header) { got = append(got, hdr) },
		func(err error) { done <- err })
	if err != nil {
		t.Fatalf("GetBlockHeaders: %v", err)
	}

	code, reqID, params := h.readRequest()
	if code != GetBlockHeadersMsg {
		t.Fatalf("request code = %d, want GetBlockHeadersMsg", code)
	}
	assertHeaderParams(t, params, 4_732_522, 2, 1, false)

	want := []uint64{4_732_522, 4_732_524}
	itemsPayload := wrapItems(t, encodeHeaderItem(t, chain[want[0]]), encodeHeaderItem(t, chain[want[1]]))
	h.reply(BlockHeadersMsg, reqID, 900_000, itemsPayload)

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	for i, n := range want {
		if got[i].Number.Uint64() != n {
			t.Fatalf("header %d number = %d, want %d", i, got[i].Number.Uint64(), n)
		}
	}
}

// TestScenarioHeadersReverseSkip1 covers spec scenario 4: same request,
// reverse true.
func TestScenarioHeadersReverseSkip1(t *testing.T) {
	h := newScenarioHarness(t)
	chain := headerChain()

	var got []*types.Header
	done := make(chan error, 1)
	err := h.l.GetBlockHeaders(HeaderOrigin{Number: 4_732_522}, 2, 1, true,
		func(_ uint64, hdr *types.Header) { got = append(got, hdr) },
		func(err error) { done <- err })
	if err != nil {
		t.Fatalf("GetBlockHeaders: %v", err)
	}

	code, reqID, params := h.readRequest()
	if code != GetBlockHeadersMsg {
		t.Fatalf("request code = %d, want GetBlockHeadersMsg", code)
	}
	assertHeaderParams(t, params, 4_732_522, 2, 1, true)

	want := []uint64{4_732_522, 4_732_520}
	itemsPayload := wrapItems(t, encodeHeaderItem(t, chain[want[0]]), encodeHeaderItem(t, chain[want[1]]))
	h.reply(BlockHeadersMsg, reqID, 900_000, itemsPayload)

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	for i, n := range want {
		if got[i].Number.Uint64() != n {
			t.Fatalf("header %d number = %d, want %d", i, got[i].Number.Uint64(), n)
		}
	}
}

func assertHeaderParams(t *testing.T, raw []byte, wantOrigin, wantCount, wantSkip uint64, wantReverse bool) {
	t.Helper()
	s := rlp.NewStreamFromBytes(raw)
	if _, err := s.List(); err != nil {
		t.Fatalf("decode params list: %v", err)
	}
	origin, err := s.Uint64()
	if err != nil {
		t.Fatalf("decode origin: %v", err)
	}
	count, err := s.Uint64()
	if err != nil {
		t.Fatalf("decode count: %v", err)
	}
	skip, err := s.Uint64()
	if err != nil {
		t.Fatalf("decode skip: %v", err)
	}
	reverse, err := decodeBoolFromStream(s)
	if err != nil {
		t.Fatalf("decode reverse: %v", err)
	}
	if origin != wantOrigin || count != wantCount || skip != wantSkip || reverse != wantReverse {
		t.Fatalf("params = (origin=%d count=%d skip=%d reverse=%v), want (%d %d %d %v)",
			origin, count, skip, reverse, wantOrigin, wantCount, wantSkip, wantReverse)
	}
}

// decodeBoolFromStream reads a canonical RLP boolean (0x80 false, 0x01 true).
func decodeBoolFromStream(s *rlp.Stream) (bool, error) {
	b, err := s.Bytes()
	if err != nil {
		return false, err
	}
	return len(b) == 1 && b[0] == 1, nil
}

func headerHash(t *testing.T, h *types.Header) types.Hash {
	t.Helper()
	enc, err := h.EncodeRLP()
	if err != nil {
		t.Fatalf("encode header for hash: %v", err)
	}
	var hash types.Hash
	copy(hash[:], enc[:32])
	return hash
}

func legacyTx(nonce uint64) *types.Transaction {
	return types.NewTransaction(&types.LegacyTx{
		Nonce:    nonce,
		GasPrice: big.NewInt(20_000_000_000),
		Gas:      21_000,
		Value:    big.NewInt(1),
		Data:     nil,
		V:        big.NewInt(27),
		R:        big.NewInt(1),
		S:        big.NewInt(1),
	})
}

func encodeBody(t *testing.T, txCount int) []byte {
	t.Helper()
	var txsPayload []byte
	for i := 0; i < txCount; i++ {
		enc, err := legacyTx(uint64(i)).EncodeRLP()
		if err != nil {
			t.Fatalf("encode tx %d: %v", i, err)
		}
		txsPayload = append(txsPayload, enc...)
	}
	bodyPayload := append(rlp.WrapList(txsPayload), rlp.WrapList(nil)...)
	return rlp.WrapList(bodyPayload)
}

// TestScenarioBlockBodies covers spec scenario 5: block 4,732,522's body has
// 186 transactions and no ommers.
func TestScenarioBlockBodies(t *testing.T) {
	h := newScenarioHarness(t)
	blockHash := types.HexToHash("0xb812a700000000000000000000000000000000000000000000000000d8a78e")

	var gotBody *types.Body
	done := make(chan error, 1)
	if err := h.l.GetBlockBody(blockHash, func(b *types.Body) { gotBody = b }, func(err error) { done <- err }); err != nil {
		t.Fatalf("GetBlockBody: %v", err)
	}

	code, reqID, _ := h.readRequest()
	if code != GetBlockBodiesMsg {
		t.Fatalf("request code = %d, want GetBlockBodiesMsg", code)
	}
	bodyItem := encodeBody(t, 186)
	h.reply(BlockBodiesMsg, reqID, 900_000, wrapItems(t, bodyItem))

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	if gotBody == nil {
		t.Fatal("body not delivered")
	}
	if len(gotBody.Transactions) != 186 {
		t.Fatalf("tx count = %d, want 186", len(gotBody.Transactions))
	}
	if len(gotBody.Uncles) != 0 {
		t.Fatalf("ommer count = %d, want 0", len(gotBody.Uncles))
	}
}

// TestScenarioReceipts covers spec scenario 6: 186 receipts for the same
// block.
func TestScenarioReceipts(t *testing.T) {
	h := newScenarioHarness(t)
	blockHash := types.HexToHash("0xb812a700000000000000000000000000000000000000000000000000d8a78e")

	var gotReceipts []*types.Receipt
	done := make(chan error, 1)
	if err := h.l.GetReceipt(blockHash, func(r []*types.Receipt) { gotReceipts = r }, func(err error) { done <- err }); err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}

	code, reqID, _ := h.readRequest()
	if code != GetReceiptsMsg {
		t.Fatalf("request code = %d, want GetReceiptsMsg", code)
	}
	var perBlockPayload []byte
	for i := 0; i < 186; i++ {
		r := types.NewReceipt(types.ReceiptStatusSuccessful, uint64(21_000*(i+1)))
		enc, err := r.EncodeRLP()
		if err != nil {
			t.Fatalf("encode receipt %d: %v", i, err)
		}
		perBlockPayload = append(perBlockPayload, enc...)
	}
	h.reply(ReceiptsMsg, reqID, 900_000, wrapItems(t, rlp.WrapList(perBlockPayload)))

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	if len(gotReceipts) != 186 {
		t.Fatalf("receipt count = %d, want 186", len(gotReceipts))
	}
}

// TestScenarioTxStatusIncluded covers spec scenario 7: a single hash
// resolves INCLUDED at block 5,202,375 index 39.
func TestScenarioTxStatusIncluded(t *testing.T) {
	h := newScenarioHarness(t)
	txHash := types.HexToHash("0xc070b100000000000000000000000000000000000000000000000000048d7c")
	blockHash := types.HexToHash("0xf16b000000000000000000000000000000000000000000000000000000b1b")

	var got types.TransactionStatus
	done := make(chan error, 1)
	if err := h.l.GetSingleTxStatus(txHash, func(s types.TransactionStatus) { got = s }, func(err error) { done <- err }); err != nil {
		t.Fatalf("GetSingleTxStatus: %v", err)
	}

	code, reqID, _ := h.readRequest()
	if code != GetTxStatusMsg {
		t.Fatalf("request code = %d, want GetTxStatusMsg", code)
	}
	status := types.TransactionStatus{Code: types.TxStatusIncluded, BlockHash: blockHash, BlockNumber: big.NewInt(5_202_375), TxIndex: 39}
	statusItem := encodeRaw(t, status)
	h.reply(TxStatusMsg, reqID, 900_000, wrapItems(t, statusItem))

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	if got.Code != types.TxStatusIncluded {
		t.Fatalf("status = %v, want Included", got.Code)
	}
	if got.BlockNumber == nil || got.BlockNumber.Uint64() != 5_202_375 {
		t.Fatalf("block number = %v, want 5202375", got.BlockNumber)
	}
	if got.TxIndex != 39 {
		t.Fatalf("tx index = %d, want 39", got.TxIndex)
	}
	if got.BlockHash != blockHash {
		t.Fatalf("block hash = %x, want %x", got.BlockHash, blockHash)
	}
}

// TestScenarioTxStatusBatch covers spec scenario 8: a batch of two hashes
// resolves in request order.
func TestScenarioTxStatusBatch(t *testing.T) {
	h := newScenarioHarness(t)
	hashA := types.HexToHash("0xc070b100000000000000000000000000000000000000000000000000048d7c")
	hashB := types.HexToHash("0xaaaa000000000000000000000000000000000000000000000000000000bbbb")

	got := make(map[types.Hash]types.TransactionStatus)
	done := make(chan error, 1)
	if err := h.l.GetTxStatus([]types.Hash{hashA, hashB}, func(hh types.Hash, s types.TransactionStatus) { got[hh] = s }, func(err error) { done <- err }); err != nil {
		t.Fatalf("GetTxStatus: %v", err)
	}

	code, reqID, _ := h.readRequest()
	if code != GetTxStatusMsg {
		t.Fatalf("request code = %d, want GetTxStatusMsg", code)
	}
	statusA := types.TransactionStatus{Code: types.TxStatusIncluded, BlockHash: types.HexToHash("0xf16b000000000000000000000000000000000000000000000000000000b1b"), BlockNumber: big.NewInt(5_202_375), TxIndex: 39}
	statusB := types.UnknownTxStatus()
	h.reply(TxStatusMsg, reqID, 900_000, wrapItems(t, encodeRaw(t, statusA), encodeRaw(t, statusB)))

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	if got[hashA].Code != types.TxStatusIncluded {
		t.Fatalf("hashA status = %v, want Included", got[hashA].Code)
	}
	if got[hashB].Code != types.TxStatusUnknown {
		t.Fatalf("hashB status = %v, want Unknown", got[hashB].Code)
	}
}

// TestScenarioAccountState covers spec scenario 9: an account-state proof
// query against block 5,503,921 completes successfully.
func TestScenarioAccountState(t *testing.T) {
	h := newScenarioHarness(t)
	addr := types.HexToAddress("0x49f4C50d9BcC7AfdbCF77e0d6e364C29D5a660DF")
	blockHash := types.HexToHash("0x089a000000000000000000000000000000000000000000000000000000b2c")

	var gotProof *ProofResult
	done := make(chan error, 1)
	if err := h.l.GetAccountState(5_503_921, blockHash, addr, func(p *ProofResult) { gotProof = p }, func(err error) { done <- err }); err != nil {
		t.Fatalf("GetAccountState: %v", err)
	}

	code, reqID, _ := h.readRequest()
	if code != GetProofsV2Msg {
		t.Fatalf("request code = %d, want GetProofsV2Msg", code)
	}
	node1 := encodeRaw(t, []byte("trie-node-1"))
	node2 := encodeRaw(t, []byte("trie-node-2"))
	proofItem := wrapItems(t, node1, node2)
	h.reply(ProofsV2Msg, reqID, 900_000, wrapItems(t, proofItem))

	if err := <-done; err != nil {
		t.Fatalf("onComplete: %v", err)
	}
	if gotProof == nil {
		t.Fatal("proof not delivered")
	}
	if len(gotProof.Nodes) != 2 {
		t.Fatalf("node count = %d, want 2", len(gotProof.Nodes))
	}
	if gotProof.BlockHash != blockHash {
		t.Fatalf("block hash = %x, want %x", gotProof.BlockHash, blockHash)
	}
}
