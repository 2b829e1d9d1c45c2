package les

import (
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/breadwallet/ethles/core/types"
	"github.com/breadwallet/ethles/les/flowcontrol"
	"github.com/breadwallet/ethles/log"
	"github.com/breadwallet/ethles/metrics"
	"github.com/breadwallet/ethles/p2p"
	"github.com/breadwallet/ethles/rlp"
)

// SessionState is a Node's connection lifecycle state.
type SessionState uint8

const (
	SessionConnecting SessionState = iota
	SessionHandshaking
	SessionStatusExchanging
	SessionActive
	SessionDraining
	SessionClosed
	SessionErrored
)

// maxConsecutiveTimeouts is the number of consecutive in-flight timeouts
// that drop a Node, per spec: "Three consecutive timeouts drop the node."
const maxConsecutiveTimeouts = 3

// ResponseSink receives a Node's decoded responses and failures for one
// in-flight request. Provisioner implements this interface.
type ResponseSink interface {
	HandleResponse(reqID uint64, kind RequestKind, payload []byte) error
	HandleFailure(reqID uint64, err error)
}

type pendingRequest struct {
	sink     ResponseSink
	kind     RequestKind
	cost     uint64
	sentAt   time.Time
	deadline time.Time
}

// Head is a peer's last known chain head, updated by Status and Announce.
type Head struct {
	Hash   types.Hash
	Number uint64
	TD     *big.Int
}

// Node is a live session with one remote LES server.
type Node struct {
	id    string
	codec *p2p.FrameCodec

	mu                  sync.Mutex
	state               SessionState
	localStatus         *StatusMessage
	remoteStatus        *StatusMessage
	head                Head
	budget              *flowcontrol.Budget
	serverParams        flowcontrol.ServerParams
	pending             map[uint64]*pendingRequest
	nextReqID           uint64
	consecutiveTimeouts int
	capOffset           uint64

	log *log.Logger
}

// NewNode creates a Node wrapping an already-ACTIVE RLPx frame codec. The
// caller is expected to have completed the RLPx handshake before
// constructing, so codec is ready to exchange Status immediately.
func NewNode(id string, codec *p2p.FrameCodec, local *StatusMessage) *Node {
	offset, _ := codec.CapOffset(ProtocolName)
	return &Node{
		id:          id,
		codec:       codec,
		state:       SessionHandshaking,
		localStatus: local,
		pending:     make(map[uint64]*pendingRequest),
		budget:      flowcontrol.NewBudget(local.BufferLimit, local.MaxRecharge, time.Now()),
		capOffset:   offset,
		log:         log.Default().With("node", id),
	}
}

// ID returns the node's peer identifier.
func (n *Node) ID() string { return n.id }

// State returns the current session state.
func (n *Node) State() SessionState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Head returns the peer's last known chain head.
func (n *Node) Head() Head {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.head
}

// Active reports whether the node is reachable from the manager: the frame
// codec is ACTIVE and a Status exchange has completed successfully.
func (n *Node) Active() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state == SessionActive && !n.codec.IsClosed()
}

// Buffer returns the node's current credit buffer.
func (n *Node) Buffer() uint64 { return n.budget.Current() }

// HandleStatus processes the peer's Status message exchanged immediately
// after the frame codec activates. A mismatched network, genesis, or
// protocol version is fatal and terminates the node.
func (n *Node) HandleStatus(remote *StatusMessage) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.localStatus.Compatible(remote); err != nil {
		n.state = SessionErrored
		return err
	}
	if !n.localStatus.TotalDifficultySufficient(remote) {
		n.state = SessionErrored
		return fmt.Errorf("%w: peer total difficulty below trusted head", ErrStatusIncompatible)
	}

	n.remoteStatus = remote
	n.serverParams = flowcontrol.ServerParams{
		BufferLimit: remote.BufferLimit,
		MaxRecharge: remote.MaxRecharge,
		MRC:         toFlowControlMRC(remote.MRC),
	}
	n.budget = flowcontrol.NewBudget(remote.BufferLimit, remote.MaxRecharge, time.Now())
	n.head = Head{Hash: remote.HeadHash, Number: remote.HeadNum, TD: remote.HeadTD}
	n.state = SessionActive
	return nil
}

func toFlowControlMRC(mrc []CostEntry) []flowcontrol.CostEntry {
	out := make([]flowcontrol.CostEntry, len(mrc))
	for i, e := range mrc {
		out[i] = flowcontrol.CostEntry{MsgCode: e.MsgCode, BaseCost: e.BaseCost, ReqCost: e.ReqCost}
	}
	return out
}

// HandleAnnounce updates the remote head from an unsolicited Announce.
func (n *Node) HandleAnnounce(hash types.Hash, number uint64, td *big.Int) {
	n.mu.Lock()
	n.head = Head{Hash: hash, Number: number, TD: td}
	n.mu.Unlock()
}

// EstimatedCost returns the server-advertised cost of a request kind/amount.
func (n *Node) EstimatedCost(msgCode uint64, amount uint64) uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.serverParams.Cost(msgCode, amount)
}

// Dispatch allocates a request-id, debits the credit budget, serializes
// params behind [requestID, params...] and enqueues the frame. If the
// estimated cost exceeds the current buffer, the caller (the provisioner)
// is told to try another peer via ErrInsufficientCredit.
func (n *Node) Dispatch(msgCode uint64, kind RequestKind, amount uint64, params interface{}, timeout time.Duration, sink ResponseSink) (uint64, error) {
	n.mu.Lock()
	if n.state != SessionActive {
		n.mu.Unlock()
		return 0, ErrPeerDisconnected
	}
	cost := n.serverParams.Cost(msgCode, amount)
	n.mu.Unlock()

	if !n.budget.Spend(time.Now(), cost) {
		metrics.CreditRejections.Inc()
		return 0, ErrInsufficientCredit
	}

	now := time.Now()
	n.mu.Lock()
	reqID := n.nextReqID
	n.nextReqID++
	n.pending[reqID] = &pendingRequest{sink: sink, kind: kind, cost: cost, sentAt: now, deadline: now.Add(timeout)}
	n.mu.Unlock()

	payload, err := rlp.EncodeToBytes([]interface{}{reqID, params})
	if err != nil {
		n.mu.Lock()
		delete(n.pending, reqID)
		n.mu.Unlock()
		return 0, fmt.Errorf("les: encode request: %w", err)
	}

	if err := n.codec.WriteMsg(p2p.Msg{Code: msgCode + n.capOffset, Size: uint32(len(payload)), Payload: payload}); err != nil {
		n.mu.Lock()
		delete(n.pending, reqID)
		n.mu.Unlock()
		return 0, fmt.Errorf("%w: %v", ErrPeerDisconnected, err)
	}
	metrics.RequestsSent.Inc()
	return reqID, nil
}

// HandleResponse routes an inbound response frame: it matches reqID against
// the in-flight table, refills the credit buffer from BV (clipped to the
// server's limit), and forwards the remaining payload to the owning
// provisioner. A response with an unknown request-id is logged and
// discarded — it is not fatal.
func (n *Node) HandleResponse(kind RequestKind, reqID uint64, bv uint64, rest []byte) {
	n.budget.UpdateFromResponse(time.Now(), bv)

	n.mu.Lock()
	pr, ok := n.pending[reqID]
	if ok {
		delete(n.pending, reqID)
		n.consecutiveTimeouts = 0
	}
	n.mu.Unlock()

	if !ok {
		n.log.Warn("response for unknown request id", "reqID", reqID, "kind", kind)
		return
	}
	metrics.ResponsesReceived.Inc()
	metrics.RequestLatency.Observe(float64(time.Since(pr.sentAt).Milliseconds()))
	if err := pr.sink.HandleResponse(reqID, kind, rest); err != nil {
		n.log.Warn("provisioner rejected response", "reqID", reqID, "err", err)
	}
}

// SweepTimeouts removes in-flight entries past their deadline, informs their
// provisioners, and reports whether the node should be dropped (three
// consecutive timeouts).
func (n *Node) SweepTimeouts(now time.Time) (drop bool) {
	n.mu.Lock()
	var expired []*pendingRequest
	for id, pr := range n.pending {
		if now.After(pr.deadline) {
			expired = append(expired, pr)
			delete(n.pending, id)
		}
	}
	if len(expired) > 0 {
		n.consecutiveTimeouts++
		metrics.RequestTimeouts.Add(int64(len(expired)))
	} else {
		n.mu.Unlock()
		return false
	}
	drop = n.consecutiveTimeouts >= maxConsecutiveTimeouts
	n.mu.Unlock()

	for _, pr := range expired {
		pr.sink.HandleFailure(0, ErrPeerTimeout)
	}
	return drop
}

// Close terminates the session and fails every in-flight request.
func (n *Node) Close() error {
	n.mu.Lock()
	n.state = SessionClosed
	pending := n.pending
	n.pending = make(map[uint64]*pendingRequest)
	n.mu.Unlock()

	for _, pr := range pending {
		pr.sink.HandleFailure(0, ErrPeerDisconnected)
	}
	return n.codec.Close()
}

// SendStatus writes our outbound Status immediately after the frame codec
// activates, per the handshake sequence in HANDSHAKING state.
func (n *Node) SendStatus() error {
	payload, err := encodeStatusMessage(n.localStatus)
	if err != nil {
		return fmt.Errorf("les: encode status: %w", err)
	}
	return n.codec.WriteMsg(p2p.Msg{Code: StatusMsg + n.capOffset, Size: uint32(len(payload)), Payload: payload})
}

// AwaitStatus reads and validates the peer's Status synchronously. It must
// be called once, immediately after SendStatus, before Serve.
func (n *Node) AwaitStatus() (*StatusMessage, error) {
	msg, err := n.codec.ReadMsg()
	if err != nil {
		n.mu.Lock()
		n.state = SessionErrored
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if msg.Code-n.capOffset != StatusMsg {
		n.mu.Lock()
		n.state = SessionErrored
		n.mu.Unlock()
		return nil, fmt.Errorf("%w: expected Status, got code %d", ErrHandshakeFailed, msg.Code)
	}
	remote, err := decodeStatusMessage(msg.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if err := n.HandleStatus(remote); err != nil {
		return nil, err
	}
	return remote, nil
}

// Serve loops reading frames and dispatching them until the codec closes or
// a fatal decode error occurs. Call only after AwaitStatus has succeeded.
// onAnnounce is invoked for every accepted Announce.
func (n *Node) Serve(onAnnounce func(Head)) error {
	for {
		msg, err := n.codec.ReadMsg()
		if err != nil {
			return err
		}
		if err := n.dispatchIncoming(msg, onAnnounce); err != nil {
			n.log.Warn("dropping malformed frame", "err", err)
		}
	}
}

func (n *Node) dispatchIncoming(msg p2p.Msg, onAnnounce func(Head)) error {
	code := msg.Code
	if code >= n.capOffset {
		code -= n.capOffset
	}
	switch code {
	case p2p.PingMsg:
		return n.codec.SendPong()
	case p2p.PongMsg:
		n.codec.HandlePong()
		return nil
	case AnnounceMsg:
		head, err := decodeAnnounce(msg.Payload)
		if err != nil {
			return err
		}
		n.HandleAnnounce(head.Hash, head.Number, head.TD)
		if onAnnounce != nil {
			onAnnounce(head)
		}
		return nil
	case BlockHeadersMsg, BlockBodiesMsg, ReceiptsMsg, ProofsV2Msg, HelperTrieProofsMsg, TxStatusMsg:
		kind, ok := responseKindForCode(code)
		if !ok {
			return fmt.Errorf("%w: unexpected response code %d", ErrDecode, code)
		}
		reqID, bv, rest, err := decodeResponseEnvelope(msg.Payload)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrDecode, err)
		}
		n.HandleResponse(kind, reqID, bv, rest)
		return nil
	default:
		// Request codes and a repeated Status are not expected inbound for
		// a client; ignore rather than tear down the session.
		return nil
	}
}
