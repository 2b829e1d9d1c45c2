// Package les implements the client side of the Light Ethereum Subprotocol:
// request/response assembly over an RLPx transport, with credit-based flow
// control and peer discovery.
package les

// Protocol message codes for LES/2, as sent over the RLPx frame codec after
// capability offset resolution.
const (
	StatusMsg             = 0x00
	AnnounceMsg           = 0x01
	GetBlockHeadersMsg    = 0x02
	BlockHeadersMsg       = 0x03
	GetBlockBodiesMsg     = 0x04
	BlockBodiesMsg        = 0x05
	GetReceiptsMsg        = 0x06
	ReceiptsMsg           = 0x07
	GetProofsV2Msg        = 0x0f
	ProofsV2Msg           = 0x10
	GetHelperTrieProofsMsg = 0x11
	HelperTrieProofsMsg   = 0x12
	SendTxV2Msg           = 0x13
	GetTxStatusMsg        = 0x14
	TxStatusMsg           = 0x15
)

// ProtocolName and ProtocolVersion identify this capability during the
// devp2p hello handshake.
const (
	ProtocolName    = "les"
	ProtocolVersion = 2
)

// Network identifies a chain configuration's genesis and bootstrap set.
type Network uint8

const (
	NetworkMainnet Network = iota
	NetworkTestnet
	NetworkPrivate
)

func (n Network) String() string {
	switch n {
	case NetworkMainnet:
		return "mainnet"
	case NetworkTestnet:
		return "testnet"
	case NetworkPrivate:
		return "private"
	default:
		return "unknown"
	}
}

// RequestKind enumerates the logical request types a Provisioner can carry.
type RequestKind uint8

const (
	KindGetBlockHeaders RequestKind = iota
	KindGetBlockBodies
	KindGetReceipts
	KindGetProofs
	KindGetAccountState
	KindGetTxStatus
	KindSubmitTx
)

func (k RequestKind) String() string {
	switch k {
	case KindGetBlockHeaders:
		return "GetBlockHeaders"
	case KindGetBlockBodies:
		return "GetBlockBodies"
	case KindGetReceipts:
		return "GetReceipts"
	case KindGetProofs:
		return "GetProofs"
	case KindGetAccountState:
		return "GetAccountState"
	case KindGetTxStatus:
		return "GetTxStatus"
	case KindSubmitTx:
		return "SubmitTx"
	default:
		return "unknown"
	}
}

// DispatchPolicy controls how many independent answers a Provisioner
// requires per response unit.
type DispatchPolicy struct {
	Quorum int // 1 means SINGLE_NODE; >1 means QUORUM(k)
}

// SingleNode is the default dispatch policy: one answer per unit suffices.
func SingleNode() DispatchPolicy { return DispatchPolicy{Quorum: 1} }

// Quorum requires k independent answers per unit.
func Quorum(k int) DispatchPolicy { return DispatchPolicy{Quorum: k} }
