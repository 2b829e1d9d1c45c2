package les

import (
	"math/big"

	"github.com/breadwallet/ethles/core/types"
)

// AnnounceType controls how eagerly a server pushes Announce messages.
type AnnounceType uint8

const (
	AnnounceTypeNone AnnounceType = iota
	AnnounceTypeSimple
	AnnounceTypeSigned
)

// CostEntry is one row of the Maximum Request Cost table (MRC): the cost of
// a message code as a linear function of the requested amount.
type CostEntry struct {
	MsgCode   uint64
	BaseCost  uint64
	ReqCost   uint64
}

// StatusMessage is exchanged exactly once per session, immediately after the
// frame codec activates. Field order matches the RLP list layout of LES v2.
type StatusMessage struct {
	ProtocolVersion  uint64
	NetworkID        uint64
	HeadTD           *big.Int
	HeadHash         types.Hash
	HeadNum          uint64
	GenesisHash      types.Hash

	ServeHeaders    bool
	ServeChainSince uint64
	ServeStateSince uint64
	TxRelay         bool

	BufferLimit uint64 // flowControl/BL
	MaxRecharge uint64 // flowControl/MRR
	MRC         []CostEntry

	AnnounceType AnnounceType
}

// Compatible reports whether remote's status is usable against local's,
// per "a mismatched network, genesis, or protocol version is fatal".
func (local *StatusMessage) Compatible(remote *StatusMessage) error {
	if remote.ProtocolVersion != local.ProtocolVersion {
		return ErrStatusIncompatible
	}
	if remote.NetworkID != local.NetworkID {
		return ErrStatusIncompatible
	}
	if remote.GenesisHash != local.GenesisHash {
		return ErrStatusIncompatible
	}
	return nil
}

// TotalDifficultySufficient reports whether remote's head total difficulty
// is at least the locally trusted total difficulty, per spec: "otherwise
// the Node is dropped." The comparison runs in 256-bit fixed-width
// arithmetic, matching how total difficulty is sized on the wire.
func (local *StatusMessage) TotalDifficultySufficient(remote *StatusMessage) bool {
	if local.HeadTD == nil || remote.HeadTD == nil {
		return false
	}
	localTD := types.U256FromBig(local.HeadTD)
	remoteTD := types.U256FromBig(remote.HeadTD)
	return remoteTD.Cmp(localTD) >= 0
}
