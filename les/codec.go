package les

import (
	"fmt"

	"github.com/breadwallet/ethles/core/types"
	"github.com/breadwallet/ethles/rlp"
)

// encodeStatusMessage RLP-encodes a StatusMessage. Every field is fixed-
// shape (no optional trailing fields), so the generic reflection-based
// codec round-trips it without a custom wire struct.
func encodeStatusMessage(s *StatusMessage) ([]byte, error) {
	return rlp.EncodeToBytes(s)
}

func decodeStatusMessage(payload []byte) (*StatusMessage, error) {
	var s StatusMessage
	if err := rlp.DecodeBytes(payload, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// decodeAnnounce reads the leading [headHash, headNumber, headTD, ...] of an
// Announce message, tolerating trailing reorg-depth/key-value fields by not
// requiring the list to be fully consumed.
func decodeAnnounce(payload []byte) (Head, error) {
	s := rlp.NewStreamFromBytes(payload)
	if _, err := s.List(); err != nil {
		return Head{}, err
	}
	var h Head
	hashBytes, err := s.Bytes()
	if err != nil {
		return Head{}, err
	}
	copy(h.Hash[:], hashBytes)
	h.Number, err = s.Uint64()
	if err != nil {
		return Head{}, err
	}
	h.TD, err = s.BigInt()
	if err != nil {
		return Head{}, err
	}
	return h, nil
}

// decodeResponseEnvelope splits a response payload into its request-id,
// buffer-value, and the raw remaining item (the kind-specific result list),
// per the wire shape "[requestID, BV, payload]" shared by every LES v2
// response.
func decodeResponseEnvelope(payload []byte) (reqID uint64, bv uint64, rest []byte, err error) {
	s := rlp.NewStreamFromBytes(payload)
	if _, err = s.List(); err != nil {
		return 0, 0, nil, err
	}
	if reqID, err = s.Uint64(); err != nil {
		return 0, 0, nil, err
	}
	if bv, err = s.Uint64(); err != nil {
		return 0, 0, nil, err
	}
	if rest, err = s.Raw(); err != nil {
		return 0, 0, nil, err
	}
	if err = s.ListEnd(); err != nil {
		return 0, 0, nil, err
	}
	return reqID, bv, rest, nil
}

// decodeTxStatus decodes one TransactionStatus entry. Every field is
// fixed-shape, so the generic reflection codec applies directly.
func decodeTxStatus(raw []byte, out *types.TransactionStatus) error {
	return rlp.DecodeBytes(raw, out)
}

func responseKindForCode(code uint64) (RequestKind, bool) {
	switch code {
	case BlockHeadersMsg:
		return KindGetBlockHeaders, true
	case BlockBodiesMsg:
		return KindGetBlockBodies, true
	case ReceiptsMsg:
		return KindGetReceipts, true
	case ProofsV2Msg, HelperTrieProofsMsg:
		return KindGetProofs, true
	case TxStatusMsg:
		return KindGetTxStatus, true
	default:
		return 0, false
	}
}

// decodeRawList enters the list at payload, returning the raw encoding of
// each element without interpreting it.
func decodeRawList(payload []byte) ([][]byte, error) {
	s := rlp.NewStreamFromBytes(payload)
	if _, err := s.List(); err != nil {
		return nil, err
	}
	var items [][]byte
	for !s.AtListEnd() {
		raw, err := s.Raw()
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return items, nil
}

// decodeBody decodes one LES block-body item: [transactions, uncles].
func decodeBody(raw []byte) (*types.Body, error) {
	s := rlp.NewStreamFromBytes(raw)
	if _, err := s.List(); err != nil {
		return nil, err
	}
	txRaws, err := decodeInnerList(s)
	if err != nil {
		return nil, fmt.Errorf("les: decode body transactions: %w", err)
	}
	uncleRaws, err := decodeInnerList(s)
	if err != nil {
		return nil, fmt.Errorf("les: decode body uncles: %w", err)
	}
	var withdrawalRaws [][]byte
	if !s.AtListEnd() {
		withdrawalRaws, err = decodeInnerList(s)
		if err != nil {
			return nil, fmt.Errorf("les: decode body withdrawals: %w", err)
		}
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}

	body := &types.Body{
		Transactions: make([]*types.Transaction, len(txRaws)),
		Uncles:       make([]*types.Header, len(uncleRaws)),
	}
	if withdrawalRaws != nil {
		body.Withdrawals = make([]*types.Withdrawal, len(withdrawalRaws))
		for i, r := range withdrawalRaws {
			var w types.Withdrawal
			if err := rlp.DecodeBytes(r, &w); err != nil {
				return nil, fmt.Errorf("les: decode body withdrawal %d: %w", i, err)
			}
			body.Withdrawals[i] = &w
		}
	}
	for i, r := range txRaws {
		tx, err := types.DecodeTxRLP(r)
		if err != nil {
			return nil, fmt.Errorf("les: decode body tx %d: %w", i, err)
		}
		body.Transactions[i] = tx
	}
	for i, r := range uncleRaws {
		h, err := types.DecodeHeaderRLP(r)
		if err != nil {
			return nil, fmt.Errorf("les: decode body uncle %d: %w", i, err)
		}
		body.Uncles[i] = h
	}
	return body, nil
}

// decodeInnerList enters the next list item within an already-entered outer
// list scope and returns the raw encoding of its elements.
func decodeInnerList(s *rlp.Stream) ([][]byte, error) {
	if _, err := s.List(); err != nil {
		return nil, err
	}
	var items [][]byte
	for !s.AtListEnd() {
		raw, err := s.Raw()
		if err != nil {
			return nil, err
		}
		items = append(items, raw)
	}
	if err := s.ListEnd(); err != nil {
		return nil, err
	}
	return items, nil
}
