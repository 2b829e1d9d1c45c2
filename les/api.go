package les

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/breadwallet/ethles/core/types"
	"github.com/breadwallet/ethles/log"
	"github.com/breadwallet/ethles/metrics"
	"github.com/breadwallet/ethles/p2p"
	"github.com/breadwallet/ethles/p2p/enode"
)

// LES is the public façade over the node set, provisioner set, and their
// routing: the entry point client code constructs and drives.
type LES struct {
	manager     *Manager
	localStatus *StatusMessage
	log         *log.Logger
}

// New constructs an LES instance. local is the outbound Status advertised
// to every peer; its head/genesis fields should mirror cfg. If cfg carries
// a Bootstrap list and StaticKey, Start will dial out to it via Dial.
func New(cfg Config, local *StatusMessage) *LES {
	l := &LES{
		manager:     NewManager(cfg),
		localStatus: local,
		log:         log.Default().Module("les"),
	}
	l.manager.dial = func(id string, ep *enode.Node) error {
		return l.Dial(id, ep, cfg.StaticKey, cfg.Dialer)
	}
	return l
}

// Start begins background sweeping of timeouts and expired provisioners.
func (l *LES) Start() { l.manager.Start() }

// Stop cancels every outstanding provisioner and closes every node.
func (l *LES) Stop() { l.manager.Stop() }

// MetricsHandler returns an http.Handler serving this instance's counters,
// gauges, and histograms (peers connected, requests sent/received, credit
// rejections, timeouts, provisioner outcomes) in Prometheus text format, for
// the caller to mount on its own management HTTP server.
func (l *LES) MetricsHandler() http.Handler {
	return metrics.NewPrometheusExporter(metrics.DefaultRegistry, metrics.DefaultPrometheusConfig()).Handler()
}

// Connect brings a peer online: it sends our Status, waits for the peer's,
// and if compatible registers the session with the manager and starts its
// read loop in the background. The returned error is the handshake outcome;
// a nil error means the node is now eligible for dispatch.
func (l *LES) Connect(id string, codec *p2p.FrameCodec, ep *enode.Node) error {
	n := NewNode(id, codec, l.localStatus)
	if err := n.SendStatus(); err != nil {
		return fmt.Errorf("les: send status to %s: %w", id, err)
	}

	statusCh := make(chan error, 1)
	var remote *StatusMessage
	go func() {
		var err error
		remote, err = n.AwaitStatus()
		statusCh <- err
	}()

	select {
	case err := <-statusCh:
		if err != nil {
			return err
		}
	case <-time.After(l.manager.DefaultTimeout()):
		n.Close()
		return fmt.Errorf("%w: status handshake with %s", ErrPeerTimeout, id)
	}

	l.manager.NotifyStatus(id, remote)
	l.manager.AddNode(id, n, ep)

	go func() {
		err := n.Serve(func(h Head) { l.manager.NotifyAnnounce(id, h.Hash, h.Number, h.TD) })
		l.log.Warn("node session ended", "node", id, "err", err)
		l.manager.RemoveNode(id, err)
	}()
	return nil
}

// hashKey is the canonical string key for a hash-addressed response unit.
func hashKey(h types.Hash) string { return hex.EncodeToString(h[:]) }

// indexKey is the canonical string key for a positional response unit.
func indexKey(i int) string { return strconv.Itoa(i) }

func keysForHashes(hashes []types.Hash) []string {
	keys := make([]string, len(hashes))
	for i, h := range hashes {
		keys[i] = hashKey(h)
	}
	return keys
}

// submit wires a Provisioner into the manager's sweep set and performs its
// first dispatch attempt against the least-loaded qualifying node. The same
// dispatch closure becomes the provisioner's redispatch path: when fail()
// finds attempts remaining, it calls back in here to pick a fresh node for
// whatever keys are still outstanding, rather than just waiting on the
// deadline sweep.
func (l *LES) submit(pv *Provisioner, minHead uint64, msgCode uint64, amount uint64, params interface{}) {
	l.manager.registerProvisioner(pv)
	pv.redispatch = func(keys []string) {
		token, sink := pv.NewDispatch(keys)
		if err := l.manager.Dispatch(context.Background(), minHead, msgCode, pv.Kind(), amount, params, sink); err != nil {
			pv.fail(token, err)
		}
	}
	pv.redispatch(pv.Remaining())
}

// HeaderOrigin selects the starting point of a GetBlockHeaders request:
// either a block number or a block hash.
type HeaderOrigin struct {
	Number uint64
	Hash   types.Hash
	ByHash bool
}

// GetBlockHeaders requests up to count headers starting at start, stepping
// by skip+1, in descending order if reverse. onHeader fires once per header
// actually returned, in wire order; onComplete fires exactly once.
func (l *LES) GetBlockHeaders(start HeaderOrigin, count, skip uint64, reverse bool, onHeader func(index uint64, h *types.Header), onComplete func(err error)) error {
	if count == 0 {
		return fmt.Errorf("%w: count must be positive", ErrInvalidInput)
	}
	keys := make([]string, count)
	for i := range keys {
		keys[i] = indexKey(i)
	}
	decode := func(payload []byte, keys []string) ([]DecodedUnit, error) {
		raws, err := decodeRawList(payload)
		if err != nil {
			return nil, err
		}
		units := make([]DecodedUnit, 0, len(raws))
		for i, raw := range raws {
			if i >= len(keys) {
				break
			}
			h, err := types.DecodeHeaderRLP(raw)
			if err != nil {
				return nil, fmt.Errorf("les: decode header %d: %w", i, err)
			}
			units = append(units, DecodedUnit{Key: keys[i], Value: h})
		}
		return units, nil
	}
	pv := NewProvisioner(KindGetBlockHeaders, keys, SingleNode(), l.manager.DefaultMaxAttempts(), time.Now().Add(l.manager.DefaultTimeout()), decode,
		func(key string, v interface{}) {
			idx, _ := strconv.ParseUint(key, 10, 64)
			onHeader(idx, v.(*types.Header))
		}, onComplete)

	var origin interface{}
	if start.ByHash {
		origin = start.Hash
	} else {
		origin = start.Number
	}
	l.submit(pv, start.Number, GetBlockHeadersMsg, count, []interface{}{origin, count, skip, reverse})
	return nil
}

// GetBlockBodies requests bodies for hashes. onBody fires once per resolved
// hash; onComplete fires exactly once.
func (l *LES) GetBlockBodies(hashes []types.Hash, onBody func(h types.Hash, body *types.Body), onComplete func(err error)) error {
	if len(hashes) == 0 {
		return fmt.Errorf("%w: hashes must be non-empty", ErrInvalidInput)
	}
	byKey := make(map[string]types.Hash, len(hashes))
	for _, h := range hashes {
		byKey[hashKey(h)] = h
	}
	decode := func(payload []byte, keys []string) ([]DecodedUnit, error) {
		raws, err := decodeRawList(payload)
		if err != nil {
			return nil, err
		}
		units := make([]DecodedUnit, 0, len(raws))
		for i, raw := range raws {
			if i >= len(keys) {
				break
			}
			body, err := decodeBody(raw)
			if err != nil {
				return nil, fmt.Errorf("les: decode body %d: %w", i, err)
			}
			units = append(units, DecodedUnit{Key: keys[i], Value: body})
		}
		return units, nil
	}
	pv := NewProvisioner(KindGetBlockBodies, keysForHashes(hashes), SingleNode(), l.manager.DefaultMaxAttempts(), time.Now().Add(l.manager.DefaultTimeout()), decode,
		func(key string, v interface{}) { onBody(byKey[key], v.(*types.Body)) }, onComplete)
	l.submit(pv, 0, GetBlockBodiesMsg, uint64(len(hashes)), hashes)
	return nil
}

// GetBlockBody is the singleton convenience form of GetBlockBodies.
func (l *LES) GetBlockBody(hash types.Hash, onBody func(body *types.Body), onComplete func(err error)) error {
	return l.GetBlockBodies([]types.Hash{hash}, func(_ types.Hash, b *types.Body) { onBody(b) }, onComplete)
}

// GetReceipts requests transaction receipts for the blocks identified by
// hashes. onReceipts fires once per resolved hash with that block's full
// receipt list; onComplete fires exactly once.
func (l *LES) GetReceipts(hashes []types.Hash, onReceipts func(h types.Hash, receipts []*types.Receipt), onComplete func(err error)) error {
	if len(hashes) == 0 {
		return fmt.Errorf("%w: hashes must be non-empty", ErrInvalidInput)
	}
	byKey := make(map[string]types.Hash, len(hashes))
	for _, h := range hashes {
		byKey[hashKey(h)] = h
	}
	decode := func(payload []byte, keys []string) ([]DecodedUnit, error) {
		raws, err := decodeRawList(payload)
		if err != nil {
			return nil, err
		}
		units := make([]DecodedUnit, 0, len(raws))
		for i, raw := range raws {
			if i >= len(keys) {
				break
			}
			perBlock, err := decodeRawList(raw)
			if err != nil {
				return nil, fmt.Errorf("les: decode receipts %d: %w", i, err)
			}
			receipts := make([]*types.Receipt, len(perBlock))
			for j, rr := range perBlock {
				rcpt, err := types.DecodeReceiptRLP(rr)
				if err != nil {
					return nil, fmt.Errorf("les: decode receipt %d/%d: %w", i, j, err)
				}
				receipts[j] = rcpt
			}
			units = append(units, DecodedUnit{Key: keys[i], Value: receipts})
		}
		return units, nil
	}
	pv := NewProvisioner(KindGetReceipts, keysForHashes(hashes), SingleNode(), l.manager.DefaultMaxAttempts(), time.Now().Add(l.manager.DefaultTimeout()), decode,
		func(key string, v interface{}) { onReceipts(byKey[key], v.([]*types.Receipt)) }, onComplete)
	l.submit(pv, 0, GetReceiptsMsg, uint64(len(hashes)), hashes)
	return nil
}

// GetReceipt is the singleton convenience form of GetReceipts.
func (l *LES) GetReceipt(hash types.Hash, onReceipts func(receipts []*types.Receipt), onComplete func(err error)) error {
	return l.GetReceipts([]types.Hash{hash}, func(_ types.Hash, r []*types.Receipt) { onReceipts(r) }, onComplete)
}

// ProofResult is one GetProofsV2 answer: the raw trie node blobs proving the
// requested key(s) against the block's state root. FromLevel is also a
// request field (trie depth below which the server may omit nodes the
// client is assumed to already hold) and is echoed back unmodified.
type ProofResult struct {
	BlockHash types.Hash
	Key1      []byte
	Key2      []byte
	FromLevel uint64
	Nodes     [][]byte
}

type proofRequest struct {
	BlockHash types.Hash
	Key1      []byte
	Key2      []byte
	FromLevel uint64
}

// GetProofsV2 requests Merkle proofs for one or more account/storage keys
// against a block's state root. key2 is empty when proving account-trie
// membership only; non-empty selects a storage-trie key under that account,
// per the LES v2 specification (key1 = account trie key, key2 = storage
// trie key).
func (l *LES) GetProofsV2(reqs []ProofResult, onProof func(key string, p *ProofResult), onComplete func(err error)) error {
	if len(reqs) == 0 {
		return fmt.Errorf("%w: requests must be non-empty", ErrInvalidInput)
	}
	keys := make([]string, len(reqs))
	byKey := make(map[string]*ProofResult, len(reqs))
	params := make([]proofRequest, len(reqs))
	for i, r := range reqs {
		k := fmt.Sprintf("%s:%x:%x", hashKey(r.BlockHash), r.Key1, r.Key2)
		keys[i] = k
		cp := r
		byKey[k] = &cp
		params[i] = proofRequest{BlockHash: r.BlockHash, Key1: r.Key1, Key2: r.Key2, FromLevel: r.FromLevel}
	}
	decode := func(payload []byte, keys []string) ([]DecodedUnit, error) {
		raws, err := decodeRawList(payload)
		if err != nil {
			return nil, err
		}
		units := make([]DecodedUnit, 0, len(raws))
		for i, raw := range raws {
			if i >= len(keys) {
				break
			}
			nodeRaws, err := decodeRawList(raw)
			if err != nil {
				return nil, fmt.Errorf("les: decode proof %d: %w", i, err)
			}
			base := byKey[keys[i]]
			result := &ProofResult{BlockHash: base.BlockHash, Key1: base.Key1, Key2: base.Key2, FromLevel: base.FromLevel, Nodes: nodeRaws}
			units = append(units, DecodedUnit{Key: keys[i], Value: result})
		}
		return units, nil
	}
	pv := NewProvisioner(KindGetProofs, keys, SingleNode(), l.manager.DefaultMaxAttempts(), time.Now().Add(l.manager.DefaultTimeout()), decode,
		func(key string, v interface{}) { onProof(key, v.(*ProofResult)) }, onComplete)
	l.submit(pv, 0, GetProofsV2Msg, uint64(len(reqs)), params)
	return nil
}

// GetProofV2 is the singleton convenience form of GetProofsV2.
func (l *LES) GetProofV2(blockHash types.Hash, key1, key2 []byte, fromLevel uint64, onProof func(p *ProofResult), onComplete func(err error)) error {
	return l.GetProofsV2([]ProofResult{{BlockHash: blockHash, Key1: key1, Key2: key2, FromLevel: fromLevel}},
		func(_ string, p *ProofResult) { onProof(p) }, onComplete)
}

// AccountState holds the balance, nonce, code hash and storage root of an
// account at a given block. No function in this package fills it in:
// GetAccountState reports the raw proof, not a decoded AccountState.
type AccountState struct {
	Address     types.Address
	Nonce       uint64
	Balance     *big.Int
	CodeHash    types.Hash
	StorageRoot types.Hash
}

// GetAccountState fetches the account-trie proof for address at blockHash
// and passes the raw proof nodes, as a ProofResult, to onProof. It does not
// verify the proof against the header's state root and does not decode the
// account's nonce, balance, code hash or storage root; blockNumber is unused.
func (l *LES) GetAccountState(blockNumber uint64, blockHash types.Hash, address types.Address, onProof func(p *ProofResult), onComplete func(err error)) error {
	return l.GetProofsV2([]ProofResult{{BlockHash: blockHash, Key1: address[:]}}, func(_ string, p *ProofResult) {
		onProof(p)
	}, onComplete)
}

// GetTxStatus queries the lifecycle status of each hash, in request order.
// Hashes the server has no record of resolve as TxStatusUnknown.
func (l *LES) GetTxStatus(hashes []types.Hash, onStatus func(h types.Hash, status types.TransactionStatus), onComplete func(err error)) error {
	if len(hashes) == 0 {
		return fmt.Errorf("%w: hashes must be non-empty", ErrInvalidInput)
	}
	byKey := make(map[string]types.Hash, len(hashes))
	for _, h := range hashes {
		byKey[hashKey(h)] = h
	}
	decode := func(payload []byte, keys []string) ([]DecodedUnit, error) {
		raws, err := decodeRawList(payload)
		if err != nil {
			return nil, err
		}
		units := make([]DecodedUnit, 0, len(raws))
		for i, raw := range raws {
			if i >= len(keys) {
				break
			}
			var st types.TransactionStatus
			if err := decodeTxStatus(raw, &st); err != nil {
				return nil, fmt.Errorf("les: decode tx status %d: %w", i, err)
			}
			units = append(units, DecodedUnit{Key: keys[i], Value: st})
		}
		return units, nil
	}
	pv := NewProvisioner(KindGetTxStatus, keysForHashes(hashes), SingleNode(), l.manager.DefaultMaxAttempts(), time.Now().Add(l.manager.DefaultTimeout()), decode,
		func(key string, v interface{}) { onStatus(byKey[key], v.(types.TransactionStatus)) }, onComplete)
	l.submit(pv, 0, GetTxStatusMsg, uint64(len(hashes)), hashes)
	return nil
}

// GetSingleTxStatus is the singleton convenience form of GetTxStatus.
func (l *LES) GetSingleTxStatus(hash types.Hash, onStatus func(status types.TransactionStatus), onComplete func(err error)) error {
	return l.GetTxStatus([]types.Hash{hash}, func(_ types.Hash, s types.TransactionStatus) { onStatus(s) }, onComplete)
}

// SubmitTransaction forwards the raw RLP of a signed transaction over
// SendTxV2 to at least one node and reports the resulting status, or
// TxStatusPending on bare acceptance without an immediate status response.
func (l *LES) SubmitTransaction(signedTxRLP []byte, onStatus func(status types.TransactionStatus), onComplete func(err error)) error {
	if len(signedTxRLP) == 0 {
		return fmt.Errorf("%w: empty transaction", ErrInvalidInput)
	}
	key := indexKey(0)
	decode := func(payload []byte, keys []string) ([]DecodedUnit, error) {
		raws, err := decodeRawList(payload)
		if err != nil || len(raws) == 0 {
			return []DecodedUnit{{Key: key, Value: types.TransactionStatus{Code: types.TxStatusPending}}}, nil
		}
		var st types.TransactionStatus
		if err := decodeTxStatus(raws[0], &st); err != nil {
			return nil, err
		}
		return []DecodedUnit{{Key: key, Value: st}}, nil
	}
	pv := NewProvisioner(KindSubmitTx, []string{key}, SingleNode(), l.manager.DefaultMaxAttempts(), time.Now().Add(l.manager.DefaultTimeout()), decode,
		func(_ string, v interface{}) { onStatus(v.(types.TransactionStatus)) }, onComplete)
	l.submit(pv, 0, SendTxV2Msg, 1, [][]byte{signedTxRLP})
	return nil
}
