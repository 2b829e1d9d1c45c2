package les

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/breadwallet/ethles/core/types"
	"github.com/breadwallet/ethles/crypto"
	"github.com/breadwallet/ethles/log"
	"github.com/breadwallet/ethles/metrics"
	"github.com/breadwallet/ethles/p2p"
	"github.com/breadwallet/ethles/p2p/discover"
	"github.com/breadwallet/ethles/p2p/enode"
	"github.com/breadwallet/ethles/p2p/enr"
)

// AnnounceCallback is invoked on every accepted Announce from any peer.
type AnnounceCallback func(peerID string, hash types.Hash, number uint64, td *big.Int)

// StatusCallback is invoked once, on the initial Status exchange of each peer.
type StatusCallback func(peerID string, status *StatusMessage)

// SaveNodesCallback is invoked whenever the persisted NodeConfig set changes.
type SaveNodesCallback func(nodes []*NodeConfig)

// Config configures a Manager, mirroring the option table of the public API.
type Config struct {
	Network             Network
	HeadHash            types.Hash
	HeadNumber          uint64
	HeadTotalDifficulty *big.Int
	GenesisHash         types.Hash

	MinPeers int
	MaxPeers int

	AnnounceCallback  AnnounceCallback
	StatusCallback    StatusCallback
	SaveNodesCallback SaveNodesCallback

	SweepInterval      time.Duration
	DefaultMaxAttempts int
	DefaultTimeout     time.Duration

	// StaticKey is this node's identity key, used for the RLPx handshake
	// when Start dials bootstrap peers. Required if Bootstrap is non-empty.
	StaticKey *ecdsa.PrivateKey
	// Bootstrap is the persisted NodeConfig list (the caller's last
	// SaveNodesCallback snapshot, reloaded at startup) used to seed the
	// discovery table Start builds its initial outbound dials from.
	Bootstrap []*NodeConfig
	// Dialer constructs outbound connections for bootstrap dialing;
	// defaults to a p2p.TCPDialer when nil.
	Dialer p2p.Dialer
}

func (c *Config) setDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Second
	}
	if c.DefaultMaxAttempts <= 0 {
		c.DefaultMaxAttempts = 3
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = 10 * time.Second
	}
	if c.MaxPeers <= 0 {
		c.MaxPeers = 25
	}
}

// Manager is the public façade: it owns the node set and the provisioner
// set, routes incoming messages to provisioners, and applies retry and
// peer-selection policy. The manager is the sole mutator of both sets;
// everything else communicates by calling its methods.
type Manager struct {
	cfg Config
	log *log.Logger

	mu          sync.Mutex
	nodes       map[string]*Node
	nodeConfigs map[string]*NodeConfig
	provs       map[uint64]*Provisioner
	nextProvID  uint64
	running     bool
	stopCh      chan struct{}
	wg          sync.WaitGroup

	// dial opens an outbound session to ep under id, performing the RLPx +
	// devp2p handshake and registering the resulting Node via AddNode on
	// success. Set by New to wrap LES.Dial; left nil outside that
	// constructor (e.g. in tests that only exercise the sweep loop).
	dial func(id string, ep *enode.Node) error
}

// NewManager creates a Manager from cfg, a local StatusMessage built from
// cfg's head/genesis fields being the caller's responsibility at connect
// time (constructed per-node in node.go).
func NewManager(cfg Config) *Manager {
	cfg.setDefaults()
	return &Manager{
		cfg:         cfg,
		log:         log.Default().Module("les"),
		nodes:       make(map[string]*Node),
		nodeConfigs: make(map[string]*NodeConfig),
		provs:       make(map[uint64]*Provisioner),
		stopCh:      make(chan struct{}),
	}
}

// Start seeds a discovery table from cfg.Bootstrap, dials the closest known
// nodes up to MaxPeers, and begins the background sweep loop that evicts
// timed-out requests, drops nodes with too many consecutive timeouts, and
// expires overdue provisioners. If cfg.Bootstrap is empty or no dial
// function is configured, Start is a pure sweep loop and outbound
// connections remain the caller's responsibility via AddNode.
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	m.bootstrapDial()

	m.wg.Add(1)
	go m.sweepLoop()
}

// bootstrapDial builds a Kademlia-style routing table from cfg.Bootstrap
// and dials out to the MaxPeers nodes closest to the local ID, in the
// background. Failures are logged, not fatal: a missed bootstrap peer just
// leaves a slot open for AddNode or a later Start to fill.
func (m *Manager) bootstrapDial() {
	if len(m.cfg.Bootstrap) == 0 || m.dial == nil {
		return
	}

	var self enode.NodeID
	if m.cfg.StaticKey != nil {
		self = localNodeID(&m.cfg.StaticKey.PublicKey)
	}
	table := discover.NewTable(self)
	for _, nc := range m.cfg.Bootstrap {
		if nc.Endpoint != nil {
			table.AddNode(nc.Endpoint)
		}
	}

	for _, ep := range table.FindNode(self, m.cfg.MaxPeers) {
		ep := ep
		id := ep.ID.String()
		go func() {
			if err := m.dial(id, ep); err != nil {
				m.log.Warn("bootstrap dial failed", "node", id, "err", err)
			}
		}()
	}
}

// localNodeID derives the Kademlia node ID (keccak256 of the compressed
// public key) used to seed the local end of the bootstrap routing table.
func localNodeID(pub *ecdsa.PublicKey) enode.NodeID {
	r := &enr.Record{}
	r.Set(enr.KeySecp256k1, crypto.CompressPubkey(pub))
	return enode.NodeID(r.NodeID())
}

// Stop cancels every outstanding provisioner with ErrCancelled, closes every
// node, and halts the sweep loop. Per spec, stopping the manager marks every
// provisioner as cancelled before their state is freed.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	provs := make([]*Provisioner, 0, len(m.provs))
	for _, pv := range m.provs {
		provs = append(provs, pv)
	}
	m.provs = make(map[uint64]*Provisioner)
	nodes := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, n)
	}
	m.mu.Unlock()

	for _, pv := range provs {
		pv.Cancel(ErrCancelled)
	}
	for _, n := range nodes {
		n.Close()
	}
	m.wg.Wait()
}

func (m *Manager) sweepLoop() {
	defer m.wg.Done()
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.sweep(now)
		}
	}
}

func (m *Manager) sweep(now time.Time) {
	m.mu.Lock()
	var toDrop []string
	for id, n := range m.nodes {
		if n.SweepTimeouts(now) {
			toDrop = append(toDrop, id)
		}
	}
	var expired []*Provisioner
	for id, pv := range m.provs {
		if pv.Done() {
			delete(m.provs, id)
			continue
		}
		if !pv.Deadline().IsZero() && now.After(pv.Deadline()) {
			expired = append(expired, pv)
			delete(m.provs, id)
		}
	}
	m.mu.Unlock()

	for _, id := range toDrop {
		m.RemoveNode(id, ErrPeerTimeout)
	}
	for _, pv := range expired {
		pv.ExpireIfPastDeadline(now)
	}
}

// AddNode registers an ACTIVE node session under id, making it eligible for
// dispatch, and records its descriptor for persistence.
func (m *Manager) AddNode(id string, n *Node, ep *enode.Node) {
	m.mu.Lock()
	m.nodes[id] = n
	if _, ok := m.nodeConfigs[id]; !ok {
		m.nodeConfigs[id] = NewNodeConfig(ep)
	}
	snapshot := m.nodeConfigsSnapshotLocked()
	peerCount := int64(len(m.nodes))
	m.mu.Unlock()

	metrics.PeersConnected.Set(peerCount)
	if m.cfg.SaveNodesCallback != nil {
		m.cfg.SaveNodesCallback(snapshot)
	}
}

// RemoveNode closes and forgets a node, marking its persisted descriptor
// disconnected or errored depending on cause.
func (m *Manager) RemoveNode(id string, cause error) {
	m.mu.Lock()
	n, ok := m.nodes[id]
	delete(m.nodes, id)
	if cfg, exists := m.nodeConfigs[id]; exists {
		if cause == nil {
			cfg.State = NodeDisconnected
		} else {
			cfg.State = NodeError
		}
	}
	snapshot := m.nodeConfigsSnapshotLocked()
	peerCount := int64(len(m.nodes))
	m.mu.Unlock()

	if ok {
		metrics.NodesDropped.Inc()
		metrics.PeersConnected.Set(peerCount)
		n.Close()
	}
	if m.cfg.SaveNodesCallback != nil {
		m.cfg.SaveNodesCallback(snapshot)
	}
}

func (m *Manager) nodeConfigsSnapshotLocked() []*NodeConfig {
	out := make([]*NodeConfig, 0, len(m.nodeConfigs))
	for _, c := range m.nodeConfigs {
		out = append(out, c)
	}
	return out
}

// NotifyStatus records a peer's initial Status and invokes StatusCallback.
func (m *Manager) NotifyStatus(peerID string, status *StatusMessage) {
	if m.cfg.StatusCallback != nil {
		m.cfg.StatusCallback(peerID, status)
	}
}

// NotifyAnnounce updates a node's head and invokes AnnounceCallback.
func (m *Manager) NotifyAnnounce(peerID string, hash types.Hash, number uint64, td *big.Int) {
	m.mu.Lock()
	n, ok := m.nodes[peerID]
	m.mu.Unlock()
	if ok {
		n.HandleAnnounce(hash, number, td)
	}
	if m.cfg.AnnounceCallback != nil {
		m.cfg.AnnounceCallback(peerID, hash, number, td)
	}
}

// SelectNode picks the least-loaded ACTIVE node whose advertised head is at
// least minHead and whose current buffer can cover cost, per the manager's
// dispatch policy.
func (m *Manager) SelectNode(minHead uint64, msgCode uint64, amount uint64) (*Node, error) {
	m.mu.Lock()
	candidates := make([]*Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		candidates = append(candidates, n)
	}
	m.mu.Unlock()

	var best *Node
	var bestLoad uint64
	for _, n := range candidates {
		if !n.Active() {
			continue
		}
		if n.Head().Number < minHead {
			continue
		}
		cost := n.EstimatedCost(msgCode, amount)
		buf := n.Buffer()
		if cost > buf {
			continue
		}
		load := buf - cost // proxy: more remaining headroom after spend = less loaded
		if best == nil || load > bestLoad {
			best = n
			bestLoad = load
		}
	}
	if best == nil {
		return nil, ErrNoPeersAvailable
	}
	return best, nil
}

// registerProvisioner tracks pv for deadline sweeping and returns its id.
func (m *Manager) registerProvisioner(pv *Provisioner) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextProvID
	m.nextProvID++
	m.provs[id] = pv
	return id
}

// Dispatch picks a node covering minHead and attempts cost, and hands off
// the dispatch to it. It returns ErrNoPeersAvailable if none qualifies.
func (m *Manager) Dispatch(ctx context.Context, minHead uint64, msgCode uint64, kind RequestKind, amount uint64, params interface{}, sink ResponseSink) error {
	node, err := m.SelectNode(minHead, msgCode, amount)
	if err != nil {
		return err
	}
	_, err = node.Dispatch(msgCode, kind, amount, params, m.cfg.DefaultTimeout, sink)
	if err != nil {
		return fmt.Errorf("les: dispatch to %s: %w", node.ID(), err)
	}
	return nil
}

// DefaultMaxAttempts and DefaultTimeout expose the manager's configured
// retry/timeout policy to api.go's provisioner constructors.
func (m *Manager) DefaultMaxAttempts() int { return m.cfg.DefaultMaxAttempts }
func (m *Manager) DefaultTimeout() time.Duration { return m.cfg.DefaultTimeout }
