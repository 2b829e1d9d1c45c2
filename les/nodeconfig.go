package les

import "github.com/breadwallet/ethles/p2p/enode"

// NodeState is the persisted connectivity state of a NodeConfig entry.
type NodeState uint8

const (
	NodeAvailable NodeState = iota
	NodeDisconnected
	NodeError
)

func (s NodeState) String() string {
	switch s {
	case NodeAvailable:
		return "available"
	case NodeDisconnected:
		return "disconnected"
	case NodeError:
		return "error"
	default:
		return "unknown"
	}
}

// NodeConfig is a persistable descriptor of a remote peer: its addressing
// identity (an Endpoint, modeled by enode.Node), its last known connectivity
// state, and a dial priority. The manager passes the full list of these to
// its SaveNodesCallback whenever the list changes; it does not serialise
// them.
type NodeConfig struct {
	Endpoint *enode.Node
	State    NodeState
	Priority int
}

// NewNodeConfig creates a NodeConfig in the available state with default
// priority, the state a freshly discovered or bootstrap-listed peer starts in.
func NewNodeConfig(ep *enode.Node) *NodeConfig {
	return &NodeConfig{Endpoint: ep, State: NodeAvailable, Priority: 0}
}
