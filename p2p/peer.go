package p2p

// Cap represents a peer capability (protocol name and version), exchanged
// during the devp2p hello handshake and used to compute capability offsets
// for sub-protocol message multiplexing.
type Cap struct {
	Name    string
	Version uint
}
