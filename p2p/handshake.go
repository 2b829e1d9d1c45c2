package p2p

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// devp2p base protocol message codes. These are exchanged before any
// sub-protocol messages. The hello handshake is the first thing sent
// after the transport-level (RLPx) connection is established.
const (
	HelloMsg      = 0x80 // Capability handshake.
	DisconnectMsg = 0x81 // Graceful disconnect with reason.
	PingMsg       = 0x82
	PongMsg       = 0x83
)

// Handshake errors.
var (
	ErrHandshakeTimeout    = errors.New("p2p: handshake timeout")
	ErrIncompatibleVersion = errors.New("p2p: incompatible protocol version")
	ErrNoMatchingCaps      = errors.New("p2p: no matching capabilities")
)

// BaseProtocolVersion is the devp2p base protocol version. We implement v5,
// used by all modern Ethereum clients since the Constantinople fork.
const BaseProtocolVersion = 5

const baseProtocolVersion = BaseProtocolVersion

// HelloPacket is the devp2p hello message exchanged during the capability
// handshake. Each side advertises its client identity and supported
// sub-protocol capabilities. The format mirrors go-ethereum's p2p.protoHandshake.
type HelloPacket struct {
	Version    uint64 // devp2p base protocol version (5).
	Name       string // Client identity string (e.g. "eth2028/v0.1.0").
	Caps       []Cap  // Supported sub-protocol capabilities.
	ListenPort uint64 // TCP listening port (0 if not listening).
	ID         string // Node ID (hex-encoded public key or random).
}

// EncodeHello serializes a HelloPacket into a wire-format byte slice.
// Wire format: [version:8][nameLen:2][name][capCount:2]{[capNameLen:1][capName][capVersion:4]}*[listenPort:8][idLen:2][id]
func EncodeHello(h *HelloPacket) []byte {
	// Pre-calculate size.
	size := 8 + 2 + len(h.Name) // version + nameLen + name
	size += 2                     // capCount
	for _, c := range h.Caps {
		size += 1 + len(c.Name) + 4 // capNameLen + capName + capVersion
	}
	size += 8          // listenPort
	size += 2 + len(h.ID) // idLen + id

	buf := make([]byte, 0, size)

	// Version (8 bytes).
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], h.Version)
	buf = append(buf, tmp[:]...)

	// Name (2-byte length prefix + string).
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(h.Name)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, []byte(h.Name)...)

	// Caps (2-byte count, then each: 1-byte name len + name + 4-byte version).
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(h.Caps)))
	buf = append(buf, lenBuf[:]...)
	for _, c := range h.Caps {
		buf = append(buf, byte(len(c.Name)))
		buf = append(buf, []byte(c.Name)...)
		var vbuf [4]byte
		binary.BigEndian.PutUint32(vbuf[:], uint32(c.Version))
		buf = append(buf, vbuf[:]...)
	}

	// ListenPort (8 bytes).
	binary.BigEndian.PutUint64(tmp[:], h.ListenPort)
	buf = append(buf, tmp[:]...)

	// ID (2-byte length prefix + string).
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(h.ID)))
	buf = append(buf, lenBuf[:]...)
	buf = append(buf, []byte(h.ID)...)

	return buf
}

// DecodeHello deserializes a HelloPacket from wire-format bytes.
func DecodeHello(data []byte) (*HelloPacket, error) {
	if len(data) < 8+2 {
		return nil, fmt.Errorf("p2p: hello packet too short")
	}
	h := &HelloPacket{}
	off := 0

	// Version.
	h.Version = binary.BigEndian.Uint64(data[off:])
	off += 8

	// Name.
	if off+2 > len(data) {
		return nil, fmt.Errorf("p2p: hello packet truncated at name length")
	}
	nameLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+nameLen > len(data) {
		return nil, fmt.Errorf("p2p: hello packet truncated at name")
	}
	h.Name = string(data[off : off+nameLen])
	off += nameLen

	// Caps.
	if off+2 > len(data) {
		return nil, fmt.Errorf("p2p: hello packet truncated at cap count")
	}
	capCount := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	h.Caps = make([]Cap, 0, capCount)
	for i := 0; i < capCount; i++ {
		if off+1 > len(data) {
			return nil, fmt.Errorf("p2p: hello packet truncated at cap %d name length", i)
		}
		cnLen := int(data[off])
		off++
		if off+cnLen+4 > len(data) {
			return nil, fmt.Errorf("p2p: hello packet truncated at cap %d", i)
		}
		name := string(data[off : off+cnLen])
		off += cnLen
		ver := binary.BigEndian.Uint32(data[off:])
		off += 4
		h.Caps = append(h.Caps, Cap{Name: name, Version: uint(ver)})
	}

	// ListenPort.
	if off+8 > len(data) {
		return nil, fmt.Errorf("p2p: hello packet truncated at listen port")
	}
	h.ListenPort = binary.BigEndian.Uint64(data[off:])
	off += 8

	// ID.
	if off+2 > len(data) {
		return nil, fmt.Errorf("p2p: hello packet truncated at id length")
	}
	idLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if off+idLen > len(data) {
		return nil, fmt.Errorf("p2p: hello packet truncated at id")
	}
	h.ID = string(data[off : off+idLen])

	return h, nil
}

// DisconnectReason is a devp2p disconnect reason code.
type DisconnectReason uint8

const (
	DiscRequested       DisconnectReason = 0x00 // Peer requested disconnect.
	DiscNetworkError    DisconnectReason = 0x01 // Network error.
	DiscProtocolError   DisconnectReason = 0x02 // Protocol breach.
	DiscUselessPeer     DisconnectReason = 0x03 // No matching capabilities.
	DiscTooManyPeers    DisconnectReason = 0x04 // Too many peers.
	DiscAlreadyConnected DisconnectReason = 0x05 // Already connected.
	DiscSubprotocolError DisconnectReason = 0x10 // Sub-protocol error.
)

// String returns a human-readable disconnect reason.
func (r DisconnectReason) String() string {
	switch r {
	case DiscRequested:
		return "requested"
	case DiscNetworkError:
		return "network error"
	case DiscProtocolError:
		return "protocol error"
	case DiscUselessPeer:
		return "useless peer"
	case DiscTooManyPeers:
		return "too many peers"
	case DiscAlreadyConnected:
		return "already connected"
	case DiscSubprotocolError:
		return "sub-protocol error"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

