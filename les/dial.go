package les

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/breadwallet/ethles/crypto"
	"github.com/breadwallet/ethles/p2p"
	"github.com/breadwallet/ethles/p2p/enode"
)

// Caps returns the capability this module advertises during the devp2p
// hello handshake: the "les" sub-protocol at ProtocolVersion.
func Caps() []p2p.Cap {
	return []p2p.Cap{{Name: ProtocolName, Version: ProtocolVersion}}
}

// Dial opens a new outbound connection to ep: it dials its TCP address via
// dialer, runs the RLPx ECIES transport handshake followed by the devp2p
// hello handshake (p2p.FullHandshake), and on success hands the resulting
// encrypted FrameCodec to Connect so the LES Status exchange can proceed.
//
// If dialer is nil, a p2p.TCPDialer is used. ep.Pubkey must hold the peer's
// compressed secp256k1 public key, as advertised over discovery or a static
// node list.
func (l *LES) Dial(id string, ep *enode.Node, staticKey *ecdsa.PrivateKey, dialer p2p.Dialer) error {
	remotePub, err := crypto.DecompressPubkey(ep.Pubkey)
	if err != nil {
		return fmt.Errorf("les: decompress remote pubkey for %s: %w", id, err)
	}

	if dialer == nil {
		dialer = &p2p.TCPDialer{}
	}
	conn, err := dialer.Dial(ep.TCPAddr().String())
	if err != nil {
		return fmt.Errorf("les: dial %s: %w", id, err)
	}

	localHello := &p2p.HelloPacket{
		Version: p2p.BaseProtocolVersion,
		Name:    "ethles",
		Caps:    Caps(),
		ID:      id,
	}
	codec, _, _, err := p2p.FullHandshake(conn, staticKey, remotePub, true, localHello)
	if err != nil {
		conn.Close()
		return fmt.Errorf("les: handshake with %s: %w", id, err)
	}

	if err := l.Connect(id, codec, ep); err != nil {
		codec.Close()
		return err
	}
	return nil
}
