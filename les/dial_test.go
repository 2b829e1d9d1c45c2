package les

import (
	"net"
	"testing"
	"time"

	ethcrypto "github.com/breadwallet/ethles/crypto"
	"github.com/breadwallet/ethles/p2p"
	"github.com/breadwallet/ethles/p2p/enode"
)

// TestDialEstablishesSessionOverRealTCP exercises the full outbound connect
// path over real loopback TCP: TCPListener/TCPDialer for the raw connection,
// p2p.FullHandshake for the RLPx + devp2p hello handshake on both ends, and
// LES.Connect for the Status exchange that brings the node online.
func TestDialEstablishesSessionOverRealTCP(t *testing.T) {
	serverKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey server: %v", err)
	}
	clientKey, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey client: %v", err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	listener := p2p.NewTCPListener(ln)
	defer listener.Close()

	serverDone := make(chan error, 1)
	go func() {
		conn, err := listener.Accept()
		if err != nil {
			serverDone <- err
			return
		}
		codec, _, _, err := p2p.FullHandshake(conn, serverKey, &clientKey.PublicKey, false, &p2p.HelloPacket{
			Version: p2p.BaseProtocolVersion,
			Name:    "test-server",
			Caps:    Caps(),
			ID:      "server",
		})
		if err != nil {
			serverDone <- err
			return
		}

		n := NewNode("client-side-of-server", codec, testStatus())
		if err := n.SendStatus(); err != nil {
			serverDone <- err
			return
		}
		if _, err := n.AwaitStatus(); err != nil {
			serverDone <- err
			return
		}
		serverDone <- nil
	}()

	ep := &enode.Node{Pubkey: ethcrypto.CompressPubkey(&serverKey.PublicKey)}
	ep.IP = net.ParseIP("127.0.0.1")
	ep.TCP = uint16(ln.Addr().(*net.TCPAddr).Port)

	l := New(Config{DefaultTimeout: 2 * time.Second}, testStatus())
	if err := l.Dial("server", ep, clientKey, nil); err != nil {
		t.Fatalf("Dial: %v", err)
	}

	if err := <-serverDone; err != nil {
		t.Fatalf("server side: %v", err)
	}
}
