package p2p

import (
	"fmt"
	"net"
)

// Dialer establishes outbound TCP connections to peers. DoECIESHandshake
// upgrades the raw connection it returns into an encrypted FrameCodec.
type Dialer interface {
	Dial(addr string) (net.Conn, error)
}

// Listener accepts inbound TCP connections from peers.
type Listener interface {
	// Accept blocks until an inbound connection arrives.
	Accept() (net.Conn, error)
	// Close stops the listener.
	Close() error
	// Addr returns the listener's network address.
	Addr() net.Addr
}

// TCPDialer dials plain TCP connections. The caller is expected to run
// DoECIESHandshake over the result before treating it as a peer session.
type TCPDialer struct{}

// Dial connects to addr via TCP.
func (d *TCPDialer) Dial(addr string) (net.Conn, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("p2p: dial error: %w", err)
	}
	return conn, nil
}

// TCPListener wraps a net.Listener as a Listener.
type TCPListener struct {
	ln net.Listener
}

// NewTCPListener creates a TCPListener from a net.Listener.
func NewTCPListener(ln net.Listener) *TCPListener {
	return &TCPListener{ln: ln}
}

// Accept blocks until an inbound TCP connection arrives.
func (l *TCPListener) Accept() (net.Conn, error) {
	return l.ln.Accept()
}

// Close stops the listener.
func (l *TCPListener) Close() error {
	return l.ln.Close()
}

// Addr returns the listener's network address.
func (l *TCPListener) Addr() net.Addr {
	return l.ln.Addr()
}
