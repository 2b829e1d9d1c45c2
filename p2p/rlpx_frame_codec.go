package p2p

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"hash"
	"io"
	"net"
	"sync"
	"time"

	"github.com/golang/snappy"
	"golang.org/x/crypto/sha3"
)

const (
	snappyMaxDecompressed = 24 * 1024 * 1024 // 24 MiB max decompressed size
	codecHeaderSize       = 16               // encrypted frame header size
	codecMACSize          = 16               // truncated keccak256 MAC tag size
	keepaliveInterval     = 15 * time.Second
	keepaliveTimeout      = 20 * time.Second
	maxCodecFrameSize     = 16 * 1024 * 1024 // 16 MiB max frame payload
)

var (
	ErrSnappyDecompressTooLarge = errors.New("p2p: snappy decompressed data too large")
	ErrCodecClosed              = errors.New("p2p: frame codec closed")
	ErrPongTimeout              = errors.New("p2p: pong timeout")
	ErrUnknownCapability        = errors.New("p2p: unknown capability for message code")
	ErrBadMAC                   = errors.New("p2p: frame MAC mismatch")
	ErrFrameTooLarge            = errors.New("p2p: frame too large")
)

// FrameCodec implements the RLPx frame codec: AES-256-CTR encryption with a
// keccak256 running-hash MAC construction, snappy compression, capability
// offset multiplexing, and ping/pong keepalive.
type FrameCodec struct {
	conn      net.Conn
	encStream cipher.Stream
	decStream cipher.Stream
	macCipher cipher.Block // AES block cipher keyed with the mac secret
	egressMAC hash.Hash    // keccak256 running state
	ingrMAC   hash.Hash    // keccak256 running state

	snappyEnabled bool
	capOffsets    []capOffset

	lastPong      time.Time
	keepaliveDone chan struct{}
	keepaliveOnce sync.Once

	rmu, wmu, mu sync.Mutex
	closed       bool
}

// capOffset maps a capability to its message code offset and length.
type capOffset struct {
	Name    string
	Version uint
	Offset  uint64
	Length  uint64
}

// FrameCodecConfig holds the configuration for a FrameCodec. AESSecret and
// MACSecret are the shared secrets derived by the handshake
// (keccak256-chained, per RLPx); both peers derive identical values and use
// them directly — encryption is kept in sync by each side's independent
// AES-CTR stream position, not by direction-specific subkeys.
type FrameCodecConfig struct {
	AESSecret []byte // 32 bytes
	MACSecret []byte // 32 bytes

	// EgressSeed/IngressSeed are the raw bytes written into this side's
	// egress/ingress MAC state at construction time: for egress, macSecret
	// XOR the peer's nonce followed by the handshake packet (auth or ack)
	// this side sent; for ingress, macSecret XOR this side's own nonce
	// followed by the packet it received. See ECIESHandshake.MACSeeds for
	// how these are assembled.
	EgressSeed  []byte
	IngressSeed []byte

	Initiator    bool
	EnableSnappy bool
	Caps         []Cap
}

// NewFrameCodec creates a new RLPx frame codec. Secrets must be 32 bytes.
func NewFrameCodec(conn net.Conn, cfg FrameCodecConfig) (*FrameCodec, error) {
	if len(cfg.AESSecret) != 32 {
		return nil, errors.New("p2p: AES secret must be 32 bytes")
	}
	if len(cfg.MACSecret) != 32 {
		return nil, errors.New("p2p: MAC secret must be 32 bytes")
	}

	encBlock, err := aes.NewCipher(cfg.AESSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: enc cipher: %w", err)
	}
	decBlock, err := aes.NewCipher(cfg.AESSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: dec cipher: %w", err)
	}
	macBlock, err := aes.NewCipher(cfg.MACSecret)
	if err != nil {
		return nil, fmt.Errorf("p2p: mac cipher: %w", err)
	}

	var zeroIV [aes.BlockSize]byte

	egressMAC := sha3.NewLegacyKeccak256()
	egressMAC.Write(cfg.EgressSeed)
	ingrMAC := sha3.NewLegacyKeccak256()
	ingrMAC.Write(cfg.IngressSeed)

	fc := &FrameCodec{
		conn:          conn,
		encStream:     cipher.NewCTR(encBlock, zeroIV[:]),
		decStream:     cipher.NewCTR(decBlock, zeroIV[:]),
		macCipher:     macBlock,
		egressMAC:     egressMAC,
		ingrMAC:       ingrMAC,
		snappyEnabled: cfg.EnableSnappy,
		lastPong:      time.Now(),
		keepaliveDone: make(chan struct{}),
	}

	fc.capOffsets = computeCapOffsets(cfg.Caps)
	return fc, nil
}

// updateMAC advances a keccak256 MAC state the RLPx way: encrypt the
// current digest with the (AES-keyed-on-macSecret) block cipher, XOR the
// result with seed, absorb that back into the digest, and return the
// truncated running tag.
func updateMAC(mac hash.Hash, block cipher.Block, seed []byte) []byte {
	aesbuf := make([]byte, aes.BlockSize)
	block.Encrypt(aesbuf, mac.Sum(nil))
	for i := range aesbuf {
		aesbuf[i] ^= seed[i]
	}
	mac.Write(aesbuf)
	return mac.Sum(nil)[:codecMACSize]
}

// computeCapOffsets assigns message code offsets after codes 0x00-0x0F,
// which are reserved ahead of the first capability. (The base-protocol
// messages in handshake.go use codes 0x80-0x83.)
func computeCapOffsets(caps []Cap) []capOffset {
	const baseProtoLen = 16 // reserved codes 0x00-0x0F
	offsets := make([]capOffset, 0, len(caps))
	offset := uint64(baseProtoLen)
	for _, c := range caps {
		length := uint64(17) // default codes per capability
		if c.Name == "eth" {
			length = 21 // eth/68 uses codes 0x00-0x14
		} else if c.Name == "snap" {
			length = 8 // snap protocol uses codes 0x00-0x07
		} else if c.Name == "les" {
			length = 22 // LES/2 uses codes 0x00-0x15
		}
		offsets = append(offsets, capOffset{
			Name:    c.Name,
			Version: c.Version,
			Offset:  offset,
			Length:  length,
		})
		offset += length
	}
	return offsets
}

// CapOffset returns the message code offset for the given capability name.
// Returns 0, false if the capability is not found.
func (fc *FrameCodec) CapOffset(name string) (uint64, bool) {
	for _, co := range fc.capOffsets {
		if co.Name == name {
			return co.Offset, true
		}
	}
	return 0, false
}

// WriteMsg encrypts and writes a framed message.
func (fc *FrameCodec) WriteMsg(msg Msg) error {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.wmu.Lock()
	defer fc.wmu.Unlock()

	body := make([]byte, 1+len(msg.Payload))
	body[0] = byte(msg.Code)
	copy(body[1:], msg.Payload)

	if fc.snappyEnabled {
		body = snappyEncode(body)
	}

	if len(body) > maxCodecFrameSize {
		return fmt.Errorf("%w: %d", ErrFrameTooLarge, len(body))
	}

	padded := padTo16(body)
	var header [codecHeaderSize]byte
	putUint24(header[:3], uint32(len(padded)))

	var encHeader [codecHeaderSize]byte
	fc.encStream.XORKeyStream(encHeader[:], header[:])
	headerMAC := updateMAC(fc.egressMAC, fc.macCipher, encHeader[:])

	encBody := make([]byte, len(padded))
	fc.encStream.XORKeyStream(encBody, padded)
	fc.egressMAC.Write(encBody)
	bodySeed := fc.egressMAC.Sum(nil)
	bodyMAC := updateMAC(fc.egressMAC, fc.macCipher, bodySeed)

	var buf bytes.Buffer
	buf.Write(encHeader[:])
	buf.Write(headerMAC)
	buf.Write(encBody)
	buf.Write(bodyMAC)

	_, err := fc.conn.Write(buf.Bytes())
	return err
}

// ReadMsg reads and decrypts a framed message.
func (fc *FrameCodec) ReadMsg() (Msg, error) {
	fc.mu.Lock()
	if fc.closed {
		fc.mu.Unlock()
		return Msg{}, ErrCodecClosed
	}
	fc.mu.Unlock()

	fc.rmu.Lock()
	defer fc.rmu.Unlock()

	var encHeader [codecHeaderSize]byte
	if _, err := io.ReadFull(fc.conn, encHeader[:]); err != nil {
		return Msg{}, err
	}

	var headerMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, headerMAC[:]); err != nil {
		return Msg{}, err
	}

	expectedHeaderMAC := updateMAC(fc.ingrMAC, fc.macCipher, encHeader[:])
	if subtle.ConstantTimeCompare(headerMAC[:], expectedHeaderMAC) != 1 {
		return Msg{}, ErrBadMAC
	}

	var header [codecHeaderSize]byte
	fc.decStream.XORKeyStream(header[:], encHeader[:])
	frameSize := getUint24(header[:3])

	if frameSize > maxCodecFrameSize {
		return Msg{}, fmt.Errorf("%w: %d", ErrFrameTooLarge, frameSize)
	}

	encBody := make([]byte, frameSize)
	if _, err := io.ReadFull(fc.conn, encBody); err != nil {
		return Msg{}, err
	}

	var bodyMAC [codecMACSize]byte
	if _, err := io.ReadFull(fc.conn, bodyMAC[:]); err != nil {
		return Msg{}, err
	}

	fc.ingrMAC.Write(encBody)
	bodySeed := fc.ingrMAC.Sum(nil)
	expectedBodyMAC := updateMAC(fc.ingrMAC, fc.macCipher, bodySeed)
	if subtle.ConstantTimeCompare(bodyMAC[:], expectedBodyMAC) != 1 {
		return Msg{}, ErrBadMAC
	}

	body := make([]byte, frameSize)
	fc.decStream.XORKeyStream(body, encBody)

	body = unpadFrom16(body)
	if fc.snappyEnabled && len(body) > 0 {
		var err error
		body, err = snappyDecode(body, snappyMaxDecompressed)
		if err != nil {
			return Msg{}, err
		}
	}

	if len(body) == 0 {
		return Msg{}, errors.New("p2p: empty codec frame")
	}

	code := uint64(body[0])
	payload := body[1:]

	return Msg{
		Code:    code,
		Size:    uint32(len(payload)),
		Payload: payload,
	}, nil
}

func (fc *FrameCodec) SendPing() error { return fc.WriteMsg(Msg{Code: PingMsg, Size: 0}) }
func (fc *FrameCodec) SendPong() error { return fc.WriteMsg(Msg{Code: PongMsg, Size: 0}) }

// SendDisconnect sends a disconnect message and closes the codec.
func (fc *FrameCodec) SendDisconnect(reason DisconnectReason) error {
	err := fc.WriteMsg(Msg{
		Code:    DisconnectMsg,
		Size:    1,
		Payload: []byte{byte(reason)},
	})
	fc.Close()
	return err
}

// StartKeepalive starts the background ping/pong keepalive loop.
func (fc *FrameCodec) StartKeepalive() { go fc.keepaliveLoop() }
func (fc *FrameCodec) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			fc.mu.Lock()
			elapsed := time.Since(fc.lastPong)
			fc.mu.Unlock()

			if elapsed > keepaliveTimeout {
				fc.SendDisconnect(DiscNetworkError)
				return
			}
			// Ignore error; if write fails, the read loop will catch it.
			_ = fc.SendPing()

		case <-fc.keepaliveDone:
			return
		}
	}
}

func (fc *FrameCodec) HandlePong() { fc.mu.Lock(); fc.lastPong = time.Now(); fc.mu.Unlock() }

func (fc *FrameCodec) LastPong() time.Time { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.lastPong }

// Close closes the frame codec.
func (fc *FrameCodec) Close() error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.closed {
		return nil
	}
	fc.closed = true
	fc.keepaliveOnce.Do(func() { close(fc.keepaliveDone) })
	return fc.conn.Close()
}

func (fc *FrameCodec) IsClosed() bool { fc.mu.Lock(); defer fc.mu.Unlock(); return fc.closed }

// --- Helper functions ---
func putUint24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func getUint24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func padTo16(data []byte) []byte {
	padLen := (16 - len(data)%16) % 16
	if padLen == 0 {
		return data
	}
	padded := make([]byte, len(data)+padLen)
	copy(padded, data)
	return padded
}

// unpadFrom16 removes trailing zero bytes added as padding.
func unpadFrom16(data []byte) []byte {
	end := len(data)
	for end > 1 && data[end-1] == 0 {
		end--
	}
	return data[:end]
}

// --- Snappy compression ---
func snappyEncode(src []byte) []byte {
	return snappy.Encode(nil, src)
}

func snappyDecode(src []byte, maxSize int) ([]byte, error) {
	if len(src) == 0 {
		return nil, nil
	}
	decodedLen, err := snappy.DecodedLen(src)
	if err != nil {
		return nil, fmt.Errorf("p2p: invalid snappy frame: %w", err)
	}
	if decodedLen > maxSize {
		return nil, ErrSnappyDecompressTooLarge
	}
	return snappy.Decode(nil, src)
}

// GenerateNonce generates a random 32-byte nonce.
func GenerateNonce() ([32]byte, error) {
	var nonce [32]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nonce, fmt.Errorf("p2p: nonce generation: %w", err)
	}
	return nonce, nil
}
