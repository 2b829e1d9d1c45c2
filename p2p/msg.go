package p2p

// Msg represents a low-level devp2p frame message used by the transport layer:
// the message code and raw payload bytes carried in one RLPx frame.
type Msg struct {
	Code    uint64 // Message code.
	Size    uint32 // Payload size in bytes.
	Payload []byte // Raw payload bytes.
}
