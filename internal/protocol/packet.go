// Package protocol defines the packet format and wire codec for blockcast
// block transfers.
package protocol

// Opcodes. Encoded as a 2-byte big-endian field at the start of every packet.
const (
	OpRead  uint16 = 0x01 // request to receive a resource
	OpWrite uint16 = 0x02 // request to send a resource (opens a push transfer)
	OpData  uint16 = 0x03 // one block of payload
	OpAck   uint16 = 0x04 // acknowledge for one block number
	OpError uint16 = 0x05 // terminal error notification
)

// MaxBlockSize is the payload capacity of one DATA packet. A DATA packet
// carrying fewer than MaxBlockSize bytes is the final block of its transfer.
const MaxBlockSize = 512

// ModeOctet is the only transfer mode spoken: payload bytes pass unmodified.
const ModeOctet = "octet"

// Error codes carried by ERROR packets.
const (
	ErrCodeUndefined uint16 = 0
	ErrCodeIllegalOp uint16 = 4
)

// Packet represents one datagram of the transfer protocol. Which fields are
// meaningful depends on Op; the rest stay zero.
type Packet struct {
	Op uint16

	// Request fields (OpRead / OpWrite). Null-terminated strings on the wire,
	// so neither may contain a NUL byte.
	Name string
	Mode string

	// Block sequence number (OpData / OpAck). Wraps modulo 2^16.
	Block uint16

	// Payload (OpData only), at most MaxBlockSize bytes.
	Payload []byte

	// Error fields (OpError).
	ErrCode uint16
	ErrMsg  string
}
