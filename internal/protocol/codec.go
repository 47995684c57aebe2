package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
)

// ErrMalformedPacket reports bytes that cannot be decoded as a Packet.
var ErrMalformedPacket = errors.New("malformed packet")

// Encode serializes a Packet into a byte slice for datagram transmission.
func Encode(pkt *Packet) ([]byte, error) {
	switch pkt.Op {
	case OpRead, OpWrite:
		if pkt.Name == "" {
			return nil, fmt.Errorf("%w: empty resource name", ErrMalformedPacket)
		}
		if strings.ContainsRune(pkt.Name, 0) {
			return nil, fmt.Errorf("%w: resource name contains NUL", ErrMalformedPacket)
		}
		mode := pkt.Mode
		if mode == "" {
			mode = ModeOctet
		}
		buf := make([]byte, 0, 2+len(pkt.Name)+1+len(mode)+1)
		buf = binary.BigEndian.AppendUint16(buf, pkt.Op)
		buf = append(buf, pkt.Name...)
		buf = append(buf, 0)
		buf = append(buf, mode...)
		buf = append(buf, 0)
		return buf, nil

	case OpData:
		if len(pkt.Payload) > MaxBlockSize {
			return nil, fmt.Errorf("%w: payload %d exceeds %d bytes", ErrMalformedPacket, len(pkt.Payload), MaxBlockSize)
		}
		buf := make([]byte, 0, 4+len(pkt.Payload))
		buf = binary.BigEndian.AppendUint16(buf, OpData)
		buf = binary.BigEndian.AppendUint16(buf, pkt.Block)
		buf = append(buf, pkt.Payload...)
		return buf, nil

	case OpAck:
		buf := make([]byte, 0, 4)
		buf = binary.BigEndian.AppendUint16(buf, OpAck)
		buf = binary.BigEndian.AppendUint16(buf, pkt.Block)
		return buf, nil

	case OpError:
		if strings.ContainsRune(pkt.ErrMsg, 0) {
			return nil, fmt.Errorf("%w: error message contains NUL", ErrMalformedPacket)
		}
		buf := make([]byte, 0, 4+len(pkt.ErrMsg)+1)
		buf = binary.BigEndian.AppendUint16(buf, OpError)
		buf = binary.BigEndian.AppendUint16(buf, pkt.ErrCode)
		buf = append(buf, pkt.ErrMsg...)
		buf = append(buf, 0)
		return buf, nil

	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedPacket, pkt.Op)
	}
}

// Decode deserializes a byte slice into a Packet.
func Decode(data []byte) (*Packet, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("%w: %d bytes (need at least 2)", ErrMalformedPacket, len(data))
	}
	op := binary.BigEndian.Uint16(data[0:2])

	switch op {
	case OpRead, OpWrite:
		name, rest, err := cstring(data[2:])
		if err != nil {
			return nil, fmt.Errorf("%w: resource name: %v", ErrMalformedPacket, err)
		}
		if name == "" {
			return nil, fmt.Errorf("%w: empty resource name", ErrMalformedPacket)
		}
		mode, _, err := cstring(rest)
		if err != nil {
			return nil, fmt.Errorf("%w: transfer mode: %v", ErrMalformedPacket, err)
		}
		if !strings.EqualFold(mode, ModeOctet) {
			return nil, fmt.Errorf("%w: unsupported transfer mode %q", ErrMalformedPacket, mode)
		}
		return &Packet{Op: op, Name: name, Mode: ModeOctet}, nil

	case OpData:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: data packet of %d bytes", ErrMalformedPacket, len(data))
		}
		if len(data) > 4+MaxBlockSize {
			return nil, fmt.Errorf("%w: data payload %d exceeds %d bytes", ErrMalformedPacket, len(data)-4, MaxBlockSize)
		}
		pkt := &Packet{Op: OpData, Block: binary.BigEndian.Uint16(data[2:4])}
		if len(data) > 4 {
			pkt.Payload = make([]byte, len(data)-4)
			copy(pkt.Payload, data[4:])
		}
		return pkt, nil

	case OpAck:
		if len(data) < 4 {
			return nil, fmt.Errorf("%w: ack packet of %d bytes", ErrMalformedPacket, len(data))
		}
		return &Packet{Op: OpAck, Block: binary.BigEndian.Uint16(data[2:4])}, nil

	case OpError:
		if len(data) < 5 {
			return nil, fmt.Errorf("%w: error packet of %d bytes", ErrMalformedPacket, len(data))
		}
		msg, _, err := cstring(data[4:])
		if err != nil {
			return nil, fmt.Errorf("%w: error message: %v", ErrMalformedPacket, err)
		}
		return &Packet{Op: OpError, ErrCode: binary.BigEndian.Uint16(data[2:4]), ErrMsg: msg}, nil

	default:
		return nil, fmt.Errorf("%w: unknown opcode %d", ErrMalformedPacket, op)
	}
}

// cstring splits a null-terminated string off the front of data and returns
// it with the remaining bytes. A missing terminator is an error.
func cstring(data []byte) (string, []byte, error) {
	for i, b := range data {
		if b == 0 {
			return string(data[:i]), data[i+1:], nil
		}
	}
	return "", nil, errors.New("missing NUL terminator")
}
