// Package transport owns the datagram endpoint of one transfer session. It
// binds a UDP socket, sends encoded packets, and receives with a deadline.
// No retry logic lives here — retransmission is the engine's responsibility.
//
// Sockets are created through a pion transport.Net, so production code runs
// on the host network stack (stdnet) while tests run on a virtual network
// (vnet) with programmable loss and latency.
package transport

import (
	"errors"
	"fmt"
	"net"
	"time"

	tnet "github.com/pion/transport/v4"

	"github.com/1ureka/blockcast/internal/protocol"
)

// Sentinel errors. Callers classify with errors.Is.
var (
	ErrBind    = errors.New("bind failed")
	ErrSend    = errors.New("send failed")
	ErrTimeout = errors.New("receive timed out")
)

// recvBufferSize comfortably holds the largest legal packet (4-byte data
// header + max block) plus oversized garbage we want to detect, not truncate.
const recvBufferSize = 2 * (4 + protocol.MaxBlockSize)

// Endpoint is a bound UDP socket. It is owned by exactly one session
// goroutine; only that goroutine calls Send and Receive.
type Endpoint struct {
	conn tnet.UDPConn
	buf  [recvBufferSize]byte
}

// Open binds a datagram endpoint on localAddr ("ip:port", IPv4 or IPv6
// literal; port 0 for ephemeral) using the given socket factory.
func Open(nw tnet.Net, localAddr string) (*Endpoint, error) {
	addr, err := nw.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, localAddr, err)
	}
	conn, err := nw.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBind, localAddr, err)
	}
	return &Endpoint{conn: conn}, nil
}

// LocalAddr returns the bound local address (useful with ephemeral ports).
func (e *Endpoint) LocalAddr() net.Addr {
	return e.conn.LocalAddr()
}

// Send encodes pkt and writes it as a single datagram to remote.
func (e *Endpoint) Send(pkt *protocol.Packet, remote net.Addr) error {
	data, err := protocol.Encode(pkt)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	n, err := e.conn.WriteTo(data, remote)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSend, err)
	}
	if n != len(data) {
		return fmt.Errorf("%w: short write (%d of %d bytes)", ErrSend, n, len(data))
	}
	return nil
}

// Receive blocks up to timeout for one datagram and decodes it, returning
// the packet and the sender's address. ErrTimeout when the deadline passes,
// protocol.ErrMalformedPacket when bytes arrive but cannot be decoded.
func (e *Endpoint) Receive(timeout time.Duration) (*protocol.Packet, net.Addr, error) {
	if err := e.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, fmt.Errorf("set read deadline: %w", err)
	}
	n, from, err := e.conn.ReadFrom(e.buf[:])
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, nil, fmt.Errorf("%w after %s", ErrTimeout, timeout)
		}
		return nil, nil, err
	}
	pkt, err := protocol.Decode(e.buf[:n])
	if err != nil {
		return nil, from, err
	}
	return pkt, from, nil
}

// Close releases the socket. Further calls on the Endpoint fail.
func (e *Endpoint) Close() error {
	return e.conn.Close()
}
