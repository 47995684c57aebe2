// Package responder implements the receiving peer of a blockcast transfer.
// It accepts write requests on a fixed port and runs each transfer on its
// own ephemeral socket, so the reply source port identifies the transfer and
// concurrent sessions from the same host never mix.
package responder

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	tnet "github.com/pion/transport/v4"

	"github.com/1ureka/blockcast/internal/protocol"
	"github.com/1ureka/blockcast/internal/transport"
	"github.com/1ureka/blockcast/internal/util"
)

const (
	// acceptPoll bounds how long the accept loop blocks before rechecking
	// its context.
	acceptPoll = 500 * time.Millisecond

	// transferTimeout is the per-receive inactivity deadline of one transfer.
	transferTimeout = time.Second

	// maxIdleReceives is how many consecutive inactivity deadlines a
	// transfer survives before it is abandoned.
	maxIdleReceives = 8

	// finalAckRepeats is how many copies of the final block's ack are sent.
	// That ack is never acknowledged itself, so extra copies keep a single
	// lost datagram from stranding the sender in its retry loop.
	finalAckRepeats = 4
)

// DeliverFunc receives each fully reassembled payload.
type DeliverFunc func(name string, data []byte)

// Responder accepts write requests and reassembles pushed payloads.
type Responder struct {
	nw   tnet.Net
	ep   *transport.Endpoint
	host string // listener host, reused for per-transfer ephemeral binds

	mu     sync.Mutex
	active map[string]struct{} // peers with a transfer in flight
}

// New binds the accept socket on listenAddr ("ip:port"). The returned
// Responder is not serving yet; call Serve.
func New(nw tnet.Net, listenAddr string) (*Responder, error) {
	ep, err := transport.Open(nw, listenAddr)
	if err != nil {
		return nil, err
	}
	host, _, err := net.SplitHostPort(ep.LocalAddr().String())
	if err != nil {
		ep.Close()
		return nil, fmt.Errorf("listener address %q: %w", ep.LocalAddr(), err)
	}
	return &Responder{
		nw:     nw,
		ep:     ep,
		host:   host,
		active: make(map[string]struct{}),
	}, nil
}

// Addr returns the accept socket's bound address.
func (r *Responder) Addr() net.Addr {
	return r.ep.LocalAddr()
}

// Close releases the accept socket. In-flight transfers finish on their own
// sockets.
func (r *Responder) Close() error {
	return r.ep.Close()
}

// Serve runs the accept loop until ctx is cancelled. Each write request
// spawns a goroutine-local transfer; deliver is called once per completed
// payload and must be safe for concurrent use.
func (r *Responder) Serve(ctx context.Context, deliver DeliverFunc) error {
	util.LogInfo("responder listening on %s", r.ep.LocalAddr())

	for {
		if ctx.Err() != nil {
			return nil
		}

		pkt, from, err := r.ep.Receive(acceptPoll)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			continue
		case errors.Is(err, protocol.ErrMalformedPacket):
			util.LogDebug("responder: dropping undecodable datagram from %s: %v", from, err)
			continue
		default:
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("responder accept: %w", err)
		}

		switch pkt.Op {
		case protocol.OpWrite:
			if !r.track(from) {
				// Retransmitted request for a transfer already in flight;
				// its own socket will re-ack.
				util.LogDebug("responder: duplicate write request from %s", from)
				continue
			}
			go func(name string, peer net.Addr) {
				defer r.untrack(peer)
				r.runTransfer(ctx, name, peer, deliver)
			}(pkt.Name, from)

		case protocol.OpRead:
			// The benchmark only pushes; reads are refused outright.
			r.reject(from, protocol.ErrCodeIllegalOp, "read requests not supported")

		default:
			util.LogDebug("responder: ignoring opcode %d from %s outside a transfer", pkt.Op, from)
		}
	}
}

// ---------------------------------------------------------------------------
// Per-transfer state
// ---------------------------------------------------------------------------

// runTransfer owns one push transfer end-to-end: handshake ack, in-order
// block collection with duplicate re-acking, and delivery of the assembled
// payload when the short block arrives.
func (r *Responder) runTransfer(ctx context.Context, name string, peer net.Addr, deliver DeliverFunc) {
	ep, err := transport.Open(r.nw, net.JoinHostPort(r.host, "0"))
	if err != nil {
		util.LogError("responder: transfer socket: %v", err)
		return
	}
	defer ep.Close()

	// Accept the write request.
	if err := ep.Send(&protocol.Packet{Op: protocol.OpAck, Block: 0}, peer); err != nil {
		util.LogError("responder: handshake ack to %s: %v", peer, err)
		return
	}

	var (
		assembled []byte
		expected  uint16 = 1
		idle      int
	)

	for {
		if ctx.Err() != nil {
			return
		}

		pkt, from, err := ep.Receive(transferTimeout)
		switch {
		case err == nil:
		case errors.Is(err, transport.ErrTimeout):
			idle++
			if idle > maxIdleReceives {
				util.LogWarning("responder: abandoning idle transfer %q from %s", name, peer)
				return
			}
			// Re-ack the last accepted block in case our ack was lost.
			if err := ep.Send(&protocol.Packet{Op: protocol.OpAck, Block: expected - 1}, peer); err != nil {
				util.LogError("responder: re-ack to %s: %v", peer, err)
				return
			}
			continue
		case errors.Is(err, protocol.ErrMalformedPacket):
			util.LogDebug("responder: undecodable datagram during transfer %q: %v", name, err)
			continue
		default:
			util.LogError("responder: transfer %q receive: %v", name, err)
			return
		}

		if from.String() != peer.String() {
			util.LogDebug("responder: ignoring datagram from unexpected source %s", from)
			continue
		}

		switch pkt.Op {
		case protocol.OpData:
			if pkt.Block != expected {
				// Retransmission of a block we already hold — re-ack it
				// without appending so duplicates never corrupt the payload.
				util.LogDebug("responder: re-acking duplicate block %d (expected %d)", pkt.Block, expected)
				if err := ep.Send(&protocol.Packet{Op: protocol.OpAck, Block: pkt.Block}, peer); err != nil {
					util.LogError("responder: re-ack to %s: %v", peer, err)
					return
				}
				continue
			}

			idle = 0
			assembled = append(assembled, pkt.Payload...)
			ack := &protocol.Packet{Op: protocol.OpAck, Block: pkt.Block}
			if err := ep.Send(ack, peer); err != nil {
				util.LogError("responder: ack to %s: %v", peer, err)
				return
			}
			expected++ // wraps with the field width

			if len(pkt.Payload) < protocol.MaxBlockSize {
				for i := 1; i < finalAckRepeats; i++ {
					if err := ep.Send(ack, peer); err != nil {
						break
					}
				}
				util.LogInfo("responder: received %q (%d bytes) from %s", name, len(assembled), peer)
				deliver(name, assembled)
				return
			}

		case protocol.OpError:
			util.LogWarning("responder: peer aborted transfer %q: %d: %s", name, pkt.ErrCode, pkt.ErrMsg)
			return

		default:
			util.LogDebug("responder: ignoring opcode %d during transfer %q", pkt.Op, name)
		}
	}
}

// track marks a peer as having a transfer in flight. Reports false if one is
// already running for that peer.
func (r *Responder) track(peer net.Addr) bool {
	key := peer.String()
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.active[key]; ok {
		return false
	}
	r.active[key] = struct{}{}
	return true
}

func (r *Responder) untrack(peer net.Addr) {
	r.mu.Lock()
	delete(r.active, peer.String())
	r.mu.Unlock()
}

// reject answers a request with a terminal error packet from the accept
// socket.
func (r *Responder) reject(peer net.Addr, code uint16, msg string) {
	if err := r.ep.Send(&protocol.Packet{Op: protocol.OpError, ErrCode: code, ErrMsg: msg}, peer); err != nil {
		util.LogDebug("responder: error reply to %s: %v", peer, err)
	}
}
