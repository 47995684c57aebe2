// Package engine implements the per-session transfer state machine: one
// write request, then stop-and-wait data blocks with timeout-based
// retransmission, shaped by the active delay/loss policy.
//
// A session is goroutine-local. It exclusively owns its transport endpoint
// and mutates no state shared with other sessions; the policy it holds is
// read-only.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/1ureka/blockcast/internal/protocol"
	"github.com/1ureka/blockcast/internal/shaping"
	"github.com/1ureka/blockcast/internal/transport"
	"github.com/1ureka/blockcast/internal/util"
)

// DefaultMaxRetries is the per-block retransmission budget used when the
// caller does not override it.
const DefaultMaxRetries = 8

// Config carries everything a session needs. All fields are required;
// MaxRetries of 0 means the session fails on the first timeout.
type Config struct {
	Endpoint   *transport.Endpoint
	Remote     net.Addr // where the write request goes
	Policy     shaping.Policy
	Name       string // resource name carried by the write request
	Payload    []byte
	MaxRetries int
}

// Session runs one complete push transfer to a terminal state. Create with
// New, drive with Run, then inspect the outcome through the accessors.
type Session struct {
	ep         *transport.Endpoint
	remote     net.Addr
	policy     shaping.Policy
	name       string
	payload    []byte
	maxRetries int

	state     State
	requested bool   // write request acknowledged, remote locked to its transfer socket
	block     uint16 // block number of the packet in flight (0 while requesting)
	offset    int    // payload bytes already acknowledged
	retries   int    // consecutive timeouts for the in-flight packet
	err       error

	bytesAcked  int64
	blocksAcked int
	retransmits int
}

// New creates a session in StateInit. It performs no I/O.
func New(cfg Config) *Session {
	return &Session{
		ep:         cfg.Endpoint,
		remote:     cfg.Remote,
		policy:     cfg.Policy,
		name:       cfg.Name,
		payload:    cfg.Payload,
		maxRetries: cfg.MaxRetries,
		state:      StateInit,
	}
}

// ---------------------------------------------------------------------------
// Accessors
// ---------------------------------------------------------------------------

// State returns the session's current (after Run: terminal) state.
func (s *Session) State() State { return s.state }

// BytesAcked returns the payload bytes acknowledged by the peer so far.
func (s *Session) BytesAcked() int64 { return s.bytesAcked }

// BlocksAcked returns the count of distinct data blocks acknowledged.
func (s *Session) BlocksAcked() int { return s.blocksAcked }

// Retransmits returns the count of retransmissions performed.
func (s *Session) Retransmits() int { return s.retransmits }

// ---------------------------------------------------------------------------
// State machine
// ---------------------------------------------------------------------------

// Run drives the session to a terminal state and returns its terminal error
// (nil on Complete). A session must not be reused.
func (s *Session) Run(ctx context.Context) error {
	if s.state != StateInit {
		return fmt.Errorf("%w: session already run", ErrProtocolViolation)
	}
	s.state = StateSending

	for {
		if err := ctx.Err(); err != nil && s.state != StateComplete && s.state != StateFailed {
			s.fail(fmt.Errorf("%w: run cancelled: %v", ErrTransportFailure, err))
		}

		switch s.state {
		case StateSending:
			s.stepSending(ctx)
		case StateAwaitingAck:
			s.stepAwaitingAck(ctx)
		case StateRetransmitting:
			s.stepRetransmitting()
		case StateComplete:
			return nil
		case StateFailed:
			return s.err
		}
	}
}

// stepSending constructs the in-flight packet (write request first, data
// blocks thereafter), applies the policy's pre-send delay and drop decision,
// and hands the packet to the transport.
func (s *Session) stepSending(ctx context.Context) {
	pkt := s.nextPacket()

	if d := s.policy.PreSendDelay(pkt, s.retries); d > 0 {
		if err := sleep(ctx, d); err != nil {
			s.fail(fmt.Errorf("%w: run cancelled: %v", ErrTransportFailure, err))
			return
		}
	}

	if s.policy.ShouldDrop(pkt, s.retries) {
		// Simulated loss: the packet is silently not delivered, but the
		// ack timeout is still armed so the retry path engages.
		util.LogDebug("[%s] policy dropped block %d (attempt %d)", s.ep.LocalAddr(), pkt.Block, s.retries)
		s.state = StateAwaitingAck
		return
	}

	if err := s.ep.Send(pkt, s.remote); err != nil {
		s.fail(fmt.Errorf("%w: %v", ErrTransportFailure, err))
		return
	}
	if pkt.Op == protocol.OpData {
		util.Stats.AddBlockSent()
	}
	s.state = StateAwaitingAck
}

// stepAwaitingAck arms the policy's timeout and waits for the matching
// acknowledge. Stale acknowledges and foreign-source datagrams are ignored.
func (s *Session) stepAwaitingAck(ctx context.Context) {
	timeout := s.policy.NextTimeout(s.retries)
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < timeout {
			timeout = rem
		}
		if timeout <= 0 {
			s.fail(fmt.Errorf("%w: run deadline reached", ErrTransportFailure))
			return
		}
	}

	pkt, from, err := s.ep.Receive(timeout)
	switch {
	case err == nil:
	case errors.Is(err, transport.ErrTimeout):
		s.state = StateRetransmitting
		return
	case errors.Is(err, protocol.ErrMalformedPacket):
		// Garbage from the locked peer is a violation; garbage from anyone
		// else is stray traffic, same as a well-formed foreign datagram.
		if s.requested && from != nil && from.String() != s.remote.String() {
			util.LogDebug("[%s] ignoring undecodable datagram from %s", s.ep.LocalAddr(), from)
			return
		}
		s.fail(fmt.Errorf("%w: %v", ErrProtocolViolation, err))
		return
	default:
		s.fail(fmt.Errorf("%w: %v", ErrTransportFailure, err))
		return
	}

	// After the handshake the peer's transfer socket owns the conversation;
	// datagrams from anywhere else are stale traffic from reused ports.
	if s.requested && from.String() != s.remote.String() {
		util.LogDebug("[%s] ignoring datagram from unexpected source %s", s.ep.LocalAddr(), from)
		return
	}

	switch pkt.Op {
	case protocol.OpAck:
		s.handleAck(pkt, from)
	case protocol.OpError:
		s.fail(fmt.Errorf("%w: peer error %d: %s", ErrProtocolViolation, pkt.ErrCode, pkt.ErrMsg))
	default:
		s.fail(fmt.Errorf("%w: unexpected opcode %d while awaiting ack", ErrProtocolViolation, pkt.Op))
	}
}

// stepRetransmitting spends one unit of the retry budget and re-enters
// Sending with the block number unchanged, or fails the session.
func (s *Session) stepRetransmitting() {
	s.retries++
	if s.retries > s.maxRetries {
		s.fail(fmt.Errorf("%w: block %d after %d attempts", ErrRetryExhausted, s.block, s.retries))
		return
	}
	s.retransmits++
	util.Stats.AddRetransmit()
	util.LogDebug("[%s] retransmitting block %d (retry %d of %d)", s.ep.LocalAddr(), s.block, s.retries, s.maxRetries)
	s.state = StateSending
}

// handleAck advances the transfer on an exact block match. Anything else is
// ignored without a state change, so duplicate acks never double-advance.
func (s *Session) handleAck(pkt *protocol.Packet, from net.Addr) {
	if !s.requested {
		if pkt.Block != 0 {
			util.LogDebug("[%s] ignoring ack %d before handshake", s.ep.LocalAddr(), pkt.Block)
			return
		}
		// Handshake accepted. The ack's source is the peer's per-transfer
		// socket; all further traffic goes there.
		s.remote = from
		s.requested = true
		s.block = 1
		s.retries = 0
		s.state = StateSending
		return
	}

	if pkt.Block != s.block {
		util.LogDebug("[%s] ignoring stale ack %d (in flight: %d)", s.ep.LocalAddr(), pkt.Block, s.block)
		return
	}

	n := len(s.chunk())
	s.offset += n
	s.bytesAcked += int64(n)
	s.blocksAcked++
	s.retries = 0
	util.Stats.AddBlockAcked()
	util.Stats.AddAcked(n)

	if n < protocol.MaxBlockSize {
		// The short block is the end-of-transfer signal; its ack completes
		// the session.
		s.state = StateComplete
		return
	}
	s.block++ // wraps modulo 2^16 with the field width
	s.state = StateSending
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// nextPacket builds the packet for the current position: the write request
// until it is acknowledged, data blocks thereafter.
func (s *Session) nextPacket() *protocol.Packet {
	if !s.requested {
		return &protocol.Packet{Op: protocol.OpWrite, Name: s.name, Mode: protocol.ModeOctet}
	}
	return &protocol.Packet{Op: protocol.OpData, Block: s.block, Payload: s.chunk()}
}

// chunk returns the unacknowledged payload slice for the in-flight block:
// up to MaxBlockSize bytes, empty once the payload is fully covered (the
// trailing empty block that terminates exact-multiple payloads).
func (s *Session) chunk() []byte {
	end := s.offset + protocol.MaxBlockSize
	if end > len(s.payload) {
		end = len(s.payload)
	}
	return s.payload[s.offset:end]
}

func (s *Session) fail(err error) {
	s.err = err
	s.state = StateFailed
}

// sleep waits d or until ctx is cancelled.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
