// Package shaping provides the id-keyed delay/loss profiles that shape a
// transfer's latency and retransmission behavior. Profiles live in a closed
// table built at init; unknown ids are rejected eagerly so a run never starts
// with an unresolved policy.
//
// Every decision is deterministic given (profile, packet, attempt): lossy
// profiles derive drops from an fnv hash keyed by a fixed seed, never from
// ambient randomness, so identical runs retransmit identically.
package shaping

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/1ureka/blockcast/internal/protocol"
)

// ErrUnknownProfile reports a profile id missing from the table.
var ErrUnknownProfile = errors.New("unknown delay profile")

// Policy maps protocol events to timing and delivery decisions.
type Policy interface {
	// Name returns the profile's human-readable name.
	Name() string

	// PreSendDelay is the time to wait before handing pkt to the transport
	// for its attempt-th transmission (first attempt is 0).
	PreSendDelay(pkt *protocol.Packet, attempt int) time.Duration

	// ShouldDrop reports whether this transmission is silently discarded
	// instead of delivered, simulating packet loss.
	ShouldDrop(pkt *protocol.Packet, attempt int) bool

	// NextTimeout is the receive deadline armed while awaiting the response
	// to the attempt-th transmission.
	NextTimeout(attempt int) time.Duration
}

// dropSeed keys the drop schedule of lossy profiles. Part of the reported
// benchmark configuration: equal seeds and inputs reproduce equal schedules.
const dropSeed uint32 = 0x1350

// profiles is the closed id table. Ids are opaque keys; numeric order does
// not imply severity order.
var profiles = map[int]Policy{
	0:  passthrough{},
	1:  lan{},
	13: lossy{seed: dropSeed},
}

// Resolve looks a profile id up in the table. It is called once per run,
// before any session starts.
func Resolve(id int) (Policy, error) {
	p, ok := profiles[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownProfile, id)
	}
	return p, nil
}

// ---------------------------------------------------------------------------
// Profile 0 — passthrough
// ---------------------------------------------------------------------------

// passthrough adds no delay and drops nothing. The baseline profile.
type passthrough struct{}

func (passthrough) Name() string { return "passthrough" }

func (passthrough) PreSendDelay(*protocol.Packet, int) time.Duration { return 0 }

func (passthrough) ShouldDrop(*protocol.Packet, int) bool { return false }

func (passthrough) NextTimeout(int) time.Duration { return time.Second }

// ---------------------------------------------------------------------------
// Profile 1 — lan
// ---------------------------------------------------------------------------

// lan emulates an uncongested local network: a fixed 1ms serialization delay
// per transmission, no loss, and a tight fixed timeout.
type lan struct{}

func (lan) Name() string { return "lan" }

func (lan) PreSendDelay(*protocol.Packet, int) time.Duration { return time.Millisecond }

func (lan) ShouldDrop(*protocol.Packet, int) bool { return false }

func (lan) NextTimeout(int) time.Duration { return 200 * time.Millisecond }

// ---------------------------------------------------------------------------
// Profile 13 — lossy
// ---------------------------------------------------------------------------

const (
	lossyBaseTimeout = 100 * time.Millisecond
	lossyMaxTimeout  = 1600 * time.Millisecond
)

// lossy drops roughly one in eight first transmissions of DATA blocks and
// backs its timeout off exponentially. Retransmissions always pass, so every
// block converges after at most one extra round trip.
type lossy struct {
	seed uint32
}

func (lossy) Name() string { return "lossy" }

func (lossy) PreSendDelay(*protocol.Packet, int) time.Duration { return 0 }

func (l lossy) ShouldDrop(pkt *protocol.Packet, attempt int) bool {
	if pkt.Op != protocol.OpData || attempt > 0 {
		return false
	}
	var key [6]byte
	binary.BigEndian.PutUint32(key[0:4], l.seed)
	binary.BigEndian.PutUint16(key[4:6], pkt.Block)
	h := fnv.New32a()
	h.Write(key[:])
	return h.Sum32()%8 == 0
}

func (lossy) NextTimeout(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	d := lossyBaseTimeout << uint(attempt)
	if d <= 0 || d > lossyMaxTimeout {
		return lossyMaxTimeout
	}
	return d
}
