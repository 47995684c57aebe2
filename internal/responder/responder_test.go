package responder_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	tnet "github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/blockcast/internal/engine"
	"github.com/1ureka/blockcast/internal/protocol"
	"github.com/1ureka/blockcast/internal/responder"
	"github.com/1ureka/blockcast/internal/shaping"
	"github.com/1ureka/blockcast/internal/transport"
)

type delivered struct {
	name string
	data []byte
}

func startResponder(t *testing.T, nw tnet.Net) (*responder.Responder, <-chan delivered) {
	t.Helper()

	r, err := responder.New(nw, "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	out := make(chan delivered, 32)
	go func() {
		_ = r.Serve(ctx, func(name string, data []byte) {
			out <- delivered{name: name, data: data}
		})
	}()

	return r, out
}

func loopbackNet(t *testing.T) tnet.Net {
	t.Helper()
	nw, err := stdnet.NewNet()
	require.NoError(t, err)
	return nw
}

func TestPushTransferIsDeliveredOnce(t *testing.T) {
	nw := loopbackNet(t)
	r, out := startResponder(t, nw)

	payload := make([]byte, 1300)
	for i := range payload {
		payload[i] = byte(i)
	}

	ep, err := transport.Open(nw, "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	policy, err := shaping.Resolve(0)
	require.NoError(t, err)

	sess := engine.New(engine.Config{
		Endpoint:   ep,
		Remote:     r.Addr(),
		Policy:     policy,
		Name:       "push.bin",
		Payload:    payload,
		MaxRetries: engine.DefaultMaxRetries,
	})
	require.NoError(t, sess.Run(context.Background()))

	got := <-out
	assert.Equal(t, "push.bin", got.name)
	assert.Equal(t, payload, got.data)

	select {
	case extra := <-out:
		t.Fatalf("payload delivered twice: %q", extra.name)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRetransmittedBlockIsReackedNotReappended(t *testing.T) {
	nw := loopbackNet(t)
	r, out := startResponder(t, nw)

	ep, err := transport.Open(nw, "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	// Handshake.
	require.NoError(t, ep.Send(&protocol.Packet{Op: protocol.OpWrite, Name: "dup.bin", Mode: protocol.ModeOctet}, r.Addr()))
	ack, peer, err := ep.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, protocol.OpAck, ack.Op)
	require.Equal(t, uint16(0), ack.Block)

	// Block 1, then the same block again as if our ack never arrived.
	block1 := &protocol.Packet{Op: protocol.OpData, Block: 1, Payload: make([]byte, protocol.MaxBlockSize)}
	require.NoError(t, ep.Send(block1, peer))
	ack, _, err = ep.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, uint16(1), ack.Block)

	require.NoError(t, ep.Send(block1, peer))
	ack, _, err = ep.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ack.Block, "duplicate block must be re-acked")

	// Short block finishes the transfer.
	require.NoError(t, ep.Send(&protocol.Packet{Op: protocol.OpData, Block: 2, Payload: []byte("end")}, peer))
	ack, _, err = ep.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, uint16(2), ack.Block)

	got := <-out
	assert.Len(t, got.data, protocol.MaxBlockSize+3, "duplicate block must not be appended twice")
}

func TestFinalBlockAckIsRepeated(t *testing.T) {
	nw := loopbackNet(t)
	r, out := startResponder(t, nw)

	ep, err := transport.Open(nw, "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	// Handshake.
	require.NoError(t, ep.Send(&protocol.Packet{Op: protocol.OpWrite, Name: "final.bin", Mode: protocol.ModeOctet}, r.Addr()))
	ack, peer, err := ep.Receive(2 * time.Second)
	require.NoError(t, err)
	require.Equal(t, uint16(0), ack.Block)

	// The single short block ends the transfer. Its ack must arrive in
	// several copies, so a sender whose first copy is lost still sees one
	// instead of burning its retry budget against a closed socket.
	require.NoError(t, ep.Send(&protocol.Packet{Op: protocol.OpData, Block: 1, Payload: []byte("fin")}, peer))
	for i := 0; i < 4; i++ {
		ack, _, err = ep.Receive(2 * time.Second)
		require.NoError(t, err, "copy %d of the final ack", i+1)
		assert.Equal(t, protocol.OpAck, ack.Op)
		assert.Equal(t, uint16(1), ack.Block)
	}

	got := <-out
	assert.Equal(t, []byte("fin"), got.data)
}

func TestBlockNumbersWrapAcrossTransfer(t *testing.T) {
	if testing.Short() {
		t.Skip("pushes a 32 MiB payload block by block")
	}

	nw := loopbackNet(t)
	r, out := startResponder(t, nw)

	// 65535 full blocks, then a short block: the short block's number wraps
	// to 0 and both sides must advance through 65535 -> 0 to finish.
	payload := make([]byte, 65535*protocol.MaxBlockSize+3)
	for i := range payload {
		payload[i] = byte(i % 239)
	}

	ep, err := transport.Open(nw, "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	policy, err := shaping.Resolve(0)
	require.NoError(t, err)

	sess := engine.New(engine.Config{
		Endpoint:   ep,
		Remote:     r.Addr(),
		Policy:     policy,
		Name:       "wrap.bin",
		Payload:    payload,
		MaxRetries: engine.DefaultMaxRetries,
	})
	require.NoError(t, sess.Run(context.Background()))

	assert.Equal(t, 65536, sess.BlocksAcked())
	assert.Equal(t, int64(len(payload)), sess.BytesAcked())

	got := <-out
	require.Len(t, got.data, len(payload))
	assert.True(t, bytes.Equal(payload, got.data), "reassembled payload differs from the pushed one")
}

func TestTransferUsesDedicatedSocket(t *testing.T) {
	nw := loopbackNet(t)
	r, _ := startResponder(t, nw)

	ep, err := transport.Open(nw, "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	require.NoError(t, ep.Send(&protocol.Packet{Op: protocol.OpWrite, Name: "tid.bin", Mode: protocol.ModeOctet}, r.Addr()))
	_, peer, err := ep.Receive(2 * time.Second)
	require.NoError(t, err)

	assert.NotEqual(t, r.Addr().String(), peer.String(),
		"handshake ack must come from a per-transfer socket, not the accept socket")
}

func TestReadRequestIsRejected(t *testing.T) {
	nw := loopbackNet(t)
	r, _ := startResponder(t, nw)

	ep, err := transport.Open(nw, "127.0.0.1:0")
	require.NoError(t, err)
	defer ep.Close()

	require.NoError(t, ep.Send(&protocol.Packet{Op: protocol.OpRead, Name: "any.bin", Mode: protocol.ModeOctet}, r.Addr()))

	pkt, _, err := ep.Receive(2 * time.Second)
	require.NoError(t, err)
	assert.Equal(t, protocol.OpError, pkt.Op)
	assert.Equal(t, protocol.ErrCodeIllegalOp, pkt.ErrCode)
}

func TestConcurrentTransfersFromDistinctSockets(t *testing.T) {
	nw := loopbackNet(t)
	r, out := startResponder(t, nw)

	policy, err := shaping.Resolve(0)
	require.NoError(t, err)

	const senders = 4
	payload := make([]byte, 900)
	for i := range payload {
		payload[i] = 0xA5
	}

	errs := make(chan error, senders)
	for i := 0; i < senders; i++ {
		go func() {
			ep, err := transport.Open(nw, "127.0.0.1:0")
			if err != nil {
				errs <- err
				return
			}
			defer ep.Close()

			sess := engine.New(engine.Config{
				Endpoint:   ep,
				Remote:     r.Addr(),
				Policy:     policy,
				Name:       "many.bin",
				Payload:    payload,
				MaxRetries: engine.DefaultMaxRetries,
			})
			errs <- sess.Run(context.Background())
		}()
	}

	for i := 0; i < senders; i++ {
		require.NoError(t, <-errs)
	}
	for i := 0; i < senders; i++ {
		got := <-out
		assert.Equal(t, payload, got.data)
	}
}
