// Package pool runs many independent transfer sessions concurrently and
// aggregates their outcomes. Workers share nothing mutable: each owns its
// socket and engine, the policy is read-only, and every worker posts exactly
// one result on an internal channel.
package pool

import (
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	tnet "github.com/pion/transport/v4"
	"github.com/pion/transport/v4/stdnet"

	"github.com/1ureka/blockcast/internal/engine"
	"github.com/1ureka/blockcast/internal/shaping"
	"github.com/1ureka/blockcast/internal/transport"
	"github.com/1ureka/blockcast/internal/util"
)

// Options configures one benchmark run.
type Options struct {
	Workers    int
	LocalAddr  string // bind IP (and ignored port) for worker sockets; see below
	RemoteAddr string // the responder's accept address
	Name       string // resource name carried by each write request
	Payload    []byte
	ProfileID  int
	MaxRetries int
	Net        tnet.Net // socket factory; nil means the host network stack
}

// WorkerResult is the terminal outcome of one session.
type WorkerResult struct {
	Worker      int
	Bytes       int64
	Blocks      int
	Retransmits int
	Elapsed     time.Duration
	Err         error // nil on success
}

// Run resolves the policy, spawns opts.Workers independent sessions, and
// waits for all of them to reach a terminal state (or for ctx to expire, at
// which point stragglers terminate with transport-failure semantics).
//
// All workers bind the configured IP with an ephemeral port: binding one
// fixed port many times would need SO_REUSEPORT and make response demuxing
// ambiguous, while distinct source ports give each session its own transfer
// identity. Setup failures return before any worker starts; per-session
// failures only ever land in that worker's result.
func Run(ctx context.Context, opts Options) ([]WorkerResult, error) {
	if opts.Workers < 1 {
		return nil, fmt.Errorf("worker count must be at least 1, got %d", opts.Workers)
	}

	policy, err := shaping.Resolve(opts.ProfileID)
	if err != nil {
		return nil, err
	}

	nw := opts.Net
	if nw == nil {
		n, err := stdnet.NewNet()
		if err != nil {
			return nil, fmt.Errorf("network stack: %w", err)
		}
		nw = n
	}

	remote, err := nw.ResolveUDPAddr("udp", opts.RemoteAddr)
	if err != nil {
		return nil, fmt.Errorf("remote address %q: %w", opts.RemoteAddr, err)
	}
	bindAddr, err := ephemeralBind(opts.LocalAddr)
	if err != nil {
		return nil, err
	}

	util.LogDebug("starting %d workers, profile %q, %d-byte payload",
		opts.Workers, policy.Name(), len(opts.Payload))

	results := make(chan WorkerResult, opts.Workers)
	var wg sync.WaitGroup

	for i := 1; i <= opts.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			results <- runWorker(ctx, worker, nw, bindAddr, remote, policy, opts)
		}(i)
	}

	wg.Wait()
	close(results)

	out := make([]WorkerResult, 0, opts.Workers)
	for res := range results {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Worker < out[j].Worker })
	return out, nil
}

// runWorker runs one complete session and packages its outcome. It never
// returns early: every path produces exactly one WorkerResult.
func runWorker(ctx context.Context, worker int, nw tnet.Net, bindAddr string, remote net.Addr, policy shaping.Policy, opts Options) WorkerResult {
	start := time.Now()

	ep, err := transport.Open(nw, bindAddr)
	if err != nil {
		return WorkerResult{
			Worker:  worker,
			Elapsed: time.Since(start),
			Err:     fmt.Errorf("%w: %v", engine.ErrTransportFailure, err),
		}
	}
	defer ep.Close()

	sess := engine.New(engine.Config{
		Endpoint:   ep,
		Remote:     remote,
		Policy:     policy,
		Name:       opts.Name,
		Payload:    opts.Payload,
		MaxRetries: opts.MaxRetries,
	})
	err = sess.Run(ctx)

	return WorkerResult{
		Worker:      worker,
		Bytes:       sess.BytesAcked(),
		Blocks:      sess.BlocksAcked(),
		Retransmits: sess.Retransmits(),
		Elapsed:     time.Since(start),
		Err:         err,
	}
}

// ephemeralBind rewrites an "ip:port" (or bare ip) bind address to port 0.
func ephemeralBind(localAddr string) (string, error) {
	host, _, err := net.SplitHostPort(localAddr)
	if err != nil {
		// No port portion — treat the whole string as a host.
		host = localAddr
	}
	if host == "" && localAddr != "" && err == nil {
		return ":0", nil
	}
	if net.ParseIP(host) == nil {
		return "", fmt.Errorf("%w: invalid bind address %q", transport.ErrBind, localAddr)
	}
	return net.JoinHostPort(host, "0"), nil
}
