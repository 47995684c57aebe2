// Blockcast — CLI entry point.
//
// This tool benchmarks a block-oriented reliable transfer protocol over UDP:
// it fetches a payload over HTTP, then pushes it to a remote responder from
// W concurrent sessions, with retransmission/latency behavior shaped by a
// selectable delay profile (-d).
//
//	blockcast [-d profile] [-w workers] [flags] <localAddr> <remoteAddr> <sourceUrl>
//	blockcast -serve <listenAddr>
package main

import (
	"context"
	"flag"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"path"
	"time"

	"github.com/pion/transport/v4/stdnet"
	"github.com/pterm/pterm"

	"github.com/1ureka/blockcast/internal/engine"
	"github.com/1ureka/blockcast/internal/fetch"
	"github.com/1ureka/blockcast/internal/pool"
	"github.com/1ureka/blockcast/internal/responder"
	"github.com/1ureka/blockcast/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	profileID := flag.Int("d", 0, "Delay profile id (0, 1, or 13)")
	workers := flag.Int("w", 1, "Concurrent worker sessions")
	retries := flag.Int("retries", engine.DefaultMaxRetries, "Retransmissions allowed per block")
	deadline := flag.Duration("deadline", 0, "Run deadline (0 = none)")
	serveAddr := flag.String("serve", "", "Run as responder, listening on this address")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Blockcast — v%s", version))
	pterm.Println()

	if *serveAddr != "" {
		runServe(ctx, *serveAddr)
		return
	}

	if flag.NArg() != 3 {
		util.LogError("usage: blockcast [flags] <localAddr> <remoteAddr> <sourceUrl>")
		os.Exit(1)
	}
	if *workers < 1 {
		util.LogError("invalid -w: worker count must be at least 1")
		os.Exit(1)
	}
	if *retries < 0 {
		util.LogError("invalid -retries: must not be negative")
		os.Exit(1)
	}

	runBenchmark(ctx, benchmarkArgs{
		localAddr:  flag.Arg(0),
		remoteAddr: flag.Arg(1),
		sourceURL:  flag.Arg(2),
		profileID:  *profileID,
		workers:    *workers,
		retries:    *retries,
		deadline:   *deadline,
	})
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runServe runs the responder until interrupted.
func runServe(ctx context.Context, listenAddr string) {
	nw, err := stdnet.NewNet()
	if err != nil {
		util.LogError("network stack: %v", err)
		os.Exit(1)
	}

	r, err := responder.New(nw, listenAddr)
	if err != nil {
		util.LogError("failed to start responder: %v", err)
		os.Exit(1)
	}
	defer r.Close()

	var received int
	if err := r.Serve(ctx, func(string, []byte) { received++ }); err != nil {
		util.LogError("responder stopped: %v", err)
		os.Exit(1)
	}
	util.LogInfo("responder shut down after %d completed transfers", received)
}

type benchmarkArgs struct {
	localAddr  string
	remoteAddr string
	sourceURL  string
	profileID  int
	workers    int
	retries    int
	deadline   time.Duration
}

// runBenchmark fetches the payload, runs the worker matrix, and reports.
func runBenchmark(ctx context.Context, args benchmarkArgs) {
	if args.deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, args.deadline)
		defer cancel()
	}

	payload, err := fetch.Payload(ctx, args.sourceURL)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("fetched %d-byte payload from %s", len(payload), args.sourceURL)

	util.StartStatsReporter(ctx)

	start := time.Now()
	results, err := pool.Run(ctx, pool.Options{
		Workers:    args.workers,
		LocalAddr:  args.localAddr,
		RemoteAddr: args.remoteAddr,
		Name:       resourceName(args.sourceURL),
		Payload:    payload,
		ProfileID:  args.profileID,
		MaxRetries: args.retries,
	})
	if err != nil {
		util.LogError("run setup failed: %v", err)
		os.Exit(1)
	}
	elapsed := time.Since(start)

	report(results, elapsed)
}

// ---------------------------------------------------------------------------
// Reporting
// ---------------------------------------------------------------------------

// report prints per-worker outcomes and the run summary, then exits with 0
// only if every worker succeeded.
func report(results []pool.WorkerResult, elapsed time.Duration) {
	var (
		failed     int
		totalBytes int64
		totalRetr  int
	)

	for _, res := range results {
		totalBytes += res.Bytes
		totalRetr += res.Retransmits
		if res.Err != nil {
			failed++
			util.LogError("worker %d: %s: %v", res.Worker, engine.Kind(res.Err), res.Err)
			continue
		}
		util.LogDebug("worker %d: %d bytes in %s (%d retransmits)",
			res.Worker, res.Bytes, res.Elapsed.Round(time.Millisecond), res.Retransmits)
	}

	rate := float64(totalBytes) / elapsed.Seconds()
	util.LogInfo("%d/%d workers complete | %s in %s | %s/s | %d retransmits",
		len(results)-failed, len(results), util.FormatBytes(float64(totalBytes)),
		elapsed.Round(time.Millisecond), util.FormatBytes(rate), totalRetr)

	if failed > 0 {
		os.Exit(1)
	}
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// resourceName derives the name carried by the write request from the source
// URL's path.
func resourceName(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Path == "" || u.Path == "/" {
		return "payload"
	}
	return path.Base(u.Path)
}
