package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide transfer counter. Sessions only ever add to it;
// it is read by the periodic reporter and the end-of-run summary.
var Stats = &stats{}

type stats struct {
	BlocksSent  atomic.Int64 // cumulative DATA blocks handed to the transport
	BlocksAcked atomic.Int64 // cumulative DATA blocks acknowledged
	Retransmits atomic.Int64 // cumulative retransmissions across all sessions
	BytesAcked  atomic.Int64 // cumulative payload bytes acknowledged
}

func (s *stats) AddBlockSent()   { s.BlocksSent.Add(1) }
func (s *stats) AddBlockAcked()  { s.BlocksAcked.Add(1) }
func (s *stats) AddRetransmit()  { s.Retransmits.Add(1) }
func (s *stats) AddAcked(n int)  { s.BytesAcked.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

const reportInterval = 2 * time.Second

// StartStatsReporter launches a goroutine that logs transfer statistics
// every 2 seconds while a run is in flight. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(reportInterval)
		defer ticker.Stop()

		var prevAcked, prevRetr int64
		for {
			select {
			case <-ticker.C:
				acked := Stats.BytesAcked.Load()
				retr := Stats.Retransmits.Load()

				rate := float64(acked-prevAcked) / reportInterval.Seconds()
				if acked != prevAcked || retr != prevRetr {
					pterm.DefaultLogger.Info(fmt.Sprintf("Throughput: %s/s | Retransmits: %3d",
						FormatBytes(rate), retr-prevRetr))
				}

				prevAcked = acked
				prevRetr = retr

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// FormatBytes formats a byte count into a human-readable string with fixed width
// (exactly 8 chars), for example: "99.0   B", " 1.5 KiB", "98.9 GiB".
func FormatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}
