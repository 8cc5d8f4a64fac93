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

// Stats is the process-wide signaling/media counter.
var Stats = &stats{}

type stats struct {
	MessagesSent     atomic.Int64 // signaling messages handed to the relay
	MessagesRecv     atomic.Int64 // signaling messages received from the relay
	CandidatesQueued atomic.Int64 // remote candidates buffered before the remote description
	CandidatesFlush  atomic.Int64 // buffered candidates applied after the remote description
	CandidatesDrop   atomic.Int64 // local candidates dropped for lack of a remote peer
	SessionsStarted  atomic.Int64
	SessionsEnded    atomic.Int64
	MediaBytesRecv   atomic.Int64 // RTP payload bytes drained by remote sinks
}

func (s *stats) AddSent()           { s.MessagesSent.Add(1) }
func (s *stats) AddRecv()           { s.MessagesRecv.Add(1) }
func (s *stats) AddQueued()         { s.CandidatesQueued.Add(1) }
func (s *stats) AddFlushed(n int)   { s.CandidatesFlush.Add(int64(n)) }
func (s *stats) AddDropped()        { s.CandidatesDrop.Add(1) }
func (s *stats) AddSession()        { s.SessionsStarted.Add(1) }
func (s *stats) RemoveSession()     { s.SessionsEnded.Add(1) }
func (s *stats) AddMediaRecv(n int) { s.MediaBytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs call statistics every
// 10 seconds while anything changes. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevMedia int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.MessagesSent.Load()
				recv := Stats.MessagesRecv.Load()
				media := Stats.MediaBytesRecv.Load()

				if sent != prevSent || recv != prevRecv || media != prevMedia {
					rate := float64(media-prevMedia) / 10.0
					pterm.DefaultLogger.Info(formatStats(sent-prevSent, recv-prevRecv, rate))
				}

				prevSent = sent
				prevRecv = recv
				prevMedia = media

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the signaling deltas and media
// rate for display in the logger.
func formatStats(sent, recv int64, mediaRate float64) string {
	return fmt.Sprintf("Signal: %3d↑ %3d↓ | Media: %s/s | Candidates: %d queued, %d flushed, %d dropped",
		sent,
		recv,
		formatBytes(mediaRate),
		Stats.CandidatesQueued.Load(),
		Stats.CandidatesFlush.Load(),
		Stats.CandidatesDrop.Load(),
	)
}
