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

// Stats is the process-wide session/frame counter.
var Stats = &stats{}

type stats struct {
	SessionsOpened atomic.Int64 // cumulative count of signaling sessions accepted
	SessionsClosed atomic.Int64 // cumulative count of sessions that reached Closed
	FramesCaptured atomic.Int64 // cumulative frames read from the capture device
	FramesDropped  atomic.Int64 // cumulative capture failures substituted with a blank frame
}

func (s *stats) AddSession()    { s.SessionsOpened.Add(1) }
func (s *stats) RemoveSession() { s.SessionsClosed.Add(1) }
func (s *stats) AddFrame()      { s.FramesCaptured.Add(1) }
func (s *stats) AddDropped()    { s.FramesDropped.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs streaming statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevFrames, prevDropped, prevOpened, prevClosed int64
		for {
			select {
			case <-ticker.C:
				opened := Stats.SessionsOpened.Load()
				closed := Stats.SessionsClosed.Load()
				frames := Stats.FramesCaptured.Load()
				dropped := Stats.FramesDropped.Load()

				fps := float64(frames-prevFrames) / 10.0
				dps := float64(dropped-prevDropped) / 10.0
				inS := opened - prevOpened
				outS := closed - prevClosed

				if inS > 0 || outS > 0 || fps > 0 || dps > 0 {
					pterm.DefaultLogger.Info(formatStats(fps, dps, inS, outS))
				}

				prevFrames = frames
				prevDropped = dropped
				prevOpened = opened
				prevClosed = closed

			case <-ctx.Done():
				return
			}
		}
	}()
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(fps, dps float64, inS, outS int64) string {
	return fmt.Sprintf("Frames: %5.1f/s (%.1f/s dropped) | Sessions: %2d↑ %2d↓",
		fps,
		dps,
		inS,
		outS,
	)
}
