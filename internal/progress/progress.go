// Package progress parses the line-oriented key=value progress stream written
// by the media tool into structured events.
//
// The stream is finite and not restartable: it ends when the process exits and
// a new job always gets a fresh Tracker. Emission is push-based on a bounded
// channel with a drop-oldest policy, so a slow consumer can never block the
// goroutine draining process I/O; it only loses intermediate snapshots.
package progress

import "time"

// Progress is a structured snapshot of in-flight execution status. Only the
// latest value per job is retained by the job manager.
type Progress struct {
	// OutTime is how much of the output timeline has been processed.
	OutTime time.Duration

	// Percent is OutTime against the probed total duration, 0..100. It is
	// zero when the total duration is unknown.
	Percent float64

	// Frame is the number of frames encoded so far.
	Frame int64

	// FPS is the current encoding rate in frames per second.
	FPS float64

	// Speed is the encoding speed multiplier relative to realtime.
	Speed float64

	// BitrateKbps is the current output bitrate in kilobits per second.
	BitrateKbps float64

	// Final marks the closing snapshot, parsed from a progress=end block.
	Final bool
}
