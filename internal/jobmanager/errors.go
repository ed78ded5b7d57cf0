package jobmanager

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when no record exists for a job id.
	ErrJobNotFound = errors.New("job not found")

	// ErrQueueFull is the backpressure signal: the bounded queue is at
	// capacity and the submission was rejected without blocking. Callers
	// may retry later.
	ErrQueueFull = errors.New("job queue is full")

	// ErrShuttingDown rejects submissions after Shutdown has begun.
	ErrShuttingDown = errors.New("manager is shutting down")

	// ErrCancelled is the terminal error of an explicitly cancelled job.
	ErrCancelled = errors.New("job cancelled")

	// ErrTimedOut is the terminal error of a job whose process exceeded
	// its wall-clock budget and was killed.
	ErrTimedOut = errors.New("job timed out")

	// ErrResourceExceeded is the terminal error of a job killed for
	// breaching the hard memory/CPU ceiling.
	ErrResourceExceeded = errors.New("job exceeded resource ceiling")
)

// ExitError is the terminal error of a process that ran and exited non-zero.
// The caller decides retryability from the code; the diagnostic tail carries
// the tool's final output for error reporting.
type ExitError struct {
	Code int
	Tail string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("process exited with code %d", e.Code)
}
