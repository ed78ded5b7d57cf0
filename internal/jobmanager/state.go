package jobmanager

// Status is a job's lifecycle state. The machine is
// Pending -> Running -> {Completed, Failed, TimedOut, Cancelled}, with the
// direct edge Pending -> Cancelled for jobs dequeued before spawning. The
// four right-hand states are terminal; a status never regresses.
type Status int

const (
	// StatusUnknown is the zero value for functions returning a possibly
	// absent Status.
	StatusUnknown Status = iota

	// StatusPending means the job is queued or being dispatched; no
	// process exists yet.
	StatusPending

	// StatusRunning means the job's process has been spawned and not yet
	// reaped.
	StatusRunning

	// StatusCompleted means the process exited with code zero.
	StatusCompleted

	// StatusFailed means the process exited non-zero, failed to spawn,
	// or breached the hard resource ceiling.
	StatusFailed

	// StatusTimedOut means the wall-clock timeout expired and the
	// process was killed.
	StatusTimedOut

	// StatusCancelled means the job was cancelled by the caller or by
	// shutdown.
	StatusCancelled
)

// NOTE: Keep in sync with the Status values; only ever append.
var statuses = []string{
	"Unknown",
	"Pending",
	"Running",
	"Completed",
	"Failed",
	"TimedOut",
	"Cancelled",
}

func (s Status) String() string {
	if int(s) < 0 || int(s) >= len(statuses) {
		return statuses[0]
	}

	return statuses[s]
}

// Terminal reports whether no further transitions can leave s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled:
		return true
	default:
		return false
	}
}

// validTransition enforces the allowed state machine edges.
func validTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled || to == StatusFailed
	case StatusRunning:
		return to.Terminal()
	default:
		return false
	}
}
