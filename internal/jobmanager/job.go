package jobmanager

import (
	"io"
	"time"

	"github.com/fframes/jobengine/internal/cgroup"
	"github.com/fframes/jobengine/internal/command"
	"github.com/fframes/jobengine/internal/executor"
	"github.com/fframes/jobengine/internal/governor"
	"github.com/fframes/jobengine/internal/progress"
)

// Job is a caller-supplied processing request. It is immutable once
// submitted; the manager copies what it needs into the job's record.
type Job struct {
	// Inputs and Outputs describe the invocation. At least one of each
	// is required; validation happens synchronously in Submit.
	Inputs  []command.InputSpec
	Outputs []command.OutputSpec

	// Global holds invocation-wide options (binary, overwrite, log
	// level).
	Global command.GlobalOptions

	// Timeout is the wall-clock budget measured from process spawn, so
	// queueing delay never counts against it. Zero applies the manager's
	// default; a negative value disables the timeout entirely.
	Timeout time.Duration

	// Priority orders queued jobs when the manager is configured with a
	// priority queue policy. Higher runs first; the default FIFO policy
	// ignores it.
	Priority int

	// EstimatedUsage is the prediction the resource governor admits
	// against. Zero fields bypass the corresponding budget dimension.
	EstimatedUsage governor.Estimate

	// HardLimits are sampler-enforced kill ceilings for this job's
	// process.
	HardLimits executor.Limits

	// CgroupLimits are kernel-enforced when the manager has a cgroup
	// root configured.
	CgroupLimits cgroup.Limits

	// Env is the explicit process environment. Nil inherits the
	// manager's.
	Env []string

	// Stdin and Stdout back piped redirection modes for streaming jobs.
	// Ignored unless the built command declares the matching pipe.
	Stdin  io.Reader
	Stdout io.Writer
}

// buildCommand validates the job and assembles its argv array.
func (j Job) buildCommand() (command.Command, error) {
	b := command.NewBuilder().SetGlobalOptions(j.Global)

	for _, in := range j.Inputs {
		b.AddInput(in)
	}

	for _, out := range j.Outputs {
		b.AddOutput(out)
	}

	return b.Build()
}

// Record is a read-only snapshot of one submitted job's runtime state.
// Mutation happens only inside the manager; callers always get copies.
type Record struct {
	ID     string
	Status Status

	// Progress is the latest parsed snapshot, nil before the first one.
	Progress *progress.Progress

	// PID is the OS process id, zero before spawn.
	PID int

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	// Err is the terminal error, nil for Completed jobs and jobs still
	// in flight.
	Err error
}

// record is the manager-owned mutable entity behind a Record snapshot.
// All fields are guarded by the manager's mutex except the channels, which
// are closed exactly once under it.
type record struct {
	id  string
	job Job
	cmd command.Command

	status      Status
	prog        *progress.Progress
	pid         int
	createdAt   time.Time
	startedAt   time.Time
	completedAt time.Time
	err         error

	scratchDir string
	total      time.Duration // probed input duration, zero if unknown
	handle     *executor.Handle

	// dispatched is set when the job left the queue holding a
	// concurrency slot; admitted when the governor reserved its
	// estimate. Both drive exactly-once release in finalize.
	dispatched bool
	admitted   bool

	// cancelRequested is observed by the dispatch worker so a cancel
	// racing the spawn still lands.
	cancelRequested bool

	// started closes when the process has spawned; done closes on the
	// terminal transition, after scratch cleanup has been attempted.
	started chan struct{}
	done    chan struct{}
}

// transition applies a state machine edge, refusing invalid ones. The caller
// holds the manager's mutex.
func (r *record) transition(to Status) bool {
	if !validTransition(r.status, to) {
		return false
	}

	r.status = to
	return true
}

func (r *record) snapshot() Record {
	rec := Record{
		ID:          r.id,
		Status:      r.status,
		PID:         r.pid,
		CreatedAt:   r.createdAt,
		StartedAt:   r.startedAt,
		CompletedAt: r.completedAt,
		Err:         r.err,
	}

	if r.prog != nil {
		p := *r.prog
		rec.Progress = &p
	}

	return rec
}
