package jobmanager

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fframes/jobengine/internal/command"
	"github.com/fframes/jobengine/internal/executor"
)

func TestStatusTerminal(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusTimedOut, StatusCancelled}
	for _, s := range terminal {
		assert.True(t, s.Terminal(), s.String())
	}

	for _, s := range []Status{StatusUnknown, StatusPending, StatusRunning} {
		assert.False(t, s.Terminal(), s.String())
	}
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Pending", StatusPending.String())
	assert.Equal(t, "Running", StatusRunning.String())
	assert.Equal(t, "Completed", StatusCompleted.String())
	assert.Equal(t, "Unknown", Status(99).String())
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusCancelled, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusTimedOut, true},
		{StatusRunning, StatusCancelled, true},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusFailed, false},
		{StatusCancelled, StatusRunning, false},
	}

	for _, tt := range tests {
		got := validTransition(tt.from, tt.to)
		assert.Equal(t, tt.want, got, "%s -> %s", tt.from, tt.to)
	}
}

func TestRecordTransitionRefusesInvalidEdges(t *testing.T) {
	rec := &record{status: StatusPending}

	require.True(t, rec.transition(StatusRunning))
	assert.Equal(t, StatusRunning, rec.status)

	require.True(t, rec.transition(StatusCancelled))
	assert.Equal(t, StatusCancelled, rec.status)

	// A terminal record accepts no further edges, so a racing second
	// finalization cannot overwrite the first terminal state.
	assert.False(t, rec.transition(StatusFailed))
	assert.False(t, rec.transition(StatusRunning))
	assert.Equal(t, StatusCancelled, rec.status)
}

func TestBuildCommandAssemblesArgv(t *testing.T) {
	job := Job{
		Inputs:  []command.InputSpec{{Path: "in.mp4"}},
		Outputs: []command.OutputSpec{{Path: "out.mp4", VideoCodec: "libx264"}},
	}

	cmd, err := job.buildCommand()
	require.NoError(t, err)

	assert.Equal(t, "ffmpeg", cmd.Binary)
	assert.Contains(t, cmd.Args, "-i")
	assert.Contains(t, cmd.Args, "in.mp4")
	assert.Equal(t, "out.mp4", cmd.Args[len(cmd.Args)-1])
}

func TestBuildCommandRejectsMissingInput(t *testing.T) {
	job := Job{
		Outputs: []command.OutputSpec{{Path: "out.mp4"}},
	}

	_, err := job.buildCommand()

	var verr command.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "inputs", verr.Field)
}

func TestRecordSnapshotCopies(t *testing.T) {
	now := time.Now()
	rec := &record{
		id:        "abc",
		status:    StatusRunning,
		pid:       42,
		createdAt: now,
		startedAt: now,
	}

	snap := rec.snapshot()

	assert.Equal(t, "abc", snap.ID)
	assert.Equal(t, StatusRunning, snap.Status)
	assert.Equal(t, 42, snap.PID)
	assert.Nil(t, snap.Progress)

	// Mutating the record after the fact must not leak into the snapshot.
	rec.status = StatusCompleted
	assert.Equal(t, StatusRunning, snap.Status)
}

func TestFIFOPolicy(t *testing.T) {
	assert.Equal(t, -1, FIFOPolicy(nil))
	assert.Equal(t, 0, FIFOPolicy([]QueuedJob{{ID: "a"}, {ID: "b"}}))
}

func TestPriorityPolicy(t *testing.T) {
	assert.Equal(t, -1, PriorityPolicy(nil))

	queued := []QueuedJob{
		{ID: "a", Priority: 1},
		{ID: "b", Priority: 5},
		{ID: "c", Priority: 5},
		{ID: "d", Priority: 2},
	}

	// Highest priority wins; ties break by arrival order.
	assert.Equal(t, 1, PriorityPolicy(queued))
}

func TestMapResult(t *testing.T) {
	tests := []struct {
		name string
		res  executor.Result
		want Status
	}{
		{"clean exit", executor.Result{Outcome: executor.OutcomeExited, ExitCode: 0}, StatusCompleted},
		{"non-zero exit", executor.Result{Outcome: executor.OutcomeExited, ExitCode: 1}, StatusFailed},
		{"signal killed", executor.Result{Outcome: executor.OutcomeExited, ExitCode: -1, Signaled: true}, StatusFailed},
		{"timed out", executor.Result{Outcome: executor.OutcomeTimedOut}, StatusTimedOut},
		{"cancelled", executor.Result{Outcome: executor.OutcomeCancelled}, StatusCancelled},
		{"resource exceeded", executor.Result{Outcome: executor.OutcomeResourceExceeded}, StatusFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mapResult(tt.res)
			assert.Equal(t, tt.want, got)

			if tt.want == StatusCompleted {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
