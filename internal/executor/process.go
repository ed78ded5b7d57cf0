// Package executor spawns, monitors, signals, and reaps one OS process per
// job. The OS surface is confined behind the Process and Spawner interfaces
// so the scheduling logic can be exercised against fakes.
package executor

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/fframes/jobengine/internal/cgroup"
	"github.com/fframes/jobengine/internal/command"
)

// Usage is a point-in-time sample of one process's resource consumption.
// CPUTime is cumulative; the monitor derives a percentage by differencing
// consecutive samples.
type Usage struct {
	MemoryBytes int64
	CPUTime     time.Duration
}

// WaitStatus describes how a process exited.
type WaitStatus struct {
	// ExitCode is the process exit code, or -1 if it was signal-killed.
	ExitCode int

	// Signaled reports whether the process was terminated by a signal.
	Signaled bool
}

// Process is the capability seam over one spawned OS process: signal
// delivery, reaping, and resource sampling. Implementations must allow
// Signal and Kill concurrently with a blocked Wait.
type Process interface {
	PID() int
	Signal(sig os.Signal) error
	Kill() error
	Wait() WaitStatus
	SampleUsage() (Usage, error)
}

// SpawnRequest carries everything needed to start one process.
type SpawnRequest struct {
	Command command.Command

	// Env is the explicit environment. Nil inherits the parent's.
	Env []string

	// Dir is the working directory, typically the job's scratch dir.
	Dir string

	// Stdin feeds the process when the Command declares a piped stdin.
	Stdin io.Reader

	// Stdout receives process output when the Command declares a piped
	// stdout (streaming-mode jobs).
	Stdout io.Writer

	// Cgroup, when non-nil, is joined after the process starts so the
	// kernel enforces its limits and sampling reads cgroup accounting.
	Cgroup *cgroup.Cgroup
}

// Spawner starts processes. The production implementation uses os/exec;
// tests inject fakes.
type Spawner interface {
	// Spawn starts the process and returns it together with its
	// diagnostic stream (stderr), which carries both tool diagnostics and
	// the machine-readable progress lines.
	Spawn(req SpawnRequest) (Process, io.ReadCloser, error)
}

// SpawnError reports a process that could not be started at all, e.g. a
// missing or unrunnable binary. It is fatal and non-retryable.
type SpawnError struct {
	Binary string
	Err    error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %s", e.Binary, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}

// OSSpawner spawns real processes via os/exec.
type OSSpawner struct{}

// Spawn starts the command with argv-array semantics; nothing ever passes
// through a shell. Stdin and stdout are wired per the Command's declared
// redirection modes, and stderr is returned as the diagnostic stream.
func (OSSpawner) Spawn(req SpawnRequest) (Process, io.ReadCloser, error) {
	cmd := exec.Command(req.Command.Binary, req.Command.Args...)
	cmd.Env = req.Env
	cmd.Dir = req.Dir

	switch req.Command.Stdin {
	case command.RedirectInherit:
		cmd.Stdin = os.Stdin
	case command.RedirectPipe:
		cmd.Stdin = req.Stdin
	}

	switch req.Command.Stdout {
	case command.RedirectInherit:
		cmd.Stdout = os.Stdout
	case command.RedirectPipe:
		cmd.Stdout = req.Stdout
	}

	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		pr.Close()
		return nil, nil, &SpawnError{Binary: req.Command.Binary, Err: err}
	}

	// The parent's copy of the write end must be closed so the read end
	// sees EOF when the child exits.
	pw.Close()

	p := &osProcess{cmd: cmd}

	if req.Cgroup != nil {
		if err := req.Cgroup.Join(cmd.Process.Pid); err != nil {
			// The process is already running; kill it rather than run
			// without the limits the caller asked for.
			cmd.Process.Kill()
			cmd.Wait()
			pr.Close()
			return nil, nil, fmt.Errorf("join cgroup: %w", err)
		}
		p.cg = req.Cgroup
	}

	return p, pr, nil
}

// osProcess adapts exec.Cmd to the Process interface.
type osProcess struct {
	cmd *exec.Cmd
	cg  *cgroup.Cgroup
}

func (p *osProcess) PID() int {
	return p.cmd.Process.Pid
}

func (p *osProcess) Signal(sig os.Signal) error {
	return p.cmd.Process.Signal(sig)
}

func (p *osProcess) Kill() error {
	return p.cmd.Process.Kill()
}

func (p *osProcess) Wait() WaitStatus {
	// Wait errors other than ExitError mean the process was already
	// reaped or never started; both map to a signal-style exit here.
	err := p.cmd.Wait()

	ps := p.cmd.ProcessState
	if ps == nil {
		return WaitStatus{ExitCode: -1, Signaled: true}
	}

	code := ps.ExitCode()

	return WaitStatus{
		ExitCode: code,
		Signaled: err != nil && code == -1,
	}
}

func (p *osProcess) SampleUsage() (Usage, error) {
	if p.cg != nil {
		u, err := p.cg.Sample()
		if err != nil {
			return Usage{}, err
		}
		return Usage{MemoryBytes: u.MemoryBytes, CPUTime: u.CPUTime}, nil
	}

	return sampleProc(p.PID())
}
