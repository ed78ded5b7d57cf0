package executor

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"syscall"
	"time"

	"github.com/fframes/jobengine/internal/cgroup"
	"github.com/fframes/jobengine/internal/command"
)

const (
	// DefaultGracePeriod is the wait between the graceful termination
	// signal and the forced kill.
	DefaultGracePeriod = 5 * time.Second

	// DefaultSampleInterval is how often resource usage is polled.
	DefaultSampleInterval = time.Second

	// DefaultTailBytes is how much of the diagnostic stream's tail is
	// attached to a non-zero-exit result.
	DefaultTailBytes = 2048
)

// Outcome classifies how a process run ended.
type Outcome int

const (
	// OutcomeExited means the process terminated on its own.
	OutcomeExited Outcome = iota

	// OutcomeTimedOut means the wall-clock timeout expired and the
	// process was killed. The clock starts at spawn, never at submission.
	OutcomeTimedOut

	// OutcomeCancelled means an explicit cancel request killed the
	// process.
	OutcomeCancelled

	// OutcomeResourceExceeded means the hard memory/CPU ceiling was
	// breached and the process was killed immediately, without a grace
	// period.
	OutcomeResourceExceeded
)

var outcomes = []string{"Exited", "TimedOut", "Cancelled", "ResourceExceeded"}

func (o Outcome) String() string {
	if int(o) < 0 || int(o) >= len(outcomes) {
		return "Unknown"
	}
	return outcomes[o]
}

// Result is the terminal report for one spawned process.
type Result struct {
	Outcome  Outcome
	ExitCode int
	Signaled bool

	// Tail is the end of the diagnostic stream, kept for error reporting.
	Tail string
}

// Limits are hard ceilings enforced by the executor's sampler. Unlike cgroup
// limits, a breach here kills the process immediately and reports a
// resource-exceeded result. Zero fields disable the corresponding check.
type Limits struct {
	MemoryMaxBytes int64
	CPUMaxPercent  float64
}

// Config configures an Executor.
type Config struct {
	GracePeriod    time.Duration
	SampleInterval time.Duration

	// CgroupRoot enables kernel-enforced per-job cgroups when set. It
	// must be a valid cgroup-v2 mount point.
	CgroupRoot string

	TailBytes int

	Logger *slog.Logger
}

// Executor runs one OS process per job and maintains the active-process
// registry. Safe for concurrent use.
type Executor struct {
	spawner Spawner
	cfg     Config
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// New creates an Executor spawning real OS processes.
func New(cfg Config) *Executor {
	return NewWithSpawner(OSSpawner{}, cfg)
}

// NewWithSpawner creates an Executor with an injected Spawner. Tests use
// this to drive the monitor loop against fake processes.
func NewWithSpawner(spawner Spawner, cfg Config) *Executor {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.SampleInterval <= 0 {
		cfg.SampleInterval = DefaultSampleInterval
	}
	if cfg.TailBytes <= 0 {
		cfg.TailBytes = DefaultTailBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Executor{
		spawner: spawner,
		cfg:     cfg,
		logger:  cfg.Logger,
		active:  make(map[string]*Handle),
	}
}

// SpawnOpts carries per-job execution parameters.
type SpawnOpts struct {
	// JobID keys the active-process registry entry.
	JobID string

	// Timeout is the wall-clock budget measured from spawn. Zero means
	// no timeout.
	Timeout time.Duration

	// Hard is the sampler-enforced kill ceiling.
	Hard Limits

	// CgroupLimits are kernel-enforced when the executor has a cgroup
	// root configured; ignored otherwise.
	CgroupLimits cgroup.Limits

	Env    []string
	Dir    string
	Stdin  io.Reader
	Stdout io.Writer
}

// Spawn starts the process for a validated Command and returns a Handle
// monitoring it. The registry entry is created on success and removed on
// every exit path; a spawn failure leaves no trace.
func (e *Executor) Spawn(cmd command.Command, opts SpawnOpts) (*Handle, error) {
	var cg *cgroup.Cgroup

	if e.cfg.CgroupRoot != "" {
		var err error
		cg, err = cgroup.Create(e.cfg.CgroupRoot, opts.JobID, opts.CgroupLimits)
		if err != nil {
			return nil, fmt.Errorf("create job cgroup: %w", err)
		}
	}

	proc, diag, err := e.spawner.Spawn(SpawnRequest{
		Command: cmd,
		Env:     opts.Env,
		Dir:     opts.Dir,
		Stdin:   opts.Stdin,
		Stdout:  opts.Stdout,
		Cgroup:  cg,
	})
	if err != nil {
		if cg != nil {
			cg.Destroy()
		}
		return nil, err
	}

	h := &Handle{
		jobID:  opts.JobID,
		pid:    proc.PID(),
		proc:   proc,
		stream: newDiagStream(diag),
		cg:     cg,

		timeout:        opts.Timeout,
		hard:           opts.Hard,
		grace:          e.cfg.GracePeriod,
		sampleInterval: e.cfg.SampleInterval,
		tailBytes:      e.cfg.TailBytes,
		logger:         e.logger,

		done:   make(chan struct{}),
		cancel: make(chan struct{}),
	}

	e.mu.Lock()
	e.active[opts.JobID] = h
	e.mu.Unlock()

	go h.monitor(func() { e.evict(opts.JobID) })

	return h, nil
}

// ActiveCount reports the number of registry entries. Every spawned process
// is evicted on exit, so a drained executor reports zero.
func (e *Executor) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return len(e.active)
}

func (e *Executor) evict(jobID string) {
	e.mu.Lock()
	delete(e.active, jobID)
	e.mu.Unlock()
}

// Handle monitors one spawned process for one job.
type Handle struct {
	jobID  string
	pid    int
	proc   Process
	stream *diagStream
	cg     *cgroup.Cgroup

	timeout        time.Duration
	hard           Limits
	grace          time.Duration
	sampleInterval time.Duration
	tailBytes      int
	logger         *slog.Logger

	done       chan struct{}
	cancel     chan struct{}
	cancelOnce sync.Once

	mu     sync.Mutex
	usage  Usage
	result Result
}

// PID returns the OS process id.
func (h *Handle) PID() int {
	return h.pid
}

// Done returns a channel closed once the process has been reaped, its
// diagnostic stream drained, and the registry entry removed.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Result returns the terminal report. Valid only after Done is closed.
func (h *Handle) Result() Result {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.result
}

// Output subscribes to the raw diagnostic stream from its beginning. Each
// subscriber gets an independent cursor; closing it cancels the
// subscription.
func (h *Handle) Output() io.ReadCloser {
	return h.stream.Subscribe()
}

// Usage returns the most recent resource sample.
func (h *Handle) Usage() Usage {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.usage
}

// Cancel requests termination via the signal escalation protocol: graceful
// signal, grace period, forced kill. Idempotent; calling it on a finished
// handle is a no-op.
func (h *Handle) Cancel() {
	h.cancelOnce.Do(func() { close(h.cancel) })
}

// monitor drives the process to completion. Eviction and cgroup teardown are
// deferred so they run on every exit path, not just the happy one.
func (h *Handle) monitor(evict func()) {
	defer func() {
		if h.cg != nil {
			// The process is reaped by now, so the kernel will allow
			// removal. Failure leaves a stale dir but harms nothing.
			if err := h.cg.Destroy(); err != nil {
				h.logger.Warn("destroy job cgroup", "job_id", h.jobID, "err", err)
			}
		}

		evict()
		close(h.done)
	}()

	waitCh := make(chan WaitStatus, 1)
	go func() { waitCh <- h.proc.Wait() }()

	var timeoutC <-chan time.Time
	if h.timeout > 0 {
		timer := time.NewTimer(h.timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	ticker := time.NewTicker(h.sampleInterval)
	defer ticker.Stop()

	var (
		outcome    Outcome // OutcomeExited until a kill reason is recorded
		graceTimer *time.Timer
		graceC     <-chan time.Time
		cancelC    = h.cancel
		lastCPU    time.Duration
		lastAt     = time.Now()
		firstCPU   = true
	)
	defer func() {
		if graceTimer != nil {
			graceTimer.Stop()
		}
	}()

	escalate := func(o Outcome) {
		if outcome != OutcomeExited {
			return
		}
		outcome = o

		if err := h.proc.Signal(syscall.SIGTERM); err != nil {
			// Already gone; the pending wait result will arrive.
			return
		}

		graceTimer = time.NewTimer(h.grace)
		graceC = graceTimer.C
	}

	for {
		select {
		case ws := <-waitCh:
			h.finish(outcome, ws)
			return

		case <-timeoutC:
			timeoutC = nil
			escalate(OutcomeTimedOut)

		case <-cancelC:
			cancelC = nil
			escalate(OutcomeCancelled)

		case <-graceC:
			graceC = nil
			if err := h.proc.Kill(); err != nil {
				h.logger.Warn("force kill after grace period",
					"job_id", h.jobID, "pid", h.pid, "err", err)
			}

		case now := <-ticker.C:
			sample, err := h.proc.SampleUsage()
			if err != nil {
				// Usually a process that exited between the tick
				// and the read; the wait result is on its way.
				continue
			}

			cpuPercent := 0.0
			if !firstCPU {
				elapsed := now.Sub(lastAt).Seconds()
				if elapsed > 0 {
					cpuPercent = (sample.CPUTime - lastCPU).Seconds() / elapsed * 100
				}
			}
			firstCPU = false
			lastCPU = sample.CPUTime
			lastAt = now

			h.mu.Lock()
			h.usage = sample
			h.mu.Unlock()

			if outcome != OutcomeExited {
				continue
			}

			memBreach := h.hard.MemoryMaxBytes > 0 && sample.MemoryBytes > h.hard.MemoryMaxBytes
			cpuBreach := h.hard.CPUMaxPercent > 0 && cpuPercent > h.hard.CPUMaxPercent

			if memBreach || cpuBreach {
				outcome = OutcomeResourceExceeded
				if err := h.proc.Kill(); err != nil {
					h.logger.Warn("resource ceiling kill",
						"job_id", h.jobID, "pid", h.pid, "err", err)
				}
			}
		}
	}
}

func (h *Handle) finish(outcome Outcome, ws WaitStatus) {
	// The stream's write end closed when the process exited; wait for the
	// drain so the tail is complete.
	<-h.stream.Done()

	h.mu.Lock()
	h.result = Result{
		Outcome:  outcome,
		ExitCode: ws.ExitCode,
		Signaled: ws.Signaled,
		Tail:     h.stream.Tail(h.tailBytes),
	}
	h.mu.Unlock()
}
