package jobmanager

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fframes/jobengine/internal/cgroup"
	"github.com/fframes/jobengine/internal/executor"
	"github.com/fframes/jobengine/internal/governor"
	"github.com/fframes/jobengine/internal/probe"
	"github.com/fframes/jobengine/internal/progress"
	"github.com/fframes/jobengine/internal/scratch"
	"github.com/fframes/jobengine/internal/telemetry"
)

const (
	// DefaultMaxConcurrent is the worker-slot count when unconfigured.
	DefaultMaxConcurrent = 2

	// DefaultQueueCapacity bounds the pending queue.
	DefaultQueueCapacity = 16

	// probeTimeout bounds the metadata probe so a hung probe binary
	// cannot wedge a dispatch worker.
	probeTimeout = 30 * time.Second

	// watchBuffer is the per-subscriber progress channel capacity.
	watchBuffer = 16
)

// Config configures a Manager.
type Config struct {
	// MaxConcurrent is the number of jobs allowed in Running at once.
	MaxConcurrent int

	// QueueCapacity bounds the pending queue; submissions beyond it are
	// rejected with ErrQueueFull rather than blocking.
	QueueCapacity int

	// DefaultTimeout applies to jobs that don't carry their own. Zero
	// means no default timeout.
	DefaultTimeout time.Duration

	// GracePeriod is the wait between the graceful signal and the
	// forced kill, for both cancellation and timeout.
	GracePeriod time.Duration

	// SampleInterval is the resource polling cadence.
	SampleInterval time.Duration

	// TempRoot hosts per-job scratch directories.
	TempRoot string

	// CgroupRoot enables kernel-enforced per-job limits when set.
	CgroupRoot string

	// Budget is the aggregate resource ceiling across running jobs.
	Budget governor.Budget

	// Policy selects the next queued job; FIFO when nil.
	Policy QueuePolicy

	// Prober supplies input durations for progress percentages. Defaults
	// to ffprobe.
	Prober probe.Prober

	// Executor overrides the process executor; tests inject one backed
	// by a fake spawner.
	Executor *executor.Executor

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

// Manager is the top-level orchestrator: admission control, concurrency
// limiting, lifecycle tracking, and cancellation. Its mutex guards the
// record map, the queue, and the active count; it is never held across a
// process wait or any other blocking call.
//
// NOTE: The records map grows unbounded. Everything is assumed to fit in
// memory; a real deployment would want eviction of old terminal records.
type Manager struct {
	cfg     Config
	exec    *executor.Executor
	gov     *governor.Governor
	scratch *scratch.Manager
	prober  probe.Prober
	policy  QueuePolicy
	logger  *slog.Logger
	metrics *telemetry.Metrics

	mu           sync.Mutex
	records      map[string]*record
	queue        []*record
	activeCount  int
	shuttingDown bool

	workers sync.WaitGroup
}

// NewManager creates a Manager ready to accept jobs.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.Policy == nil {
		cfg.Policy = FIFOPolicy
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = telemetry.New()
	}
	if cfg.Prober == nil {
		cfg.Prober = probe.NewFFProbe("")
	}

	if cfg.CgroupRoot != "" {
		if err := cgroup.ValidateRoot(cfg.CgroupRoot); err != nil {
			return nil, err
		}
	}

	exec := cfg.Executor
	if exec == nil {
		exec = executor.New(executor.Config{
			GracePeriod:    cfg.GracePeriod,
			SampleInterval: cfg.SampleInterval,
			CgroupRoot:     cfg.CgroupRoot,
			Logger:         cfg.Logger,
		})
	}

	return &Manager{
		cfg:     cfg,
		exec:    exec,
		gov:     governor.New(cfg.Budget),
		scratch: scratch.NewManager(cfg.TempRoot, cfg.Logger),
		prober:  cfg.Prober,
		policy:  cfg.Policy,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		records: make(map[string]*record),
	}, nil
}

// Submit validates the job and either dispatches it immediately or appends
// it to the bounded queue. It never blocks: the caller gets the job id, a
// command.ValidationError, ErrQueueFull, or ErrShuttingDown synchronously.
func (m *Manager) Submit(job Job) (string, error) {
	cmd, err := job.buildCommand()
	if err != nil {
		return "", err
	}

	rec := &record{
		id:        uuid.NewString(),
		job:       job,
		cmd:       cmd,
		status:    StatusPending,
		createdAt: time.Now(),
		started:   make(chan struct{}),
		done:      make(chan struct{}),
	}

	m.mu.Lock()

	if m.shuttingDown {
		m.mu.Unlock()
		return "", ErrShuttingDown
	}

	if len(m.queue) >= m.cfg.QueueCapacity {
		m.mu.Unlock()
		return "", ErrQueueFull
	}

	// All dispatch goes through the promotion path, so a submission can
	// never overtake a job the governor has deferred at the head of the
	// queue: the policy keeps choosing the head until it fits.
	m.records[rec.id] = rec
	m.queue = append(m.queue, rec)
	m.promoteLocked()

	m.mu.Unlock()

	m.metrics.JobSubmitted(context.Background())
	m.logger.Debug("job submitted", "job_id", rec.id)

	return rec.id, nil
}

// Cancel requests cancellation. It is idempotent and returns false when the
// job is unknown or already terminal. Pending jobs are dequeued without ever
// spawning a process; Running jobs go through the executor's signal
// escalation.
func (m *Manager) Cancel(jobID string) bool {
	m.mu.Lock()

	rec, ok := m.records[jobID]
	if !ok || rec.status.Terminal() {
		m.mu.Unlock()
		return false
	}

	rec.cancelRequested = true

	if rec.status == StatusPending {
		if i := slices.Index(m.queue, rec); i >= 0 {
			m.queue = slices.Delete(m.queue, i, i+1)
			m.mu.Unlock()

			m.finalize(rec, StatusCancelled, ErrCancelled)
			return true
		}

		// Mid-dispatch: the worker observes the flag before spawning,
		// or cancels the handle right after a racing spawn.
		m.mu.Unlock()
		return true
	}

	h := rec.handle
	m.mu.Unlock()

	if h != nil {
		h.Cancel()
	}

	return true
}

// Status returns a snapshot of the job's record. It never blocks on process
// I/O, and a terminal status only becomes observable after the scratch
// directory cleanup has been attempted.
func (m *Manager) Status(jobID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return Record{}, ErrJobNotFound
	}

	return rec.snapshot(), nil
}

// Done returns a channel closed when the job reaches a terminal state.
func (m *Manager) Done(jobID string) (<-chan struct{}, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}

	return rec.done, nil
}

// Watch subscribes to the job's progress events. The channel is bounded
// with a drop-oldest policy, so a slow subscriber loses intermediate
// snapshots rather than blocking process I/O. It is closed when the job's
// progress stream ends; a terminal job yields a closed, empty channel.
func (m *Manager) Watch(jobID string) (<-chan progress.Progress, error) {
	m.mu.Lock()
	rec, ok := m.records[jobID]
	if !ok {
		m.mu.Unlock()
		return nil, ErrJobNotFound
	}
	terminal := rec.status.Terminal()
	m.mu.Unlock()

	ch := make(chan progress.Progress, watchBuffer)

	if terminal {
		close(ch)
		return ch, nil
	}

	go func() {
		defer close(ch)

		select {
		case <-rec.started:
		case <-rec.done:
			return
		}

		m.mu.Lock()
		h := rec.handle
		total := rec.total
		m.mu.Unlock()

		if h == nil {
			return
		}

		// Each watcher gets an independent replay of the diagnostic
		// stream from the beginning, so late subscribers still see
		// every snapshot the tool has emitted.
		tr := progress.NewTracker(total, progress.WithBufferSize(watchBuffer))
		go tr.Run(h.Output())

		for p := range tr.Events() {
			select {
			case ch <- p:
			default:
				select {
				case <-ch:
				default:
				}

				select {
				case ch <- p:
				default:
				}
			}
		}
	}()

	return ch, nil
}

// Shutdown stops admitting queued jobs, cancels everything in flight, and
// returns once all jobs are terminal or the grace timeout elapses.
func (m *Manager) Shutdown(graceTimeout time.Duration) error {
	m.mu.Lock()

	m.shuttingDown = true

	queued := m.queue
	m.queue = nil

	var handles []*executor.Handle
	for _, rec := range m.records {
		if rec.status.Terminal() {
			continue
		}

		rec.cancelRequested = true

		if rec.handle != nil {
			handles = append(handles, rec.handle)
		}
	}

	m.mu.Unlock()

	for _, rec := range queued {
		m.finalize(rec, StatusCancelled, ErrCancelled)
	}

	for _, h := range handles {
		h.Cancel()
	}

	finished := make(chan struct{})
	go func() {
		m.workers.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		return nil
	case <-time.After(graceTimeout):
		return fmt.Errorf("shutdown timed out after %s", graceTimeout)
	}
}

// ActiveCount reports the number of jobs currently holding a worker slot.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.activeCount
}

// QueueLen reports the number of jobs waiting in the queue.
func (m *Manager) QueueLen() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.queue)
}

// admitLocked reserves the job's estimated usage with the governor.
func (m *Manager) admitLocked(rec *record) bool {
	if !m.gov.TryAdmit(rec.job.EstimatedUsage) {
		return false
	}

	rec.admitted = true
	return true
}

// dispatchLocked is the atomic half of dispatch: take a slot, mark the job
// dispatched, and hand it to a worker. The caller holds the mutex.
func (m *Manager) dispatchLocked(rec *record) {
	m.activeCount++
	rec.dispatched = true

	m.workers.Add(1)
	go m.runJob(rec)
}

// promoteLocked fills freed slots from the queue. The policy picks the
// candidate; if the governor defers it, promotion stops until the next
// completion rather than reordering around the policy's choice.
func (m *Manager) promoteLocked() {
	for !m.shuttingDown && m.activeCount < m.cfg.MaxConcurrent && len(m.queue) > 0 {
		view := make([]QueuedJob, len(m.queue))
		for i, r := range m.queue {
			view[i] = QueuedJob{ID: r.id, Priority: r.job.Priority, EnqueuedAt: r.createdAt}
		}

		idx := m.policy(view)
		if idx < 0 || idx >= len(m.queue) {
			return
		}

		rec := m.queue[idx]
		if !m.admitLocked(rec) {
			return
		}

		m.queue = slices.Delete(m.queue, idx, idx+1)
		m.dispatchLocked(rec)
	}
}

// runJob drives one dispatched job from scratch allocation to finalization.
// It owns the blocking wait on the process and never touches manager state
// without taking the mutex.
func (m *Manager) runJob(rec *record) {
	defer m.workers.Done()

	if m.cancelRequestedFor(rec) {
		m.finalize(rec, StatusCancelled, ErrCancelled)
		return
	}

	dir, err := m.scratch.Create(rec.id)
	if err != nil {
		m.finalize(rec, StatusFailed, fmt.Errorf("allocate scratch dir: %w", err))
		return
	}

	m.mu.Lock()
	rec.scratchDir = dir
	m.mu.Unlock()

	total := m.probeTotal(rec)

	if m.cancelRequestedFor(rec) {
		m.finalize(rec, StatusCancelled, ErrCancelled)
		return
	}

	timeout := rec.job.Timeout
	if timeout == 0 {
		timeout = m.cfg.DefaultTimeout
	}
	if timeout < 0 {
		timeout = 0
	}

	h, err := m.exec.Spawn(rec.cmd, executor.SpawnOpts{
		JobID:        rec.id,
		Timeout:      timeout,
		Hard:         rec.job.HardLimits,
		CgroupLimits: rec.job.CgroupLimits,
		Env:          rec.job.Env,
		Dir:          dir,
		Stdin:        rec.job.Stdin,
		Stdout:       rec.job.Stdout,
	})
	if err != nil {
		m.finalize(rec, StatusFailed, err)
		return
	}

	m.mu.Lock()
	rec.transition(StatusRunning)
	rec.handle = h
	rec.pid = h.PID()
	rec.startedAt = time.Now()
	rec.total = total
	cancelled := rec.cancelRequested
	close(rec.started)
	m.mu.Unlock()

	if cancelled {
		h.Cancel()
	}

	m.metrics.JobDispatched(context.Background(), rec.startedAt.Sub(rec.createdAt))
	m.logger.Debug("job dispatched", "job_id", rec.id, "pid", h.PID())

	// The manager's own pump keeps the record's latest snapshot fresh for
	// Status callers, independent of any Watch subscribers.
	tr := progress.NewTracker(total)
	go tr.Run(h.Output())
	go func() {
		for p := range tr.Events() {
			snapshot := p

			m.mu.Lock()
			rec.prog = &snapshot
			m.mu.Unlock()
		}
	}()

	<-h.Done()

	res := h.Result()

	switch res.Outcome {
	case executor.OutcomeTimedOut:
		m.metrics.JobTimedOut(context.Background())
	case executor.OutcomeResourceExceeded:
		m.metrics.JobResourceKilled(context.Background())
	}

	status, terminalErr := mapResult(res)
	m.finalize(rec, status, terminalErr)
}

// finalize performs the terminal transition: scratch cleanup first, then,
// atomically, status update, slot release, governor release, and promotion
// of the next queued job. Cleanup failures are logged by the scratch
// manager and never replace the job's own terminal error.
func (m *Manager) finalize(rec *record, status Status, terminalErr error) {
	m.mu.Lock()
	dir := rec.scratchDir
	m.mu.Unlock()

	if dir != "" {
		m.scratch.Remove(dir)
	}

	m.mu.Lock()

	// Refusing the edge covers both double-finalization (the record is
	// already terminal) and any bogus transition.
	if !rec.transition(status) {
		m.mu.Unlock()
		return
	}

	rec.err = terminalErr
	rec.completedAt = time.Now()

	ran := !rec.startedAt.IsZero()

	var duration time.Duration
	if ran {
		duration = rec.completedAt.Sub(rec.startedAt)
	}

	if rec.dispatched {
		m.activeCount--
	}

	if rec.admitted {
		m.gov.Release(rec.job.EstimatedUsage)
		rec.admitted = false
	}

	close(rec.done)

	m.promoteLocked()

	m.mu.Unlock()

	m.metrics.JobCompleted(context.Background(), status.String(), ran, duration)
	m.logger.Debug("job finalized",
		"job_id", rec.id, "status", status.String(), "err", terminalErr)
}

func (m *Manager) cancelRequestedFor(rec *record) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	return rec.cancelRequested
}

// probeTotal fetches the first input's duration for percentage derivation.
// Probe failures are logged and treated as an unknown duration; the job
// still runs, its progress just lacks percentages.
func (m *Manager) probeTotal(rec *record) time.Duration {
	in := rec.job.Inputs[0]

	if in.Path == "-" || strings.HasPrefix(in.Path, "pipe:") {
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	info, err := m.prober.Probe(ctx, in.Path)
	if err != nil {
		m.logger.Debug("probe input", "job_id", rec.id, "path", in.Path, "err", err)
		return 0
	}

	total := info.Duration
	if in.Seek > 0 {
		if total > in.Seek {
			total -= in.Seek
		} else {
			total = 0
		}
	}
	if in.Duration > 0 && (total == 0 || in.Duration < total) {
		total = in.Duration
	}

	return total
}

// mapResult translates an executor result into the job's terminal state.
func mapResult(res executor.Result) (Status, error) {
	switch res.Outcome {
	case executor.OutcomeTimedOut:
		return StatusTimedOut, ErrTimedOut
	case executor.OutcomeCancelled:
		return StatusCancelled, ErrCancelled
	case executor.OutcomeResourceExceeded:
		return StatusFailed, ErrResourceExceeded
	default:
		if res.ExitCode == 0 && !res.Signaled {
			return StatusCompleted, nil
		}

		return StatusFailed, &ExitError{Code: res.ExitCode, Tail: res.Tail}
	}
}
