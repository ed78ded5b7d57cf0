package jobmanager_test

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fframes/jobengine/internal/command"
	"github.com/fframes/jobengine/internal/executor"
	"github.com/fframes/jobengine/internal/governor"
	"github.com/fframes/jobengine/internal/jobmanager"
	"github.com/fframes/jobengine/internal/probe"
)

// stubProc is a controllable process driven from the test.
type stubProc struct {
	pid        int
	ignoreTerm bool

	mu       sync.Mutex
	termed   bool
	killed   bool
	exited   bool
	exitOnce sync.Once
	exitCh   chan executor.WaitStatus
}

func (p *stubProc) PID() int { return p.pid }

func (p *stubProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	exited := p.exited
	if sig == syscall.SIGTERM {
		p.termed = true
	}
	ignore := p.ignoreTerm
	p.mu.Unlock()

	if exited {
		return errors.New("process already finished")
	}

	if sig == syscall.SIGTERM && !ignore {
		p.exit(executor.WaitStatus{ExitCode: -1, Signaled: true})
	}

	return nil
}

func (p *stubProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()

	p.exit(executor.WaitStatus{ExitCode: -1, Signaled: true})
	return nil
}

func (p *stubProc) Wait() executor.WaitStatus {
	return <-p.exitCh
}

func (p *stubProc) SampleUsage() (executor.Usage, error) {
	return executor.Usage{}, nil
}

func (p *stubProc) exit(ws executor.WaitStatus) {
	p.exitOnce.Do(func() {
		p.mu.Lock()
		p.exited = true
		p.mu.Unlock()
		p.exitCh <- ws
	})
}

func (p *stubProc) wasTermed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.termed
}

// stubSpawner manufactures one stubProc per Spawn call. With hold set,
// processes stay running until the test exits them; otherwise they exit
// immediately with exitCode.
type stubSpawner struct {
	hold       bool
	ignoreTerm bool
	exitCode   int
	diag       string
	err        error

	mu      sync.Mutex
	nextPID int
	procs   []*stubProc
	dirs    []string
}

func (s *stubSpawner) Spawn(req executor.SpawnRequest) (executor.Process, io.ReadCloser, error) {
	if s.err != nil {
		return nil, nil, s.err
	}

	s.mu.Lock()
	s.nextPID++
	p := &stubProc{
		pid:        s.nextPID,
		ignoreTerm: s.ignoreTerm,
		exitCh:     make(chan executor.WaitStatus, 1),
	}
	s.procs = append(s.procs, p)
	s.dirs = append(s.dirs, req.Dir)
	s.mu.Unlock()

	if !s.hold {
		p.exit(executor.WaitStatus{ExitCode: s.exitCode})
	}

	return p, io.NopCloser(strings.NewReader(s.diag)), nil
}

func (s *stubSpawner) spawnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

func (s *stubSpawner) proc(i int) *stubProc {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.procs[i]
}

func (s *stubSpawner) spawnDirs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.dirs...)
}

// waitSpawned polls until n processes have been spawned.
func (s *stubSpawner) waitSpawned(t *testing.T, n int) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.spawnCount() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("expected %d spawned processes, got %d", n, s.spawnCount())
}

// stubProber returns canned metadata without invoking any binary.
type stubProber struct {
	info probe.Info
	err  error
}

func (p stubProber) Probe(_ context.Context, _ string) (probe.Info, error) {
	return p.info, p.err
}

func newTestManager(t *testing.T, sp executor.Spawner, cfg jobmanager.Config) *jobmanager.Manager {
	t.Helper()

	cfg.Executor = executor.NewWithSpawner(sp, executor.Config{
		GracePeriod:    50 * time.Millisecond,
		SampleInterval: 10 * time.Millisecond,
	})
	if cfg.TempRoot == "" {
		cfg.TempRoot = t.TempDir()
	}
	if cfg.Prober == nil {
		cfg.Prober = stubProber{}
	}

	m, err := jobmanager.NewManager(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		m.Shutdown(2 * time.Second)
	})

	return m
}

func testJob() jobmanager.Job {
	return jobmanager.Job{
		Inputs:  []command.InputSpec{{Path: "in.mp4"}},
		Outputs: []command.OutputSpec{{Path: "out.mp4", VideoCodec: "libx264"}},
	}
}

func waitTerminal(t *testing.T, m *jobmanager.Manager, id string) jobmanager.Record {
	t.Helper()

	done, err := m.Done(id)
	require.NoError(t, err)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not reach a terminal state")
	}

	rec, err := m.Status(id)
	require.NoError(t, err)
	require.True(t, rec.Status.Terminal())

	return rec
}

func TestSubmitRunsJobToCompletion(t *testing.T) {
	sp := &stubSpawner{}
	m := newTestManager(t, sp, jobmanager.Config{})

	id, err := m.Submit(testJob())
	require.NoError(t, err)
	require.NotEmpty(t, id)

	rec := waitTerminal(t, m, id)

	assert.Equal(t, jobmanager.StatusCompleted, rec.Status)
	assert.NoError(t, rec.Err)
	assert.Equal(t, 1, rec.PID)
	assert.False(t, rec.CompletedAt.IsZero())
	assert.Equal(t, 0, m.ActiveCount())
}

func TestSubmitRejectsInvalidJob(t *testing.T) {
	sp := &stubSpawner{}
	m := newTestManager(t, sp, jobmanager.Config{})

	job := testJob()
	job.Outputs = nil

	_, err := m.Submit(job)

	var verr command.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "outputs", verr.Field)
	assert.Equal(t, 0, sp.spawnCount())
}

func TestSubmitFailedSpawnIsTerminalFailure(t *testing.T) {
	sp := &stubSpawner{
		err: &executor.SpawnError{Binary: "ffmpeg", Err: errors.New("executable file not found")},
	}
	m := newTestManager(t, sp, jobmanager.Config{})

	id, err := m.Submit(testJob())
	require.NoError(t, err)

	rec := waitTerminal(t, m, id)

	assert.Equal(t, jobmanager.StatusFailed, rec.Status)

	var serr *executor.SpawnError
	assert.ErrorAs(t, rec.Err, &serr)
}

func TestNonZeroExitCarriesTail(t *testing.T) {
	sp := &stubSpawner{exitCode: 1, diag: "in.mp4: No such file or directory\n"}
	m := newTestManager(t, sp, jobmanager.Config{})

	id, err := m.Submit(testJob())
	require.NoError(t, err)

	rec := waitTerminal(t, m, id)

	assert.Equal(t, jobmanager.StatusFailed, rec.Status)

	var exitErr *jobmanager.ExitError
	require.ErrorAs(t, rec.Err, &exitErr)
	assert.Equal(t, 1, exitErr.Code)
	assert.Contains(t, exitErr.Tail, "No such file")
}

func TestConcurrencyLimitWithFIFOOrdering(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{
		MaxConcurrent: 2,
		QueueCapacity: 8,
	})

	var ids []string
	for i := 0; i < 5; i++ {
		id, err := m.Submit(testJob())
		require.NoError(t, err)
		ids = append(ids, id)
	}

	sp.waitSpawned(t, 2)
	assert.Equal(t, 2, m.ActiveCount())
	assert.Equal(t, 3, m.QueueLen())

	// The initial dispatch workers race through spawn in either order, so
	// a job's process must be looked up by PID, not by submission index.
	exitJob := func(id string) {
		t.Helper()

		rec, err := m.Status(id)
		require.NoError(t, err)
		require.Equal(t, jobmanager.StatusRunning, rec.Status)
		require.NotZero(t, rec.PID)

		sp.proc(rec.PID - 1).exit(executor.WaitStatus{ExitCode: 0})
	}

	// Drain in submission order; the limit must hold throughout, and each
	// completion promotes exactly one queued job.
	for i, id := range ids {
		require.Eventually(t, func() bool {
			rec, err := m.Status(id)
			return err == nil && rec.Status == jobmanager.StatusRunning
		}, 2*time.Second, 2*time.Millisecond)

		assert.LessOrEqual(t, m.ActiveCount(), 2)

		exitJob(id)
		waitTerminal(t, m, id)

		if next := i + 3; next <= len(ids) {
			sp.waitSpawned(t, next)
		}
	}

	// The first two spawns race, but promotions out of the queue happen
	// one per completion, strictly in submission order.
	dirs := sp.spawnDirs()
	require.Len(t, dirs, 5)
	for i := 2; i < len(ids); i++ {
		assert.Equal(t, "job-"+ids[i], filepath.Base(dirs[i]))
	}
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{
		MaxConcurrent: 1,
		QueueCapacity: 2,
	})

	id, err := m.Submit(testJob())
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	for i := 0; i < 2; i++ {
		_, err := m.Submit(testJob())
		require.NoError(t, err)
	}

	_, err = m.Submit(testJob())
	assert.ErrorIs(t, err, jobmanager.ErrQueueFull)

	sp.proc(0).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, id)
}

func TestCancelPendingNeverSpawns(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{MaxConcurrent: 1})

	first, err := m.Submit(testJob())
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	queued, err := m.Submit(testJob())
	require.NoError(t, err)

	require.True(t, m.Cancel(queued))

	rec := waitTerminal(t, m, queued)
	assert.Equal(t, jobmanager.StatusCancelled, rec.Status)
	assert.ErrorIs(t, rec.Err, jobmanager.ErrCancelled)
	assert.Zero(t, rec.PID)

	sp.proc(0).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, first)

	assert.Equal(t, 1, sp.spawnCount())
}

func TestCancelRunningTerminatesGracefully(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{})

	id, err := m.Submit(testJob())
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	require.True(t, m.Cancel(id))

	rec := waitTerminal(t, m, id)
	assert.Equal(t, jobmanager.StatusCancelled, rec.Status)
	assert.ErrorIs(t, rec.Err, jobmanager.ErrCancelled)
	assert.True(t, sp.proc(0).wasTermed())
}

func TestCancelIsIdempotent(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{})

	id, err := m.Submit(testJob())
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	require.True(t, m.Cancel(id))
	waitTerminal(t, m, id)

	assert.False(t, m.Cancel(id))
}

func TestTimeoutMarksJobTimedOut(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{})

	job := testJob()
	job.Timeout = 20 * time.Millisecond

	id, err := m.Submit(job)
	require.NoError(t, err)

	rec := waitTerminal(t, m, id)
	assert.Equal(t, jobmanager.StatusTimedOut, rec.Status)
	assert.ErrorIs(t, rec.Err, jobmanager.ErrTimedOut)
	assert.True(t, sp.proc(0).wasTermed())
}

func TestScratchDirRemovedAfterTerminalState(t *testing.T) {
	root := t.TempDir()
	sp := &stubSpawner{exitCode: 1}
	m := newTestManager(t, sp, jobmanager.Config{TempRoot: root})

	id, err := m.Submit(testJob())
	require.NoError(t, err)

	waitTerminal(t, m, id)

	_, statErr := os.Stat(filepath.Join(root, "job-"+id))
	assert.True(t, os.IsNotExist(statErr))
}

func TestWatchDeliversProgressAndFinalSnapshot(t *testing.T) {
	diag := strings.Join([]string{
		"frame=100",
		"fps=25.0",
		"out_time_us=5000000",
		"speed=1.0x",
		"progress=continue",
		"frame=200",
		"out_time_us=10000000",
		"speed=1.1x",
		"progress=end",
	}, "\n") + "\n"

	sp := &stubSpawner{hold: true, diag: diag}
	m := newTestManager(t, sp, jobmanager.Config{
		Prober: stubProber{info: probe.Info{Duration: 10 * time.Second}},
	})

	id, err := m.Submit(testJob())
	require.NoError(t, err)

	events, err := m.Watch(id)
	require.NoError(t, err)

	sp.waitSpawned(t, 1)

	var (
		seen        int
		lastPercent float64
		lastFinal   bool
	)
	for p := range events {
		seen++
		lastPercent = p.Percent
		lastFinal = p.Final
	}

	require.GreaterOrEqual(t, seen, 1)
	assert.True(t, lastFinal)
	assert.InDelta(t, 100.0, lastPercent, 0.01)

	sp.proc(0).exit(executor.WaitStatus{ExitCode: 0})
	rec := waitTerminal(t, m, id)
	assert.Equal(t, jobmanager.StatusCompleted, rec.Status)
}

func TestWatchOnTerminalJobYieldsClosedChannel(t *testing.T) {
	sp := &stubSpawner{}
	m := newTestManager(t, sp, jobmanager.Config{})

	id, err := m.Submit(testJob())
	require.NoError(t, err)
	waitTerminal(t, m, id)

	events, err := m.Watch(id)
	require.NoError(t, err)

	_, open := <-events
	assert.False(t, open)
}

func TestGovernorDefersJobBeyondBudget(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{
		MaxConcurrent: 2,
		Budget:        governor.Budget{MemoryBytes: 100},
	})

	job := testJob()
	job.EstimatedUsage = governor.Estimate{MemoryBytes: 60}

	first, err := m.Submit(job)
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	// A slot is free, but the combined estimate would exceed the budget.
	second, err := m.Submit(job)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, 1, m.QueueLen())

	sp.proc(0).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, first)

	sp.waitSpawned(t, 2)
	sp.proc(1).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, second)
}

func TestSubmitNeverOvertakesDeferredQueueHead(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{
		MaxConcurrent: 3,
		Budget:        governor.Budget{MemoryBytes: 100},
	})

	big := testJob()
	big.EstimatedUsage = governor.Estimate{MemoryBytes: 60}

	first, err := m.Submit(big)
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	deferred, err := m.Submit(big)
	require.NoError(t, err)

	// Slots are free and the small job fits the remaining budget, but it
	// arrived after the deferred job and must wait behind it.
	small := testJob()
	small.EstimatedUsage = governor.Estimate{MemoryBytes: 10}

	overtaker, err := m.Submit(small)
	require.NoError(t, err)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, sp.spawnCount())
	assert.Equal(t, 1, m.ActiveCount())
	assert.Equal(t, 2, m.QueueLen())

	// Releasing the budget unblocks the head; both queued jobs then fit
	// and are promoted together.
	sp.proc(0).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, first)

	sp.waitSpawned(t, 3)
	sp.proc(1).exit(executor.WaitStatus{ExitCode: 0})
	sp.proc(2).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, deferred)
	waitTerminal(t, m, overtaker)
}

func TestPriorityPolicyPicksHighestPriority(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{
		MaxConcurrent: 1,
		Policy:        jobmanager.PriorityPolicy,
	})

	blocker, err := m.Submit(testJob())
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	low := testJob()
	low.Priority = 1
	lowID, err := m.Submit(low)
	require.NoError(t, err)

	high := testJob()
	high.Priority = 10
	highID, err := m.Submit(high)
	require.NoError(t, err)

	sp.proc(0).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, blocker)

	sp.waitSpawned(t, 2)
	sp.proc(1).exit(executor.WaitStatus{ExitCode: 0})

	rec := waitTerminal(t, m, highID)
	assert.Equal(t, jobmanager.StatusCompleted, rec.Status)

	require.Eventually(t, func() bool {
		lowRec, err := m.Status(lowID)
		return err == nil && lowRec.Status == jobmanager.StatusRunning
	}, 2*time.Second, 5*time.Millisecond)

	sp.waitSpawned(t, 3)
	sp.proc(2).exit(executor.WaitStatus{ExitCode: 0})
	waitTerminal(t, m, lowID)
}

func TestShutdownCancelsQueuedAndRunning(t *testing.T) {
	sp := &stubSpawner{hold: true}
	m := newTestManager(t, sp, jobmanager.Config{MaxConcurrent: 1})

	running, err := m.Submit(testJob())
	require.NoError(t, err)
	sp.waitSpawned(t, 1)

	queued, err := m.Submit(testJob())
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(2*time.Second))

	for _, id := range []string{running, queued} {
		rec, err := m.Status(id)
		require.NoError(t, err)
		assert.Equal(t, jobmanager.StatusCancelled, rec.Status)
	}

	_, err = m.Submit(testJob())
	assert.ErrorIs(t, err, jobmanager.ErrShuttingDown)

	assert.Equal(t, 1, sp.spawnCount())
}

func TestUnknownJobID(t *testing.T) {
	sp := &stubSpawner{}
	m := newTestManager(t, sp, jobmanager.Config{})

	_, err := m.Status("nope")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)

	_, err = m.Done("nope")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)

	_, err = m.Watch("nope")
	assert.ErrorIs(t, err, jobmanager.ErrJobNotFound)

	assert.False(t, m.Cancel("nope"))
}
