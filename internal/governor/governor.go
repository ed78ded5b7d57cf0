// Package governor enforces an aggregate resource budget across all running
// jobs, independent of the concurrency-slot count. A job with a free slot can
// still be deferred when its predicted usage would push the total over budget;
// deferred jobs stay queued and are re-evaluated whenever a running job
// completes.
package governor

import (
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// Budget is the aggregate ceiling across all running jobs. Zero fields leave
// that dimension unbounded.
type Budget struct {
	// MemoryBytes is the total predicted memory allowed in flight.
	MemoryBytes int64

	// CPUPercent is the total predicted CPU allowed in flight, as a
	// percentage of one core (400 = four full cores).
	CPUPercent int64
}

// Estimate is one job's predicted resource usage, in the same units as
// Budget.
type Estimate struct {
	MemoryBytes int64
	CPUPercent  int64
}

// Governor tracks allocated resources against a Budget. Admission and
// release are atomic, so the counters cannot drift under concurrent
// completions. Safe for concurrent use.
type Governor struct {
	budget Budget

	mem *semaphore.Weighted
	cpu *semaphore.Weighted

	memInUse atomic.Int64
	cpuInUse atomic.Int64
}

// New creates a Governor for the given budget.
func New(budget Budget) *Governor {
	g := &Governor{budget: budget}

	if budget.MemoryBytes > 0 {
		g.mem = semaphore.NewWeighted(budget.MemoryBytes)
	}
	if budget.CPUPercent > 0 {
		g.cpu = semaphore.NewWeighted(budget.CPUPercent)
	}

	return g
}

// TryAdmit reserves the estimated usage if it fits within the remaining
// budget. It never blocks: a false return means defer, and the caller must
// re-evaluate after a completion. An admitted estimate must be handed back
// via Release with the same values.
func (g *Governor) TryAdmit(est Estimate) bool {
	est = g.clamp(est)

	if g.mem != nil && est.MemoryBytes > 0 {
		if !g.mem.TryAcquire(est.MemoryBytes) {
			return false
		}
	}

	if g.cpu != nil && est.CPUPercent > 0 {
		if !g.cpu.TryAcquire(est.CPUPercent) {
			if g.mem != nil && est.MemoryBytes > 0 {
				g.mem.Release(est.MemoryBytes)
			}
			return false
		}
	}

	g.memInUse.Add(est.MemoryBytes)
	g.cpuInUse.Add(est.CPUPercent)

	return true
}

// Release returns an admitted estimate to the budget. It must be called
// exactly once per successful TryAdmit, on every terminal path.
func (g *Governor) Release(est Estimate) {
	est = g.clamp(est)

	if g.mem != nil && est.MemoryBytes > 0 {
		g.mem.Release(est.MemoryBytes)
	}
	if g.cpu != nil && est.CPUPercent > 0 {
		g.cpu.Release(est.CPUPercent)
	}

	g.memInUse.Add(-est.MemoryBytes)
	g.cpuInUse.Add(-est.CPUPercent)
}

// InUse reports the currently reserved totals.
func (g *Governor) InUse() Estimate {
	return Estimate{
		MemoryBytes: g.memInUse.Load(),
		CPUPercent:  g.cpuInUse.Load(),
	}
}

// clamp caps an estimate at the whole budget so an oversized prediction can
// still be admitted once the engine is otherwise idle, rather than deferring
// forever.
func (g *Governor) clamp(est Estimate) Estimate {
	if est.MemoryBytes < 0 {
		est.MemoryBytes = 0
	}
	if est.CPUPercent < 0 {
		est.CPUPercent = 0
	}

	if g.budget.MemoryBytes > 0 && est.MemoryBytes > g.budget.MemoryBytes {
		est.MemoryBytes = g.budget.MemoryBytes
	}
	if g.budget.CPUPercent > 0 && est.CPUPercent > g.budget.CPUPercent {
		est.CPUPercent = g.budget.CPUPercent
	}

	return est
}
