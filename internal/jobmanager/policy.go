package jobmanager

import "time"

// QueuedJob is the read-only view a QueuePolicy selects from.
type QueuedJob struct {
	ID         string
	Priority   int
	EnqueuedAt time.Time
}

// QueuePolicy picks which queued job a freed slot should dispatch next,
// returning an index into queued or -1 for none. The queue itself stays
// FIFO-ordered by arrival; a policy only chooses the next candidate. If the
// resource governor defers the chosen job, dispatch stops until the next
// completion rather than skipping ahead, so a policy's ordering is never
// silently reshuffled by resource pressure.
type QueuePolicy func(queued []QueuedJob) int

// FIFOPolicy dispatches strictly in arrival order. This is the default.
func FIFOPolicy(queued []QueuedJob) int {
	if len(queued) == 0 {
		return -1
	}
	return 0
}

// PriorityPolicy dispatches the highest-priority job, breaking ties by
// arrival order.
func PriorityPolicy(queued []QueuedJob) int {
	best := -1
	for i, q := range queued {
		if best == -1 || q.Priority > queued[best].Priority {
			best = i
		}
	}
	return best
}
