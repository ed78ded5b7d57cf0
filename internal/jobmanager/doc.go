// Package jobmanager orchestrates external media-tool invocations as Jobs.
//
// A Job describes one tool invocation: inputs, outputs, limits, and a
// timeout. The Manager validates it synchronously, runs at most a
// configured number of jobs concurrently, and queues the rest in a bounded
// queue. Every job ends in exactly one terminal state, with its scratch
// directory removed and its process reaped, regardless of how it ended.
//
// Progress from a running job's diagnostic stream can be watched
// concurrently by multiple subscribers; slow subscribers drop old
// snapshots instead of blocking the process.
//
// Jobs are identified by UUID.
package jobmanager
