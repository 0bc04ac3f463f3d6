// internal/sched/metrics.go

package sched

import "time"

// Metrics collects task and scheduler measurements.
// Implementations must be safe for concurrent use and should return quickly;
// they are called on task goroutines and under no lock.
type Metrics interface {
	// RecordTaskFinished is called once per task when it reaches a terminal
	// state. duration is measured from start, or zero for tasks cancelled
	// before they started.
	RecordTaskFinished(state State, duration time.Duration)

	// RecordQueueDepth reports the number of pending scheduler entries.
	RecordQueueDepth(depth int)

	// RecordTaskCancelled counts scheduler-driven cancellations, e.g. "race".
	RecordTaskCancelled(reason string)
}

// noopMetrics discards everything.
type noopMetrics struct{}

func (noopMetrics) RecordTaskFinished(State, time.Duration) {}
func (noopMetrics) RecordQueueDepth(int)                    {}
func (noopMetrics) RecordTaskCancelled(string)              {}
