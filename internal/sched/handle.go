// internal/sched/handle.go

package sched

import (
	"context"
	"runtime"
	"time"
)

// Handle is what a Work function sees of its task. Its blocking methods are
// the task's cooperative suspension points: each one checks for
// cancellation and enforces the timeout.
type Handle struct {
	task *Task
	ctx  context.Context
}

// Context ends when the task is cancelled, times out or otherwise settles.
func (h *Handle) Context() context.Context { return h.ctx }

func (h *Handle) Task() *Task { return h.task }

func (h *Handle) Cancelled() bool { return h.task.CancelRequested() }

// Deadline reports when the task times out, if it has a timeout.
func (h *Handle) Deadline() (time.Time, bool) {
	d, ok, _ := h.task.deadline()
	return d, ok
}

// Check returns the task's *CancellationError or *TimeoutError once the
// task was cancelled or ran past its timeout, and nil otherwise.
func (h *Handle) Check() error {
	t := h.task
	t.expire()

	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateCancelled:
		return t.cancelErr
	case StateTimedOut:
		return t.err
	}
	return nil
}

// Yield lets other goroutines run, then behaves like Check.
func (h *Handle) Yield() error {
	runtime.Gosched()
	return h.Check()
}

// Sleep pauses for d. It wakes early when the task is cancelled or reaches
// its deadline, returning the corresponding error.
func (h *Handle) Sleep(d time.Duration) error {
	if err := h.Check(); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var expired <-chan time.Time
	if deadline, ok := h.Deadline(); ok && deadline.Before(time.Now().Add(d)) {
		dt := time.NewTimer(time.Until(deadline))
		defer dt.Stop()
		expired = dt.C
	}

	select {
	case <-timer.C:
	case <-expired:
	case <-h.ctx.Done():
	}
	return h.Check()
}

// Progress reports data to the task's progress listeners. A task that ran
// past its timeout is timed out instead.
func (h *Handle) Progress(data any) {
	if h.task.expire() {
		return
	}
	h.task.Progress(data)
}
