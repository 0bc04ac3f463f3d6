// internal/sched/errors.go

package sched

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Sentinel errors. Use errors.Is to match the typed errors below against
// ErrTimeout and ErrCancelled.
var (
	ErrTimeout     = errors.New("task timed out")
	ErrCancelled   = errors.New("task cancelled")
	ErrNilTask     = errors.New("nil task")
	ErrTaskStarted = errors.New("task already started")
	ErrNoTasks     = errors.New("no tasks given")
	ErrNoScheduler = errors.New("task is not bound to a scheduler")
)

// TimeoutError is synthesized when a task is still running after its
// timeout elapsed.
type TimeoutError struct {
	TaskID  uuid.UUID
	Timeout time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s timed out after %s (limit %s)", e.TaskID, e.Elapsed.Round(time.Millisecond), e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// CancellationError is returned when awaiting a cancelled task.
type CancellationError struct {
	TaskID uuid.UUID
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("task %s cancelled", e.TaskID)
}

func (e *CancellationError) Is(target error) bool { return target == ErrCancelled }

// PanicError carries a panic recovered from a work function.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("task panicked: %v", e.Value)
}

// Unwrap exposes the panic value when it was itself an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}
