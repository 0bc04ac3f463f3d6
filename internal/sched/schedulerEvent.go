// internal/sched/schedulerEvent.go

package sched

import (
	"time"

	"github.com/google/uuid"
)

// StatusKind represents the type of scheduler event
type StatusKind int

const (
	StatusEnqueue StatusKind = iota
	StatusPriorityUpdate
	StatusDispatch
	StatusCancel
	StatusFinish
)

// StatusEvent is published to observers on every scheduler action and when
// a task the scheduler knows about finishes.
type StatusEvent struct {
	Time     time.Time
	Kind     StatusKind
	TaskID   uuid.UUID
	TaskName string
	Priority int
	Pending  int   // pending entries right after the action
	State    State // task state; meaningful for StatusCancel and StatusFinish
}

func (sk StatusKind) String() string {
	switch sk {
	case StatusEnqueue:
		return "Enqueued"
	case StatusPriorityUpdate:
		return "PriorityUpdate"
	case StatusDispatch:
		return "Dispatch"
	case StatusCancel:
		return "Cancel"
	case StatusFinish:
		return "Finish"
	default:
		return "Unknown"
	}
}
