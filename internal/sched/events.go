// internal/sched/events.go

package sched

import (
	"fmt"
	"runtime/debug"
)

// Event names a task lifecycle notification.
type Event string

const (
	EventResolve  Event = "resolve"
	EventReject   Event = "reject"
	EventFinally  Event = "finally"
	EventCancel   Event = "cancel"
	EventProgress Event = "progress"
)

// Listener receives the data attached to an emitted event: the result for
// resolve, the error for reject, the progress payload for progress and nil
// for cancel and finally.
type Listener func(data any)

// listenerTable maps event names to listeners in registration order.
// Not safe for concurrent use; the owning Task serializes access.
type listenerTable map[Event][]Listener

func (lt listenerTable) add(ev Event, l Listener) {
	lt[ev] = append(lt[ev], l)
}

// snapshot copies the current listeners of ev so that registrations made
// while they run are not picked up by the same emission.
func (lt listenerTable) snapshot(ev Event) []Listener {
	ls := lt[ev]
	if len(ls) == 0 {
		return nil
	}
	out := make([]Listener, len(ls))
	copy(out, ls)
	return out
}

// emit synchronously invokes every listener currently registered for ev.
func (t *Task) emit(ev Event, data any) {
	t.mu.Lock()
	ls := t.listeners.snapshot(ev)
	t.mu.Unlock()

	for _, l := range ls {
		t.invoke(ev, l, data)
	}
}

// invoke runs one listener, containing its panic so the remaining
// listeners and the task state are unaffected.
func (t *Task) invoke(ev Event, l Listener, data any) {
	defer func() {
		if v := recover(); v != nil {
			t.logger.Error("listener panicked",
				"task_id", t.id,
				"event", string(ev),
				"panic", fmt.Sprint(v),
				"stack", string(debug.Stack()))
		}
	}()
	l(data)
}
