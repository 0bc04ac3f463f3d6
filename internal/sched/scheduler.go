// internal/sched/scheduler.go

package sched

import (
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Scheduler holds tasks that have not started yet and starts them in
// priority order. It also keeps track of the tasks it started, and of tasks
// registered by Race, until they finish, so that CancelAllOtherTasks can
// reach them.
//
// Schedulers are independent values; create as many as needed.
type Scheduler struct {
	name           string
	defaultTimeout time.Duration

	mu        sync.Mutex                // protects the scheduler state
	seq       uint64                    // insertion counter, breaks priority ties
	rbt       *redblacktree.Tree        // pending tasks ordered by nodeKey
	keys      map[uuid.UUID]nodeKey     // pending task -> its tree key
	tracked   map[uuid.UUID]*Task       // started but unfinished tasks
	watched   map[uuid.UUID]struct{}    // tasks carrying our finally listener
	observers []func(StatusEvent)

	logger  *slog.Logger
	tracer  trace.Tracer
	metrics Metrics

	// logging-related
	csvMu     sync.Mutex
	csvFile   *os.File
	csvWriter *csv.Writer
}

// New creates a new Scheduler instance with the given configuration.
func New(cfg Config) *Scheduler {
	return &Scheduler{
		name:           cfg.Name,
		defaultTimeout: cfg.DefaultTimeout,
		rbt:            redblacktree.NewWith(compareKeys),
		keys:           make(map[uuid.UUID]nodeKey),
		tracked:        make(map[uuid.UUID]*Task),
		watched:        make(map[uuid.UUID]struct{}),
		logger:         slog.Default(),
		tracer:         otel.GetTracerProvider().Tracer(tracerName),
		metrics:        noopMetrics{},
	}
}

// WithLogger sets the logger used by the scheduler and the tasks it creates.
func (s *Scheduler) WithLogger(l *slog.Logger) *Scheduler {
	if l != nil {
		s.logger = l.With("scheduler", s.name)
	}
	return s
}

// WithTracer sets the tracer handed to tasks created by NewTask.
func (s *Scheduler) WithTracer(tr trace.Tracer) *Scheduler {
	if tr != nil {
		s.tracer = tr
	}
	return s
}

// WithMetrics sets the metrics sink for the scheduler and its tasks.
func (s *Scheduler) WithMetrics(m Metrics) *Scheduler {
	if m != nil {
		s.metrics = m
	}
	return s
}

func (s *Scheduler) Name() string { return s.name }

// NewTask creates a task bound to s that inherits its logger, tracer,
// metrics and default timeout. opts are applied last.
func (s *Scheduler) NewTask(work Work, opts ...TaskOption) *Task {
	base := []TaskOption{
		WithLogger(s.logger),
		WithTracer(s.tracer),
		WithMetrics(s.metrics),
		WithScheduler(s),
	}
	if s.defaultTimeout > 0 {
		base = append(base, WithTimeout(s.defaultTimeout))
	}
	return NewTask(work, append(base, opts...)...)
}

// EnableCSVLogging opens the given file path for CSV logging of events.
// Call Close to flush and release the file.
func (s *Scheduler) EnableCSVLogging(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create csv log: %w", err)
	}
	w := csv.NewWriter(f)

	// write header
	if err := w.Write([]string{"timestamp", "event", "task_id", "task_name", "priority", "pending", "state"}); err != nil {
		f.Close()
		return fmt.Errorf("write csv header: %w", err)
	}
	w.Flush()

	s.csvMu.Lock()
	s.csvFile = f
	s.csvWriter = w
	s.csvMu.Unlock()
	return nil
}

// Close flushes and closes the CSV log, if any.
func (s *Scheduler) Close() error {
	s.csvMu.Lock()
	defer s.csvMu.Unlock()
	if s.csvFile == nil {
		return nil
	}
	s.csvWriter.Flush()
	err := s.csvWriter.Error()
	if cerr := s.csvFile.Close(); err == nil {
		err = cerr
	}
	s.csvFile, s.csvWriter = nil, nil
	return err
}

// Observe registers fn to receive every status event. fn runs synchronously
// on the goroutine that caused the event and must not block.
func (s *Scheduler) Observe(fn func(StatusEvent)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	s.observers = append(s.observers, fn)
	s.mu.Unlock()
}

// AddTask enqueues t at priority. Adding a task that is already pending
// moves it to the new priority, behind existing entries of that priority.
// Only tasks that have not started can be added.
func (s *Scheduler) AddTask(t *Task, priority int) error {
	if t == nil {
		return ErrNilTask
	}
	if st := t.State(); st != StateCreated {
		return fmt.Errorf("%w: %s is %s", ErrTaskStarted, t, st)
	}
	s.mu.Lock()
	kind, depth := s.put(t, priority)
	s.mu.Unlock()

	s.watch(t)
	s.queued(t, kind, priority, depth)
	return nil
}

// reposition moves t to priority if it is still pending on s.
func (s *Scheduler) reposition(t *Task, priority int) bool {
	s.mu.Lock()
	if _, ok := s.keys[t.id]; !ok {
		s.mu.Unlock()
		return false
	}
	kind, depth := s.put(t, priority)
	s.mu.Unlock()

	s.queued(t, kind, priority, depth)
	return true
}

// put places t in the tree at priority, replacing any earlier entry, and
// returns the event kind and the new queue depth. s.mu must be held.
func (s *Scheduler) put(t *Task, priority int) (StatusKind, int) {
	kind := StatusEnqueue
	if old, ok := s.keys[t.id]; ok {
		s.rbt.Remove(old)
		kind = StatusPriorityUpdate
	}
	s.seq++
	key := nodeKey{priority: priority, seq: s.seq}
	s.rbt.Put(key, t)
	s.keys[t.id] = key

	t.mu.Lock()
	t.priority = priority
	t.queue = s
	t.mu.Unlock()
	return kind, s.rbt.Size()
}

func (s *Scheduler) queued(t *Task, kind StatusKind, priority, depth int) {
	s.metrics.RecordQueueDepth(depth)
	s.publish(StatusEvent{
		Time:     time.Now(),
		Kind:     kind,
		TaskID:   t.id,
		TaskName: t.name,
		Priority: priority,
		Pending:  depth,
		State:    StateCreated,
	})
}

// RunTasks starts pending tasks one at a time, highest priority first and
// in insertion order among equal priorities, until none are left. Each task
// is started before the next one is dequeued. It returns how many tasks it
// started.
func (s *Scheduler) RunTasks() int {
	started := 0
	for {
		s.mu.Lock()
		node := s.rbt.Left()
		if node == nil {
			s.mu.Unlock()
			return started
		}
		key := node.Key.(nodeKey)
		t := node.Value.(*Task)
		s.rbt.Remove(key)
		delete(s.keys, t.id)
		t.leaveQueue(s)
		depth := s.rbt.Size()
		s.mu.Unlock()

		s.metrics.RecordQueueDepth(depth)
		if st := t.State(); st != StateCreated {
			s.logger.Debug("skipping task that left Created while pending", "task_id", t.id, "state", st.String())
			continue
		}

		s.track(t)
		s.publish(StatusEvent{
			Time:     time.Now(),
			Kind:     StatusDispatch,
			TaskID:   t.id,
			TaskName: t.name,
			Priority: key.priority,
			Pending:  depth,
			State:    StateRunning,
		})
		t.Start()
		started++
	}
}

// CancelAllOtherTasks cancels every pending and tracked task except
// winner and returns how many of them it moved to Cancelled.
func (s *Scheduler) CancelAllOtherTasks(winner *Task) int {
	s.mu.Lock()
	victims := make([]*Task, 0, s.rbt.Size()+len(s.tracked))
	seen := make(map[uuid.UUID]struct{}, cap(victims))
	it := s.rbt.Iterator()
	for it.Next() {
		t := it.Value().(*Task)
		if t != winner {
			victims = append(victims, t)
			seen[t.id] = struct{}{}
		}
	}
	for id, t := range s.tracked {
		if _, dup := seen[id]; !dup && t != winner {
			victims = append(victims, t)
		}
	}
	s.mu.Unlock()

	// Cancel runs the finally listener that removes each task from s,
	// so the lock must not be held here.
	n := 0
	for _, t := range victims {
		if !t.Cancel() {
			continue
		}
		n++
		s.metrics.RecordTaskCancelled("cancel_all_others")
		s.publish(StatusEvent{
			Time:     time.Now(),
			Kind:     StatusCancel,
			TaskID:   t.id,
			TaskName: t.name,
			Priority: t.Priority(),
			Pending:  s.Pending(),
			State:    StateCancelled,
		})
	}
	if n > 0 && winner != nil {
		s.logger.Debug("cancelled other tasks", "winner", winner.id, "cancelled", n)
	}
	return n
}

// Pending returns the number of tasks waiting to be started.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rbt.Size()
}

// PendingTasks returns the pending tasks in the order RunTasks would start
// them.
func (s *Scheduler) PendingTasks() []*Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Task, 0, s.rbt.Size())
	for _, v := range s.rbt.Values() {
		out = append(out, v.(*Task))
	}
	return out
}

// Running returns the number of started tasks that have not finished.
func (s *Scheduler) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracked)
}

// track records t as started-but-unfinished.
func (s *Scheduler) track(t *Task) {
	s.mu.Lock()
	s.tracked[t.id] = t
	s.mu.Unlock()
	s.watch(t)
}

// watch makes sure t leaves the scheduler once it settles.
func (s *Scheduler) watch(t *Task) {
	s.mu.Lock()
	_, seen := s.watched[t.id]
	s.watched[t.id] = struct{}{}
	s.mu.Unlock()

	if !seen {
		t.Finally(func(any) { s.forget(t) })
	}
	// t may have settled before the listener was in place.
	if t.State().Terminal() {
		s.forget(t)
	}
}

func (s *Scheduler) forget(t *Task) {
	s.mu.Lock()
	_, wasTracked := s.tracked[t.id]
	key, wasPending := s.keys[t.id]
	if !wasTracked && !wasPending {
		s.mu.Unlock()
		return
	}
	delete(s.tracked, t.id)
	delete(s.watched, t.id)
	if wasPending {
		s.rbt.Remove(key)
		delete(s.keys, t.id)
		t.leaveQueue(s)
	}
	depth := s.rbt.Size()
	s.mu.Unlock()

	if wasPending {
		s.metrics.RecordQueueDepth(depth)
	}
	s.publish(StatusEvent{
		Time:     time.Now(),
		Kind:     StatusFinish,
		TaskID:   t.id,
		TaskName: t.name,
		Priority: t.Priority(),
		Pending:  depth,
		State:    t.State(),
	})
}

func (s *Scheduler) publish(ev StatusEvent) {
	s.handleEvent(ev)

	s.mu.Lock()
	obs := make([]func(StatusEvent), len(s.observers))
	copy(obs, s.observers)
	s.mu.Unlock()

	for _, fn := range obs {
		fn(ev)
	}
}

func (s *Scheduler) handleEvent(ev StatusEvent) {
	s.logger.Debug("scheduler event",
		"kind", ev.Kind.String(),
		"task_id", ev.TaskID,
		"task_name", ev.TaskName,
		"priority", ev.Priority,
		"pending", ev.Pending,
		"state", ev.State.String(),
	)

	// CSV output
	s.csvMu.Lock()
	defer s.csvMu.Unlock()
	if s.csvWriter == nil {
		return
	}
	rec := []string{
		ev.Time.Format(time.RFC3339Nano),
		ev.Kind.String(),
		ev.TaskID.String(),
		ev.TaskName,
		strconv.Itoa(ev.Priority),
		strconv.Itoa(ev.Pending),
		ev.State.String(),
	}
	if err := s.csvWriter.Write(rec); err != nil {
		s.logger.Warn("csv log write failed", "error", err)
		return
	}
	s.csvWriter.Flush()
}

// nodeKey is used as a key in the red-black tree.
type nodeKey struct {
	priority int
	seq      uint64
}

// compareKeys orders higher priorities first and, among equal priorities, earlier
// insertions first, so the leftmost node is always the next task to start.
func compareKeys(a, b any) int {
	ka, kb := a.(nodeKey), b.(nodeKey)
	switch {
	case ka.priority > kb.priority:
		return -1
	case ka.priority < kb.priority:
		return 1
	case ka.seq < kb.seq:
		return -1
	case ka.seq > kb.seq:
		return 1
	default:
		return 0
	}
}
