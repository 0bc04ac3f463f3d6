// internal/sched/task.go

package sched

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "deferq/internal/sched"

// State is a task lifecycle state.
type State int

const (
	StateCreated State = iota
	StateRunning
	StateFulfilled
	StateRejected
	StateCancelled
	StateTimedOut
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "Created"
	case StateRunning:
		return "Running"
	case StateFulfilled:
		return "Fulfilled"
	case StateRejected:
		return "Rejected"
	case StateCancelled:
		return "Cancelled"
	case StateTimedOut:
		return "TimedOut"
	default:
		return "Unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s >= StateFulfilled
}

// Work is the body of a task. It runs at most once, on the task's own
// goroutine, and reaches its task through h.
type Work func(h *Handle) (any, error)

// Task is a single deferred unit of work.
//
// A Task does nothing until Start or Await is called, or until a Scheduler
// it was enqueued on runs it. Once started it moves to exactly one terminal
// state and notifies its listeners.
type Task struct {
	id   uuid.UUID
	name string
	work Work

	mu              sync.Mutex // protects every field below up to done
	state           State
	result          any
	err             error
	cancelErr       error
	createdAt       time.Time
	startedAt       time.Time
	finishedAt      time.Time
	timeout         time.Duration
	retimed         chan struct{} // closed and replaced whenever timeout changes
	priority        int
	queue           *Scheduler // scheduler holding the task as pending
	listeners       listenerTable
	cancelRequested bool

	ctx    context.Context    // handed to work; ends when the task is terminal
	cancel context.CancelFunc // releases ctx
	done   chan struct{}      // closed after the terminal listeners ran

	sched   *Scheduler
	logger  *slog.Logger
	tracer  trace.Tracer
	metrics Metrics
}

// TaskOption configures a Task at construction.
type TaskOption func(*Task)

// WithName labels the task in logs and spans.
func WithName(name string) TaskOption {
	return func(t *Task) { t.name = name }
}

// WithTimeout is the construction-time form of Task.Timeout.
func WithTimeout(d time.Duration) TaskOption {
	return func(t *Task) { t.timeout = d }
}

// WithPriority records a priority without enqueueing the task.
func WithPriority(p int) TaskOption {
	return func(t *Task) { t.priority = p }
}

func WithLogger(l *slog.Logger) TaskOption {
	return func(t *Task) {
		if l != nil {
			t.logger = l
		}
	}
}

func WithTracer(tr trace.Tracer) TaskOption {
	return func(t *Task) {
		if tr != nil {
			t.tracer = tr
		}
	}
}

func WithMetrics(m Metrics) TaskOption {
	return func(t *Task) {
		if m != nil {
			t.metrics = m
		}
	}
}

// WithScheduler binds the task to s so that SetPriority and Enqueue
// place it on s.
func WithScheduler(s *Scheduler) TaskOption {
	return func(t *Task) { t.sched = s }
}

// NewTask creates a task in the Created state. A nil work fulfills with a
// nil result.
func NewTask(work Work, opts ...TaskOption) *Task {
	if work == nil {
		work = func(*Handle) (any, error) { return nil, nil }
	}
	ctx, cancel := context.WithCancel(context.Background())
	t := &Task{
		id:        uuid.New(),
		work:      work,
		state:     StateCreated,
		createdAt: time.Now(),
		retimed:   make(chan struct{}),
		listeners: make(listenerTable),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		logger:    slog.Default(),
		tracer:    otel.GetTracerProvider().Tracer(tracerName),
		metrics:   noopMetrics{},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Task) ID() uuid.UUID { return t.id }
func (t *Task) Name() string  { return t.name }

func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Result returns the value work returned; nil unless the task is Fulfilled.
func (t *Task) Result() any {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.result
}

// Err returns the stored error; nil unless the task is Rejected or TimedOut.
func (t *Task) Err() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *Task) CreatedAt() time.Time { return t.createdAt }

func (t *Task) StartedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.startedAt
}

func (t *Task) FinishedAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.finishedAt
}

func (t *Task) TimeoutDuration() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timeout
}

func (t *Task) Priority() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.priority
}

func (t *Task) CancelRequested() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelRequested
}

// Done is closed once the task is terminal and its terminal listeners ran.
func (t *Task) Done() <-chan struct{} { return t.done }

// Start begins executing work on a new goroutine. It is a no-op unless the
// task is Created.
func (t *Task) Start() {
	t.mu.Lock()
	if t.state != StateCreated {
		t.mu.Unlock()
		return
	}
	t.state = StateRunning
	t.startedAt = time.Now()
	t.mu.Unlock()

	t.logger.Debug("task started", "task_id", t.id, "name", t.name)
	go t.run()
}

func (t *Task) run() {
	ctx, span := t.tracer.Start(t.ctx, "deferq.task.run",
		trace.WithAttributes(
			attribute.String("deferq.task_id", t.id.String()),
			attribute.String("deferq.task_name", t.name),
			attribute.Int("deferq.priority", t.Priority()),
		))

	result, err := t.execute(&Handle{task: t, ctx: ctx})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	// The span covers work only; listeners run after it ends.
	span.End()

	if err != nil {
		t.settle(StateRejected, nil, err)
		return
	}
	t.settle(StateFulfilled, result, nil)
}

func (t *Task) execute(h *Handle) (result any, err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()
	return t.work(h)
}

// settle moves the task into a terminal state and fires the matching
// listeners followed by finally. It reports false if the task was already
// terminal, in which case nothing happens.
func (t *Task) settle(state State, result any, err error) bool {
	t.mu.Lock()
	if t.state.Terminal() {
		t.mu.Unlock()
		return false
	}
	t.state = state
	switch state {
	case StateFulfilled:
		t.result = result
	case StateRejected, StateTimedOut:
		t.err = err
	case StateCancelled:
		t.cancelRequested = true
		t.cancelErr = &CancellationError{TaskID: t.id}
	}
	t.finishedAt = time.Now()
	var elapsed time.Duration
	if !t.startedAt.IsZero() {
		elapsed = t.finishedAt.Sub(t.startedAt)
	}
	t.mu.Unlock()

	t.cancel()

	if err != nil {
		t.logger.Debug("task settled", "task_id", t.id, "name", t.name, "state", state.String(), "elapsed", elapsed, "error", err)
	} else {
		t.logger.Debug("task settled", "task_id", t.id, "name", t.name, "state", state.String(), "elapsed", elapsed)
	}

	switch state {
	case StateFulfilled:
		t.emit(EventResolve, result)
	case StateRejected, StateTimedOut:
		t.emit(EventReject, err)
	case StateCancelled:
		t.emit(EventCancel, nil)
	}
	t.emit(EventFinally, nil)

	t.metrics.RecordTaskFinished(state, elapsed)
	close(t.done)
	return true
}

// expire times the task out if it is running past its timeout.
func (t *Task) expire() bool {
	t.mu.Lock()
	if t.state != StateRunning || t.timeout <= 0 {
		t.mu.Unlock()
		return false
	}
	elapsed := time.Since(t.startedAt)
	if elapsed < t.timeout {
		t.mu.Unlock()
		return false
	}
	terr := &TimeoutError{TaskID: t.id, Timeout: t.timeout, Elapsed: elapsed}
	t.mu.Unlock()

	return t.settle(StateTimedOut, nil, terr)
}

// deadline returns when the running task times out, together with the
// channel that signals a timeout change.
func (t *Task) deadline() (time.Time, bool, <-chan struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateRunning || t.timeout <= 0 {
		return time.Time{}, false, t.retimed
	}
	return t.startedAt.Add(t.timeout), true, t.retimed
}

func (t *Task) outcome() (any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	switch t.state {
	case StateFulfilled:
		return t.result, nil
	case StateRejected, StateTimedOut:
		return nil, t.err
	case StateCancelled:
		return nil, t.cancelErr
	default:
		return nil, fmt.Errorf("task %s is %s", t.id, t.state)
	}
}

// Await starts the task if needed and blocks until it is terminal.
//
// It returns the result of a fulfilled task, the stored error of a rejected
// or timed out task and a *CancellationError for a cancelled task. When the
// task's timeout elapses first, Await times the task out itself. If ctx ends
// first, Await returns ctx.Err() and leaves the task alone.
func (t *Task) Await(ctx context.Context) (any, error) {
	t.Start()

	// A settled task answers the same way whatever the state of ctx.
	select {
	case <-t.done:
		return t.outcome()
	default:
	}

	for {
		deadline, ok, retimed := t.deadline()
		var timer *time.Timer
		var expired <-chan time.Time
		if ok {
			timer = time.NewTimer(time.Until(deadline))
			expired = timer.C
		}

		select {
		case <-t.done:
			stopTimer(timer)
			return t.outcome()
		case <-retimed:
			stopTimer(timer)
		case <-expired:
			// A raised timeout or a concurrent settle makes expire a no-op;
			// the next pass re-arms or waits for done.
			t.expire()
		case <-ctx.Done():
			stopTimer(timer)
			select {
			case <-t.done:
				return t.outcome()
			default:
			}
			return nil, ctx.Err()
		}
	}
}

func stopTimer(timer *time.Timer) {
	if timer != nil {
		timer.Stop()
	}
}

// Then registers onFulfilled for resolve and, when non-nil, onRejected for
// reject.
func (t *Task) Then(onFulfilled, onRejected Listener) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	if onFulfilled != nil {
		t.listeners.add(EventResolve, onFulfilled)
	}
	if onRejected != nil {
		t.listeners.add(EventReject, onRejected)
	}
	return t
}

func (t *Task) Catch(onRejected Listener) *Task { return t.On(EventReject, onRejected) }

func (t *Task) Finally(cb Listener) *Task { return t.On(EventFinally, cb) }

func (t *Task) OnProgress(cb Listener) *Task { return t.On(EventProgress, cb) }

// On appends l to the listeners of ev. Events that already fired are not
// replayed.
func (t *Task) On(ev Event, l Listener) *Task {
	if l == nil {
		return t
	}
	t.mu.Lock()
	t.listeners.add(ev, l)
	t.mu.Unlock()
	return t
}

// Timeout sets the maximum time the task may run, measured from start.
// Zero disables it.
func (t *Task) Timeout(d time.Duration) *Task {
	t.mu.Lock()
	t.timeout = d
	close(t.retimed)
	t.retimed = make(chan struct{})
	t.mu.Unlock()
	return t
}

// Progress emits a progress event unless the task is already terminal.
func (t *Task) Progress(data any) {
	if t.State().Terminal() {
		return
	}
	t.emit(EventProgress, data)
}

// Cancel moves a non-terminal task to Cancelled and emits cancel then
// finally. Work that is already running is only asked to stop through its
// Handle. Cancel reports whether it changed the state.
func (t *Task) Cancel() bool {
	return t.settle(StateCancelled, nil, nil)
}

// Prioritize records p. A task still waiting in a scheduler queue is moved
// to its new place there, so Priority always matches the dequeue order.
func (t *Task) Prioritize(p int) *Task {
	t.mu.Lock()
	q := t.queue
	if q == nil {
		t.priority = p
	}
	t.mu.Unlock()

	if q != nil && !q.reposition(t, p) {
		// dequeued in the meantime
		t.mu.Lock()
		t.priority = p
		t.mu.Unlock()
	}
	return t
}

// Enqueue adds the task to its scheduler at its current priority.
func (t *Task) Enqueue() error {
	if t.sched == nil {
		return ErrNoScheduler
	}
	return t.sched.AddTask(t, t.Priority())
}

// SetPriority records p and enqueues the task on its scheduler, if bound.
func (t *Task) SetPriority(p int) *Task {
	if t.sched == nil {
		return t.Prioritize(p)
	}
	if err := t.sched.AddTask(t, p); err != nil {
		t.logger.Warn("task not enqueued", "task_id", t.id, "priority", p, "error", err)
		t.Prioritize(p)
	}
	return t
}

// leaveQueue clears the pending link if it still points at s.
func (t *Task) leaveQueue(s *Scheduler) {
	t.mu.Lock()
	if t.queue == s {
		t.queue = nil
	}
	t.mu.Unlock()
}

func (t *Task) String() string {
	if t.name != "" {
		return fmt.Sprintf("%s(%s)", t.name, t.id)
	}
	return t.id.String()
}
