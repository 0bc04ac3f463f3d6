package sched

import (
	"errors"
	"runtime"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func sleepy(d time.Duration, v any) Work {
	return func(h *Handle) (any, error) {
		if err := h.Sleep(d); err != nil {
			return nil, err
		}
		return v, nil
	}
}

func failing(d time.Duration, err error) Work {
	return func(h *Handle) (any, error) {
		if serr := h.Sleep(d); serr != nil {
			return nil, serr
		}
		return nil, err
	}
}

func TestAllKeepsInputOrder(t *testing.T) {
	a := NewTask(sleepy(30*time.Millisecond, "x"))
	b := NewTask(sleepy(10*time.Millisecond, "y"))
	c := NewTask(sleepy(0, "z"))

	got, err := All(t.Context(), a, b, c)
	if err != nil {
		t.Fatalf("All: %v", err)
	}
	if diff := cmp.Diff([]any{"x", "y", "z"}, got); diff != "" {
		t.Errorf("All results mismatch (-want +got):\n%s", diff)
	}
}

func TestAllRunsConcurrently(t *testing.T) {
	const d = 50 * time.Millisecond
	tasks := []*Task{
		NewTask(sleepy(d, 1)),
		NewTask(sleepy(d, 2)),
		NewTask(sleepy(d, 3)),
		NewTask(sleepy(d, 4)),
	}

	start := time.Now()
	if _, err := All(t.Context(), tasks...); err != nil {
		t.Fatalf("All: %v", err)
	}
	if elapsed := time.Since(start); elapsed >= time.Duration(len(tasks))*d {
		t.Errorf("All took %s, tasks did not overlap", elapsed)
	}
}

func TestAllFailFast(t *testing.T) {
	boom := errors.New("b failed")
	a := NewTask(sleepy(time.Hour, "x"))
	b := NewTask(failing(5*time.Millisecond, boom))
	c := NewTask(sleepy(0, "z"))
	defer a.Cancel()

	start := time.Now()
	_, err := All(t.Context(), a, b, c)
	if !errors.Is(err, boom) {
		t.Fatalf("All error = %v, want %v", err, boom)
	}
	if time.Since(start) > time.Second {
		t.Errorf("All waited for the slow task")
	}
	if a.State() != StateRunning {
		t.Errorf("a: State() = %s, remaining tasks must keep running", a.State())
	}
}

func TestAllReleasesWaiters(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	stuck := NewTask(func(h *Handle) (any, error) {
		<-release
		return nil, nil
	})
	defer stuck.Cancel()
	stuck.Start()

	before := runtime.NumGoroutine()
	if _, err := All(t.Context(), stuck, NewTask(failing(0, errors.New("fail")))); err == nil {
		t.Fatalf("All succeeded, want the failure")
	}

	deadline := time.Now().Add(time.Second)
	for runtime.NumGoroutine() > before {
		if time.Now().After(deadline) {
			t.Fatalf("goroutines = %d after All returned, want at most %d", runtime.NumGoroutine(), before)
		}
		time.Sleep(time.Millisecond)
	}
	if stuck.State() != StateRunning {
		t.Errorf("State() = %s, the unfinished task must keep running", stuck.State())
	}
}

func TestAllEmpty(t *testing.T) {
	got, err := All(t.Context())
	if err != nil || len(got) != 0 {
		t.Errorf("All() = %v, %v; want empty, nil", got, err)
	}
	if _, err := All(t.Context(), NewTask(nil), nil); !errors.Is(err, ErrNilTask) {
		t.Errorf("All with nil task = %v, want ErrNilTask", err)
	}
}

func TestRaceFailureWins(t *testing.T) {
	boom := errors.New("c failed")
	s := New(DefaultConfig())
	a := s.NewTask(sleepy(50*time.Millisecond, "a"))
	b := s.NewTask(sleepy(time.Hour, "b"))
	c := s.NewTask(failing(0, boom))

	_, err := Race(t.Context(), s, a, b, c)
	if !errors.Is(err, boom) {
		t.Fatalf("Race error = %v, want %v", err, boom)
	}
	for _, task := range []*Task{a, b} {
		if task.State() != StateCancelled {
			t.Errorf("State() = %s, want Cancelled", task.State())
		}
	}
	if c.State() != StateRejected {
		t.Errorf("c: State() = %s, want Rejected", c.State())
	}
}

func TestRaceFirstResultWins(t *testing.T) {
	s := New(DefaultConfig())
	a := s.NewTask(sleepy(5*time.Millisecond, "a"))
	b := s.NewTask(sleepy(time.Hour, "b"))
	c := s.NewTask(failing(time.Hour, errors.New("c failed")))

	// Input order must not matter: the fast task is last.
	got, err := Race(t.Context(), s, b, c, a)
	if err != nil {
		t.Fatalf("Race: %v", err)
	}
	if got != "a" {
		t.Errorf("Race() = %v, want a", got)
	}
	for _, task := range []*Task{b, c} {
		if task.State() != StateCancelled {
			t.Errorf("State() = %s, want Cancelled", task.State())
		}
	}
	if s.Running() != 0 {
		t.Errorf("Running() = %d after race, want 0", s.Running())
	}
}

func TestRaceCancelsOtherSchedulerTasks(t *testing.T) {
	s := New(DefaultConfig())
	bystander := s.NewTask(nil, WithName("bystander")).SetPriority(1)

	got, err := Race(t.Context(), s, NewTask(sleepy(0, "only")))
	if err != nil || got != "only" {
		t.Fatalf("Race() = %v, %v; want only, nil", got, err)
	}
	if bystander.State() != StateCancelled {
		t.Errorf("bystander: State() = %s, want Cancelled", bystander.State())
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}

func TestRaceWithoutScheduler(t *testing.T) {
	fast := NewTask(sleepy(0, 1))
	slow := NewTask(sleepy(time.Hour, 2))

	got, err := Race(t.Context(), nil, slow, fast)
	if err != nil || got != 1 {
		t.Fatalf("Race() = %v, %v; want 1, nil", got, err)
	}
	if slow.State() != StateCancelled {
		t.Errorf("slow: State() = %s, want Cancelled", slow.State())
	}
}

func TestRaceTimedOutWinner(t *testing.T) {
	slow := NewTask(sleepy(time.Hour, "slow"), WithTimeout(10*time.Millisecond))
	slower := NewTask(sleepy(time.Hour, "slower"))

	_, err := Race(t.Context(), nil, slow, slower)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Race error = %v, want timeout", err)
	}
	if slower.State() != StateCancelled {
		t.Errorf("slower: State() = %s, want Cancelled", slower.State())
	}
}

func TestRaceEmpty(t *testing.T) {
	if _, err := Race(t.Context(), nil); !errors.Is(err, ErrNoTasks) {
		t.Errorf("Race() = %v, want ErrNoTasks", err)
	}
}
