package job

import (
	"errors"
	"sync"
	"testing"
	"time"

	"deferq/internal/sched"

	"github.com/google/go-cmp/cmp"
)

func TestSleepWork(t *testing.T) {
	task := sched.NewTask(SleepWork(5*time.Millisecond, "rested"))

	start := time.Now()
	got, err := task.Await(t.Context())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != "rested" {
		t.Errorf("result = %v, want rested", got)
	}
	if time.Since(start) < 5*time.Millisecond {
		t.Errorf("SleepWork returned early")
	}
}

func TestSleepWorkTimesOut(t *testing.T) {
	task := sched.NewTask(SleepWork(time.Hour, nil), sched.WithTimeout(10*time.Millisecond))

	if _, err := task.Await(t.Context()); !errors.Is(err, sched.ErrTimeout) {
		t.Fatalf("Await error = %v, want timeout", err)
	}
	if task.State() != sched.StateTimedOut {
		t.Errorf("State() = %s, want TimedOut", task.State())
	}
}

func TestStepWorkReportsProgress(t *testing.T) {
	var mu sync.Mutex
	var steps []Step
	task := sched.NewTask(StepWork(12*time.Millisecond, 3, "done"))
	task.OnProgress(func(v any) {
		mu.Lock()
		steps = append(steps, v.(Step))
		mu.Unlock()
	})

	got, err := task.Await(t.Context())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if got != "done" {
		t.Errorf("result = %v, want done", got)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []Step{{1, 3}, {2, 3}, {3, 3}}
	if diff := cmp.Diff(want, steps); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
}

func TestStepWorkCancelled(t *testing.T) {
	task := sched.NewTask(StepWork(time.Hour, 4, nil))
	task.Start()
	task.Cancel()

	if _, err := task.Await(t.Context()); !errors.Is(err, sched.ErrCancelled) {
		t.Errorf("Await error = %v, want cancellation", err)
	}
}

func TestFailWork(t *testing.T) {
	boom := errors.New("boom")
	task := sched.NewTask(FailWork(0, boom))

	if _, err := task.Await(t.Context()); err != boom {
		t.Errorf("Await error = %v, want %v", err, boom)
	}
}

func TestFromSpec(t *testing.T) {
	tests := []struct {
		name    string
		spec    sched.JobSpec
		want    any
		wantErr string
	}{
		{"value defaults to name", sched.JobSpec{Name: "fetch"}, "fetch", ""},
		{"explicit value", sched.JobSpec{Name: "fetch", Value: "payload", Steps: 2, Duration: 2 * time.Millisecond}, "payload", ""},
		{"failure", sched.JobSpec{Name: "fetch", Fail: "disk full"}, nil, "disk full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := sched.NewTask(FromSpec(tt.spec)).Await(t.Context())
			if tt.wantErr != "" {
				if err == nil || err.Error() != tt.wantErr {
					t.Fatalf("error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Await: %v", err)
			}
			if got != tt.want {
				t.Errorf("result = %v, want %v", got, tt.want)
			}
		})
	}
}
