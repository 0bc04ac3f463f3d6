package job

import (
	"errors"
	"time"

	"deferq/internal/sched"
)

// SleepWork returns work that sleeps for d and then fulfills with value.
// The sleep is a cooperative suspension point, so cancellation and the
// task timeout end it early.
func SleepWork(d time.Duration, value any) sched.Work {
	return func(h *sched.Handle) (any, error) {
		if err := h.Sleep(d); err != nil {
			return nil, err
		}
		return value, nil
	}
}

// StepWork spreads d over steps sleeps and reports the completed step count
// as progress after each one.
func StepWork(d time.Duration, steps int, value any) sched.Work {
	if steps <= 0 {
		return SleepWork(d, value)
	}
	slice := d / time.Duration(steps)
	return func(h *sched.Handle) (any, error) {
		for i := 1; i <= steps; i++ {
			if err := h.Sleep(slice); err != nil {
				return nil, err
			}
			h.Progress(Step{Done: i, Total: steps})
		}
		return value, nil
	}
}

// Step is the progress payload emitted by StepWork.
type Step struct {
	Done  int
	Total int
}

// FailWork sleeps for d and then fails with err.
func FailWork(d time.Duration, err error) sched.Work {
	return func(h *sched.Handle) (any, error) {
		if serr := h.Sleep(d); serr != nil {
			return nil, serr
		}
		return nil, err
	}
}

// FromSpec builds the work function described by a workload job.
func FromSpec(js sched.JobSpec) sched.Work {
	value := any(js.Value)
	if js.Value == "" {
		value = js.Name
	}
	if js.Fail != "" {
		return FailWork(js.Duration, errors.New(js.Fail))
	}
	return StepWork(js.Duration, js.Steps, value)
}
