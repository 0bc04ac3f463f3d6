// internal/sched/combinators.go

package sched

import "context"

type outcome struct {
	idx    int
	result any
	err    error
}

// All starts every task and waits for them concurrently. The results are
// aligned with tasks. The first failure, in completion order, is returned
// immediately; the remaining tasks keep running, but nothing waits on them
// after All returns.
func All(ctx context.Context, tasks ...*Task) ([]any, error) {
	results := make([]any, len(tasks))
	if len(tasks) == 0 {
		return results, nil
	}
	for _, t := range tasks {
		if t == nil {
			return nil, ErrNilTask
		}
	}

	// Ending wctx releases the waiters left behind by a fail-fast return;
	// the buffer lets them exit without a reader.
	wctx, release := context.WithCancel(ctx)
	defer release()
	ch := make(chan outcome, len(tasks))
	for _, t := range tasks {
		t.Start()
	}
	for i, t := range tasks {
		go func() {
			res, err := t.Await(wctx)
			ch <- outcome{idx: i, result: res, err: err}
		}()
	}

	for range tasks {
		select {
		case o := <-ch:
			if o.err != nil {
				return nil, o.err
			}
			results[o.idx] = o.result
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return results, nil
}

// Race starts every task and settles with the first one to finish: its
// result, or its error if it failed. As soon as the winner is known every
// other task known to s is cancelled, the other racers included. With a nil
// s only the other racers are cancelled.
func Race(ctx context.Context, s *Scheduler, tasks ...*Task) (any, error) {
	if len(tasks) == 0 {
		return nil, ErrNoTasks
	}
	for _, t := range tasks {
		if t == nil {
			return nil, ErrNilTask
		}
	}

	for _, t := range tasks {
		if s != nil {
			s.track(t)
		}
		t.Start()
	}

	wctx, release := context.WithCancel(ctx)
	defer release()
	ch := make(chan outcome, len(tasks))
	for i, t := range tasks {
		go func() {
			res, err := t.Await(wctx)
			ch <- outcome{idx: i, result: res, err: err}
		}()
	}

	var first outcome
	select {
	case first = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	// The caller's context ending is not a task finishing.
	if wctx.Err() != nil && first.err == wctx.Err() {
		return nil, first.err
	}

	winner := tasks[first.idx]
	if s != nil {
		s.CancelAllOtherTasks(winner)
	}
	for _, t := range tasks {
		if t != winner && t.Cancel() && s != nil {
			s.metrics.RecordTaskCancelled("race")
		}
	}
	return first.result, first.err
}
