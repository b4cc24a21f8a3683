package util

import (
	"context"
	"sync"
)

// ConcurrentTask represents a task that can be executed concurrently
type ConcurrentTask func(ctx context.Context) error

// RunConcurrent executes tasks with at most maxConcurrency running at once and
// returns one error slot per task. With failFast the context handed to tasks
// is cancelled on the first error, and tasks still waiting for a slot are not
// started; their slot holds the context error.
func RunConcurrent(ctx context.Context, tasks []ConcurrentTask, maxConcurrency int, failFast bool) []error {
	errs := make([]error, len(tasks))
	if len(tasks) == 0 {
		return errs
	}
	if maxConcurrency <= 0 || maxConcurrency > len(tasks) {
		maxConcurrency = len(tasks)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Semaphore channel to limit concurrency
	semaphore := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup

	for i, task := range tasks {
		wg.Add(1)
		go func(i int, t ConcurrentTask) {
			defer wg.Done()

			select {
			case semaphore <- struct{}{}:
			case <-ctx.Done():
				errs[i] = ctx.Err()
				return
			}
			defer func() { <-semaphore }()

			if err := ctx.Err(); err != nil {
				errs[i] = err
				return
			}
			if err := t(ctx); err != nil {
				errs[i] = err
				if failFast {
					cancel()
				}
			}
		}(i, task)
	}

	wg.Wait()
	return errs
}
