package dispatch

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/semaphore"
)

// Executor runs CPU-bound jobs on goroutines separate from the worker and
// connection goroutines, with at most slots jobs running at once.
type Executor struct {
	sem *semaphore.Weighted
}

func NewExecutor(slots int) *Executor {
	if slots <= 0 {
		slots = 1
	}
	return &Executor{sem: semaphore.NewWeighted(int64(slots))}
}

type execResult struct {
	out string
	err error
}

// Do waits for a free slot, runs fn on its own goroutine, and returns its result.
// A panic inside fn is returned as an error. ctx only bounds the wait for a slot;
// a running job is never interrupted.
func (e *Executor) Do(ctx context.Context, fn func() (string, error)) (string, error) {
	if err := e.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	done := make(chan execResult, 1)
	go func() {
		defer e.sem.Release(1)
		defer func() {
			if r := recover(); r != nil {
				done <- execResult{err: fmt.Errorf("dispatch: job panicked: %v\n%s", r, debug.Stack())}
			}
		}()
		out, err := fn()
		done <- execResult{out: out, err: err}
	}()
	res := <-done
	return res.out, res.err
}
