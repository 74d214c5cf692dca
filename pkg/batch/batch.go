// Package batch implements BatchExecutor (spec.md §4.9): bounded
// concurrency fan-out for insertMany/getMany/deleteMany with
// partial-failure aggregation. Grounded on the teacher's bounded
// worker-pool idiom for concurrent fan-out (a buffered token channel
// gating goroutines, no third-party errgroup dependency anywhere in its
// 88-import surface).
package batch

import (
	"context"
	"sync"
)

// Outcome is one item's result: exactly one of Value or Err is set.
type Outcome struct {
	Index int
	Value any
	Err   error
}

// Result aggregates a batch run.
type Result struct {
	Successes []Outcome
	Failures  []Outcome
	Partial   bool // true if StopOnError cancelled remaining items
}

// Options configures a batch run.
type Options struct {
	Concurrency int  // default 16
	StopOnError bool
}

// Fn processes one item and returns its value or error.
type Fn func(ctx context.Context, item any) (any, error)

// Run executes fn over items with at most Concurrency in-flight calls,
// collecting {index, value|error} for every item. If StopOnError is set,
// pending items are cancelled (best-effort) once the first error is
// observed and Result.Partial is set.
func Run(ctx context.Context, items []any, fn Fn, opts Options) Result {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = 16
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make([]Outcome, len(items))
	scheduled := make([]bool, len(items))
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var partial bool
	var stopped bool

	for i, item := range items {
		mu.Lock()
		if stopped {
			mu.Unlock()
			break
		}
		mu.Unlock()

		scheduled[i] = true
		sem <- struct{}{}
		wg.Add(1)
		go func(i int, item any) {
			defer wg.Done()
			defer func() { <-sem }()

			select {
			case <-runCtx.Done():
				outcomes[i] = Outcome{Index: i, Err: runCtx.Err()}
				return
			default:
			}

			value, err := fn(runCtx, item)
			outcomes[i] = Outcome{Index: i, Value: value, Err: err}

			if err != nil && opts.StopOnError {
				mu.Lock()
				if !stopped {
					stopped = true
					partial = true
					cancel()
				}
				mu.Unlock()
			}
		}(i, item)
	}

	wg.Wait()

	result := Result{Partial: partial}
	for i, o := range outcomes {
		if !scheduled[i] {
			continue // StopOnError broke the dispatch loop before this item ran
		}
		if o.Err != nil {
			result.Failures = append(result.Failures, o)
		} else {
			result.Successes = append(result.Successes, o)
		}
	}
	return result
}
