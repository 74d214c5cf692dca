package batch

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRunCollectsAllSuccesses(t *testing.T) {
	items := make([]any, 10)
	for i := range items {
		items[i] = i
	}

	result := Run(context.Background(), items, func(ctx context.Context, item any) (any, error) {
		return item.(int) * 2, nil
	}, Options{Concurrency: 4})

	assert.Len(t, result.Successes, 10)
	assert.Empty(t, result.Failures)
	assert.False(t, result.Partial)
}

func TestRunAggregatesPartialFailures(t *testing.T) {
	items := []any{1, 2, 3, 4}

	result := Run(context.Background(), items, func(ctx context.Context, item any) (any, error) {
		n := item.(int)
		if n%2 == 0 {
			return nil, errors.New("even numbers fail")
		}
		return n, nil
	}, Options{Concurrency: 2})

	assert.Len(t, result.Successes, 2)
	assert.Len(t, result.Failures, 2)
	assert.False(t, result.Partial)
}

func TestRunBoundsConcurrency(t *testing.T) {
	items := make([]any, 50)
	var inFlight int32
	var maxObserved int32

	Run(context.Background(), items, func(ctx context.Context, item any) (any, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			max := atomic.LoadInt32(&maxObserved)
			if n <= max || atomic.CompareAndSwapInt32(&maxObserved, max, n) {
				break
			}
		}
		atomic.AddInt32(&inFlight, -1)
		return nil, nil
	}, Options{Concurrency: 5})

	assert.LessOrEqual(t, int(maxObserved), 5)
}

func TestRunStopOnErrorMarksPartial(t *testing.T) {
	items := make([]any, 100)
	for i := range items {
		items[i] = i
	}

	result := Run(context.Background(), items, func(ctx context.Context, item any) (any, error) {
		if item.(int) == 1 {
			return nil, errors.New("boom")
		}
		return item, nil
	}, Options{Concurrency: 1, StopOnError: true})

	assert.True(t, result.Partial)
	assert.NotEmpty(t, result.Failures)
	assert.Less(t, len(result.Successes)+len(result.Failures), 100)
}
