// Package iterator implements StreamingIterator (spec.md §4.10): a lazy,
// restartable sequence over a resource's listing, decoding each page's
// records in parallel with pkg/batch. A consumer that stops early
// incurs no further I/O since pages are only fetched on demand.
package iterator

import (
	"context"
	"errors"

	"github.com/s3db-go/s3db/pkg/batch"
)

// Page fetches one page of raw items (e.g. object keys) starting from
// token ("" for the first page), returning the page's items, the next
// page's token ("" when exhausted), and an error.
type Page func(ctx context.Context, token string, pageSize int) (items []any, nextToken string, err error)

// Decode turns one raw item into its decoded value.
type Decode func(ctx context.Context, item any) (any, error)

// ErrSkip, returned from a Decode, drops that item from the sequence
// instead of aborting it — for a listed-then-concurrently-deleted item,
// the same benign race Resource.List and Resource.ListByPartition already
// tolerate by skipping a NotFound decode.
var ErrSkip = errors.New("iterator: skip item")

// Iterator is a lazy, restartable sequence of decoded values.
type Iterator struct {
	ctx         context.Context
	fetchPage   Page
	decode      Decode
	pageSize    int
	concurrency int

	buffer     []any
	bufferPos  int
	nextToken  string
	started    bool
	exhausted  bool
}

// New builds an Iterator. pageSize is the LIST page size; concurrency
// bounds how many items within one page are decoded in parallel.
func New(ctx context.Context, fetchPage Page, decode Decode, pageSize, concurrency int) *Iterator {
	if pageSize <= 0 {
		pageSize = 100
	}
	if concurrency <= 0 {
		concurrency = 16
	}
	return &Iterator{ctx: ctx, fetchPage: fetchPage, decode: decode, pageSize: pageSize, concurrency: concurrency}
}

// Next returns the next decoded value. done is true once the sequence is
// exhausted, at which point value is nil and err is nil.
func (it *Iterator) Next() (value any, done bool, err error) {
	for it.bufferPos >= len(it.buffer) {
		if it.started && it.exhausted {
			return nil, true, nil
		}
		if err := it.fillBuffer(); err != nil {
			return nil, false, err
		}
	}
	v := it.buffer[it.bufferPos]
	it.bufferPos++
	return v, false, nil
}

// Restart rewinds the iterator to the given token ("" for the
// beginning), discarding any buffered page.
func (it *Iterator) Restart(token string) {
	it.nextToken = token
	it.buffer = nil
	it.bufferPos = 0
	it.started = false
	it.exhausted = false
}

// Token returns the continuation token for the page boundary the
// iterator is currently positioned at, usable with Restart.
func (it *Iterator) Token() string {
	return it.nextToken
}

func (it *Iterator) fillBuffer() error {
	items, next, err := it.fetchPage(it.ctx, it.nextToken, it.pageSize)
	if err != nil {
		return err
	}
	it.started = true
	it.nextToken = next
	if next == "" {
		it.exhausted = true
	}

	if len(items) == 0 {
		it.buffer = nil
		it.bufferPos = 0
		return nil
	}

	result := batch.Run(it.ctx, items, func(ctx context.Context, item any) (any, error) {
		return it.decode(ctx, item)
	}, batch.Options{Concurrency: it.concurrency})

	decoded := make([]any, len(items))
	present := make([]bool, len(items))
	for _, o := range result.Successes {
		decoded[o.Index] = o.Value
		present[o.Index] = true
	}
	for _, o := range result.Failures {
		if errors.Is(o.Err, ErrSkip) {
			continue
		}
		return o.Err
	}

	it.buffer = it.buffer[:0]
	for i, ok := range present {
		if ok {
			it.buffer = append(it.buffer, decoded[i])
		}
	}
	it.bufferPos = 0
	return nil
}

// Collect drains the iterator into a slice; intended for tests and small
// result sets, not production call sites expecting lazy consumption.
func Collect(it *Iterator) ([]any, error) {
	var out []any
	for {
		v, done, err := it.Next()
		if err != nil {
			return out, err
		}
		if done {
			return out, nil
		}
		out = append(out, v)
	}
}
