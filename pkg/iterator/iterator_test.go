package iterator

import (
	"context"
	"errors"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pagedSource simulates a LIST-backed page source over a fixed key set.
func pagedSource(keys []string) Page {
	return func(ctx context.Context, token string, pageSize int) ([]any, string, error) {
		start := 0
		if token != "" {
			n, err := strconv.Atoi(token)
			if err != nil {
				return nil, "", err
			}
			start = n
		}
		end := start + pageSize
		if end > len(keys) {
			end = len(keys)
		}
		items := make([]any, 0, end-start)
		for _, k := range keys[start:end] {
			items = append(items, k)
		}
		next := ""
		if end < len(keys) {
			next = strconv.Itoa(end)
		}
		return items, next, nil
	}
}

func identityDecode(ctx context.Context, item any) (any, error) {
	return item, nil
}

func TestIteratorCollectsAllItemsAcrossPages(t *testing.T) {
	keys := []string{"a", "b", "c", "d", "e"}
	it := New(context.Background(), pagedSource(keys), identityDecode, 2, 4)

	out, err := Collect(it)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "b", "c", "d", "e"}, out)
}

func TestIteratorIsFiniteOnEmptySource(t *testing.T) {
	it := New(context.Background(), pagedSource(nil), identityDecode, 10, 4)

	_, done, err := it.Next()
	require.NoError(t, err)
	assert.True(t, done)
}

func TestIteratorStopsEarlyWithoutFurtherFetches(t *testing.T) {
	fetches := 0
	keys := []string{"a", "b", "c", "d"}
	src := pagedSource(keys)
	tracking := func(ctx context.Context, token string, pageSize int) ([]any, string, error) {
		fetches++
		return src(ctx, token, pageSize)
	}

	it := New(context.Background(), tracking, identityDecode, 1, 4)
	v, done, err := it.Next()
	require.NoError(t, err)
	require.False(t, done)
	assert.Equal(t, "a", v)
	assert.Equal(t, 1, fetches, "consuming one item should fetch exactly one page")
}

func TestIteratorRestartRewindsToToken(t *testing.T) {
	keys := []string{"a", "b", "c", "d"}
	it := New(context.Background(), pagedSource(keys), identityDecode, 2, 4)

	first, _, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", first)

	it.Restart("")
	restarted, _, err := it.Next()
	require.NoError(t, err)
	assert.Equal(t, "a", restarted)
}

func TestIteratorPropagatesDecodeFailure(t *testing.T) {
	keys := []string{"a", "bad", "c"}
	failing := func(ctx context.Context, item any) (any, error) {
		if item == "bad" {
			return nil, errors.New("decode boom")
		}
		return item, nil
	}

	it := New(context.Background(), pagedSource(keys), failing, 10, 4)
	_, err := Collect(it)
	assert.Error(t, err)
}

func TestIteratorDropsItemsDecodeSkipsWithoutAborting(t *testing.T) {
	keys := []string{"a", "gone", "c"}
	skipping := func(ctx context.Context, item any) (any, error) {
		if item == "gone" {
			return nil, ErrSkip
		}
		return item, nil
	}

	it := New(context.Background(), pagedSource(keys), skipping, 10, 4)
	out, err := Collect(it)
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"a", "c"}, out)
}
