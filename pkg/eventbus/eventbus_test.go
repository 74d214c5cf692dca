package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitWithNoSubscribersIsANoOp(t *testing.T) {
	b := New(nil)
	assert.NotPanics(t, func() {
		b.Emit("orders:after:insert", map[string]any{"id": "o1"})
	})
}

func TestEmitDeliversToMatchingSubscriber(t *testing.T) {
	b := New(nil)
	received := make(chan any, 1)
	b.On("orders:after:insert", func(event string, payload any) {
		received <- payload
	})

	b.Emit("orders:after:insert", "o1")

	select {
	case p := <-received:
		assert.Equal(t, "o1", p)
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}
}

func TestWildcardSubscriberMatches(t *testing.T) {
	b := New(nil)
	received := make(chan string, 1)
	b.On("orders:*", func(event string, payload any) {
		received <- event
	})

	b.Emit("orders:after:update", nil)

	select {
	case ev := <-received:
		assert.Equal(t, "orders:after:update", ev)
	case <-time.After(time.Second):
		t.Fatal("wildcard handler was never invoked")
	}
}

func TestWildcardSubscriberMatchesMiddleSegment(t *testing.T) {
	b := New(nil)
	received := make(chan string, 2)
	b.On("*:after:*", func(event string, payload any) {
		received <- event
	})

	b.Emit("orders:after:insert", nil)
	b.Emit("orders:before:insert", nil)

	select {
	case ev := <-received:
		assert.Equal(t, "orders:after:insert", ev)
	case <-time.After(time.Second):
		t.Fatal("middle-wildcard handler was never invoked")
	}

	select {
	case <-received:
		t.Fatal("pattern must not match a non-matching middle segment")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDeliveryOrderWithinOneEventName(t *testing.T) {
	b := New(nil)
	var mu sync.Mutex
	var order []int

	b.On("tick", func(event string, payload any) {
		mu.Lock()
		order = append(order, payload.(int))
		mu.Unlock()
	})

	for i := 0; i < 20; i++ {
		b.Emit("tick", i)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 20
	}, time.Second, time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 0; i < 20; i++ {
		assert.Equal(t, i, order[i])
	}
}

func TestOffRemovesSubscription(t *testing.T) {
	b := New(nil)
	calls := 0
	id := b.On("x", func(event string, payload any) { calls++ })
	b.Off(id)
	b.Emit("x", nil)

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, calls)
}

func TestPanicInHandlerIsIsolated(t *testing.T) {
	var sinkEvent string
	var sinkRecovered any
	done := make(chan struct{})

	b := New(func(event string, recovered any) {
		sinkEvent = event
		sinkRecovered = recovered
		close(done)
	})

	otherCalled := make(chan struct{})
	b.On("boom", func(event string, payload any) { panic("kaboom") })
	b.On("boom", func(event string, payload any) { close(otherCalled) })

	b.Emit("boom", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("error sink never invoked")
	}
	select {
	case <-otherCalled:
	case <-time.After(time.Second):
		t.Fatal("second handler was never invoked after first panicked")
	}
	assert.Equal(t, "boom", sinkEvent)
	assert.Equal(t, "kaboom", sinkRecovered)
}
