package replicator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/plugin"
	"github.com/s3db-go/s3db/pkg/resource"
	"github.com/s3db-go/s3db/plugins/replicator"
)

type captureSink struct {
	mu     sync.Mutex
	events []replicator.ChangeEvent
}

func (s *captureSink) Name() string { return "capture" }
func (s *captureSink) Replicate(ctx context.Context, ev replicator.ChangeEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}
func (s *captureSink) snapshot() []replicator.ChangeEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]replicator.ChangeEvent(nil), s.events...)
}

func TestReplicatorFansOutAfterEventsToEverySink(t *testing.T) {
	sink := &captureSink{}
	r := replicator.New("replicator", []replicator.Sink{sink, replicator.NewLogSink(nil)}, nil)

	bus := eventbus.New(nil)
	framework := plugin.New(objectclient.NewFake(cost.New(cost.DefaultPricingTable())), bus)
	require.NoError(t, r.Setup(context.Background(), framework))
	require.NoError(t, r.Start(context.Background()))

	bus.Emit("orders:after:insert", resource.EventPayload{
		Record:       map[string]any{"id": "o1", "status": "new"},
		ResourceName: "orders",
		Op:           "insert",
	})

	require.Eventually(t, func() bool { return len(sink.snapshot()) == 1 }, time.Second, 10*time.Millisecond)
	ev := sink.snapshot()[0]
	assert.Equal(t, "orders", ev.ResourceName)
	assert.Equal(t, "insert", ev.Op)
	assert.Equal(t, "o1", ev.Record["id"])
}

func TestReplicatorIgnoresNonResourceEventPayloads(t *testing.T) {
	sink := &captureSink{}
	r := replicator.New("replicator", []replicator.Sink{sink}, nil)
	bus := eventbus.New(nil)
	framework := plugin.New(objectclient.NewFake(cost.New(cost.DefaultPricingTable())), bus)
	require.NoError(t, r.Setup(context.Background(), framework))

	bus.Emit("orders:after:insert", "not-a-change-event")

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}

func TestReplicatorStopUnsubscribes(t *testing.T) {
	sink := &captureSink{}
	r := replicator.New("replicator", []replicator.Sink{sink}, nil)
	bus := eventbus.New(nil)
	framework := plugin.New(objectclient.NewFake(cost.New(cost.DefaultPricingTable())), bus)
	require.NoError(t, r.Setup(context.Background(), framework))
	require.NoError(t, r.Stop(context.Background()))

	bus.Emit("orders:after:insert", resource.EventPayload{Record: map[string]any{"id": "o1"}, ResourceName: "orders", Op: "insert"})
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.snapshot())
}
