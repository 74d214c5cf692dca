package scheduler_test

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
	"github.com/s3db-go/s3db/plugins/scheduler"
)

func TestSchedulerRunsJobOnTick(t *testing.T) {
	var mu sync.Mutex
	runs := 0

	s := scheduler.New("cron", []scheduler.Job{{
		Name:     "heartbeat",
		Schedule: "@every 20ms",
		LockTTL:  time.Minute,
		Fn: func(ctx context.Context) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	}}, nil)

	client := objectclient.NewFake(cost.New(cost.DefaultPricingTable()))
	framework := plugin.New(client, eventbus.New(nil))
	require.NoError(t, s.Setup(context.Background(), framework))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 2
	}, time.Second, 10*time.Millisecond)
}

func TestSchedulerSkipsTickWhileLockIsHeld(t *testing.T) {
	client := objectclient.NewFake(cost.New(cost.DefaultPricingTable()))
	framework := plugin.New(client, eventbus.New(nil))

	// Pre-acquire the job's lock the way a concurrent instance would.
	lockBody := []byte(`{"token":"other-instance","expiresAt":"` + time.Now().Add(time.Hour).UTC().Format(time.RFC3339Nano) + `"}`)
	require.NoError(t, framework.Storage("cron").PutIfAbsent(context.Background(), "locks/heartbeat", lockBody, nil))

	var mu sync.Mutex
	runs := 0
	s := scheduler.New("cron", []scheduler.Job{{
		Name:     "heartbeat",
		Schedule: "@every 20ms",
		LockTTL:  time.Minute,
		Fn: func(ctx context.Context) error {
			mu.Lock()
			runs++
			mu.Unlock()
			return nil
		},
	}}, nil)

	require.NoError(t, s.Setup(context.Background(), framework))
	require.NoError(t, s.Start(context.Background()))
	defer s.Stop(context.Background())

	time.Sleep(100 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, runs, "lock held by another instance must block every tick")
}
