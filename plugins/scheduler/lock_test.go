package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/s3db-go/s3db/pkg/cost"
	"github.com/s3db-go/s3db/pkg/eventbus"
	"github.com/s3db-go/s3db/pkg/objectclient"
	"github.com/s3db-go/s3db/pkg/plugin"
)

func newTestScheduler(t *testing.T) *Scheduler {
	t.Helper()
	client := objectclient.NewFake(cost.New(cost.DefaultPricingTable()))
	framework := plugin.New(client, eventbus.New(nil))
	s := New("cron", nil, nil)
	require.NoError(t, s.Setup(context.Background(), framework))
	return s
}

// Regression test: a lock that expired while the original holder's
// job.Fn was still running, and was then re-acquired by a second
// instance, must survive the first instance's deferred releaseLock —
// the fencing token stops it from deleting a lock it no longer owns.
func TestReleaseLockDoesNotDeleteAnotherInstancesTakeover(t *testing.T) {
	s := newTestScheduler(t)
	job := Job{Name: "heartbeat", LockTTL: time.Millisecond}

	firstToken, ok := s.acquireLock(context.Background(), job)
	require.True(t, ok)

	time.Sleep(5 * time.Millisecond) // let the lock expire

	secondToken, ok := s.acquireLock(context.Background(), job)
	require.True(t, ok)
	assert.NotEqual(t, firstToken, secondToken)

	s.releaseLock(context.Background(), job, firstToken)

	existing, err := s.storage.Get(context.Background(), lockKey(job.Name))
	require.NoError(t, err, "second instance's lock must still be present")
	held, ok := decodeLock(existing.Body)
	require.True(t, ok)
	assert.Equal(t, secondToken, held.Token)
}

func TestReleaseLockDeletesItsOwnLock(t *testing.T) {
	s := newTestScheduler(t)
	job := Job{Name: "heartbeat", LockTTL: time.Minute}

	token, ok := s.acquireLock(context.Background(), job)
	require.True(t, ok)

	s.releaseLock(context.Background(), job, token)

	_, err := s.storage.Get(context.Background(), lockKey(job.Name))
	assert.Error(t, err, "owner's release must remove the lock")
}
