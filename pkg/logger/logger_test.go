package logger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscribeReceivesEntries(t *testing.T) {
	l := New("s3db-test", "0.0.0")
	l.DisableConsoleOutput()

	ch := l.Subscribe()
	l.Info("hello %s", "world")

	select {
	case entry := <-ch:
		assert.Equal(t, LevelInfo, entry.Level)
		assert.Equal(t, "hello world", entry.Message)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for log entry")
	}
}

func TestWithFieldsAttachesFields(t *testing.T) {
	l := New("s3db-test", "0.0.0")
	l.DisableConsoleOutput()

	ch := l.Subscribe()
	l.WithFields(map[string]string{"resource": "orders"}).Info("inserted")

	entry := <-ch
	require.NotNil(t, entry.Fields)
	assert.Equal(t, "orders", entry.Fields["resource"])
}

func TestFullSubscriberChannelDoesNotBlock(t *testing.T) {
	l := New("s3db-test", "0.0.0")
	l.DisableConsoleOutput()
	_ = l.Subscribe() // unbuffered consumption never happens

	done := make(chan struct{})
	go func() {
		for i := 0; i < 200; i++ {
			l.Info("message %d", i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("logging blocked on a full subscriber channel")
	}
}
