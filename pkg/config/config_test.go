package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewSeedsDefaultsAndOverrides(t *testing.T) {
	c := New(map[string]string{KeyDefaultPageSize: "250"})

	assert.Equal(t, "250", c.Get(KeyDefaultPageSize))
	assert.Equal(t, Defaults[KeyDefaultBatchConcurrency], c.Get(KeyDefaultBatchConcurrency))
}

func TestGetIntFallback(t *testing.T) {
	c := New(nil)

	assert.Equal(t, 2000, c.GetInt(KeyMixedSpillThresholdBytes, -1))
	assert.Equal(t, 42, c.GetInt("missing.key", 42))

	c.Update(map[string]string{KeyMixedSpillThresholdBytes: "not-a-number"})
	assert.Equal(t, -1, c.GetInt(KeyMixedSpillThresholdBytes, -1))
}

func TestRequiresRestart(t *testing.T) {
	c := New(nil)
	old := c.GetAll()

	assert.False(t, c.RequiresRestart(old))

	c.Update(map[string]string{KeyDefaultBatchConcurrency: "32"})
	assert.True(t, c.RequiresRestart(old))
}
