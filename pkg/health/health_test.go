package health

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOverallStatusRollup(t *testing.T) {
	t.Run("no checks is healthy", func(t *testing.T) {
		c := NewChecker()
		assert.Equal(t, StatusHealthy, c.GetOverallStatus())
	})

	t.Run("all passing is healthy", func(t *testing.T) {
		c := NewChecker()
		c.RunCheck("bucket", func() error { return nil })
		assert.Equal(t, StatusHealthy, c.GetOverallStatus())
	})

	t.Run("mixed is degraded", func(t *testing.T) {
		c := NewChecker()
		c.RunCheck("bucket", func() error { return nil })
		c.RunCheck("plugin:scheduler", func() error { return errors.New("down") })
		assert.Equal(t, StatusDegraded, c.GetOverallStatus())
	})

	t.Run("all failing is unhealthy", func(t *testing.T) {
		c := NewChecker()
		c.RunCheck("bucket", func() error { return errors.New("down") })
		assert.Equal(t, StatusUnhealthy, c.GetOverallStatus())
	})
}

func TestGetAllChecksIsASnapshot(t *testing.T) {
	c := NewChecker()
	c.RunCheck("bucket", func() error { return nil })

	checks := c.GetAllChecks()
	assert.Len(t, checks, 1)
	checks[0].Status = StatusUnhealthy

	fresh := c.GetAllChecks()
	assert.Equal(t, StatusHealthy, fresh[0].Status)
}
