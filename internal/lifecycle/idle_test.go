package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTouchResetsIdleClock(t *testing.T) {
	s := NewSupervisor(nil, true, 600)
	s.mu.Lock()
	s.lastActivity = time.Now().Add(-time.Hour)
	s.mu.Unlock()
	assert.Greater(t, s.IdleFor(), 30*time.Minute)

	s.Touch()
	assert.Less(t, s.IdleFor(), time.Second)
}

func TestNegativeTimeoutDisables(t *testing.T) {
	s := NewSupervisor(nil, true, -1)
	assert.False(t, s.enabled)
}

func TestDisabledFlagWins(t *testing.T) {
	s := NewSupervisor(nil, false, 600)
	assert.False(t, s.enabled)
}
