package rotation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	rotateResult bool
	rotated      []string
	pairs        map[string]int
}

func (p *fakePool) Rotate(model string) bool {
	p.rotated = append(p.rotated, model)
	return p.rotateResult
}

func (p *fakePool) PairCount(model string) int {
	return p.pairs[model]
}

func allInCatalog(string) bool { return true }

func TestSelectModelPicksHighestPriority(t *testing.T) {
	engine := NewEngine(&fakePool{}, allInCatalog)
	assert.Equal(t, Priority[0], engine.SelectModel())
}

func TestSelectModelSkipsCooledDown(t *testing.T) {
	engine := NewEngine(&fakePool{}, allInCatalog)
	engine.Cooldown(Priority[0])
	engine.Cooldown(Priority[1])

	assert.Equal(t, Priority[2], engine.SelectModel())
}

func TestSelectModelSkipsAbsentFromCatalog(t *testing.T) {
	engine := NewEngine(&fakePool{}, func(model string) bool {
		return model != Priority[0]
	})
	assert.Equal(t, Priority[1], engine.SelectModel())
}

func TestSelectModelForcedFallback(t *testing.T) {
	engine := NewEngine(&fakePool{}, allInCatalog)
	for _, model := range Priority {
		engine.Cooldown(model)
	}
	assert.Equal(t, Priority[len(Priority)-1], engine.SelectModel())
}

func TestCooldownExpires(t *testing.T) {
	engine := NewEngine(&fakePool{}, allInCatalog)
	current := time.Now()
	engine.SetClock(func() time.Time { return current })

	engine.Cooldown(Priority[0])
	assert.True(t, engine.IsCooledDown(Priority[0]))
	assert.Equal(t, Priority[1], engine.SelectModel())

	current = current.Add(CooldownDuration + time.Minute)
	assert.False(t, engine.IsCooledDown(Priority[0]))
	assert.Equal(t, Priority[0], engine.SelectModel())
}

func TestAdvanceCoolsDownAndSwitches(t *testing.T) {
	engine := NewEngine(&fakePool{}, allInCatalog)
	engine.TrackAuto("req-1", Priority[0])

	previous, next, ok := engine.Advance("req-1")
	require.True(t, ok)
	assert.Equal(t, Priority[0], previous)
	assert.Equal(t, Priority[1], next)
	assert.True(t, engine.IsCooledDown(Priority[0]))

	active, tracked := engine.ActiveModel("req-1")
	require.True(t, tracked)
	assert.Equal(t, Priority[1], active)
}

func TestAdvanceWithoutActiveEntry(t *testing.T) {
	engine := NewEngine(&fakePool{}, allInCatalog)
	_, _, ok := engine.Advance("unknown")
	assert.False(t, ok)
}

func TestReleaseDropsActiveEntry(t *testing.T) {
	engine := NewEngine(&fakePool{}, allInCatalog)
	engine.TrackAuto("req-1", Priority[0])
	engine.Release("req-1")

	_, tracked := engine.ActiveModel("req-1")
	assert.False(t, tracked)
}

func TestRotateModelNotices(t *testing.T) {
	pool := &fakePool{rotateResult: true}
	engine := NewEngine(pool, allInCatalog)

	notice, rotated := engine.RotateModel("claude-opus-4-20250514")
	assert.True(t, rotated)
	assert.Contains(t, notice, "Rotation System Activated")
	assert.Contains(t, notice, "claude-opus-4-20250514")
	assert.Equal(t, []string{"claude-opus-4-20250514"}, pool.rotated)

	pool.rotateResult = false
	notice, rotated = engine.RotateModel("claude-opus-4-20250514")
	assert.False(t, rotated)
	assert.Contains(t, notice, "Rate Limit Detected")
	assert.Contains(t, notice, "adding more backup session IDs")
}

func TestSwitchNotice(t *testing.T) {
	notice := SwitchNotice("a-model", "b-model")
	assert.Contains(t, notice, "'a-model'")
	assert.Contains(t, notice, "'b-model'")
}
