// Package rotation implements the two failure-recovery state machines of the
// bridge: per-model credential rotation and automatic model fallback for the
// synthetic auto-claude model. It owns the cooldown table and the table of
// active auto requests.
package rotation

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// AutoModel is the synthetic model name that triggers automatic fallback.
const AutoModel = "auto-claude"

// CooldownDuration is how long a rate-limited model is excluded from
// auto-fallback selection.
const CooldownDuration = time.Hour

// Priority is the fallback order, best first. Selection walks this list and
// picks the first model that is not cooled down and exists in the catalog.
var Priority = []string{
	"claude-opus-4-1-20250805-thinking-16k",
	"claude-opus-4-1-20250805",
	"claude-opus-4-20250514-thinking-16k",
	"claude-opus-4-20250514",
	"claude-3-7-sonnet-20250219",
	"claude-sonnet-4-20250514",
	"claude-3-5-sonnet-20241022",
}

// Pool is the slice of the endpoint store the engine needs.
type Pool interface {
	Rotate(model string) bool
	PairCount(model string) int
}

// Engine tracks cooldowns and active auto requests. The zero time source is
// the wall clock; tests inject their own.
type Engine struct {
	mu        sync.Mutex
	pool      Pool
	inCatalog func(model string) bool
	now       func() time.Time

	cooldowns map[string]time.Time
	active    map[string]string
}

// NewEngine builds an engine over the endpoint pool and a catalog membership
// predicate.
func NewEngine(pool Pool, inCatalog func(model string) bool) *Engine {
	return &Engine{
		pool:      pool,
		inCatalog: inCatalog,
		now:       time.Now,
		cooldowns: make(map[string]time.Time),
		active:    make(map[string]string),
	}
}

// SetClock overrides the time source. Test hook.
func (e *Engine) SetClock(now func() time.Time) { e.now = now }

// SelectModel picks the best available model from the priority list,
// skipping cooled-down entries and names absent from the catalog. When every
// model is cooled down, the last entry is the forced fallback.
func (e *Engine) SelectModel() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.selectLocked()
}

func (e *Engine) selectLocked() string {
	e.reapLocked()
	for _, model := range Priority {
		if _, cooled := e.cooldowns[model]; cooled {
			continue
		}
		if e.inCatalog != nil && !e.inCatalog(model) {
			continue
		}
		log.Infof("auto-claude: selected model %q", model)
		return model
	}
	fallback := Priority[len(Priority)-1]
	log.Warnf("auto-claude: all models cooled down, forcing fallback %q", fallback)
	return fallback
}

// reapLocked lazily removes expired cooldowns.
func (e *Engine) reapLocked() {
	now := e.now()
	for model, expiry := range e.cooldowns {
		if now.After(expiry) {
			delete(e.cooldowns, model)
			log.Infof("auto-claude: model %q re-enabled after cooldown", model)
		}
	}
}

// Cooldown excludes a model from selection for the cooldown window.
func (e *Engine) Cooldown(model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	expiry := e.now().Add(CooldownDuration)
	e.cooldowns[model] = expiry
	log.Infof("auto-claude: model %q disabled until %s", model, expiry.Format("2006-01-02 15:04:05"))
}

// IsCooledDown reports whether a model is currently excluded.
func (e *Engine) IsCooledDown(model string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.reapLocked()
	_, cooled := e.cooldowns[model]
	return cooled
}

// TrackAuto records that a request runs under auto fallback with the given
// current model. At most one model is current per request at any time.
func (e *Engine) TrackAuto(requestID, model string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.active[requestID] = model
}

// ActiveModel returns the current model of an auto request.
func (e *Engine) ActiveModel(requestID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	model, ok := e.active[requestID]
	return model, ok
}

// Advance cools down the request's current model, selects the next one,
// records it and returns (previous, next). Switches are sequential per
// request ID.
func (e *Engine) Advance(requestID string) (string, string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, ok := e.active[requestID]
	if !ok {
		return "", "", false
	}
	expiry := e.now().Add(CooldownDuration)
	e.cooldowns[current] = expiry
	log.Infof("auto-claude: model %q disabled until %s", current, expiry.Format("2006-01-02 15:04:05"))

	next := e.selectLocked()
	e.active[requestID] = next
	return current, next, true
}

// Release drops the active-auto entry of a finished request.
func (e *Engine) Release(requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.active, requestID)
}

// RotateModel advances the credential pool of a model and returns the
// user-facing notice to stream back. Single-pair pools are not rotated; the
// caller is told to configure more endpoints instead.
func (e *Engine) RotateModel(model string) (string, bool) {
	rotated := e.pool.Rotate(model)
	return RotationNotice(model, rotated), rotated
}

// RotationNotice renders the assistant message that finishes a rate-limited
// stream after a rotation attempt.
func RotationNotice(model string, rotated bool) string {
	if rotated {
		return fmt.Sprintf(`🔄 **Rotation System Activated**

The current endpoint hit its rate limit for model '%s'. I have automatically rotated to the next available endpoint.

**Please resend your previous message to continue the conversation.**

*This is an automated message from the bridge rotation system.*`, model)
	}
	return fmt.Sprintf(`⚠️ **Rate Limit Detected**

A rate limit was detected for model '%s', but there are no additional endpoints configured to rotate to.

**Recommendations:**
- Wait a few minutes before retrying
- Consider adding more backup session IDs for this model

*This is an automated message from the bridge rotation system.*`, model)
}

// UnidentifiedNotice is streamed when a rate limit fires but the model could
// not be identified for rotation.
const UnidentifiedNotice = "🔄 A rate limit was detected, but the specific model could not be identified for automatic rotation. Please retry your request in a few minutes."

// SwitchNotice renders the visible line emitted mid-stream when auto
// fallback switches models.
func SwitchNotice(from, to string) string {
	return fmt.Sprintf("🔄 **Auto-Claude:** Rate limit detected for '%s'. Switching to '%s'...", from, to)
}
