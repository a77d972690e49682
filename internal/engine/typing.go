package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// typingState tracks transient counterpart-is-responding indicators.
// Broadcast signals refresh the indicator; it expires on its own a few
// seconds after the last signal, independent of send timeouts.
type typingState struct {
	mu     sync.Mutex
	ttl    time.Duration
	timers map[uuid.UUID]*time.Timer
}

func newTypingState(ttl time.Duration) *typingState {
	return &typingState{
		ttl:    ttl,
		timers: make(map[uuid.UUID]*time.Timer),
	}
}

// refresh lights the indicator for the conversation and restarts its
// expiry timer.
func (t *typingState) refresh(conversationID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if timer, ok := t.timers[conversationID]; ok {
		timer.Reset(t.ttl)
		return
	}
	t.timers[conversationID] = time.AfterFunc(t.ttl, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		delete(t.timers, conversationID)
	})
}

// active reports whether the indicator is currently lit.
func (t *typingState) active(conversationID uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.timers[conversationID]
	return ok
}

// stopAll clears every indicator. Used on scope change and shutdown.
func (t *typingState) stopAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, timer := range t.timers {
		timer.Stop()
		delete(t.timers, id)
	}
}
