// Package backoff tracks reconnection attempts per camera.  The
// counter only resets after a connection has stayed up for a full
// stability window: short connect-then-die cycles must not appear
// healthy.
package backoff

import (
	"sync"
	"time"
)

// DefaultDelays is indexed by min(attempts-1, len-1): a fast first
// retry, then capped exponential growth.
var DefaultDelays = []time.Duration{
	2000 * time.Millisecond,
	5000 * time.Millisecond,
	10000 * time.Millisecond,
	20000 * time.Millisecond,
	30000 * time.Millisecond,
}

const (
	DefaultStabilityWindow = 15 * time.Second
	DefaultMaxAttempts     = 12
)

type state struct {
	attempts    int
	lastAttempt time.Time
	stability   *time.Timer
	stabGen     uint64
}

type Tracker struct {
	mu     sync.Mutex
	states map[string]*state

	delays          []time.Duration
	stabilityWindow time.Duration
	maxAttempts     int
}

func New() *Tracker {
	return NewTracker(DefaultDelays, DefaultStabilityWindow,
		DefaultMaxAttempts)
}

func NewTracker(delays []time.Duration, stabilityWindow time.Duration, maxAttempts int) *Tracker {
	return &Tracker{
		states:          make(map[string]*state),
		delays:          delays,
		stabilityWindow: stabilityWindow,
		maxAttempts:     maxAttempts,
	}
}

// called locked
func (t *Tracker) get(id string) *state {
	st := t.states[id]
	if st == nil {
		st = &state{}
		t.states[id] = st
	}
	return st
}

// called locked
func (st *state) cancelStability() {
	st.stabGen++
	if st.stability != nil {
		st.stability.Stop()
		st.stability = nil
	}
}

// RecordFailure notes one failed reconnection cycle.  A pending
// stability reset is cancelled without resetting the counter.
func (t *Tracker) RecordFailure(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(id)
	st.cancelStability()
	st.attempts++
	st.lastAttempt = time.Now()
}

// RecordSuccess arms the stability timer; if no failure arrives before
// it fires, the attempt counter resets to zero.
func (t *Tracker) RecordSuccess(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(id)
	st.cancelStability()
	gen := st.stabGen
	st.stability = time.AfterFunc(t.stabilityWindow, func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		if st.stabGen != gen {
			return
		}
		st.attempts = 0
		st.stability = nil
	})
}

// Delay returns the wait before the next reconnection cycle.
func (t *Tracker) Delay(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(id)
	i := st.attempts - 1
	if i < 0 {
		i = 0
	}
	if i >= len(t.delays) {
		i = len(t.delays) - 1
	}
	return t.delays[i]
}

// MaxedOut reports whether the camera has exceeded the attempt
// ceiling; at that point only an explicit user action restarts
// reconnection.
func (t *Tracker) MaxedOut(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(id).attempts > t.maxAttempts
}

func (t *Tracker) Attempts(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.get(id).attempts
}

// Reset zeroes the camera's counter.  Used on manual user-triggered
// refresh.
func (t *Tracker) Reset(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.get(id)
	st.cancelStability()
	st.attempts = 0
}

// Forget drops all state for a camera leaving the layout.
func (t *Tracker) Forget(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.states[id]
	if st != nil {
		st.cancelStability()
		delete(t.states, id)
	}
}
