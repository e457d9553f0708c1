// Package session tracks the exam countdown shown on the proctoring
// dashboard. A session is started with a duration in minutes and ends when
// stopped or when the countdown reaches zero.
package session

import (
	"log"
	"sync"
	"time"
)

// DefaultMinutes is the exam length used when the caller gives none.
const DefaultMinutes = 60

// State is a snapshot of the countdown. EndEpoch is zero when no session was
// ever started.
type State struct {
	Active           bool  `json:"active"`
	DurationSeconds  int64 `json:"duration_seconds"`
	RemainingSeconds int64 `json:"remaining_seconds"`
	EndEpoch         int64 `json:"end_epoch"`
}

// Timer is the exam countdown. Expiry is observed lazily on every call, so
// no goroutine is needed to end a session.
type Timer struct {
	now      func() time.Time
	end      time.Time
	duration time.Duration
	active   bool
	mu       sync.Mutex
}

// New creates an inactive timer.
func New() *Timer {
	return &Timer{now: time.Now}
}

// Start begins a countdown of the given minutes, replacing any running one.
// Durations below one minute are raised to one minute.
func (t *Timer) Start(minutes int) State {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.duration = time.Duration(max(minutes, 1)) * time.Minute
	t.end = t.now().Add(t.duration)
	t.active = true
	log.Printf("session: started for %v, ends at %s", t.duration, t.end.Format(time.TimeOnly))
	return t.stateLocked()
}

// Stop ends the countdown. Stopping an inactive timer is a no-op.
func (t *Timer) Stop() State {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.active {
		t.active = false
		log.Println("session: stopped")
	}
	return t.stateLocked()
}

// Status returns the countdown, ending it first if time has run out.
func (t *Timer) Status() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateLocked()
}

// Reset forgets any session.
func (t *Timer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.active = false
	t.end = time.Time{}
	t.duration = 0
}

func (t *Timer) stateLocked() State {
	st := State{DurationSeconds: int64(t.duration / time.Second)}
	if !t.end.IsZero() {
		st.EndEpoch = t.end.Unix()
	}
	if !t.active {
		return st
	}

	remaining := t.end.Sub(t.now())
	if remaining <= 0 {
		t.active = false
		log.Println("session: time is up")
		return st
	}
	st.Active = true
	st.RemainingSeconds = int64(remaining.Round(time.Second) / time.Second)
	return st
}
