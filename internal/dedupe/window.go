// ABOUTME: Two-generation set of recently seen keys with a time and size bound.
// ABOUTME: Used by the relay to drop chat events the homeserver delivers twice.

package dedupe

import (
	"sync"
	"time"
)

// Window remembers keys for at least ttl and at most twice that. Each
// generation holds at most limit/2 keys; a full generation rotates early.
type Window struct {
	mu       sync.Mutex
	ttl      time.Duration
	limit    int
	now      func() time.Time
	rotated  time.Time
	current  map[string]struct{}
	previous map[string]struct{}
}

// New creates a Window. A limit below 2 is raised to 2.
func New(ttl time.Duration, limit int) *Window {
	if limit < 2 {
		limit = 2
	}
	w := &Window{ttl: ttl, limit: limit, now: time.Now}
	w.reset(w.now())
	return w
}

// Seen records key and reports whether it was already present.
func (w *Window) Seen(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.rotate(w.now())
	if _, ok := w.current[key]; ok {
		return true
	}
	if _, ok := w.previous[key]; ok {
		w.current[key] = struct{}{}
		return true
	}
	if len(w.current) >= w.limit/2 {
		w.shift(w.now())
	}
	w.current[key] = struct{}{}
	return false
}

// Len returns the number of remembered keys.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rotate(w.now())
	return len(w.current) + len(w.previous)
}

func (w *Window) rotate(now time.Time) {
	switch age := now.Sub(w.rotated); {
	case age >= 2*w.ttl:
		w.reset(now)
	case age >= w.ttl:
		w.shift(now)
	}
}

func (w *Window) shift(now time.Time) {
	w.previous = w.current
	w.current = make(map[string]struct{})
	w.rotated = now
}

func (w *Window) reset(now time.Time) {
	w.previous = make(map[string]struct{})
	w.current = make(map[string]struct{})
	w.rotated = now
}
