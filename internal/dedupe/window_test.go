// ABOUTME: Tests for the seen-key window.
// ABOUTME: Drives rotation with a manual clock instead of sleeping.

package dedupe

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type manualClock struct{ t time.Time }

func (c *manualClock) now() time.Time          { return c.t }
func (c *manualClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestWindow(ttl time.Duration, limit int) (*Window, *manualClock) {
	clock := &manualClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	w := New(ttl, limit)
	w.now = clock.now
	w.reset(clock.now())
	return w, clock
}

func TestWindow_Seen(t *testing.T) {
	w, _ := newTestWindow(time.Minute, 100)

	assert.False(t, w.Seen("$event1"))
	assert.True(t, w.Seen("$event1"))
	assert.False(t, w.Seen("$event2"))
	assert.Equal(t, 2, w.Len())
}

func TestWindow_Expiry(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 100)
	w.Seen("$old")

	clock.advance(90 * time.Second)
	assert.True(t, w.Seen("$old"), "still remembered within twice the ttl")

	clock.advance(2 * time.Minute)
	assert.False(t, w.Seen("$old"))
}

func TestWindow_KeysLiveAtLeastTTL(t *testing.T) {
	w, clock := newTestWindow(time.Minute, 100)
	clock.advance(59 * time.Second)
	w.Seen("$late")

	// The generation rotates one second later; the key must survive it.
	clock.advance(time.Minute)
	assert.True(t, w.Seen("$late"))
}

func TestWindow_SizeBound(t *testing.T) {
	w, _ := newTestWindow(time.Hour, 10)
	for i := 0; i < 100; i++ {
		w.Seen(fmt.Sprintf("$e%d", i))
	}
	assert.LessOrEqual(t, w.Len(), 10)
	assert.True(t, w.Seen("$e99"))
	assert.False(t, w.Seen("$e0"))
}

func TestWindow_Concurrent(t *testing.T) {
	w := New(time.Minute, 1000)
	var dupes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if w.Seen("$shared") {
				dupes.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(7), dupes.Load())
}
