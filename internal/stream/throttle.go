// ABOUTME: Rate-limited, coalescing flush loop that pushes session snapshots to the chat surface.
// ABOUTME: Also holds the bounded retry used for every edit, transient or final.

package stream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Editor replaces the content of a previously sent chat message.
type Editor interface {
	SendEdit(ctx context.Context, surfaceID, content string) error
}

// Permanent marks an edit error as not worth retrying.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// RetryPolicy bounds the retries of a single edit.
type RetryPolicy struct {
	MaxRetries uint64
	Initial    time.Duration
	Max        time.Duration
}

func (p RetryPolicy) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.Initial
	b.MaxInterval = p.Max
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, p.MaxRetries), ctx)
}

// sendWithRetry delivers one edit, retrying transient failures under policy.
func sendWithRetry(ctx context.Context, editor Editor, surfaceID, content string, policy RetryPolicy, logger *slog.Logger) error {
	attempt := 0
	op := func() error {
		attempt++
		return editor.SendEdit(ctx, surfaceID, content)
	}
	notify := func(err error, wait time.Duration) {
		logger.Warn("edit failed, retrying", "surface", surfaceID, "attempt", attempt, "wait", wait, "error", err)
	}
	return backoff.RetryNotify(op, policy.newBackOff(ctx), notify)
}

// flushFunc performs one flush. It reports whether an edit was actually
// issued; a flush with nothing new to say is skipped.
type flushFunc func(ctx context.Context, final bool) (sent bool, err error)

// Throttler schedules flushes for one session. Requests that arrive while a
// flush is pending collapse into it.
type Throttler struct {
	interval time.Duration
	flush    flushFunc

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	loopDone chan struct{}

	// flushMu serializes flushes so edits for one session are never reordered.
	flushMu sync.Mutex

	mu      sync.Mutex
	last    time.Time
	flushes int
}

// newThrottler starts the flush loop. The first mid-turn flush happens no
// earlier than interval after start.
func newThrottler(ctx context.Context, interval time.Duration, start time.Time, flush flushFunc) *Throttler {
	t := &Throttler{
		interval: interval,
		flush:    flush,
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
		loopDone: make(chan struct{}),
		last:     start,
	}
	go t.run(ctx)
	return t
}

// Request asks for a flush. It never blocks.
func (t *Throttler) Request() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Stop ends the flush loop. A flush already in progress is not interrupted.
func (t *Throttler) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Final stops the loop, waits for it to exit and performs one flush that
// ignores the interval.
func (t *Throttler) Final(ctx context.Context) error {
	t.Stop()
	<-t.loopDone
	return t.do(ctx, true)
}

// Flushes returns the number of edits issued so far.
func (t *Throttler) Flushes() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.flushes
}

func (t *Throttler) stopped() bool {
	select {
	case <-t.stop:
		return true
	default:
		return false
	}
}

func (t *Throttler) run(ctx context.Context) {
	defer close(t.loopDone)
	for {
		select {
		case <-t.stop:
			return
		case <-ctx.Done():
			return
		case <-t.wake:
		}

		if wait := t.untilNext(); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-t.stop:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
		_ = t.do(ctx, false)
	}
}

func (t *Throttler) untilNext() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interval - time.Since(t.last)
}

func (t *Throttler) do(ctx context.Context, final bool) error {
	t.flushMu.Lock()
	defer t.flushMu.Unlock()

	if !final && t.stopped() {
		return nil
	}

	started := time.Now()
	sent, err := t.flush(ctx, final)
	if sent {
		t.mu.Lock()
		t.last = started
		t.flushes++
		t.mu.Unlock()
	}
	return err
}
