// ABOUTME: Unbounded FIFO that turns pushes into a receive-only channel.
// ABOUTME: Keeps the read loop from ever blocking on a slow notification consumer.

package acp

import "sync"

// queue buffers envelopes without limit and delivers them in order on out.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Envelope
	closed bool
	out    chan Envelope
	stop   chan struct{}
	once   sync.Once
}

func newQueue() *queue {
	q := &queue{out: make(chan Envelope), stop: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.pump()
	return q
}

// push appends an envelope. Pushes after close are dropped.
func (q *queue) push(env Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, env)
	q.cond.Signal()
}

// close marks the end of input. Buffered items are still delivered before
// out is closed.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Signal()
}

func (q *queue) pump() {
	defer close(q.out)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		env := q.items[0]
		q.items[0] = Envelope{}
		q.items = q.items[1:]
		q.mu.Unlock()

		select {
		case q.out <- env:
		case <-q.stop:
			return
		}
	}
}

// discard abandons undelivered items and closes out without waiting for
// a reader. Safe to call more than once.
func (q *queue) discard() {
	q.close()
	q.once.Do(func() { close(q.stop) })
}

// len reports the number of undelivered envelopes.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
