package speech

import (
	"context"
	"sync"
)

// Unit is one phrase waiting to be spoken. The generation ties it to the
// interrupt epoch it was queued in.
type Unit struct {
	Text       string
	generation uint64
}

// Queue is an unbounded FIFO with a single consumer. Put never blocks.
// Like a task queue it tracks unfinished units so callers can wait for the
// consumer to catch up.
type Queue struct {
	mu         sync.Mutex
	items      []Unit
	closed     bool
	unfinished int
	idle       chan struct{}
	signal     chan struct{}
}

func NewQueue() *Queue {
	idle := make(chan struct{})
	close(idle)
	return &Queue{
		idle:   idle,
		signal: make(chan struct{}, 1),
	}
}

// Put appends a unit. It returns false once the queue is closed.
func (q *Queue) Put(u Unit) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, u)
	if q.unfinished == 0 {
		q.idle = make(chan struct{})
	}
	q.unfinished++
	q.mu.Unlock()
	q.notify()
	return true
}

// Get blocks until a unit is available. It returns false when the queue is
// closed and empty or ctx is done.
func (q *Queue) Get(ctx context.Context) (Unit, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			u := q.items[0]
			q.items[0] = Unit{}
			q.items = q.items[1:]
			q.mu.Unlock()
			return u, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return Unit{}, false
		}
		select {
		case <-q.signal:
		case <-ctx.Done():
			return Unit{}, false
		}
	}
}

// Done marks a unit returned by Get as finished.
func (q *Queue) Done() {
	q.mu.Lock()
	q.finishLocked(1)
	q.mu.Unlock()
}

// Drain discards every queued unit and returns how many were dropped.
func (q *Queue) Drain() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.finishLocked(n)
	q.mu.Unlock()
	return n
}

// Wait blocks until every unit put so far is finished or dropped.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len returns the number of queued units, excluding one being played.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close stops accepting units. Queued units are still handed out by Get.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.notify()
}

func (q *Queue) finishLocked(n int) {
	if n <= 0 || q.unfinished == 0 {
		return
	}
	q.unfinished -= n
	if q.unfinished <= 0 {
		q.unfinished = 0
		close(q.idle)
	}
}

func (q *Queue) notify() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
