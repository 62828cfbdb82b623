// Package queue provides serial work queues: every submitted func runs on one
// goroutine, in submission order, never concurrently with another func from
// the same queue.
package queue

import (
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
)

var ErrQueueClosed = errors.New("queue: closed")

// Serial is an unbounded FIFO drained by a single worker goroutine.
type Serial struct {
	label string

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool
	done   chan struct{}
}

// NewSerial starts the worker for a queue identified by label in logs.
func NewSerial(label string) *Serial {
	q := &Serial{
		label: label,
		done:  make(chan struct{}),
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *Serial) Label() string {
	return q.label
}

// Async enqueues fn. It returns ErrQueueClosed once Close has been called.
func (q *Serial) Async(fn func()) error {
	if fn == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	q.items = append(q.items, fn)
	q.cond.Signal()
	return nil
}

// Close stops accepting work. Items already queued still run.
func (q *Serial) Close() {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.cond.Broadcast()
	}
	q.mu.Unlock()
}

// Done is closed after Close once every queued item has run.
func (q *Serial) Done() <-chan struct{} {
	return q.done
}

func (q *Serial) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		q.mu.Unlock()

		q.invoke(fn)
	}
}

// invoke isolates a panicking item so the queue keeps serving later items.
func (q *Serial) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("queue", q.label).Interface("panic", r).Msg("queue item panicked")
		}
	}()
	fn()
}
