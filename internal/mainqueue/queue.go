// Package mainqueue provides a serial execution context.
//
// Progress callbacks of the offline download workflow arrive on whichever
// goroutine produced them (HTTP body reader, unpacker, backend client). A
// Queue funnels them onto a single goroutine so that observers see them one
// at a time and in submission order.
package mainqueue

import (
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when work is submitted to a closed Queue.
var ErrClosed = errors.New("main queue closed")

// Queue runs submitted functions one after another on its own goroutine.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
	logger  *slog.Logger
}

// New starts a Queue. A nil logger uses slog.Default.
func New(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		done:   make(chan struct{}),
		logger: logger,
	}
	q.cond = sync.NewCond(&q.mu)
	go q.loop()
	return q
}

// Async appends fn to the queue and returns immediately. It never blocks,
// so it is safe to call from a function already running on the queue.
func (q *Queue) Async(fn func()) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, fn)
	q.cond.Signal()
	return nil
}

// Sync appends fn and waits until it has run. Everything submitted before it
// has run by then as well. Calling Sync from the queue goroutine deadlocks.
func (q *Queue) Sync(fn func()) error {
	ran := make(chan struct{})
	if err := q.Async(func() {
		defer close(ran)
		fn()
	}); err != nil {
		return err
	}
	<-ran
	return nil
}

// Flush waits until everything submitted so far has run.
func (q *Queue) Flush() error {
	return q.Sync(func() {})
}

// Len returns the number of functions waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops accepting work, runs what is already queued and waits for the
// queue goroutine to exit. Calling Close more than once is safe.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()

	<-q.done
}

func (q *Queue) loop() {
	defer close(q.done)

	for {
		q.mu.Lock()
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			q.mu.Unlock()
			return
		}
		fn := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		q.mu.Unlock()

		q.run(fn)
	}
}

// run executes fn and keeps the queue alive if it panics.
func (q *Queue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("main queue callback panicked", "panic", r)
		}
	}()
	fn()
}
