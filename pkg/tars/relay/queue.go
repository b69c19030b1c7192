package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrAlreadyWaiting is returned when a second Wait is issued on a queue that
// already has a blocked waiter.
var ErrAlreadyWaiting = errors.New("relay: a wait is already pending on this channel")

// WaitResult is the outcome of a Wait. TimedOut is a normal outcome, not an
// error: the caller asked for a deadline and nothing arrived before it.
type WaitResult struct {
	Message  Message
	TimedOut bool
}

// Queue is a FIFO of pending messages for one channel kind plus at most one
// blocked waiter. Pending is non-empty only while no waiter is registered.
type Queue struct {
	kind Kind

	mu      sync.Mutex
	pending []Message
	waiter  chan Message
}

// NewQueue creates an empty queue for kind.
func NewQueue(kind Kind) *Queue {
	return &Queue{kind: kind}
}

// Kind returns the channel kind the queue serves.
func (q *Queue) Kind() Kind { return q.kind }

// Wait returns the oldest pending message, or blocks until one is delivered.
//
// With timeout > 0 the wait resolves to TimedOut once the deadline passes.
// With timeout == 0 it blocks until a delivery or ctx is done. When the
// deadline and a delivery race, exactly one of them resolves the waiter.
func (q *Queue) Wait(ctx context.Context, timeout time.Duration) (WaitResult, error) {
	q.mu.Lock()
	if len(q.pending) > 0 {
		msg := q.pending[0]
		q.pending[0] = Message{}
		q.pending = q.pending[1:]
		q.mu.Unlock()
		return WaitResult{Message: msg}, nil
	}
	if q.waiter != nil {
		q.mu.Unlock()
		return WaitResult{}, ErrAlreadyWaiting
	}
	w := make(chan Message, 1)
	q.waiter = w
	q.mu.Unlock()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	select {
	case msg := <-w:
		return WaitResult{Message: msg}, nil
	case <-deadline:
		if q.abandon(w) {
			return WaitResult{TimedOut: true}, nil
		}
	case <-ctx.Done():
		if q.abandon(w) {
			return WaitResult{}, ctx.Err()
		}
	}
	// Deliver cleared the waiter first; its message is already buffered.
	return WaitResult{Message: <-w}, nil
}

// abandon clears w if it is still the registered waiter. It reports false
// when a delivery already claimed it.
func (q *Queue) abandon(w chan Message) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.waiter != w {
		return false
	}
	q.waiter = nil
	return true
}

// Deliver hands msg to the registered waiter, or appends it to pending.
func (q *Queue) Deliver(msg Message) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if w := q.waiter; w != nil {
		q.waiter = nil
		w <- msg
		return
	}
	q.pending = append(q.pending, msg)
}

// Depth returns the number of pending messages.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Waiting reports whether a waiter is registered.
func (q *Queue) Waiting() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiter != nil
}
