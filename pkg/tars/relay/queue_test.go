package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func msg(body string) Message {
	return Message{ID: body, Body: body, Kind: KindPrimary, Timestamp: time.Now()}
}

// waitForWaiter polls until q has a registered waiter.
func waitForWaiter(t *testing.T, q *Queue) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !q.Waiting() {
		if time.Now().After(deadline) {
			t.Fatal("waiter was never registered")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestQueue_FIFO(t *testing.T) {
	t.Parallel()
	q := NewQueue(KindPrimary)
	for i := range 5 {
		q.Deliver(msg(fmt.Sprintf("m%d", i)))
	}

	for i := range 5 {
		res, err := q.Wait(context.Background(), time.Second)
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
		if want := fmt.Sprintf("m%d", i); res.Message.Body != want {
			t.Errorf("message %d = %q, want %q", i, res.Message.Body, want)
		}
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth() = %d, want 0", d)
	}
}

func TestQueue_WaitWithPendingDoesNotBlock(t *testing.T) {
	t.Parallel()
	q := NewQueue(KindPrimary)
	q.Deliver(msg("a"))
	q.Deliver(msg("b"))

	start := time.Now()
	res, err := q.Wait(context.Background(), 0)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if time.Since(start) > 100*time.Millisecond {
		t.Error("Wait blocked despite pending messages")
	}
	if res.Message.Body != "a" {
		t.Errorf("got %q, want oldest message %q", res.Message.Body, "a")
	}
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth() = %d, want 1", d)
	}
}

func TestQueue_WaitTimeout(t *testing.T) {
	t.Parallel()
	q := NewQueue(KindOverwatch)

	res, err := q.Wait(context.Background(), 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if !res.TimedOut {
		t.Fatal("expected TimedOut")
	}
	if q.Waiting() {
		t.Error("waiter should be cleared after timeout")
	}

	// A later delivery is queued, not lost.
	q.Deliver(msg("late"))
	if d := q.Depth(); d != 1 {
		t.Errorf("Depth() = %d, want 1", d)
	}
}

func TestQueue_WaitThenDeliver(t *testing.T) {
	t.Parallel()
	q := NewQueue(KindPrimary)

	got := make(chan WaitResult, 1)
	go func() {
		res, err := q.Wait(context.Background(), 0)
		if err != nil {
			t.Errorf("Wait: %v", err)
		}
		got <- res
	}()

	waitForWaiter(t, q)
	q.Deliver(msg("M"))

	select {
	case res := <-got:
		if res.TimedOut || res.Message.Body != "M" {
			t.Errorf("got %+v, want message M", res)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Wait did not resolve after Deliver")
	}
	if d := q.Depth(); d != 0 {
		t.Errorf("Depth() = %d, want 0", d)
	}
	if q.Waiting() {
		t.Error("waiter should be cleared after delivery")
	}
}

func TestQueue_SecondWaitRejected(t *testing.T) {
	t.Parallel()
	q := NewQueue(KindPrimary)

	done := make(chan struct{})
	go func() {
		defer close(done)
		res, err := q.Wait(context.Background(), 0)
		if err != nil || res.Message.Body != "first" {
			t.Errorf("first waiter got %+v, %v", res, err)
		}
	}()
	waitForWaiter(t, q)

	_, err := q.Wait(context.Background(), time.Second)
	if !errors.Is(err, ErrAlreadyWaiting) {
		t.Fatalf("second Wait err = %v, want ErrAlreadyWaiting", err)
	}

	// The first waiter is still the one that receives.
	q.Deliver(msg("first"))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first waiter was orphaned")
	}
}

func TestQueue_ContextCancel(t *testing.T) {
	t.Parallel()
	q := NewQueue(KindPrimary)
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := q.Wait(ctx, 0)
		errCh <- err
	}()
	waitForWaiter(t, q)
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
	if q.Waiting() {
		t.Error("waiter should be cleared after cancellation")
	}
}

// Deliveries racing timeouts are resolved exactly once: every message is
// either received by a waiter or still pending.
func TestQueue_TimeoutDeliveryRace(t *testing.T) {
	t.Parallel()
	q := NewQueue(KindPrimary)
	const n = 200

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		received = map[string]int{}
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		for range n {
			res, err := q.Wait(context.Background(), 50*time.Microsecond)
			if err != nil {
				t.Errorf("Wait: %v", err)
				return
			}
			if !res.TimedOut {
				mu.Lock()
				received[res.Message.ID]++
				mu.Unlock()
			}
		}
	}()
	go func() {
		defer wg.Done()
		for i := range n {
			q.Deliver(msg(fmt.Sprintf("r%d", i)))
			time.Sleep(20 * time.Microsecond)
		}
	}()
	wg.Wait()

	for id, c := range received {
		if c != 1 {
			t.Errorf("message %s received %d times", id, c)
		}
	}
	if got := len(received) + q.Depth(); got != n {
		t.Errorf("received %d + pending %d = %d, want %d", len(received), q.Depth(), got, n)
	}
}
