package waitqueue

import (
	"testing"
	"time"

	"github.com/mnohosten/laura-fxact/pkg/fxact"
)

func TestEnqueueAndCompleteWakesWaiter(t *testing.T) {
	q := NewQueues()
	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	w := q.Enqueue(42, key)

	if q.ActiveLen() != 1 {
		t.Fatalf("expected 1 active waiter, got %d", q.ActiveLen())
	}

	done := make(chan error, 1)
	go func() { done <- w.Wait(q, nil) }()

	if woken := q.Complete(key); woken != 1 {
		t.Fatalf("expected 1 waiter woken, got %d", woken)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil error on successful completion, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Complete")
	}

	if q.ActiveLen() != 0 {
		t.Fatalf("expected waiter removed from active queue, got %d", q.ActiveLen())
	}
}

func TestCompleteWithNoWaitersIsNoop(t *testing.T) {
	q := NewQueues()
	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	if woken := q.Complete(key); woken != 0 {
		t.Fatalf("expected 0 woken, got %d", woken)
	}
}

func TestMoveToRetryTransfersWaiters(t *testing.T) {
	q := NewQueues()
	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	w := q.Enqueue(1, key)

	if moved := q.MoveToRetry(key); moved != 1 {
		t.Fatalf("expected 1 waiter moved, got %d", moved)
	}
	if q.ActiveLen() != 0 || q.RetryLen() != 1 {
		t.Fatalf("expected waiter in retry queue only, active=%d retry=%d", q.ActiveLen(), q.RetryLen())
	}
	if w.State(q) != StateRetry {
		t.Fatalf("expected StateRetry, got %v", w.State(q))
	}

	// Completion must still reach waiters parked in the retry queue.
	done := make(chan error, 1)
	go func() { done <- w.Wait(q, nil) }()
	q.Complete(key)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Complete on a retried waiter")
	}
}

func TestMoveToRetrySkipsAlreadyCanceledWaiters(t *testing.T) {
	q := NewQueues()
	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	w := q.Enqueue(1, key)

	cancel := make(chan struct{})
	close(cancel)
	if err := w.Wait(q, cancel); err != ErrCanceled {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}

	if moved := q.MoveToRetry(key); moved != 0 {
		t.Fatalf("expected 0 waiters moved, a canceled waiter should not be requeued, got %d", moved)
	}
}

func TestWaitHonorsCancel(t *testing.T) {
	q := NewQueues()
	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	w := q.Enqueue(1, key)

	cancel := make(chan struct{})
	close(cancel)

	if err := w.Wait(q, cancel); err != ErrCanceled {
		t.Fatalf("expected ErrCanceled, got %v", err)
	}
	if q.ActiveLen() != 0 {
		t.Fatalf("expected canceled waiter detached from active queue, got %d", q.ActiveLen())
	}

	// A late Complete for the same key must not panic or double-close.
	if woken := q.Complete(key); woken != 0 {
		t.Fatalf("expected 0 woken (waiter already canceled), got %d", woken)
	}
}

func TestKeysReflectsOutstandingWaiters(t *testing.T) {
	q := NewQueues()
	k1 := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	k2 := fxact.Key{DBID: 1, Xid: 2, ServerID: 1, UserID: 1}
	q.Enqueue(1, k1)
	q.Enqueue(2, k2)

	keys := q.Keys()
	if len(keys) != 2 {
		t.Fatalf("expected 2 outstanding keys, got %d", len(keys))
	}

	q.Complete(k1)
	keys = q.Keys()
	if len(keys) != 1 || keys[0] != k2 {
		t.Fatalf("expected only k2 left outstanding, got %v", keys)
	}
}

func TestActiveKeysExcludesKeysMovedToRetry(t *testing.T) {
	q := NewQueues()
	k1 := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	k2 := fxact.Key{DBID: 1, Xid: 2, ServerID: 1, UserID: 1}
	q.Enqueue(1, k1)
	q.Enqueue(2, k2)

	q.MoveToRetry(k1)

	active := q.ActiveKeys()
	if len(active) != 1 || active[0] != k2 {
		t.Fatalf("expected only k2 in ActiveKeys, got %v", active)
	}

	// Keys() still reports both; only ActiveKeys() hides retry-parked ones.
	all := q.Keys()
	if len(all) != 2 {
		t.Fatalf("expected Keys() to still report both keys, got %v", all)
	}
}

func TestMultipleWaitersOnSameKeyAllWake(t *testing.T) {
	q := NewQueues()
	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	w1 := q.Enqueue(1, key)
	w2 := q.Enqueue(2, key)

	done := make(chan error, 2)
	go func() { done <- w1.Wait(q, nil) }()
	go func() { done <- w2.Wait(q, nil) }()

	if woken := q.Complete(key); woken != 2 {
		t.Fatalf("expected 2 waiters woken, got %d", woken)
	}

	for i := 0; i < 2; i++ {
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		case <-time.After(time.Second):
			t.Fatal("not all waiters woke up")
		}
	}
}
