// Package waitqueue implements the Wait/Retry Queues described in
// spec.md section 4.6: two process-wide FIFOs of backends blocked on a
// prepared foreign transaction's resolution, with latch-based wakeup.
// A literal intrusive linked list keyed on a PGPROC has no analogue in a
// goroutine-based process, so each Waiter here carries a buffered
// channel standing in for the latch — the same signal-a-channel wakeup
// laura-db's own background loops use (pkg/replication's stopChan,
// pkg/lsm's compactChan).
package waitqueue

import (
	"container/list"
	"errors"
	"sync"

	"github.com/mnohosten/laura-fxact/pkg/fxact"
)

// WaitState is the state a waiting backend's descriptor can be in.
type WaitState int

const (
	// StateWaiting is set the moment a backend enqueues itself.
	StateWaiting WaitState = iota
	// StateComplete means the resolver signaled successful resolution.
	StateComplete
	// StateRetry means the entry was moved to the retry queue after a
	// transient FDW failure; the backend keeps waiting.
	StateRetry
)

// ErrCanceled is returned from Wait when the backend detached due to
// query-cancel or ProcDiePending rather than the entry resolving.
var ErrCanceled = errors.New("waitqueue: wait canceled")

// Waiter is one backend's wait descriptor, analogous to a PGPROC entry
// in the active or retry queue. All mutable fields are only ever
// touched while the owning Queues' mutex is held.
type Waiter struct {
	Backend fxact.BackendID
	Key     fxact.Key

	state    WaitState
	canceled bool
	latch    chan struct{}
	elem     *list.Element
	inRetry  bool
}

// State reports the waiter's current state.
func (w *Waiter) State(q *Queues) WaitState {
	q.mu.Lock()
	defer q.mu.Unlock()
	return w.state
}

// Wait blocks until the resolver signals completion on this waiter's
// latch, or cancel fires. It never rolls back the local commit (spec.md
// section 4.6): a cancellation only detaches the waiter from its queue
// and returns ErrCanceled, leaving the FXact entry to go dangling for a
// later resolver pass.
func (w *Waiter) Wait(q *Queues, cancel <-chan struct{}) error {
	select {
	case <-w.latch:
		q.mu.Lock()
		defer q.mu.Unlock()
		if w.canceled {
			return ErrCanceled
		}
		return nil
	case <-cancel:
		q.cancel(w)
		return ErrCanceled
	}
}

// Queues holds the active and retry FIFOs. The zero value is not
// usable; use NewQueues.
type Queues struct {
	mu     sync.Mutex
	active *list.List
	retry  *list.List
	byKey  map[fxact.Key][]*Waiter
}

// NewQueues creates an empty pair of wait queues.
func NewQueues() *Queues {
	return &Queues{
		active: list.New(),
		retry:  list.New(),
		byKey:  make(map[fxact.Key][]*Waiter),
	}
}

// Enqueue adds backend to the active queue to wait on key's resolution,
// returning its Waiter. A backend commits locally and then enqueues
// itself to wait for foreign resolution; this call never blocks, only
// Wait does.
func (q *Queues) Enqueue(backend fxact.BackendID, key fxact.Key) *Waiter {
	q.mu.Lock()
	defer q.mu.Unlock()

	w := &Waiter{
		Backend: backend,
		Key:     key,
		state:   StateWaiting,
		latch:   make(chan struct{}),
	}
	w.elem = q.active.PushBack(w)
	q.byKey[key] = append(q.byKey[key], w)
	return w
}

// MoveToRetry transfers every active waiter on key into the retry queue,
// marking their state StateRetry. Used after a transient FDW resolve
// failure so the resolver can revisit key later without losing track of
// who is waiting on it.
func (q *Queues) MoveToRetry(key fxact.Key) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	moved := 0
	for _, w := range q.byKey[key] {
		if w.canceled || w.inRetry {
			continue
		}
		q.active.Remove(w.elem)
		w.elem = q.retry.PushBack(w)
		w.inRetry = true
		w.state = StateRetry
		moved++
	}
	return moved
}

// Complete wakes every waiter (active or retry) registered on key and
// removes their bookkeeping. Safe to call even if no one is waiting.
func (q *Queues) Complete(key fxact.Key) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	waiters := q.byKey[key]
	delete(q.byKey, key)

	woken := 0
	for _, w := range waiters {
		if w.canceled {
			continue
		}
		w.state = StateComplete
		q.detachLocked(w)
		close(w.latch)
		woken++
	}
	return woken
}

// cancel detaches w from whichever queue it is on and marks it
// canceled, without waking it (the caller already observed the cancel
// signal directly).
func (q *Queues) cancel(w *Waiter) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if w.canceled {
		return
	}
	w.canceled = true
	q.detachLocked(w)

	waiters := q.byKey[w.Key]
	for i, other := range waiters {
		if other == w {
			q.byKey[w.Key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

func (q *Queues) detachLocked(w *Waiter) {
	if w.elem == nil {
		return
	}
	if w.inRetry {
		q.retry.Remove(w.elem)
	} else {
		q.active.Remove(w.elem)
	}
	w.elem = nil
}

// ActiveLen and RetryLen report queue depth, for diagnostics and tests.
func (q *Queues) ActiveLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active.Len()
}

func (q *Queues) RetryLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.retry.Len()
}

// Keys returns every key with at least one waiter still registered,
// active or in retry; a resolver worker falls back to it once no active
// key is left.
func (q *Queues) Keys() []fxact.Key {
	q.mu.Lock()
	defer q.mu.Unlock()

	keys := make([]fxact.Key, 0, len(q.byKey))
	for k := range q.byKey {
		keys = append(keys, k)
	}
	return keys
}

// ActiveKeys returns every key with at least one waiter still in the
// active queue, excluding keys whose waiters have all been moved to the
// retry queue after a transient FDW failure. A worker picks from this
// set before Keys() so keys still in the active queue are served ahead
// of keys parked for retry.
func (q *Queues) ActiveKeys() []fxact.Key {
	q.mu.Lock()
	defer q.mu.Unlock()

	seen := make(map[fxact.Key]struct{})
	keys := make([]fxact.Key, 0, len(q.byKey))
	for k, waiters := range q.byKey {
		for _, w := range waiters {
			if w.canceled || w.inRetry {
				continue
			}
			if _, ok := seen[k]; !ok {
				seen[k] = struct{}{}
				keys = append(keys, k)
			}
			break
		}
	}
	return keys
}
