// Package resolver implements the Resolver Worker described in spec.md
// section 4.5: a small pool of background workers, one per database,
// that drain the Wait/Retry Queues, decide each entry's commit/abort
// outcome, call the FDW's resolve callback, and retire resolved
// entries. A Dispatcher spawns a per-database Worker on each EnsureWorker
// call and provides the dangling-entry scan (ScanDangling), which the
// caller runs periodically.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mnohosten/laura-fxact/pkg/fdw"
	"github.com/mnohosten/laura-fxact/pkg/fxact"
	"github.com/mnohosten/laura-fxact/pkg/fxwal"
	"github.com/mnohosten/laura-fxact/pkg/localtx"
	"github.com/mnohosten/laura-fxact/pkg/spill"
	"github.com/mnohosten/laura-fxact/pkg/waitqueue"
)

// ErrFdwResolveFailed wraps a failing FDW Resolve callback.
var ErrFdwResolveFailed = errors.New("resolver: FDW resolve failed")

// ErrNoCallbacks is returned when an entry names a server id with no
// registered FDW vtable — it can happen if an adapter was unregistered
// while an entry was still in doubt.
var ErrNoCallbacks = errors.New("resolver: no FDW callbacks registered for server")

// ErrStillInProgress indicates a waiter's local transaction has not yet
// reached a terminal outcome, which spec.md section 4.5 step 3 says
// "must not happen for a waiter" — surfaced as an error rather than
// silently guessed at.
var ErrStillInProgress = errors.New("resolver: local transaction still in progress for a waiting entry")

// Dispatcher owns the shared collaborators every per-database Worker
// needs and spawns one worker per database when EnsureWorker is called
// for it; it does not itself watch the wait queue for new databases.
type Dispatcher struct {
	Table     *fxact.Table
	Journal   *fxwal.Journal
	Store     *spill.Store
	LocalTx   localtx.Manager
	Queues    *waitqueue.Queues
	Callbacks *fdw.Registry

	RetryInterval time.Duration
	Timeout       time.Duration

	mu      sync.Mutex
	workers map[uint32]struct{}
}

// NewDispatcher builds a Dispatcher. A RetryInterval or Timeout of zero
// is replaced by a sane default (1s and 30s respectively, matching the
// spec's own default resolver timeout).
func NewDispatcher(table *fxact.Table, journal *fxwal.Journal, store *spill.Store, localTx localtx.Manager, queues *waitqueue.Queues, callbacks *fdw.Registry, retryInterval, timeout time.Duration) *Dispatcher {
	if retryInterval <= 0 {
		retryInterval = time.Second
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Dispatcher{
		Table: table, Journal: journal, Store: store, LocalTx: localTx, Queues: queues, Callbacks: callbacks,
		RetryInterval: retryInterval, Timeout: timeout,
		workers: make(map[uint32]struct{}),
	}
}

// Worker is a per-database resolver loop.
type Worker struct {
	dbid uint32
	d    *Dispatcher
}

// EnsureWorker spawns a Worker for dbid if one is not already running,
// and returns immediately either way.
func (d *Dispatcher) EnsureWorker(ctx context.Context, dbid uint32) {
	d.mu.Lock()
	if _, running := d.workers[dbid]; running {
		d.mu.Unlock()
		return
	}
	d.workers[dbid] = struct{}{}
	d.mu.Unlock()

	w := &Worker{dbid: dbid, d: d}
	go w.loop(ctx)
}

func (w *Worker) loop(ctx context.Context) {
	defer func() {
		w.d.mu.Lock()
		delete(w.d.workers, w.dbid)
		w.d.mu.Unlock()
	}()

	ticker := time.NewTicker(w.d.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for {
				processed, err := w.RunOnce(ctx)
				if err != nil {
					if errors.Is(err, ErrFdwResolveFailed) {
						// The failing key was just moved to the retry
						// queue; stop draining until the next tick
						// instead of re-picking and hammering it again.
						break
					}
					return
				}
				if !processed {
					break
				}
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// RunOnce processes exactly one outstanding waiter key for this
// worker's database, if any, following spec.md section 4.5 steps 1-6.
// It returns processed=false when there is nothing to do.
func (w *Worker) RunOnce(ctx context.Context) (processed bool, err error) {
	key, ok := w.pickWaiter()
	if !ok {
		return false, nil
	}
	return true, w.d.resolveKey(ctx, key)
}

// pickWaiter finds one key belonging to this worker's database among
// the active wait queue's outstanding keys (step 1: "find a waiter in
// the active queue matching its database"). Keys whose waiters have all
// been moved to the retry queue are picked only once no active key for
// this database is left; since the worker loop stops draining after a failed
// resolve, a failing key is retried at most once per retry-interval tick.
func (w *Worker) pickWaiter() (fxact.Key, bool) {
	for _, key := range w.d.Queues.ActiveKeys() {
		if key.DBID == w.dbid {
			return key, true
		}
	}
	for _, key := range w.d.Queues.Keys() {
		if key.DBID == w.dbid {
			return key, true
		}
	}
	return fxact.Key{}, false
}

// ResolveOne forces resolution of a single entry outside the normal
// wait-queue flow, for the administrative pg_resolve_fdw_xact operation
// (spec.md section 6).
func (d *Dispatcher) ResolveOne(ctx context.Context, key fxact.Key) error {
	return d.resolveKey(ctx, key)
}

// resolveKey runs steps 2-6 of the resolver algorithm for a single
// FXact entry.
func (d *Dispatcher) resolveKey(ctx context.Context, key fxact.Key) error {
	entry, err := d.Table.FindByKey(key)
	if err != nil {
		// Already resolved by someone else (e.g. a concurrent dangling
		// scan); nothing left to do.
		return nil
	}

	isCommit, err := d.decideOutcome(entry)
	if err != nil {
		return err
	}

	cb, ok := d.Callbacks.Lookup(fdw.ServerID(entry.ServerID))
	if !ok {
		return fmt.Errorf("%w: server %d", ErrNoCallbacks, entry.ServerID)
	}

	resolveCtx, cancel := context.WithTimeout(ctx, d.Timeout)
	defer cancel()

	state := fdw.PrepareState{
		ServerID:      fdw.ServerID(entry.ServerID),
		UserID:        fdw.UserID(entry.UserID),
		UserMappingID: fdw.UserMappingID(entry.UserMappingID),
		PrepareID:     entry.PrepareID,
	}

	if err := cb.Resolve(resolveCtx, state, isCommit); err != nil {
		d.Queues.MoveToRetry(key)
		return fmt.Errorf("%w: %v", ErrFdwResolveFailed, err)
	}

	if entry.OnDisk {
		if err := d.Store.Unlink(key); err != nil {
			return err
		}
	} else if entry.InsertEndLSN != 0 {
		if _, _, err := d.Journal.AppendRemove(fxwal.RemovePayload{
			DBID: key.DBID, Xid: key.Xid, ServerID: key.ServerID, UserID: key.UserID,
		}); err != nil {
			return fmt.Errorf("resolver: failed to append WAL REMOVE: %w", err)
		}
		if err := d.Journal.Flush(); err != nil {
			return fmt.Errorf("resolver: failed to flush WAL REMOVE: %w", err)
		}
	}

	if err := d.Table.Remove(key); err != nil && !errors.Is(err, fxact.ErrNotFound) {
		return err
	}

	d.Queues.Complete(key)
	return nil
}

// decideOutcome implements step 3's decision rule.
func (d *Dispatcher) decideOutcome(entry *fxact.Entry) (isCommit bool, err error) {
	switch entry.Status {
	case fxact.StatusCommittingPrepared:
		return true, nil
	case fxact.StatusAbortingPrepared:
		return false, nil
	}

	switch d.LocalTx.Outcome(entry.Xid) {
	case localtx.OutcomeCommitted:
		return true, nil
	case localtx.OutcomeAborted:
		return false, nil
	case localtx.OutcomeUnknown:
		return false, nil
	case localtx.OutcomeInProgress:
		return false, ErrStillInProgress
	default:
		return false, ErrStillInProgress
	}
}

// ScanDangling finds entries with no owning backend whose local xid is
// not itself an in-progress prepared transaction (spec.md section 4.5's
// additional dangling-entry job) and resolves each using the same rule
// set RunOnce uses.
func (d *Dispatcher) ScanDangling(ctx context.Context) (resolved int, err error) {
	dangling := d.Table.FindAll(func(e *fxact.Entry) bool {
		return e.HeldBy == fxact.NoBackend && !d.LocalTx.Prepared(e.Xid)
	})

	for _, e := range dangling {
		if rerr := d.resolveKey(ctx, e.Key); rerr != nil {
			if errors.Is(rerr, ErrFdwResolveFailed) {
				continue
			}
			return resolved, rerr
		}
		resolved++
	}
	return resolved, nil
}
