// Package localtx models the narrow slice of the surrounding local
// transaction manager that the Foreign Transaction Manager depends on.
// The real transaction manager (heap/index access, MVCC snapshots, the
// query executor) is out of scope for FXM (spec.md section 1); FXM only
// needs to know whether a given local transaction committed, aborted, or
// is still running, and to drive the local commit/abort itself at the
// right point in the 2PC protocol.
//
// This is adapted from laura-db's pkg/mvcc.TransactionManager: the same
// begin/commit/abort bookkeeping, generalized to the one question FXM
// actually asks — Outcome(xid) — and to retain committed/aborted history
// long enough for the Resolver to consult it (laura-db's original
// version only ever needed the *current* state of active transactions).
package localtx

import (
	"sync"
	"sync/atomic"
)

// Outcome is the terminal (or non-terminal) state of a local transaction
// as observed by the Resolver.
type Outcome int

const (
	// OutcomeInProgress means the transaction is still active.
	OutcomeInProgress Outcome = iota
	OutcomeCommitted
	OutcomeAborted
	// OutcomeUnknown means the manager has no record of this xid at all
	// (never began, or its outcome was garbage collected). The Resolver
	// treats this the same as an abort, per spec.md section 4.5 step 3.
	OutcomeUnknown
)

func (o Outcome) String() string {
	switch o {
	case OutcomeInProgress:
		return "in_progress"
	case OutcomeCommitted:
		return "committed"
	case OutcomeAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Manager is the interface the Orchestrator and Resolver program against.
// A real server wires this to its actual transaction manager; tests and
// cmd/fxactd use SimpleManager.
type Manager interface {
	Begin() uint64
	Commit(xid uint64) error
	Abort(xid uint64) error
	Outcome(xid uint64) Outcome
	// Prepared reports whether xid is itself a local transaction that is
	// currently prepared (for a separate, non-FXM 2PC facility) — the
	// Resolver's dangling scan must not treat such a transaction as
	// abandoned. A manager with no such facility always returns false.
	Prepared(xid uint64) bool
}

// SimpleManager is a minimal, in-process Manager implementation.
type SimpleManager struct {
	mu        sync.Mutex
	nextXid   uint64
	active    map[uint64]struct{}
	outcomes  map[uint64]Outcome
	prepared  map[uint64]struct{}
}

// NewSimpleManager creates an empty transaction manager.
func NewSimpleManager() *SimpleManager {
	return &SimpleManager{
		active:   make(map[uint64]struct{}),
		outcomes: make(map[uint64]Outcome),
		prepared: make(map[uint64]struct{}),
	}
}

// Begin allocates a new local transaction id.
func (m *SimpleManager) Begin() uint64 {
	xid := atomic.AddUint64(&m.nextXid, 1)
	m.mu.Lock()
	m.active[xid] = struct{}{}
	m.mu.Unlock()
	return xid
}

// Commit marks xid committed.
func (m *SimpleManager) Commit(xid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, xid)
	m.outcomes[xid] = OutcomeCommitted
	return nil
}

// Abort marks xid aborted.
func (m *SimpleManager) Abort(xid uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, xid)
	m.outcomes[xid] = OutcomeAborted
	return nil
}

// Outcome reports the current disposition of xid.
func (m *SimpleManager) Outcome(xid uint64) Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, active := m.active[xid]; active {
		return OutcomeInProgress
	}
	if outcome, ok := m.outcomes[xid]; ok {
		return outcome
	}
	return OutcomeUnknown
}

// MarkPrepared records that xid is itself prepared under a separate
// local 2PC facility, so the Resolver's dangling scan leaves it alone.
func (m *SimpleManager) MarkPrepared(xid uint64, prepared bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prepared {
		m.prepared[xid] = struct{}{}
	} else {
		delete(m.prepared, xid)
	}
}

func (m *SimpleManager) Prepared(xid uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.prepared[xid]
	return ok
}
