package fdw

import (
	"context"
	"fmt"
	"sync"
)

// MemoryFDW is a reference, in-process implementation of Callbacks. It
// behaves like a two-phase-capable remote server whose state lives in a
// map instead of over the network, for use in tests. It can be
// configured to fail or stall specific calls
// to exercise FXM's crash and timeout handling.
type MemoryFDW struct {
	mu             sync.Mutex
	twoPhase       bool
	prepared       map[string]bool // prepareID -> committed (true) / pending (false)
	failPrepare    bool
	failResolve    bool
	resolveDelay   func()
	prepareCalls   int
	commitCalls    int
	rollbackCalls  int
	resolveCalls   int
}

// NewMemoryFDW creates a reference FDW. twoPhase controls the answer to
// IsTwoPhaseCapable.
func NewMemoryFDW(twoPhase bool) *MemoryFDW {
	return &MemoryFDW{
		twoPhase: twoPhase,
		prepared: make(map[string]bool),
	}
}

// SetFailPrepare makes the next and all subsequent Prepare calls fail.
func (m *MemoryFDW) SetFailPrepare(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPrepare = fail
}

// SetFailResolve makes Resolve calls fail until cleared.
func (m *MemoryFDW) SetFailResolve(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failResolve = fail
}

// SetResolveDelay installs a hook invoked synchronously at the top of
// Resolve, before the context deadline is checked — used to simulate a
// remote server that blocks past the resolver timeout.
func (m *MemoryFDW) SetResolveDelay(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveDelay = fn
}

func (m *MemoryFDW) IsTwoPhaseCapable(ctx context.Context, serverID ServerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.twoPhase
}

// GetPrepareID always defers to FXM's generator.
func (m *MemoryFDW) GetPrepareID(ctx context.Context, xid uint64, serverID ServerID, userID UserID) (string, bool, error) {
	return "", false, nil
}

func (m *MemoryFDW) Prepare(ctx context.Context, state PrepareState) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.prepareCalls++
	if m.failPrepare {
		return fmt.Errorf("fdw: simulated prepare failure for %s", state.PrepareID)
	}
	if _, exists := m.prepared[state.PrepareID]; exists {
		return fmt.Errorf("fdw: duplicate prepare id %s", state.PrepareID)
	}
	m.prepared[state.PrepareID] = false
	return nil
}

func (m *MemoryFDW) Commit(ctx context.Context, state PrepareState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commitCalls++
	m.prepared[state.PrepareID] = true
	return nil
}

func (m *MemoryFDW) Rollback(ctx context.Context, state PrepareState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollbackCalls++
	delete(m.prepared, state.PrepareID)
	return nil
}

func (m *MemoryFDW) Resolve(ctx context.Context, state PrepareState, isCommit bool) error {
	m.mu.Lock()
	delay := m.resolveDelay
	m.mu.Unlock()
	if delay != nil {
		delay()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolveCalls++
	if m.failResolve {
		return fmt.Errorf("fdw: simulated resolve failure for %s", state.PrepareID)
	}
	delete(m.prepared, state.PrepareID)
	return nil
}

// Calls returns call counters, for assertions in tests.
func (m *MemoryFDW) Calls() (prepare, commit, rollback, resolve int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.prepareCalls, m.commitCalls, m.rollbackCalls, m.resolveCalls
}

// IsPrepared reports whether prepareID is currently in the prepared-but-
// undecided state (prepared && !committed).
func (m *MemoryFDW) IsPrepared(prepareID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	committed, exists := m.prepared[prepareID]
	return exists && !committed
}
