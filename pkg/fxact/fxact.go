// Package fxact implements the FXact Table: a process-wide, fixed-capacity
// table holding one entry per in-flight or in-doubt prepared foreign
// transaction. A single reader/writer lock protects it. The table is the
// durable bookkeeping the Resolver and the Commit-time Orchestrator both
// operate on; it never itself talks to a remote server or to disk — that
// is fxwal and spill's job.
package fxact

import (
	"errors"
	"fmt"
	"sync"
)

// ErrCapacityExhausted is returned when the table is full.
var ErrCapacityExhausted = errors.New("fxact: no free slot (max-prepared-foreign-transactions exhausted)")

// ErrDuplicateKey indicates a caller bug: an insert collided with an
// existing entry's key.
var ErrDuplicateKey = errors.New("fxact: duplicate key")

// ErrNotFound is returned by operations on a key with no entry.
var ErrNotFound = errors.New("fxact: entry not found")

// Status is a node in the FXact entry state DAG:
//
//	Initial -> Preparing -> Prepared -> CommittingPrepared | AbortingPrepared -> (removed)
type Status int

const (
	StatusInitial Status = iota
	StatusPreparing
	StatusPrepared
	StatusCommittingPrepared
	StatusAbortingPrepared
)

func (s Status) String() string {
	switch s {
	case StatusInitial:
		return "initial"
	case StatusPreparing:
		return "preparing"
	case StatusPrepared:
		return "prepared"
	case StatusCommittingPrepared:
		return "committing_prepared"
	case StatusAbortingPrepared:
		return "aborting_prepared"
	default:
		return "unknown"
	}
}

// Key identifies an FXact entry. It is comparable so it can be used
// directly as a map key.
type Key struct {
	DBID     uint32
	Xid      uint64
	ServerID uint32
	UserID   uint32
}

func (k Key) String() string {
	return fmt.Sprintf("(db=%d xid=%d server=%d user=%d)", k.DBID, k.Xid, k.ServerID, k.UserID)
}

// BackendID identifies the backend (goroutine-equivalent process) that
// currently owns an entry, or 0 for "none" (dangling).
type BackendID uint64

// NoBackend is the sentinel HeldBy value for a dangling entry.
const NoBackend BackendID = 0

// Entry is one FXact Table slot. Fields are mutated only through Table
// methods, under the table's lock.
type Entry struct {
	Key
	UserMappingID uint32
	PrepareID     string
	Status        Status
	HeldBy        BackendID

	// InsertStartLSN/InsertEndLSN are the WAL byte offsets of this
	// entry's INSERT record, valid until the entry is spilled to disk.
	InsertStartLSN uint64
	InsertEndLSN   uint64

	Valid   bool // true once the INSERT record has been fsync-flushed
	OnDisk  bool // true once a checkpoint has spilled this entry to a file
	InRedo  bool // true while replayed but not yet revalidated

	// ChangingState is the mid-transition flag, stored through
	// SetChangingState. No component of this module sets or reads it:
	// the orchestrator and resolver leave it false, and nothing forces a
	// reconnect when it is true.
	ChangingState bool
}

// snapshot returns a shallow copy safe to hand to callers outside the lock.
func (e *Entry) snapshot() *Entry {
	cp := *e
	return &cp
}

// Table is the FXact Table. The zero value is not usable; use NewTable.
type Table struct {
	mu       sync.RWMutex
	capacity int
	entries  map[Key]*Entry

	// oldestUnresolvedXmin caches min(localXid) over all unresolved
	// entries, maintained incrementally on insert so OldestUnresolvedXmin
	// is O(1); recomputed from scratch after every removal, since the
	// removed entry might have held the minimum.
	oldestUnresolvedXmin uint64
	haveOldest           bool
}

// NewTable creates an FXact Table with the given fixed capacity.
// Capacity 0 means the table (and thus FXM) is disabled; every Insert
// will fail with ErrCapacityExhausted.
func NewTable(capacity int) *Table {
	return &Table{
		capacity: capacity,
		entries:  make(map[Key]*Entry),
	}
}

// Capacity returns the table's configured capacity.
func (t *Table) Capacity() int {
	return t.capacity
}

// Len returns the current number of entries.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}

// Insert allocates a new entry for key. It fails with ErrCapacityExhausted
// if the table is full, or ErrDuplicateKey if key is already present.
func (t *Table) Insert(key Key, userMappingID uint32, prepareID string, heldBy BackendID) (*Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateKey, key)
	}
	if len(t.entries) >= t.capacity {
		return nil, ErrCapacityExhausted
	}

	e := &Entry{
		Key:           key,
		UserMappingID: userMappingID,
		PrepareID:     prepareID,
		Status:        StatusInitial,
		HeldBy:        heldBy,
	}
	t.entries[key] = e
	t.noteInserted(key.Xid)
	return e.snapshot(), nil
}

// InsertRedo is like Insert but used by WAL/spill replay: it sets the
// replay-specific flags directly and never fails on capacity (a crash
// should never have produced more live entries than the table allowed
// before the crash).
func (t *Table) InsertRedo(e Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[e.Key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateKey, e.Key)
	}
	cp := e
	t.entries[e.Key] = &cp
	t.noteInserted(e.Key.Xid)
	return nil
}

// Remove deletes the entry for key, returning ErrNotFound if absent.
func (t *Table) Remove(key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[key]; !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(t.entries, key)
	t.recomputeOldestLocked()
	return nil
}

// FindByKey returns a copy of the entry for key, or ErrNotFound.
func (t *Table) FindByKey(key Key) (*Entry, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	e, exists := t.entries[key]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return e.snapshot(), nil
}

// FindAll returns copies of every entry for which filter returns true.
// A nil filter matches everything. Entries are returned in no particular
// order (map iteration order).
func (t *Table) FindAll(filter func(*Entry) bool) []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var out []*Entry
	for _, e := range t.entries {
		if filter == nil || filter(e) {
			out = append(out, e.snapshot())
		}
	}
	return out
}

// FindByXid returns copies of every entry belonging to xid.
func (t *Table) FindByXid(xid uint64) []*Entry {
	return t.FindAll(func(e *Entry) bool { return e.Xid == xid })
}

// ComputeOldestLocalXid returns the minimum local xid among all entries
// that are Valid or InRedo, and false if there are none. This backs the "Xmin safety"
// testable property: the caller reports this value as a floor so the
// cluster's clog-truncation horizon never advances past an unresolved
// entry's xid.
func (t *Table) ComputeOldestLocalXid() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var (
		min   uint64
		found bool
	)
	for _, e := range t.entries {
		if !e.Valid && !e.InRedo {
			continue
		}
		if !found || e.Xid < min {
			min = e.Xid
			found = true
		}
	}
	return min, found
}

// mutate is a small helper shared by the single-field setters below: it
// looks the entry up and applies fn under the write lock. None of the
// setters changes an entry's Xid, so the oldest-xmin cache is left as is.
func (t *Table) mutate(key Key, fn func(*Entry)) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[key]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	fn(e)
	return nil
}

// SetStatus transitions an entry's status. Callers are responsible for
// only issuing transitions legal under the DAG in spec.md section 3.
func (t *Table) SetStatus(key Key, status Status) error {
	return t.mutate(key, func(e *Entry) { e.Status = status })
}

// MarkValid sets Valid=true once the INSERT record has been fsync-flushed.
func (t *Table) MarkValid(key Key) error {
	return t.mutate(key, func(e *Entry) { e.Valid = true })
}

// SetWalPointers records the WAL byte range of an entry's INSERT record.
func (t *Table) SetWalPointers(key Key, startLSN, endLSN uint64) error {
	return t.mutate(key, func(e *Entry) {
		e.InsertStartLSN = startLSN
		e.InsertEndLSN = endLSN
	})
}

// ClearWalPointers zeroes the WAL pointers once an entry has been spilled
// to disk and the WAL record is no longer authoritative.
func (t *Table) ClearWalPointers(key Key) error {
	return t.mutate(key, func(e *Entry) {
		e.InsertStartLSN = 0
		e.InsertEndLSN = 0
	})
}

// SetOnDisk marks whether a checkpoint has spilled the entry to a file.
func (t *Table) SetOnDisk(key Key, onDisk bool) error {
	return t.mutate(key, func(e *Entry) { e.OnDisk = onDisk })
}

// SetInRedo marks whether the entry is still awaiting post-redo
// revalidation.
func (t *Table) SetInRedo(key Key, inRedo bool) error {
	return t.mutate(key, func(e *Entry) { e.InRedo = inRedo })
}

// SetHeldBy reassigns (or clears, with NoBackend) the owning backend.
func (t *Table) SetHeldBy(key Key, backend BackendID) error {
	return t.mutate(key, func(e *Entry) { e.HeldBy = backend })
}

// SetChangingState marks or clears the mid-transition flag.
func (t *Table) SetChangingState(key Key, changing bool) error {
	return t.mutate(key, func(e *Entry) { e.ChangingState = changing })
}

// noteInserted updates the oldest-xmin cache for a newly inserted xid.
// Must be called with t.mu held.
func (t *Table) noteInserted(xid uint64) {
	if !t.haveOldest || xid < t.oldestUnresolvedXmin {
		t.oldestUnresolvedXmin = xid
		t.haveOldest = true
	}
}

// recomputeOldestLocked rescans all entries. Called after a removal,
// since the removed entry might have held the cached minimum. Must be
// called with t.mu held.
func (t *Table) recomputeOldestLocked() {
	t.haveOldest = false
	for _, e := range t.entries {
		if !t.haveOldest || e.Xid < t.oldestUnresolvedXmin {
			t.oldestUnresolvedXmin = e.Xid
			t.haveOldest = true
		}
	}
}

// OldestUnresolvedXmin returns the minimum xid among all entries
// currently in the table (regardless of Valid/InRedo), and false if the
// table is empty. This is the value spec.md section 3's Xmin-safety
// invariant requires the caller to report as a floor against clog
// truncation for every *unresolved* entry, not just valid ones — a
// freshly-inserted, not-yet-flushed entry still pins its xid.
func (t *Table) OldestUnresolvedXmin() (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.oldestUnresolvedXmin, t.haveOldest
}
