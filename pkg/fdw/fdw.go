// Package fdw defines the callback contract a foreign-data-wrapper adapter
// must implement for the Foreign Transaction Manager to drive two-phase
// commit against it. FXM never speaks the remote wire protocol itself; it
// only calls these six callbacks.
package fdw

import (
	"context"
	"errors"
	"sync"
)

// ServerID, UserID and UserMappingID are opaque catalog identifiers. They
// are fixed at uint32 because that is the width the WAL record layout
// commits them to on the wire.
type ServerID uint32
type UserID uint32
type UserMappingID uint32

// MaxPrepareIDLen is the maximum length of a prepare id, in bytes,
// excluding any NUL terminator added for the wire format.
const MaxPrepareIDLen = 200

// ErrPrepareIDTooLong is returned when a prepare id (supplied by the FDW
// or generated by FXM) exceeds MaxPrepareIDLen.
var ErrPrepareIDTooLong = errors.New("fdw: prepare id exceeds 200 bytes")

// PrepareState bundles everything an FDW callback needs to act on one
// participant's prepared (or preparing) transaction.
type PrepareState struct {
	ServerID      ServerID
	UserID        UserID
	UserMappingID UserMappingID
	PrepareID     string
	FDWState      any
}

// Callbacks is the capability set a remote adapter must provide.
// GetPrepareID is optional: an adapter that does not implement a custom
// id scheme should return ("", false, nil) and let FXM generate one.
type Callbacks interface {
	IsTwoPhaseCapable(ctx context.Context, serverID ServerID) bool
	GetPrepareID(ctx context.Context, xid uint64, serverID ServerID, userID UserID) (id string, ok bool, err error)
	Prepare(ctx context.Context, state PrepareState) error
	Commit(ctx context.Context, state PrepareState) error
	Rollback(ctx context.Context, state PrepareState) error
	Resolve(ctx context.Context, state PrepareState, isCommit bool) error
}

// Registry maps a foreign server id to the callback vtable that speaks
// for it. Participant registration consults the registry once and caches
// the result, so the registry itself is only touched while the catalog
// lookup context is still alive.
type Registry struct {
	mu        sync.RWMutex
	callbacks map[ServerID]Callbacks
}

// NewRegistry creates an empty callback registry.
func NewRegistry() *Registry {
	return &Registry{callbacks: make(map[ServerID]Callbacks)}
}

// Register associates a server id with its callback vtable, replacing
// any previous registration.
func (r *Registry) Register(serverID ServerID, cb Callbacks) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks[serverID] = cb
}

// Unregister removes a server's callback vtable.
func (r *Registry) Unregister(serverID ServerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.callbacks, serverID)
}

// Lookup returns the callback vtable for a server, or false if no
// callbacks are registered for it. Two-phase capability is not checked
// here; callers ask the returned vtable's IsTwoPhaseCapable.
func (r *Registry) Lookup(serverID ServerID) (Callbacks, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.callbacks[serverID]
	return cb, ok
}
