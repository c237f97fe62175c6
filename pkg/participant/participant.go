// Package participant implements the Participant Registry: the
// per-backend, per-local-transaction list of foreign servers touched so
// far, as described in spec.md section 4.1. It never touches the FXact
// Table or WAL directly; the Commit-time Orchestrator consumes it.
package participant

import (
	"context"
	"fmt"

	"github.com/mnohosten/laura-fxact/pkg/fdw"
	"github.com/mnohosten/laura-fxact/pkg/fxact"
)

// ErrNoTwoPhaseFDW is returned when a server id has no registered FDW
// callback vtable at all; the caller still may proceed single-phase if
// policy allows it (spec.md section 4.1).
var ErrNoTwoPhaseFDW = fmt.Errorf("participant: server has no registered FDW callbacks")

// RelationResolver maps a relation id to the foreign server/user mapping
// that owns it, standing in for the catalogue lookup a real executor
// would perform. Supplied by the caller so this package stays free of
// any particular catalogue representation.
type RelationResolver interface {
	ResolveRelation(relationID uint32) (serverID fdw.ServerID, userID fdw.UserID, userMappingID fdw.UserMappingID, err error)
}

// Participant is one foreign server touched by the current local
// transaction (spec.md section 3).
type Participant struct {
	ServerID      fdw.ServerID
	UserID        fdw.UserID
	UserMappingID fdw.UserMappingID
	ServerName    string

	Modified        bool
	TwoPhaseCapable bool

	// FDWState is an opaque handle the FDW's callbacks expect back on
	// every subsequent call for this participant.
	FDWState interface{}

	// Fxact is set once this participant has an FXact Table entry
	// (after a successful prepare); nil before that.
	Fxact *fxact.Key

	Callbacks fdw.Callbacks
}

// key identifies a participant for dedup purposes: one Participant per
// (serverId, userId) per local transaction (spec.md section 3).
type key struct {
	server fdw.ServerID
	user   fdw.UserID
}

// Registry is the per-backend, per-local-transaction Participant list.
// Not safe for concurrent use by multiple goroutines: a local
// transaction belongs to exactly one backend.
type Registry struct {
	resolver    RelationResolver
	callbacks   *fdw.Registry
	order       []key
	byKey       map[key]*Participant
	nonTwoPhase bool
}

// NewRegistry creates an empty Participant Registry. resolver is used by
// RegisterByRelation; callbacks supplies the FDW vtable for a given
// server/user mapping.
func NewRegistry(resolver RelationResolver, callbacks *fdw.Registry) *Registry {
	return &Registry{
		resolver:  resolver,
		callbacks: callbacks,
		byKey:     make(map[key]*Participant),
	}
}

// RegisterByServer registers (or updates) a participant addressed
// directly by server/user/user-mapping id, OR-merging modified into any
// existing registration for the same (serverId, userId) (spec.md
// section 3's "repeat registration only OR-merges modified").
func (r *Registry) RegisterByServer(ctx context.Context, serverID fdw.ServerID, userID fdw.UserID, userMappingID fdw.UserMappingID, serverName string, modified bool) (*Participant, error) {
	k := key{server: serverID, user: userID}
	if existing, ok := r.byKey[k]; ok {
		existing.Modified = existing.Modified || modified
		return existing, nil
	}

	cb, ok := r.callbacks.Lookup(serverID)
	if !ok {
		return nil, fmt.Errorf("%w: server %d", ErrNoTwoPhaseFDW, serverID)
	}

	p := &Participant{
		ServerID:        serverID,
		UserID:          userID,
		UserMappingID:   userMappingID,
		ServerName:      serverName,
		Modified:        modified,
		TwoPhaseCapable: cb.IsTwoPhaseCapable(ctx, serverID),
		Callbacks:       cb,
	}
	if !p.TwoPhaseCapable {
		r.nonTwoPhase = true
	}

	r.byKey[k] = p
	r.order = append(r.order, k)
	return p, nil
}

// RegisterByRelation resolves relationID to a server/user mapping via
// the configured RelationResolver and delegates to RegisterByServer.
func (r *Registry) RegisterByRelation(ctx context.Context, relationID uint32, modified bool) (*Participant, error) {
	serverID, userID, userMappingID, err := r.resolver.ResolveRelation(relationID)
	if err != nil {
		return nil, fmt.Errorf("participant: failed to resolve relation %d: %w", relationID, err)
	}
	return r.RegisterByServer(ctx, serverID, userID, userMappingID, "", modified)
}

// All returns every registered participant, in registration order.
func (r *Registry) All() []*Participant {
	out := make([]*Participant, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// ModifiedCount returns how many registered participants have Modified
// set, used by the Commit-time Orchestrator's classification step.
func (r *Registry) ModifiedCount() int {
	n := 0
	for _, p := range r.byKey {
		if p.Modified {
			n++
		}
	}
	return n
}

// ContainsNonTwoPhase reports whether any registered participant lacks
// two-phase capability.
func (r *Registry) ContainsNonTwoPhase() bool {
	return r.nonTwoPhase
}

// ForgetAll clears the registry at transaction end (spec.md section
// 4.1). It returns the set of Fxact keys, if any, that participants
// still held at the time of the call (so the caller can clear heldBy on
// those FXact entries and recompute the oldest-unresolved-xmin floor);
// this function does not itself touch the FXact Table.
func (r *Registry) ForgetAll() []fxact.Key {
	var held []fxact.Key
	for _, k := range r.order {
		if p := r.byKey[k]; p.Fxact != nil {
			held = append(held, *p.Fxact)
		}
	}
	r.order = nil
	r.byKey = make(map[key]*Participant)
	r.nonTwoPhase = false
	return held
}
