// Package orchestrator implements the Commit-time Orchestrator
// described in spec.md section 4.2: it runs inside a committing
// backend, classifies participants, decides one-phase vs two-phase,
// drives FDW prepare, commits the local transaction, and then enqueues
// one waiter per prepared entry on the wait queue. Commit does not block;
// it returns the waiters so the caller can Wait until the Resolver
// reports completion.
package orchestrator

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/mnohosten/laura-fxact/pkg/fdw"
	"github.com/mnohosten/laura-fxact/pkg/fxact"
	"github.com/mnohosten/laura-fxact/pkg/fxwal"
	"github.com/mnohosten/laura-fxact/pkg/localtx"
	"github.com/mnohosten/laura-fxact/pkg/participant"
	"github.com/mnohosten/laura-fxact/pkg/waitqueue"
)

// Policy is the configured durability level for foreign transactions
// (spec.md section 4.2).
type Policy int

const (
	// PolicyDisabled commits every modified participant one-phase,
	// regardless of two-phase capability.
	PolicyDisabled Policy = iota
	// PolicyPrefer prepares two-phase-capable participants and commits
	// the rest one-phase.
	PolicyPrefer
	// PolicyRequired fails the local commit if any modified participant
	// lacks two-phase capability.
	PolicyRequired
)

func (p Policy) String() string {
	switch p {
	case PolicyDisabled:
		return "disabled"
	case PolicyPrefer:
		return "prefer"
	case PolicyRequired:
		return "required"
	default:
		return "unknown"
	}
}

// ErrPrepareIDTooLong is returned when a prepare id (supplied by the FDW
// or generated here) exceeds fdw.MaxPrepareIDLen bytes, excluding any
// wire-format NUL terminator.
var ErrPrepareIDTooLong = fmt.Errorf("orchestrator: %w", fdw.ErrPrepareIDTooLong)

// ErrProtocolViolation is returned when PolicyRequired is violated by a
// non-two-phase-capable, modified participant.
var ErrProtocolViolation = errors.New("orchestrator: a modified participant lacks two-phase capability under required policy")

// ErrFdwPrepareFailed wraps a failing FDW Prepare callback.
var ErrFdwPrepareFailed = errors.New("orchestrator: FDW prepare failed")

// Orchestrator drives one local transaction's commit across its
// registered participants.
type Orchestrator struct {
	Table    *fxact.Table
	Journal  *fxwal.Journal
	LocalTx  localtx.Manager
	Queues   *waitqueue.Queues
	Policy   Policy
}

// New builds an Orchestrator wired to the given collaborators.
func New(table *fxact.Table, journal *fxwal.Journal, localTx localtx.Manager, queues *waitqueue.Queues, policy Policy) *Orchestrator {
	return &Orchestrator{Table: table, Journal: journal, LocalTx: localTx, Queues: queues, Policy: policy}
}

// Outcome summarizes what Commit did, so the caller (and tests) can
// assert on the path taken without re-deriving it.
type Outcome struct {
	OnePhase       []*participant.Participant
	TwoPhase       []*participant.Participant
	PreparedKeys   []fxact.Key
	Waiters        []*waitqueue.Waiter
	CommittedLocal bool
}

// Commit runs the five-step algorithm from spec.md section 4.2 for one
// local transaction. dbid identifies the database for FXact keys;
// backend identifies the calling backend for FXact ownership and the
// wait queue; wroteNonTemp reports whether the local transaction wrote
// any non-temporary relation of its own (classification step 1);
// durableWriteHint is the caller-chosen signal documented in
// DESIGN.md for the "prefer" policy's single-remaining-participant
// downgrade (classification step 2).
func (o *Orchestrator) Commit(ctx context.Context, xid uint64, dbid uint32, backend fxact.BackendID, participants []*participant.Participant, wroteNonTemp, durableWriteHint bool) (Outcome, error) {
	var outcome Outcome

	modified := modifiedOf(participants)

	// Step 1: classify.
	if len(modified) <= 1 && !wroteNonTemp {
		if err := o.commitOnePhase(ctx, modified); err != nil {
			return outcome, err
		}
		outcome.OnePhase = modified
		outcome.CommittedLocal = true
		return outcome, o.commitLocal(xid)
	}

	// Step 2: capability probe + policy.
	var onePhase, twoPhase []*participant.Participant
	for _, p := range modified {
		if p.TwoPhaseCapable {
			twoPhase = append(twoPhase, p)
		} else {
			onePhase = append(onePhase, p)
		}
	}

	switch o.Policy {
	case PolicyDisabled:
		onePhase, twoPhase = modified, nil
	case PolicyRequired:
		if len(onePhase) > 0 {
			return outcome, ErrProtocolViolation
		}
	case PolicyPrefer:
		if len(twoPhase) == 1 && !durableWriteHint {
			onePhase = append(onePhase, twoPhase[0])
			twoPhase = nil
		}
	}

	if err := o.commitOnePhase(ctx, onePhase); err != nil {
		return outcome, err
	}
	outcome.OnePhase = onePhase

	// Step 3: prepare every remaining (two-phase) participant.
	preparedKeys, err := o.prepareAll(ctx, dbid, xid, backend, twoPhase)
	if err != nil {
		// Partial prepares remain in the table as dangling entries; the
		// Resolver's periodic scan (spec.md section 4.5) picks them up.
		return outcome, err
	}
	outcome.TwoPhase = twoPhase
	outcome.PreparedKeys = preparedKeys

	// Step 4: local commit, then flip prepared entries to
	// CommittingPrepared.
	if err := o.commitLocal(xid); err != nil {
		return outcome, err
	}
	outcome.CommittedLocal = true
	for _, key := range preparedKeys {
		if err := o.Table.SetStatus(key, fxact.StatusCommittingPrepared); err != nil {
			return outcome, err
		}
	}

	// Step 5: wait. The caller owns actually blocking on the returned
	// waiters (Wait can take arbitrarily long and the caller controls
	// its own cancellation channel), so Commit hands back the
	// enqueued-but-not-yet-waited set instead of blocking itself.
	for _, key := range preparedKeys {
		outcome.Waiters = append(outcome.Waiters, o.Queues.Enqueue(backend, key))
	}

	return outcome, nil
}

func modifiedOf(participants []*participant.Participant) []*participant.Participant {
	var out []*participant.Participant
	for _, p := range participants {
		if p.Modified {
			out = append(out, p)
		}
	}
	return out
}

func (o *Orchestrator) commitOnePhase(ctx context.Context, participants []*participant.Participant) error {
	for _, p := range participants {
		state := fdw.PrepareState{ServerID: p.ServerID, UserID: p.UserID, UserMappingID: p.UserMappingID, FDWState: p.FDWState}
		if err := p.Callbacks.Commit(ctx, state); err != nil {
			return fmt.Errorf("orchestrator: one-phase commit failed for server %d: %w", p.ServerID, err)
		}
	}
	return nil
}

func (o *Orchestrator) commitLocal(xid uint64) error {
	return o.LocalTx.Commit(xid)
}

// prepareAll runs step 3 of the algorithm against each two-phase
// participant: assign a prepare id, insert the FXact entry with status
// Preparing, write and flush the WAL INSERT record under
// delay-checkpoint and mark the entry valid, then call FDW Prepare.
// The first failure aborts the whole batch; entries already
// inserted for earlier participants are left in the table (dangling)
// rather than rolled back here, matching spec.md's "partial prepares
// become dangling entries handled by the Resolver."
func (o *Orchestrator) prepareAll(ctx context.Context, dbid uint32, xid uint64, backend fxact.BackendID, participants []*participant.Participant) ([]fxact.Key, error) {
	var prepared []fxact.Key

	for _, p := range participants {
		prepareID, err := choosePrepareID(ctx, p, xid)
		if err != nil {
			return prepared, err
		}

		key := fxact.Key{DBID: dbid, Xid: xid, ServerID: uint32(p.ServerID), UserID: uint32(p.UserID)}

		if _, err := o.Table.Insert(key, uint32(p.UserMappingID), prepareID, backend); err != nil {
			return prepared, fmt.Errorf("orchestrator: failed to insert FXact entry for server %d: %w", p.ServerID, err)
		}
		if err := o.Table.SetStatus(key, fxact.StatusPreparing); err != nil {
			return prepared, err
		}

		release := o.Journal.BeginDelayCheckpoint()
		start, end, err := o.Journal.AppendInsert(fxwal.InsertPayload{
			DBID: dbid, Xid: xid, ServerID: uint32(p.ServerID), UserID: uint32(p.UserID),
			UserMappingID: uint32(p.UserMappingID), PrepareID: prepareID,
		})
		if err != nil {
			release()
			return prepared, fmt.Errorf("orchestrator: failed to append WAL INSERT: %w", err)
		}
		if err := o.Journal.Flush(); err != nil {
			release()
			return prepared, fmt.Errorf("orchestrator: failed to flush WAL INSERT: %w", err)
		}

		if err := o.Table.SetWalPointers(key, start, end); err != nil {
			release()
			return prepared, err
		}
		if err := o.Table.MarkValid(key); err != nil {
			release()
			return prepared, err
		}
		release()

		state := fdw.PrepareState{ServerID: p.ServerID, UserID: p.UserID, UserMappingID: p.UserMappingID, PrepareID: prepareID, FDWState: p.FDWState}
		if err := p.Callbacks.Prepare(ctx, state); err != nil {
			return prepared, fmt.Errorf("%w: server %d: %v", ErrFdwPrepareFailed, p.ServerID, err)
		}

		if err := o.Table.SetStatus(key, fxact.StatusPrepared); err != nil {
			return prepared, err
		}
		fxactCopy := key
		p.Fxact = &fxactCopy
		prepared = append(prepared, key)
	}

	return prepared, nil
}

// choosePrepareID asks the FDW for a custom prepare id; if it declines,
// a unique one is generated in the form fx_<12 random hex bytes>_<xid>_<serverId>_<userId>.
func choosePrepareID(ctx context.Context, p *participant.Participant, xid uint64) (string, error) {
	if id, ok, err := p.Callbacks.GetPrepareID(ctx, xid, p.ServerID, p.UserID); err != nil {
		return "", fmt.Errorf("orchestrator: GetPrepareID failed for server %d: %w", p.ServerID, err)
	} else if ok {
		if len(id) > fdw.MaxPrepareIDLen {
			return "", ErrPrepareIDTooLong
		}
		return id, nil
	}

	var raw [6]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", fmt.Errorf("orchestrator: failed to generate prepare id: %w", err)
	}
	id := fmt.Sprintf("fx_%s_%d_%d_%d", hex.EncodeToString(raw[:]), xid, p.ServerID, p.UserID)
	if len(id) > fdw.MaxPrepareIDLen {
		return "", ErrPrepareIDTooLong
	}
	return id, nil
}
