// Package checkpoint drives the checkpoint-time spill described in
// spec.md section 4.4: long-lived FXact entries whose INSERT record
// falls before the checkpoint's redo horizon are copied out to the Spill
// Store so the WAL Journal can eventually be truncated past them.
package checkpoint

import (
	"fmt"

	"github.com/mnohosten/laura-fxact/pkg/fxact"
	"github.com/mnohosten/laura-fxact/pkg/fxwal"
	"github.com/mnohosten/laura-fxact/pkg/spill"
)

// ErrCheckpointDelayed is returned when a checkpoint is attempted while a
// backend has delay-checkpoint asserted (spec.md section 5: "A
// checkpoint may not complete while any backend has delay-checkpoint
// asserted").
var ErrCheckpointDelayed = fmt.Errorf("checkpoint: delay-checkpoint asserted by a backend")

// Run performs one checkpoint spill pass: every entry that is Valid or
// InRedo, not already OnDisk, and whose InsertEndLSN is at or before
// redoHorizon is written to the Spill Store and its WAL pointers are
// cleared. Returns the number of entries spilled.
func Run(table *fxact.Table, journal *fxwal.Journal, store *spill.Store, redoHorizon uint64) (int, error) {
	if journal.CheckpointDelayed() {
		return 0, ErrCheckpointDelayed
	}

	candidates := table.FindAll(func(e *fxact.Entry) bool {
		return (e.Valid || e.InRedo) && !e.OnDisk && e.InsertEndLSN != 0 && e.InsertEndLSN <= redoHorizon
	})

	spilled := 0
	for _, e := range candidates {
		raw, err := journal.ReadRange(e.InsertStartLSN, e.InsertEndLSN)
		if err != nil {
			return spilled, fmt.Errorf("checkpoint: failed to read WAL range for %s: %w", e.Key, err)
		}

		rec, err := decodeInsertEnvelope(raw)
		if err != nil {
			return spilled, fmt.Errorf("checkpoint: failed to decode WAL record for %s: %w", e.Key, err)
		}

		if err := store.Write(e.Key, rec); err != nil {
			return spilled, fmt.Errorf("checkpoint: spill write failed for %s (checkpoint aborted, entry remains in WAL): %w", e.Key, err)
		}

		if err := table.SetOnDisk(e.Key, true); err != nil {
			return spilled, err
		}
		if err := table.ClearWalPointers(e.Key); err != nil {
			return spilled, err
		}
		spilled++
	}

	return spilled, nil
}

// decodeInsertEnvelope strips the journal's [length][type] envelope and
// decodes the INSERT payload inside it.
func decodeInsertEnvelope(raw []byte) (fxwal.InsertPayload, error) {
	const envelopeHeaderLen = 5
	if len(raw) < envelopeHeaderLen {
		return fxwal.InsertPayload{}, fmt.Errorf("record too short")
	}
	if fxwal.RecordType(raw[4]) != fxwal.RecordInsert {
		return fxwal.InsertPayload{}, fmt.Errorf("expected INSERT record")
	}
	return fxwal.DecodeInsert(raw[envelopeHeaderLen:])
}
