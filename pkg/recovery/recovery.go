// Package recovery runs the startup sequence described in spec.md
// section 4.4: prescan the spill directory, restore any spill files that
// are still relevant, replay the WAL journal into the FXact Table, and
// finally flip every replayed entry out of InRedo once redo has
// finished.
//
// Spill files take priority over the journal: a checkpoint spills an
// entry precisely so its WAL record can eventually be discarded, so a
// file on disk is the authoritative copy even if this module's toy,
// never-truncated journal still physically contains the older INSERT
// record for the same key. WAL replay treats an already-restored,
// OnDisk entry's INSERT as stale and leaves it alone.
package recovery

import (
	"errors"
	"fmt"

	"github.com/mnohosten/laura-fxact/pkg/fxact"
	"github.com/mnohosten/laura-fxact/pkg/fxwal"
	"github.com/mnohosten/laura-fxact/pkg/spill"
)

// Result summarizes what Startup did, for logging and tests.
type Result struct {
	PrescanMinXid    uint64
	PrescanFound     bool
	RecordsReplayed  int
	EntriesRestored  int
	EntriesRecovered int
}

// Startup runs prescan -> restore -> WAL replay -> recover against an
// empty table, as spec.md section 4.4 requires. nextXid is the
// transaction manager's belief about the next xid to allocate, used to
// distinguish a legitimate spill file from one naming a future (and
// therefore impossible, corrupt) xid.
func Startup(table *fxact.Table, journal *fxwal.Journal, store *spill.Store, nextXid uint64, warn func(string)) (Result, error) {
	var result Result

	minXid, found, err := store.Prescan()
	if err != nil {
		return result, fmt.Errorf("recovery: prescan failed: %w", err)
	}
	result.PrescanMinXid, result.PrescanFound = minXid, found

	if err := store.Restore(nextXid, table, warn); err != nil {
		return result, fmt.Errorf("recovery: spill restore failed: %w", err)
	}
	result.EntriesRestored = table.Len()

	records, err := journal.Replay()
	if err != nil {
		return result, fmt.Errorf("recovery: WAL replay failed: %w", err)
	}
	result.RecordsReplayed = len(records)

	for _, rec := range records {
		if err := applyRedo(table, store, rec); err != nil {
			return result, fmt.Errorf("recovery: failed to apply %v record: %w", rec.Type, err)
		}
	}

	recovered, err := Recover(table)
	if err != nil {
		return result, err
	}
	result.EntriesRecovered = recovered

	return result, nil
}

// applyRedo applies one WAL record to the table, per spec.md section
// 4.4's "Redo of the WAL record types":
//
//	INSERT: insert entry, record pointers, onDisk=false, valid=false, inRedo=true.
//	REMOVE: delete entry; also delete the on-disk file if onDisk.
func applyRedo(table *fxact.Table, store *spill.Store, rec fxwal.Record) error {
	switch rec.Type {
	case fxwal.RecordInsert:
		key := fxact.Key{DBID: rec.Insert.DBID, Xid: rec.Insert.Xid, ServerID: rec.Insert.ServerID, UserID: rec.Insert.UserID}

		if existing, err := table.FindByKey(key); err == nil {
			if existing.OnDisk {
				// Already reinstated from the spill file, which
				// superseded this WAL record at checkpoint time.
				return nil
			}
			// A duplicate, not-yet-spilled INSERT for a live key means
			// this xid/server/user was prepared, torn down, and
			// re-prepared within the same unreplayed window; the newer
			// record wins.
			if err := table.Remove(key); err != nil {
				return err
			}
		}

		entry := fxact.Entry{
			Key:            key,
			UserMappingID:  rec.Insert.UserMappingID,
			PrepareID:      rec.Insert.PrepareID,
			Status:         fxact.StatusPreparing,
			HeldBy:         fxact.NoBackend,
			InsertStartLSN: rec.StartLSN,
			InsertEndLSN:   rec.EndLSN,
			OnDisk:         false,
			Valid:          false,
			InRedo:         true,
		}
		return table.InsertRedo(entry)

	case fxwal.RecordRemove:
		key := fxact.Key{DBID: rec.Remove.DBID, Xid: rec.Remove.Xid, ServerID: rec.Remove.ServerID, UserID: rec.Remove.UserID}

		existing, err := table.FindByKey(key)
		if err != nil {
			if errors.Is(err, fxact.ErrNotFound) {
				// The matching INSERT predates what this journal still
				// holds (already truncated after a prior checkpoint);
				// nothing to undo.
				return nil
			}
			return err
		}

		if existing.OnDisk {
			if err := store.Unlink(key); err != nil {
				return err
			}
		}
		return table.Remove(key)
	}
	return fmt.Errorf("recovery: unknown record type %v", rec.Type)
}

// Recover flips every entry still marked InRedo to InRedo=false,
// Valid=true, once the caller has finished applying all redo records.
// Applying Recover more than once is a no-op (Recovery idempotence,
// spec.md section 8): an entry already out of InRedo is left alone.
func Recover(table *fxact.Table) (int, error) {
	inRedo := table.FindAll(func(e *fxact.Entry) bool { return e.InRedo })
	for _, e := range inRedo {
		if err := table.SetInRedo(e.Key, false); err != nil {
			return 0, err
		}
		if err := table.MarkValid(e.Key); err != nil {
			return 0, err
		}
	}
	return len(inRedo), nil
}
