package spill

import (
	"os"
	"testing"

	"github.com/mnohosten/laura-fxact/pkg/fxact"
	"github.com/mnohosten/laura-fxact/pkg/fxwal"
)

func TestWriteReadRoundtrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	key := fxact.Key{DBID: 1, Xid: 10, ServerID: 2, UserID: 3}
	payload := fxwal.InsertPayload{DBID: 1, Xid: 10, ServerID: 2, UserID: 3, UserMappingID: 4, PrepareID: "fx_abcd_10_2_3"}

	if err := store.Write(key, payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	got, err := store.Read(key)
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if got != payload {
		t.Fatalf("roundtrip mismatch: got %+v want %+v", got, payload)
	}
}

func TestReadDetectsCorruption(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}

	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	payload := fxwal.InsertPayload{DBID: 1, Xid: 1, ServerID: 1, UserID: 1, PrepareID: "a"}
	if err := store.Write(key, payload); err != nil {
		t.Fatalf("Write failed: %v", err)
	}

	// Corrupt the first byte of the file.
	data, err := os.ReadFile(store.Path(key))
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	data[0] ^= 0xFF
	if err := os.WriteFile(store.Path(key), data, 0644); err != nil {
		t.Fatalf("rewrite failed: %v", err)
	}

	if _, err := store.Read(key); err != ErrFileCorruption {
		t.Fatalf("expected ErrFileCorruption, got %v", err)
	}
}

func TestUnlinkRemovesFile(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)
	key := fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	store.Write(key, fxwal.InsertPayload{DBID: 1, Xid: 1, ServerID: 1, UserID: 1, PrepareID: "a"})

	if err := store.Unlink(key); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, err := os.Stat(store.Path(key)); !os.IsNotExist(err) {
		t.Fatal("expected spill file to be removed")
	}

	// Unlinking an already-absent file must not error.
	if err := store.Unlink(key); err != nil {
		t.Fatalf("double unlink should be a no-op, got %v", err)
	}
}

func TestPrescanFindsMinimumXid(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)

	for _, xid := range []uint64{50, 10, 30} {
		key := fxact.Key{DBID: 1, Xid: xid, ServerID: 1, UserID: 1}
		store.Write(key, fxwal.InsertPayload{DBID: 1, Xid: xid, ServerID: 1, UserID: 1, PrepareID: "a"})
	}

	min, found, err := store.Prescan()
	if err != nil {
		t.Fatalf("Prescan failed: %v", err)
	}
	if !found || min != 10 {
		t.Fatalf("expected min xid 10, got %d (found=%v)", min, found)
	}
}

func TestRestoreReinstatesEntries(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)

	key := fxact.Key{DBID: 1, Xid: 5, ServerID: 1, UserID: 1}
	store.Write(key, fxwal.InsertPayload{DBID: 1, Xid: 5, ServerID: 1, UserID: 1, UserMappingID: 9, PrepareID: "fx_r_5_1_1"})

	table := fxact.NewTable(10)
	var warnings []string
	if err := store.Restore(100, table, func(s string) { warnings = append(warnings, s) }); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}

	entry, err := table.FindByKey(key)
	if err != nil {
		t.Fatalf("expected restored entry: %v", err)
	}
	if !entry.InRedo || entry.Valid {
		t.Fatalf("restored entry should be InRedo=true, Valid=false, got %+v", entry)
	}
	if entry.PrepareID != "fx_r_5_1_1" {
		t.Fatalf("unexpected prepare id: %s", entry.PrepareID)
	}
}

func TestRestoreDeletesFutureXidFile(t *testing.T) {
	dir := t.TempDir()
	store, _ := NewStore(dir)

	key := fxact.Key{DBID: 1, Xid: 500, ServerID: 1, UserID: 1}
	store.Write(key, fxwal.InsertPayload{DBID: 1, Xid: 500, ServerID: 1, UserID: 1, PrepareID: "future"})

	table := fxact.NewTable(10)
	var warnings []string
	if err := store.Restore(100, table, func(s string) { warnings = append(warnings, s) }); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if len(warnings) != 1 {
		t.Fatalf("expected one warning for future-xid file, got %v", warnings)
	}
	if _, err := table.FindByKey(key); err == nil {
		t.Fatal("future-xid entry should not have been restored")
	}
	if _, err := os.Stat(store.Path(key)); !os.IsNotExist(err) {
		t.Fatal("future-xid file should have been deleted")
	}
}
