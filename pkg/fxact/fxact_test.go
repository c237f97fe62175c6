package fxact

import (
	"sync"
	"testing"
)

func TestInsertAndFindByKey(t *testing.T) {
	table := NewTable(4)
	key := Key{DBID: 1, Xid: 100, ServerID: 1, UserID: 1}

	entry, err := table.Insert(key, 1, "fx_abc_100_1_1", BackendID(7))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if entry.Status != StatusInitial {
		t.Fatalf("expected StatusInitial, got %v", entry.Status)
	}

	found, err := table.FindByKey(key)
	if err != nil {
		t.Fatalf("FindByKey failed: %v", err)
	}
	if found.PrepareID != "fx_abc_100_1_1" {
		t.Fatalf("unexpected prepare id: %s", found.PrepareID)
	}
}

func TestInsertDuplicateKeyFails(t *testing.T) {
	table := NewTable(4)
	key := Key{DBID: 1, Xid: 100, ServerID: 1, UserID: 1}

	if _, err := table.Insert(key, 1, "id1", NoBackend); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := table.Insert(key, 1, "id2", NoBackend); err == nil {
		t.Fatal("expected duplicate key error, got nil")
	}
}

func TestCapacityBound(t *testing.T) {
	table := NewTable(2)

	for i := 0; i < 2; i++ {
		key := Key{DBID: 1, Xid: uint64(i + 1), ServerID: 1, UserID: 1}
		if _, err := table.Insert(key, 1, "id", NoBackend); err != nil {
			t.Fatalf("insert %d failed: %v", i, err)
		}
	}

	overflowKey := Key{DBID: 1, Xid: 99, ServerID: 1, UserID: 1}
	if _, err := table.Insert(overflowKey, 1, "id", NoBackend); err != ErrCapacityExhausted {
		t.Fatalf("expected ErrCapacityExhausted, got %v", err)
	}
	if table.Len() != 2 {
		t.Fatalf("failed insert must not corrupt the table, got len=%d", table.Len())
	}

	// Freeing a slot must make room again.
	if err := table.Remove(Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, err := table.Insert(overflowKey, 1, "id", NoBackend); err != nil {
		t.Fatalf("insert after free should succeed: %v", err)
	}
}

func TestUniquenessAcrossConcurrentInserts(t *testing.T) {
	table := NewTable(1000)
	var wg sync.WaitGroup
	successes := make([]bool, 100)

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := Key{DBID: 1, Xid: uint64(i), ServerID: 1, UserID: 1}
			_, err := table.Insert(key, 1, "id", NoBackend)
			successes[i] = err == nil
		}(i)
	}
	wg.Wait()

	for i, ok := range successes {
		if !ok {
			t.Fatalf("insert %d unexpectedly failed", i)
		}
	}
	if table.Len() != 100 {
		t.Fatalf("expected 100 distinct entries, got %d", table.Len())
	}
}

func TestOldestUnresolvedXmin(t *testing.T) {
	table := NewTable(4)
	if _, ok := table.OldestUnresolvedXmin(); ok {
		t.Fatal("empty table should report no oldest xmin")
	}

	table.Insert(Key{DBID: 1, Xid: 50, ServerID: 1, UserID: 1}, 1, "a", NoBackend)
	table.Insert(Key{DBID: 1, Xid: 10, ServerID: 1, UserID: 2}, 1, "b", NoBackend)
	table.Insert(Key{DBID: 1, Xid: 30, ServerID: 1, UserID: 3}, 1, "c", NoBackend)

	oldest, ok := table.OldestUnresolvedXmin()
	if !ok || oldest != 10 {
		t.Fatalf("expected oldest xmin 10, got %d (ok=%v)", oldest, ok)
	}

	if err := table.Remove(Key{DBID: 1, Xid: 10, ServerID: 1, UserID: 2}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	oldest, ok = table.OldestUnresolvedXmin()
	if !ok || oldest != 30 {
		t.Fatalf("expected oldest xmin 30 after removal, got %d (ok=%v)", oldest, ok)
	}
}

func TestComputeOldestLocalXidIgnoresUnflushedEntries(t *testing.T) {
	table := NewTable(4)
	key := Key{DBID: 1, Xid: 42, ServerID: 1, UserID: 1}
	table.Insert(key, 1, "id", NoBackend)

	if _, ok := table.ComputeOldestLocalXid(); ok {
		t.Fatal("an entry that is neither Valid nor InRedo must not count")
	}

	if err := table.MarkValid(key); err != nil {
		t.Fatalf("MarkValid failed: %v", err)
	}
	xid, ok := table.ComputeOldestLocalXid()
	if !ok || xid != 42 {
		t.Fatalf("expected xid 42 once valid, got %d (ok=%v)", xid, ok)
	}
}

func TestStatusTransitions(t *testing.T) {
	table := NewTable(4)
	key := Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}
	table.Insert(key, 1, "id", NoBackend)

	transitions := []Status{StatusPreparing, StatusPrepared, StatusCommittingPrepared}
	for _, s := range transitions {
		if err := table.SetStatus(key, s); err != nil {
			t.Fatalf("SetStatus(%v) failed: %v", s, err)
		}
	}

	entry, _ := table.FindByKey(key)
	if entry.Status != StatusCommittingPrepared {
		t.Fatalf("expected final status CommittingPrepared, got %v", entry.Status)
	}
}

func TestZeroCapacityDisablesTable(t *testing.T) {
	table := NewTable(0)
	_, err := table.Insert(Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}, 1, "id", NoBackend)
	if err != ErrCapacityExhausted {
		t.Fatalf("expected ErrCapacityExhausted for zero-capacity table, got %v", err)
	}
}
