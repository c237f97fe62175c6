package participant

import (
	"context"
	"fmt"
	"testing"

	"github.com/mnohosten/laura-fxact/pkg/fdw"
)

type fakeResolver struct {
	server fdw.ServerID
	user   fdw.UserID
	mapp   fdw.UserMappingID
	err    error
}

func (f *fakeResolver) ResolveRelation(relationID uint32) (fdw.ServerID, fdw.UserID, fdw.UserMappingID, error) {
	if f.err != nil {
		return 0, 0, 0, f.err
	}
	return f.server, f.user, f.mapp, nil
}

func newRegistryWithServer(t *testing.T, serverID fdw.ServerID, twoPhase bool) (*Registry, *fdw.MemoryFDW) {
	t.Helper()
	cb := fdw.NewMemoryFDW(twoPhase)
	callbacks := fdw.NewRegistry()
	callbacks.Register(serverID, cb)
	resolver := &fakeResolver{server: serverID, user: 1, mapp: 1}
	return NewRegistry(resolver, callbacks), cb
}

func TestRegisterByServerCachesCapability(t *testing.T) {
	reg, _ := newRegistryWithServer(t, 1, true)

	p, err := reg.RegisterByServer(context.Background(), 1, 1, 1, "remote1", true)
	if err != nil {
		t.Fatalf("RegisterByServer failed: %v", err)
	}
	if !p.TwoPhaseCapable {
		t.Fatal("expected TwoPhaseCapable true")
	}
	if !p.Modified {
		t.Fatal("expected Modified true")
	}
	if reg.ContainsNonTwoPhase() {
		t.Fatal("registry should not flag non-two-phase participants")
	}
}

func TestRepeatRegistrationOrMergesModified(t *testing.T) {
	reg, _ := newRegistryWithServer(t, 1, true)

	if _, err := reg.RegisterByServer(context.Background(), 1, 1, 1, "remote1", false); err != nil {
		t.Fatalf("first register failed: %v", err)
	}
	p2, err := reg.RegisterByServer(context.Background(), 1, 1, 1, "remote1", true)
	if err != nil {
		t.Fatalf("second register failed: %v", err)
	}
	if !p2.Modified {
		t.Fatal("expected Modified to OR-merge to true")
	}
	if len(reg.All()) != 1 {
		t.Fatalf("expected a single participant for repeat (server,user), got %d", len(reg.All()))
	}
}

func TestRegisterByServerFlagsNonTwoPhaseCapable(t *testing.T) {
	reg, _ := newRegistryWithServer(t, 1, false)

	p, err := reg.RegisterByServer(context.Background(), 1, 1, 1, "remote1", true)
	if err != nil {
		t.Fatalf("RegisterByServer failed: %v", err)
	}
	if p.TwoPhaseCapable {
		t.Fatal("expected TwoPhaseCapable false")
	}
	if !reg.ContainsNonTwoPhase() {
		t.Fatal("expected registry to flag a non-two-phase participant")
	}
}

func TestRegisterByServerUnknownServerFails(t *testing.T) {
	callbacks := fdw.NewRegistry()
	reg := NewRegistry(&fakeResolver{}, callbacks)

	if _, err := reg.RegisterByServer(context.Background(), 99, 1, 1, "ghost", false); err == nil {
		t.Fatal("expected error registering an unregistered server")
	}
}

func TestRegisterByRelationResolvesAndDelegates(t *testing.T) {
	reg, _ := newRegistryWithServer(t, 2, true)

	p, err := reg.RegisterByRelation(context.Background(), 42, true)
	if err != nil {
		t.Fatalf("RegisterByRelation failed: %v", err)
	}
	if p.ServerID != 2 {
		t.Fatalf("expected resolved server id 2, got %d", p.ServerID)
	}
}

func TestRegisterByRelationPropagatesResolverError(t *testing.T) {
	callbacks := fdw.NewRegistry()
	reg := NewRegistry(&fakeResolver{err: fmt.Errorf("no such relation")}, callbacks)

	if _, err := reg.RegisterByRelation(context.Background(), 1, false); err == nil {
		t.Fatal("expected resolver error to propagate")
	}
}

func TestForgetAllClearsRegistryAndReturnsHeldKeys(t *testing.T) {
	reg, _ := newRegistryWithServer(t, 1, true)
	p, err := reg.RegisterByServer(context.Background(), 1, 1, 1, "remote1", true)
	if err != nil {
		t.Fatalf("RegisterByServer failed: %v", err)
	}

	held := reg.ForgetAll()
	if len(held) != 0 {
		t.Fatalf("expected no held keys before any Fxact is assigned, got %d", len(held))
	}
	if len(reg.All()) != 0 {
		t.Fatalf("expected registry emptied after ForgetAll, got %d", len(reg.All()))
	}
	_ = p
}

func TestModifiedCount(t *testing.T) {
	callbacks := fdw.NewRegistry()
	callbacks.Register(1, fdw.NewMemoryFDW(true))
	callbacks.Register(2, fdw.NewMemoryFDW(true))
	reg := NewRegistry(&fakeResolver{}, callbacks)

	if _, err := reg.RegisterByServer(context.Background(), 1, 1, 1, "remote1", true); err != nil {
		t.Fatalf("RegisterByServer(1) failed: %v", err)
	}
	if _, err := reg.RegisterByServer(context.Background(), 2, 1, 1, "remote2", false); err != nil {
		t.Fatalf("RegisterByServer(2) failed: %v", err)
	}

	if reg.ModifiedCount() != 1 {
		t.Fatalf("expected 1 modified participant, got %d", reg.ModifiedCount())
	}
}
