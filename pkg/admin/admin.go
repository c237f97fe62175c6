// Package admin implements the Management Surface described in
// spec.md section 6: catalogue functions to enumerate in-doubt foreign
// transactions, force their resolution, or remove an entry without
// resolving it, exposed over REST, GraphQL and a live WebSocket feed,
// the way laura-db's own pkg/server mounts its catalogue endpoints.
package admin

import (
	"context"
	"fmt"

	"github.com/mnohosten/laura-fxact/pkg/fdw"
	"github.com/mnohosten/laura-fxact/pkg/fxact"
	"github.com/mnohosten/laura-fxact/pkg/fxwal"
	"github.com/mnohosten/laura-fxact/pkg/resolver"
	"github.com/mnohosten/laura-fxact/pkg/spill"
)

// Row mirrors the row shape of pg_prepared_fdw_xacts().
type Row struct {
	DBID      uint32 `json:"dbid"`
	Xid       uint64 `json:"xid"`
	ServerID  uint32 `json:"serverId"`
	UserID    uint32 `json:"userId"`
	Status    string `json:"status"`
	PrepareID string `json:"prepareId"`
}

// Service implements the three administrative operations against the
// live FXact Table, plus an event feed the WebSocket and diagnostic
// dump handlers consume.
type Service struct {
	Table      *fxact.Table
	Journal    *fxwal.Journal
	Store      *spill.Store
	Dispatcher *resolver.Dispatcher
	Callbacks  *fdw.Registry

	events *eventBroker
}

// NewService builds a Service. Call Events() to obtain the live feed
// before wiring the WebSocket handler.
func NewService(table *fxact.Table, journal *fxwal.Journal, store *spill.Store, dispatcher *resolver.Dispatcher, callbacks *fdw.Registry) *Service {
	return &Service{
		Table: table, Journal: journal, Store: store, Dispatcher: dispatcher, Callbacks: callbacks,
		events: newEventBroker(),
	}
}

// ListPrepared implements pg_prepared_fdw_xacts(): every row currently
// in the FXact Table.
func (s *Service) ListPrepared() []Row {
	entries := s.Table.FindAll(nil)
	rows := make([]Row, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, Row{
			DBID: e.DBID, Xid: e.Xid, ServerID: e.ServerID, UserID: e.UserID,
			Status: e.Status.String(), PrepareID: e.PrepareID,
		})
	}
	return rows
}

// Resolve implements pg_resolve_fdw_xact(xid, serverId, userId): force
// resolution of one entry outside of the normal wait-queue flow, using
// the same outcome-decision rule the Resolver Worker uses.
func (s *Service) Resolve(ctx context.Context, dbid uint32, xid uint64, serverID, userID uint32) error {
	key := fxact.Key{DBID: dbid, Xid: xid, ServerID: serverID, UserID: userID}
	if _, err := s.Table.FindByKey(key); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if err := s.Dispatcher.ResolveOne(ctx, key); err != nil {
		s.events.publish(Event{Kind: EventRetry, Row: rowFromKey(key)})
		return fmt.Errorf("admin: forced resolution failed: %w", err)
	}
	s.events.publish(Event{Kind: EventResolved, Row: rowFromKey(key)})
	return nil
}

// Remove implements pg_remove_fdw_xact(xid, serverId, userId): drop an
// entry (and its spill file, if any) without ever calling the FDW's
// resolve callback — an explicit administrative override, not part of
// the normal protocol.
func (s *Service) Remove(dbid uint32, xid uint64, serverID, userID uint32) error {
	key := fxact.Key{DBID: dbid, Xid: xid, ServerID: serverID, UserID: userID}
	entry, err := s.Table.FindByKey(key)
	if err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	if entry.OnDisk {
		if err := s.Store.Unlink(key); err != nil {
			return fmt.Errorf("admin: %w", err)
		}
	} else if entry.InsertEndLSN != 0 {
		// The entry is still WAL-backed, not yet checkpoint-spilled: a
		// WAL REMOVE must be durable before the entry leaves the table,
		// or a crash before the journal is trimmed past its INSERT would
		// let recovery.Startup replay that stale INSERT and resurrect
		// the very entry this operation forgot.
		if _, _, err := s.Journal.AppendRemove(fxwal.RemovePayload{
			DBID: key.DBID, Xid: key.Xid, ServerID: key.ServerID, UserID: key.UserID,
		}); err != nil {
			return fmt.Errorf("admin: failed to append WAL REMOVE: %w", err)
		}
		if err := s.Journal.Flush(); err != nil {
			return fmt.Errorf("admin: failed to flush WAL REMOVE: %w", err)
		}
	}
	if err := s.Table.Remove(key); err != nil {
		return fmt.Errorf("admin: %w", err)
	}
	s.events.publish(Event{Kind: EventRemoved, Row: rowFromKey(key)})
	return nil
}

// Events returns the live event feed for the WebSocket handler.
func (s *Service) Events() *eventBroker {
	return s.events
}

func rowFromKey(key fxact.Key) Row {
	return Row{DBID: key.DBID, Xid: key.Xid, ServerID: key.ServerID, UserID: key.UserID}
}
