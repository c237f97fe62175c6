package admin

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
)

// Mount registers the Management Surface's REST routes onto router,
// protected by auth if non-nil. It mirrors laura-db's own pattern of a
// thin chi.Router wrapper per subsystem (pkg/server/server.go's
// setupRoutes) rather than a monolithic route table.
func Mount(router chi.Router, svc *Service, auth *APIKeyAuth) {
	h := &handler{svc: svc}

	gql, err := NewGraphQLHandler(svc)
	if err != nil {
		panic(fmt.Errorf("admin: building graphql schema: %w", err))
	}

	router.Route("/fdw-xacts", func(r chi.Router) {
		if auth != nil {
			r.Use(auth.Middleware)
		}
		r.Get("/", h.list)
		r.Post("/{dbid}/{xid}/{serverId}/{userId}/resolve", h.resolve)
		r.Delete("/{dbid}/{xid}/{serverId}/{userId}", h.remove)
		r.Get("/dump", h.dump)
		r.Get("/stream", h.stream)
		r.Handle("/graphql", gql)
	})
}

type handler struct {
	svc *Service
}

func (h *handler) list(w http.ResponseWriter, r *http.Request) {
	writeSuccess(w, h.svc.ListPrepared())
}

func (h *handler) resolve(w http.ResponseWriter, r *http.Request) {
	dbid, xid, serverID, userID, err := parseKeyParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.svc.Resolve(r.Context(), dbid, xid, serverID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "resolve_failed", err.Error())
		return
	}
	writeSuccess(w, nil)
}

func (h *handler) remove(w http.ResponseWriter, r *http.Request) {
	dbid, xid, serverID, userID, err := parseKeyParams(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if err := h.svc.Remove(dbid, xid, serverID, userID); err != nil {
		writeError(w, http.StatusInternalServerError, "remove_failed", err.Error())
		return
	}
	writeSuccess(w, nil)
}

func parseKeyParams(r *http.Request) (dbid uint32, xid uint64, serverID, userID uint32, err error) {
	d, err := strconv.ParseUint(chi.URLParam(r, "dbid"), 10, 32)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	x, err := strconv.ParseUint(chi.URLParam(r, "xid"), 10, 64)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	s, err := strconv.ParseUint(chi.URLParam(r, "serverId"), 10, 32)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	u, err := strconv.ParseUint(chi.URLParam(r, "userId"), 10, 32)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	return uint32(d), x, uint32(s), uint32(u), nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeSuccess(w http.ResponseWriter, result interface{}) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ok": true, "result": result})
}

func writeError(w http.ResponseWriter, status int, kind, message string) {
	writeJSON(w, status, map[string]interface{}{"ok": false, "error": kind, "message": message})
}
