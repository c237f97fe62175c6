package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/mnohosten/laura-fxact/pkg/fdw"
	"github.com/mnohosten/laura-fxact/pkg/fxact"
)

func newRouter(t *testing.T, f *fixture) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	Mount(r, f.svc, nil)
	return r
}

func TestHandlerListReturnsRows(t *testing.T) {
	f := newFixture(t)
	f.table.Insert(fxact.Key{DBID: 1, Xid: 1, ServerID: 1, UserID: 1}, 1, "fx_1_1_1", fxact.NoBackend)
	router := newRouter(t, f)

	req := httptest.NewRequest(http.MethodGet, "/fdw-xacts/", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandlerResolveAndRemove(t *testing.T) {
	f := newFixture(t)
	cb := fdw.NewMemoryFDW(true)
	f.callbacks.Register(1, cb)
	f.table.Insert(fxact.Key{DBID: 1, Xid: 2, ServerID: 1, UserID: 1}, 1, "fx_2_1_1", fxact.NoBackend)
	f.localTx.Abort(2)
	router := newRouter(t, f)

	req := httptest.NewRequest(http.MethodPost, "/fdw-xacts/1/2/1/1/resolve", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if _, err := f.table.FindByKey(fxact.Key{DBID: 1, Xid: 2, ServerID: 1, UserID: 1}); err == nil {
		t.Fatal("expected entry resolved and removed")
	}

	f.table.Insert(fxact.Key{DBID: 1, Xid: 3, ServerID: 1, UserID: 1}, 1, "fx_3_1_1", fxact.NoBackend)
	req2 := httptest.NewRequest(http.MethodDelete, "/fdw-xacts/1/3/1/1", nil)
	rec2 := httptest.NewRecorder()
	router.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec2.Code, rec2.Body.String())
	}
	if _, err := f.table.FindByKey(fxact.Key{DBID: 1, Xid: 3, ServerID: 1, UserID: 1}); err == nil {
		t.Fatal("expected entry removed")
	}
}

func TestHandlerResolveBadParamsReturns400(t *testing.T) {
	f := newFixture(t)
	router := newRouter(t, f)

	req := httptest.NewRequest(http.MethodPost, "/fdw-xacts/notanumber/2/1/1/resolve", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlerDumpServesCompressedSnapshot(t *testing.T) {
	f := newFixture(t)
	f.table.Insert(fxact.Key{DBID: 1, Xid: 4, ServerID: 1, UserID: 1}, 1, "fx_4_1_1", fxact.NoBackend)
	router := newRouter(t, f)

	req := httptest.NewRequest(http.MethodGet, "/fdw-xacts/dump", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/zstd" {
		t.Fatalf("expected application/zstd, got %q", ct)
	}
	if rec.Body.Len() == 0 {
		t.Fatal("expected a non-empty compressed body")
	}
}

func TestMountRequiresApiKeyWhenAuthConfigured(t *testing.T) {
	f := newFixture(t)
	auth, err := NewAPIKeyAuth("topsecret")
	if err != nil {
		t.Fatalf("NewAPIKeyAuth failed: %v", err)
	}
	r := chi.NewRouter()
	Mount(r, f.svc, auth)

	req := httptest.NewRequest(http.MethodGet, "/fdw-xacts/", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without an api key, got %d", rec.Code)
	}
}
