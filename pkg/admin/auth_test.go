package admin

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAPIKeyAuthVerify(t *testing.T) {
	auth, err := NewAPIKeyAuth("correct-horse-battery-staple")
	if err != nil {
		t.Fatalf("NewAPIKeyAuth failed: %v", err)
	}
	if !auth.Verify("correct-horse-battery-staple") {
		t.Fatal("expected the configured key to verify")
	}
	if auth.Verify("wrong-key") {
		t.Fatal("expected a wrong key to fail verification")
	}
}

func TestAPIKeyAuthMiddlewareRejectsMissingOrWrongKey(t *testing.T) {
	auth, err := NewAPIKeyAuth("secret")
	if err != nil {
		t.Fatalf("NewAPIKeyAuth failed: %v", err)
	}
	called := false
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true })
	mw := auth.Middleware(next)

	req := httptest.NewRequest(http.MethodGet, "/fdw-xacts/", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a key, got %d", rec.Code)
	}
	if called {
		t.Fatal("expected the wrapped handler not to run")
	}

	req2 := httptest.NewRequest(http.MethodGet, "/fdw-xacts/", nil)
	req2.Header.Set("X-FXM-Api-Key", "secret")
	rec2 := httptest.NewRecorder()
	mw.ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200 with the correct key, got %d", rec2.Code)
	}
	if !called {
		t.Fatal("expected the wrapped handler to run")
	}
}

func TestAPIKeyAuthFingerprintIsStable(t *testing.T) {
	auth, err := NewAPIKeyAuth("secret")
	if err != nil {
		t.Fatalf("NewAPIKeyAuth failed: %v", err)
	}
	a, b := auth.fingerprint(), auth.fingerprint()
	if a != b || a == "" {
		t.Fatalf("expected a stable, non-empty fingerprint, got %q and %q", a, b)
	}
}
