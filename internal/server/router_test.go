package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRequestIDMiddlewareGeneratesIDWhenAbsent(t *testing.T) {
	r := newTestRouter(&fakeController{}, fixedIdentity{"user-1", true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got == "" {
		t.Error("response missing X-Request-Id header")
	}
}

func TestRequestIDMiddlewareEchoesClientSuppliedID(t *testing.T) {
	r := newTestRouter(&fakeController{}, fixedIdentity{"user-1", true})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "client-supplied-id")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if got := w.Header().Get(requestIDHeader); got != "client-supplied-id" {
		t.Errorf("X-Request-Id = %q, want echoed client-supplied-id", got)
	}
}
