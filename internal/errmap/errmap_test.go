package errmap

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWriteErrorStatus(t *testing.T) {
	cases := map[Kind]int{
		RouteNotMatched:       http.StatusNotFound,
		UnsupportedProtocol:   http.StatusNotAcceptable,
		AuthFailed:            http.StatusUnauthorized,
		BackendUnreachable:    http.StatusBadGateway,
		BackendResetOrTimeout: http.StatusGatewayTimeout,
		BodyTooLarge:          http.StatusRequestEntityTooLarge,
		Malformed:             http.StatusBadRequest,
	}
	for kind, want := range cases {
		w := httptest.NewRecorder()
		WriteError(w, kind, "detail")
		if w.Code != want {
			t.Errorf("kind %v: got status %d, want %d", kind, w.Code, want)
		}
	}
}

func TestWriteJSONError(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSONError(w, RouteNotMatched, "NOT_FOUND", "tenant not found")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type = %q", ct)
	}
}

func TestRedirectToLogin(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/meta/flow/123?x=1", nil)
	w := httptest.NewRecorder()
	RedirectToLogin(w, r, "/login/browser")
	if w.Code != http.StatusFound {
		t.Fatalf("status = %d", w.Code)
	}
	loc := w.Header().Get("Location")
	if loc == "" {
		t.Fatal("expected Location header")
	}
}
