package health

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/tracplatform/gateway/internal/proxy"
)

func TestHealthHandler_Healthy(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := proxy.New()
	h := NewHandler(p, map[string]string{"api": backend.URL}, "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
	if !resp.Backends["api"] {
		t.Error("backends[api] should be true")
	}
	if resp.Version != "test-version" {
		t.Errorf("version = %q, want %q", resp.Version, "test-version")
	}
	if resp.ActiveConnections != 0 {
		t.Errorf("active_connections = %d, want 0", resp.ActiveConnections)
	}
	if resp.Details == nil {
		t.Error("details should not be nil when detailed is true")
	}
}

func TestHealthHandler_BackendDown(t *testing.T) {
	p := proxy.New()
	h := NewHandler(p, map[string]string{"api": "http://127.0.0.1:1"}, "test-version", true)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.Status != "degraded" {
		t.Errorf("status = %q, want %q", resp.Status, "degraded")
	}
	if resp.Backends["api"] {
		t.Error("backends[api] should be false")
	}
}

func TestHealthHandler_MixedBackends(t *testing.T) {
	up := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer up.Close()

	p := proxy.New()
	h := NewHandler(p, map[string]string{
		"api":    up.URL,
		"legacy": "http://127.0.0.1:1",
	}, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if !resp.Backends["api"] {
		t.Error("backends[api] should be true")
	}
	if resp.Backends["legacy"] {
		t.Error("backends[legacy] should be false")
	}
	if resp.Details != nil {
		t.Error("details should be nil when detailed is false")
	}
}

func TestHealthHandler_NoBackends(t *testing.T) {
	p := proxy.New()
	h := NewHandler(p, nil, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("status code = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestHealthHandler_WithConnections(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer backend.Close()

	p := proxy.New()
	p.IncrementConnections("10.0.0.1")
	p.IncrementConnections("10.0.0.2")

	h := NewHandler(p, map[string]string{"api": backend.URL}, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if resp.ActiveConnections != 2 {
		t.Errorf("active_connections = %d, want 2", resp.ActiveConnections)
	}
}

func TestHealthHandler_Backend4xx(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer backend.Close()

	p := proxy.New()
	h := NewHandler(p, map[string]string{"api": backend.URL}, "test-version", false)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	h.ServeHTTP(rec, req)

	var resp Response
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	if !resp.Backends["api"] {
		t.Error("backend returning 4xx should still be reachable")
	}
	if resp.Status != "ok" {
		t.Errorf("status = %q, want %q", resp.Status, "ok")
	}
}
