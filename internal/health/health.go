// Package health serves the gateway's liveness/readiness endpoint on a
// listener separate from the client-facing one, so local monitoring
// tools can probe it without going through the route table, auth
// middleware, or TLS termination.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"sync"
	"time"

	"github.com/tracplatform/gateway/internal/metrics"
	"github.com/tracplatform/gateway/internal/proxy"
)

// Response is the JSON response from the health endpoint.
type Response struct {
	Status            string            `json:"status"`
	Uptime            string            `json:"uptime"`
	ActiveConnections int               `json:"active_connections"`
	Backends          map[string]bool   `json:"backends,omitempty"`
	Version           string            `json:"version"`
	Timestamp         string            `json:"timestamp"`
	Details           *Details          `json:"details,omitempty"`
}

// Details contains extended health information, included only when the
// handler is configured for detailed reporting.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	MemoryMB         float64 `json:"memory_mb"`
}

// Handler serves the health check endpoint, reporting overall status and,
// optionally, per-route backend reachability (spec §6 "health").
type Handler struct {
	startTime time.Time
	proxy     *proxy.Proxy
	metrics   *metrics.Metrics // optional, nil if metrics disabled
	version   string
	detailed  bool

	mu       sync.RWMutex
	backends map[string]string // route name -> backend base URL, built once from the route table
}

// NewHandler creates a health check handler. backendChecks maps a route
// name to the backend base URL to probe for that route; routes without an
// entry are not probed.
func NewHandler(p *proxy.Proxy, backendChecks map[string]string, version string, detailed bool) *Handler {
	return &Handler{
		startTime: time.Now(),
		proxy:     p,
		version:   version,
		detailed:  detailed,
		backends:  backendChecks,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// ServeHTTP handles health check requests: it probes every configured
// backend concurrently and reports degraded if any is unreachable.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	results := h.checkBackends(r.Context())

	allOK := true
	for name, ok := range results {
		if !ok {
			allOK = false
		}
		if h.metrics != nil {
			v := 0.0
			if ok {
				v = 1.0
			}
			h.metrics.BackendReachable.WithLabelValues(name).Set(v)
		}
	}

	status := "ok"
	httpCode := http.StatusOK
	if !allOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.proxy.ConnectionCount(),
		Backends:          results,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.proxy.TotalConnections(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

// noRedirectClient refuses to follow HTTP redirects during a health probe,
// since a 3xx from a backend still counts as "reachable".
var noRedirectClient = &http.Client{
	CheckRedirect: func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	},
	Timeout: 5 * time.Second,
}

// checkBackends probes every configured backend concurrently and returns
// a map of route name to reachability.
func (h *Handler) checkBackends(ctx context.Context) map[string]bool {
	h.mu.RLock()
	checks := h.backends
	h.mu.RUnlock()

	results := make(map[string]bool, len(checks))
	if len(checks) == 0 {
		return results
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, url := range checks {
		wg.Add(1)
		go func(name, url string) {
			defer wg.Done()
			ok := probe(ctx, url)
			mu.Lock()
			results[name] = ok
			mu.Unlock()
		}(name, url)
	}
	wg.Wait()
	return results
}

func probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		slog.Debug("backend health check request creation failed", "url", url, "error", err)
		return false
	}

	resp, err := noRedirectClient.Do(req)
	if err != nil {
		slog.Debug("backend unreachable", "url", url, "error", err)
		return false
	}
	resp.Body.Close()
	return true // any response (even 4xx/3xx) means the backend is alive
}
