package webui

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/tracplatform/gateway/internal/route"
)

// statusResponse is the JSON body for GET /api/v1/status.
type statusResponse struct {
	Uptime            string  `json:"uptime"`
	UptimeSeconds     float64 `json:"uptime_seconds"`
	ActiveSessions    int     `json:"active_sessions"`
	TotalConnections  int64   `json:"total_connections"`
	MemoryMB          float64 `json:"memory_mb"`
	Goroutines        int     `json:"goroutines"`
	Version           string  `json:"version"`
	BuildTime         string  `json:"build_time"`
	GitCommit         string  `json:"git_commit"`
}

func (ui *WebUI) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	uptime := time.Since(ui.deps.StartTime)

	resp := statusResponse{
		Uptime:           uptime.Round(time.Second).String(),
		UptimeSeconds:    uptime.Seconds(),
		ActiveSessions:   ui.deps.Proxy.ConnectionCount(),
		TotalConnections: ui.deps.Proxy.TotalConnections(),
		MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
		Goroutines:       runtime.NumGoroutine(),
		Version:          ui.deps.Version,
		BuildTime:        ui.deps.BuildTime,
		GitCommit:        ui.deps.GitCommit,
	}

	writeJSON(w, http.StatusOK, resp)
}

// routeEntry is the JSON shape of one route.Route for the admin page.
type routeEntry struct {
	Name       string   `json:"name"`
	Class      string   `json:"class"`
	Host       string   `json:"host,omitempty"`
	PathPrefix string   `json:"path_prefix"`
	Target     string   `json:"target"`
	Protocols  []string `json:"protocols"`
}

type redirectEntry struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Status int    `json:"status"`
}

type routesResponse struct {
	Routes    []routeEntry    `json:"routes"`
	Redirects []redirectEntry `json:"redirects"`
}

func (ui *WebUI) handleRoutes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	routes := ui.deps.Table.Routes()
	entries := make([]routeEntry, len(routes))
	for i, rt := range routes {
		entries[i] = routeEntry{
			Name:       rt.Name,
			Class:      rt.Primary.String(),
			Host:       rt.Host,
			PathPrefix: rt.PathPrefix,
			Target:     string(rt.Target.Scheme) + "://" + rt.Target.Host + rt.Target.PathPrefix,
			Protocols:  transportNames(rt.Accepted),
		}
	}

	redirects := ui.deps.Table.Redirects()
	redirectEntries := make([]redirectEntry, len(redirects))
	for i, rd := range redirects {
		redirectEntries[i] = redirectEntry{Source: rd.Source, Target: rd.Target, Status: rd.Status}
	}

	writeJSON(w, http.StatusOK, routesResponse{Routes: entries, Redirects: redirectEntries})
}

// logEntryResponse mirrors logring.LogEntry for JSON serialization.
type logEntryResponse struct {
	Time      string         `json:"time"`
	Level     string         `json:"level"`
	Message   string         `json:"message"`
	Route     string         `json:"route,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Attrs     map[string]any `json:"attrs,omitempty"`
}

func (ui *WebUI) handleLogs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	minLevel := slog.LevelDebug
	if v := r.URL.Query().Get("level"); v != "" {
		switch v {
		case "debug":
			minLevel = slog.LevelDebug
		case "info":
			minLevel = slog.LevelInfo
		case "warn":
			minLevel = slog.LevelWarn
		case "error":
			minLevel = slog.LevelError
		}
	}

	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			since = t
		}
	}

	routeFilter := r.URL.Query().Get("route")
	entries := ui.deps.RingBuffer.EntriesForRoute(routeFilter, limit, minLevel, since)
	resp := make([]logEntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = logEntryResponse{
			Time:      e.Time.Format(time.RFC3339Nano),
			Level:     e.Level.String(),
			Message:   e.Message,
			Route:     e.Route,
			SessionID: e.SessionID,
			Attrs:     e.Attrs,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func transportNames(accepted map[route.Transport]bool) []string {
	names := make([]string, 0, len(accepted))
	if accepted[route.TransportHTTP1] {
		names = append(names, "http1")
	}
	if accepted[route.TransportHTTP2] {
		names = append(names, "http2")
	}
	if accepted[route.TransportWebSocket] {
		names = append(names, "websocket")
	}
	return names
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
