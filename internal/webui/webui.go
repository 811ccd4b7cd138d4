// Package webui serves a read-only operator page for the gateway: the
// loaded route and redirect tables, active session count, and recent
// lines from the logring tee buffer. It is reachable only from the
// health listener, never from the client-facing listener, and carries no
// auth material of its own.
package webui

import (
	"net/http"
	"time"

	"github.com/tracplatform/gateway/internal/logring"
	"github.com/tracplatform/gateway/internal/proxy"
	"github.com/tracplatform/gateway/internal/route"
)

// Dependencies holds the state the admin page reports on.
type Dependencies struct {
	Proxy      *proxy.Proxy
	Table      *route.Table
	RingBuffer *logring.RingBuffer
	Version    string
	BuildTime  string
	GitCommit  string
	StartTime  time.Time
}

// WebUI provides HTTP handlers for the read-only admin page.
type WebUI struct {
	deps Dependencies
}

// New creates a new WebUI instance.
func New(deps Dependencies) *WebUI {
	return &WebUI{deps: deps}
}

// APIHandler returns an http.Handler for /api/v1/ endpoints.
func (ui *WebUI) APIHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/status", ui.handleStatus)
	mux.HandleFunc("/api/v1/routes", ui.handleRoutes)
	mux.HandleFunc("/api/v1/logs", ui.handleLogs)
	return securityHeaders(mux)
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'")
		next.ServeHTTP(w, r)
	})
}
