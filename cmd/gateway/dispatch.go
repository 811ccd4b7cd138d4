package main

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/tracplatform/gateway/internal/authmw"
	"github.com/tracplatform/gateway/internal/errmap"
	"github.com/tracplatform/gateway/internal/metrics"
	"github.com/tracplatform/gateway/internal/pipeline"
	"github.com/tracplatform/gateway/internal/proxy"
	"github.com/tracplatform/gateway/internal/proxy/http2proxy"
	"github.com/tracplatform/gateway/internal/proxy/httpproxy"
	"github.com/tracplatform/gateway/internal/proxy/resttranscode"
	"github.com/tracplatform/gateway/internal/proxy/wsrpc"
	"github.com/tracplatform/gateway/internal/route"
	"github.com/tracplatform/gateway/internal/security"
)

// routeDispatcher is the top-level handler installed behind auth
// middleware: it runs the spec §4.2 redirect-then-route algorithm and
// dispatches the matched request to the proxy engine for the route's
// primary class and the connection's negotiated transport (spec §4.2
// step 4 "classify").
type routeDispatcher struct {
	table          *route.Table
	httpEngine     *httpproxy.Engine
	h2Engine       *http2proxy.Engine
	wsEngine       *wsrpc.Engine
	transcoder     *resttranscode.Engine // nil if no REST route is configured
	proxy          *proxy.Proxy
	metrics        *metrics.Metrics // nil if metrics disabled
	rateLimiter    *security.RateLimiter
	maxConnections int
	maxPerIP       int
}

func (d *routeDispatcher) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ip := security.ExtractClientIP(r.RemoteAddr)

	admitted, reason := d.proxy.AdmitConnection(ip, d.maxConnections, d.maxPerIP)
	if !admitted {
		if d.metrics != nil {
			d.metrics.RateLimitedTotal.Inc()
		}
		if reason == "max_connections" {
			errmap.WriteError(w, errmap.BackendUnreachable, "gateway at connection capacity")
		} else {
			errmap.WriteError(w, errmap.BackendUnreachable, "too many connections from this client")
		}
		return
	}
	defer d.proxy.DecrementConnections(ip)

	if redirect, ok := d.table.MatchRedirect(r.URL.Path); ok {
		if d.rateLimiter != nil && !d.rateLimiter.Allow(ip, "") {
			d.reject429(w)
			return
		}
		w.Header().Set("Location", redirect.Target)
		w.WriteHeader(redirect.Status)
		return
	}

	transport := transportFor(r)
	rt, rewrittenPath, ok := d.table.Match(r.Host, r.URL.Path, transport)
	if !ok {
		if d.rateLimiter != nil && !d.rateLimiter.Allow(ip, "") {
			d.reject429(w)
			return
		}
		if d.table.MatchProtocolMismatch(r.Host, r.URL.Path) {
			d.recordError(errmap.UnsupportedProtocol)
			slog.Warn("route rejected unsupported transport", "path", r.URL.Path, "client_ip", ip)
			errmap.WriteError(w, errmap.UnsupportedProtocol, "route does not accept this protocol")
			return
		}
		d.recordError(errmap.RouteNotMatched)
		slog.Warn("no route matched", "path", r.URL.Path, "client_ip", ip)
		errmap.WriteError(w, errmap.RouteNotMatched, "no route matched "+r.URL.Path)
		return
	}

	// Rate-limited per (ip, route) now that the route is known; the request
	// also draws on the client's IP-wide bucket, so traffic to one route
	// uses up budget shared with that client's other routes.
	if d.rateLimiter != nil && !d.rateLimiter.Allow(ip, rt.Name) {
		d.reject429(w)
		return
	}

	start := time.Now()
	rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	d.serveRoute(rw, r, rt, transport, rewrittenPath)
	elapsed := time.Since(start)

	if d.metrics != nil {
		d.metrics.RequestsTotal.WithLabelValues(rt.Name, statusClass(rw.status)).Inc()
		d.metrics.RequestDuration.WithLabelValues(rt.Name).Observe(elapsed.Seconds())
	}
	d.proxy.IncrementMessages()
	d.logRequest(r, rt.Name, rw.status, elapsed)
}

// logRequest emits one structured record per proxied request, tagged with
// the route it matched and (when authenticated) the session it ran under,
// so the logring tee buffer and internal/webui's log viewer can filter
// activity per backend without grepping raw JSON lines.
func (d *routeDispatcher) logRequest(r *http.Request, routeName string, status int, elapsed time.Duration) {
	attrs := []any{"route", routeName, "status", status, "duration_ms", elapsed.Milliseconds()}
	if sess, ok := authmw.SessionFrom(r); ok && sess.UserID != "" {
		attrs = append(attrs, "session_id", sess.UserID)
	}
	slog.Debug("request proxied", attrs...)
}

// serveRoute dispatches to the proxy engine matching rt.Primary and the
// request's negotiated transport (spec §4.2 step 4, §4.6-§4.9).
func (d *routeDispatcher) serveRoute(w http.ResponseWriter, r *http.Request, rt *route.Route, transport route.Transport, rewrittenPath string) {
	switch rt.Primary {
	case route.REST:
		if d.transcoder == nil {
			errmap.WriteJSONError(w, errmap.RouteNotMatched, "TRANSCODE_NOT_CONFIGURED", "no transcoding mapping configured for this route")
			return
		}
		d.transcoder.Handler(rt, rt.Target).ServeHTTP(w, r)

	case route.GRPC, route.GRPCWeb:
		if transport == route.TransportWebSocket {
			d.wsEngine.ServeWS(w, r, rt.Target, rewrittenPath)
			return
		}
		d.h2Engine.Handler(rt.Target, rewrittenPath).ServeHTTP(w, r)

	case route.HTTP, route.Internal:
		d.httpEngine.Handler(rt.Target, rewrittenPath).ServeHTTP(w, r)

	default:
		errmap.WriteError(w, errmap.Malformed, "unrecognized route class")
	}
}

func (d *routeDispatcher) reject429(w http.ResponseWriter) {
	if d.metrics != nil {
		d.metrics.RateLimitedTotal.Inc()
	}
	http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
}

func (d *routeDispatcher) recordError(kind errmap.Kind) {
	if d.metrics == nil {
		return
	}
	d.metrics.ErrorsTotal.WithLabelValues(strconv.Itoa(errmap.Status(kind))).Inc()
}

// transportFor reports the negotiated transport for r, consulting the
// pipeline.State installed by the negotiator rather than re-deriving it
// from request fields, so a WebSocket connection that has already
// completed its upgrade is classified as TransportWebSocket for every
// subsequent frame-driven request on it.
func transportFor(r *http.Request) route.Transport {
	if state, ok := pipeline.FromContext(r.Context()); ok {
		switch state.Current() {
		case pipeline.WebSocket:
			return route.TransportWebSocket
		case pipeline.HTTP2:
			return route.TransportHTTP2
		}
		return route.TransportHTTP1
	}
	if r.ProtoMajor == 2 {
		return route.TransportHTTP2
	}
	return route.TransportHTTP1
}

// statusRecorder captures the status code written by a proxy engine so
// the dispatcher can label its metrics, without altering response bytes.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "1xx"
	}
}
