// Package negotiator decides, for each incoming request, whether the
// connection speaks HTTP/1.1, HTTP/2 cleartext, or is upgrading to
// WebSocket, and installs that choice on the connection exactly once
// (spec §4.1).
package negotiator

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/tracplatform/gateway/internal/pipeline"
)

// Protocol mirrors pipeline.Protocol for callers that only need to branch
// on the negotiated transport without importing pipeline directly.
type Protocol = pipeline.Protocol

const (
	HTTP1     = pipeline.HTTP1
	HTTP2     = pipeline.HTTP2
	WebSocket = pipeline.WebSocket
)

// WebSocketSubprotocols lists the sub-protocols the gateway will echo back
// on a successful WebSocket upgrade (spec §4.1, "the negotiated
// sub-protocol is echoed", and §4.8's `grpc-websockets`).
var WebSocketSubprotocols = []string{"grpc-websockets"}

// Negotiator wraps a root handler with h2c (HTTP/2 cleartext, with or
// without prior knowledge) support and tags every request's connection
// with the protocol it settled into. TLS connections bypass all of this:
// ALPN has already picked h2 or http/1.1 by the time the handler sees the
// request, so the caller only needs Wrap for the cleartext listener.
type Negotiator struct {
	next        http.Handler
	idleTimeout time.Duration
	h2cServer   *http2.Server
	wrapped     http.Handler
}

// New builds a Negotiator around next. idleTimeout is applied to both the
// HTTP/1.1 and HTTP/2 cleartext paths (spec §4.1 "idle timeout... configurable
// per service").
func New(next http.Handler, idleTimeout time.Duration) *Negotiator {
	n := &Negotiator{
		next:        next,
		idleTimeout: idleTimeout,
		h2cServer:   &http2.Server{IdleTimeout: idleTimeout},
	}
	n.wrapped = h2c.NewHandler(http.HandlerFunc(n.serveTagged), n.h2cServer)
	return n
}

// Handler returns the http.Handler to install on the cleartext listener. It
// is h2c.NewHandler wrapping a tagging middleware: h2c.NewHandler already
// implements the peek-and-dispatch between HTTP/1.1 and HTTP/2
// prior-knowledge that spec §4.1 describes, so no hand-rolled first-byte
// peek is written here.
func (n *Negotiator) Handler() http.Handler {
	return n.wrapped
}

// serveTagged installs the resolved protocol on the connection's pipeline
// state before calling through to next. Re-negotiation (a second distinct
// protocol, or a second WebSocket upgrade attempt, on the same connection)
// is rejected with 400 per spec §4.1.
func (n *Negotiator) serveTagged(w http.ResponseWriter, r *http.Request) {
	state, ok := pipeline.FromContext(r.Context())
	if !ok {
		// No ConnContext wiring (e.g. in a unit test); proceed without
		// cross-request guarding, tagging this single request only.
		state = pipeline.NewState()
	}

	proto := HTTP1
	if r.ProtoMajor == 2 {
		proto = HTTP2
	}
	if isWebSocketUpgrade(r) {
		proto = WebSocket
	}

	if err := state.Install(proto); err != nil {
		slog.Warn("rejecting protocol re-negotiation", "remote", r.RemoteAddr, "error", err)
		http.Error(w, "protocol already negotiated on this connection", http.StatusBadRequest)
		return
	}

	n.next.ServeHTTP(w, r)
}

// isWebSocketUpgrade reports whether r is an HTTP/1.1 WebSocket handshake
// (spec §4.1: "Upgrade: websocket and a matching Sec-WebSocket-Key").
func isWebSocketUpgrade(r *http.Request) bool {
	if !headerContainsToken(r.Header, "Connection", "upgrade") {
		return false
	}
	if !headerContainsToken(r.Header, "Upgrade", "websocket") {
		return false
	}
	return r.Header.Get("Sec-WebSocket-Key") != ""
}

func headerContainsToken(h http.Header, name, token string) bool {
	for _, v := range h.Values(name) {
		for _, part := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(part), token) {
				return true
			}
		}
	}
	return false
}

// ConnContext attaches a fresh pipeline state to each new connection; pass
// this to http.Server.ConnContext so every request sharing the connection
// observes the same negotiated protocol.
func ConnContext(ctx context.Context, _ net.Conn) context.Context {
	return pipeline.WithState(ctx, pipeline.NewState())
}
