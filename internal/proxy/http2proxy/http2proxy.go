// Package http2proxy implements the HTTP/2 stream-per-request proxy engine
// (spec §4.7): binary RPC traffic that arrives as native HTTP/2 is forwarded
// to the backend over its own HTTP/2 connection, preserving trailers and
// translating stream resets between the client and backend sides.
package http2proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"golang.org/x/net/http2"

	"github.com/tracplatform/gateway/internal/errmap"
	"github.com/tracplatform/gateway/internal/route"
)

// resetCode mirrors the subset of HTTP/2 error codes the reset-translation
// table in spec §4.7 cares about.
type resetCode = http2.ErrCode

const (
	resetCancel   resetCode = http2.ErrCodeCancel
	resetInternal resetCode = http2.ErrCodeInternal
)

// Engine forwards HTTP/2 request streams to a matched route's target over
// its own HTTP/2 connection (h2c to backends that advertise prior
// knowledge, since the gateway dials backends directly and does not expect
// an ALPN negotiation with them).
type Engine struct {
	ConnectTimeout time.Duration

	transport *http2.Transport
}

// New builds an Engine whose transport dials backends in cleartext HTTP/2,
// generalizing the teacher's single-target httputil.ReverseProxy to a
// stream-multiplexing transport per spec §4.7.
func New(connectTimeout time.Duration) *Engine {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Engine{
		ConnectTimeout: connectTimeout,
		transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

// Handler builds an http.Handler that proxies a single HTTP/2 request
// stream to target, preserving pseudo-headers and trailers via
// httputil.ReverseProxy (which forwards both correctly once its Transport
// is an *http2.Transport) and translating stream resets per the table in
// spec §4.7.
func (e *Engine) Handler(target route.Target, rewrittenPath string) http.Handler {
	rp := &httputil.ReverseProxy{
		Transport: e.transport,
		Director: func(r *http.Request) {
			r.URL.Scheme = "http"
			if target.Scheme == route.SchemeHTTPS || target.Scheme == route.SchemeWSS {
				r.URL.Scheme = "https"
			}
			host := target.Host
			if target.Port != 0 {
				host = net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
			}
			r.URL.Host = host
			if target.HostAlias != "" {
				r.Host = target.HostAlias
			} else {
				r.Host = host
			}
			r.URL.Path = rewrittenPath
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeStreamError(w, err)
		},
	}
	return rp
}

// writeStreamError maps a backend-stream failure to the gateway's error
// table. A reset carrying a backend StreamError is translated per the
// reset-code table; anything else falls back to the unreachable/timeout
// split used by the HTTP/1 engine.
func writeStreamError(w http.ResponseWriter, err error) {
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		translated := translateResetCode(streamErr.Code)
		errmap.WriteError(w, errmap.BackendResetOrTimeout, "backend stream reset ("+translated.String()+")")
		return
	}
	var netErr net.Error
	if e, ok := err.(net.Error); ok && e.Timeout() {
		netErr = e
	}
	if netErr != nil {
		errmap.WriteError(w, errmap.BackendResetOrTimeout, "backend did not respond in time")
		return
	}
	errmap.WriteError(w, errmap.BackendUnreachable, "backend unreachable")
}

// translateResetCode implements spec §4.7's reset-code mapping: a backend
// reset maps to INTERNAL on the client side unless the code is one of the
// small set that translates directly.
func translateResetCode(backend resetCode) resetCode {
	switch backend {
	case resetCancel:
		return resetCancel
	default:
		return resetInternal
	}
}
