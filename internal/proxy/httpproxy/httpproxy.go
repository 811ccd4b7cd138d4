// Package httpproxy implements the HTTP/1 unary proxy engine (spec §4.6):
// a request/response reverse proxy with hop-header stripping, pooled
// backend connections, and a single retry on connect failure for
// idempotent requests.
package httpproxy

import (
	"net"
	"net/http"
	"net/http/httputil"
	"strconv"
	"time"

	"github.com/tracplatform/gateway/internal/errmap"
	"github.com/tracplatform/gateway/internal/route"
)

// hopHeaders lists the standard hop-by-hop headers stripped before a
// request is forwarded to the backend, so upstream connection semantics
// are never confused with the gateway's own.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// idempotentMethods is the set of methods eligible for a single
// connect-failure retry (spec §4.6).
var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodOptions: true,
}

// Engine forwards unary HTTP/1 requests to a matched route's target.
type Engine struct {
	ConnectTimeout time.Duration

	transport *http.Transport
}

// New builds an Engine with a pooled transport tuned for backend reuse,
// generalizing the teacher's single-gateway httputil.ReverseProxy Director
// to a per-route target.
func New(connectTimeout time.Duration) *Engine {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout, KeepAlive: 30 * time.Second}
	return &Engine{
		ConnectTimeout: connectTimeout,
		transport: &http.Transport{
			DialContext:           dialer.DialContext,
			MaxIdleConns:          100,
			MaxIdleConnsPerHost:   20,
			IdleConnTimeout:       90 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// Handler builds an http.Handler that proxies to target, applying the
// given path rewrite. rewrittenPath is the already-computed target path
// from route.Table.Match.
func (e *Engine) Handler(target route.Target, rewrittenPath string) http.Handler {
	rp := &httputil.ReverseProxy{
		Transport: &retryOnceTransport{inner: e.transport},
		Director: func(r *http.Request) {
			r.URL.Scheme = string(target.Scheme)
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
			stripHopHeaders(r.Header)
		},
		ModifyResponse: func(resp *http.Response) error {
			stripHopHeaders(resp.Header)
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			writeProxyError(w, err)
		},
	}
	return rp
}

func stripHopHeaders(h http.Header) {
	for _, name := range hopHeaders {
		h.Del(name)
	}
}

// writeProxyError maps a reverse-proxy transport failure to the gateway's
// error table (spec §4.10): a connect/dial failure is 502, a deadline or
// reset once the connection was established is 504.
func writeProxyError(w http.ResponseWriter, err error) {
	var netErr net.Error
	if e, ok := err.(net.Error); ok && e.Timeout() {
		netErr = e
	}
	if netErr != nil || isResetError(err) {
		errmap.WriteError(w, errmap.BackendResetOrTimeout, "backend did not respond in time")
		return
	}
	errmap.WriteError(w, errmap.BackendUnreachable, "backend unreachable")
}

func isResetError(err error) bool {
	var opErr *net.OpError
	for err != nil {
		if oe, ok := err.(*net.OpError); ok {
			opErr = oe
			break
		}
		err = unwrap(err)
	}
	return opErr != nil && opErr.Op == "read"
}

func unwrap(err error) error {
	type unwrapper interface{ Unwrap() error }
	if u, ok := err.(unwrapper); ok {
		return u.Unwrap()
	}
	return nil
}

// retryOnceTransport retries a request once on a connect failure, but only
// when the request is idempotent and no bytes of the body were consumed by
// the failed attempt (spec §4.6: "an idempotent request may be retried
// once on a connect failure").
type retryOnceTransport struct {
	inner *http.Transport
}

func (t *retryOnceTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.inner.RoundTrip(r)
	if err == nil {
		return resp, nil
	}
	if !idempotentMethods[r.Method] || !isConnectFailure(err) || r.GetBody == nil {
		return nil, err
	}

	body, bodyErr := r.GetBody()
	if bodyErr != nil {
		return nil, err
	}
	retryReq := r.Clone(r.Context())
	retryReq.Body = body
	return t.inner.RoundTrip(retryReq)
}

// isConnectFailure reports whether err happened before any bytes were
// exchanged with the backend (a dial failure), as opposed to a reset or
// timeout after the connection was already established.
func isConnectFailure(err error) bool {
	opErr, ok := err.(*net.OpError)
	return ok && opErr.Op == "dial"
}
