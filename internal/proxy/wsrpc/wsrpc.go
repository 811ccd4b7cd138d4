// Package wsrpc implements the WebSocket RPC proxy engine (spec §4.8): it
// bridges a client that cannot speak native HTTP/2 to a backend RPC
// service by reading LPM frames off a WebSocket and re-encoding them as
// the length-prefixed message stream a backend HTTP/2 request body
// carries, and vice versa for the response.
package wsrpc

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/net/http2"

	"github.com/tracplatform/gateway/internal/lpm"
	"github.com/tracplatform/gateway/internal/route"
)

// Subprotocol is the WebSocket sub-protocol a client offers to request RPC
// framing over WebSocket instead of native HTTP/2 (spec §4.8).
const Subprotocol = "grpc-websockets"

// MethodType documents which side of an RPC may send more than one
// message, per the streaming semantics table in spec §4.8. The engine
// forwards frames identically regardless of MethodType; it exists so a
// route table entry can record the call shape for documentation and
// future validation, not to change wire behavior.
type MethodType int

const (
	Unary MethodType = iota
	ClientStreaming
	ServerStreaming
	BidiStreaming
)

const (
	// DefaultMaxFrameSize bounds a single LPM frame, matching internal/lpm.
	DefaultMaxFrameSize = lpm.DefaultMaxFrameSize
	// DefaultPingInterval keeps idle client WebSocket connections alive and
	// detects dead ones, mirroring the teacher's keepAlive loop.
	DefaultPingInterval = 30 * time.Second
	defaultPongTimeout  = 10 * time.Second
)

// Engine bridges a client WebSocket RPC connection to a backend HTTP/2
// stream (spec §4.8).
type Engine struct {
	ConnectTimeout time.Duration
	MaxFrameSize   int
	PingInterval   time.Duration

	transport *http2.Transport
}

// New builds an Engine whose backend transport dials in cleartext HTTP/2,
// reusing the same DialTLSContext pattern as internal/proxy/http2proxy.
func New(connectTimeout time.Duration) *Engine {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	dialer := &net.Dialer{Timeout: connectTimeout}
	return &Engine{
		ConnectTimeout: connectTimeout,
		MaxFrameSize:   DefaultMaxFrameSize,
		PingInterval:   DefaultPingInterval,
		transport: &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, network, addr)
			},
		},
	}
}

func (e *Engine) maxFrameSize() int {
	if e.MaxFrameSize > 0 {
		return e.MaxFrameSize
	}
	return DefaultMaxFrameSize
}

// ServeWS upgrades r to a WebSocket RPC connection and bridges it to
// target's backend: client-sent LPM message frames become backend request
// DATA, the client EOS marker half-closes the backend request body,
// backend response DATA is decoded back into LPM message frames, and the
// backend's HTTP/2 trailers become one LPM trailer frame. Any violation of
// the headers-then-messages-then-one-trailer ordering closes the
// WebSocket with code 1002 (spec §4.11).
func (e *Engine) ServeWS(w http.ResponseWriter, r *http.Request, target route.Target, rewrittenPath string) {
	clientConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return
	}
	clientConn.SetReadLimit(int64(e.maxFrameSize()) + 64)

	var closeOnce sync.Once
	closeClient := func(code websocket.StatusCode, reason string) {
		closeOnce.Do(func() { clientConn.Close(code, reason) })
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	pr, pw := io.Pipe()
	backendReq, err := http.NewRequestWithContext(ctx, http.MethodPost, backendURL(target, rewrittenPath), pr)
	if err != nil {
		closeClient(websocket.StatusInternalError, "bad backend request")
		return
	}
	backendReq.Header.Set("Content-Type", "application/grpc+lpm")
	if auth := r.Header.Get("Authorization"); auth != "" {
		backendReq.Header.Set("Authorization", auth)
	}

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, rtErr := e.transport.RoundTrip(backendReq)
		if rtErr != nil {
			errCh <- rtErr
			return
		}
		respCh <- resp
	}()

	if e.PingInterval > 0 {
		go keepAlive(ctx, clientConn, e.PingInterval, defaultPongTimeout, cancel)
	}

	state := newOrderState()
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer pw.Close()
		e.forwardClientToBackend(ctx, clientConn, pw, state, closeClient, cancel)
	}()

	select {
	case rtErr := <-errCh:
		cancel()
		closeClient(websocket.StatusInternalError, "backend unreachable: "+rtErr.Error())
	case resp := <-respCh:
		e.forwardBackendToClient(ctx, clientConn, resp, state, closeClient)
	case <-ctx.Done():
	}

	cancel()
	wg.Wait()
	_ = pr.Close()
}

// forwardClientToBackend decodes LPM message frames from the client
// WebSocket and writes their re-encoded bytes to pw, which feeds the
// backend request body. The client's EOS marker closes pw, half-closing
// the backend stream.
func (e *Engine) forwardClientToBackend(ctx context.Context, conn *websocket.Conn, pw *io.PipeWriter, state *orderState, closeClient func(websocket.StatusCode, string), abort context.CancelFunc) {
	for {
		msgType, reader, err := conn.Reader(ctx)
		if err != nil {
			return
		}
		if msgType != websocket.MessageBinary {
			closeClient(websocket.StatusProtocolError, "expected binary RPC frames")
			abort()
			return
		}
		payload, err := io.ReadAll(reader)
		if err != nil {
			return
		}

		if lpm.IsEOS(payload) {
			if !state.sendEOS() {
				closeClient(websocket.StatusProtocolError, "unexpected end-of-stream marker")
				abort()
			}
			return
		}

		if !state.sendMessage() {
			closeClient(websocket.StatusProtocolError, "message received after end-of-stream")
			abort()
			return
		}

		frame, _, decodeState := lpm.Decode(payload)
		if decodeState != lpm.StateOK {
			closeClient(websocket.StatusProtocolError, "malformed RPC frame")
			abort()
			return
		}
		encoded, err := frame.Encode(e.maxFrameSize())
		if err != nil {
			closeClient(websocket.StatusProtocolError, "frame too large")
			abort()
			return
		}
		if _, err := pw.Write(encoded); err != nil {
			return
		}
	}
}

// forwardBackendToClient decodes the LPM-framed backend response body and
// re-encodes each frame as a WebSocket binary message, translating the
// backend's HTTP/2 trailers into one trailing LPM trailer frame once the
// body is drained.
func (e *Engine) forwardBackendToClient(ctx context.Context, conn *websocket.Conn, resp *http.Response, state *orderState, closeClient func(websocket.StatusCode, string)) {
	defer resp.Body.Close()

	for {
		frame, err := lpm.ReadFrame(resp.Body, e.maxFrameSize())
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			closeClient(websocket.StatusInternalError, "backend stream error")
			return
		}

		if frame.Kind == lpm.Trailer {
			if !state.recvTrailer() {
				closeClient(websocket.StatusProtocolError, "duplicate trailer frame")
				return
			}
			if err := writeFrame(ctx, conn, frame, e.maxFrameSize()); err != nil {
				return
			}
			continue
		}

		if !state.recvMessage() {
			closeClient(websocket.StatusProtocolError, "message received after trailer")
			return
		}
		if err := writeFrame(ctx, conn, frame, e.maxFrameSize()); err != nil {
			return
		}
	}

	if !state.trailerSent() {
		trailer := lpm.Frame{Kind: lpm.Trailer, Payload: lpm.EncodeTrailers(httpTrailersToMap(resp.Trailer))}
		if err := writeFrame(ctx, conn, trailer, e.maxFrameSize()); err != nil {
			return
		}
		state.recvTrailer()
	}
	closeClient(websocket.StatusNormalClosure, "")
}

func writeFrame(ctx context.Context, conn *websocket.Conn, frame lpm.Frame, maxFrameSize int) error {
	encoded, err := frame.Encode(maxFrameSize)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageBinary, encoded)
}

func backendURL(target route.Target, path string) string {
	scheme := "http"
	if target.Scheme == route.SchemeHTTPS || target.Scheme == route.SchemeWSS {
		scheme = "https"
	}
	host := target.Host
	if target.Port != 0 {
		host = net.JoinHostPort(target.Host, strconv.Itoa(target.Port))
	}
	return scheme + "://" + host + path
}

func httpTrailersToMap(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// keepAlive sends periodic WebSocket pings to detect a dead client
// connection, adapted from the teacher's forwarding-loop keepalive.
func keepAlive(ctx context.Context, conn *websocket.Conn, interval, pongTimeout time.Duration, onFail context.CancelFunc) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, pongTimeout)
			err := conn.Ping(pingCtx)
			pingCancel()
			if err != nil {
				conn.Close(websocket.StatusGoingAway, "keepalive timeout")
				onFail()
				return
			}
		}
	}
}

// orderState enforces the ordering invariant from spec §4.8/§4.11: a
// direction's terminal marker (client EOS, server trailer) may occur
// exactly once, and nothing may follow it.
type orderState struct {
	mu          sync.Mutex
	eosSent     bool
	trailerSeen bool
}

func newOrderState() *orderState { return &orderState{} }

func (s *orderState) sendMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.eosSent
}

func (s *orderState) sendEOS() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eosSent {
		return false
	}
	s.eosSent = true
	return true
}

func (s *orderState) recvMessage() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.trailerSeen
}

func (s *orderState) recvTrailer() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trailerSeen {
		return false
	}
	s.trailerSeen = true
	return true
}

func (s *orderState) trailerSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trailerSeen
}
