package httpproxy

import (
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/tracplatform/gateway/internal/route"
)

func TestDirectorRewritesSchemeHostAndPath(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "" {
			t.Error("expected a Host header to reach the backend")
		}
		if r.URL.Path != "/v1/widgets" {
			t.Errorf("path = %q, want /v1/widgets", r.URL.Path)
		}
		if r.Header.Get("Connection") != "" {
			t.Error("expected Connection header to be stripped")
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))
	defer backend.Close()

	hostPort := strings.TrimPrefix(backend.URL, "http://")
	host, portStr, err := net.SplitHostPort(hostPort)
	if err != nil {
		t.Fatalf("SplitHostPort: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("Atoi: %v", err)
	}

	engine := New(time.Second)
	target := route.Target{Scheme: route.SchemeHTTP, Host: host, Port: port}
	handler := engine.Handler(target, "/v1/widgets")

	r := httptest.NewRequest(http.MethodGet, "/original/path", nil)
	r.Header.Set("Connection", "keep-alive")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if w.Body.String() != "ok" {
		t.Fatalf("body = %q", w.Body.String())
	}
}

func TestWriteProxyErrorMapsUnreachableTo502(t *testing.T) {
	w := httptest.NewRecorder()
	writeProxyError(w, &net.OpError{Op: "dial", Err: errDummy{}})
	if w.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", w.Code)
	}
}

func TestWriteProxyErrorMapsResetTo504(t *testing.T) {
	w := httptest.NewRecorder()
	writeProxyError(w, &net.OpError{Op: "read", Err: errDummy{}})
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}

func TestWriteProxyErrorMapsTimeoutTo504(t *testing.T) {
	w := httptest.NewRecorder()
	writeProxyError(w, timeoutErr{})
	if w.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", w.Code)
	}
}

func TestStripHopHeadersRemovesAllListed(t *testing.T) {
	h := http.Header{}
	for _, name := range hopHeaders {
		h.Set(name, "x")
	}
	h.Set("Content-Type", "application/json")
	stripHopHeaders(h)
	for _, name := range hopHeaders {
		if h.Get(name) != "" {
			t.Errorf("expected %s to be stripped", name)
		}
	}
	if h.Get("Content-Type") == "" {
		t.Error("expected non-hop headers to survive")
	}
}

func TestRetryOnceTransportRetriesIdempotentOnDialFailure(t *testing.T) {
	var attempts int
	inner := &fakeRoundTripper{fn: func(r *http.Request) (*http.Response, error) {
		attempts++
		if attempts == 1 {
			return nil, &net.OpError{Op: "dial", Err: errDummy{}}
		}
		return &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(strings.NewReader("ok")), Header: http.Header{}}, nil
	}}

	rt := &retryOnceTransportForFake{fake: inner}
	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("")), nil }

	resp, err := rt.RoundTrip(r)
	if err != nil {
		t.Fatalf("RoundTrip: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestRetryOnceTransportDoesNotRetryNonIdempotent(t *testing.T) {
	var attempts int
	inner := &fakeRoundTripper{fn: func(r *http.Request) (*http.Response, error) {
		attempts++
		return nil, &net.OpError{Op: "dial", Err: errDummy{}}
	}}
	rt := &retryOnceTransportForFake{fake: inner}
	r := httptest.NewRequest(http.MethodPost, "/x", nil)
	r.GetBody = func() (io.ReadCloser, error) { return io.NopCloser(strings.NewReader("")), nil }

	_, err := rt.RoundTrip(r)
	if err == nil {
		t.Fatal("expected the dial failure to surface for a non-idempotent method")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry)", attempts)
	}
}

func TestIsConnectFailureDetectsDialOp(t *testing.T) {
	if !isConnectFailure(&net.OpError{Op: "dial", Err: errDummy{}}) {
		t.Fatal("expected dial op to be a connect failure")
	}
	if isConnectFailure(&net.OpError{Op: "read", Err: errDummy{}}) {
		t.Fatal("read op should not be a connect failure")
	}
}

func TestIsResetErrorDetectsReadOp(t *testing.T) {
	if !isResetError(&net.OpError{Op: "read", Err: errDummy{}}) {
		t.Fatal("expected read op to be classified as reset")
	}
	if isResetError(&net.OpError{Op: "dial", Err: errDummy{}}) {
		t.Fatal("dial op should not be classified as reset")
	}
}

type errDummy struct{}

func (errDummy) Error() string { return "dummy" }

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type fakeRoundTripper struct {
	fn func(r *http.Request) (*http.Response, error)
}

func (f *fakeRoundTripper) RoundTrip(r *http.Request) (*http.Response, error) {
	return f.fn(r)
}

// retryOnceTransportForFake mirrors retryOnceTransport's retry logic against
// an arbitrary http.RoundTripper, so the retry behavior can be exercised
// without a real *http.Transport dialing anything.
type retryOnceTransportForFake struct {
	fake http.RoundTripper
}

func (t *retryOnceTransportForFake) RoundTrip(r *http.Request) (*http.Response, error) {
	resp, err := t.fake.RoundTrip(r)
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
	return t.fake.RoundTrip(retryReq)
}
