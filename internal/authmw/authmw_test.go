package authmw

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tracplatform/gateway/internal/authprovider"
	"github.com/tracplatform/gateway/internal/token"
)

func mustProcessor(t *testing.T) *token.Processor {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	proc, err := token.NewProcessor("gateway-test", key, &key.PublicKey, false)
	if err != nil {
		t.Fatalf("NewProcessor: %v", err)
	}
	return proc
}

func TestValidTokenIsAuthorized(t *testing.T) {
	proc := mustProcessor(t)
	now := time.Now()
	tok, _, err := proc.Mint(token.MintOptions{
		UserID: "u1", UserName: "alice",
		Now: now, Duration: time.Hour, Limit: 8 * time.Hour,
	})
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}

	var calledNext bool
	m := &Middleware{Processor: proc, SessionDuration: time.Hour, RefreshThreshold: 0.9}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calledNext = true
		sess, ok := SessionFrom(r)
		if !ok || sess.UserID != "u1" {
			t.Errorf("expected session for u1 in context, got %+v ok=%v", sess, ok)
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !calledNext {
		t.Fatal("expected next handler to be called for a valid token")
	}
}

func TestMissingTokenFallsBackToProvider(t *testing.T) {
	proc := mustProcessor(t)
	provider := authprovider.Func(func(w http.ResponseWriter, r *http.Request) authprovider.Result {
		return authprovider.Result{Kind: authprovider.Authorized, User: authprovider.UserInfo{UserID: "u2", UserName: "bob"}}
	})

	var calledNext bool
	m := &Middleware{
		Processor: proc, SessionDuration: time.Hour, RefreshThreshold: 0.9,
		APIProvider: provider,
	}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calledNext = true
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if !calledNext {
		t.Fatal("expected Authorized provider result to proceed to next handler")
	}
	if w.Header().Get("trac-auth-token") == "" {
		t.Fatal("expected a minted token header on the response")
	}
}

func TestFailedProviderReturns401(t *testing.T) {
	proc := mustProcessor(t)
	provider := authprovider.Func(func(w http.ResponseWriter, r *http.Request) authprovider.Result {
		return authprovider.Result{Kind: authprovider.Failed, Message: "bad credentials"}
	})
	m := &Middleware{Processor: proc, SessionDuration: time.Hour, RefreshThreshold: 0.9, APIProvider: provider}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run on Failed")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestRedirectedProviderWritesNothingFurther(t *testing.T) {
	proc := mustProcessor(t)
	provider := authprovider.Func(func(w http.ResponseWriter, r *http.Request) authprovider.Result {
		w.Header().Set("Location", "/login/browser")
		w.WriteHeader(http.StatusFound)
		return authprovider.Result{Kind: authprovider.Redirected}
	})
	m := &Middleware{Processor: proc, SessionDuration: time.Hour, RefreshThreshold: 0.9, BrowserProvider: provider}
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("next handler must not run on Redirected")
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("User-Agent", "Mozilla/5.0")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if w.Code != http.StatusFound {
		t.Fatalf("status = %d, want 302", w.Code)
	}
}

func TestScrubsAuthHeadersBeforeNext(t *testing.T) {
	proc := mustProcessor(t)
	now := time.Now()
	tok, _, _ := proc.Mint(token.MintOptions{UserID: "u1", UserName: "a", Now: now, Duration: time.Hour, Limit: 8 * time.Hour})

	m := &Middleware{Processor: proc, SessionDuration: time.Hour, RefreshThreshold: 0.9}
	var sawCookie bool
	handler := m.Wrap(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("trac-user-id") != "" {
			sawCookie = true
		}
	}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Authorization", "Bearer "+tok)
	r.Header.Set("trac-user-id", "leaked")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, r)

	if sawCookie {
		t.Fatal("expected trac-user-id header to be scrubbed before reaching next handler")
	}
}

func TestClassifyBrowserHeuristic(t *testing.T) {
	browser := httptest.NewRequest(http.MethodGet, "/", nil)
	browser.Header.Set("User-Agent", "Mozilla/5.0")
	if !ClassifyBrowser(browser) {
		t.Error("expected a bare User-Agent request to classify as browser")
	}

	api := httptest.NewRequest(http.MethodGet, "/", nil)
	api.Header.Set("User-Agent", "grpc-client/1.0")
	api.Header.Set("Content-Type", "application/grpc")
	if ClassifyBrowser(api) {
		t.Error("expected an application/grpc request to classify as API")
	}

	noAgent := httptest.NewRequest(http.MethodGet, "/", nil)
	if ClassifyBrowser(noAgent) {
		t.Error("expected a request with no User-Agent to classify as API")
	}
}

func TestWantsCookiesOverrideHeader(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Content-Type", "application/json")
	r.Header.Set("trac-auth-cookies", "true")
	if !WantsCookies(r) {
		t.Fatal("expected explicit trac-auth-cookies override to force cookie style")
	}
}
