// Package authmw implements the authentication middleware that runs after
// protocol negotiation and routing and before a request reaches a proxy
// engine (spec §4.3, §4.11 "per-request auth state").
package authmw

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/tracplatform/gateway/internal/authprovider"
	"github.com/tracplatform/gateway/internal/errmap"
	"github.com/tracplatform/gateway/internal/headerset"
	"github.com/tracplatform/gateway/internal/security"
	"github.com/tracplatform/gateway/internal/session"
	"github.com/tracplatform/gateway/internal/token"
)

// TokenCookieName is the cookie name carrying the platform token on the
// client-bound side (spec §4.3, §4.4).
const TokenCookieName = "trac-auth-token"

// DefaultMaxContentBuffer is the default NEED_CONTENT aggregation cap
// (spec §4.4, "default 64 KiB").
const DefaultMaxContentBuffer = 64 * 1024

// sessionKey is the context key under which an authorized session is
// stored for downstream handlers (proxy engines, the login handler).
type sessionKey struct{}

// SessionFrom retrieves the session attached to ctx by the middleware, if any.
func SessionFrom(r *http.Request) (session.Session, bool) {
	s, ok := r.Context().Value(sessionKey{}).(session.Session)
	return s, ok
}

// Clock lets tests substitute a fixed time; defaults to time.Now.
type Clock func() time.Time

// Middleware wires token discovery, validation, refresh, and the
// provider-fallback state machine together.
type Middleware struct {
	Processor *token.Processor

	BrowserProvider authprovider.Provider // may be nil if no browser flow is configured
	APIProvider     authprovider.Provider // may be nil if no API flow is configured

	SessionDuration  time.Duration
	RefreshThreshold float64 // fraction of lifetime; see session.NeedsRefresh

	MaxContentBuffer int
	Now              Clock
}

func (m *Middleware) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Middleware) maxContentBuffer() int {
	if m.MaxContentBuffer > 0 {
		return m.MaxContentBuffer
	}
	return DefaultMaxContentBuffer
}

// Wrap returns next wrapped in the auth state machine.
func (m *Middleware) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serve(w, r, next)
	})
}

func (m *Middleware) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	inbound := headerset.New(r.Header)

	if raw := DiscoverToken(r); raw != "" {
		sess := m.Processor.Validate(raw)
		if sess.Valid && !sess.Expired(m.now()) {
			m.authorize(w, r, next, sess, inbound, raw)
			return
		}
	}

	m.attemptProvider(w, r, next, inbound)
}

// attemptProvider runs the provider-fallback leg of the state machine:
// ProviderAttempt → {Authorized, Failed, Redirected, OtherResponse,
// NeedContent} with NeedContent looping back through AggregateBody.
func (m *Middleware) attemptProvider(w http.ResponseWriter, r *http.Request, next http.Handler, inbound headerset.Set) {
	provider := m.selectProvider(r)
	if provider == nil {
		errmap.WriteError(w, errmap.AuthFailed, "no authentication provider configured for this request class")
		return
	}

	result := provider.Attempt(w, r)
	if result.Kind == authprovider.NeedContent {
		aggregated, ok := AggregateBody(w, r, m.maxContentBuffer())
		if !ok {
			return // 413 already written
		}
		r.Body = aggregated
		result = provider.Attempt(w, r)
	}

	switch result.Kind {
	case authprovider.Authorized:
		tok, sess, err := m.Processor.Mint(token.MintOptions{
			UserID:   result.User.UserID,
			UserName: result.User.UserName,
			Now:      m.now(),
			Duration: m.SessionDuration,
			Limit:    m.SessionDuration * sessionLimitMultiple,
		})
		if err != nil {
			errmap.WriteError(w, errmap.AuthFailed, "could not mint session")
			return
		}
		m.injectOutbound(w, r, tok, sess)
		m.authorize(w, r, next, sess, inbound, tok)

	case authprovider.Failed:
		errmap.WriteError(w, errmap.AuthFailed, result.Message)

	case authprovider.Redirected:
		// The provider already wrote a response (a redirect to a login
		// page, typically); inbound bytes for this request are dropped.

	case authprovider.OtherResponse:
		WriteSyntheticResponse(w, result.Response)

	default:
		errmap.WriteError(w, errmap.AuthFailed, "authentication provider returned no decision")
	}
}

// sessionLimitMultiple sets the delegate-free absolute session ceiling as a
// multiple of the configured session duration; a real secret-store-backed
// deployment would instead load this from authentication config.
const sessionLimitMultiple = 8

// authorize is the terminal Authorized → Proxied leg: it refreshes the
// session if past its refresh threshold, scrubs auth material from the
// inbound request, injects the platform-bound token, and calls through.
func (m *Middleware) authorize(w http.ResponseWriter, r *http.Request, next http.Handler, sess session.Session, inbound headerset.Set, tok string) {
	now := m.now()
	if sess.NeedsRefresh(now, m.RefreshThreshold) && !sess.PastLimit(now) {
		if newTok, refreshed, err := m.Processor.Refresh(sess, now, m.SessionDuration); err == nil {
			tok = newTok
			sess = refreshed
			m.injectOutbound(w, r, tok, sess)
		}
	}

	inbound.Scrub(true)
	inbound.InjectPlatformToken(tok)
	ctx := context.WithValue(r.Context(), sessionKey{}, sess)
	next.ServeHTTP(w, r.WithContext(ctx))
}

// selectProvider applies spec §4.3's browser-vs-API heuristic classification
// (also used for response shape in injectOutbound).
func (m *Middleware) selectProvider(r *http.Request) authprovider.Provider {
	if ClassifyBrowser(r) {
		if m.BrowserProvider != nil {
			return m.BrowserProvider
		}
		return m.APIProvider
	}
	if m.APIProvider != nil {
		return m.APIProvider
	}
	return m.BrowserProvider
}

// ClassifyBrowser implements spec §4.3's heuristic: a User-Agent present
// and no non-form structured Content-Type marks a browser. It is shared by
// the auth middleware and the login handler, which both need the same
// browser-vs-API classification.
func ClassifyBrowser(r *http.Request) bool {
	if r.Header.Get("User-Agent") == "" {
		return false
	}
	ct := r.Header.Get("Content-Type")
	if ct == "" {
		return true
	}
	if strings.HasPrefix(ct, "application/") && !strings.HasPrefix(ct, "application/x-www-form-urlencoded") {
		return false
	}
	return true
}

// WantsCookies reports whether the outbound token should be delivered as
// cookies (browser-style) rather than headers (API-style), honoring the
// explicit trac-auth-cookies override (spec §4.3).
func WantsCookies(r *http.Request) bool {
	if v := r.Header.Get("trac-auth-cookies"); v != "" {
		if forced, err := strconv.ParseBool(v); err == nil {
			return forced
		}
	}
	return ClassifyBrowser(r)
}

// injectOutbound writes the freshly minted/refreshed token to the response
// in the shape appropriate for the request's classification (spec §4.3).
func (m *Middleware) injectOutbound(w http.ResponseWriter, r *http.Request, tok string, sess session.Session) {
	if WantsCookies(r) {
		headerset.InjectClientCookies(w, []headerset.ClientCookie{
			{Name: TokenCookieName, Value: tok, HTTPOnly: true},
			{Name: "trac-user-id", Value: sess.UserID, HTTPOnly: false},
			{Name: "trac-user-name", Value: sess.UserName, HTTPOnly: false},
			{Name: "trac-auth-expiry", Value: sess.ExpiresAt.Format(time.RFC3339), HTTPOnly: false},
		})
		return
	}
	out := headerset.New(w.Header())
	out.InjectPlatformToken(tok)
}

// DiscoverToken implements spec §4.3's token discovery order: Authorization
// Bearer header, trac-auth-token header, then cookie. Exported so the login
// handler's /refresh endpoint can reuse the same discovery order.
func DiscoverToken(r *http.Request) string {
	if auth := r.Header.Get("Authorization"); auth != "" {
		if tok := security.ExtractBearerToken(auth); tok != "" {
			return tok
		}
		return auth // raw JWT without the Bearer prefix is accepted
	}
	if tok := r.Header.Get("trac-auth-token"); tok != "" {
		return tok
	}
	if c, err := r.Cookie(TokenCookieName); err == nil {
		return c.Value
	}
	return ""
}

// AggregateBody implements the NeedContent → AggregateBody loop: it reads up
// to limit+1 bytes, writes 413 and reports false on overflow. Exported so
// the login handler's own provider-attempt loop can share it.
func AggregateBody(w http.ResponseWriter, r *http.Request, limit int) (io.ReadCloser, bool) {
	buf, err := io.ReadAll(io.LimitReader(r.Body, int64(limit)+1))
	if err != nil {
		errmap.WriteError(w, errmap.Malformed, "could not read request body")
		return nil, false
	}
	if len(buf) > limit {
		errmap.WriteError(w, errmap.BodyTooLarge, "request body exceeds the content aggregation limit")
		return nil, false
	}
	return io.NopCloser(bytes.NewReader(buf)), true
}

// WriteSyntheticResponse copies a provider-produced *http.Response verbatim
// to w (the OTHER_RESPONSE decision in spec §4.3). Exported so the login
// handler can share it.
func WriteSyntheticResponse(w http.ResponseWriter, resp *http.Response) {
	if resp == nil {
		errmap.WriteError(w, errmap.AuthFailed, "authentication provider produced no response")
		return
	}
	for k, vs := range resp.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if resp.Body != nil {
		defer resp.Body.Close()
		_, _ = io.Copy(w, resp.Body)
	}
}
