// Package login implements the browser and API login flows, the token
// refresh endpoint, and the bundled static assets the browser flow's own
// pages reference, all mounted under the /login/ URL prefix (spec §4.4).
package login

import (
	"embed"
	"html/template"
	"io/fs"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tracplatform/gateway/internal/authmw"
	"github.com/tracplatform/gateway/internal/authprovider"
	"github.com/tracplatform/gateway/internal/errmap"
	"github.com/tracplatform/gateway/internal/headerset"
	"github.com/tracplatform/gateway/internal/token"
)

//go:embed static
var staticFiles embed.FS

// DefaultReturnPath is used when a request carries no return-path query
// parameter (spec §4.4).
const DefaultReturnPath = "/"

var successPage = template.Must(template.New("login-success").Parse(`<!DOCTYPE html>
<html>
<head>
  <meta http-equiv="refresh" content="1; URL={{.ReturnPath}}">
  <link rel="stylesheet" href="/login/static/login.css">
</head>
<body data-return-path="{{.ReturnPath}}">
  <div class="login-card">
    <p>Signed in. Redirecting&hellip;</p>
    <p><a href="{{.ReturnPath}}">Continue</a></p>
  </div>
  <script src="/login/static/login.js"></script>
</body>
</html>
`))

// Clock lets tests substitute a fixed time; defaults to time.Now.
type Clock func() time.Time

// Handler owns the /login/ URL prefix and the top-level /refresh endpoint
// (spec §4.4).
type Handler struct {
	Processor *token.Processor

	BrowserProvider authprovider.Provider
	APIProvider     authprovider.Provider

	SessionDuration  time.Duration
	SessionLimit     time.Duration
	MaxContentBuffer int
	Now              Clock
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *Handler) maxContentBuffer() int {
	if h.MaxContentBuffer > 0 {
		return h.MaxContentBuffer
	}
	return authmw.DefaultMaxContentBuffer
}

// Register installs the login flow's handlers onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/login/browser", h.handleBrowser)
	mux.HandleFunc("/login/api", h.handleAPI)
	mux.HandleFunc("/refresh", h.handleRefresh)
	mux.Handle("/login/static/", h.staticHandler())
}

func (h *Handler) staticHandler() http.Handler {
	sub, _ := fs.Sub(staticFiles, "static")
	return http.StripPrefix("/login/static/", http.FileServer(http.FS(sub)))
}

func (h *Handler) handleBrowser(w http.ResponseWriter, r *http.Request) {
	h.runLogin(w, r, h.BrowserProvider, true)
}

func (h *Handler) handleAPI(w http.ResponseWriter, r *http.Request) {
	h.runLogin(w, r, h.APIProvider, false)
}

// runLogin drives one provider attempt (including the NeedContent →
// AggregateBody retry) and renders success per spec §4.4.
func (h *Handler) runLogin(w http.ResponseWriter, r *http.Request, provider authprovider.Provider, browser bool) {
	if provider == nil {
		errmap.WriteError(w, errmap.AuthFailed, "no authentication provider configured")
		return
	}

	result := provider.Attempt(w, r)
	if result.Kind == authprovider.NeedContent {
		aggregated, ok := authmw.AggregateBody(w, r, h.maxContentBuffer())
		if !ok {
			return
		}
		r.Body = aggregated
		result = provider.Attempt(w, r)
	}

	switch result.Kind {
	case authprovider.Authorized:
		tok, sess, err := h.Processor.Mint(token.MintOptions{
			UserID:   result.User.UserID,
			UserName: result.User.UserName,
			Now:      h.now(),
			Duration: h.SessionDuration,
			Limit:    h.SessionLimit,
		})
		if err != nil {
			errmap.WriteError(w, errmap.AuthFailed, "could not mint session")
			return
		}
		if browser {
			h.writeBrowserSuccess(w, r, tok, sess.UserID, sess.UserName, sess.ExpiresAt)
		} else {
			h.writeAPISuccess(w, tok, sess.UserID, sess.UserName, sess.ExpiresAt)
		}

	case authprovider.Failed:
		errmap.WriteError(w, errmap.AuthFailed, result.Message)

	case authprovider.Redirected:
		// provider already wrote the response.

	case authprovider.OtherResponse:
		authmw.WriteSyntheticResponse(w, result.Response)

	default:
		errmap.WriteError(w, errmap.AuthFailed, "authentication provider returned no decision")
	}
}

func (h *Handler) writeBrowserSuccess(w http.ResponseWriter, r *http.Request, tok, userID, userName string, expiresAt time.Time) {
	headerset.InjectClientCookies(w, []headerset.ClientCookie{
		{Name: authmw.TokenCookieName, Value: tok, HTTPOnly: true},
		{Name: "trac-user-id", Value: userID, HTTPOnly: false},
		{Name: "trac-user-name", Value: userName, HTTPOnly: false},
		{Name: "trac-auth-expiry", Value: expiresAt.Format(time.RFC3339), HTTPOnly: false},
	})
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = successPage.Execute(w, struct{ ReturnPath string }{ReturnPath: returnPath(r)})
}

func (h *Handler) writeAPISuccess(w http.ResponseWriter, tok, userID, userName string, expiresAt time.Time) {
	w.Header().Set("trac-auth-token", tok)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"token":"` + tok + `","user_id":"` + userID + `","user_name":"` + userName + `","expires_at":"` + expiresAt.Format(time.RFC3339) + `"}`))
}

// handleRefresh implements spec §4.4's GET /refresh: validate the current
// token and re-mint unconditionally if valid; otherwise fall back per the
// request's browser/API classification.
func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	raw := authmw.DiscoverToken(r)
	if raw == "" {
		h.refreshFailed(w, r)
		return
	}

	sess := h.Processor.Validate(raw)
	now := h.now()
	if !sess.Valid || sess.Expired(now) || sess.PastLimit(now) {
		h.refreshFailed(w, r)
		return
	}

	tok, refreshed, err := h.Processor.Refresh(sess, now, h.SessionDuration)
	if err != nil {
		h.refreshFailed(w, r)
		return
	}

	if authmw.WantsCookies(r) {
		h.writeBrowserSuccess(w, r, tok, refreshed.UserID, refreshed.UserName, refreshed.ExpiresAt)
		return
	}
	h.writeAPISuccess(w, tok, refreshed.UserID, refreshed.UserName, refreshed.ExpiresAt)
}

// refreshFailed implements the two fallback branches from spec §4.4: a
// browser request gets a 302 back to /login/browser with its original
// path preserved; an API request gets a flat 401.
func (h *Handler) refreshFailed(w http.ResponseWriter, r *http.Request) {
	if authmw.ClassifyBrowser(r) {
		errmap.RedirectToLogin(w, r, "/login/browser")
		return
	}
	errmap.WriteError(w, errmap.AuthFailed, "token is not valid and cannot be refreshed")
}

// returnPath extracts and URL-decodes the return-path query parameter,
// falling back to DefaultReturnPath (spec §4.4).
func returnPath(r *http.Request) string {
	raw := r.URL.Query().Get("return-path")
	if raw == "" {
		return DefaultReturnPath
	}
	decoded, err := url.QueryUnescape(raw)
	if err != nil || !strings.HasPrefix(decoded, "/") {
		return DefaultReturnPath
	}
	return decoded
}
