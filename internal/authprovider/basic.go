package authprovider

import (
	"io"
	"net/http"
	"net/url"

	"github.com/tracplatform/gateway/internal/security"
)

// StaticCredentials is a minimal Provider backed by a fixed credential map,
// standing in for the pluggable identity-provider integration the spec
// deliberately leaves external (spec §1 "Non-goals"). It demonstrates the
// full Result contract, including NeedContent, using constant-time
// credential comparison (internal/security.CredentialMatch) to avoid
// timing-based credential enumeration.
type StaticCredentials struct {
	// Users maps username to password. A production deployment replaces
	// this Provider entirely; it exists so the auth middleware and login
	// flow are exercisable end to end without an external IdP.
	Users map[string]string

	// Realm names this provider instance's credential comparison domain
	// (e.g. "api-basic" vs. "browser-form") so a deployment running both
	// Attempt and FormAttempt against separate Users maps never shares an
	// HMAC comparison key between them. Defaults to "default" if empty.
	Realm string
}

func (p *StaticCredentials) realm() string {
	if p.Realm != "" {
		return p.Realm
	}
	return "default"
}

// Attempt implements Provider for API routes: it expects HTTP Basic auth
// and never requests content aggregation.
func (p *StaticCredentials) Attempt(w http.ResponseWriter, r *http.Request) Result {
	user, pass, ok := r.BasicAuth()
	if !ok {
		return Result{Kind: Failed, Message: "missing basic auth credentials"}
	}
	want, known := p.Users[user]
	if !known {
		// Still run the comparison against a dummy value so the response
		// time does not leak whether the username exists.
		security.CredentialMatch(p.realm(), pass, "$$unknown-user-dummy-password$$")
		return Result{Kind: Failed, Message: "invalid credentials"}
	}
	if !security.CredentialMatch(p.realm(), pass, want) {
		return Result{Kind: Failed, Message: "invalid credentials"}
	}
	return Result{Kind: Authorized, User: UserInfo{UserID: user, UserName: user}}
}

// FormAttempt handles browser routes (its extra bodyAggregated argument
// means it is not itself a Provider): it expects a
// urlencoded POST body with username/password fields. When the body has
// not yet been read, it returns NeedContent so the login handler can
// aggregate it (spec §4.4) before calling FormAttempt again.
func (p *StaticCredentials) FormAttempt(w http.ResponseWriter, r *http.Request, bodyAggregated bool) Result {
	if r.Method != http.MethodPost {
		return Result{Kind: Failed, Message: "browser login requires POST"}
	}
	if !bodyAggregated {
		return Result{Kind: NeedContent}
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return Result{Kind: Failed, Message: "could not read login form"}
	}
	form, err := url.ParseQuery(string(raw))
	if err != nil {
		return Result{Kind: Failed, Message: "malformed login form"}
	}

	user := form.Get("username")
	pass := form.Get("password")
	want, known := p.Users[user]
	if !known || !security.CredentialMatch(p.realm(), pass, want) {
		return Result{Kind: Failed, Message: "invalid credentials"}
	}
	return Result{Kind: Authorized, User: UserInfo{UserID: user, UserName: user}}
}
