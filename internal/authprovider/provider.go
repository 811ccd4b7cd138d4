// Package authprovider defines the pluggable primary-authentication
// contract (spec §4.3) as a tagged union rather than separate code/status
// fields, per the repository's Design Notes.
package authprovider

import (
	"net/http"
)

// Kind tags the variant of a Result.
type Kind int

const (
	// Authorized: the provider identified a user from request evidence.
	Authorized Kind = iota
	// Failed: the provider could not authorize the request.
	Failed
	// Redirected: the provider already wrote a response (e.g. a redirect to
	// an external identity provider); the caller must not write anything.
	Redirected
	// OtherResponse: the provider produced a synthetic response (in
	// Result.Response) that the caller writes to the client as-is.
	OtherResponse
	// NeedContent: the provider needs the aggregated request body before
	// it can decide; the caller should buffer the body and retry.
	NeedContent
)

// UserInfo identifies a successfully authenticated user.
type UserInfo struct {
	UserID   string
	UserName string
}

// Result is the tagged union returned from a Provider attempt. Exactly one
// of the fields is meaningful, selected by Kind.
type Result struct {
	Kind    Kind
	User    UserInfo // meaningful when Kind == Authorized
	Message string   // meaningful when Kind == Failed

	// Response is meaningful when Kind == OtherResponse: it is the synthetic
	// response the caller writes to w as-is. It is nil for every other Kind,
	// including Redirected (where the provider itself has already written w).
	Response *http.Response
}

// Provider attempts primary authentication from request evidence. On
// NeedContent, the caller aggregates the request body (spec §4.4) and
// calls Attempt again with the body already read and re-attached to r.
type Provider interface {
	Attempt(w http.ResponseWriter, r *http.Request) Result
}

// Func adapts a plain function to the Provider interface.
type Func func(w http.ResponseWriter, r *http.Request) Result

func (f Func) Attempt(w http.ResponseWriter, r *http.Request) Result { return f(w, r) }
