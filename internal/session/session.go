// Package session models the authenticated user session carried by the
// gateway's signed tokens. A Session is an immutable value; all mutation
// happens by producing a new Session (mint/refresh), never in place.
package session

import (
	"errors"
	"time"
)

// Delegate identifies a real user a system caller is acting on behalf of.
type Delegate struct {
	UserID   string
	UserName string
}

// Session is the decoded, validated form of a gateway token.
type Session struct {
	UserID   string
	UserName string
	Delegate *Delegate

	IssuedAt    time.Time
	ExpiresAt   time.Time
	ExpiryLimit time.Time

	Valid bool
	Error string
}

// Invalid builds a Session carrying a coded error message. Every decode or
// validation failure goes through this constructor so no caller ever
// fabricates a partially-valid Session.
func Invalid(reason string) Session {
	return Session{Valid: false, Error: reason}
}

var (
	// ErrMissingUserID is returned by Check when a valid session has no subject.
	ErrMissingUserID = errors.New("session: missing user id")
	// ErrBadOrdering is returned by Check when the timestamp invariant is violated.
	ErrBadOrdering = errors.New("session: issue/expiry/limit out of order")
	// ErrSelfDelegate is returned by Check when a delegate equals the primary user.
	ErrSelfDelegate = errors.New("session: delegate must differ from primary user")
)

// Check validates the struct invariants from spec §3: issue <= expiry <=
// expiryLimit; valid sessions always carry a user id; a delegate never
// equals the primary user. It does not check signatures — that is
// token.Processor's job — only the in-memory shape.
func (s Session) Check() error {
	if !s.Valid {
		return nil
	}
	if s.UserID == "" {
		return ErrMissingUserID
	}
	if s.IssuedAt.After(s.ExpiresAt) || s.ExpiresAt.After(s.ExpiryLimit) {
		return ErrBadOrdering
	}
	if s.Delegate != nil && s.Delegate.UserID == s.UserID {
		return ErrSelfDelegate
	}
	return nil
}

// Expired reports whether the session is past its expiry at instant now.
func (s Session) Expired(now time.Time) bool {
	return !s.Valid || !now.Before(s.ExpiresAt)
}

// PastLimit reports whether the session is past its absolute refresh
// ceiling, meaning no further refresh can ever succeed.
func (s Session) PastLimit(now time.Time) bool {
	return !now.Before(s.ExpiryLimit)
}

// NeedsRefresh reports whether now has crossed the refresh threshold —
// the fraction of the session's lifetime after which an authorized
// request should trigger re-minting a token.
func (s Session) NeedsRefresh(now time.Time, refreshThreshold float64) bool {
	if !s.Valid || s.Expired(now) {
		return false
	}
	lifetime := s.ExpiresAt.Sub(s.IssuedAt)
	if lifetime <= 0 {
		return false
	}
	elapsed := now.Sub(s.IssuedAt)
	return float64(elapsed)/float64(lifetime) >= refreshThreshold
}

// IsDelegate reports whether this session represents a system user acting
// on behalf of a named delegate.
func (s Session) IsDelegate() bool {
	return s.Delegate != nil
}
