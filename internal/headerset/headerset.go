// Package headerset provides the one mutable header/cookie container used
// for both directions of a proxied request, collapsing what the Design
// Notes call "the platform's duality of request decorator and response
// builder" into a single type with explicit Scrub/Inject operations.
package headerset

import (
	"net/http"
	"strings"
)

// Set wraps an http.Header and applies scrub/inject rules uniformly,
// whether the header belongs to an inbound request or an outbound response.
type Set struct {
	Header http.Header
}

// New wraps h.
func New(h http.Header) Set { return Set{Header: h} }

// authPrefixes are the header-name prefixes that always carry auth material
// and must never cross the gateway boundary unscrubbed (spec §4.3, §8
// property 2).
var authPrefixes = []string{"trac-auth-", "trac-user-"}

// platformOnlyExact are header names scrubbed only on the platform-facing
// (outbound-to-backend) side, per spec §4.3.
var platformOnlyExact = []string{"Authorization", "Cookie", "Set-Cookie"}

// Scrub removes every header matching the auth-prefix rule. When
// platformFacing is true it also removes Authorization/Cookie/Set-Cookie,
// matching spec §4.3's distinction between the client-facing and
// platform-facing scrub scope.
func (s Set) Scrub(platformFacing bool) {
	for name := range s.Header {
		lower := strings.ToLower(name)
		for _, prefix := range authPrefixes {
			if strings.HasPrefix(lower, prefix) {
				s.Header.Del(name)
				break
			}
		}
	}
	if platformFacing {
		for _, name := range platformOnlyExact {
			s.Header.Del(name)
		}
	}
	s.scrubCookies()
}

// scrubCookies removes individual trac-auth-*/trac-user-* cookies from a
// Cookie header without deleting unrelated cookies carried in the same
// header line.
func (s Set) scrubCookies() {
	raw := s.Header.Get("Cookie")
	if raw == "" {
		return
	}
	parts := strings.Split(raw, ";")
	kept := parts[:0]
	for _, p := range parts {
		name := strings.TrimSpace(p)
		if eq := strings.IndexByte(name, '='); eq >= 0 {
			name = name[:eq]
		}
		lower := strings.ToLower(name)
		scrub := false
		for _, prefix := range authPrefixes {
			if strings.HasPrefix(lower, prefix) {
				scrub = true
				break
			}
		}
		if !scrub {
			kept = append(kept, p)
		}
	}
	if len(kept) == 0 {
		s.Header.Del("Cookie")
		return
	}
	s.Header.Set("Cookie", strings.Join(kept, ";"))
}

// InjectPlatformToken sets the gateway-owned trac-auth-token header carried
// to the backend. It is the only auth header ever injected platform-side.
func (s Set) InjectPlatformToken(token string) {
	s.Header.Set("trac-auth-token", token)
}

// ClientCookie describes one cookie to inject on the client-bound side.
type ClientCookie struct {
	Name     string
	Value    string
	HTTPOnly bool
}

// InjectClientCookies appends Set-Cookie lines for the token and its
// human-readable companions, per spec §4.3's cookie attribute table:
// SameSite=Strict, Path=/, HttpOnly only for the token itself. Domain is
// deliberately left unset (spec §9 open question 1 — host-only cookies,
// documented as suitable for a single-host deployment).
func InjectClientCookies(w http.ResponseWriter, cookies []ClientCookie) {
	for _, c := range cookies {
		http.SetCookie(w, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Path:     "/",
			SameSite: http.SameSiteStrictMode,
			HttpOnly: c.HTTPOnly,
		})
	}
}

// HasAnyAuthMaterial reports whether h still carries any scrubbable header
// or cookie, used by property tests (spec §8 property 2).
func HasAnyAuthMaterial(h http.Header, platformFacing bool) bool {
	for name := range h {
		lower := strings.ToLower(name)
		for _, prefix := range authPrefixes {
			if strings.HasPrefix(lower, prefix) {
				return true
			}
		}
	}
	if platformFacing {
		for _, name := range platformOnlyExact {
			if h.Get(name) != "" {
				return true
			}
		}
	}
	return false
}
