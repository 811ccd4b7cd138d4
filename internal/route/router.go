package route

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// Table is the immutable, ordered route and redirect table (spec §4.2).
type Table struct {
	routes    []Route // sorted by descending prefix length, stable on declaration order
	redirects map[string]Redirect
}

// NewTable builds a Table from the declared routes and redirects, checking
// the spec §3 invariant that path prefixes are unique among routes sharing
// a host (the empty host is its own bucket: a host-specific route and a
// host-agnostic route may share a prefix only if that is intentional, which
// the spec does not forbid, so only exact (host, prefix) pairs collide).
func NewTable(routes []Route, redirects []Redirect) (*Table, error) {
	byHostPrefix := make(map[string]string, len(routes))
	ordered := make([]Route, len(routes))
	copy(ordered, routes)

	for _, r := range ordered {
		if err := r.Validate(); err != nil {
			return nil, err
		}
		key := r.Host + "\x00" + r.PathPrefix
		if existing, dup := byHostPrefix[key]; dup {
			return nil, fmt.Errorf("route %q: path prefix %q duplicates route %q for host %q", r.Name, r.PathPrefix, existing, r.Host)
		}
		byHostPrefix[key] = r.Name
	}

	// Stable sort by descending prefix length; sort.SliceStable preserves
	// the original declaration order among equal-length prefixes, which is
	// exactly spec §4.2 step 2's "ties broken by declaration order."
	sort.SliceStable(ordered, func(i, j int) bool {
		return len(ordered[i].PathPrefix) > len(ordered[j].PathPrefix)
	})

	rd := make(map[string]Redirect, len(redirects))
	for _, r := range redirects {
		rd[r.Source] = r
	}

	return &Table{routes: ordered, redirects: rd}, nil
}

// Routes returns the table's routes in match order (longest prefix
// first), for introspection by the admin status surface.
func (t *Table) Routes() []Route {
	out := make([]Route, len(t.routes))
	copy(out, t.routes)
	return out
}

// Redirects returns the table's redirects, for introspection by the
// admin status surface.
func (t *Table) Redirects() []Redirect {
	out := make([]Redirect, 0, len(t.redirects))
	for _, r := range t.redirects {
		out = append(out, r)
	}
	return out
}

// MatchRedirect implements spec §4.2 step 1: an exact path match against
// the redirect table, evaluated before routing.
func (t *Table) MatchRedirect(path string) (Redirect, bool) {
	r, ok := t.redirects[path]
	return r, ok
}

// Match implements spec §4.2 steps 2-4: longest-path-prefix match among
// routes whose host (if specified) equals host and whose accepted set
// contains transport, then strips the matched prefix and prepends the
// target's prefix while preserving query and fragment.
func (t *Table) Match(host, path string, transport Transport) (*Route, string, bool) {
	for i := range t.routes {
		r := &t.routes[i]
		if r.Host != "" && !strings.EqualFold(r.Host, host) {
			continue
		}
		if !strings.HasPrefix(path, r.PathPrefix) {
			continue
		}
		if !r.Accepted[transport] {
			continue
		}
		rewritten := rewrite(path, r.PathPrefix, r.Target.PathPrefix)
		return r, rewritten, true
	}
	return nil, "", false
}

// MatchProtocolMismatch reports whether path/host would match some route by
// host+prefix alone, ignoring transport — used to distinguish a true 404
// (no route at all) from a 406 (route exists, wrong transport), per spec §4.2.
func (t *Table) MatchProtocolMismatch(host, path string) bool {
	for i := range t.routes {
		r := &t.routes[i]
		if r.Host != "" && !strings.EqualFold(r.Host, host) {
			continue
		}
		if strings.HasPrefix(path, r.PathPrefix) {
			return true
		}
	}
	return false
}

func rewrite(path, matchedPrefix, targetPrefix string) string {
	suffix := strings.TrimPrefix(path, matchedPrefix)
	if suffix != "" && !strings.HasPrefix(suffix, "/") && !strings.HasSuffix(targetPrefix, "/") {
		return targetPrefix + "/" + suffix
	}
	return targetPrefix + suffix
}

// RewriteURL rewrites a full request URL per spec §4.2 step 3, preserving
// the query string and fragment unconditionally.
func RewriteURL(u *url.URL, matchedPrefix, targetPrefix string) *url.URL {
	out := *u
	out.Path = rewrite(u.Path, matchedPrefix, targetPrefix)
	return &out
}
