package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"strings"
)

// ExtractBearerToken parses "Bearer <token>" from the Authorization header.
// authmw.DiscoverToken falls back to treating the whole header as a raw
// token when this returns empty, so it only strips the prefix — it never
// rejects a header that lacks one.
func ExtractBearerToken(authHeader string) string {
	const prefix = "Bearer "
	if len(authHeader) > len(prefix) && authHeader[:len(prefix)] == prefix {
		return authHeader[len(prefix):]
	}
	return ""
}

// CredentialMatch reports whether provided equals expected, comparing in
// constant time to avoid both a value-dependent timing leak and a
// length-dependent one (hmac.Equal, not a raw byte compare, since the two
// arguments are rarely the same length).
//
// purpose domain-separates the HMAC key per credential realm:
// internal/authprovider.StaticCredentials backs both a browser form login
// and an API Basic-auth login, and a deployment may configure distinct
// Users maps for each. Without the domain separator, a response-time side
// channel observed against one realm could inform comparisons against the
// other; with it, each realm's traffic only ever exercises its own HMAC
// key, so the realms can't be correlated through this comparison.
func CredentialMatch(purpose, provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	key := []byte("trac-gateway-credential-compare:" + purpose)
	h1 := hmac.New(sha256.New, key)
	h1.Write([]byte(provided))
	h2 := hmac.New(sha256.New, key)
	h2.Write([]byte(expected))
	return hmac.Equal(h1.Sum(nil), h2.Sum(nil))
}

// ExtractClientIP strips the port from an http.Request.RemoteAddr
// ("ip:port" → "ip") for the callers that key admission state off a bare
// IP: internal/proxy.Proxy.AdmitConnection's per-IP connection ceiling,
// RateLimiter's per-IP and per-(IP,route) buckets, and request logging.
// Unlike a single fixed-peer bridge, this gateway's client population is
// arbitrary and unauthenticated until the auth middleware runs, so every
// one of those consumers needs the same bare-IP key to agree with each
// other; callers never derive it independently.
func ExtractClientIP(remoteAddr string) string {
	// Handle IPv6 addresses like "[::1]:8080"
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host := remoteAddr[:idx]
		// Remove brackets from IPv6
		host = strings.TrimPrefix(host, "[")
		host = strings.TrimSuffix(host, "]")
		return host
	}
	return remoteAddr
}
