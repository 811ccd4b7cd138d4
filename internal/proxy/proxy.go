// Package proxy holds connection-tracking state shared by the gateway's
// proxy engines (internal/proxy/httpproxy, http2proxy, wsrpc,
// resttranscode) and surfaced through the health and admin endpoints.
package proxy

import (
	"sync"
	"sync/atomic"
)

// Proxy tracks active connections and provides connection counting,
// independent of which proxy engine is handling a given connection.
type Proxy struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64

	// Per-IP connection tracking
	ipConnections map[string]int
	ipMu          sync.Mutex
}

// New creates a new Proxy instance.
func New() *Proxy {
	return &Proxy{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of active connections.
func (p *Proxy) ConnectionCount() int {
	return int(p.activeConnections.Load())
}

// ConnectionCountForIP returns the active connection count for a specific IP.
func (p *Proxy) ConnectionCountForIP(ip string) int {
	p.ipMu.Lock()
	defer p.ipMu.Unlock()
	return p.ipConnections[ip]
}

// IncrementConnections increments both global and per-IP connection counters.
func (p *Proxy) IncrementConnections(ip string) {
	p.activeConnections.Add(1)
	p.totalConnections.Add(1)
	p.ipMu.Lock()
	p.ipConnections[ip]++
	p.ipMu.Unlock()
}

// AdmitConnection atomically checks maxTotal and maxPerIP before counting a
// new connection toward ip, so a request that would exceed either limit
// never gets counted. Returns ok=false and the limit that was hit
// ("max_connections" or "max_connections_per_ip") when the connection is
// refused; the caller must not call DecrementConnections in that case since
// nothing was incremented.
func (p *Proxy) AdmitConnection(ip string, maxTotal, maxPerIP int) (ok bool, reason string) {
	p.ipMu.Lock()
	defer p.ipMu.Unlock()

	if maxTotal > 0 && int(p.activeConnections.Load()) >= maxTotal {
		return false, "max_connections"
	}
	if maxPerIP > 0 && p.ipConnections[ip] >= maxPerIP {
		return false, "max_connections_per_ip"
	}

	p.activeConnections.Add(1)
	p.totalConnections.Add(1)
	p.ipConnections[ip]++
	return true, ""
}

// DecrementConnections decrements both global and per-IP connection counters.
func (p *Proxy) DecrementConnections(ip string) {
	p.activeConnections.Add(-1)
	p.ipMu.Lock()
	p.ipConnections[ip]--
	if p.ipConnections[ip] <= 0 {
		delete(p.ipConnections, ip)
	}
	p.ipMu.Unlock()
}

// IncrementMessages increments the total messages counter.
func (p *Proxy) IncrementMessages() {
	p.totalMessages.Add(1)
}

// TotalConnections returns the total number of connections handled since start.
func (p *Proxy) TotalConnections() int64 {
	return p.totalConnections.Load()
}

// TotalMessages returns the total number of messages proxied since start.
func (p *Proxy) TotalMessages() int64 {
	return p.totalMessages.Load()
}
