package token

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc/credentials"

	"github.com/tracplatform/gateway/internal/session"
)

// DelegateSource is a bounded producer of fresh delegate-session tokens for
// internal RPC fan-out, per the Design Notes: "implement delegate session
// as a stateful source that produces a fresh token on every outbound RPC
// when the current one is near expiry; treat it as a bounded producer
// rather than a callback chain." It implements grpc/credentials.PerRPCCredentials
// so it can be attached directly to an internal RPC call.
type DelegateSource struct {
	proc *Processor

	systemUserID   string
	systemUserName string
	ticketDuration time.Duration
	ticketLimit    time.Duration
	refreshEvery   time.Duration

	mu      sync.Mutex
	current string
	sess    session.Session
}

// NewDelegateSource builds a producer of system-ticket tokens delegating to
// the given real user, per spec §4.5 "Delegate sessions".
func NewDelegateSource(proc *Processor, systemUserID, systemUserName string, ticketDuration, ticketLimit, refreshEvery time.Duration) *DelegateSource {
	return &DelegateSource{
		proc:           proc,
		systemUserID:   systemUserID,
		systemUserName: systemUserName,
		ticketDuration: ticketDuration,
		ticketLimit:    ticketLimit,
		refreshEvery:   refreshEvery,
	}
}

// tokenFor returns a valid token for the given delegate user, minting or
// refreshing it as needed. Re-minting never extends past the ticket's
// original expiry limit.
func (d *DelegateSource) tokenFor(now time.Time, delegateUserID, delegateUserName string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	needsMint := d.current == "" || d.sess.Delegate == nil || d.sess.Delegate.UserID != delegateUserID
	if !needsMint && !d.sess.PastLimit(now) && d.sess.ExpiresAt.Sub(now) < d.refreshEvery {
		// refreshEvery acts as the refresh threshold window: refresh once we
		// are within refreshEvery of expiry, clamped to the original limit.
		tok, sess, err := d.proc.Refresh(d.sess, now, d.ticketDuration)
		if err != nil {
			return "", err
		}
		d.current, d.sess = tok, sess
	}
	if !needsMint && d.sess.PastLimit(now) {
		needsMint = true
	}

	if needsMint {
		tok, sess, err := d.proc.Mint(MintOptions{
			UserID:   d.systemUserID,
			UserName: d.systemUserName,
			Delegate: &session.Delegate{UserID: delegateUserID, UserName: delegateUserName},
			Now:      now,
			Duration: d.ticketDuration,
			Limit:    d.ticketLimit,
		})
		if err != nil {
			return "", err
		}
		d.current = tok
		d.sess = sess
	}
	return d.current, nil
}

// delegateCredsKey is an unexported context key type so callers pass the
// delegate identity through context rather than mutating shared state.
type delegateCredsKey struct{}

// DelegateIdentity names the real user a system call should act on behalf of.
type DelegateIdentity struct {
	UserID   string
	UserName string
}

// WithDelegate attaches a DelegateIdentity to ctx for GetRequestMetadata to read.
func WithDelegate(ctx context.Context, id DelegateIdentity) context.Context {
	return context.WithValue(ctx, delegateCredsKey{}, id)
}

// GetRequestMetadata implements credentials.PerRPCCredentials: it mints or
// reuses a delegate token for the identity attached to ctx and attaches it
// as the trac-auth-token gRPC metadata entry.
func (d *DelegateSource) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	id, _ := ctx.Value(delegateCredsKey{}).(DelegateIdentity)
	tok, err := d.tokenFor(time.Now(), id.UserID, id.UserName)
	if err != nil {
		return nil, err
	}
	return map[string]string{"trac-auth-token": tok}, nil
}

// RequireTransportSecurity reports false: internal fan-out runs over a
// private backend network (h2c), not public TLS.
func (d *DelegateSource) RequireTransportSecurity() bool { return false }

var _ credentials.PerRPCCredentials = (*DelegateSource)(nil)
