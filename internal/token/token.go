// Package token mints and validates the compact signed tokens that carry a
// session.Session. Signing uses github.com/golang-jwt/jwt/v5, matching the
// pack's convention for auth tokens (wudi-gateway, Nebulide, tombee-conductor
// all sign sessions with golang-jwt).
package token

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/tracplatform/gateway/internal/session"
)

// Algorithm identifies the signing algorithm selected from key material.
type Algorithm string

const (
	AlgNone  Algorithm = "none"
	AlgES256 Algorithm = "ES256"
	AlgES384 Algorithm = "ES384"
	AlgES512 Algorithm = "ES512"
	AlgRS256 Algorithm = "RS256"
	AlgRS384 Algorithm = "RS384"
	AlgRS512 Algorithm = "RS512"
)

// claims is the JWT claim set for a gateway session token.
type claims struct {
	jwt.RegisteredClaims
	Name         string `json:"name"`
	Limit        int64  `json:"limit"`
	DelegateID   string `json:"delegate_id,omitempty"`
	DelegateName string `json:"delegate_name,omitempty"`
}

// Processor mints, refreshes, and validates session tokens.
type Processor struct {
	issuer    string
	algorithm Algorithm

	signKey   any // *ecdsa.PrivateKey, *rsa.PrivateKey, or nil for AlgNone
	verifyKey any // *ecdsa.PublicKey, *rsa.PublicKey, or nil for AlgNone

	signingMethod jwt.SigningMethod
}

// NewProcessor builds a Processor from PEM-decoded key material. Passing
// nil for both keys is only accepted when disableSigning is true; callers
// enforce the production safety check (spec §4.5) before calling this.
func NewProcessor(issuer string, signKey, verifyKey any, disableSigning bool) (*Processor, error) {
	if disableSigning {
		return &Processor{issuer: issuer, algorithm: AlgNone, signingMethod: jwt.SigningMethodNone}, nil
	}

	alg, method, err := selectAlgorithm(signKey)
	if err != nil {
		return nil, err
	}

	return &Processor{
		issuer:        issuer,
		algorithm:     alg,
		signKey:       signKey,
		verifyKey:     verifyKey,
		signingMethod: method,
	}, nil
}

// selectAlgorithm chooses EC or RSA signing of matching strength from the
// private key's concrete type and size, per spec §4.5.
func selectAlgorithm(key any) (Algorithm, jwt.SigningMethod, error) {
	switch k := key.(type) {
	case *ecdsa.PrivateKey:
		bits := k.Curve.Params().BitSize
		switch {
		case bits >= 512:
			return AlgES512, jwt.SigningMethodES512, nil
		case bits >= 384:
			return AlgES384, jwt.SigningMethodES384, nil
		case bits >= 256:
			return AlgES256, jwt.SigningMethodES256, nil
		default:
			return "", nil, fmt.Errorf("token: EC key too short (%d bits)", bits)
		}
	case *rsa.PrivateKey:
		bits := k.N.BitLen()
		switch {
		case bits >= 3072:
			return AlgRS512, jwt.SigningMethodRS512, nil
		case bits >= 2048:
			return AlgRS384, jwt.SigningMethodRS384, nil
		case bits >= 1024:
			return AlgRS256, jwt.SigningMethodRS256, nil
		default:
			return "", nil, fmt.Errorf("token: RSA key too short (%d bits)", bits)
		}
	default:
		return "", nil, fmt.Errorf("token: unsupported key type %T", key)
	}
}

// Algorithm reports the processor's selected signing algorithm.
func (p *Processor) Algorithm() Algorithm { return p.algorithm }

// MintOptions configures a new session.
type MintOptions struct {
	UserID   string
	UserName string
	Delegate *session.Delegate

	Now      time.Time
	Duration time.Duration
	Limit    time.Duration // absolute ceiling from Now, across all future refreshes
}

// Mint signs a brand-new session token per spec §4.5 "Mint".
func (p *Processor) Mint(opts MintOptions) (string, session.Session, error) {
	issue := opts.Now
	expiry := issue.Add(opts.Duration)
	limit := issue.Add(opts.Limit)

	sess := session.Session{
		UserID:      opts.UserID,
		UserName:    opts.UserName,
		Delegate:    opts.Delegate,
		IssuedAt:    issue,
		ExpiresAt:   expiry,
		ExpiryLimit: limit,
		Valid:       true,
	}
	if err := sess.Check(); err != nil {
		return "", session.Session{}, fmt.Errorf("token: mint: %w", err)
	}

	tok, err := p.sign(sess)
	if err != nil {
		return "", session.Session{}, err
	}
	return tok, sess, nil
}

// Refresh re-mints a still-valid session past its refresh threshold. The
// new expiry is min(now + duration, limit); if limit has already passed,
// refresh fails and the caller should treat the session as expired.
func (p *Processor) Refresh(s session.Session, now time.Time, duration time.Duration) (string, session.Session, error) {
	if s.PastLimit(now) {
		return "", session.Session{}, fmt.Errorf("token: refresh: session past its expiry limit")
	}

	newExpiry := now.Add(duration)
	if newExpiry.After(s.ExpiryLimit) {
		newExpiry = s.ExpiryLimit
	}

	refreshed := s
	refreshed.IssuedAt = now
	refreshed.ExpiresAt = newExpiry
	if err := refreshed.Check(); err != nil {
		return "", session.Session{}, fmt.Errorf("token: refresh: %w", err)
	}

	tok, err := p.sign(refreshed)
	if err != nil {
		return "", session.Session{}, err
	}
	return tok, refreshed, nil
}

func (p *Processor) sign(s session.Session) (string, error) {
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.UserID,
			Issuer:    p.issuer,
			IssuedAt:  jwt.NewNumericDate(s.IssuedAt),
			ExpiresAt: jwt.NewNumericDate(s.ExpiresAt),
		},
		Name:  s.UserName,
		Limit: s.ExpiryLimit.Unix(),
	}
	if s.Delegate != nil {
		c.DelegateID = s.Delegate.UserID
		c.DelegateName = s.Delegate.UserName
	}

	t := jwt.NewWithClaims(p.signingMethod, c)
	if p.algorithm == AlgNone {
		return t.SignedString(jwt.UnsafeAllowNoneSignatureType)
	}
	return t.SignedString(p.signKey)
}

// Validate verifies a token's signature and issuer and decodes it into a
// Session. Any decode, signature, issuer, or required-claim failure yields
// an invalid Session carrying the error text — it never panics and never
// infers a missing field (spec §9 open question 2).
func (p *Processor) Validate(raw string) session.Session {
	parsed, err := jwt.ParseWithClaims(raw, &claims{}, func(t *jwt.Token) (any, error) {
		if p.algorithm == AlgNone {
			return jwt.UnsafeAllowNoneSignatureType, nil
		}
		if t.Method.Alg() != string(p.algorithm) {
			return nil, fmt.Errorf("token: unexpected signing method %q", t.Method.Alg())
		}
		return p.verifyKey, nil
	}, jwt.WithIssuer(p.issuer))
	if err != nil {
		return session.Invalid(err.Error())
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return session.Invalid("token: malformed claims")
	}
	if c.Subject == "" || c.IssuedAt == nil || c.ExpiresAt == nil || c.Limit == 0 {
		return session.Invalid("token: missing required claim")
	}

	sess := session.Session{
		UserID:      c.Subject,
		UserName:    c.Name,
		IssuedAt:    c.IssuedAt.Time,
		ExpiresAt:   c.ExpiresAt.Time,
		ExpiryLimit: time.Unix(c.Limit, 0),
		Valid:       true,
	}
	if c.DelegateID != "" {
		sess.Delegate = &session.Delegate{UserID: c.DelegateID, UserName: c.DelegateName}
	}
	if err := sess.Check(); err != nil {
		return session.Invalid(err.Error())
	}
	return sess
}
