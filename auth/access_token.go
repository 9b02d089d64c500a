package auth

import (
	"context"
	"errors"
	"time"

	"github.com/ggoodman/taskrpc/internal/jwtauth"
)

// Issuer mints bearer tokens for authenticated accounts.
type Issuer interface {
	IssueToken(id Identity) (token string, expiresAt time.Time, err error)
}

// HMACAuthority issues and verifies HS256 tokens signed with a shared
// secret. It is both the Issuer used by the account service and the
// TokenVerifier behind the interceptor chain.
type HMACAuthority struct {
	h *jwtauth.HMAC
}

// HMACOption configures NewHMAC.
type HMACOption func(*jwtauth.HMACConfig)

// WithIssuerName sets the "iss" claim minted and enforced.
func WithIssuerName(iss string) HMACOption {
	return func(c *jwtauth.HMACConfig) { c.Issuer = iss }
}

// WithTTL sets token lifetime. Defaults to 24h.
func WithTTL(d time.Duration) HMACOption {
	return func(c *jwtauth.HMACConfig) { c.TTL = d }
}

// WithLeeway sets clock skew tolerance for time-based claims.
func WithLeeway(d time.Duration) HMACOption {
	return func(c *jwtauth.HMACConfig) { c.Leeway = d }
}

// NewHMAC returns an HMACAuthority for secret.
func NewHMAC(secret []byte, opts ...HMACOption) (*HMACAuthority, error) {
	cfg := jwtauth.HMACConfig{Secret: secret}
	for _, opt := range opts {
		opt(&cfg)
	}
	h, err := jwtauth.NewHMAC(cfg)
	if err != nil {
		return nil, err
	}
	return &HMACAuthority{h: h}, nil
}

func (a *HMACAuthority) IssueToken(id Identity) (string, time.Time, error) {
	return a.h.Issue(id.SubjectID, id.Username)
}

func (a *HMACAuthority) VerifyToken(ctx context.Context, tok string) (Identity, error) {
	return verifyWith(ctx, a.h, tok)
}

// ExternalOption configures verifiers for tokens minted by an external
// authorization server.
type ExternalOption func(*jwtauth.Config)

// WithAudiences restricts accepted "aud" values.
func WithAudiences(aud ...string) ExternalOption {
	return func(c *jwtauth.Config) { c.ExpectedAudiences = append([]string(nil), aud...) }
}

// WithAllowedAlgs restricts allowed JWS algorithms. "none" is never allowed.
// Defaults to ["RS256"].
func WithAllowedAlgs(algs ...string) ExternalOption {
	return func(c *jwtauth.Config) { c.AllowedAlgs = append([]string(nil), algs...) }
}

// WithUsernameClaim names the claim used for Identity.Username.
func WithUsernameClaim(claim string) ExternalOption {
	return func(c *jwtauth.Config) { c.UsernameClaim = claim }
}

// WithExternalLeeway sets clock skew tolerance.
func WithExternalLeeway(d time.Duration) ExternalOption {
	return func(c *jwtauth.Config) { c.Leeway = d }
}

// NewFromDiscovery returns a TokenVerifier for tokens issued by an OpenID
// Connect provider, locating its JWKS through discovery.
func NewFromDiscovery(ctx context.Context, issuer string, opts ...ExternalOption) (TokenVerifier, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewFromDiscovery(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

// NewStatic returns a TokenVerifier for tokens signed by keys published at
// jwksURI, without discovery.
func NewStatic(ctx context.Context, issuer, jwksURI string, opts ...ExternalOption) (TokenVerifier, error) {
	cfg := jwtauth.DefaultConfig()
	cfg.Issuer = issuer
	for _, opt := range opts {
		opt(cfg)
	}
	v, err := jwtauth.NewStatic(ctx, cfg, jwksURI)
	if err != nil {
		return nil, err
	}
	return &adapter{v: v}, nil
}

type adapter struct {
	v jwtauth.Verifier
}

func (ad *adapter) VerifyToken(ctx context.Context, tok string) (Identity, error) {
	return verifyWith(ctx, ad.v, tok)
}

func verifyWith(ctx context.Context, v jwtauth.Verifier, tok string) (Identity, error) {
	p, err := v.Verify(ctx, tok)
	if err != nil {
		if errors.Is(err, jwtauth.ErrUnauthorized) {
			return Identity{}, errors.Join(ErrInvalidCredential, err)
		}
		return Identity{}, err
	}
	return Identity{SubjectID: p.Subject, Username: p.Username, Claims: p.Claims}, nil
}
