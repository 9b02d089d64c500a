package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized indicates that the token failed validation (signature,
// issuer, audience, exp/nbf or missing subject).
var ErrUnauthorized = errors.New("jwtauth: unauthorized")

// Principal is the validated subject of a bearer token.
type Principal struct {
	Subject  string
	Username string
	Claims   map[string]any
}

// Verifier validates bearer tokens. Implementations MUST perform signature,
// issuer and time validation and return an error wrapping ErrUnauthorized
// when the token is rejected.
type Verifier interface {
	Verify(ctx context.Context, tok string) (*Principal, error)
}

// Config controls validation for tokens issued by an external authorization
// server.
type Config struct {
	Issuer string
	// ExpectedAudiences lists accepted "aud" values. Empty disables the check.
	ExpectedAudiences []string
	AllowedAlgs       []string
	Leeway            time.Duration
	// UsernameClaim names the claim carrying the display username.
	// Falls back to "sub" when absent from a token.
	UsernameClaim string
}

// DefaultConfig returns a Config with safe defaults for algorithm and leeway.
func DefaultConfig() *Config {
	return &Config{
		AllowedAlgs:   []string{"RS256"},
		Leeway:        60 * time.Second,
		UsernameClaim: "preferred_username",
	}
}

type jwksVerifier struct {
	cfg     Config
	iss     string
	keyfunc jwt.Keyfunc
}

// NewFromDiscovery locates the issuer's jwks_uri through OpenID Connect
// discovery and returns a Verifier backed by an auto-refreshing key set.
// The issuer enforced is the one the discovery document reports.
func NewFromDiscovery(ctx context.Context, cfg *Config) (Verifier, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}
	var doc struct {
		Issuer  string `json:"issuer"`
		JwksURI string `json:"jwks_uri"`
	}
	if err := provider.Claims(&doc); err != nil {
		return nil, fmt.Errorf("oidc discovery document: %w", err)
	}
	if doc.JwksURI == "" {
		return nil, errors.New("oidc discovery document has no jwks_uri")
	}
	return newJWKSVerifier(ctx, cfg, doc.Issuer, doc.JwksURI)
}

// NewStatic returns a Verifier for cfg.Issuer using the key set at jwksURI.
func NewStatic(ctx context.Context, cfg *Config, jwksURI string) (Verifier, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	if jwksURI == "" {
		return nil, errors.New("jwtauth: jwks uri is required")
	}
	return newJWKSVerifier(ctx, cfg, cfg.Issuer, jwksURI)
}

func (c *Config) check() error {
	switch {
	case c == nil:
		return errors.New("jwtauth: config is required")
	case c.Issuer == "":
		return errors.New("jwtauth: issuer is required")
	}
	return nil
}

func newJWKSVerifier(ctx context.Context, cfg *Config, iss, jwksURI string) (*jwksVerifier, error) {
	keys, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURI})
	if err != nil {
		return nil, fmt.Errorf("jwks %s: %w", jwksURI, err)
	}
	v := &jwksVerifier{cfg: *cfg, iss: iss}
	if len(v.cfg.AllowedAlgs) == 0 {
		v.cfg.AllowedAlgs = []string{"RS256"}
	}
	v.cfg.AllowedAlgs = slices.DeleteFunc(slices.Clone(v.cfg.AllowedAlgs), func(alg string) bool { return alg == "none" })
	v.keyfunc = keys.Keyfunc
	return v, nil
}

func (v *jwksVerifier) Verify(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tok, claims, v.keyfunc,
		jwt.WithValidMethods(v.cfg.AllowedAlgs),
		jwt.WithExpirationRequired(),
		jwt.WithIssuer(v.iss),
		jwt.WithLeeway(v.cfg.Leeway),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	if !v.audienceOK(claims) {
		return nil, fmt.Errorf("%w: audience mismatch", ErrUnauthorized)
	}
	return principalFromClaims(claims, v.cfg.UsernameClaim)
}

func (v *jwksVerifier) audienceOK(claims jwt.MapClaims) bool {
	if len(v.cfg.ExpectedAudiences) == 0 {
		return true
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return false
	}
	return slices.ContainsFunc(aud, func(a string) bool {
		return slices.Contains(v.cfg.ExpectedAudiences, a)
	})
}

func principalFromClaims(claims jwt.MapClaims, usernameClaim string) (*Principal, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("%w: missing sub", ErrUnauthorized)
	}
	username, _ := claims[usernameClaim].(string)
	if username == "" {
		username = sub
	}
	return &Principal{Subject: sub, Username: username, Claims: claims}, nil
}
