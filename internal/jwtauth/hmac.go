package jwtauth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// HMACConfig controls tokens minted and verified by this process.
type HMACConfig struct {
	Secret []byte
	Issuer string
	TTL    time.Duration
	Leeway time.Duration
}

// HMAC issues and verifies HS256 bearer tokens signed with a shared secret.
type HMAC struct {
	cfg HMACConfig
	now func() time.Time
}

type hmacClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// NewHMAC validates cfg and returns an HMAC issuer/verifier. TTL defaults to
// 24 hours.
func NewHMAC(cfg HMACConfig) (*HMAC, error) {
	if len(cfg.Secret) < 16 {
		return nil, errors.New("hmac secret must be at least 16 bytes")
	}
	if cfg.TTL == 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &HMAC{cfg: cfg, now: time.Now}, nil
}

// Issue signs a token for subject. It returns the token and its expiry.
func (h *HMAC) Issue(subject, username string) (string, time.Time, error) {
	if subject == "" {
		return "", time.Time{}, errors.New("subject is required")
	}
	now := h.now()
	exp := now.Add(h.cfg.TTL)
	claims := hmacClaims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    h.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(h.cfg.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return s, exp, nil
}

// Verify implements Verifier.
func (h *HMAC) Verify(ctx context.Context, tok string) (*Principal, error) {
	if tok == "" {
		return nil, fmt.Errorf("%w: empty token", ErrUnauthorized)
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(h.cfg.Leeway),
		jwt.WithTimeFunc(h.now),
	}
	if h.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(h.cfg.Issuer))
	}
	parsed, err := jwt.NewParser(opts...).Parse(tok, func(*jwt.Token) (any, error) {
		return h.cfg.Secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: token parse/verify failed: %v", ErrUnauthorized, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: invalid claims type", ErrUnauthorized)
	}
	return principalFromClaims(claims, "username")
}

var (
	_ Verifier = (*HMAC)(nil)
	_ Verifier = (*jwksVerifier)(nil)
)
