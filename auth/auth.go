package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ggoodman/taskrpc/status"
)

// Sentinel failures returned by Verifier.Verify. Each carries the
// Unauthenticated kind so callers can classify them without inspection.
var (
	// ErrMissingCredential indicates no authorization metadata was present.
	ErrMissingCredential = status.New(status.Unauthenticated, "authentication token required")
	// ErrMalformedCredential indicates the header was not "Bearer <token>".
	ErrMalformedCredential = status.New(status.Unauthenticated, "invalid token format")
	// ErrInvalidCredential indicates the token collaborator rejected the token.
	// The collaborator's reason is wrapped for logging but never surfaced.
	ErrInvalidCredential = status.New(status.Unauthenticated, "invalid or expired token")
)

// Identity is the authenticated principal attached to a call.
type Identity struct {
	SubjectID string
	Username  string
	// Claims holds any additional claims the token carried.
	Claims map[string]any
}

// Anonymous is the placeholder identity for calls that ran without
// credentials (skip-listed methods).
var Anonymous = Identity{SubjectID: "anonymous", Username: "anon"}

// IsAnonymous reports whether id is the anonymous placeholder.
func (id Identity) IsAnonymous() bool { return id.SubjectID == Anonymous.SubjectID }

// IsZero reports whether no identity has been set.
func (id Identity) IsZero() bool { return id.SubjectID == "" }

// TokenVerifier validates a raw bearer token. It is the credential
// collaborator behind Verifier; any error means the token is rejected.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
}

// TokenVerifierFunc adapts a function to TokenVerifier.
type TokenVerifierFunc func(ctx context.Context, token string) (Identity, error)

func (f TokenVerifierFunc) VerifyToken(ctx context.Context, token string) (Identity, error) {
	return f(ctx, token)
}

// FirstOf tries each verifier in order and returns the first identity
// accepted. If every verifier rejects the token, the joined errors are
// returned.
func FirstOf(verifiers ...TokenVerifier) TokenVerifier {
	return TokenVerifierFunc(func(ctx context.Context, token string) (Identity, error) {
		var errs []error
		for _, v := range verifiers {
			id, err := v.VerifyToken(ctx, token)
			if err == nil {
				return id, nil
			}
			errs = append(errs, err)
		}
		if len(errs) == 0 {
			return Identity{}, errors.New("no token verifiers configured")
		}
		return Identity{}, errors.Join(errs...)
	})
}

// Verifier turns an authorization header value into an Identity.
type Verifier struct {
	tokens TokenVerifier
}

// NewVerifier returns a Verifier backed by tokens.
func NewVerifier(tokens TokenVerifier) *Verifier {
	return &Verifier{tokens: tokens}
}

// Verify parses header as "Bearer <token>" (scheme matched
// case-insensitively) and validates the token. It has no side effects
// beyond the collaborator call.
func (v *Verifier) Verify(ctx context.Context, header string) (Identity, error) {
	tok, err := ParseBearer(header)
	if err != nil {
		return Identity{}, err
	}
	id, err := v.tokens.VerifyToken(ctx, tok)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %w", ErrInvalidCredential, err)
	}
	if id.SubjectID == "" {
		return Identity{}, fmt.Errorf("%w: verifier returned empty subject", ErrInvalidCredential)
	}
	if id.Username == "" {
		id.Username = id.SubjectID
	}
	return id, nil
}

// ParseBearer extracts the token from an authorization header value. The
// value must be exactly two single-space separated parts.
func ParseBearer(header string) (string, error) {
	if header == "" {
		return "", ErrMissingCredential
	}
	parts := strings.Split(header, " ")
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || parts[1] == "" {
		return "", ErrMalformedCredential
	}
	return parts[1], nil
}
