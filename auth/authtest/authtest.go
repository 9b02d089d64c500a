// Package authtest provides token verifiers for tests and local development.
package authtest

import (
	"context"
	"errors"
	"sync"

	"github.com/ggoodman/taskrpc/auth"
)

// ErrUnknownToken is returned by Tokens for tokens it was never given.
var ErrUnknownToken = errors.New("authtest: unknown token")

// Tokens is a TokenVerifier backed by a fixed token -> identity table.
type Tokens struct {
	mu  sync.RWMutex
	ids map[string]auth.Identity
}

// NewTokens returns an empty Tokens table.
func NewTokens() *Tokens {
	return &Tokens{ids: make(map[string]auth.Identity)}
}

// Add registers tok for a user and returns tok for convenience.
func (t *Tokens) Add(tok, subjectID, username string) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ids[tok] = auth.Identity{SubjectID: subjectID, Username: username}
	return tok
}

// Revoke removes tok.
func (t *Tokens) Revoke(tok string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ids, tok)
}

func (t *Tokens) VerifyToken(ctx context.Context, tok string) (auth.Identity, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	id, ok := t.ids[tok]
	if !ok {
		return auth.Identity{}, ErrUnknownToken
	}
	return id, nil
}

// NoAuth accepts any token as the same user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a NoAuth verifier. If userID is empty it defaults to
// "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) VerifyToken(ctx context.Context, tok string) (auth.Identity, error) {
	return auth.Identity{SubjectID: n.UserID, Username: n.UserID}, nil
}
