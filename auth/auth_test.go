package auth_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/auth/authtest"
	"github.com/ggoodman/taskrpc/status"
)

func newVerifier() (*auth.Verifier, *authtest.Tokens) {
	tokens := authtest.NewTokens()
	tokens.Add("good", "u-1", "alice")
	return auth.NewVerifier(tokens), tokens
}

func TestVerify_Missing(t *testing.T) {
	v, _ := newVerifier()
	_, err := v.Verify(context.Background(), "")
	if !errors.Is(err, auth.ErrMissingCredential) {
		t.Fatalf("want ErrMissingCredential, got %v", err)
	}
	if kind, _ := status.Classify(err); kind != status.Unauthenticated {
		t.Fatalf("want Unauthenticated, got %s", kind)
	}
}

func TestVerify_Malformed(t *testing.T) {
	v, _ := newVerifier()
	for _, h := range []string{"Token good", "Bearer", "Bearer a b", "Bearer  good", "Basic dXNlcjpwYXNz", "Bearer "} {
		t.Run(h, func(t *testing.T) {
			_, err := v.Verify(context.Background(), h)
			if !errors.Is(err, auth.ErrMalformedCredential) {
				t.Fatalf("want ErrMalformedCredential, got %v", err)
			}
			kind, msg := status.Classify(err)
			if kind != status.Unauthenticated || msg != "invalid token format" {
				t.Fatalf("got %s %q", kind, msg)
			}
		})
	}
}

func TestVerify_SchemeCaseInsensitive(t *testing.T) {
	v, _ := newVerifier()
	for _, h := range []string{"Bearer good", "bearer good", "BEARER good"} {
		id, err := v.Verify(context.Background(), h)
		if err != nil {
			t.Fatalf("%q: %v", h, err)
		}
		if id.SubjectID != "u-1" || id.Username != "alice" {
			t.Fatalf("unexpected identity %+v", id)
		}
	}
}

func TestVerify_InvalidHidesCause(t *testing.T) {
	v, _ := newVerifier()
	_, err := v.Verify(context.Background(), "Bearer nope")
	if !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
	if !errors.Is(err, authtest.ErrUnknownToken) {
		t.Fatalf("cause should be wrapped for logging, got %v", err)
	}
	kind, msg := status.Classify(err)
	if kind != status.Unauthenticated || msg != "invalid or expired token" {
		t.Fatalf("got %s %q", kind, msg)
	}
}

func TestHMACAuthority_RoundTrip(t *testing.T) {
	authority, err := auth.NewHMAC([]byte("super-secret-signing-key"), auth.WithIssuerName("taskrpc"), auth.WithTTL(time.Hour))
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	tok, exp, err := authority.IssueToken(auth.Identity{SubjectID: "u-7", Username: "bob"})
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if exp.Before(time.Now()) {
		t.Fatalf("expiry in the past: %v", exp)
	}

	v := auth.NewVerifier(authority)
	id, err := v.Verify(context.Background(), "Bearer "+tok)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.SubjectID != "u-7" || id.Username != "bob" {
		t.Fatalf("unexpected identity %+v", id)
	}

	other, _ := auth.NewHMAC([]byte("a-different-signing-key"))
	if _, err := auth.NewVerifier(other).Verify(context.Background(), "Bearer "+tok); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential for foreign token, got %v", err)
	}
}

func TestAnonymous(t *testing.T) {
	if !auth.Anonymous.IsAnonymous() || auth.Anonymous.IsZero() {
		t.Fatalf("anonymous placeholder must be non-empty and recognizable")
	}
	if (auth.Identity{SubjectID: "u-1"}).IsAnonymous() {
		t.Fatalf("real identity reported as anonymous")
	}
}

func TestFirstOf(t *testing.T) {
	local := authtest.NewTokens()
	local.Add("local", "u-1", "alice")
	external := authtest.NewTokens()
	external.Add("external", "ext|42", "bob")
	v := auth.NewVerifier(auth.FirstOf(local, external))

	for header, want := range map[string]string{"Bearer local": "u-1", "Bearer external": "ext|42"} {
		id, err := v.Verify(context.Background(), header)
		if err != nil {
			t.Fatalf("%s: %v", header, err)
		}
		if id.SubjectID != want {
			t.Fatalf("%s: want %s, got %s", header, want, id.SubjectID)
		}
	}
	if _, err := v.Verify(context.Background(), "Bearer nobody"); !errors.Is(err, auth.ErrInvalidCredential) {
		t.Fatalf("want ErrInvalidCredential, got %v", err)
	}
	if _, err := auth.FirstOf().VerifyToken(context.Background(), "x"); err == nil {
		t.Fatalf("empty FirstOf accepted a token")
	}
}
