package status

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestClassify_ExplicitKindWins(t *testing.T) {
	// The message would keyword-match Unauthenticated, but the explicit kind wins.
	err := New(NotFound, "token not found")
	kind, msg := Classify(err)
	if kind != NotFound {
		t.Fatalf("want NotFound, got %s", kind)
	}
	if msg != "token not found" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestClassify_ExplicitKindThroughWrapChain(t *testing.T) {
	base := New(InvalidArgument, "title is required")
	wrapped := fmt.Errorf("create task: %w", base)
	kind, msg := Classify(wrapped)
	if kind != InvalidArgument || msg != "title is required" {
		t.Fatalf("got %s %q", kind, msg)
	}
}

func TestClassify_KeywordFallback(t *testing.T) {
	cases := []struct {
		err  string
		want Kind
	}{
		{"Invalid token supplied", Unauthenticated},
		{"authentication failed", Unauthenticated},
		{"task not found", NotFound},
		{"Tarefa não encontrada", NotFound},
		{"title is required", InvalidArgument},
		{"invalid priority", InvalidArgument},
		{"title too long", InvalidArgument},
		{"Titulo deve ter no máximo 200 caracteres", InvalidArgument},
		{"disk on fire", Internal},
	}
	for _, tc := range cases {
		t.Run(tc.err, func(t *testing.T) {
			kind, _ := Classify(errors.New(tc.err))
			if kind != tc.want {
				t.Fatalf("want %s, got %s", tc.want, kind)
			}
		})
	}
}

func TestClassify_InternalHidesCause(t *testing.T) {
	kind, msg := Classify(errors.New("sql: connection refused at 10.0.0.3"))
	if kind != Internal {
		t.Fatalf("want Internal, got %s", kind)
	}
	if msg != internalMessage {
		t.Fatalf("internal cause leaked: %q", msg)
	}
}

func TestClassify_WithoutKeywordFallback(t *testing.T) {
	c := NewClassifier(WithoutKeywordFallback())
	if kind, _ := c.Classify(errors.New("task not found")); kind != Internal {
		t.Fatalf("want Internal with fallback disabled, got %s", kind)
	}
	if kind, _ := c.Classify(New(NotFound, "task not found")); kind != NotFound {
		t.Fatalf("explicit kind must still win, got %s", kind)
	}
}

func TestClassify_Nil(t *testing.T) {
	if kind, msg := Classify(nil); kind != OK || msg != "" {
		t.Fatalf("got %s %q", kind, msg)
	}
}

func TestClassify_ContextCanceledIsInternal(t *testing.T) {
	if kind, _ := Classify(context.Canceled); kind != Internal {
		t.Fatalf("want Internal, got %s", kind)
	}
}

func TestKind_WireAndHTTP(t *testing.T) {
	cases := []struct {
		kind Kind
		code string
		http int
	}{
		{Unauthenticated, "UNAUTHENTICATED", http.StatusUnauthorized},
		{NotFound, "NOT_FOUND", http.StatusNotFound},
		{InvalidArgument, "INVALID_ARGUMENT", http.StatusBadRequest},
		{Internal, "INTERNAL", http.StatusInternalServerError},
	}
	for _, tc := range cases {
		if tc.kind.String() != tc.code {
			t.Fatalf("want %s, got %s", tc.code, tc.kind)
		}
		if tc.kind.HTTPStatus() != tc.http {
			t.Fatalf("%s: want http %d, got %d", tc.code, tc.http, tc.kind.HTTPStatus())
		}
		parsed, ok := ParseKind(tc.code)
		if !ok || parsed != tc.kind {
			t.Fatalf("ParseKind(%s) = %s, %v", tc.code, parsed, ok)
		}
	}
}

func TestWrap_HidesCauseFromMessage(t *testing.T) {
	cause := errors.New("signature mismatch")
	err := Wrap(Unauthenticated, cause, "invalid or expired token")
	kind, msg := Classify(err)
	if kind != Unauthenticated || msg != "invalid or expired token" {
		t.Fatalf("got %s %q", kind, msg)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("cause must remain reachable for logging")
	}
	if Wrap(Internal, nil, "x") != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
}
