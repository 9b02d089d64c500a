package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/ggoodman/taskrpc/store"
	"github.com/ggoodman/taskrpc/store/sqlite"
	"github.com/ggoodman/taskrpc/store/storetest"
)

func TestSQLiteStore(t *testing.T) {
	storetest.RunStoreTests(t, func(t *testing.T) store.Store {
		s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "tasks.db"))
		if err != nil {
			t.Fatalf("open: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestSQLiteReopenKeepsData(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "tasks.db")
	s, err := sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.CreateUser(ctx, &store.User{ID: "u1", Username: "alice", Email: "a@example.com", PasswordHash: "h"}); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = sqlite.Open(ctx, path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if _, err := s.UserByLogin(ctx, "A@EXAMPLE.COM"); err != nil {
		t.Fatalf("lookup after reopen: %v", err)
	}
}

func TestSQLiteEmptyPath(t *testing.T) {
	if _, err := sqlite.Open(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
