// Package storetest is a conformance suite shared by store.Store
// implementations.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ggoodman/taskrpc/store"
)

// StoreFactory creates a fresh, empty store for one subtest.
type StoreFactory func(t *testing.T) store.Store

// RunStoreTests runs the complete suite against factory.
func RunStoreTests(t *testing.T, factory StoreFactory) {
	t.Run("UserLookup", func(t *testing.T) { testUserLookup(t, factory(t)) })
	t.Run("UserConflict", func(t *testing.T) { testUserConflict(t, factory(t)) })
	t.Run("TaskCRUD", func(t *testing.T) { testTaskCRUD(t, factory(t)) })
	t.Run("TaskOwnerIsolation", func(t *testing.T) { testTaskOwnerIsolation(t, factory(t)) })
	t.Run("ListOrderAndPaging", func(t *testing.T) { testListOrderAndPaging(t, factory(t)) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, factory(t)) })
	t.Run("Stats", func(t *testing.T) { testStats(t, factory(t)) })
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

func user(id, username, email string) *store.User {
	return &store.User{
		ID: id, Username: username, Email: email, PasswordHash: "hash",
		FirstName: "F", LastName: "L", CreatedAt: epoch, UpdatedAt: epoch,
	}
}

func task(id, owner string, at time.Time) *store.Task {
	return &store.Task{
		ID: id, UserID: owner, Title: "title " + id, Priority: store.PriorityMedium,
		CreatedAt: at, UpdatedAt: at,
	}
}

func mustCreateTask(t *testing.T, s store.Store, tk *store.Task) {
	t.Helper()
	if err := s.CreateTask(context.Background(), tk); err != nil {
		t.Fatalf("create task %s: %v", tk.ID, err)
	}
}

func testUserLookup(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateUser(ctx, user("u1", "alice", "alice@example.com")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	for _, ident := range []string{"alice", "alice@example.com"} {
		u, err := s.UserByLogin(ctx, ident)
		if err != nil {
			t.Fatalf("lookup %q: %v", ident, err)
		}
		if u.ID != "u1" || u.PasswordHash != "hash" {
			t.Fatalf("unexpected user %+v", u)
		}
	}
	u, err := s.UserByID(ctx, "u1")
	if err != nil || u.Username != "alice" || !u.CreatedAt.Equal(epoch) {
		t.Fatalf("by id: %+v %v", u, err)
	}
	if _, err := s.UserByLogin(ctx, "bob"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.UserByID(ctx, "nope"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func testUserConflict(t *testing.T, s store.Store) {
	ctx := context.Background()
	if err := s.CreateUser(ctx, user("u1", "alice", "alice@example.com")); err != nil {
		t.Fatalf("create user: %v", err)
	}
	if err := s.CreateUser(ctx, user("u2", "alice", "other@example.com")); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate username: expected ErrConflict, got %v", err)
	}
	if err := s.CreateUser(ctx, user("u3", "alice2", "alice@example.com")); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate email: expected ErrConflict, got %v", err)
	}
}

func testTaskCRUD(t *testing.T, s store.Store) {
	ctx := context.Background()
	tk := task("t1", "u1", epoch)
	tk.Description = "desc"
	mustCreateTask(t, s, tk)

	got, err := s.Task(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "title t1" || got.Description != "desc" || got.Priority != store.PriorityMedium || got.Completed {
		t.Fatalf("unexpected task %+v", got)
	}

	got.Completed = true
	got.Priority = store.PriorityUrgent
	got.UpdatedAt = epoch.Add(time.Minute)
	if err := s.UpdateTask(ctx, got); err != nil {
		t.Fatalf("update: %v", err)
	}
	again, err := s.Task(ctx, "u1", "t1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !again.Completed || again.Priority != store.PriorityUrgent || !again.UpdatedAt.Equal(epoch.Add(time.Minute)) {
		t.Fatalf("update not persisted: %+v", again)
	}
	if !again.CreatedAt.Equal(epoch) {
		t.Fatalf("created_at changed: %v", again.CreatedAt)
	}

	if err := s.DeleteTask(ctx, "u1", "t1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Task(ctx, "u1", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
	if err := s.DeleteTask(ctx, "u1", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second delete: expected ErrNotFound, got %v", err)
	}
	if err := s.UpdateTask(ctx, got); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("update deleted: expected ErrNotFound, got %v", err)
	}
}

func testTaskOwnerIsolation(t *testing.T, s store.Store) {
	ctx := context.Background()
	mustCreateTask(t, s, task("t1", "alice", epoch))

	if _, err := s.Task(ctx, "bob", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign get: expected ErrNotFound, got %v", err)
	}
	foreign := task("t1", "bob", epoch)
	if err := s.UpdateTask(ctx, foreign); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign update: expected ErrNotFound, got %v", err)
	}
	if err := s.DeleteTask(ctx, "bob", "t1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("foreign delete: expected ErrNotFound, got %v", err)
	}
	page, err := s.ListTasks(ctx, store.TaskQuery{UserID: "bob"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if page.Total != 0 || len(page.Tasks) != 0 {
		t.Fatalf("bob sees alice's tasks: %+v", page)
	}
	if _, err := s.Task(ctx, "alice", "t1"); err != nil {
		t.Fatalf("owner lost task: %v", err)
	}
}

func testListOrderAndPaging(t *testing.T, s store.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustCreateTask(t, s, task(fmt.Sprintf("t%d", i), "u1", epoch.Add(time.Duration(i)*time.Second)))
	}
	// Same timestamp as t4: insertion order breaks the tie.
	mustCreateTask(t, s, task("t5", "u1", epoch.Add(4*time.Second)))

	all, err := s.ListTasks(ctx, store.TaskQuery{UserID: "u1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"t5", "t4", "t3", "t2", "t1", "t0"}
	if all.Total != len(want) || len(all.Tasks) != len(want) {
		t.Fatalf("unexpected page %+v", all)
	}
	for i, id := range want {
		if all.Tasks[i].ID != id {
			t.Fatalf("position %d: want %s, got %s", i, id, all.Tasks[i].ID)
		}
	}

	p2, err := s.ListTasks(ctx, store.TaskQuery{UserID: "u1", Page: 2, Limit: 4})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if p2.Total != 6 || len(p2.Tasks) != 2 || p2.Tasks[0].ID != "t1" || p2.Tasks[1].ID != "t0" {
		t.Fatalf("unexpected second page %+v", p2)
	}

	p9, err := s.ListTasks(ctx, store.TaskQuery{UserID: "u1", Page: 9, Limit: 4})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if p9.Total != 6 || len(p9.Tasks) != 0 || p9.Tasks == nil {
		t.Fatalf("past-the-end page should be empty and non-nil: %+v", p9)
	}
}

func testListFilters(t *testing.T, s store.Store) {
	ctx := context.Background()
	specs := []struct {
		id   string
		prio store.Priority
		done bool
	}{
		{"a", store.PriorityHigh, true},
		{"b", store.PriorityHigh, false},
		{"c", store.PriorityLow, true},
		{"d", store.PriorityLow, false},
	}
	for i, sp := range specs {
		tk := task(sp.id, "u1", epoch.Add(time.Duration(i)*time.Second))
		tk.Priority, tk.Completed = sp.prio, sp.done
		mustCreateTask(t, s, tk)
	}

	done, high := true, store.PriorityHigh
	cases := []struct {
		name string
		q    store.TaskQuery
		want []string
	}{
		{"completed", store.TaskQuery{UserID: "u1", Completed: &done}, []string{"c", "a"}},
		{"priority", store.TaskQuery{UserID: "u1", Priority: &high}, []string{"b", "a"}},
		{"both", store.TaskQuery{UserID: "u1", Completed: &done, Priority: &high}, []string{"a"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			page, err := s.ListTasks(ctx, tc.q)
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if page.Total != len(tc.want) || len(page.Tasks) != len(tc.want) {
				t.Fatalf("want %v, got %+v", tc.want, page.Tasks)
			}
			for i, id := range tc.want {
				if page.Tasks[i].ID != id {
					t.Fatalf("position %d: want %s, got %s", i, id, page.Tasks[i].ID)
				}
			}
		})
	}
}

func testStats(t *testing.T, s store.Store) {
	ctx := context.Background()
	st, err := s.TaskStats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st != (store.TaskStats{}) {
		t.Fatalf("empty stats: %+v", st)
	}
	for i := 0; i < 3; i++ {
		tk := task(fmt.Sprintf("t%d", i), "u1", epoch)
		tk.Completed = i == 0
		mustCreateTask(t, s, tk)
	}
	mustCreateTask(t, s, task("other", "u2", epoch))

	st, err = s.TaskStats(ctx, "u1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if st.Total != 3 || st.Completed != 1 || st.Pending != 2 {
		t.Fatalf("unexpected stats %+v", st)
	}
}
