// Package memory provides an in-process store.Store for tests and
// single-node development.
package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/ggoodman/taskrpc/store"
)

// Store implements store.Store with maps guarded by a mutex.
type Store struct {
	mu    sync.RWMutex
	users map[string]store.User
	tasks map[string]entry
	seq   uint64
}

type entry struct {
	task store.Task
	seq  uint64
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		users: make(map[string]store.User),
		tasks: make(map[string]entry),
	}
}

func (s *Store) CreateUser(ctx context.Context, u *store.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ID]; ok {
		return store.ErrConflict
	}
	for _, existing := range s.users {
		if strings.EqualFold(existing.Email, u.Email) || existing.Username == u.Username {
			return store.ErrConflict
		}
	}
	s.users[u.ID] = *u
	return nil
}

func (s *Store) UserByID(ctx context.Context, id string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) UserByLogin(ctx context.Context, identifier string) (*store.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, identifier) || u.Username == identifier {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) CreateTask(ctx context.Context, t *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return store.ErrConflict
	}
	s.seq++
	s.tasks[t.ID] = entry{task: *t, seq: s.seq}
	return nil
}

func (s *Store) Task(ctx context.Context, userID, id string) (*store.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.tasks[id]
	if !ok || e.task.UserID != userID {
		return nil, store.ErrNotFound
	}
	t := e.task
	return &t, nil
}

func (s *Store) UpdateTask(ctx context.Context, t *store.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[t.ID]
	if !ok || e.task.UserID != t.UserID {
		return store.ErrNotFound
	}
	e.task = *t
	s.tasks[t.ID] = e
	return nil
}

func (s *Store) DeleteTask(ctx context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.tasks[id]
	if !ok || e.task.UserID != userID {
		return store.ErrNotFound
	}
	delete(s.tasks, id)
	return nil
}

func (s *Store) ListTasks(ctx context.Context, q store.TaskQuery) (store.TaskPage, error) {
	s.mu.RLock()
	var matched []entry
	for _, e := range s.tasks {
		t := e.task
		if t.UserID != q.UserID {
			continue
		}
		if q.Completed != nil && t.Completed != *q.Completed {
			continue
		}
		if q.Priority != nil && t.Priority != *q.Priority {
			continue
		}
		matched = append(matched, e)
	}
	s.mu.RUnlock()

	slices.SortFunc(matched, func(a, b entry) int {
		if c := b.task.CreatedAt.Compare(a.task.CreatedAt); c != 0 {
			return c
		}
		switch {
		case a.seq > b.seq:
			return -1
		case a.seq < b.seq:
			return 1
		}
		return 0
	})

	page := store.TaskPage{Total: len(matched), Tasks: []store.Task{}}
	start := min(q.Offset(), len(matched))
	end := len(matched)
	if q.Limit > 0 {
		end = min(start+q.Limit, len(matched))
	}
	for _, e := range matched[start:end] {
		page.Tasks = append(page.Tasks, e.task)
	}
	return page, nil
}

func (s *Store) TaskStats(ctx context.Context, userID string) (store.TaskStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var st store.TaskStats
	for _, e := range s.tasks {
		if e.task.UserID != userID {
			continue
		}
		st.Total++
		if e.task.Completed {
			st.Completed++
		} else {
			st.Pending++
		}
	}
	return st, nil
}

func (s *Store) Close() error { return nil }

var _ store.Store = (*Store)(nil)
