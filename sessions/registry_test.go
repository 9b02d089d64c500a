package sessions

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/taskrpc/auth"
)

var alice = auth.Identity{SubjectID: "u-1", Username: "alice"}

// recorder is a Sender that records frames and can be told to fail.
type recorder struct {
	mu   sync.Mutex
	got  []string
	fail error
}

func newRecorder() *recorder { return &recorder{} }

func (r *recorder) Send(ctx context.Context, msg Message) error {
	r.mu.Lock()
	if r.fail != nil {
		err := r.fail
		r.mu.Unlock()
		return err
	}
	r.got = append(r.got, string(msg.Data))
	r.mu.Unlock()
	return nil
}

func (r *recorder) frames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.got...)
}

func mustSession(t *testing.T, kind Kind, snd Sender, opts ...Option) *Session {
	t.Helper()
	s, err := New(alice, kind, snd, opts...)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRegister_UniqueIDs(t *testing.T) {
	r := NewRegistry()
	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		id, err := r.Register(mustSession(t, KindChat, newRecorder()))
		if err != nil {
			t.Fatalf("register: %v", err)
		}
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
	if r.Len() != 100 {
		t.Fatalf("want 100 sessions, got %d", r.Len())
	}
}

func TestRegister_CollisionRetries(t *testing.T) {
	r := NewRegistry()
	ids := []string{"same", "same", "other"}
	r.newID = func() string {
		id := ids[0]
		ids = ids[1:]
		return id
	}
	a, _ := r.Register(mustSession(t, KindChat, newRecorder()))
	b, _ := r.Register(mustSession(t, KindChat, newRecorder()))
	if a != "same" || b != "other" {
		t.Fatalf("got %q %q", a, b)
	}
}

func TestRegister_Twice(t *testing.T) {
	r := NewRegistry()
	s := mustSession(t, KindChat, newRecorder())
	if _, err := r.Register(s); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Register(s); !errors.Is(err, ErrAlreadyRegistered) {
		t.Fatalf("want ErrAlreadyRegistered, got %v", err)
	}
}

func TestNew_RequiresOwner(t *testing.T) {
	if _, err := New(auth.Identity{}, KindChat, newRecorder()); !errors.Is(err, ErrMissingOwner) {
		t.Fatalf("want ErrMissingOwner, got %v", err)
	}
	if _, err := New(auth.Anonymous, KindChat, newRecorder()); err != nil {
		t.Fatalf("anonymous owner must be allowed: %v", err)
	}
}

func TestRemove_Idempotent(t *testing.T) {
	r := NewRegistry()
	s := mustSession(t, KindChat, newRecorder())
	id, _ := r.Register(s)

	if !r.Remove(id) {
		t.Fatalf("first remove should report true")
	}
	if r.Remove(id) {
		t.Fatalf("second remove should report false")
	}
	if r.Len() != 0 {
		t.Fatalf("want empty registry")
	}
	if s.State() != StateClosed {
		t.Fatalf("want closed, got %s", s.State())
	}
	select {
	case <-s.Closed():
	default:
		t.Fatalf("Closed channel not closed")
	}
	if err := s.Enqueue(Message{Data: []byte("late")}); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("want ErrSessionClosed after remove, got %v", err)
	}
}

func TestRemove_ConcurrentClosesOnce(t *testing.T) {
	r := NewRegistry()
	id, _ := r.Register(mustSession(t, KindChat, newRecorder()))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if r.Remove(id) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if wins != 1 {
		t.Fatalf("want exactly one successful remove, got %d", wins)
	}
}

func TestSnapshot_InsertionOrderAndCopy(t *testing.T) {
	r := NewRegistry()
	var ids []string
	for i := 0; i < 5; i++ {
		kind := KindChat
		if i%2 == 1 {
			kind = KindTaskNotifications
		}
		id, _ := r.Register(mustSession(t, kind, newRecorder()))
		ids = append(ids, id)
	}
	snap := r.Snapshot(func(s *Session) bool { return s.Kind() == KindChat })
	if len(snap) != 3 {
		t.Fatalf("want 3 chat sessions, got %d", len(snap))
	}
	want := []string{ids[0], ids[2], ids[4]}
	for i, s := range snap {
		if s.ID() != want[i] {
			t.Fatalf("snapshot order: want %v, got %s at %d", want, s.ID(), i)
		}
	}

	r.Remove(ids[0])
	if len(snap) != 3 {
		t.Fatalf("snapshot must not change after remove")
	}
	if len(r.Snapshot(nil)) != 4 {
		t.Fatalf("want 4 after remove")
	}
}

func TestServe_FIFO(t *testing.T) {
	rec := newRecorder()
	s := mustSession(t, KindChat, rec)
	r := NewRegistry()

	for _, m := range []string{"a", "b", "c"} {
		if err := s.Enqueue(Message{Data: []byte(m)}); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Attach(ctx, s) }()

	waitFor(t, func() bool { return len(rec.frames()) == 3 })
	_ = s.Enqueue(Message{Data: []byte("d")})
	waitFor(t, func() bool { return len(rec.frames()) == 4 })

	got := rec.frames()
	for i, want := range []string{"a", "b", "c", "d"} {
		if got[i] != want {
			t.Fatalf("frame %d: want %s, got %s", i, want, got[i])
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled, got %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Attach must remove the session when Serve returns")
	}
	if reason, _ := s.Reason(); reason != ReasonCancel {
		t.Fatalf("want cancel reason, got %s", reason)
	}
}

func TestServe_WriteFailureFinishesWithError(t *testing.T) {
	rec := newRecorder()
	rec.fail = errors.New("broken pipe")
	s := mustSession(t, KindChat, rec)
	r := NewRegistry()
	id, _ := r.Register(s)

	_ = s.Enqueue(Message{Data: []byte("x")})
	err := s.Serve(context.Background())
	if err == nil || err.Error() != "broken pipe" {
		t.Fatalf("want write error, got %v", err)
	}
	if s.State() != StateClosing {
		t.Fatalf("want closing before removal, got %s", s.State())
	}
	r.Remove(id)
	if s.State() != StateClosed {
		t.Fatalf("want closed after removal")
	}
}

func TestServe_ReturnsWhenRemoved(t *testing.T) {
	s := mustSession(t, KindChat, newRecorder())
	r := NewRegistry()
	id, _ := r.Register(s)

	done := make(chan error, 1)
	go func() { done <- s.Serve(context.Background()) }()
	r.Remove(id)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("want nil on removal, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Serve did not return after removal")
	}
}

func TestFinish_FirstReasonWins(t *testing.T) {
	s := mustSession(t, KindChat, newRecorder())
	s.Finish(ReasonEnd, nil)
	s.Finish(ReasonError, errors.New("late"))
	if reason, err := s.Reason(); reason != ReasonEnd || err != nil {
		t.Fatalf("got %s %v", reason, err)
	}
	if _, err := NewRegistry().Register(s); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("closing session must not register, got %v", err)
	}
}

func TestEnqueue_Bounded(t *testing.T) {
	s := mustSession(t, KindChat, newRecorder(), WithMaxPending(1))
	if err := s.Enqueue(Message{}); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	if err := s.Enqueue(Message{}); !errors.Is(err, ErrOutboxFull) {
		t.Fatalf("want ErrOutboxFull, got %v", err)
	}
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry()
	var all []*Session
	for i := 0; i < 3; i++ {
		s := mustSession(t, KindTaskStream, newRecorder())
		_, _ = r.Register(s)
		all = append(all, s)
	}
	r.Close()
	if r.Len() != 0 {
		t.Fatalf("want empty registry after Close")
	}
	for _, s := range all {
		if s.State() != StateClosed {
			t.Fatalf("want every session closed")
		}
	}
}

func TestTaskFilter(t *testing.T) {
	yes := true
	if !(TaskFilter{}).Matches(false) || !(TaskFilter{}).Matches(true) {
		t.Fatalf("empty filter must match all")
	}
	f := TaskFilter{Completed: &yes}
	if !f.Matches(true) || f.Matches(false) {
		t.Fatalf("completed filter mismatch")
	}
}
