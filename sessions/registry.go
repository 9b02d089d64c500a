package sessions

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"

	"github.com/ggoodman/taskrpc/internal/logctx"
	"github.com/ggoodman/taskrpc/internal/metrics"
	"github.com/google/uuid"
)

// ErrAlreadyRegistered is returned when a session is registered twice.
var ErrAlreadyRegistered = errors.New("session already registered")

// Registry tracks the live streaming sessions of this process.
type Registry struct {
	mu   sync.RWMutex
	byID map[string]*Session
	seq  uint64

	log     *slog.Logger
	metrics *metrics.Metrics
	newID   func() string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the registry logger.
func WithLogger(l *slog.Logger) RegistryOption { return func(r *Registry) { r.log = l } }

// WithMetrics records session gauges on m.
func WithMetrics(m *metrics.Metrics) RegistryOption { return func(r *Registry) { r.metrics = m } }

// NewRegistry returns an empty Registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byID:  make(map[string]*Session),
		log:   slog.Default(),
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register assigns s a fresh id and makes it visible to Snapshot.
func (r *Registry) Register(s *Session) (string, error) {
	if s.State() != StateOpen {
		return "", ErrSessionClosed
	}

	r.mu.Lock()
	s.mu.Lock()
	if s.id != "" {
		s.mu.Unlock()
		r.mu.Unlock()
		return "", ErrAlreadyRegistered
	}
	id := r.newID()
	for _, taken := r.byID[id]; taken; _, taken = r.byID[id] {
		id = r.newID()
	}
	r.seq++
	s.id = id
	s.seq = r.seq
	s.mu.Unlock()
	r.byID[id] = s
	r.mu.Unlock()

	ctx := context.Background()
	r.metrics.SessionOpened(ctx, s.kind.String())
	r.log.InfoContext(ctx, "session.register",
		slog.String("session_id", id),
		slog.String("user_id", s.owner.SubjectID),
		slog.String("kind", s.kind.String()),
	)
	return id, nil
}

// Remove deletes the session and closes it. It is idempotent: only the
// first call for an id returns true.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	s, ok := r.byID[id]
	if ok {
		delete(r.byID, id)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}

	s.close()
	reason, err := s.Reason()
	attrs := []any{
		slog.String("session_id", id),
		slog.String("user_id", s.owner.SubjectID),
		slog.String("kind", s.kind.String()),
		slog.String("reason", reason.String()),
	}
	if err != nil {
		attrs = append(attrs, slog.String("err", err.Error()))
	}
	ctx := context.Background()
	r.metrics.SessionClosed(ctx, s.kind.String())
	r.log.InfoContext(ctx, "session.remove", attrs...)
	return true
}

// Get returns the session registered under id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byID[id]
	return s, ok
}

// Snapshot returns the sessions matching pred in registration order. A nil
// pred matches all. The result is a copy; later registry changes do not
// affect it.
func (r *Registry) Snapshot(pred func(*Session) bool) []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		if pred == nil || pred(s) {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	slices.SortFunc(out, func(a, b *Session) int {
		switch {
		case a.seq < b.seq:
			return -1
		case a.seq > b.seq:
			return 1
		}
		return 0
	})
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// Attach registers s, serves its outbox until it ends or ctx is done, and
// then removes it. Frames enqueued before Attach are written first.
func (r *Registry) Attach(ctx context.Context, s *Session) error {
	id, err := r.Register(s)
	if err != nil {
		return err
	}
	defer r.Remove(id)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: id,
		UserID:    s.owner.SubjectID,
		Kind:      s.kind.String(),
	})
	return s.Serve(ctx)
}

// Close removes every registered session.
func (r *Registry) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}
}
