package sessions

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ggoodman/taskrpc/auth"
)

var (
	// ErrSessionClosed is returned by Enqueue once a session has left Open.
	ErrSessionClosed = errors.New("session closed")
	// ErrOutboxFull is returned by Enqueue when a bounded outbox is full.
	ErrOutboxFull = errors.New("session outbox full")
	// ErrMissingOwner is returned by New when the owner identity is empty.
	ErrMissingOwner = errors.New("session owner is required")
)

// Kind identifies what a session receives.
type Kind int

const (
	KindChat Kind = iota + 1
	KindTaskStream
	KindTaskNotifications
)

func (k Kind) String() string {
	switch k {
	case KindChat:
		return "chat"
	case KindTaskStream:
		return "task_stream"
	case KindTaskNotifications:
		return "task_notifications"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TaskFilter narrows what a task stream session receives. A nil Completed
// matches every task.
type TaskFilter struct {
	Completed *bool
}

// Matches reports whether a task with the given completion state passes.
func (f TaskFilter) Matches(completed bool) bool {
	return f.Completed == nil || *f.Completed == completed
}

// State is the lifecycle position of a session.
type State int

const (
	StateOpen State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseReason records why a session left Open.
type CloseReason int

const (
	ReasonNone CloseReason = iota
	// ReasonEnd means the peer ended the stream cleanly.
	ReasonEnd
	// ReasonCancel means the call context was cancelled.
	ReasonCancel
	// ReasonError means a read or write failed.
	ReasonError
)

func (r CloseReason) String() string {
	switch r {
	case ReasonEnd:
		return "end"
	case ReasonCancel:
		return "cancel"
	case ReasonError:
		return "error"
	default:
		return "none"
	}
}

// Message is one outbound frame.
type Message struct {
	// Event is an optional event name (SSE "event:" field).
	Event string
	Data  []byte
}

// Sender writes frames to the peer. A Sender is owned by exactly one
// session and is only ever called from that session's Serve loop.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, msg Message) error

func (f SenderFunc) Send(ctx context.Context, msg Message) error { return f(ctx, msg) }

// Session is one long-lived streaming call. Outbound frames are queued with
// Enqueue and written in FIFO order by Serve.
type Session struct {
	owner  auth.Identity
	kind   Kind
	filter TaskFilter
	sender Sender
	max    int

	mu      sync.Mutex
	id      string
	seq     uint64
	queue   []Message
	state   State
	reason  CloseReason
	err     error
	notify  chan struct{}
	closing chan struct{}
	closed  chan struct{}
	once    sync.Once
}

// Option configures a Session.
type Option func(*Session)

// WithTaskFilter sets the filter used by task stream predicates.
func WithTaskFilter(f TaskFilter) Option { return func(s *Session) { s.filter = f } }

// WithMaxPending bounds the outbox. Zero (the default) means unbounded.
func WithMaxPending(n int) Option { return func(s *Session) { s.max = n } }

// New returns an Open session owned by owner. The owner must be non-empty;
// the anonymous placeholder is allowed.
func New(owner auth.Identity, kind Kind, sender Sender, opts ...Option) (*Session, error) {
	if owner.IsZero() {
		return nil, ErrMissingOwner
	}
	if sender == nil {
		return nil, errors.New("session sender is required")
	}
	s := &Session{
		owner:   owner,
		kind:    kind,
		sender:  sender,
		notify:  make(chan struct{}, 1),
		closing: make(chan struct{}),
		closed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// ID returns the registry-assigned id, or "" before registration.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

func (s *Session) Owner() auth.Identity { return s.owner }
func (s *Session) Kind() Kind           { return s.kind }
func (s *Session) Filter() TaskFilter   { return s.filter }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Reason returns why the session left Open, and the associated error.
func (s *Session) Reason() (CloseReason, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason, s.err
}

// Pending returns the number of queued, unwritten frames.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// Closed is closed once the registry has removed the session.
func (s *Session) Closed() <-chan struct{} { return s.closed }

// Enqueue appends msg to the outbox. It never blocks on the transport.
func (s *Session) Enqueue(msg Message) error {
	s.mu.Lock()
	if s.state != StateOpen {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.max > 0 && len(s.queue) >= s.max {
		s.mu.Unlock()
		return ErrOutboxFull
	}
	s.queue = append(s.queue, msg)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return nil
}

// Finish moves the session from Open to Closing. Only the first call has an
// effect; later calls keep the original reason.
func (s *Session) Finish(reason CloseReason, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateOpen {
		return
	}
	s.state = StateClosing
	s.reason = reason
	s.err = err
	s.queue = nil
	close(s.closing)
}

// close moves the session to Closed. Called by Registry.Remove only.
func (s *Session) close() {
	s.once.Do(func() {
		s.Finish(ReasonEnd, nil)
		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
		close(s.closed)
	})
}

// Serve writes queued frames to the Sender until the session leaves Open or
// ctx ends. It is the only caller of the Sender. A write failure finishes
// the session with ReasonError and is returned; context cancellation
// finishes it with ReasonCancel.
func (s *Session) Serve(ctx context.Context) error {
	for {
		s.mu.Lock()
		if s.state != StateOpen {
			err := s.err
			s.mu.Unlock()
			return err
		}
		if len(s.queue) > 0 {
			msg := s.queue[0]
			s.queue[0] = Message{}
			s.queue = s.queue[1:]
			s.mu.Unlock()

			if err := s.sender.Send(ctx, msg); err != nil {
				s.Finish(ReasonError, err)
				return err
			}
			continue
		}
		s.mu.Unlock()

		select {
		case <-s.notify:
		case <-s.closing:
		case <-ctx.Done():
			s.Finish(ReasonCancel, ctx.Err())
			return ctx.Err()
		}
	}
}
