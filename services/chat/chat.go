// Package chat implements chat.ChatService, a room where every message is
// delivered to every connected participant, the sender included.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/broadcast"
	"github.com/ggoodman/taskrpc/interceptor"
	"github.com/ggoodman/taskrpc/internal/logctx"
	"github.com/ggoodman/taskrpc/sessions"
)

const MethodChat = "/chat.ChatService/Chat"

// TopicMessage is the bus topic carrying chat messages.
const TopicMessage = "chat.message"

// EventMessage is the frame event name for chat messages.
const EventMessage = "message"

// Message is a chat message. ID and Timestamp are filled in when the
// client omits them; UserID and Username always come from the caller.
type Message struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	Username  string `json:"username"`
	Text      string `json:"text"`
	Timestamp int64  `json:"timestamp"`
}

// Receiver yields inbound client messages. Recv returns io.EOF when the
// client ends its side of the stream. Chat may return while a Recv is still
// blocked; the caller unblocks it by closing the underlying connection.
type Receiver interface {
	Recv(ctx context.Context) (*Message, error)
}

// Service implements the chat room.
type Service struct {
	bus      broadcast.Bus
	dispatch *broadcast.Dispatcher
	log      *slog.Logger
	now      func() time.Time
	sessOpts []sessions.Option
}

// Option configures a Service.
type Option func(*Service)

func WithLogger(l *slog.Logger) Option { return func(s *Service) { s.log = l } }

// WithSessionOptions applies opts to every chat session.
func WithSessionOptions(opts ...sessions.Option) Option {
	return func(s *Service) { s.sessOpts = append(s.sessOpts, opts...) }
}

// New returns a Service publishing on bus and delivering through d.
func New(bus broadcast.Bus, d *broadcast.Dispatcher, opts ...Option) *Service {
	s := &Service{bus: bus, dispatch: d, log: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	bus.Handle(TopicMessage, s.deliver)
	return s
}

// Chat joins the caller to the room until the client ends the stream, ctx
// ends, or the session is removed. Callers without an authenticated
// identity join as the anonymous placeholder.
func (s *Service) Chat(ctx context.Context, in Receiver, out sessions.Sender) error {
	who, ok := interceptor.IdentityFromContext(ctx)
	if !ok || who.IsZero() {
		who = auth.Anonymous
	}
	sess, err := sessions.New(who, sessions.KindChat, out, s.sessOpts...)
	if err != nil {
		return err
	}
	reg := s.dispatch.Registry()
	id, err := reg.Register(sess)
	if err != nil {
		return err
	}
	defer reg.Remove(id)

	ctx, cancel := context.WithCancel(logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: id,
		UserID:    who.SubjectID,
		Kind:      sess.Kind().String(),
	}))
	defer cancel()

	served := make(chan error, 1)
	go func() { served <- sess.Serve(ctx) }()

	received := make(chan error, 1)
	go func() { received <- s.pump(ctx, sess, in) }()

	select {
	case err := <-served:
		return ended(err)
	case err := <-received:
		switch {
		case err == nil || errors.Is(err, io.EOF):
			sess.Finish(sessions.ReasonEnd, nil)
		case errors.Is(err, context.Canceled):
			sess.Finish(sessions.ReasonCancel, err)
		default:
			sess.Finish(sessions.ReasonError, err)
		}
		<-served
		if errors.Is(err, io.EOF) {
			return nil
		}
		return ended(err)
	}
}

func (s *Service) pump(ctx context.Context, sess *sessions.Session, in Receiver) error {
	who := sess.Owner()
	for {
		msg, err := in.Recv(ctx)
		if err != nil {
			return err
		}
		if msg.ID == "" {
			msg.ID = uuid.NewString()
		}
		if msg.Timestamp == 0 {
			msg.Timestamp = s.now().Unix()
		}
		msg.UserID = who.SubjectID
		msg.Username = who.Username

		if err := s.bus.Emit(ctx, TopicMessage, msg); err != nil {
			s.log.ErrorContext(ctx, "chat.emit.fail",
				slog.String("message_id", msg.ID),
				slog.String("err", err.Error()),
			)
		}
	}
}

func (s *Service) deliver(ctx context.Context, payload json.RawMessage) {
	var msg Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		s.log.WarnContext(ctx, "chat.event.decode.fail", slog.String("err", err.Error()))
		return
	}
	s.dispatch.Broadcast(ctx, broadcast.ChatRoom(), broadcast.Static(sessions.Message{
		Event: EventMessage,
		Data:  payload,
	}))
}

func ended(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
