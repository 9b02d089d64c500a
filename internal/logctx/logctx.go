// Package logctx carries per-request, per-call and per-session data on the
// context and adds it to every record logged with that context.
package logctx

import (
	"context"
	"log/slog"
)

// Handler decorates records with the req, call and sess groups found on
// the context.
type Handler struct {
	slog.Handler
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	for _, key := range []any{requestKey{}, callKey{}, sessionKey{}} {
		if g, ok := ctx.Value(key).(grouper); ok {
			r.AddAttrs(g.group())
		}
	}
	return h.Handler.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{Handler: h.Handler.WithGroup(name)}
}

type grouper interface {
	group() slog.Attr
}

type (
	requestKey struct{}
	callKey    struct{}
	sessionKey struct{}
)

// RequestData describes the inbound HTTP request.
type RequestData struct {
	RequestID  string
	Method     string
	UserAgent  string
	RemoteAddr string
	Path       string
}

func (d *RequestData) group() slog.Attr {
	return slog.Group("req",
		slog.String("id", d.RequestID),
		slog.String("method", d.Method),
		slog.String("path", d.Path),
		slog.String("remote_addr", d.RemoteAddr),
		slog.String("user_agent", d.UserAgent),
	)
}

func WithRequestData(ctx context.Context, data *RequestData) context.Context {
	return context.WithValue(ctx, requestKey{}, data)
}

// CallData describes the RPC method being served. UserID is filled in once
// the interceptor chain has attached an identity.
type CallData struct {
	Method string
	UserID string
}

func (d *CallData) group() slog.Attr {
	return slog.Group("call", slog.String("method", d.Method), slog.String("user_id", d.UserID))
}

func WithCallData(ctx context.Context, data *CallData) context.Context {
	return context.WithValue(ctx, callKey{}, data)
}

// CallDataFrom returns the CallData on ctx, if any.
func CallDataFrom(ctx context.Context) (*CallData, bool) {
	cd, ok := ctx.Value(callKey{}).(*CallData)
	return cd, ok
}

// SessionData describes the streaming session a goroutine is serving.
type SessionData struct {
	SessionID string
	UserID    string
	Kind      string
}

func (d *SessionData) group() slog.Attr {
	return slog.Group("sess",
		slog.String("id", d.SessionID),
		slog.String("user_id", d.UserID),
		slog.String("kind", d.Kind),
	)
}

func WithSessionData(ctx context.Context, data *SessionData) context.Context {
	return context.WithValue(ctx, sessionKey{}, data)
}
