package rpchttp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/taskrpc/sessions"
	"github.com/ggoodman/taskrpc/status"
)

// StreamFunc handles a server stream. It writes frames through out and
// returns when the stream is over.
type StreamFunc[Req any] func(ctx context.Context, req *Req, out sessions.Sender) error

// EventError is the SSE event name of a terminal error frame.
const EventError = "error"

// HandleServerStream mounts fn at POST method, answered as
// text/event-stream. Frame documents the event payload type. Errors before the stream starts are ordinary JSON
// error responses; errors after it starts end the stream with an "error"
// event carrying an ErrorBody.
func HandleServerStream[Req, Frame any](s *Server, method string, fn StreamFunc[Req]) {
	s.describe(describeMethod[Req, Frame](method, KindServerStream))
	s.router.Post(method, func(w http.ResponseWriter, r *http.Request) {
		ctx, ok := s.intercept(w, r, method)
		if !ok {
			return
		}
		if !checkJSONBody(w, r) {
			return
		}
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeHTTPError(w, http.StatusNotAcceptable, status.InvalidArgument, "streams are only available as text/event-stream")
			return
		}
		f, ok := w.(http.Flusher)
		if !ok {
			s.log.ErrorContext(ctx, "sse.flusher.missing")
			writeError(w, status.Internal, "streaming unsupported")
			return
		}
		req, err := decodeBody[Req](s, w, r)
		if err != nil {
			s.fail(ctx, w, err)
			return
		}

		wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}
		w.Header().Set("Content-Type", eventStreamMediaType.String())
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		w.WriteHeader(http.StatusOK)
		wf.Flush()
		s.log.InfoContext(ctx, "sse.stream.start")

		err = guard(func() error {
			return fn(ctx, req, sessions.SenderFunc(func(ctx context.Context, msg sessions.Message) error {
				return writeSSEEvent(wf, msg.Event, msg.Data)
			}))
		})
		if err != nil {
			se := s.classify(ctx, err)
			body, _ := json.Marshal(ErrorBody{Error: ErrorDetail{Code: se.Kind, Message: se.Message}})
			_ = writeSSEEvent(wf, EventError, body)
			return
		}
		s.log.InfoContext(ctx, "sse.stream.end")
	})
}

// lockedWriteFlusher serializes writes and flushes and refuses to write
// once ctx is done.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.ctx.Err(); err != nil {
		return 0, err
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// writeSSEEvent writes one event and flushes. payload must not contain
// newlines, which holds for encoding/json output.
func writeSSEEvent(wf *lockedWriteFlusher, event string, payload []byte) error {
	if event != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", event); err != nil {
			return fmt.Errorf("write SSE event name: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}
