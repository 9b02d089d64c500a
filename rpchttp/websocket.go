package rpchttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ggoodman/taskrpc/sessions"
	"github.com/ggoodman/taskrpc/status"
)

const (
	writeWait = 10 * time.Second
	// maxCloseReason is the control frame payload limit minus the close code.
	maxCloseReason = 123
)

// Receiver yields decoded inbound frames of a bidirectional stream. Recv
// returns io.EOF when the client closes normally.
type Receiver[In any] interface {
	Recv(ctx context.Context) (*In, error)
}

// BidiFunc handles a bidirectional stream.
type BidiFunc[In any] func(ctx context.Context, in Receiver[In], out sessions.Sender) error

// HandleBidi mounts fn at GET method as a WebSocket endpoint. Each inbound
// text frame is one JSON-encoded In; each outbound frame is the Data of one
// sessions.Message, documented as Out. The interceptor chain runs before the upgrade, so a
// rejected call gets an ordinary JSON error response.
func HandleBidi[In, Out any](s *Server, method string, fn BidiFunc[In]) {
	s.describe(describeMethod[In, Out](method, KindBidiStream))
	s.router.Get(method, func(w http.ResponseWriter, r *http.Request) {
		ctx, ok := s.intercept(w, r, method)
		if !ok {
			return
		}
		if !websocket.IsWebSocketUpgrade(r) {
			writeError(w, status.InvalidArgument, "websocket upgrade required")
			return
		}
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already written an HTTP error.
			s.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
			return
		}
		defer conn.Close()
		s.log.InfoContext(ctx, "ws.stream.start")

		ws := &wsConn[In]{conn: conn, log: s.log, idle: s.pingPeriod * 2}
		conn.SetReadLimit(s.maxBody)
		_ = conn.SetReadDeadline(time.Now().Add(ws.idle))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(ws.idle))
		})

		done := make(chan struct{})
		defer close(done)
		go ws.keepalive(s.pingPeriod, done)

		err = guard(func() error { return fn(ctx, ws, ws) })
		code, reason := websocket.CloseNormalClosure, ""
		if err != nil {
			se := s.classify(ctx, err)
			code, reason = websocket.CloseInternalServerErr, se.Message
			if se.Kind != status.Internal {
				code = websocket.ClosePolicyViolation
			}
			if len(reason) > maxCloseReason {
				reason = reason[:maxCloseReason]
			}
		}
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(writeWait))
		s.log.InfoContext(ctx, "ws.stream.end")
	})
}

// wsConn adapts a websocket connection to Receiver and sessions.Sender.
type wsConn[In any] struct {
	conn *websocket.Conn
	log  *slog.Logger
	// idle is how long the peer may stay silent, pongs included.
	idle time.Duration
	mu   sync.Mutex
}

// Recv blocks on the connection regardless of ctx; closing the connection
// unblocks it.
func (c *wsConn[In]) Recv(ctx context.Context) (*In, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, io.EOF
			}
			return nil, err
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(c.idle))
		if typ != websocket.TextMessage && typ != websocket.BinaryMessage {
			continue
		}
		v := new(In)
		if err := json.Unmarshal(data, v); err != nil {
			c.log.WarnContext(ctx, "ws.decode.fail", slog.String("err", err.Error()))
			continue
		}
		return v, nil
	}
}

func (c *wsConn[In]) Send(ctx context.Context, msg sessions.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, msg.Data)
}

func (c *wsConn[In]) keepalive(period time.Duration, done <-chan struct{}) {
	t := time.NewTicker(period)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
				return
			}
		}
	}
}
