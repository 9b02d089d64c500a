package rpchttp

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/ggoodman/taskrpc/interceptor"
	"github.com/ggoodman/taskrpc/internal/logctx"
	"github.com/ggoodman/taskrpc/internal/metrics"
	"github.com/ggoodman/taskrpc/internal/wellknown"
	"github.com/ggoodman/taskrpc/sessions"
	"github.com/ggoodman/taskrpc/status"
)

const (
	defaultShutdownTimeout = 10 * time.Second
	defaultMaxBodyBytes    = 1 << 20
)

// Server exposes registered RPC methods over HTTP.
type Server struct {
	router     chi.Router
	chain      *interceptor.Chain
	classifier *status.Classifier
	registry   *sessions.Registry
	log        *slog.Logger
	metrics    *metrics.Metrics
	upgrader   websocket.Upgrader

	shutdownTimeout time.Duration
	maxBody         int64
	pingPeriod      time.Duration
	realm           string
	prm             *wellknown.ProtectedResourceMetadata

	mu      sync.RWMutex
	methods []Descriptor
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server logger.
func WithLogger(l *slog.Logger) Option { return func(s *Server) { s.log = l } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(s *Server) { s.metrics = m } }

// WithClassifier overrides status.Default for handler errors.
func WithClassifier(c *status.Classifier) Option { return func(s *Server) { s.classifier = c } }

// WithShutdownTimeout bounds graceful shutdown. Defaults to 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) { s.shutdownTimeout = d }
}

// WithMaxBodyBytes caps request bodies. Defaults to 1 MiB.
func WithMaxBodyBytes(n int64) Option { return func(s *Server) { s.maxBody = n } }

// WithCheckOrigin sets the WebSocket origin check. The default accepts
// every origin.
func WithCheckOrigin(fn func(r *http.Request) bool) Option {
	return func(s *Server) { s.upgrader.CheckOrigin = fn }
}

// WithPingPeriod sets the WebSocket keepalive interval. Defaults to 30s.
func WithPingPeriod(d time.Duration) Option { return func(s *Server) { s.pingPeriod = d } }

// NewServer returns a Server that runs chain in front of every method and
// drains reg on shutdown.
func NewServer(chain *interceptor.Chain, reg *sessions.Registry, opts ...Option) *Server {
	s := &Server{
		router:          chi.NewRouter(),
		chain:           chain,
		classifier:      status.Default,
		registry:        reg,
		log:             slog.Default(),
		shutdownTimeout: defaultShutdownTimeout,
		maxBody:         defaultMaxBodyBytes,
		pingPeriod:      30 * time.Second,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestData)
	s.router.Use(s.recoverer)

	s.router.Get("/healthz", s.handleHealth)
	s.router.Get(descriptorPath, s.handleDescriptors)
	if s.prm != nil {
		s.router.Get(wellknown.ProtectedResourcePath, s.handleProtectedResource)
	}
	s.router.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, status.NotFound, "unknown method "+r.URL.Path)
	})
	s.router.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeHTTPError(w, http.StatusMethodNotAllowed, status.InvalidArgument, "method not allowed")
	})
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Registry returns the session registry drained on shutdown.
func (s *Server) Registry() *sessions.Registry { return s.registry }

func (s *Server) requestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  middleware.GetReqID(r.Context()),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"sessions": s.registry.Len(),
	})
}

// intercept runs the chain for method. On rejection it writes the error
// response and returns ok=false; the caller must not write anything else.
func (s *Server) intercept(w http.ResponseWriter, r *http.Request, method string) (context.Context, bool) {
	ctx := logctx.WithCallData(r.Context(), &logctx.CallData{Method: method})
	ctx, res := s.chain.Run(ctx, &interceptor.Call{Method: method, Header: r.Header})
	if res.Rejected() {
		kind, msg := res.Status()
		if kind == status.Unauthenticated {
			s.challenge(w, res.Err(), msg)
		}
		writeError(w, kind, msg)
		return ctx, false
	}
	return ctx, true
}

// fail converts a handler error to its wire status and writes it.
func (s *Server) fail(ctx context.Context, w http.ResponseWriter, err error) {
	se := s.classify(ctx, err)
	writeError(w, se.Kind, se.Message)
}

func (s *Server) classify(ctx context.Context, err error) *status.Error {
	se := s.classifier.Convert(err)
	if se.Kind == status.Internal {
		s.log.ErrorContext(ctx, "rpc.handler.fail", slog.String("err", err.Error()))
	} else {
		s.log.InfoContext(ctx, "rpc.handler.reject",
			slog.String("code", se.Kind.String()),
			slog.String("err", err.Error()),
		)
	}
	return se
}

// ListenAndServe serves on addr until ctx ends, then removes every
// streaming session and shuts the HTTP server down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is ListenAndServe on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	hs := &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errc := make(chan error, 1)
	go func() { errc <- hs.Serve(ln) }()
	s.log.InfoContext(ctx, "http.listen", slog.String("addr", ln.Addr().String()))

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.log.InfoContext(ctx, "http.shutdown.start", slog.Int("sessions", s.registry.Len()))
	s.registry.Close()

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()
	if err := hs.Shutdown(sctx); err != nil {
		_ = hs.Close()
		return err
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.log.InfoContext(ctx, "http.shutdown.done")
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
