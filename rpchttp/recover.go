package rpchttp

import (
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"

	"github.com/ggoodman/taskrpc/status"
)

// guard runs fn and turns a panic into an Internal error, so the caller
// reports it the same way as any other handler failure.
func guard(fn func() error) (err error) {
	defer func() {
		if rv := recover(); rv != nil {
			if rv == http.ErrAbortHandler {
				panic(rv)
			}
			err = status.Wrap(status.Internal, fmt.Errorf("handler panic: %v\n%s", rv, debug.Stack()), "internal server error")
		}
	}()
	return fn()
}

// recoverer catches panics raised outside guarded handler code. Those all
// happen before a response has started, so a JSON Internal error is
// written.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rv := recover(); rv != nil {
				if rv == http.ErrAbortHandler {
					panic(rv)
				}
				s.log.ErrorContext(r.Context(), "rpc.panic",
					slog.String("err", fmt.Sprint(rv)),
					slog.String("stack", string(debug.Stack())),
				)
				writeError(w, status.Internal, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
