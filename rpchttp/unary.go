package rpchttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/taskrpc/status"
)

// UnaryFunc handles one request/response call.
type UnaryFunc[Req, Resp any] func(ctx context.Context, req *Req) (*Resp, error)

// HandleUnary mounts fn at POST method. The request body is decoded into
// Req; an empty body decodes as the zero value.
func HandleUnary[Req, Resp any](s *Server, method string, fn UnaryFunc[Req, Resp]) {
	s.describe(describeMethod[Req, Resp](method, KindUnary))
	s.router.Post(method, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx, ok := s.intercept(w, r, method)
		if !ok {
			return
		}
		defer func() { s.metrics.Observe(ctx, method, time.Since(start)) }()

		if !checkJSONBody(w, r) {
			return
		}
		if _, _, err := contenttype.GetAcceptableMediaType(r, jsonMediaTypes); err != nil {
			writeHTTPError(w, http.StatusNotAcceptable, status.InvalidArgument, "response is only available as application/json")
			return
		}
		req, err := decodeBody[Req](s, w, r)
		if err != nil {
			s.fail(ctx, w, err)
			return
		}

		var resp *Resp
		err = guard(func() (err error) {
			resp, err = fn(ctx, req)
			return err
		})
		if err != nil {
			s.fail(ctx, w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		s.log.DebugContext(ctx, "rpc.unary.ok", slog.Duration("dur", time.Since(start)))
	})
}

// checkJSONBody rejects bodies that declare a media type other than
// application/json. A missing Content-Type is accepted.
func checkJSONBody(w http.ResponseWriter, r *http.Request) bool {
	if r.Header.Get("Content-Type") == "" {
		return true
	}
	ct, err := contenttype.GetMediaType(r)
	if err != nil || !ct.Matches(jsonMediaType) {
		writeHTTPError(w, http.StatusUnsupportedMediaType, status.InvalidArgument, "content-type must be application/json")
		return false
	}
	return true
}

func decodeBody[Req any](s *Server, w http.ResponseWriter, r *http.Request) (*Req, error) {
	req := new(Req)
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(req); err != nil && !errors.Is(err, io.EOF) {
		return nil, status.Wrap(status.InvalidArgument, err, "request body is not valid JSON")
	}
	return req, nil
}
