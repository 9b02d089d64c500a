package rpchttp

import (
	"encoding/json"
	"net/http"

	"github.com/elnormous/contenttype"

	"github.com/ggoodman/taskrpc/status"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	jsonMediaTypes        = []contenttype.MediaType{jsonMediaType}
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// ErrorBody is the JSON body of every failed call:
//
//	{"error":{"code":"UNAUTHENTICATED","message":"authentication token required"}}
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the wire code and caller-facing message.
type ErrorDetail struct {
	Code    status.Kind `json:"code"`
	Message string      `json:"message"`
}

func writeError(w http.ResponseWriter, kind status.Kind, msg string) {
	writeHTTPError(w, kind.HTTPStatus(), kind, msg)
}

// writeHTTPError is for transport-level rejections whose HTTP status is not
// implied by the kind, such as 415.
func writeHTTPError(w http.ResponseWriter, code int, kind status.Kind, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(ErrorBody{Error: ErrorDetail{Code: kind, Message: msg}})
}
