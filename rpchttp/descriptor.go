package rpchttp

import (
	"net/http"
	"slices"
	"strings"

	"github.com/invopop/jsonschema"
)

const descriptorPath = "/.well-known/rpc-methods"

// MethodKind is the call shape of a method.
type MethodKind string

const (
	KindUnary        MethodKind = "unary"
	KindServerStream MethodKind = "server_stream"
	KindBidiStream   MethodKind = "bidi_stream"
)

// Descriptor documents one mounted method.
type Descriptor struct {
	Method     string             `json:"method"`
	Service    string             `json:"service"`
	Kind       MethodKind         `json:"kind"`
	HTTPMethod string             `json:"http_method"`
	Request    *jsonschema.Schema `json:"request"`
	Response   *jsonschema.Schema `json:"response"`
}

func schemaOf[T any]() *jsonschema.Schema {
	r := &jsonschema.Reflector{
		DoNotReference: true,
		ExpandedStruct: true,
	}
	return r.Reflect(new(T))
}

func describeMethod[Req, Resp any](method string, kind MethodKind) Descriptor {
	d := Descriptor{
		Method:     method,
		Kind:       kind,
		HTTPMethod: http.MethodPost,
		Request:    schemaOf[Req](),
		Response:   schemaOf[Resp](),
	}
	if kind == KindBidiStream {
		d.HTTPMethod = http.MethodGet
	}
	// "/<service>/<method>"
	if svc, _, ok := strings.Cut(strings.TrimPrefix(method, "/"), "/"); ok {
		d.Service = svc
	}
	return d
}

func (s *Server) describe(d Descriptor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods = append(s.methods, d)
}

// Methods returns the descriptors of every mounted method, sorted by path.
func (s *Server) Methods() []Descriptor {
	s.mu.RLock()
	out := slices.Clone(s.methods)
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b Descriptor) int { return strings.Compare(a.Method, b.Method) })
	return out
}

func (s *Server) handleDescriptors(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"methods": s.Methods()})
}
