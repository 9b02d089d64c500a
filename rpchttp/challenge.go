package rpchttp

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/internal/wellknown"
)

const wwwAuthenticateHeader = "WWW-Authenticate"

// WithRealm sets the realm advertised in Bearer challenges. Empty omits it.
func WithRealm(realm string) Option {
	return func(s *Server) { s.realm = strings.TrimSpace(realm) }
}

// WithProtectedResource publishes OAuth protected resource metadata naming
// issuers as the authorization servers for resource, and points Bearer
// challenges at it.
func WithProtectedResource(resource string, issuers ...string) Option {
	return func(s *Server) {
		prm := wellknown.NewProtectedResource(resource, issuers...)
		s.prm = &prm
	}
}

// challenge sets a Bearer challenge (RFC 6750 §3) describing why err
// rejected the call. msg is the caller-facing description.
func (s *Server) challenge(w http.ResponseWriter, err error, msg string) {
	var params [][2]string
	switch {
	case errors.Is(err, auth.ErrMissingCredential):
		// A request without credentials gets no error code.
	case errors.Is(err, auth.ErrMalformedCredential):
		params = append(params, [2]string{"error", "invalid_request"}, [2]string{"error_description", msg})
	default:
		params = append(params, [2]string{"error", "invalid_token"}, [2]string{"error_description", msg})
	}
	w.Header().Set(wwwAuthenticateHeader, bearerChallenge(s.realm, s.resourceMetadataURL(), params))
}

func bearerChallenge(realm, resourceMetadata string, params [][2]string) string {
	esc := strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	var pieces []string
	if realm != "" {
		pieces = append(pieces, fmt.Sprintf(`realm="%s"`, esc.Replace(realm)))
	}
	if resourceMetadata != "" {
		pieces = append(pieces, fmt.Sprintf(`resource_metadata="%s"`, esc.Replace(resourceMetadata)))
	}
	for _, p := range params {
		pieces = append(pieces, fmt.Sprintf(`%s="%s"`, p[0], esc.Replace(p[1])))
	}
	if len(pieces) == 0 {
		return "Bearer"
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

func (s *Server) resourceMetadataURL() string {
	if s.prm == nil {
		return ""
	}
	return strings.TrimSuffix(s.prm.Resource, "/") + wellknown.ProtectedResourcePath
}

func (s *Server) handleProtectedResource(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=3600")
	writeJSON(w, http.StatusOK, s.prm)
}
