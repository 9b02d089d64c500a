// Package wellknown holds the discovery documents served under
// /.well-known/.
package wellknown

// ProtectedResourcePath is where ProtectedResourceMetadata is served.
const ProtectedResourcePath = "/.well-known/oauth-protected-resource"

// ProtectedResourceMetadata tells clients which authorization servers
// issue tokens this server accepts (RFC 9728).
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	JwksURI                string   `json:"jwks_uri,omitempty"`
	ScopesSupported        []string `json:"scopes_supported,omitempty"`
	BearerMethodsSupported []string `json:"bearer_methods_supported,omitempty"`
	ResourceName           string   `json:"resource_name,omitempty"`
	ResourceDocumentation  string   `json:"resource_documentation,omitempty"`
}

// NewProtectedResource describes resource, reachable with bearer tokens in
// the Authorization header issued by any of issuers.
func NewProtectedResource(resource string, issuers ...string) ProtectedResourceMetadata {
	return ProtectedResourceMetadata{
		Resource:               resource,
		AuthorizationServers:   append([]string(nil), issuers...),
		BearerMethodsSupported: []string{"header"},
	}
}
