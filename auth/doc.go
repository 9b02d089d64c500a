// Package auth turns call metadata into an authenticated Identity.
//
// A Verifier parses the authorization header value ("Bearer <token>", scheme
// matched case-insensitively) and delegates the token itself to a
// TokenVerifier. Failures are reported through three sentinels, all of which
// classify as status.Unauthenticated:
//
//   - ErrMissingCredential: no header value
//   - ErrMalformedCredential: not exactly "<scheme> <token>" with scheme bearer
//   - ErrInvalidCredential: the TokenVerifier rejected the token
//
// The rejection reason from the TokenVerifier is wrapped so it can be logged,
// but callers only ever see the sentinel message.
//
// # Token verifiers
//
// NewHMAC returns an authority that both issues and verifies HS256 tokens,
// which is what the account service uses for Login. NewFromDiscovery and
// NewStatic accept RS256 tokens minted by an external authorization server.
//
//	authority, err := auth.NewHMAC(secret, auth.WithIssuerName("taskrpc"))
//	if err != nil { log.Fatal(err) }
//	v := auth.NewVerifier(authority)
//	id, err := v.Verify(ctx, r.Header.Get("Authorization"))
package auth
