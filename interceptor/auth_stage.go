package interceptor

import (
	"context"
	"log/slog"

	"github.com/ggoodman/taskrpc/auth"
)

// AuthStage verifies the authorization metadata of every call whose method
// is not on the skip list. Skip-listed calls continue as auth.Anonymous.
type AuthStage struct {
	verifier *auth.Verifier
	skip     map[string]struct{}
	log      *slog.Logger
}

// AuthOption configures an AuthStage.
type AuthOption func(*AuthStage)

// WithSkipList adds canonical method names that run without credentials.
// Matching is exact; there are no wildcards.
func WithSkipList(methods ...string) AuthOption {
	return func(s *AuthStage) {
		for _, m := range methods {
			s.skip[m] = struct{}{}
		}
	}
}

// WithAuthLogger sets the logger for verification failures.
func WithAuthLogger(l *slog.Logger) AuthOption {
	return func(s *AuthStage) { s.log = l }
}

// NewAuthStage returns an AuthStage backed by v.
func NewAuthStage(v *auth.Verifier, opts ...AuthOption) *AuthStage {
	s := &AuthStage{verifier: v, skip: make(map[string]struct{}), log: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Skips reports whether method is on the skip list.
func (s *AuthStage) Skips(method string) bool {
	_, ok := s.skip[method]
	return ok
}

func (s *AuthStage) Intercept(ctx context.Context, call *Call) Result {
	if s.Skips(call.Method) {
		return ContinueAs(auth.Anonymous)
	}
	id, err := s.verifier.Verify(ctx, call.Metadata("authorization"))
	if err != nil {
		s.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
		return RejectErr(err)
	}
	return ContinueAs(id)
}
