// Package interceptor runs an ordered list of stages ahead of every RPC
// handler. Each stage either lets the call continue (optionally attaching
// an identity) or rejects it with a classified status. The first rejection
// stops the chain.
package interceptor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ggoodman/taskrpc/auth"
	"github.com/ggoodman/taskrpc/internal/logctx"
	"github.com/ggoodman/taskrpc/internal/metrics"
	"github.com/ggoodman/taskrpc/status"
)

// Call describes an inbound call as seen by the chain.
type Call struct {
	// Method is the canonical method name, e.g. "/tasks.TaskService/GetTasks".
	Method string
	// Header is the call metadata. Lookups are case-insensitive.
	Header http.Header
}

// Metadata returns the first value for key, matched case-insensitively.
func (c *Call) Metadata(key string) string {
	if c == nil || c.Header == nil {
		return ""
	}
	return c.Header.Get(key)
}

type resultKind int

const (
	continueResult resultKind = iota
	rejectResult
)

// Result is the outcome of a stage: Continue or Reject.
type Result struct {
	kind     resultKind
	identity *auth.Identity
	code     status.Kind
	message  string
	cause    error
	// classify marks a rejection whose kind is derived from cause by the
	// chain's classifier.
	classify bool
}

// Continue lets the call proceed without changing its identity.
func Continue() Result { return Result{kind: continueResult} }

// ContinueAs lets the call proceed and attaches id.
func ContinueAs(id auth.Identity) Result {
	return Result{kind: continueResult, identity: &id}
}

// Reject stops the call with the given kind and message.
func Reject(kind status.Kind, message string) Result {
	return Result{kind: rejectResult, code: kind, message: message}
}

// RejectErr stops the call with err's classified kind and message. The
// Chain classifies err with its own Classifier; outside a chain
// status.Default is used.
func RejectErr(err error) Result {
	return Result{kind: rejectResult, cause: err, classify: true}
}

func (r Result) resolve(c *status.Classifier) Result {
	if !r.classify {
		return r
	}
	kind, msg := c.Classify(r.cause)
	if kind == status.OK {
		kind, msg = status.Internal, "internal server error"
	}
	r.code, r.message, r.classify = kind, msg, false
	return r
}

// Rejected reports whether the call was rejected.
func (r Result) Rejected() bool { return r.kind == rejectResult }

// Identity returns the identity attached by the stage, if any.
func (r Result) Identity() (auth.Identity, bool) {
	if r.identity == nil {
		return auth.Identity{}, false
	}
	return *r.identity, true
}

// Status returns the rejection kind and message. It is OK for Continue.
func (r Result) Status() (status.Kind, string) {
	if r.kind != rejectResult {
		return status.OK, ""
	}
	r = r.resolve(status.Default)
	return r.code, r.message
}

// Err returns the rejection as a *status.Error, or nil for Continue.
func (r Result) Err() error {
	if r.kind != rejectResult {
		return nil
	}
	r = r.resolve(status.Default)
	return &status.Error{Kind: r.code, Message: r.message, Err: r.cause}
}

// Stage inspects a call before the handler runs.
type Stage interface {
	Intercept(ctx context.Context, call *Call) Result
}

// StageFunc adapts a function to Stage.
type StageFunc func(ctx context.Context, call *Call) Result

func (f StageFunc) Intercept(ctx context.Context, call *Call) Result { return f(ctx, call) }

// Chain is an ordered, immutable list of stages built once at startup.
type Chain struct {
	stages     []Stage
	log        *slog.Logger
	metrics    *metrics.Metrics
	classifier *status.Classifier
}

// Option configures a Chain.
type Option func(*Chain)

// WithLogger sets the logger used for rejection records.
func WithLogger(l *slog.Logger) Option { return func(c *Chain) { c.log = l } }

// WithMetrics records rejections on m.
func WithMetrics(m *metrics.Metrics) Option { return func(c *Chain) { c.metrics = m } }

// WithClassifier sets the classifier applied to RejectErr causes.
func WithClassifier(cl *status.Classifier) Option { return func(c *Chain) { c.classifier = cl } }

// NewChain returns a chain running stages in order.
func NewChain(stages []Stage, opts ...Option) *Chain {
	c := &Chain{
		stages:     append([]Stage(nil), stages...),
		log:        slog.Default(),
		classifier: status.Default,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run executes the stages in order and stops at the first rejection. On
// success the returned context carries the identity attached by the last
// stage that produced one. A panicking stage rejects the call as Internal.
func (c *Chain) Run(ctx context.Context, call *Call) (context.Context, Result) {
	for _, stage := range c.stages {
		res := c.runStage(ctx, stage, call)
		if res.Rejected() {
			res = res.resolve(c.classifier)
			kind, msg := res.Status()
			attrs := []any{slog.String("code", kind.String()), slog.String("msg", msg)}
			if res.cause != nil {
				attrs = append(attrs, slog.String("err", res.cause.Error()))
			}
			c.log.InfoContext(ctx, "interceptor.reject", attrs...)
			c.metrics.Rejected(ctx, call.Method, kind.String())
			return ctx, res
		}
		if id, ok := res.Identity(); ok {
			ctx = WithIdentity(ctx, id)
			if cd, ok := logctx.CallDataFrom(ctx); ok {
				cd.UserID = id.SubjectID
			}
		}
	}
	return ctx, Continue()
}

func (c *Chain) runStage(ctx context.Context, stage Stage, call *Call) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			res = Result{
				kind:    rejectResult,
				code:    status.Internal,
				message: "internal server error",
				cause:   fmt.Errorf("interceptor stage panic: %v", r),
			}
		}
	}()
	return stage.Intercept(ctx, call)
}

type identityKey struct{}

// WithIdentity attaches id to ctx.
func WithIdentity(ctx context.Context, id auth.Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, id)
}

// IdentityFromContext returns the identity attached by the chain.
func IdentityFromContext(ctx context.Context) (auth.Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(auth.Identity)
	return id, ok
}
