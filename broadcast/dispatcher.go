// Package broadcast fans events out to the streaming sessions held in a
// sessions.Registry.
package broadcast

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ggoodman/taskrpc/internal/metrics"
	"github.com/ggoodman/taskrpc/sessions"
)

// Predicate selects target sessions.
type Predicate func(*sessions.Session) bool

// Encoder renders the event for one session.
type Encoder func(*sessions.Session) (sessions.Message, error)

// Static returns an Encoder that sends msg to every session.
func Static(msg sessions.Message) Encoder {
	return func(*sessions.Session) (sessions.Message, error) { return msg, nil }
}

// Failure describes one session that could not be reached.
type Failure struct {
	SessionID string
	Err       error

	session *sessions.Session
}

// Report summarizes one Broadcast call.
type Report struct {
	Matched   int
	Delivered int
	Failed    []Failure
}

// Dispatcher delivers events to registry sessions.
type Dispatcher struct {
	reg     *sessions.Registry
	log     *slog.Logger
	metrics *metrics.Metrics

	// mu serializes enqueues so per-session order follows call order. It is
	// never held across a transport write.
	mu sync.Mutex
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

func WithLogger(l *slog.Logger) Option      { return func(d *Dispatcher) { d.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// NewDispatcher returns a Dispatcher over reg.
func NewDispatcher(reg *sessions.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{reg: reg, log: slog.Default()}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Registry returns the registry the dispatcher reads from.
func (d *Dispatcher) Registry() *sessions.Registry { return d.reg }

// Broadcast encodes and enqueues an event for every session matching pred.
// A failure for one session is logged, reported and evicts that session;
// it never affects the others and is never returned to the caller.
func (d *Dispatcher) Broadcast(ctx context.Context, pred Predicate, encode Encoder) Report {
	var rep Report

	d.mu.Lock()
	targets := d.reg.Snapshot(pred)
	rep.Matched = len(targets)
	for _, s := range targets {
		msg, err := encode(s)
		if err == nil {
			err = s.Enqueue(msg)
		}
		if err != nil {
			rep.Failed = append(rep.Failed, Failure{SessionID: s.ID(), Err: err, session: s})
			continue
		}
		rep.Delivered++
	}
	d.mu.Unlock()

	for _, f := range rep.Failed {
		d.log.WarnContext(ctx, "broadcast.deliver.fail",
			slog.String("session_id", f.SessionID),
			slog.String("err", f.Err.Error()),
		)
		// Finish first so the eviction is recorded as an error rather than
		// the clean end Remove would otherwise apply.
		f.session.Finish(sessions.ReasonError, f.Err)
		d.reg.Remove(f.SessionID)
	}
	d.metrics.Broadcast(ctx, rep.Delivered, len(rep.Failed))
	return rep
}
