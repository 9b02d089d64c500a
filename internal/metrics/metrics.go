// Package metrics holds the OpenTelemetry instruments recorded by the
// session registry, the broadcast dispatcher and the interceptor chain.
package metrics

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

const instrumentationName = "github.com/ggoodman/taskrpc"

// Metrics holds all taskrpc instruments. A nil *Metrics records nothing.
type Metrics struct {
	SessionsActive    metric.Int64UpDownCounter
	BroadcastDelivers metric.Int64Counter
	BroadcastFailures metric.Int64Counter
	CallRejections    metric.Int64Counter
	CallDuration      metric.Float64Histogram
}

// New creates all instruments from the given meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.SessionsActive, err = meter.Int64UpDownCounter("taskrpc.sessions.active",
		metric.WithDescription("Number of currently registered streaming sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastDelivers, err = meter.Int64Counter("taskrpc.broadcast.delivered",
		metric.WithDescription("Broadcast messages enqueued to sessions"),
	)
	if err != nil {
		return nil, err
	}

	m.BroadcastFailures, err = meter.Int64Counter("taskrpc.broadcast.failed",
		metric.WithDescription("Broadcast deliveries that failed and evicted a session"),
	)
	if err != nil {
		return nil, err
	}

	m.CallRejections, err = meter.Int64Counter("taskrpc.call.rejected",
		metric.WithDescription("Calls rejected by the interceptor chain"),
	)
	if err != nil {
		return nil, err
	}

	m.CallDuration, err = meter.Float64Histogram("taskrpc.call.duration",
		metric.WithDescription("Unary call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// Global builds instruments from the globally registered meter provider,
// which is a no-op unless the host installs an SDK.
func Global() *Metrics {
	m, err := New(otel.Meter(instrumentationName))
	if err != nil {
		m, _ = New(noop.NewMeterProvider().Meter(instrumentationName))
	}
	return m
}

func (m *Metrics) SessionOpened(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) SessionClosed(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.SessionsActive.Add(ctx, -1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) Broadcast(ctx context.Context, delivered, failed int) {
	if m == nil {
		return
	}
	if delivered > 0 {
		m.BroadcastDelivers.Add(ctx, int64(delivered))
	}
	if failed > 0 {
		m.BroadcastFailures.Add(ctx, int64(failed))
	}
}

func (m *Metrics) Rejected(ctx context.Context, method, kind string) {
	if m == nil {
		return
	}
	m.CallRejections.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("code", kind),
	))
}

func (m *Metrics) Observe(ctx context.Context, method string, d time.Duration) {
	if m == nil {
		return
	}
	m.CallDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("method", method)))
}
