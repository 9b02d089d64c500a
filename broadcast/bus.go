package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ggoodman/taskrpc/broker"
)

// EventHandler consumes one domain event payload.
type EventHandler func(ctx context.Context, payload json.RawMessage)

// Bus routes domain events (task changes, chat messages) to the handlers
// that broadcast them to local sessions.
type Bus interface {
	Emit(ctx context.Context, topic string, v any) error
	Handle(topic string, fn EventHandler)
}

type handlers struct {
	mu sync.RWMutex
	m  map[string][]EventHandler
}

func (h *handlers) add(topic string, fn EventHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.m == nil {
		h.m = make(map[string][]EventHandler)
	}
	h.m[topic] = append(h.m[topic], fn)
}

func (h *handlers) dispatch(ctx context.Context, topic string, payload json.RawMessage) int {
	h.mu.RLock()
	fns := h.m[topic]
	h.mu.RUnlock()
	for _, fn := range fns {
		fn(ctx, payload)
	}
	return len(fns)
}

// LocalBus delivers events synchronously to in-process handlers.
type LocalBus struct {
	h handlers
}

// NewLocalBus returns a Bus for single-node deployments.
func NewLocalBus() *LocalBus { return &LocalBus{} }

func (b *LocalBus) Handle(topic string, fn EventHandler) { b.h.add(topic, fn) }

func (b *LocalBus) Emit(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	b.h.dispatch(ctx, topic, payload)
	return nil
}

// relayEnvelope is the wire form of an event on the broker.
type relayEnvelope struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

// Relay is a Bus backed by a broker.Broker. Emit publishes to the broker
// and Run feeds every published event, including this node's own, into the
// local handlers, so all nodes broadcast in broker order.
type Relay struct {
	b         broker.Broker
	namespace string
	log       *slog.Logger
	h         handlers
}

// RelayOption configures a Relay.
type RelayOption func(*Relay)

// WithNamespace sets the broker namespace. Defaults to "events".
func WithNamespace(ns string) RelayOption { return func(r *Relay) { r.namespace = ns } }

// WithRelayLogger sets the relay logger.
func WithRelayLogger(l *slog.Logger) RelayOption { return func(r *Relay) { r.log = l } }

// NewRelay returns a Relay over b.
func NewRelay(b broker.Broker, opts ...RelayOption) *Relay {
	r := &Relay{b: b, namespace: "events", log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func (r *Relay) Handle(topic string, fn EventHandler) { r.h.add(topic, fn) }

func (r *Relay) Emit(ctx context.Context, topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", topic, err)
	}
	data, err := json.Marshal(relayEnvelope{Topic: topic, Payload: payload})
	if err != nil {
		return fmt.Errorf("encode relay envelope: %w", err)
	}
	if _, err := r.b.Publish(ctx, r.namespace, data); err != nil {
		return fmt.Errorf("relay publish: %w", err)
	}
	return nil
}

// Run consumes the broker namespace until ctx ends. Undecodable messages
// are logged and skipped.
func (r *Relay) Run(ctx context.Context) error {
	err := r.b.Subscribe(ctx, r.namespace, "", func(ctx context.Context, env broker.MessageEnvelope) error {
		var ev relayEnvelope
		if err := json.Unmarshal(env.Data, &ev); err != nil {
			r.log.WarnContext(ctx, "relay.decode.fail", slog.String("event_id", env.ID), slog.String("err", err.Error()))
			return nil
		}
		if n := r.h.dispatch(ctx, ev.Topic, ev.Payload); n == 0 {
			r.log.DebugContext(ctx, "relay.unhandled", slog.String("topic", ev.Topic))
		}
		return nil
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var (
	_ Bus = (*LocalBus)(nil)
	_ Bus = (*Relay)(nil)
)
