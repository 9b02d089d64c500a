// Package memory provides an in-process broker.Broker. State is local to
// the process, so it only fans out between subscribers of the same node.
package memory

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/ggoodman/taskrpc/broker"
)

// Broker implements broker.Broker with per-namespace history and
// subscriber channels.
type Broker struct {
	mu         sync.Mutex
	namespaces map[string]*namespace
	counter    atomic.Int64
	retain     int
	buffer     int
}

type namespace struct {
	mu          sync.Mutex
	messages    []broker.MessageEnvelope
	subscribers map[*subscription]struct{}
}

type subscription struct {
	ch      chan broker.MessageEnvelope
	dropped chan struct{}
	once    sync.Once
}

func (s *subscription) drop() { s.once.Do(func() { close(s.dropped) }) }

// Option configures a Broker.
type Option func(*Broker)

// WithRetention bounds per-namespace history used for resumption.
func WithRetention(n int) Option { return func(b *Broker) { b.retain = n } }

// WithSubscriberBuffer sets the per-subscriber channel size. A subscriber
// that falls this far behind is dropped and its Subscribe call returns
// ErrSlowSubscriber.
func WithSubscriberBuffer(n int) Option { return func(b *Broker) { b.buffer = n } }

// ErrSlowSubscriber is returned by Subscribe when the subscriber fell behind.
var ErrSlowSubscriber = errors.New("memory broker: subscriber fell behind")

// New creates an empty Broker.
func New(opts ...Option) *Broker {
	b := &Broker{
		namespaces: make(map[string]*namespace),
		retain:     1024,
		buffer:     256,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Broker) ns(name string) *namespace {
	b.mu.Lock()
	defer b.mu.Unlock()
	ns, ok := b.namespaces[name]
	if !ok {
		ns = &namespace{subscribers: make(map[*subscription]struct{})}
		b.namespaces[name] = ns
	}
	return ns
}

func (b *Broker) Publish(ctx context.Context, name string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	env := broker.MessageEnvelope{
		ID:   strconv.FormatInt(b.counter.Add(1), 10),
		Data: append([]byte(nil), data...),
	}

	ns := b.ns(name)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	ns.messages = append(ns.messages, env)
	if b.retain > 0 && len(ns.messages) > b.retain {
		ns.messages = append([]broker.MessageEnvelope(nil), ns.messages[len(ns.messages)-b.retain:]...)
	}
	for sub := range ns.subscribers {
		select {
		case sub.ch <- env:
		default:
			delete(ns.subscribers, sub)
			sub.drop()
		}
	}
	return env.ID, nil
}

func (b *Broker) Subscribe(ctx context.Context, name string, lastEventID string, handler broker.MessageHandler) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ns := b.ns(name)
	sub := &subscription{
		ch:      make(chan broker.MessageEnvelope, b.buffer),
		dropped: make(chan struct{}),
	}

	ns.mu.Lock()
	var backlog []broker.MessageEnvelope
	if lastEventID != "" {
		idx := -1
		for i, m := range ns.messages {
			if m.ID == lastEventID {
				idx = i
				break
			}
		}
		if idx < 0 {
			ns.mu.Unlock()
			return broker.ErrUnknownEventID
		}
		backlog = append(backlog, ns.messages[idx+1:]...)
	}
	ns.subscribers[sub] = struct{}{}
	ns.mu.Unlock()

	defer func() {
		ns.mu.Lock()
		delete(ns.subscribers, sub)
		ns.mu.Unlock()
	}()

	for _, env := range backlog {
		if err := handler(ctx, env); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sub.dropped:
			return ErrSlowSubscriber
		case env := <-sub.ch:
			if err := handler(ctx, env); err != nil {
				return err
			}
		}
	}
}

func (b *Broker) Cleanup(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	ns, ok := b.namespaces[name]
	b.mu.Unlock()
	if !ok {
		return nil
	}
	// Live subscribers stay attached; only history is dropped.
	ns.mu.Lock()
	ns.messages = nil
	ns.mu.Unlock()
	return nil
}

var _ broker.Broker = (*Broker)(nil)
