// Package brokertest is a conformance suite shared by broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/taskrpc/broker"
)

// BrokerFactory creates a fresh broker for one subtest.
type BrokerFactory func(t *testing.T) broker.Broker

// RunBrokerTests runs the complete suite against factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("ResumeFromLastEventID", func(t *testing.T) {
		testResumeFromLastEventID(t, factory)
	})
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("OrderPreserved", func(t *testing.T) {
		testOrderPreserved(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
}

// collector gathers envelopes and cancels once it has want of them.
type collector struct {
	mu     sync.Mutex
	got    []broker.MessageEnvelope
	want   int
	cancel context.CancelFunc
}

func (c *collector) handle(ctx context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	if len(c.got) >= c.want {
		c.cancel()
	}
	return nil
}

func (c *collector) envelopes() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.got...)
}

func subscribe(ctx context.Context, b broker.Broker, ns, last string, c *collector) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, ns, last, c.handle) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) {
	t.Helper()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("subscription error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not complete within timeout")
	}
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace("pubsub")
	defer cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &collector{want: 1, cancel: cancel}
	done := subscribe(ctx, b, ns, "", c)
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(context.Background(), ns, []byte(`{"type":"created"}`))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if eventID == "" {
		t.Fatal("expected non-empty event ID")
	}
	waitDone(t, done)

	got := c.envelopes()
	if len(got) != 1 {
		t.Fatalf("expected 1 message, got %d", len(got))
	}
	if got[0].ID != eventID || string(got[0].Data) != `{"type":"created"}` {
		t.Fatalf("unexpected envelope %+v", got[0])
	}
}

func testResumeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace("resume")
	defer cleanup(t, b, ns)

	first, err := b.Publish(context.Background(), ns, []byte("one"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	second, err := b.Publish(context.Background(), ns, []byte("two"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := &collector{want: 1, cancel: cancel}
	waitDone(t, subscribe(ctx, b, ns, first, c))

	got := c.envelopes()
	if len(got) != 1 || got[0].ID != second || string(got[0].Data) != "two" {
		t.Fatalf("expected resume at %s, got %+v", second, got)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace("multi")
	defer cleanup(t, b, ns)

	ctx1, cancel1 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel1()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	c1 := &collector{want: 1, cancel: cancel1}
	c2 := &collector{want: 1, cancel: cancel2}
	d1 := subscribe(ctx1, b, ns, "", c1)
	d2 := subscribe(ctx2, b, ns, "", c2)
	time.Sleep(100 * time.Millisecond)

	eventID, err := b.Publish(context.Background(), ns, []byte("hello"))
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDone(t, d1)
	waitDone(t, d2)

	for i, c := range []*collector{c1, c2} {
		got := c.envelopes()
		if len(got) != 1 || got[0].ID != eventID {
			t.Fatalf("subscriber %d: unexpected %+v", i+1, got)
		}
	}
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns1, ns2 := uniqueNamespace("iso-a"), uniqueNamespace("iso-b")
	defer cleanup(t, b, ns1, ns2)

	ctx1, cancel1 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel1()
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()

	c1 := &collector{want: 1, cancel: cancel1}
	c2 := &collector{want: 1, cancel: cancel2}
	d1 := subscribe(ctx1, b, ns1, "", c1)
	d2 := subscribe(ctx2, b, ns2, "", c2)
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(context.Background(), ns1, []byte("for-a")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, err := b.Publish(context.Background(), ns2, []byte("for-b")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	waitDone(t, d1)
	waitDone(t, d2)

	if got := c1.envelopes(); len(got) != 1 || string(got[0].Data) != "for-a" {
		t.Fatalf("namespace a received %+v", got)
	}
	if got := c2.envelopes(); len(got) != 1 || string(got[0].Data) != "for-b" {
		t.Fatalf("namespace b received %+v", got)
	}
}

func testOrderPreserved(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace("order")
	defer cleanup(t, b, ns)

	const n = 20
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c := &collector{want: n, cancel: cancel}
	done := subscribe(ctx, b, ns, "", c)
	time.Sleep(100 * time.Millisecond)

	for i := 0; i < n; i++ {
		if _, err := b.Publish(context.Background(), ns, []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}
	waitDone(t, done)

	got := c.envelopes()
	if len(got) != n {
		t.Fatalf("expected %d messages, got %d", n, len(got))
	}
	for i, env := range got {
		if string(env.Data) != fmt.Sprint(i) {
			t.Fatalf("message %d out of order: %s", i, env.Data)
		}
	}
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace("cancel")
	defer cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, ns, "", func(ctx context.Context, env broker.MessageEnvelope) error {
			return nil
		})
	}()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("expected context.DeadlineExceeded, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not complete within timeout")
	}
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	ns := uniqueNamespace("handler-err")
	defer cleanup(t, b, ns)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	boom := errors.New("handler failed")
	done := make(chan error, 1)
	go func() {
		done <- b.Subscribe(ctx, ns, "", func(ctx context.Context, env broker.MessageEnvelope) error {
			return boom
		})
	}()
	time.Sleep(100 * time.Millisecond)

	if _, err := b.Publish(context.Background(), ns, []byte("x")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case err := <-done:
		if !errors.Is(err, boom) {
			t.Fatalf("expected handler error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("subscription did not complete within timeout")
	}
}

var nsCounter struct {
	mu sync.Mutex
	n  int
}

func uniqueNamespace(prefix string) string {
	nsCounter.mu.Lock()
	defer nsCounter.mu.Unlock()
	nsCounter.n++
	return fmt.Sprintf("%s-%d-%d", prefix, time.Now().UnixNano(), nsCounter.n)
}

func cleanup(t *testing.T, b broker.Broker, namespaces ...string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for _, ns := range namespaces {
		if err := b.Cleanup(ctx, ns); err != nil {
			t.Logf("cleanup %s: %v", ns, err)
		}
	}
}
