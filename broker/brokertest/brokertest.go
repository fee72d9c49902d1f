// Package brokertest is a conformance suite for broker.Broker
// implementations.
package brokertest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ggoodman/mcp-streamable-rpc/broker"
)

// BrokerFactory is a function that creates a new broker instance for testing.
type BrokerFactory func(t *testing.T) broker.Broker

// subscribeDelay gives a subscription started in a goroutine time to
// register before the test publishes.
const subscribeDelay = 100 * time.Millisecond

// RunBrokerTests runs the complete broker test suite against the provided factory.
func RunBrokerTests(t *testing.T, factory BrokerFactory) {
	t.Run("PublishAndSubscribe", func(t *testing.T) {
		testPublishAndSubscribe(t, factory)
	})
	t.Run("SubscribeFromLastEventID", func(t *testing.T) {
		testSubscribeFromLastEventID(t, factory)
	})
	t.Run("OrderedDelivery", func(t *testing.T) {
		testOrderedDelivery(t, factory)
	})
	t.Run("MultipleSubscribersToSameNamespace", func(t *testing.T) {
		testMultipleSubscribers(t, factory)
	})
	t.Run("NamespaceIsolation", func(t *testing.T) {
		testNamespaceIsolation(t, factory)
	})
	t.Run("SubscriptionContextCancellation", func(t *testing.T) {
		testSubscriptionContextCancellation(t, factory)
	})
	t.Run("HandlerErrorStopsSubscription", func(t *testing.T) {
		testHandlerErrorStopsSubscription(t, factory)
	})
	t.Run("Cleanup", func(t *testing.T) {
		testCleanup(t, factory)
	})
	t.Run("ResumeFromUnknownEventID", func(t *testing.T) {
		testResumeFromUnknownEventID(t, factory)
	})
}

// collector records delivered envelopes and cancels once it has want of them.
type collector struct {
	mu     sync.Mutex
	got    []broker.MessageEnvelope
	want   int
	cancel context.CancelFunc
}

func (c *collector) handle(_ context.Context, env broker.MessageEnvelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, env)
	if c.want > 0 && len(c.got) >= c.want && c.cancel != nil {
		c.cancel()
	}
	return nil
}

func (c *collector) snapshot() []broker.MessageEnvelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]broker.MessageEnvelope(nil), c.got...)
}

func subscribeAsync(ctx context.Context, b broker.Broker, namespace, lastEventID string, h broker.MessageHandler) <-chan error {
	done := make(chan error, 1)
	go func() { done <- b.Subscribe(ctx, namespace, lastEventID, h) }()
	return done
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not complete within timeout")
		return nil
	}
}

func payload(i int) []byte {
	return fmt.Appendf(nil, `{"jsonrpc":"2.0","method":"test/method","params":{"n":%d}}`, i)
}

func testPublishAndSubscribe(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c := &collector{want: 1, cancel: cancel}
	done := subscribeAsync(ctx, b, "test-namespace", "", c.handle)
	time.Sleep(subscribeDelay)

	eventID, err := b.Publish(ctx, "test-namespace", payload(1))
	require.NoError(t, err)
	require.NotEmpty(t, eventID)

	require.ErrorIs(t, waitDone(t, done), context.Canceled)
	got := c.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, eventID, got[0].ID)
	require.JSONEq(t, string(payload(1)), string(got[0].Data))
}

func testSubscribeFromLastEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	first, err := b.Publish(ctx, "test-namespace-2", payload(1))
	require.NoError(t, err)
	second, err := b.Publish(ctx, "test-namespace-2", payload(2))
	require.NoError(t, err)

	c := &collector{want: 1, cancel: cancel}
	done := subscribeAsync(ctx, b, "test-namespace-2", first, c.handle)

	require.ErrorIs(t, waitDone(t, done), context.Canceled)
	got := c.snapshot()
	require.Len(t, got, 1)
	require.Equal(t, second, got[0].ID)
	require.JSONEq(t, string(payload(2)), string(got[0].Data))
}

func testOrderedDelivery(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	const n = 20
	c := &collector{want: n, cancel: cancel}
	done := subscribeAsync(ctx, b, "test-namespace-9", "", c.handle)
	time.Sleep(subscribeDelay)

	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		id, err := b.Publish(ctx, "test-namespace-9", payload(i))
		require.NoError(t, err)
		ids = append(ids, id)
	}

	require.ErrorIs(t, waitDone(t, done), context.Canceled)
	got := c.snapshot()
	require.Len(t, got, n)
	for i, env := range got {
		require.Equal(t, ids[i], env.ID)
	}
}

func testMultipleSubscribers(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, c2 := &collector{}, &collector{}
	done1 := subscribeAsync(ctx, b, "test-namespace-3", "", c1.handle)
	done2 := subscribeAsync(ctx, b, "test-namespace-3", "", c2.handle)
	time.Sleep(subscribeDelay)

	eventID, err := b.Publish(ctx, "test-namespace-3", payload(1))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c1.snapshot()) == 1 && len(c2.snapshot()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	cancel()
	waitDone(t, done1)
	waitDone(t, done2)

	require.Equal(t, eventID, c1.snapshot()[0].ID)
	require.Equal(t, eventID, c2.snapshot()[0].ID)
}

func testNamespaceIsolation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c1, c2 := &collector{}, &collector{}
	done1 := subscribeAsync(ctx, b, "test-namespace-4a", "", c1.handle)
	done2 := subscribeAsync(ctx, b, "test-namespace-4b", "", c2.handle)
	time.Sleep(subscribeDelay)

	_, err := b.Publish(ctx, "test-namespace-4a", payload(1))
	require.NoError(t, err)
	_, err = b.Publish(ctx, "test-namespace-4b", payload(2))
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(c1.snapshot()) >= 1 && len(c2.snapshot()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	time.Sleep(subscribeDelay)
	cancel()
	waitDone(t, done1)
	waitDone(t, done2)

	got1, got2 := c1.snapshot(), c2.snapshot()
	require.Len(t, got1, 1)
	require.Len(t, got2, 1)
	require.JSONEq(t, string(payload(1)), string(got1[0].Data))
	require.JSONEq(t, string(payload(2)), string(got2[0].Data))
}

func testSubscriptionContextCancellation(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	done := subscribeAsync(ctx, b, "test-namespace-5", "", func(context.Context, broker.MessageEnvelope) error {
		return nil
	})
	require.ErrorIs(t, waitDone(t, done), context.DeadlineExceeded)
}

func testHandlerErrorStopsSubscription(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	expectedErr := errors.New("handler error")
	done := subscribeAsync(ctx, b, "test-namespace-6", "", func(context.Context, broker.MessageEnvelope) error {
		return expectedErr
	})
	time.Sleep(subscribeDelay)

	_, err := b.Publish(ctx, "test-namespace-6", payload(1))
	require.NoError(t, err)
	require.ErrorIs(t, waitDone(t, done), expectedErr)
}

func testCleanup(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	eventID, err := b.Publish(ctx, "test-namespace-7", payload(1))
	require.NoError(t, err)
	require.NoError(t, b.Cleanup(ctx, "test-namespace-7"))

	subCtx, subCancel := context.WithTimeout(ctx, 500*time.Millisecond)
	defer subCancel()

	err = b.Subscribe(subCtx, "test-namespace-7", eventID, func(context.Context, broker.MessageEnvelope) error {
		t.Error("received a message from a cleaned up namespace")
		return nil
	})
	require.Error(t, err)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "resuming from a removed event must fail fast")
}

func testResumeFromUnknownEventID(t *testing.T, factory BrokerFactory) {
	b := factory(t)
	defer cleanupBroker(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err := b.Subscribe(ctx, "test-namespace-8", "non-existent-id", func(context.Context, broker.MessageEnvelope) error {
		return nil
	})
	require.ErrorIs(t, err, broker.ErrEventNotFound)
}

func cleanupBroker(t *testing.T, b broker.Broker) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	namespaces := []string{
		"test-namespace", "test-namespace-2", "test-namespace-3",
		"test-namespace-4a", "test-namespace-4b", "test-namespace-5",
		"test-namespace-6", "test-namespace-7", "test-namespace-8",
		"test-namespace-9",
	}
	for _, ns := range namespaces {
		if err := b.Cleanup(ctx, ns); err != nil {
			t.Logf("Warning: failed to cleanup namespace %s: %v", ns, err)
		}
	}

	if closer, ok := b.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			t.Logf("Warning: failed to close broker: %v", err)
		}
	}
}
