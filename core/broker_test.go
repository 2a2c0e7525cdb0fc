package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishDeliversToMatchingSubscriber(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	var received int32
	var wg sync.WaitGroup
	wg.Add(1)

	err := broker.Subscribe("sub1", "io.amcp.**", func(ctx context.Context, e *Event) error {
		atomic.StoreInt32(&received, 1)
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("io.amcp.orchestration.request").MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))

	waitOrTimeout(t, &wg)
	assert.Equal(t, int32(1), atomic.LoadInt32(&received))
}

func TestBroker_NonMatchingSubscriberNotInvoked(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	var invoked int32

	err := broker.Subscribe("sub1", "io.amcp.orchestration.*", func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&invoked, 1)
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("io.amcp.orchestration.task.request").MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))

	broker.Wait()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&invoked))
}

func TestBroker_HandlerPanicDoesNotCrashBroker(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	var wg sync.WaitGroup
	wg.Add(1)

	err := broker.Subscribe("panicker", "io.amcp.test", func(ctx context.Context, e *Event) error {
		defer wg.Done()
		panic("boom")
	})
	require.NoError(t, err)

	event := NewEvent("io.amcp.test").MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))
	waitOrTimeout(t, &wg)
}

func TestBroker_ReliableDeliveryRetriesOnFailure(t *testing.T) {
	broker := NewBroker(BrokerConfig{RetryBackoff: time.Millisecond, RetryMaxBackoff: 5 * time.Millisecond}, nil, nil)
	var attempts int32
	var wg sync.WaitGroup
	wg.Add(1)

	err := broker.Subscribe("retrier", "io.amcp.test", func(ctx context.Context, e *Event) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			return errors.New("transient failure")
		}
		wg.Done()
		return nil
	})
	require.NoError(t, err)

	event := NewEvent("io.amcp.test").
		WithDeliveryOptions(DeliveryOptions{Reliable: true, MaxRetries: 5}).
		MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))

	waitOrTimeout(t, &wg)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&attempts), int32(3))
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	var invoked int32

	handler := func(ctx context.Context, e *Event) error {
		atomic.AddInt32(&invoked, 1)
		return nil
	}
	require.NoError(t, broker.Subscribe("sub1", "io.amcp.test", handler))
	require.NoError(t, broker.Unsubscribe("sub1", "io.amcp.test"))

	event := NewEvent("io.amcp.test").MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))

	broker.Wait()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(0), atomic.LoadInt32(&invoked))
}

func TestBroker_SubscribeRejectsInvalidPattern(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	err := broker.Subscribe("sub1", "io.**.amcp", func(ctx context.Context, e *Event) error { return nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidPattern)
}

func waitOrTimeout(t *testing.T, wg *sync.WaitGroup) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler invocation")
	}
}
