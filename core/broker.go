package core

import (
	"context"
	"math"
	"sync"
	"time"
)

// Handler processes a delivered event. A non-nil error triggers a retry
// when the event requests reliable delivery; otherwise it is logged and
// dropped.
type Handler func(ctx context.Context, event *Event) error

// subscription is an internal (subscriberID, pattern, handler) entry.
type subscription struct {
	subscriberID string
	pattern      string
	handler      Handler
}

// key identifies a subscription for idempotent subscribe/unsubscribe, per
// the data model: subscriptions are keyed by (subscriber id, pattern).
type subKey struct {
	subscriberID string
	pattern      string
}

// BrokerConfig tunes dispatch concurrency and retry behavior.
type BrokerConfig struct {
	// Workers bounds the number of handler invocations running at once
	// across the whole broker (every publish shares the same limit). Zero
	// means unbounded (one goroutine per matching subscription,
	// gomind-style fire-and-forget).
	Workers int
	// HandlerTimeout bounds a single handler invocation. Zero means no
	// per-handler timeout beyond the publish context's own deadline.
	HandlerTimeout time.Duration
	// RetryBackoff is the initial delay used for reliable-delivery
	// retries; it doubles each attempt up to RetryMaxBackoff.
	RetryBackoff    time.Duration
	RetryMaxBackoff time.Duration
}

// DefaultBrokerConfig returns unbounded dispatch concurrency, no
// per-handler timeout, and a short reliable-delivery backoff.
func DefaultBrokerConfig() BrokerConfig {
	return BrokerConfig{
		Workers:         0,
		RetryBackoff:    100 * time.Millisecond,
		RetryMaxBackoff: 2 * time.Second,
	}
}

// Broker is the in-process event mesh: an idempotent subscription table and
// a publish path that dispatches to every matching subscriber on a worker
// distinct from the publisher's goroutine. The subscription table supports
// concurrent reads during dispatch (RWMutex, snapshot-on-dispatch) and
// serialized writes on subscribe/unsubscribe.
type Broker struct {
	cfg    BrokerConfig
	logger Logger
	metric MetricsSink

	mu   sync.RWMutex
	subs map[subKey]*subscription

	// sem bounds concurrent handler goroutines when cfg.Workers > 0.
	sem chan struct{}

	wg sync.WaitGroup
}

// NewBroker creates a Broker. A nil logger/metric sink is replaced with a
// no-op implementation so callers never need a nil check.
func NewBroker(cfg BrokerConfig, logger Logger, metric MetricsSink) *Broker {
	if logger == nil {
		logger = NoOpLogger{}
	}
	if metric == nil {
		metric = NoOpMetrics{}
	}
	b := &Broker{
		cfg:    cfg,
		logger: logger,
		metric: metric,
		subs:   make(map[subKey]*subscription),
	}
	if cfg.Workers > 0 {
		b.sem = make(chan struct{}, cfg.Workers)
	}
	return b
}

// Subscribe registers a handler for events matching pattern, tagged with
// subscriberID. Idempotent on (subscriberID, pattern): re-subscribing
// replaces the handler rather than creating a duplicate entry.
func (b *Broker) Subscribe(subscriberID, pattern string, handler Handler) error {
	if subscriberID == "" {
		return NewMeshError("Broker.Subscribe", "InvalidParameters", ErrInvalidParameters)
	}
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	if handler == nil {
		return NewMeshError("Broker.Subscribe", "InvalidParameters", ErrInvalidParameters)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[subKey{subscriberID, pattern}] = &subscription{
		subscriberID: subscriberID,
		pattern:      pattern,
		handler:      handler,
	}
	b.metric.Gauge("mesh.subscriptions.active", float64(len(b.subs)))
	return nil
}

// Unsubscribe removes the (subscriberID, pattern) entry. A missing pair is
// a no-op.
func (b *Broker) Unsubscribe(subscriberID, pattern string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subKey{subscriberID, pattern})
	b.metric.Gauge("mesh.subscriptions.active", float64(len(b.subs)))
	return nil
}

// UnsubscribeAll removes every subscription owned by subscriberID, used on
// agent deactivation/teardown.
func (b *Broker) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for k := range b.subs {
		if k.subscriberID == subscriberID {
			delete(b.subs, k)
		}
	}
	b.metric.Gauge("mesh.subscriptions.active", float64(len(b.subs)))
}

// Publish commits event for dispatch and returns once every matching
// subscriber has been scheduled. Handler execution happens on goroutines
// distinct from the caller, after Publish returns the ack — so a handler
// can never reenter the publisher's own call stack.
func (b *Broker) Publish(ctx context.Context, event *Event) error {
	if event == nil {
		return NewMeshError("Broker.Publish", "InvalidParameters", ErrInvalidParameters)
	}

	matches := b.snapshotMatches(event.Topic())
	b.metric.Counter("mesh.events.published", "topic", event.Topic())

	for _, sub := range matches {
		b.dispatch(ctx, sub, event)
	}
	return nil
}

// snapshotMatches takes a read lock just long enough to copy the matching
// subscriptions, so handler execution never holds the subscription lock.
func (b *Broker) snapshotMatches(topic string) []*subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var matches []*subscription
	for _, sub := range b.subs {
		if MatchTopic(sub.pattern, topic) {
			matches = append(matches, sub)
		}
	}
	return matches
}

// dispatch runs one subscriber's handler on its own goroutine, applying the
// reliable-delivery retry policy when requested. Each invocation is
// independent: a handler failure here never affects other handlers or
// future dispatches.
func (b *Broker) dispatch(ctx context.Context, sub *subscription, event *Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if b.sem != nil {
			b.sem <- struct{}{}
			defer func() { <-b.sem }()
		}
		b.invoke(ctx, sub, event)
	}()
}

func (b *Broker) invoke(ctx context.Context, sub *subscription, event *Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("mesh: subscriber handler panicked", map[string]interface{}{
				"subscriber_id": sub.subscriberID,
				"topic":         event.Topic(),
				"panic":         r,
			})
			b.metric.Counter("mesh.handler.panics", "subscriber_id", sub.subscriberID)
		}
	}()

	opts := event.DeliveryOptions()
	attempts := 1
	if opts.Reliable && opts.MaxRetries > 0 {
		attempts = opts.MaxRetries + 1
	}

	backoff := b.cfg.RetryBackoff
	if backoff <= 0 {
		backoff = 100 * time.Millisecond
	}
	maxBackoff := b.cfg.RetryMaxBackoff
	if maxBackoff <= 0 {
		maxBackoff = 2 * time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx := ctx
		var cancel context.CancelFunc
		if b.cfg.HandlerTimeout > 0 {
			callCtx, cancel = context.WithTimeout(ctx, b.cfg.HandlerTimeout)
		}
		err := sub.handler(callCtx, event)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			b.metric.Counter("mesh.events.delivered", "subscriber_id", sub.subscriberID)
			return
		}
		lastErr = err

		if !opts.Reliable || attempt == attempts {
			break
		}

		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = attempts
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
		// Jitter prevents retries from multiple handlers on the same
		// broadcast event from clustering (matches resilience.Retry).
		jitter := time.Duration(float64(backoff) * 0.1 * math.Sin(float64(attempt)))
		backoff += jitter
	}

	b.logger.Warn("mesh: subscriber handler failed", map[string]interface{}{
		"subscriber_id": sub.subscriberID,
		"topic":         event.Topic(),
		"error":         lastErr.Error(),
		"reliable":      opts.Reliable,
	})
	b.metric.Counter("mesh.handler.failures", "subscriber_id", sub.subscriberID)
}

// Wait blocks until every dispatched handler goroutine has returned. Tests
// use this to observe dispatch completion deterministically instead of
// sleeping.
func (b *Broker) Wait() {
	b.wg.Wait()
}
