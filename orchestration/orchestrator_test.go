package orchestration

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/core"
)

// harness wires a broker, tracker, registry and orchestrator with an
// in-test stub planner, and records every event published on topics of
// interest for assertions.
type harness struct {
	t        *testing.T
	broker   *core.Broker
	tracker  *core.CorrelationTracker
	registry *core.AgentRegistry
	orch     *Orchestrator

	mu     sync.Mutex
	events map[string][]*core.Event
}

func newHarness(t *testing.T, tool PlannerTool) *harness {
	t.Helper()
	broker := core.NewBroker(core.DefaultBrokerConfig(), nil, nil)
	tracker := core.NewCorrelationTracker(nil)
	registry, err := core.NewAgentRegistry(broker, nil)
	require.NoError(t, err)

	planner := NewPlanningEngine(tool, nil)
	synth := NewSynthesizer(tool, nil)

	cfg := DefaultOrchestratorConfig()
	cfg.SessionTimeout = 5 * time.Second
	orch, err := NewOrchestrator(broker, tracker, registry, planner, synth, nil, cfg)
	require.NoError(t, err)

	h := &harness{t: t, broker: broker, tracker: tracker, registry: registry, orch: orch, events: make(map[string][]*core.Event)}

	for _, topic := range []string{planCreatedTopic, completeTopic, taskRequestTopic, taskTimeoutTopic, errorTopic} {
		topic := topic
		require.NoError(t, broker.Subscribe("test-observer-"+topic, topic, func(ctx context.Context, e *core.Event) error {
			h.record(topic, e)
			return nil
		}))
	}
	return h
}

func (h *harness) record(topic string, e *core.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events[topic] = append(h.events[topic], e)
}

func (h *harness) countOf(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events[topic])
}

func (h *harness) eventsOf(topic string) []*core.Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*core.Event, len(h.events[topic]))
	copy(out, h.events[topic])
	return out
}

func (h *harness) registerAgent(agentID string, capabilities ...string) {
	h.registry.Put(core.AgentInfo{AgentID: agentID, Capabilities: capabilities})
}

// respondAs subscribes a canned specialist that answers every task request
// whose "intent" matches capability with data, after an optional delay.
func (h *harness) respondAs(agentID, capability string, data interface{}, delay time.Duration) {
	require.NoError(h.t, h.broker.Subscribe(agentID, taskRequestTopic, func(ctx context.Context, e *core.Event) error {
		payload, _ := e.Payload().(map[string]interface{})
		if payload["intent"] != capability {
			return nil
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		resp := core.NewEvent("io.amcp.orchestration.task.response."+agentID).
			WithPayload(map[string]interface{}{"response": data}).
			WithCorrelationID(e.CorrelationID()).
			WithSender(agentID).
			WithCloudEvents("io.amcp.orchestration.task.response", "urn:amcp:"+agentID, "application/json").
			MustBuild()
		return h.broker.Publish(ctx, resp)
	}))
}

func (h *harness) publishRequest(query string) *core.Event {
	event := core.NewEvent(orchestrationRequestTopic).
		WithPayload(map[string]interface{}{"query": query}).
		WithSender("test-client").
		WithCloudEvents(orchestrationRequestTopic, "urn:amcp:test-client", "application/json").
		MustBuild()
	require.NoError(h.t, h.broker.Publish(context.Background(), event))
	return event
}

func eventually(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	assert.True(t, cond(), "condition not met within %s", timeout)
}

// TestS1_SingleAgentHappyPath mirrors the spec's literal S1 scenario.
func TestS1_SingleAgentHappyPath(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent("weather-agent", "weather.get")
	h.respondAs("weather-agent", "weather.get", "22°C, clear", 0)

	h.publishRequest("weather in Paris")

	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })
	assert.Equal(t, 1, h.countOf(planCreatedTopic))
	assert.Equal(t, 1, h.countOf(taskRequestTopic))

	complete := h.eventsOf(completeTopic)[0]
	payload, _ := complete.Payload().(map[string]interface{})
	assert.Contains(t, payload["response"], "22")
}

// TestS2_TwoTaskParallelLevel mirrors S2: a two-task plan with no
// dependencies. Both specialist replies are delayed by 30ms; the test checks
// that both task requests are published and the session completes once.
func TestS2_TwoTaskParallelLevel(t *testing.T) {
	tool := &fakeTool{invoke: func(ctx context.Context, req ToolRequest) (ToolResponse, error) {
		if req.Operation != "plan" {
			return ToolResponse{Success: true, Data: "done"}, nil
		}
		return ToolResponse{Success: true, Data: `[
			{"capability":"weather.get","agent":"weather-agent","priority":1,"params":{"location":"Paris"}},
			{"capability":"stock.quote","agent":"stock-agent","priority":1,"params":{"symbol":"AAPL"}}
		]`}, nil
	}}
	h := newHarness(t, tool)
	h.registerAgent("weather-agent", "weather.get")
	h.registerAgent("stock-agent", "stock.quote")
	h.respondAs("weather-agent", "weather.get", "22°C", 30*time.Millisecond)
	h.respondAs("stock-agent", "stock.quote", "$231.50", 30*time.Millisecond)

	h.publishRequest("weather in Paris and AAPL stock")

	eventually(t, time.Second, func() bool { return h.countOf(taskRequestTopic) == 2 })
	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })
}

// TestS3_DependencyOrdering mirrors S3: T2 (depends on T1) must not be
// requested until T1's response has been received.
func TestS3_DependencyOrdering(t *testing.T) {
	tool := &fakeTool{invoke: func(ctx context.Context, req ToolRequest) (ToolResponse, error) {
		if req.Operation != "plan" {
			return ToolResponse{Success: true, Data: "done"}, nil
		}
		return ToolResponse{Success: true, Data: `[
			{"capability":"weather.get","agent":"weather-agent","priority":1},
			{"capability":"stock.quote","agent":"stock-agent","priority":2,"dependencies":["weather.get"]}
		]`}, nil
	}}
	h := newHarness(t, tool)
	h.registerAgent("weather-agent", "weather.get")
	h.registerAgent("stock-agent", "stock.quote")
	h.respondAs("weather-agent", "weather.get", "22°C", 10*time.Millisecond)
	h.respondAs("stock-agent", "stock.quote", "$231.50", 0)

	const t1ResponseTopic = "io.amcp.orchestration.task.response.weather-agent"
	require.NoError(t, h.broker.Subscribe("test-observer-t1-response", t1ResponseTopic, func(ctx context.Context, e *core.Event) error {
		h.record(t1ResponseTopic, e)
		return nil
	}))

	h.publishRequest("weather in Paris then AAPL stock")
	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })
	h.broker.Wait()

	var t1Req, t2Req *core.Event
	for _, e := range h.eventsOf(taskRequestTopic) {
		payload, _ := e.Payload().(map[string]interface{})
		switch payload["intent"] {
		case "weather.get":
			t1Req = e
		case "stock.quote":
			t2Req = e
		}
	}
	require.NotNil(t, t1Req)
	require.NotNil(t, t2Req)

	responses := h.eventsOf(t1ResponseTopic)
	require.Len(t, responses, 1)
	assert.True(t, t2Req.Timestamp().After(t1Req.Timestamp()))
	assert.True(t, t2Req.Timestamp().After(responses[0].Timestamp()), "T2 requested before T1's response")
}

// TestS4_Timeout mirrors S4: a non-optional task whose agent never
// responds times out, the session fails, and no correlation is leaked.
func TestS4_Timeout(t *testing.T) {
	tool := &fakeTool{invoke: func(ctx context.Context, req ToolRequest) (ToolResponse, error) {
		if req.Operation != "plan" {
			return ToolResponse{Success: true, Data: "fallback text"}, nil
		}
		return ToolResponse{Success: true, Data: `[{"capability":"weather.get","agent":"weather-agent","priority":1}]`}, nil
	}}
	h := newHarness(t, tool)
	h.registerAgent("weather-agent", "weather.get")
	// No responder subscribed: the task request is published but never answered.

	h.publishRequest("weather in Paris")

	eventually(t, time.Second, func() bool { return h.countOf(taskTimeoutTopic) >= 1 })
	eventually(t, 2*time.Second, func() bool { return h.countOf(completeTopic) == 1 })

	complete := h.eventsOf(completeTopic)[0]
	payload, _ := complete.Payload().(map[string]interface{})
	text, _ := payload["response"].(string)
	assert.True(t, strings.Contains(text, "Sorry") || text != "")
}

// TestS5_DuplicateResponse mirrors S5: a duplicate response event for an
// already-completed correlation is silently dropped; the session still
// completes exactly once.
func TestS5_DuplicateResponse(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent("weather-agent", "weather.get")

	require.NoError(t, h.broker.Subscribe("weather-agent", taskRequestTopic, func(ctx context.Context, e *core.Event) error {
		payload, _ := e.Payload().(map[string]interface{})
		if payload["intent"] != "weather.get" {
			return nil
		}
		for i := 0; i < 2; i++ {
			resp := core.NewEvent("io.amcp.orchestration.task.response.weather-agent").
				WithPayload(map[string]interface{}{"response": "22°C"}).
				WithCorrelationID(e.CorrelationID()).
				WithSender("weather-agent").
				WithCloudEvents("io.amcp.orchestration.task.response", "urn:amcp:weather-agent", "application/json").
				MustBuild()
			if err := h.broker.Publish(ctx, resp); err != nil {
				return err
			}
		}
		return nil
	}))

	h.publishRequest("weather in Paris")

	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, h.countOf(completeTopic))
}

// TestS6_WildcardRouting mirrors S6's subscriber fan-out matrix directly
// against the broker, independent of the orchestrator.
func TestS6_WildcardRouting(t *testing.T) {
	broker := core.NewBroker(core.DefaultBrokerConfig(), nil, nil)
	var aCount, bCount, cCount int32

	require.NoError(t, broker.Subscribe("A", "io.amcp.**", func(ctx context.Context, e *core.Event) error {
		atomic.AddInt32(&aCount, 1)
		return nil
	}))
	require.NoError(t, broker.Subscribe("B", "io.amcp.orchestration.*", func(ctx context.Context, e *core.Event) error {
		atomic.AddInt32(&bCount, 1)
		return nil
	}))
	require.NoError(t, broker.Subscribe("C", "io.amcp.orchestration.task.request", func(ctx context.Context, e *core.Event) error {
		atomic.AddInt32(&cCount, 1)
		return nil
	}))

	event := core.NewEvent("io.amcp.orchestration.task.request").MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))
	broker.Wait()

	assert.Equal(t, int32(1), atomic.LoadInt32(&aCount))
	assert.Equal(t, int32(0), atomic.LoadInt32(&bCount))
	assert.Equal(t, int32(1), atomic.LoadInt32(&cCount))
}

// TestUnroutableTaskFailsSessionWhenNonOptional covers the §4.9 edge case:
// a task naming an agentType absent from the registry fails immediately.
func TestUnroutableTaskFailsSessionWhenNonOptional(t *testing.T) {
	h := newHarness(t, nil)
	// No agents registered at all: the fallback plan routes to an agent
	// the registry has never heard of.

	h.publishRequest("weather in Paris")

	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })
	assert.Equal(t, 1, h.countOf(errorTopic))
}

// TestNoFutureLeaksAfterSessionTerminates covers testable property 8.
func TestNoFutureLeaksAfterSessionTerminates(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent("weather-agent", "weather.get")
	h.respondAs("weather-agent", "weather.get", "22°C, clear", 0)

	h.publishRequest("weather in Paris")
	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })

	var history []ExecutionRecord
	eventually(t, time.Second, func() bool {
		history = h.orch.History()
		return len(history) == 1
	})
	require.Len(t, history, 1)
	assert.Empty(t, h.tracker.Pending(history[0].SessionID))
}

// TestExternalCancel covers the §4.9 "Cancellation" path: an in-flight
// session whose target agent never responds is cancelled externally. The
// session must still publish exactly one terminal error/complete pair, and
// no correlation for it may survive (spec §8 invariant 8).
func TestExternalCancel(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent("weather-agent", "weather.get")
	// No responder: dispatchOne blocks on its correlation channel until cancelled.

	h.publishRequest("weather in Paris")

	var sessionID string
	eventually(t, time.Second, func() bool {
		h.orch.mu.RLock()
		defer h.orch.mu.RUnlock()
		for id := range h.orch.sessions {
			sessionID = id
			return true
		}
		return false
	})

	require.NoError(t, h.orch.Cancel(sessionID))

	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })
	assert.Equal(t, 1, h.countOf(errorTopic))

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, h.tracker.Pending(sessionID))
}

// TestHistoryRecordsCompletedSessions checks the history buffer: a
// completed session shows up with its final response.
func TestHistoryRecordsCompletedSessions(t *testing.T) {
	h := newHarness(t, nil)
	h.registerAgent("weather-agent", "weather.get")
	h.respondAs("weather-agent", "weather.get", "22°C, clear", 0)

	h.publishRequest("weather in Paris")
	eventually(t, time.Second, func() bool { return h.countOf(completeTopic) == 1 })

	var history []ExecutionRecord
	eventually(t, time.Second, func() bool {
		history = h.orch.History()
		return len(history) == 1
	})
	assert.Equal(t, SessionCompleted, history[0].State)
	assert.Contains(t, history[0].FinalResponse, "22")
}
