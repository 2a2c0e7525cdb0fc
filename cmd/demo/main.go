// Command demo wires a mesh, a registry, two specialist agents, and an
// orchestrator end to end, then drives the S1/S2 scenarios from the
// protocol's test matrix: a single-capability query and a two-capability
// parallel query.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/core"
	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/orchestration"
	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/plannertool"
	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/telemetry"
)

// weatherAgent is a toy specialist: subscribes to task-request events,
// filters by intent=="weather.get", and answers with a canned reading.
type weatherAgent struct {
	id  string
	ctx *core.AgentContext
}

func (a *weatherAgent) AgentID() string                    { return a.id }
func (a *weatherAgent) Capabilities() []string             { return []string{"weather.get"} }
func (a *weatherAgent) OnDeactivate(context.Context) error { return nil }

func (a *weatherAgent) OnActivate(ctx context.Context, actx *core.AgentContext) error {
	a.ctx = actx
	return actx.Subscribe(a.id, "io.amcp.orchestration.task.request", a.handleTaskRequest)
}

func (a *weatherAgent) handleTaskRequest(ctx context.Context, event *core.Event) error {
	payload, _ := event.Payload().(map[string]interface{})
	if payload["intent"] != "weather.get" {
		return nil
	}
	resp := core.NewEvent("io.amcp.orchestration.task.response.weather-agent").
		WithPayload(map[string]interface{}{"response": "22°C, clear"}).
		WithCorrelationID(event.CorrelationID()).
		WithSender(a.id).
		WithCloudEvents("io.amcp.orchestration.task.response", "urn:amcp:weather-agent", "application/json").
		MustBuild()
	return a.ctx.Publish(ctx, a.id, resp)
}

// stockAgent answers stock.quote task requests.
type stockAgent struct {
	id  string
	ctx *core.AgentContext
}

func (a *stockAgent) AgentID() string                    { return a.id }
func (a *stockAgent) Capabilities() []string             { return []string{"stock.quote"} }
func (a *stockAgent) OnDeactivate(context.Context) error { return nil }

func (a *stockAgent) OnActivate(ctx context.Context, actx *core.AgentContext) error {
	a.ctx = actx
	return actx.Subscribe(a.id, "io.amcp.orchestration.task.request", a.handleTaskRequest)
}

func (a *stockAgent) handleTaskRequest(ctx context.Context, event *core.Event) error {
	payload, _ := event.Payload().(map[string]interface{})
	if payload["intent"] != "stock.quote" {
		return nil
	}
	resp := core.NewEvent("io.amcp.orchestration.task.response.stock-agent").
		WithPayload(map[string]interface{}{"response": "AAPL $231.50"}).
		WithCorrelationID(event.CorrelationID()).
		WithSender(a.id).
		WithCloudEvents("io.amcp.orchestration.task.response", "urn:amcp:stock-agent", "application/json").
		MustBuild()
	return a.ctx.Publish(ctx, a.id, resp)
}

func main() {
	logger := telemetry.NewLogger("amcp-demo")
	provider, err := telemetry.NewProvider(context.Background(), telemetry.TelemetryConfig{ServiceName: "amcp-demo", Enabled: false})
	if err != nil {
		logger.Error("failed to start telemetry provider", map[string]interface{}{"error": err.Error()})
		return
	}
	metrics := telemetry.NewMetrics(provider.Meter)

	cfg, err := core.LoadMeshConfig(os.Getenv("AMCP_CONFIG_PATH"))
	if err != nil {
		logger.Error("failed to load mesh config", map[string]interface{}{"error": err.Error()})
		return
	}

	broker := core.NewBroker(cfg.BrokerConfig(), logger, metrics)
	agentCtx := core.NewAgentContext(broker, logger)

	var registryStore core.RegistryStore
	if cfg.RegistryRedisURL != "" {
		redisStore, err := core.NewRedisRegistryStore(cfg.RegistryRedisURL, cfg.RegistryNamespace, cfg.DefaultSessionTimeout)
		if err != nil {
			logger.Error("failed to connect registry store to redis", map[string]interface{}{"error": err.Error()})
			return
		}
		defer redisStore.Close()
		registryStore = redisStore
	}

	registry, err := core.NewAgentRegistry(broker, registryStore)
	if err != nil {
		logger.Error("failed to start registry", map[string]interface{}{"error": err.Error()})
		return
	}

	weather := &weatherAgent{id: "weather-agent"}
	stock := &stockAgent{id: "stock-agent"}
	for _, agent := range []core.Agent{weather, stock} {
		if err := agentCtx.Register(agent); err != nil {
			logger.Error("registration failed", map[string]interface{}{"agent_id": agent.AgentID(), "error": err.Error()})
			return
		}
		if err := agentCtx.Activate(context.Background(), agent.AgentID()); err != nil {
			logger.Error("activation failed", map[string]interface{}{"agent_id": agent.AgentID(), "error": err.Error()})
			return
		}
		registry.Put(core.AgentInfo{AgentID: agent.AgentID(), Capabilities: agent.Capabilities()})
	}

	tracker := core.NewCorrelationTracker(logger)
	tool := plannertool.NewStub()
	planner := orchestration.NewPlanningEngine(tool, logger)
	synth := orchestration.NewSynthesizer(tool, logger)

	orch, err := orchestration.NewOrchestrator(broker, tracker, registry, planner, synth, logger, orchestration.DefaultOrchestratorConfig())
	if err != nil {
		logger.Error("failed to start orchestrator", map[string]interface{}{"error": err.Error()})
		return
	}

	runQuery(broker, "weather in Paris")
	time.Sleep(200 * time.Millisecond)

	runQuery(broker, "weather in Paris and AAPL stock")
	time.Sleep(200 * time.Millisecond)

	stats := orch.Stats()
	fmt.Printf("orchestrations: total=%d successful=%d failed=%d\n", stats.Total, stats.Successful, stats.Failed)

	for _, rec := range orch.History() {
		fmt.Printf("session %s: %q -> %q (%dms)\n", rec.SessionID, rec.UserQuery, rec.FinalResponse, rec.DurationMs)
	}
}

func runQuery(broker *core.Broker, query string) {
	event := core.NewEvent("io.amcp.orchestration.request").
		WithPayload(map[string]interface{}{"query": query}).
		WithSender("demo-client").
		WithCloudEvents("io.amcp.orchestration.request", "urn:amcp:demo-client", "application/json").
		MustBuild()
	_ = broker.Publish(context.Background(), event)
}
