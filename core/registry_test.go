package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memStore struct {
	saved []AgentInfo
}

func (m *memStore) Save(ctx context.Context, agents []AgentInfo) error {
	m.saved = agents
	return nil
}

func TestAgentRegistry_PutAndDiscover(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	registry, err := NewAgentRegistry(broker, nil)
	require.NoError(t, err)

	registry.Put(AgentInfo{AgentID: "weather-agent", Capabilities: []string{"weather.get"}})
	agents := registry.DiscoverAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "weather-agent", agents[0].AgentID)
}

func TestAgentRegistry_Remove(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	registry, err := NewAgentRegistry(broker, nil)
	require.NoError(t, err)

	registry.Put(AgentInfo{AgentID: "weather-agent"})
	registry.Remove("weather-agent")
	assert.Empty(t, registry.DiscoverAgents())
}

func TestAgentRegistry_RemoveMissingIsNoOp(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	registry, err := NewAgentRegistry(broker, nil)
	require.NoError(t, err)
	registry.Remove("ghost")
	assert.Empty(t, registry.DiscoverAgents())
}

func TestAgentRegistry_FindByCapability(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	registry, err := NewAgentRegistry(broker, nil)
	require.NoError(t, err)

	registry.Put(AgentInfo{AgentID: "weather-agent", Capabilities: []string{"weather.get"}})
	registry.Put(AgentInfo{AgentID: "stock-agent", Capabilities: []string{"stock.quote"}})

	matches := registry.FindByCapability("weather.get")
	require.Len(t, matches, 1)
	assert.Equal(t, "weather-agent", matches[0].AgentID)

	assert.Empty(t, registry.FindByCapability("nonexistent"))
}

func TestAgentRegistry_PersistsOnPutAndRemove(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	store := &memStore{}
	registry, err := NewAgentRegistry(broker, store)
	require.NoError(t, err)

	registry.Put(AgentInfo{AgentID: "weather-agent"})
	assert.Len(t, store.saved, 1)

	registry.Remove("weather-agent")
	assert.Empty(t, store.saved)
}

func TestAgentRegistry_JoinEventUpdatesRegistry(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	registry, err := NewAgentRegistry(broker, nil)
	require.NoError(t, err)

	event := NewEvent("io.amcp.agent.join").
		WithPayload(AgentInfo{AgentID: "weather-agent", Capabilities: []string{"weather.get"}}).
		MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))
	broker.Wait()
	time.Sleep(20 * time.Millisecond)

	agents := registry.DiscoverAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "weather-agent", agents[0].AgentID)
}

func TestAgentRegistry_LeaveEventRemovesAgent(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	registry, err := NewAgentRegistry(broker, nil)
	require.NoError(t, err)

	registry.Put(AgentInfo{AgentID: "weather-agent"})

	event := NewEvent("io.amcp.agent.leave").WithPayload("weather-agent").MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))
	broker.Wait()
	time.Sleep(20 * time.Millisecond)

	assert.Empty(t, registry.DiscoverAgents())
}

func TestAgentRegistry_LegacyTopicsAlsoUpdateRegistry(t *testing.T) {
	broker := NewBroker(DefaultBrokerConfig(), nil, nil)
	registry, err := NewAgentRegistry(broker, nil)
	require.NoError(t, err)

	event := NewEvent("agent.join").WithPayload(AgentInfo{AgentID: "legacy-agent"}).MustBuild()
	require.NoError(t, broker.Publish(context.Background(), event))
	broker.Wait()
	time.Sleep(20 * time.Millisecond)

	agents := registry.DiscoverAgents()
	require.Len(t, agents, 1)
	assert.Equal(t, "legacy-agent", agents[0].AgentID)
}
