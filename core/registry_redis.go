package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/xaviercallens/amcp-v1.5-opensource-sub002/resilience"
)

// RedisRegistryStore persists AgentRegistry snapshots to Redis as a single
// opaque JSON blob per namespace, for operational visibility only — the
// in-memory AgentRegistry remains the source of truth consulted by the
// planning engine (spec §6 "Persisted state layout"). Save/Load round-trips
// go through resilience.Retry so a transient Redis blip doesn't drop a
// snapshot write or sour an operator's Load call.
type RedisRegistryStore struct {
	client      *redis.Client
	namespace   string
	ttl         time.Duration
	retryConfig *resilience.RetryConfig
}

// redisRetryConfig trades resilience.DefaultRetryConfig's 5s cap for a
// tighter one: registry persistence is best-effort and must not stall
// AgentRegistry.Put/Remove callers, which hold r.mu while persisting.
func redisRetryConfig() *resilience.RetryConfig {
	return &resilience.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  50 * time.Millisecond,
		MaxDelay:      500 * time.Millisecond,
		BackoffFactor: 2.0,
		JitterEnabled: true,
	}
}

// NewRedisRegistryStore connects to redisURL and returns a store that
// writes under "<namespace>:registry:snapshot".
func NewRedisRegistryStore(redisURL, namespace string, ttl time.Duration) (*RedisRegistryStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, NewMeshError("NewRedisRegistryStore", "InvalidConfiguration", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, NewMeshError("NewRedisRegistryStore", "ConnectionFailed", err)
	}

	if namespace == "" {
		namespace = "amcp"
	}
	return &RedisRegistryStore{client: client, namespace: namespace, ttl: ttl, retryConfig: redisRetryConfig()}, nil
}

func (s *RedisRegistryStore) key() string {
	return fmt.Sprintf("%s:registry:snapshot", s.namespace)
}

// Save writes the current agent snapshot as JSON, refreshing its TTL.
func (s *RedisRegistryStore) Save(ctx context.Context, agents []AgentInfo) error {
	data, err := json.Marshal(agents)
	if err != nil {
		return NewMeshError("RedisRegistryStore.Save", "SerializationError", err)
	}
	ttl := s.ttl
	if ttl <= 0 {
		ttl = 0 // no expiry
	}
	if err := resilience.Retry(ctx, s.retryConfig, func() error {
		return s.client.Set(ctx, s.key(), data, ttl).Err()
	}); err != nil {
		return NewMeshError("RedisRegistryStore.Save", "ConnectionFailed", err)
	}
	return nil
}

// Load reads back the last persisted snapshot, for operational inspection
// (e.g. a CLI or health endpoint) rather than for repopulating the
// in-memory registry, which is always rebuilt from join/leave events.
func (s *RedisRegistryStore) Load(ctx context.Context) ([]AgentInfo, error) {
	var data []byte
	var missing bool
	err := resilience.Retry(ctx, s.retryConfig, func() error {
		var getErr error
		data, getErr = s.client.Get(ctx, s.key()).Bytes()
		if getErr == redis.Nil {
			missing = true
			return nil
		}
		return getErr
	})
	if err != nil {
		return nil, NewMeshError("RedisRegistryStore.Load", "ConnectionFailed", err)
	}
	if missing {
		return nil, nil
	}
	var agents []AgentInfo
	if err := json.Unmarshal(data, &agents); err != nil {
		return nil, NewMeshError("RedisRegistryStore.Load", "SerializationError", err)
	}
	return agents, nil
}

// Close releases the underlying Redis client.
func (s *RedisRegistryStore) Close() error {
	return s.client.Close()
}
