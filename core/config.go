package core

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// MeshConfig holds tunables for the broker, correlation tracker, and
// registry. Configuration priority mirrors the teacher framework's: (1)
// defaults, (2) an optional YAML file, (3) environment variables
// (highest), matching AMCP_* naming.
type MeshConfig struct {
	BrokerWorkers         int           `yaml:"broker_workers"`
	HandlerTimeout        time.Duration `yaml:"handler_timeout"`
	ReliableRetryBackoff  time.Duration `yaml:"reliable_retry_backoff"`
	ReliableRetryMax      time.Duration `yaml:"reliable_retry_max_backoff"`
	DefaultTaskTimeout    time.Duration `yaml:"default_task_timeout"`
	DefaultSessionTimeout time.Duration `yaml:"default_session_timeout"`
	RegistryRedisURL      string        `yaml:"registry_redis_url"`
	RegistryNamespace     string        `yaml:"registry_namespace"`
}

// DefaultMeshConfig returns sensible defaults: unbounded dispatch
// concurrency, short reliable-delivery backoff, a 30s default task
// timeout and a 2-minute default session budget.
func DefaultMeshConfig() *MeshConfig {
	return &MeshConfig{
		BrokerWorkers:         0,
		ReliableRetryBackoff:  100 * time.Millisecond,
		ReliableRetryMax:      2 * time.Second,
		DefaultTaskTimeout:    30 * time.Second,
		DefaultSessionTimeout: 2 * time.Minute,
		RegistryNamespace:     "amcp",
	}
}

// LoadMeshConfig applies DefaultMeshConfig, then overlays an optional YAML
// file at path (skipped if path is empty or unreadable), then overlays
// AMCP_* environment variables.
func LoadMeshConfig(path string) (*MeshConfig, error) {
	cfg := DefaultMeshConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, NewMeshError("LoadMeshConfig", "InvalidConfiguration", err)
			}
		}
	}

	applyEnvOverrides(cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *MeshConfig) {
	if v := os.Getenv("AMCP_BROKER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BrokerWorkers = n
		}
	}
	if v := os.Getenv("AMCP_HANDLER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.HandlerTimeout = d
		}
	}
	if v := os.Getenv("AMCP_DEFAULT_TASK_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultTaskTimeout = d
		}
	}
	if v := os.Getenv("AMCP_DEFAULT_SESSION_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DefaultSessionTimeout = d
		}
	}
	if v := os.Getenv("AMCP_REGISTRY_REDIS_URL"); v != "" {
		cfg.RegistryRedisURL = v
	}
	if v := os.Getenv("AMCP_REGISTRY_NAMESPACE"); v != "" {
		cfg.RegistryNamespace = v
	}
}

// BrokerConfig converts the subset of MeshConfig relevant to the broker.
func (c *MeshConfig) BrokerConfig() BrokerConfig {
	return BrokerConfig{
		Workers:         c.BrokerWorkers,
		HandlerTimeout:  c.HandlerTimeout,
		RetryBackoff:    c.ReliableRetryBackoff,
		RetryMaxBackoff: c.ReliableRetryMax,
	}
}
