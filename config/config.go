// Package config loads and validates the balancer configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"query-balancer/dispatcher"
)

type Config struct {
	Etcd      EtcdConfig      `yaml:"etcd"`
	Balancer  BalancerConfig  `yaml:"balancer"`
	Transport TransportConfig `yaml:"transport"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ---- COORDINATION SERVICE ----

type EtcdConfig struct {
	Endpoints     []string `yaml:"endpoints"`
	Path          string   `yaml:"path"` // registration root watched for backends
	DialTimeoutMs int      `yaml:"dial_timeout_ms"`
	BackoffMinMs  int      `yaml:"backoff_min_ms"` // reconnect backoff bounds
	BackoffMaxMs  int      `yaml:"backoff_max_ms"`
}

// ---- BALANCING ----

type BalancerConfig struct {
	ListenAddr       string  `yaml:"listen_addr"`
	Policy           string  `yaml:"policy"` // round_robin, least_loaded, weighted_random, consistent_hash
	FailureThreshold int     `yaml:"failure_threshold"`
	MaxRetries       int     `yaml:"max_retries"` // 0 selects the default budget, negative disables failover
	CallTimeoutMs    int     `yaml:"call_timeout_ms"`
	RateLimit        float64 `yaml:"rate_limit"` // calls per second, 0 disables
	RateBurst        int     `yaml:"rate_burst"`
}

// ---- OUTBOUND TRANSPORT ----

type TransportConfig struct {
	DialTimeoutMs      int `yaml:"dial_timeout_ms"`
	MaxConnsPerBackend int `yaml:"max_conns_per_backend"`
}

// ---- OBSERVABILITY ----

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"` // empty disables the endpoint
}

// Load reads, decodes, defaults, and validates a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ApplyDefaults fills unset fields. It mutates the config and must run
// before Validate.
func (c *Config) ApplyDefaults() {
	if len(c.Etcd.Endpoints) == 0 {
		c.Etcd.Endpoints = []string{"localhost:2379"}
	}
	if c.Etcd.Path == "" {
		c.Etcd.Path = "/query-balancer/backends"
	}
	if c.Etcd.DialTimeoutMs <= 0 {
		c.Etcd.DialTimeoutMs = 5000
	}
	if c.Etcd.BackoffMinMs <= 0 {
		c.Etcd.BackoffMinMs = 200
	}
	if c.Etcd.BackoffMaxMs <= 0 {
		c.Etcd.BackoffMaxMs = 10000
	}
	if c.Balancer.ListenAddr == "" {
		c.Balancer.ListenAddr = ":7610"
	}
	if c.Balancer.Policy == "" {
		c.Balancer.Policy = "round_robin"
	}
	if c.Balancer.FailureThreshold <= 0 {
		c.Balancer.FailureThreshold = 3
	}
	if c.Balancer.MaxRetries == 0 {
		c.Balancer.MaxRetries = dispatcher.DefaultMaxRetries
	}
	if c.Balancer.CallTimeoutMs <= 0 {
		c.Balancer.CallTimeoutMs = 10000
	}
	if c.Transport.DialTimeoutMs <= 0 {
		c.Transport.DialTimeoutMs = 3000
	}
	if c.Transport.MaxConnsPerBackend <= 0 {
		c.Transport.MaxConnsPerBackend = 4
	}
}

// Duration accessors — the file stores integer milliseconds.

func (c *EtcdConfig) DialTimeout() time.Duration { return time.Duration(c.DialTimeoutMs) * time.Millisecond }
func (c *EtcdConfig) BackoffMin() time.Duration  { return time.Duration(c.BackoffMinMs) * time.Millisecond }
func (c *EtcdConfig) BackoffMax() time.Duration  { return time.Duration(c.BackoffMaxMs) * time.Millisecond }

func (c *BalancerConfig) CallTimeout() time.Duration {
	return time.Duration(c.CallTimeoutMs) * time.Millisecond
}

func (c *TransportConfig) DialTimeout() time.Duration {
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}
