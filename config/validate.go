package config

import (
	"fmt"
	"strings"

	"query-balancer/selector"
)

// Validate checks configuration correctness. Declarative checks only — it
// never mutates the config.
func (c *Config) Validate() error {
	for _, ep := range c.Etcd.Endpoints {
		if strings.TrimSpace(ep) == "" {
			return fmt.Errorf("etcd: empty endpoint")
		}
	}
	if !strings.HasPrefix(c.Etcd.Path, "/") {
		return fmt.Errorf("etcd: path must be absolute, got %q", c.Etcd.Path)
	}
	if c.Etcd.BackoffMinMs > c.Etcd.BackoffMaxMs {
		return fmt.Errorf("etcd: backoff_min_ms (%d) exceeds backoff_max_ms (%d)",
			c.Etcd.BackoffMinMs, c.Etcd.BackoffMaxMs)
	}

	if _, err := selector.New(selector.Policy(c.Balancer.Policy)); err != nil {
		return fmt.Errorf("balancer: %w", err)
	}
	if c.Balancer.MaxRetries > 10 {
		return fmt.Errorf("balancer: max_retries %d is unreasonable, limit is 10", c.Balancer.MaxRetries)
	}
	if c.Balancer.RateLimit < 0 {
		return fmt.Errorf("balancer: rate_limit must be >= 0")
	}
	if c.Balancer.RateLimit > 0 && c.Balancer.RateBurst <= 0 {
		return fmt.Errorf("balancer: rate_burst must be > 0 when rate_limit is set")
	}
	return nil
}
