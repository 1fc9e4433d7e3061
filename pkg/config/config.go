package config

import (
	"fmt"
	"os"
	"time"

	"github.com/cuemby/foreman/pkg/queue"
	"github.com/cuemby/foreman/pkg/ratelimit"
	"github.com/cuemby/foreman/pkg/scheduler"
	"github.com/cuemby/foreman/pkg/types"
	"gopkg.in/yaml.v3"
)

// RateLimit configures one provider's token bucket.
type RateLimit struct {
	Capacity   int     `yaml:"capacity"`
	RefillRate float64 `yaml:"refill_rate"`
}

// Quota configures one provider's rolling request limits. Zero disables a
// horizon.
type Quota struct {
	Daily   int `yaml:"daily"`
	Weekly  int `yaml:"weekly"`
	Monthly int `yaml:"monthly"`
}

// QueueCaps sets per-class queue depth limits.
type QueueCaps struct {
	High   int `yaml:"high"`
	Medium int `yaml:"medium"`
	Low    int `yaml:"low"`
}

// Config is the full Foreman configuration.
type Config struct {
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`
	LogJSON  bool   `yaml:"log_json"`

	RateLimits           map[string]RateLimit `yaml:"rate_limits"`
	Quotas               map[string]Quota     `yaml:"quotas"`
	QueueCaps            QueueCaps            `yaml:"queue_caps"`
	EnablePrioritization bool                 `yaml:"enable_prioritization"`

	LeaseTTLMs             int64 `yaml:"lease_ttl_ms"`
	HeartbeatIntervalMs    int64 `yaml:"heartbeat_interval_ms"`
	RenewalIntervalMs      int64 `yaml:"renewal_interval_ms"`
	ReservationRetryBudget int   `yaml:"reservation_retry_budget"`
	AttemptsCeiling        int   `yaml:"attempts_ceiling"`
	StaleAgentAfterMs      int64 `yaml:"stale_agent_after_ms"`
	ReaperIntervalMs       int64 `yaml:"reaper_interval_ms"`

	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		DataDir:  "/var/lib/foreman",
		LogLevel: "info",
		QueueCaps: QueueCaps{
			High:   64,
			Medium: 128,
			Low:    256,
		},
		LeaseTTLMs:             30_000,
		HeartbeatIntervalMs:    15_000,
		RenewalIntervalMs:      10_000,
		ReservationRetryBudget: 8,
		StaleAgentAfterMs:      120_000,
		MetricsAddr:            ":9090",
	}
}

// Load reads a YAML file over the defaults. A missing path returns defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings.
func (c *Config) Validate() error {
	if c.RenewalIntervalMs >= c.LeaseTTLMs/2 {
		return fmt.Errorf("renewal_interval_ms %d must be < lease_ttl_ms %d / 2", c.RenewalIntervalMs, c.LeaseTTLMs)
	}
	if c.ReservationRetryBudget < 1 {
		return fmt.Errorf("reservation_retry_budget must be at least 1")
	}
	for provider, rl := range c.RateLimits {
		if rl.Capacity < 1 {
			return fmt.Errorf("rate_limits.%s.capacity must be at least 1", provider)
		}
		if rl.RefillRate <= 0 {
			return fmt.Errorf("rate_limits.%s.refill_rate must be positive", provider)
		}
	}
	return nil
}

// SchedulerConfig maps onto the scheduler's timing parameters.
func (c *Config) SchedulerConfig() scheduler.Config {
	return scheduler.Config{
		LeaseTTL:          time.Duration(c.LeaseTTLMs) * time.Millisecond,
		HeartbeatInterval: time.Duration(c.HeartbeatIntervalMs) * time.Millisecond,
		RenewalInterval:   time.Duration(c.RenewalIntervalMs) * time.Millisecond,
		RetryBudget:       c.ReservationRetryBudget,
		AttemptsCeiling:   c.AttemptsCeiling,
		StaleAgentAfter:   time.Duration(c.StaleAgentAfterMs) * time.Millisecond,
		ReaperInterval:    time.Duration(c.ReaperIntervalMs) * time.Millisecond,
	}
}

// QueueConfig maps onto the priority queue's caps and eviction policy.
func (c *Config) QueueConfig() queue.Config {
	return queue.Config{
		Caps: map[types.Priority]int{
			types.PriorityHigh:   c.QueueCaps.High,
			types.PriorityMedium: c.QueueCaps.Medium,
			types.PriorityLow:    c.QueueCaps.Low,
		},
		EnablePrioritization: c.EnablePrioritization,
	}
}

// QuotaLimits maps onto the quota manager's per-provider limits.
func (c *Config) QuotaLimits() map[string]ratelimit.QuotaLimits {
	out := make(map[string]ratelimit.QuotaLimits, len(c.Quotas))
	for provider, q := range c.Quotas {
		out[provider] = ratelimit.QuotaLimits{Daily: q.Daily, Weekly: q.Weekly, Monthly: q.Monthly}
	}
	return out
}
