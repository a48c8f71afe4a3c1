// Package config loads the drover configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/droverhq/drover/pkg/balancer"
	"github.com/droverhq/drover/pkg/coordinator"
	"github.com/droverhq/drover/pkg/scheduler"
)

// Duration wraps time.Duration with yaml string parsing ("90s", "5m").
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) or(fallback time.Duration) time.Duration {
	if d == 0 {
		return fallback
	}
	return time.Duration(d)
}

// Config is the file-level configuration. Zero values fall back to the
// component defaults, so a partial file is fine.
type Config struct {
	DataDir    string `yaml:"data_dir"`
	Durability bool   `yaml:"durability"`

	Log struct {
		Level string `yaml:"level"`
		JSON  bool   `yaml:"json"`
	} `yaml:"log"`

	API struct {
		Listen string `yaml:"listen"`
		// ReadOnlyListen, when set, serves a second listener that only
		// permits inspection.
		ReadOnlyListen string `yaml:"read_only_listen"`
	} `yaml:"api"`

	Scheduler struct {
		Strategy          string         `yaml:"strategy"`
		StarvationMode    string         `yaml:"starvation_mode"`
		CancelPolicy      string         `yaml:"cancel_policy"`
		MaxStarvationTime Duration       `yaml:"max_starvation_time"`
		MaxPriorityBoost  float64        `yaml:"max_priority_boost"`
		ResourceCapacity  map[string]int `yaml:"resource_capacity"`
	} `yaml:"scheduler"`

	Registry struct {
		HeartbeatTimeout Duration `yaml:"heartbeat_timeout"`
	} `yaml:"registry"`

	Balancer struct {
		Strategy          string   `yaml:"strategy"`
		FailureThreshold  int      `yaml:"failure_threshold"`
		Cooldown          Duration `yaml:"cooldown"`
		PreemptionEnabled bool     `yaml:"preemption_enabled"`
	} `yaml:"balancer"`

	Coordinator struct {
		DispatchInterval      Duration `yaml:"dispatch_interval"`
		MaxConcurrentDispatch int      `yaml:"max_concurrent_dispatch"`
		HeartbeatTimeout      Duration `yaml:"heartbeat_timeout"`
	} `yaml:"coordinator"`

	Monitor struct {
		CheckInterval Duration `yaml:"check_interval"`
		Retention     int      `yaml:"retention"`
		TrendWindow   Duration `yaml:"trend_window"`
		SLAPeriod     Duration `yaml:"sla_period"`
	} `yaml:"monitor"`
}

// Default returns the stock configuration.
func Default() *Config {
	cfg := &Config{
		DataDir:    "/var/lib/drover",
		Durability: true,
	}
	cfg.Log.Level = "info"
	cfg.API.Listen = "127.0.0.1:8080"
	return cfg
}

// Load reads a yaml file over the defaults. A missing path returns the
// defaults unchanged.
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
	return cfg, nil
}

// System converts the file configuration into component configs,
// filling gaps with the component defaults.
func (c *Config) System() coordinator.SystemConfig {
	sys := coordinator.DefaultSystemConfig()

	if c.Scheduler.Strategy != "" {
		sys.Scheduler.Strategy = scheduler.Strategy(c.Scheduler.Strategy)
	}
	if c.Scheduler.StarvationMode != "" {
		sys.Scheduler.StarvationMode = scheduler.StarvationMode(c.Scheduler.StarvationMode)
	}
	if c.Scheduler.CancelPolicy != "" {
		sys.Scheduler.CancelPolicy = scheduler.CancelPolicy(c.Scheduler.CancelPolicy)
	}
	sys.Scheduler.MaxStarvationTime = c.Scheduler.MaxStarvationTime.or(sys.Scheduler.MaxStarvationTime)
	if c.Scheduler.MaxPriorityBoost > 0 {
		sys.Scheduler.MaxPriorityBoost = c.Scheduler.MaxPriorityBoost
	}
	if len(c.Scheduler.ResourceCapacity) > 0 {
		sys.Scheduler.ResourceCapacity = c.Scheduler.ResourceCapacity
	}

	sys.Registry.HeartbeatTimeout = c.Registry.HeartbeatTimeout.or(sys.Registry.HeartbeatTimeout)

	if c.Balancer.Strategy != "" {
		sys.Balancer.Strategy = balancer.StrategyName(c.Balancer.Strategy)
	}
	if c.Balancer.FailureThreshold > 0 {
		sys.Balancer.FailureThreshold = c.Balancer.FailureThreshold
	}
	sys.Balancer.Cooldown = c.Balancer.Cooldown.or(sys.Balancer.Cooldown)
	sys.Balancer.PreemptionEnabled = c.Balancer.PreemptionEnabled

	sys.Coordinator.DispatchInterval = c.Coordinator.DispatchInterval.or(sys.Coordinator.DispatchInterval)
	if c.Coordinator.MaxConcurrentDispatch > 0 {
		sys.Coordinator.MaxConcurrentDispatch = c.Coordinator.MaxConcurrentDispatch
	}
	sys.Coordinator.HeartbeatTimeout = c.Coordinator.HeartbeatTimeout.or(sys.Coordinator.HeartbeatTimeout)

	sys.Monitor.CheckInterval = c.Monitor.CheckInterval.or(sys.Monitor.CheckInterval)
	if c.Monitor.Retention > 0 {
		sys.Monitor.Retention = c.Monitor.Retention
	}
	sys.Monitor.TrendWindow = c.Monitor.TrendWindow.or(sys.Monitor.TrendWindow)
	sys.Monitor.SLAPeriod = c.Monitor.SLAPeriod.or(sys.Monitor.SLAPeriod)

	return sys
}
