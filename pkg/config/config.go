// Package config loads orchestrator configuration from a YAML file and
// applies CLI flag overrides on top, defaults-then-override.
package config

import (
	"fmt"
	"math/rand"
	"os"
	"time"

	retry "github.com/avast/retry-go"
	"gopkg.in/yaml.v3"
)

// WarmFloor maps a worker template name to the minimum number of warm
// (RUNNING, STOPPED, PROVISIONING or PENDING) workers the controller
// keeps for it.
type WarmFloor map[string]int

// DrainTimeout maps a worker template name to the grace period the
// controller waits before force-stopping a draining worker of that
// template.
type DrainTimeout map[string]time.Duration

// PortRange is the [lo, hi] inclusive port window a worker template
// allocates console/VNC/SSH ports from.
type PortRange struct {
	Start int `yaml:"start"`
	End   int `yaml:"end"`
}

// WorkerTemplate is one entry of the worker_templates[] seed list.
type WorkerTemplate struct {
	Name         string            `yaml:"name"`
	InstanceType string            `yaml:"instance_type"`
	Capacity     TemplateCapacity  `yaml:"capacity"`
	LicenseType  string            `yaml:"license_type"`
	AMIPattern   string            `yaml:"ami_pattern"`
	Regions      []string          `yaml:"regions"`
	PortRange    PortRange         `yaml:"port_range"`
	DrainTimeout time.Duration     `yaml:"drain_timeout"`
	Tags         map[string]string `yaml:"tags"`
}

// TemplateCapacity is the declared capacity of one worker of a template.
type TemplateCapacity struct {
	CPUCores  int `yaml:"cpu_cores"`
	MemoryGB  int `yaml:"memory_gb"`
	StorageGB int `yaml:"storage_gb"`
	MaxNodes  int `yaml:"max_nodes"`
}

// SchedulerConfig holds §6's scheduler.* recognized options.
type SchedulerConfig struct {
	Interval             time.Duration `yaml:"interval"`
	LeadTime             time.Duration `yaml:"lead_time"`
	InstantiationTimeout time.Duration `yaml:"instantiation_timeout"`
}

// ControllerConfig holds §6's controller.* recognized options.
type ControllerConfig struct {
	Interval        time.Duration `yaml:"interval"`
	ScaleDownGrace  time.Duration `yaml:"scale_down_grace"`
	ScaleUpSafety   time.Duration `yaml:"scale_up_safety"`
	MinWarm         WarmFloor     `yaml:"min_warm"`
}

// DrainConfig holds §6's drain.* recognized options.
type DrainConfig struct {
	Timeout DrainTimeout `yaml:"timeout"`
}

// SSEConfig holds the SSE relay's recognized option.
type SSEConfig struct {
	QueueDepth int `yaml:"queue_depth"`
}

// CloudEventsConfig holds the external CloudEvents publisher/consumer's
// recognized options.
type CloudEventsConfig struct {
	SinkURL string `yaml:"sink_url"`
	Source  string `yaml:"source"`
}

// LeaderConfig holds the coordination store's leader-lease option.
type LeaderConfig struct {
	LeaseTTL time.Duration `yaml:"lease_ttl"`
}

// RetryConfig holds the capped exponential backoff parameters shared by
// the instantiation pipeline and the external CloudEvents publisher.
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Base        time.Duration `yaml:"base"`
	Cap         time.Duration `yaml:"cap"`
	// Jitter is the fraction of the backoff delay to randomly perturb by,
	// in both directions (0.2 means the delay for a given attempt varies
	// by up to ±20%), so concurrent retriers don't all wake on the same
	// tick.
	Jitter float64 `yaml:"jitter"`
}

// DelayType returns the retry.Do delay function for this config: capped
// exponential backoff (retry.BackOffDelay) perturbed by up to ±Jitter.
// retry-go v3 has no built-in jitter option, so this composes one on top
// of BackOffDelay directly.
func (r RetryConfig) DelayType() func(n uint, err error, cfg *retry.Config) time.Duration {
	return func(n uint, err error, cfg *retry.Config) time.Duration {
		d := retry.BackOffDelay(n, err, cfg)
		if r.Jitter <= 0 {
			return d
		}
		delta := (rand.Float64()*2 - 1) * r.Jitter * float64(d)
		jittered := time.Duration(float64(d) + delta)
		if jittered < 0 {
			return 0
		}
		if r.Cap > 0 && jittered > r.Cap {
			return r.Cap
		}
		return jittered
	}
}

// Config is the fully resolved orchestrator configuration: YAML defaults
// overridden by CLI flags.
type Config struct {
	Scheduler       SchedulerConfig    `yaml:"scheduler"`
	Controller      ControllerConfig   `yaml:"controller"`
	Drain           DrainConfig        `yaml:"drain"`
	WorkerTemplates []WorkerTemplate   `yaml:"worker_templates"`
	PortRangeDefault PortRange         `yaml:"port_range_default"`
	SSE             SSEConfig          `yaml:"sse"`
	CloudEvents     CloudEventsConfig  `yaml:"cloudevents"`
	Leader          LeaderConfig       `yaml:"leader"`
	Retry           RetryConfig        `yaml:"retry"`

	// DataDir is where the coordination store (raft log + snapshots)
	// and aggregate store (bbolt file) keep their on-disk state.
	DataDir string `yaml:"data_dir"`
	// NodeID identifies this process in the raft cluster.
	NodeID string `yaml:"node_id"`
	// BindAddr is the raft transport listen address.
	BindAddr string `yaml:"bind_addr"`
	// APIAddr is the HTTP listen address for SSE, CloudEvents ingress
	// and the metrics/health endpoints.
	APIAddr string `yaml:"api_addr"`
}

// Default returns a Config with every §6 default applied.
func Default() *Config {
	return &Config{
		Scheduler: SchedulerConfig{
			Interval:             30 * time.Second,
			LeadTime:             35 * time.Minute,
			InstantiationTimeout: 10 * time.Minute,
		},
		Controller: ControllerConfig{
			Interval:       30 * time.Second,
			ScaleDownGrace: 30 * time.Minute,
			ScaleUpSafety:  15 * time.Minute,
			MinWarm:        WarmFloor{},
		},
		Drain: DrainConfig{
			Timeout: DrainTimeout{},
		},
		PortRangeDefault: PortRange{Start: 2000, End: 9999},
		SSE: SSEConfig{
			QueueDepth: 1024,
		},
		Leader: LeaderConfig{
			LeaseTTL: 15 * time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			Base:        1 * time.Second,
			Cap:         30 * time.Second,
			Jitter:      0.2,
		},
		DataDir:  "/var/lib/orchestratord",
		BindAddr: "127.0.0.1:7000",
		APIAddr:  "127.0.0.1:8080",
	}
}

// Load reads a YAML config file at path, merging it over Default(). An
// empty path returns the defaults unmodified.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// TemplateByName looks up a worker template by name.
func (c *Config) TemplateByName(name string) (WorkerTemplate, bool) {
	for _, t := range c.WorkerTemplates {
		if t.Name == name {
			return t, true
		}
	}
	return WorkerTemplate{}, false
}

// WarmFloorFor returns the configured minimum warm-worker count for a
// template, defaulting to zero.
func (c *Config) WarmFloorFor(template string) int {
	return c.Controller.MinWarm[template]
}

// DrainTimeoutFor returns the configured drain timeout for a template,
// falling back to the template's own seed value, then to 4h.
func (c *Config) DrainTimeoutFor(template string) time.Duration {
	if d, ok := c.Drain.Timeout[template]; ok {
		return d
	}
	for _, t := range c.WorkerTemplates {
		if t.Name == template && t.DrainTimeout > 0 {
			return t.DrainTimeout
		}
	}
	return 4 * time.Hour
}
