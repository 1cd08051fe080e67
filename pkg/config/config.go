package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/relay/pkg/types"
)

// Config holds the full daemon configuration loaded from YAML and flags
type Config struct {
	NodeID     string `yaml:"node_id"`
	ListenAddr string `yaml:"listen_addr"`
	HealthAddr string `yaml:"health_addr"`

	Bus   BusConfig   `yaml:"bus"`
	Store StoreConfig `yaml:"store"`
	Log   LogConfig   `yaml:"log"`

	MaxConcurrentTasks int               `yaml:"max_concurrent_tasks"`
	AttemptTimeout     time.Duration     `yaml:"attempt_timeout"`
	Retry              types.RetryPolicy `yaml:"retry"`
	Paused             bool              `yaml:"paused"`

	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	DiscoveryInterval   time.Duration `yaml:"discovery_interval"`
	DrainTimeout        time.Duration `yaml:"drain_timeout"`

	// ControlEndpoint is the address worker details and discovery are
	// fetched from; empty disables both until workers self-describe
	ControlEndpoint string `yaml:"control_endpoint"`
}

// BusConfig configures the message bus adapter
type BusConfig struct {
	Brokers       []string `yaml:"brokers"`
	TaskTopic     string   `yaml:"task_topic"`
	CommandTopic  string   `yaml:"command_topic"`
	RegistryTopic string   `yaml:"registry_topic"`
	Group         string   `yaml:"group"`
}

// StoreConfig configures the state store adapter. When RedisAddr is empty
// the embedded BoltDB backend under DataDir is used instead.
type StoreConfig struct {
	RedisAddr string        `yaml:"redis_addr"`
	DataDir   string        `yaml:"data_dir"`
	TTL       time.Duration `yaml:"ttl"`
}

// LogConfig configures logging output
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// Default returns the built-in configuration defaults
func Default() *Config {
	return &Config{
		ListenAddr: ":7420",
		HealthAddr: ":7421",
		Bus: BusConfig{
			Brokers:       []string{"localhost:9092"},
			TaskTopic:     "relay.tasks",
			CommandTopic:  "agent.commands",
			RegistryTopic: "server-registry",
			Group:         "relay-dispatch",
		},
		Store: StoreConfig{
			DataDir: "/var/lib/relay",
		},
		Log: LogConfig{Level: "info"},

		MaxConcurrentTasks: 8,
		AttemptTimeout:     5 * time.Minute,
		Retry: types.RetryPolicy{
			MaxAttempts:  3,
			InitialDelay: time.Second,
			MaxDelay:     time.Minute,
			Factor:       2,
		},

		HealthCheckInterval: 30 * time.Second,
		DiscoveryInterval:   60 * time.Second,
		DrainTimeout:        30 * time.Second,
	}
}

// Load reads a YAML config file merged over the defaults
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.MaxConcurrentTasks < 1 {
		return fmt.Errorf("max_concurrent_tasks must be >= 1, got %d", c.MaxConcurrentTasks)
	}
	if c.AttemptTimeout <= 0 {
		return fmt.Errorf("attempt_timeout must be positive, got %v", c.AttemptTimeout)
	}
	if err := c.Retry.Validate(); err != nil {
		return err
	}
	if len(c.Bus.Brokers) == 0 {
		return fmt.Errorf("bus.brokers must not be empty")
	}
	if c.Bus.TaskTopic == "" || c.Bus.CommandTopic == "" || c.Bus.RegistryTopic == "" {
		return fmt.Errorf("bus topics must not be empty")
	}
	return nil
}
