// Package config defines the dispatch application configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/dispatch/agent"
	"github.com/GoCodeAlone/dispatch/quota"
	"github.com/GoCodeAlone/dispatch/router"
)

// Config is the top-level dispatch configuration.
type Config struct {
	Server   ServerConfig  `json:"server" yaml:"server"`
	Auth     AuthConfig    `json:"auth" yaml:"auth"`
	Agents   []AgentConfig `json:"agents" yaml:"agents"`
	Router   RouterConfig  `json:"router" yaml:"router"`
	Quota    QuotaConfig   `json:"quota" yaml:"quota"`
	DataDir  string        `json:"data_dir" yaml:"data_dir"`
	LogLevel string        `json:"log_level" yaml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls dashboard authentication.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret" yaml:"jwt_secret"`
	AdminUser string `json:"admin_user" yaml:"admin_user"`
	AdminPass string `json:"admin_pass" yaml:"admin_pass"` // bcrypt hash
}

// AgentConfig defines a single agent's configuration.
type AgentConfig struct {
	Name           string `json:"name" yaml:"name"`
	Specialization string `json:"specialization" yaml:"specialization"`
	MaxConcurrent  int    `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	CanDelegate    bool   `json:"can_delegate,omitempty" yaml:"can_delegate"`
	Provider       string `json:"provider" yaml:"provider"` // "mock", "anthropic"
	Model          string `json:"model,omitempty" yaml:"model"`
}

// Duration wraps time.Duration so YAML values like "30s" parse. Bare
// integers are taken as seconds.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string or integer seconds: %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// RouterConfig tunes the polling loop intervals.
type RouterConfig struct {
	MainInterval        Duration `json:"main_interval" yaml:"main_interval"`
	AgentInterval       Duration `json:"agent_interval" yaml:"agent_interval"`
	CoordinatorInterval Duration `json:"coordinator_interval" yaml:"coordinator_interval"`
	ConsistencyInterval Duration `json:"consistency_interval" yaml:"consistency_interval"`
}

// QuotaConfig tunes request admission.
type QuotaConfig struct {
	GlobalBudget    int      `json:"global_budget" yaml:"global_budget"`
	Window          Duration `json:"window" yaml:"window"`
	DefaultFraction float64  `json:"default_fraction" yaml:"default_fraction"`
	CeilingFraction float64  `json:"ceiling_fraction" yaml:"ceiling_fraction"`
}

// DefaultConfig returns a config with sensible defaults: the built-in
// six-agent roster on the mock provider and the standard loop cadence.
func DefaultConfig() *Config {
	cfg := &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Router: RouterConfig{
			MainInterval:        Duration(5 * time.Second),
			AgentInterval:       Duration(10 * time.Second),
			CoordinatorInterval: Duration(15 * time.Second),
			ConsistencyInterval: Duration(30 * time.Second),
		},
		Quota: QuotaConfig{
			GlobalBudget:    100,
			Window:          Duration(time.Hour),
			DefaultFraction: 0.2,
			CeilingFraction: 0.5,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
	for _, a := range agent.DefaultRegistry().All() {
		cfg.Agents = append(cfg.Agents, AgentConfig{
			Name:           a.Name,
			Specialization: a.Specialization,
			MaxConcurrent:  a.MaxConcurrentTasks,
			CanDelegate:    a.CanDelegate,
			Provider:       "mock",
		})
	}
	return cfg
}

// Load reads a YAML config file over the defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Registry builds the agent registry from the configured roster.
func (c *Config) Registry() *agent.Registry {
	agents := make([]agent.Agent, 0, len(c.Agents))
	for _, a := range c.Agents {
		agents = append(agents, agent.Agent{
			Name:               a.Name,
			Specialization:     a.Specialization,
			MaxConcurrentTasks: a.MaxConcurrent,
			CanDelegate:        a.CanDelegate,
		})
	}
	return agent.NewRegistry(agents...)
}

// Intervals converts the router section into loop intervals.
func (c *Config) Intervals() router.Intervals {
	return router.Intervals{
		Main:        c.Router.MainInterval.Std(),
		Agent:       c.Router.AgentInterval.Std(),
		Coordinator: c.Router.CoordinatorInterval.Std(),
		Consistency: c.Router.ConsistencyInterval.Std(),
	}
}

// QuotaSettings converts the quota section into a ledger config.
func (c *Config) QuotaSettings() quota.Config {
	return quota.Config{
		GlobalBudget:    c.Quota.GlobalBudget,
		Window:          c.Quota.Window.Std(),
		DefaultFraction: c.Quota.DefaultFraction,
		CeilingFraction: c.Quota.CeilingFraction,
	}
}
