// Package config provides configuration loading for the atelier
// platform: layered YAML files merged over defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atelierhq/atelier/cost"
	"github.com/atelierhq/atelier/llm"
	"github.com/atelierhq/atelier/refresher"
	"github.com/atelierhq/atelier/sandbox"
	"github.com/atelierhq/atelier/webhook"
)

// Config is the complete platform configuration.
type Config struct {
	HTTP        HTTPConfig        `yaml:"http"`
	NATS        NATSConfig        `yaml:"nats"`
	LLM         LLMConfig         `yaml:"llm"`
	Rules       RulesConfig       `yaml:"rules"`
	Workspace   WorkspaceConfig   `yaml:"workspace"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Sandbox     sandbox.Config    `yaml:"sandbox"`
	Cost        cost.Pricing      `yaml:"cost"`
	Refresher   RefresherConfig   `yaml:"refresher"`
	Publisher   PublisherConfig   `yaml:"publisher"`
	Agent       AgentConfig       `yaml:"agent"`
	Tasks       TasksConfig       `yaml:"tasks"`
	Webhooks    WebhooksConfig    `yaml:"webhooks"`
}

// HTTPConfig configures the control API listener.
type HTTPConfig struct {
	// Addr is the listen address (host:port).
	Addr string `yaml:"addr"`
}

// NATSConfig configures the NATS connection.
type NATSConfig struct {
	// URL is the NATS server URL (empty = use embedded server).
	URL string `yaml:"url"`
	// Embedded indicates whether to run an embedded server.
	Embedded bool `yaml:"embedded"`
	// StoreDir is the embedded server's JetStream directory.
	StoreDir string `yaml:"store_dir"`
}

// LLMConfig configures the completion client's profile chains.
type LLMConfig struct {
	// Profiles maps a profile name (quality, fast) to its endpoint
	// chain; the first endpoint is primary, the rest are fallbacks.
	Profiles map[string][]llm.Endpoint `yaml:"profiles"`

	// Retry is the per-endpoint retry policy; zero fields use the
	// client's defaults.
	Retry llm.RetryConfig `yaml:"retry,omitempty"`
}

// RulesConfig configures the Markdown rule documents.
type RulesConfig struct {
	// Dir holds the genre rule files for the code-generation track.
	Dir string `yaml:"dir"`
	// SaaSDir holds the per-SaaS operation rule files.
	SaaSDir string `yaml:"saas_dir"`
}

// WorkspaceConfig configures run workspaces.
type WorkspaceConfig struct {
	// Root is the base directory run outputs are written under.
	Root string `yaml:"root"`
}

// CredentialsConfig configures token encryption at rest.
type CredentialsConfig struct {
	// EncryptionKey is the base64 AES-256 key. Empty stores token
	// material unencrypted, which is only acceptable in development.
	EncryptionKey string `yaml:"encryption_key"`
}

// RefresherConfig configures the OAuth refresh sweep.
type RefresherConfig struct {
	Interval time.Duration `yaml:"interval"`
	Buffer   time.Duration `yaml:"buffer"`
	// Clients maps a SaaS name to its OAuth client credentials.
	Clients map[string]refresher.ClientCredentials `yaml:"clients"`
}

// PublisherConfig configures where reviewed code is committed. An empty
// token disables pushing; runs still commit locally.
type PublisherConfig struct {
	Token      string `yaml:"token"`
	Repository string `yaml:"repository"`
	Branch     string `yaml:"branch"`
}

// AgentConfig configures the code-generation pipeline.
type AgentConfig struct {
	StageTimeout time.Duration `yaml:"stage_timeout"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	MaxRetry     int           `yaml:"max_retry"`
}

// TasksConfig configures the SaaS task track.
type TasksConfig struct {
	StageTimeout time.Duration `yaml:"stage_timeout"`
	RunTimeout   time.Duration `yaml:"run_timeout"`
	// FailureThreshold is how many similar failures trigger a rule
	// change draft.
	FailureThreshold int `yaml:"failure_threshold"`
}

// WebhooksConfig configures the inbound channels. A channel with a zero
// config is not mounted.
type WebhooksConfig struct {
	Slack    webhook.SlackConfig    `yaml:"slack"`
	Chatwork webhook.ChatworkConfig `yaml:"chatwork"`
	Generic  webhook.GenericConfig  `yaml:"generic"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		NATS: NATSConfig{
			Embedded: true,
			StoreDir: "data/nats",
		},
		LLM: LLMConfig{
			Profiles: map[string][]llm.Endpoint{
				string(llm.ProfileQuality): {
					{Provider: "anthropic", Model: "claude-sonnet-4-5"},
				},
				string(llm.ProfileFast): {
					{Provider: "openai", Model: "gpt-4o-mini"},
				},
			},
		},
		Rules: RulesConfig{
			Dir:     "rules",
			SaaSDir: "rules/saas",
		},
		Workspace: WorkspaceConfig{
			Root: "workspaces",
		},
		Sandbox: sandbox.DefaultConfig(),
		Cost:    cost.DefaultPricing(),
		Refresher: RefresherConfig{
			Interval: refresher.DefaultInterval,
			Buffer:   refresher.DefaultBuffer,
		},
		Agent: AgentConfig{
			StageTimeout: 180 * time.Second,
			RunTimeout:   600 * time.Second,
			MaxRetry:     3,
		},
		Tasks: TasksConfig{
			StageTimeout:     180 * time.Second,
			RunTimeout:       600 * time.Second,
			FailureThreshold: 3,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.HTTP.Addr == "" {
		return fmt.Errorf("http.addr is required")
	}
	if !c.NATS.Embedded && c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required when nats.embedded is false")
	}
	if len(c.LLM.Profiles) == 0 {
		return fmt.Errorf("llm.profiles must define at least one profile")
	}
	for name, chain := range c.LLM.Profiles {
		if len(chain) == 0 {
			return fmt.Errorf("llm profile %q has no endpoints", name)
		}
		for _, ep := range chain {
			if ep.Provider == "" || ep.Model == "" {
				return fmt.Errorf("llm profile %q has an endpoint without provider or model", name)
			}
		}
	}
	if c.Rules.Dir == "" {
		return fmt.Errorf("rules.dir is required")
	}
	if c.Workspace.Root == "" {
		return fmt.Errorf("workspace.root is required")
	}
	if c.Agent.MaxRetry < 0 {
		return fmt.Errorf("agent.max_retry must not be negative")
	}
	if c.Tasks.FailureThreshold < 1 {
		return fmt.Errorf("tasks.failure_threshold must be at least 1")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML file over the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return config, nil
}

// SaveToFile saves configuration to a YAML file.
func (c *Config) SaveToFile(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Merge merges another config into this one (other takes precedence for
// non-zero values).
func (c *Config) Merge(other *Config) {
	if other == nil {
		return
	}

	if other.HTTP.Addr != "" {
		c.HTTP.Addr = other.HTTP.Addr
	}

	if other.NATS.URL != "" {
		c.NATS.URL = other.NATS.URL
		c.NATS.Embedded = false
	}
	if other.NATS.StoreDir != "" {
		c.NATS.StoreDir = other.NATS.StoreDir
	}

	if c.LLM.Profiles == nil {
		c.LLM.Profiles = make(map[string][]llm.Endpoint)
	}
	for name, chain := range other.LLM.Profiles {
		if len(chain) > 0 {
			c.LLM.Profiles[name] = chain
		}
	}
	if other.LLM.Retry != (llm.RetryConfig{}) {
		c.LLM.Retry = other.LLM.Retry
	}

	if other.Rules.Dir != "" {
		c.Rules.Dir = other.Rules.Dir
	}
	if other.Rules.SaaSDir != "" {
		c.Rules.SaaSDir = other.Rules.SaaSDir
	}
	if other.Workspace.Root != "" {
		c.Workspace.Root = other.Workspace.Root
	}
	if other.Credentials.EncryptionKey != "" {
		c.Credentials.EncryptionKey = other.Credentials.EncryptionKey
	}

	if other.Sandbox.Image != "" {
		c.Sandbox = other.Sandbox
	}
	if other.Cost.InputPerMillionUSD != 0 || other.Cost.OutputPerMillionUSD != 0 || other.Cost.MaxPerRunUSD != 0 {
		c.Cost = other.Cost
	}

	if other.Refresher.Interval != 0 {
		c.Refresher.Interval = other.Refresher.Interval
	}
	if other.Refresher.Buffer != 0 {
		c.Refresher.Buffer = other.Refresher.Buffer
	}
	if len(other.Refresher.Clients) > 0 {
		c.Refresher.Clients = other.Refresher.Clients
	}

	if other.Publisher.Repository != "" {
		c.Publisher = other.Publisher
	}

	if other.Agent.StageTimeout != 0 {
		c.Agent.StageTimeout = other.Agent.StageTimeout
	}
	if other.Agent.RunTimeout != 0 {
		c.Agent.RunTimeout = other.Agent.RunTimeout
	}
	if other.Agent.MaxRetry != 0 {
		c.Agent.MaxRetry = other.Agent.MaxRetry
	}

	if other.Tasks.StageTimeout != 0 {
		c.Tasks.StageTimeout = other.Tasks.StageTimeout
	}
	if other.Tasks.RunTimeout != 0 {
		c.Tasks.RunTimeout = other.Tasks.RunTimeout
	}
	if other.Tasks.FailureThreshold != 0 {
		c.Tasks.FailureThreshold = other.Tasks.FailureThreshold
	}

	if other.Webhooks.Slack.SigningSecret != "" {
		c.Webhooks.Slack = other.Webhooks.Slack
	}
	if other.Webhooks.Chatwork.WebhookToken != "" {
		c.Webhooks.Chatwork = other.Webhooks.Chatwork
	}
	if other.Webhooks.Generic.Token != "" {
		c.Webhooks.Generic = other.Webhooks.Generic
	}
}

// Profiles converts the YAML profile map to the llm client's form.
func (c *Config) Profiles() map[llm.Profile][]llm.Endpoint {
	out := make(map[llm.Profile][]llm.Endpoint, len(c.LLM.Profiles))
	for name, chain := range c.LLM.Profiles {
		out[llm.Profile(name)] = chain
	}
	return out
}
