package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"goa.design/relay/runtime/budget"
)

type (
	// Config is the YAML document shape for relay deployments.
	Config struct {
		// SystemPrompt overrides the built-in agent system prompt.
		SystemPrompt string `yaml:"system_prompt"`
		// AgentType labels the strategy in runs and ledger entries.
		AgentType string         `yaml:"agent_type"`
		Provider  ProviderConfig `yaml:"provider"`
		Budget    budget.Limits  `yaml:"budget"`
		// PricingTable is the path to the YAML rate table. Empty means
		// every call prices as unknown.
		PricingTable string       `yaml:"pricing_table"`
		Limits       LimitsConfig `yaml:"limits"`
		Policy       PolicyConfig `yaml:"policy"`
		Mongo        MongoConfig  `yaml:"mongo"`
		Redis        RedisConfig  `yaml:"redis"`
		Memory       MemoryConfig `yaml:"memory"`
	}

	// ProviderConfig selects and tunes the model provider adapter.
	ProviderConfig struct {
		// Name is the provider adapter: "anthropic" or "openai".
		Name string `yaml:"name"`
		// Model is the provider-specific model identifier.
		Model string `yaml:"model"`
		// APIKeyEnv names the environment variable holding the API key.
		APIKeyEnv string `yaml:"api_key_env"`
		// MaxTokens and Temperature are the agent-level defaults.
		MaxTokens   int     `yaml:"max_tokens"`
		Temperature float32 `yaml:"temperature"`
		// RateLimitTPM enables the adaptive rate limiter with the given
		// tokens-per-minute budget. Zero disables it.
		RateLimitTPM float64 `yaml:"rate_limit_tpm"`
		// RateLimitMaxTPM caps limiter recovery. Zero clamps to the
		// initial budget.
		RateLimitMaxTPM float64 `yaml:"rate_limit_max_tpm"`
	}

	// LimitsConfig is the engine-wide stop policy.
	LimitsConfig struct {
		MaxSteps  int `yaml:"max_steps"`
		MaxErrors int `yaml:"max_errors"`
		// MaxDuration is a Go duration string ("5m", "1h30m").
		MaxDuration string `yaml:"max_duration"`
	}

	// PolicyConfig configures plan admission filtering.
	PolicyConfig struct {
		AllowTypes     []string `yaml:"allow_types"`
		BlockTypes     []string `yaml:"block_types"`
		AllowExecutors []string `yaml:"allow_executors"`
		BlockExecutors []string `yaml:"block_executors"`
		MaxTasks       int      `yaml:"max_tasks"`
	}

	// MongoConfig selects durable persistence. An empty URI keeps
	// everything in memory.
	MongoConfig struct {
		URI      string `yaml:"uri"`
		Database string `yaml:"database"`
	}

	// RedisConfig enables live event streaming over Pulse. An empty
	// address disables the sink.
	RedisConfig struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
	}

	// MemoryConfig tunes the memory coordinator.
	MemoryConfig struct {
		// ContextTokenBudget is the context window retrieval budgets are a
		// share of. Zero selects the coordinator default.
		ContextTokenBudget int `yaml:"context_token_budget"`
	}
)

// LoadConfig reads and validates a YAML configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Provider.Name == "" {
		return fmt.Errorf("config: provider.name is required")
	}
	if c.Provider.Model == "" {
		return fmt.Errorf("config: provider.model is required")
	}
	if c.AgentType == "" {
		c.AgentType = "relay"
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		return fmt.Errorf("config: mongo.database is required when mongo.uri is set")
	}
	if _, err := c.MaxDuration(); err != nil {
		return err
	}
	return nil
}

// MaxDuration parses the configured stop-policy duration.
func (c *Config) MaxDuration() (time.Duration, error) {
	if c.Limits.MaxDuration == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Limits.MaxDuration)
	if err != nil {
		return 0, fmt.Errorf("config: limits.max_duration: %w", err)
	}
	return d, nil
}

// hasAdmission reports whether any plan admission filter is configured.
func (c *Config) hasAdmission() bool {
	p := c.Policy
	return len(p.AllowTypes) > 0 || len(p.BlockTypes) > 0 ||
		len(p.AllowExecutors) > 0 || len(p.BlockExecutors) > 0 || p.MaxTasks > 0
}
