// Package config loads and validates the insightpilot configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Provider  ProviderConfig  `yaml:"provider"`
	Agent     AgentConfig     `yaml:"agent"`
	Datasets  DatasetsConfig  `yaml:"datasets"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Worker    WorkerConfig    `yaml:"worker"`
	Retention RetentionConfig `yaml:"retention"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`
}

type DatabaseConfig struct {
	// URL is the Postgres DSN. Empty selects the in-memory store.
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type AuthConfig struct {
	// JWTSecret signs client bearer tokens and worker job tokens.
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenExpiry time.Duration `yaml:"token_expiry"`
}

type ProviderConfig struct {
	// Default selects the reasoning provider: "anthropic" or "openai".
	Default      string        `yaml:"default"`
	AnthropicKey string        `yaml:"anthropic_api_key"`
	OpenAIKey    string        `yaml:"openai_api_key"`
	Model        string        `yaml:"model"`
	SummaryModel string        `yaml:"summary_model"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

type AgentConfig struct {
	MaxToolCalls       int           `yaml:"max_tool_calls"`
	MaxWallTime        time.Duration `yaml:"max_wall_time"`
	ToolTimeout        time.Duration `yaml:"tool_timeout"`
	MaxTokens          int           `yaml:"max_tokens"`
	SummarizeThreshold int           `yaml:"summarize_threshold_chars"`
	SystemPromptFile   string        `yaml:"system_prompt_file"`
	DatasetSampleLimit int           `yaml:"dataset_sample_limit"`
}

type DatasetsConfig struct {
	// Bucket selects the S3 bucket holding dataset content objects.
	// Empty selects the in-memory catalog (tests, local runs).
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
	Prefix string `yaml:"prefix"`
}

type SandboxConfig struct {
	// URL of the external code-execution environment.
	URL     string        `yaml:"url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

type WorkerConfig struct {
	// Concurrency bounds the number of turns running at once across
	// all sessions. Within one session turns are serialized by the
	// busy check, not by this pool.
	Concurrency int `yaml:"concurrency"`
	// JobSecret authenticates dispatch substrate callbacks.
	JobSecret string `yaml:"job_secret"`
	// JobTokenTTL bounds how long an enqueued job token stays valid.
	JobTokenTTL time.Duration `yaml:"job_token_ttl"`
}

type RetentionConfig struct {
	Enabled    bool          `yaml:"enabled"`
	SessionTTL time.Duration `yaml:"session_ttl"`
	Schedule   string        `yaml:"schedule"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// Default returns a configuration with sensible defaults applied.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			HTTPPort: 8080,
		},
		Database: DatabaseConfig{
			MaxConnections:  25,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Auth: AuthConfig{
			TokenExpiry: 24 * time.Hour,
		},
		Provider: ProviderConfig{
			Default:    "anthropic",
			Timeout:    120 * time.Second,
			MaxRetries: 1,
			RetryDelay: 2 * time.Second,
		},
		Agent: AgentConfig{
			MaxToolCalls:       10,
			MaxWallTime:        5 * time.Minute,
			ToolTimeout:        60 * time.Second,
			MaxTokens:          4096,
			SummarizeThreshold: 48000,
			DatasetSampleLimit: 50,
		},
		Sandbox: SandboxConfig{
			Timeout: 90 * time.Second,
		},
		Worker: WorkerConfig{
			Concurrency: 8,
			JobTokenTTL: 10 * time.Minute,
		},
		Retention: RetentionConfig{
			SessionTTL: 90 * 24 * time.Hour,
			Schedule:   "0 3 * * *",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the configuration file at path, expands environment
// variables, merges onto defaults, applies env overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays secrets from the environment so they never have to
// live in the config file.
func (c *Config) applyEnv() {
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && c.Provider.AnthropicKey == "" {
		c.Provider.AnthropicKey = v
	}
	if v := os.Getenv("OPENAI_API_KEY"); v != "" && c.Provider.OpenAIKey == "" {
		c.Provider.OpenAIKey = v
	}
	if v := os.Getenv("INSIGHTPILOT_JWT_SECRET"); v != "" && c.Auth.JWTSecret == "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("INSIGHTPILOT_JOB_SECRET"); v != "" && c.Worker.JobSecret == "" {
		c.Worker.JobSecret = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" && c.Database.URL == "" {
		c.Database.URL = v
	}
}

// Validate checks invariants that would otherwise surface as runtime
// failures long after startup.
func (c *Config) Validate() error {
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("server.http_port %d out of range", c.Server.HTTPPort)
	}
	switch c.Provider.Default {
	case "anthropic", "openai":
	default:
		return fmt.Errorf("provider.default %q is not supported", c.Provider.Default)
	}
	if c.Agent.MaxToolCalls <= 0 {
		return fmt.Errorf("agent.max_tool_calls must be positive")
	}
	if c.Agent.MaxWallTime <= 0 {
		return fmt.Errorf("agent.max_wall_time must be positive")
	}
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker.concurrency must be positive")
	}
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if c.Worker.JobSecret == "" {
		// Reuse the auth secret rather than refusing to start; split
		// secrets are for deployments that rotate them independently.
		c.Worker.JobSecret = c.Auth.JWTSecret
	}
	return nil
}
