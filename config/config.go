package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// EndpointConfig describes the inference endpoint. The bearer token is
// resolved once at load time and carried explicitly; nothing downstream
// reads the process environment.
type EndpointConfig struct {
	BaseURL       string `yaml:"base_url"`
	OpenAIBaseURL string `yaml:"openai_base_url"`
	APIKeyEnv     string `yaml:"api_key_env"`
	APIKey        string `yaml:"-"`
}

// ExperimentConfig holds the per-run invocation parameters.
type ExperimentConfig struct {
	Temperature    float64 `yaml:"temperature"`
	MaxTokens      int     `yaml:"max_tokens"`
	MaxRetries     int     `yaml:"max_retries"`
	Thinking       bool    `yaml:"thinking"`
	ThinkingBudget int     `yaml:"thinking_budget_tokens"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// CacheConfig controls the in-process response cache.
type CacheConfig struct {
	Enabled bool `yaml:"enabled"`
	Size    int  `yaml:"size"`
}

// TracingConfig holds tracing configuration
type TracingConfig struct {
	JaegerEndpoint string `yaml:"jaeger_endpoint"`
	Environment    string `yaml:"environment"`
}

// Config is the harness configuration loaded from YAML.
type Config struct {
	TasksDir                  string           `yaml:"tasks_dir"`
	ResultsDir                string           `yaml:"results_dir"`
	DefaultModel              string           `yaml:"default_model"`
	DefaultSystemInstructions string           `yaml:"default_system_instructions"`
	Endpoint                  EndpointConfig   `yaml:"endpoint"`
	Experiment                ExperimentConfig `yaml:"experiment"`
	Logging                   LoggingConfig    `yaml:"logging"`
	Cache                     CacheConfig      `yaml:"cache"`
	Tracing                   TracingConfig    `yaml:"tracing"`
	RateLimitRPM              float64          `yaml:"rate_limit_rpm"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		TasksDir:                  "tasks",
		ResultsDir:                "results",
		DefaultModel:              "anthropic.claude-3-5-sonnet-20241022-v2:0",
		DefaultSystemInstructions: "You are a careful metadata curation assistant. Answer with JSON only.",
		Endpoint: EndpointConfig{
			BaseURL:   "https://bedrock-runtime.us-east-1.amazonaws.com",
			APIKeyEnv: "INFERENCE_API_KEY",
		},
		Experiment: ExperimentConfig{
			Temperature:    0.0,
			MaxTokens:      4096,
			MaxRetries:     3,
			ThinkingBudget: 1024,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Cache: CacheConfig{
			Enabled: true,
			Size:    1024,
		},
		RateLimitRPM: 60,
	}
}

// Load reads the configuration from path. The METABENCH_CONFIG environment
// variable overrides path when set; a missing file yields defaults.
func Load(path string) (*Config, error) {
	if envPath := os.Getenv("METABENCH_CONFIG"); envPath != "" {
		path = envPath
	}

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				cfg.resolveCredentials()
				return cfg, nil
			}
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	}

	cfg.resolveCredentials()
	return cfg, nil
}

// resolveCredentials reads the bearer token out of the configured env var.
func (c *Config) resolveCredentials() {
	if c.Endpoint.APIKey == "" && c.Endpoint.APIKeyEnv != "" {
		c.Endpoint.APIKey = os.Getenv(c.Endpoint.APIKeyEnv)
	}
}
