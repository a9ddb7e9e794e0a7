package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/camino-travel/switchboard/pkg/models"
)

// Config is the root configuration for the routing engine.
type Config struct {
	HTTP     HTTPConfig     `yaml:"http"`
	Logging  LoggingConfig  `yaml:"log"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Routing  RoutingConfig  `yaml:"routing"`
	Queue    QueueConfig    `yaml:"queue"`
	Send     SendConfig     `yaml:"send"`
	Channels ChannelsConfig `yaml:"channels"`
	Chatbot  ChatbotConfig  `yaml:"chatbot"`
	Store    StoreConfig    `yaml:"store"`
	OnCall   OnCallConfig   `yaml:"oncall"`
}

type HTTPConfig struct {
	Addr                string `yaml:"addr"`
	ReadHeaderTimeoutS  int    `yaml:"read_header_timeout_s"`
	ShutdownGraceS      int    `yaml:"shutdown_grace_s"`
	ConsoleBearerSecret string `yaml:"console_bearer_secret"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Environment  string  `yaml:"environment"`
	Insecure     bool    `yaml:"insecure"`
}

// RoutingConfig carries the router and session-lifecycle tunables.
type RoutingConfig struct {
	ModeDefault           string   `yaml:"mode_default"`
	IdleTTLS              int      `yaml:"idle_ttl"`
	TimeWasterThreshold   float64  `yaml:"time_waster_threshold"`
	MaxAIAttempts         int      `yaml:"max_ai_attempts"`
	MaxSalesAttempts      int      `yaml:"max_sales_attempts"`
	AIConfidenceThreshold float64  `yaml:"ai_confidence_threshold"`
	VIPKeywords           []string `yaml:"vip_keywords"`
	HistoryLimit          int      `yaml:"history_limit"`

	// PatternsFile optionally replaces the built-in keyword patterns with
	// an ops-maintained JSON5/YAML file; edits hot-reload.
	PatternsFile string `yaml:"patterns_file"`
}

type QueueConfig struct {
	EvictionIntervalS int `yaml:"eviction_interval"`
	NotifyRetries     int `yaml:"notify_retries"`
}

type SendConfig struct {
	TimeoutS   int `yaml:"timeout_s"`
	MaxRetries int `yaml:"max_retries"`
}

// ChatbotConfig selects and configures the downstream answer engine.
type ChatbotConfig struct {
	Provider  string `yaml:"provider"`
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	MaxTokens int    `yaml:"max_tokens"`

	// Region and credentials apply to the bedrock provider only.
	Region          string `yaml:"region"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// StoreConfig configures the optional durable mirror. An empty driver keeps
// the engine purely in-memory.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

type OnCallConfig struct {
	Slack SlackOnCallConfig `yaml:"slack"`
}

type SlackOnCallConfig struct {
	Token   string `yaml:"token"`
	Channel string `yaml:"channel"`
}

// Load reads, expands, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns a fully defaulted configuration with no channels enabled.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
	if cfg.HTTP.ReadHeaderTimeoutS == 0 {
		cfg.HTTP.ReadHeaderTimeoutS = 5
	}
	if cfg.HTTP.ShutdownGraceS == 0 {
		cfg.HTTP.ShutdownGraceS = 15
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Routing.ModeDefault == "" {
		cfg.Routing.ModeDefault = string(models.RoutingAIFirst)
	}
	if cfg.Routing.IdleTTLS == 0 {
		cfg.Routing.IdleTTLS = 3600
	}
	if cfg.Routing.TimeWasterThreshold == 0 {
		cfg.Routing.TimeWasterThreshold = 7.0
	}
	if cfg.Routing.MaxAIAttempts == 0 {
		cfg.Routing.MaxAIAttempts = 3
	}
	if cfg.Routing.MaxSalesAttempts == 0 {
		cfg.Routing.MaxSalesAttempts = 5
	}
	if cfg.Routing.AIConfidenceThreshold == 0 {
		cfg.Routing.AIConfidenceThreshold = 0.5
	}
	if cfg.Routing.HistoryLimit == 0 {
		cfg.Routing.HistoryLimit = models.DefaultHistoryLimit
	}
	if cfg.Queue.EvictionIntervalS == 0 {
		cfg.Queue.EvictionIntervalS = 60
	}
	if cfg.Queue.NotifyRetries == 0 {
		cfg.Queue.NotifyRetries = 3
	}
	if cfg.Send.TimeoutS == 0 {
		cfg.Send.TimeoutS = 30
	}
	if cfg.Send.MaxRetries == 0 {
		cfg.Send.MaxRetries = 3
	}
	if cfg.Channels.MaxInflight == 0 {
		cfg.Channels.MaxInflight = 1000
	}
	if cfg.Chatbot.Provider == "" {
		cfg.Chatbot.Provider = "rules"
	}
	if cfg.Chatbot.MaxTokens == 0 {
		cfg.Chatbot.MaxTokens = 1024
	}
	if cfg.Store.Driver == "sqlite" && cfg.Store.Path == "" {
		cfg.Store.Path = "switchboard.db"
	}
}

// Validate rejects configurations the engine cannot run with.
func (c *Config) Validate() error {
	if !models.RoutingMode(c.Routing.ModeDefault).Valid() {
		return fmt.Errorf("routing.mode_default %q is not one of ai_first, human_direct, ai_only, hybrid", c.Routing.ModeDefault)
	}
	if c.Routing.TimeWasterThreshold < 0 {
		return fmt.Errorf("routing.time_waster_threshold must be non-negative")
	}
	if c.Routing.AIConfidenceThreshold < 0 || c.Routing.AIConfidenceThreshold > 1 {
		return fmt.Errorf("routing.ai_confidence_threshold must be in [0,1]")
	}
	if c.Routing.IdleTTLS <= 0 {
		return fmt.Errorf("routing.idle_ttl must be positive")
	}
	if c.Queue.EvictionIntervalS <= 0 {
		return fmt.Errorf("queue.eviction_interval must be positive")
	}
	switch c.Chatbot.Provider {
	case "rules", "openai", "anthropic", "bedrock", "gemini":
	default:
		return fmt.Errorf("chatbot.provider %q is not one of rules, openai, anthropic, bedrock, gemini", c.Chatbot.Provider)
	}
	switch c.Store.Driver {
	case "", "sqlite", "postgres":
	default:
		return fmt.Errorf("store.driver %q is not one of sqlite, postgres", c.Store.Driver)
	}
	if c.Store.Driver == "postgres" && c.Store.DSN == "" {
		return fmt.Errorf("store.dsn is required when store.driver is postgres")
	}
	return c.Channels.Validate()
}

// IdleTTL returns the session eviction TTL.
func (c *Config) IdleTTL() time.Duration {
	return time.Duration(c.Routing.IdleTTLS) * time.Second
}

// EvictionInterval returns the idle-scan cadence.
func (c *Config) EvictionInterval() time.Duration {
	return time.Duration(c.Queue.EvictionIntervalS) * time.Second
}

// SendTimeout returns the per-attempt outbound delivery timeout.
func (c *Config) SendTimeout() time.Duration {
	return time.Duration(c.Send.TimeoutS) * time.Second
}

// DefaultRoutingMode returns the validated default routing mode.
func (c *Config) DefaultRoutingMode() models.RoutingMode {
	return models.RoutingMode(c.Routing.ModeDefault)
}
