// Package config defines configuration parsing and helpers.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/go-playground/validator/v10"
)

// Config holds all runtime configuration parsed from environment variables.
// CLI flags may override individual fields after Load.
type Config struct {
	AppEnv string `env:"APP_ENV" envDefault:"dev"`

	// Backend (orchestrator REST API)
	BackendBaseURL    string        `env:"BACKEND_BASE_URL" envDefault:"http://localhost:8080"`
	BackendAPIKey     string        `env:"BACKEND_API_KEY"`
	BackendBearer     string        `env:"BACKEND_BEARER_TOKEN"`
	BackendTimeout    time.Duration `env:"BACKEND_TIMEOUT" envDefault:"30s"`
	BackendMaxRetries int           `env:"BACKEND_MAX_RETRIES" envDefault:"3" validate:"min=0,max=10"`

	// Key-value bus (Redis)
	RedisURL        string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	TaskQueueKey    string        `env:"TASK_QUEUE_KEY" envDefault:"apex:tasks:queue"`
	ResultQueueKey  string        `env:"RESULT_QUEUE_KEY" envDefault:"apex:tasks:results"`
	HeartbeatPrefix string        `env:"HEARTBEAT_PREFIX" envDefault:"apex:workers:heartbeat"`
	HeartbeatTTL    time.Duration `env:"HEARTBEAT_TTL" envDefault:"30s"`

	// LLM providers
	OpenAIAPIKey     string        `env:"OPENAI_API_KEY"`
	OpenAIBaseURL    string        `env:"OPENAI_BASE_URL" envDefault:"https://api.openai.com/v1"`
	AnthropicAPIKey  string        `env:"ANTHROPIC_API_KEY"`
	AnthropicBaseURL string        `env:"ANTHROPIC_BASE_URL" envDefault:"https://api.anthropic.com/v1"`
	DefaultModel     string        `env:"DEFAULT_MODEL" envDefault:"gpt-4o-mini"`
	LLMTimeout       time.Duration `env:"LLM_TIMEOUT" envDefault:"60s"`
	LLMMaxRetries    int           `env:"LLM_MAX_RETRIES" envDefault:"3" validate:"min=0,max=10"`

	// Worker
	WorkerID                string        `env:"WORKER_ID"`
	NumAgents               int           `env:"NUM_AGENTS" envDefault:"5" validate:"min=1,max=100"`
	PollInterval            time.Duration `env:"POLL_INTERVAL" envDefault:"2s"`
	HeartbeatInterval       time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"10s"`
	MaxTaskDuration         time.Duration `env:"MAX_TASK_DURATION" envDefault:"300s"`
	GracefulShutdownTimeout time.Duration `env:"GRACEFUL_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Cascade routing (FrugalGPT)
	RoutingEnabled      bool     `env:"ROUTING_ENABLED" envDefault:"false"`
	RoutingCascade      []string `env:"ROUTING_CASCADE" envSeparator:","`
	ConfidenceThreshold float64  `env:"CONFIDENCE_THRESHOLD" envDefault:"0.7" validate:"min=0,max=1"`
	MaxEscalations      int      `env:"MAX_ESCALATIONS" envDefault:"2" validate:"min=0"`

	// Tracing
	TracingEnabled  bool    `env:"TRACING_ENABLED" envDefault:"false"`
	OTLPEndpoint    string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELServiceName string  `env:"OTEL_SERVICE_NAME" envDefault:"apex-agent-runtime"`
	SampleRate      float64 `env:"TRACE_SAMPLE_RATE" envDefault:"1.0" validate:"min=0,max=1"`

	// Contract-Net Protocol bidding
	CNPEnabled           bool          `env:"CNP_ENABLED" envDefault:"false"`
	CNPCapabilities      []string      `env:"CNP_CAPABILITIES" envSeparator:","`
	CNPBaseCost          float64       `env:"CNP_BASE_COST" envDefault:"0.01" validate:"min=0"`
	CNPComplexityPremium float64       `env:"CNP_COMPLEXITY_PREMIUM" envDefault:"0.005" validate:"min=0"`
	CNPHeartbeatInterval time.Duration `env:"CNP_HEARTBEAT_INTERVAL" envDefault:"10s"`
	CNPHeartbeatTTL      time.Duration `env:"CNP_HEARTBEAT_TTL" envDefault:"30s"`

	// Ops HTTP endpoint (health + metrics)
	MetricsPort int `env:"METRICS_PORT" envDefault:"9090" validate:"min=0,max=65535"`

	// Debug switches the default log level to debug.
	Debug bool `env:"DEBUG" envDefault:"false"`
}

// Load parses environment variables into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("op=config.Load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks range constraints and cross-field requirements. The config
// refuses to load when no LLM provider credential is configured.
func (c Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("op=config.Validate: %w", err)
	}
	if c.OpenAIAPIKey == "" && c.AnthropicAPIKey == "" {
		return fmt.Errorf("op=config.Validate: no LLM provider credentials configured (set OPENAI_API_KEY or ANTHROPIC_API_KEY)")
	}
	if err := durationInRange("POLL_INTERVAL", c.PollInterval, 100*time.Millisecond, 60*time.Second); err != nil {
		return err
	}
	if err := durationInRange("HEARTBEAT_INTERVAL", c.HeartbeatInterval, time.Second, 60*time.Second); err != nil {
		return err
	}
	if err := durationInRange("MAX_TASK_DURATION", c.MaxTaskDuration, 10*time.Second, 3600*time.Second); err != nil {
		return err
	}
	if err := durationInRange("GRACEFUL_SHUTDOWN_TIMEOUT", c.GracefulShutdownTimeout, 5*time.Second, 300*time.Second); err != nil {
		return err
	}
	if c.RoutingEnabled && len(c.RoutingCascade) == 0 {
		return fmt.Errorf("op=config.Validate: routing enabled with empty cascade")
	}
	return nil
}

func durationInRange(name string, d, lo, hi time.Duration) error {
	if d < lo || d > hi {
		return fmt.Errorf("op=config.Validate: %s must be between %s and %s, got %s", name, lo, hi, d)
	}
	return nil
}

// IsDev reports whether the app is running in development mode.
func (c Config) IsDev() bool { return strings.ToLower(c.AppEnv) == "dev" }

// IsProd reports whether the app is running in production mode.
func (c Config) IsProd() bool { return strings.ToLower(c.AppEnv) == "prod" }

// IsTest reports whether the app is running in test mode.
func (c Config) IsTest() bool { return strings.ToLower(c.AppEnv) == "test" }

// GetLLMBackoffConfig returns backoff bounds for LLM provider retries.
// Test environments use much shorter intervals for fast execution.
func (c Config) GetLLMBackoffConfig() (initialInterval, maxInterval time.Duration) {
	if c.IsTest() {
		return 10 * time.Millisecond, 100 * time.Millisecond
	}
	return 1 * time.Second, 10 * time.Second
}

// GetBackendBackoffConfig returns backoff bounds for orchestrator REST retries.
func (c Config) GetBackendBackoffConfig() (initialInterval, maxInterval time.Duration) {
	if c.IsTest() {
		return 10 * time.Millisecond, 100 * time.Millisecond
	}
	return 1 * time.Second, 60 * time.Second
}
