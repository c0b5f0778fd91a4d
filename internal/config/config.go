// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Port     string `envconfig:"PORT" default:"8080"`
	AppEnv   string `envconfig:"APP_ENV" default:"development"`
	LogLevel string `envconfig:"LOG_LEVEL"`

	// GRPCHealthPort exposes grpc.health.v1 when set.
	GRPCHealthPort string `envconfig:"GRPC_HEALTH_PORT"`

	CORSAllowedOrigins  []string `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
	MaxRequestBodyBytes int64    `envconfig:"MAX_REQUEST_BODY_BYTES" default:"1048576"`

	Model       ModelConfig
	Backends    BackendConfig
	ThreadStore ThreadStoreConfig
	RateLimit   RateLimitConfig
}

// ModelConfig configures the model providers.
// Credentials are optional here; a missing key fails the request that needs it.
type ModelConfig struct {
	OpenAIAPIKey  string        `envconfig:"OPENAI_API_KEY"`
	OpenAIBaseURL string        `envconfig:"OPENAI_BASE_URL"`
	GoogleAPIKey  string        `envconfig:"GOOGLE_API_KEY"`
	GeminiBaseURL string        `envconfig:"GEMINI_BASE_URL"`
	DefaultModel  string        `envconfig:"DEFAULT_MODEL" default:"gpt-3.5-turbo"`
	SystemPrompt  string        `envconfig:"SYSTEM_PROMPT"`
	Temperature   float32       `envconfig:"MODEL_TEMPERATURE" default:"0"`
	Timeout       time.Duration `envconfig:"MODEL_TIMEOUT" default:"2m"`
}

// BackendConfig locates the sidecar tool servers.
type BackendConfig struct {
	AWSHost      string        `envconfig:"AWS_MCP_HOST" default:"aws-mcp"`
	AWSPort      string        `envconfig:"AWS_MCP_PORT" default:"5010"`
	AWSURL       string        `envconfig:"AWS_MCP_URL"`
	K8sHost      string        `envconfig:"K8S_MCP_HOST" default:"k8s-mcp"`
	K8sPort      string        `envconfig:"K8S_MCP_PORT" default:"8000"`
	K8sURL       string        `envconfig:"K8S_MCP_URL"`
	ProxyTimeout time.Duration `envconfig:"PROXY_TIMEOUT" default:"30s"`
}

// AWSBaseURL returns the AWS backend base URL, preferring the full override.
func (b BackendConfig) AWSBaseURL() string {
	if b.AWSURL != "" {
		return strings.TrimRight(b.AWSURL, "/")
	}
	return "http://" + b.AWSHost + ":" + b.AWSPort
}

// K8sBaseURL returns the Kubernetes backend base URL, preferring the full override.
func (b BackendConfig) K8sBaseURL() string {
	if b.K8sURL != "" {
		return strings.TrimRight(b.K8sURL, "/")
	}
	return "http://" + b.K8sHost + ":" + b.K8sPort
}

// ThreadStoreConfig selects and sizes the thread store.
type ThreadStoreConfig struct {
	// URL is empty or memory:// for the in-process store, redis://... or
	// sqlite://path for persistent backends.
	URL      string        `envconfig:"THREAD_STORE_URL"`
	Capacity int           `envconfig:"THREAD_STORE_CAPACITY" default:"10000"`
	TTL      time.Duration `envconfig:"THREAD_TTL" default:"1h"`
}

// RateLimitConfig throttles chat requests per client address.
type RateLimitConfig struct {
	RequestsPerWindow int           `envconfig:"RATE_LIMIT_REQUESTS" default:"30"`
	WindowDuration    time.Duration `envconfig:"RATE_LIMIT_WINDOW" default:"1m"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("process environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.Model.Timeout <= 0 {
		return fmt.Errorf("MODEL_TIMEOUT must be > 0")
	}
	if c.Backends.ProxyTimeout <= 0 {
		return fmt.Errorf("PROXY_TIMEOUT must be > 0")
	}
	for name, raw := range map[string]string{
		"AWS_MCP_URL": c.Backends.AWSBaseURL(),
		"K8S_MCP_URL": c.Backends.K8sBaseURL(),
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return fmt.Errorf("%s is not a valid URL: %q", name, raw)
		}
	}
	if c.ThreadStore.Capacity < 0 {
		return fmt.Errorf("THREAD_STORE_CAPACITY must be >= 0")
	}
	if c.ThreadStore.TTL < 0 {
		return fmt.Errorf("THREAD_TTL must be >= 0")
	}
	if c.RateLimit.RequestsPerWindow <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS must be > 0")
	}
	if c.RateLimit.WindowDuration <= 0 {
		return fmt.Errorf("RATE_LIMIT_WINDOW must be > 0")
	}
	return nil
}

// IsProduction reports whether APP_ENV selects production behavior.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.AppEnv, "production")
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
