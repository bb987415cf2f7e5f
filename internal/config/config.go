// Package config provides environment configuration for the API server.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/capitalize-ai/agent-gateway/internal/model"
)

// ProviderConfig is the resolved upstream target for one provider family.
type ProviderConfig struct {
	Endpoint string
	APIKey   string
	Model    string
}

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort        string
	ServerReadTimeout time.Duration

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// JWT settings
	JWTSecret string

	// Upstream providers
	Providers map[model.ProviderFamily]ProviderConfig

	// Circuit breaker
	BreakerFailureThreshold int
	BreakerCooldown         time.Duration

	// Connect retry / stream bounds
	ConnectRetryLimit int
	BackoffInitial    time.Duration
	BackoffMax        time.Duration
	StreamMaxDuration time.Duration

	// Multiplexer
	SinkQueueSize int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables. A provider is
// configured when its API key is set.
func Load() *Config {
	providers := map[model.ProviderFamily]ProviderConfig{}
	if key := getEnv("OPENAI_API_KEY", ""); key != "" {
		providers[model.ProviderOpenAI] = ProviderConfig{
			Endpoint: getEnv("OPENAI_ENDPOINT", "https://api.openai.com/v1"),
			APIKey:   key,
			Model:    getEnv("OPENAI_MODEL", "gpt-4o"),
		}
	}
	if key := getEnv("ANTHROPIC_API_KEY", ""); key != "" {
		providers[model.ProviderAnthropic] = ProviderConfig{
			Endpoint: getEnv("ANTHROPIC_ENDPOINT", "https://api.anthropic.com"),
			APIKey:   key,
			Model:    getEnv("ANTHROPIC_MODEL", "claude-3-5-sonnet-20241022"),
		}
	}
	if key := getEnv("FASTGPT_API_KEY", ""); key != "" {
		providers[model.ProviderFastGPT] = ProviderConfig{
			Endpoint: getEnv("FASTGPT_ENDPOINT", ""),
			APIKey:   key,
			Model:    getEnv("FASTGPT_MODEL", ""),
		}
	}
	if key := getEnv("DIFY_API_KEY", ""); key != "" {
		providers[model.ProviderDify] = ProviderConfig{
			Endpoint: getEnv("DIFY_ENDPOINT", ""),
			APIKey:   key,
			Model:    getEnv("DIFY_MODEL", ""),
		}
	}

	return &Config{
		// Server
		ServerPort:        getEnv("PORT", "8080"),
		ServerReadTimeout: getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// Providers
		Providers: providers,

		// Circuit breaker
		BreakerFailureThreshold: getIntEnv("BREAKER_FAILURE_THRESHOLD", 5),
		BreakerCooldown:         getDurationEnv("BREAKER_COOLDOWN", 30*time.Second),

		// Retry / stream bounds
		ConnectRetryLimit: getIntEnv("CONNECT_RETRY_LIMIT", 2),
		BackoffInitial:    getDurationEnv("CONNECT_BACKOFF_INITIAL", 250*time.Millisecond),
		BackoffMax:        getDurationEnv("CONNECT_BACKOFF_MAX", 5*time.Second),
		StreamMaxDuration: getDurationEnv("STREAM_MAX_DURATION", 5*time.Minute),

		// Multiplexer
		SinkQueueSize: getIntEnv("SINK_QUEUE_SIZE", 256),

		// Rate limiting
		RateLimitRequests: getIntEnv("RATE_LIMIT_REQUESTS", 60),
		RateLimitWindow:   getDurationEnv("RATE_LIMIT_WINDOW", time.Minute),

		// Logging
		LogLevel: getEnv("LOG_LEVEL", "info"),

		// Tracing
		TracingEndpoint: getEnv("TRACING_ENDPOINT", "localhost:4318"),
		TracingEnabled:  getBoolEnv("TRACING_ENABLED", false),
	}
}

// AgentConfig resolves the immutable upstream target for one request.
func (c *Config) AgentConfig(family model.ProviderFamily, modelOverride string) (*model.AgentConfig, bool) {
	pc, ok := c.Providers[family]
	if !ok {
		return nil, false
	}
	m := pc.Model
	if modelOverride != "" {
		m = modelOverride
	}
	return &model.AgentConfig{
		Provider:   family,
		Endpoint:   pc.Endpoint,
		Credential: pc.APIKey,
		Model:      m,
	}, true
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolEnv(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
