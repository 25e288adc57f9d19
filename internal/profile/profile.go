package profile

import (
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Profile is configuration to start the intentrelay server.
type Profile struct {
	// Server
	Mode string // dev, prod
	Addr string
	Port int

	// Escalation gate thresholds
	LowConfidenceThreshold float64
	MinGapThreshold        float64

	// Keyword dictionary
	DictionaryPath string

	// Broker
	BrokerHost     string
	BrokerPort     int
	BrokerUsername string
	BrokerPassword string
	BrokerVHost    string
	Exchange       string
	ExchangeType   string
	Queue          string
	RoutingKey     string
	PriorityLevels int

	// Publisher
	BatchSize      int
	BatchTimeout   time.Duration
	Serialization  string // json, msgpack
	IdempotencyOn  bool
	IdempotencyTTL time.Duration

	// Inference
	LLMProvider string
	LLMAPIKey   string
	LLMBaseURL  string
	LLMModel    string
	LLMTimeout  time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
	MaxQPS      float64

	Version string
}

// getEnvOrDefault returns environment variable value or default value.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvOrDefaultInt returns environment variable value as int or default value.
func getEnvOrDefaultInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvOrDefaultFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// FromEnv loads configuration from environment variables. Values already
// set (e.g. from flags) are not overwritten.
func (p *Profile) FromEnv() {
	if p.Addr == "" {
		p.Addr = getEnvOrDefault("INTENTRELAY_ADDR", "")
	}
	if p.Port == 0 {
		p.Port = getEnvOrDefaultInt("INTENTRELAY_PORT", 28091)
	}

	p.LowConfidenceThreshold = getEnvOrDefaultFloat("INTENTRELAY_GATE_LOW_CONFIDENCE", 0.6)
	p.MinGapThreshold = getEnvOrDefaultFloat("INTENTRELAY_GATE_MIN_GAP", 0.1)
	p.DictionaryPath = getEnvOrDefault("INTENTRELAY_DICTIONARY", "config/keywords.yaml")

	p.BrokerHost = getEnvOrDefault("INTENTRELAY_BROKER_HOST", "localhost")
	p.BrokerPort = getEnvOrDefaultInt("INTENTRELAY_BROKER_PORT", 5672)
	p.BrokerUsername = getEnvOrDefault("INTENTRELAY_BROKER_USERNAME", "guest")
	p.BrokerPassword = getEnvOrDefault("INTENTRELAY_BROKER_PASSWORD", "guest")
	p.BrokerVHost = getEnvOrDefault("INTENTRELAY_BROKER_VHOST", "/")
	p.Exchange = getEnvOrDefault("INTENTRELAY_EXCHANGE", "escalations")
	p.ExchangeType = getEnvOrDefault("INTENTRELAY_EXCHANGE_TYPE", "direct")
	p.Queue = getEnvOrDefault("INTENTRELAY_QUEUE", "escalations.review")
	p.RoutingKey = getEnvOrDefault("INTENTRELAY_ROUTING_KEY", "escalation")
	p.PriorityLevels = getEnvOrDefaultInt("INTENTRELAY_PRIORITY_LEVELS", 10)

	p.BatchSize = getEnvOrDefaultInt("INTENTRELAY_BATCH_SIZE", 10)
	p.BatchTimeout = time.Duration(getEnvOrDefaultInt("INTENTRELAY_BATCH_TIMEOUT_SECONDS", 5)) * time.Second
	p.Serialization = getEnvOrDefault("INTENTRELAY_SERIALIZATION", "json")
	p.IdempotencyOn = getEnvOrDefault("INTENTRELAY_IDEMPOTENCY_ENABLED", "true") == "true"
	p.IdempotencyTTL = time.Duration(getEnvOrDefaultInt("INTENTRELAY_IDEMPOTENCY_TTL_SECONDS", 300)) * time.Second

	p.LLMProvider = getEnvOrDefault("INTENTRELAY_LLM_PROVIDER", "openai")
	p.LLMAPIKey = getEnvOrDefault("INTENTRELAY_LLM_API_KEY", "")
	p.LLMBaseURL = getEnvOrDefault("INTENTRELAY_LLM_BASE_URL", "")
	p.LLMModel = getEnvOrDefault("INTENTRELAY_LLM_MODEL", "gpt-4o-mini")
	p.LLMTimeout = time.Duration(getEnvOrDefaultInt("INTENTRELAY_LLM_TIMEOUT_SECONDS", 120)) * time.Second
	p.MaxRetries = getEnvOrDefaultInt("INTENTRELAY_LLM_MAX_RETRIES", 3)
	p.BaseBackoff = time.Duration(getEnvOrDefaultInt("INTENTRELAY_LLM_BASE_BACKOFF_MS", 500)) * time.Millisecond
	p.MaxQPS = getEnvOrDefaultFloat("INTENTRELAY_LLM_MAX_QPS", 0)
}

// IsDev reports whether the profile runs in development mode.
func (p *Profile) IsDev() bool {
	return p.Mode != "prod"
}

// Validate normalizes and checks the profile.
func (p *Profile) Validate() error {
	if p.Mode != "dev" && p.Mode != "prod" {
		p.Mode = "dev"
	}
	if p.Port <= 0 || p.Port > 65535 {
		return errors.Errorf("invalid port %d", p.Port)
	}
	if p.BrokerHost == "" {
		return errors.New("broker host is required")
	}
	if p.Exchange == "" || p.Queue == "" {
		return errors.New("exchange and queue are required")
	}
	switch p.Serialization {
	case "", "json", "msgpack":
	default:
		return errors.Errorf("unknown serialization format %q", p.Serialization)
	}
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}
	if p.BatchTimeout <= 0 {
		p.BatchTimeout = 5 * time.Second
	}
	if p.IdempotencyOn && p.IdempotencyTTL <= 0 {
		slog.Warn("idempotency TTL not set, using 300s")
		p.IdempotencyTTL = 300 * time.Second
	}
	if p.MaxRetries < 1 {
		p.MaxRetries = 3
	}
	return nil
}
