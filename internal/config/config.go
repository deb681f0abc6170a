// Package config provides environment configuration for the relay server.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// ErrConfiguration wraps every configuration failure.
var ErrConfiguration = errors.New("configuration error")

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string        `validate:"required,numeric"`
	ServerReadTimeout  time.Duration `validate:"gt=0"`
	ServerWriteTimeout time.Duration `validate:"gt=0"`

	// Durable tier. An empty DSN disables it.
	DatabaseDriver  string `validate:"oneof=postgres sqlite"`
	DatabaseDSN     string
	DatabaseMigrate bool

	// File tier. An empty path disables it.
	FileStorePath string

	// Fallback chain
	TierTimeout         time.Duration `validate:"gt=0"`
	BreakerMaxFailures  int           `validate:"gte=1"`
	BreakerOpenTimeout  time.Duration `validate:"gt=0"`
	CompactionInterval  time.Duration `validate:"gt=0"`
	TraceCapacity       int           `validate:"gte=1"`
	DefaultReadLimit    int           `validate:"gte=1"`
	MaxReadLimit        int           `validate:"gtefield=DefaultReadLimit"`
	StreamBufferSize    int           `validate:"gte=1"`
	StreamHeartbeat     time.Duration `validate:"gt=0"`
	EnrichmentWorkers   int           `validate:"gte=0"`
	EnrichmentTimeout   time.Duration `validate:"gt=0"`
	TranslateTargetLang string

	// Webhook signature
	WebhookSecret           string
	WebhookEnforceSignature bool

	// Admin reset
	AdminToken string

	// NATS bridge. An empty URL disables it.
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// CRM collaborator
	CRMBaseURL string `validate:"omitempty,url"`
	CRMAPIKey  string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	DefaultLLM      string `validate:"oneof=anthropic openai"`

	// Rate limiting
	RateLimitRequests int           `validate:"gte=1"`
	RateLimitWindow   time.Duration `validate:"gt=0"`

	// Logging
	LogLevel  string `validate:"oneof=debug info warn warning error fatal"`
	LogFormat string `validate:"oneof=json console"`

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables and validates it.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	cfg := &Config{
		// Server
		ServerPort:         v.GetString("PORT"),
		ServerReadTimeout:  v.GetDuration("SERVER_READ_TIMEOUT"),
		ServerWriteTimeout: v.GetDuration("SERVER_WRITE_TIMEOUT"),

		// Storage
		DatabaseDriver:  v.GetString("DATABASE_DRIVER"),
		DatabaseDSN:     v.GetString("DATABASE_DSN"),
		DatabaseMigrate: v.GetBool("DATABASE_MIGRATE"),
		FileStorePath:   v.GetString("FILE_STORE_PATH"),

		TierTimeout:         v.GetDuration("TIER_TIMEOUT"),
		BreakerMaxFailures:  v.GetInt("BREAKER_MAX_FAILURES"),
		BreakerOpenTimeout:  v.GetDuration("BREAKER_OPEN_TIMEOUT"),
		CompactionInterval:  v.GetDuration("COMPACTION_INTERVAL"),
		TraceCapacity:       v.GetInt("TRACE_CAPACITY"),
		DefaultReadLimit:    v.GetInt("DEFAULT_READ_LIMIT"),
		MaxReadLimit:        v.GetInt("MAX_READ_LIMIT"),
		StreamBufferSize:    v.GetInt("STREAM_BUFFER_SIZE"),
		StreamHeartbeat:     v.GetDuration("STREAM_HEARTBEAT"),
		EnrichmentWorkers:   v.GetInt("ENRICHMENT_WORKERS"),
		EnrichmentTimeout:   v.GetDuration("ENRICHMENT_TIMEOUT"),
		TranslateTargetLang: v.GetString("TRANSLATE_TARGET_LANG"),

		// Webhook
		WebhookSecret:           v.GetString("WEBHOOK_SECRET"),
		WebhookEnforceSignature: v.GetBool("WEBHOOK_ENFORCE_SIGNATURE"),

		AdminToken: v.GetString("ADMIN_TOKEN"),

		// NATS
		NATSURL:      v.GetString("NATS_URL"),
		NATSCAFile:   v.GetString("NATS_CA_FILE"),
		NATSCertFile: v.GetString("NATS_CERT_FILE"),
		NATSKeyFile:  v.GetString("NATS_KEY_FILE"),
		NATSToken:    v.GetString("NATS_TOKEN"),

		// CRM
		CRMBaseURL: v.GetString("CRM_BASE_URL"),
		CRMAPIKey:  v.GetString("CRM_API_KEY"),

		// LLM
		AnthropicAPIKey: v.GetString("ANTHROPIC_API_KEY"),
		OpenAIAPIKey:    v.GetString("OPENAI_API_KEY"),
		DefaultLLM:      v.GetString("DEFAULT_LLM"),

		// Rate limiting
		RateLimitRequests: v.GetInt("RATE_LIMIT_REQUESTS"),
		RateLimitWindow:   v.GetDuration("RATE_LIMIT_WINDOW"),

		// Logging
		LogLevel:  v.GetString("LOG_LEVEL"),
		LogFormat: v.GetString("LOG_FORMAT"),

		// Tracing
		TracingEndpoint: v.GetString("TRACING_ENDPOINT"),
		TracingEnabled:  v.GetBool("TRACING_ENABLED"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrConfiguration, err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Server
	v.SetDefault("PORT", "8080")
	v.SetDefault("SERVER_READ_TIMEOUT", 30*time.Second)
	v.SetDefault("SERVER_WRITE_TIMEOUT", 120*time.Second)

	// Storage
	v.SetDefault("DATABASE_DRIVER", "postgres")
	v.SetDefault("DATABASE_DSN", "")
	v.SetDefault("DATABASE_MIGRATE", true)
	v.SetDefault("FILE_STORE_PATH", "data/events.jsonl")
	v.SetDefault("TIER_TIMEOUT", 2*time.Second)
	v.SetDefault("BREAKER_MAX_FAILURES", 5)
	v.SetDefault("BREAKER_OPEN_TIMEOUT", 30*time.Second)
	v.SetDefault("COMPACTION_INTERVAL", 15*time.Minute)
	v.SetDefault("TRACE_CAPACITY", 200)
	v.SetDefault("DEFAULT_READ_LIMIT", 100)
	v.SetDefault("MAX_READ_LIMIT", 500)

	// Realtime
	v.SetDefault("STREAM_BUFFER_SIZE", 64)
	v.SetDefault("STREAM_HEARTBEAT", 30*time.Second)

	// Enrichment
	v.SetDefault("ENRICHMENT_WORKERS", 4)
	v.SetDefault("ENRICHMENT_TIMEOUT", 20*time.Second)
	v.SetDefault("TRANSLATE_TARGET_LANG", "")

	// Webhook
	v.SetDefault("WEBHOOK_ENFORCE_SIGNATURE", false)

	// LLM
	v.SetDefault("DEFAULT_LLM", "anthropic")

	// Rate limiting
	v.SetDefault("RATE_LIMIT_REQUESTS", 600)
	v.SetDefault("RATE_LIMIT_WINDOW", time.Minute)

	// Logging
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	// Tracing
	v.SetDefault("TRACING_ENDPOINT", "localhost:4318")
	v.SetDefault("TRACING_ENABLED", false)
}
