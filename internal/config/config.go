// Package config handles service configuration from environment variables
// and the optional YAML rules file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Fraud policies applied when the classifier marks a transaction fraudulent.
const (
	FraudPolicyBlock = "block"
	FraudPolicyWarn  = "warn"
)

// Config holds all service configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Storage (optional, in-memory when unset)
	DatabaseURL string
	RedisURL    string

	// Chain
	RPCURL          string
	ChainID         int64
	ExpectedChainID int64  // network the identity check compares against
	PrivateKey      string // hex, with or without 0x; empty = read-only

	// Risk model artifacts: local paths or gs://bucket/object
	ModelURI      string
	VectorizerURI string
	FraudPolicy   string

	// Events
	KafkaBrokers []string
	KafkaTopic   string

	OTLPEndpoint string

	// Security
	RateLimitRPS   int
	AllowedOrigins []string
	APIKeys        []string // operator keys; empty leaves wallet routes open

	// Rules file (YAML) and the resolved rule thresholds.
	PolicyFile string
	Rules      Rules
}

// Sepolia defaults
const (
	DefaultRPCURL      = "https://ethereum-sepolia-rpc.publicnode.com"
	DefaultChainID     = 11155111
	DefaultPort        = "8080"
	DefaultEnv         = "development"
	DefaultLogLevel    = "info"
	DefaultRateLimit   = 100
	DefaultKafkaTopic  = "qshield.events"
	DefaultFraudPolicy = FraudPolicyBlock
	MinAPIKeyLength    = 24
)

// Load reads configuration from the environment, loading .env if present,
// then the rules file named by POLICY_FILE.
func Load() (*Config, error) {
	_ = godotenv.Load()

	chainID := getEnvInt64("CHAIN_ID", DefaultChainID)
	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:       os.Getenv("LOG_FORMAT"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),
		RedisURL:        os.Getenv("REDIS_URL"),
		RPCURL:          getEnv("RPC_URL", DefaultRPCURL),
		ChainID:         chainID,
		ExpectedChainID: getEnvInt64("EXPECTED_CHAIN_ID", chainID),
		PrivateKey:      os.Getenv("PRIVATE_KEY"),
		ModelURI:        os.Getenv("MODEL_URI"),
		VectorizerURI:   os.Getenv("VECTORIZER_URI"),
		FraudPolicy:     strings.ToLower(getEnv("FRAUD_POLICY", DefaultFraudPolicy)),
		KafkaBrokers:    splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:      getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPS:    int(getEnvInt64("RATE_LIMIT_RPS", DefaultRateLimit)),
		AllowedOrigins:  splitList(os.Getenv("ALLOWED_ORIGINS")),
		APIKeys:         splitList(os.Getenv("API_KEYS")),
		PolicyFile:      os.Getenv("POLICY_FILE"),
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
		if cfg.IsProduction() {
			cfg.LogFormat = "json"
		}
	}

	rules, err := LoadRules(cfg.PolicyFile)
	if err != nil {
		return nil, err
	}
	cfg.Rules = *rules

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if c.PrivateKey != "" {
		key := strings.TrimPrefix(c.PrivateKey, "0x")
		if len(key) != 64 {
			return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
		}
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.ChainID <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}
	switch c.FraudPolicy {
	case FraudPolicyBlock, FraudPolicyWarn:
	default:
		return fmt.Errorf("FRAUD_POLICY must be %q or %q, got %q", FraudPolicyBlock, FraudPolicyWarn, c.FraudPolicy)
	}
	if (c.ModelURI == "") != (c.VectorizerURI == "") {
		return fmt.Errorf("MODEL_URI and VECTORIZER_URI must be set together")
	}
	for _, k := range c.APIKeys {
		if len(k) < MinAPIKeyLength {
			return fmt.Errorf("API_KEYS entries must be at least %d characters", MinAPIKeyLength)
		}
	}
	return nil
}

// CanSign reports whether a signing key is configured.
func (c *Config) CanSign() bool {
	return c.PrivateKey != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
