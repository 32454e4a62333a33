// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Database settings. When SQLitePath is set, the SQLite store is
	// used instead of Postgres and cross-process fan-out falls back to
	// the in-memory bus.
	DatabaseURL string // Postgres URL for queries.
	NotifyURL   string // Direct Postgres URL for LISTEN/NOTIFY.
	SQLitePath  string // Path to a SQLite file for single-process dev.

	// JWT settings.
	JWTPrivateKeyPath string // Path to Ed25519 private key PEM file.
	JWTPublicKeyPath  string // Path to Ed25519 public key PEM file.
	JWTExpiration     time.Duration

	// ServiceAPIKey authenticates backend callers on the token
	// endpoint. Empty disables the endpoint.
	ServiceAPIKey string

	// Completion provider settings.
	CompletionProvider string // "auto", "openai", or "ollama"
	OpenAIAPIKey       string
	CompletionModel    string
	OllamaURL          string
	OllamaModel        string

	// Tool server settings.
	MCPServerURL string // Empty disables MCP; the static tool set is used.
	MCPAPIKey    string

	// Engine settings.
	EngineMaxSteps      int // Reasoning step budget per run.
	EngineMaxConcurrent int // Simultaneously executing runs.
	MemoryTopK          int // Facts injected into each prompt.

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel            string
	RateLimitPerMinute  int
	MaxRequestBodyBytes int64 // Maximum request body size in bytes.
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                envInt("HIBIKI_PORT", 8080),
		ReadTimeout:         envDuration("HIBIKI_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:        envDuration("HIBIKI_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:         envStr("DATABASE_URL", ""),
		NotifyURL:           envStr("NOTIFY_URL", ""),
		SQLitePath:          envStr("HIBIKI_SQLITE_PATH", ""),
		JWTPrivateKeyPath:   envStr("HIBIKI_JWT_PRIVATE_KEY", ""),
		JWTPublicKeyPath:    envStr("HIBIKI_JWT_PUBLIC_KEY", ""),
		JWTExpiration:       envDuration("HIBIKI_JWT_EXPIRATION", 24*time.Hour),
		ServiceAPIKey:       envStr("HIBIKI_SERVICE_API_KEY", ""),
		CompletionProvider:  envStr("HIBIKI_COMPLETION_PROVIDER", "auto"),
		OpenAIAPIKey:        envStr("OPENAI_API_KEY", ""),
		CompletionModel:     envStr("HIBIKI_COMPLETION_MODEL", "gpt-4o-mini"),
		OllamaURL:           envStr("OLLAMA_URL", "http://localhost:11434"),
		OllamaModel:         envStr("OLLAMA_MODEL", "qwen2.5:3b"),
		MCPServerURL:        envStr("HIBIKI_MCP_URL", ""),
		MCPAPIKey:           envStr("HIBIKI_MCP_API_KEY", ""),
		EngineMaxSteps:      envInt("HIBIKI_ENGINE_MAX_STEPS", 10),
		EngineMaxConcurrent: envInt("HIBIKI_ENGINE_MAX_CONCURRENT", 16),
		MemoryTopK:          envInt("HIBIKI_MEMORY_TOP_K", 10),
		OTELEndpoint:        envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:        envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:         envStr("OTEL_SERVICE_NAME", "hibiki"),
		LogLevel:            envStr("HIBIKI_LOG_LEVEL", "info"),
		RateLimitPerMinute:  envInt("HIBIKI_RATE_LIMIT_PER_MINUTE", 120),
		MaxRequestBodyBytes: int64(envInt("HIBIKI_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present and coherent.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: DATABASE_URL or HIBIKI_SQLITE_PATH is required")
	}
	if c.EngineMaxSteps <= 0 {
		return fmt.Errorf("config: HIBIKI_ENGINE_MAX_STEPS must be positive")
	}
	if c.EngineMaxConcurrent <= 0 {
		return fmt.Errorf("config: HIBIKI_ENGINE_MAX_CONCURRENT must be positive")
	}
	if c.MemoryTopK <= 0 {
		return fmt.Errorf("config: HIBIKI_MEMORY_TOP_K must be positive")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: HIBIKI_MAX_REQUEST_BODY_BYTES must be positive")
	}
	switch c.CompletionProvider {
	case "auto", "openai", "ollama":
	default:
		return fmt.Errorf("config: unknown HIBIKI_COMPLETION_PROVIDER %q", c.CompletionProvider)
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
