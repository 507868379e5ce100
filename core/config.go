/*
Package core implements the reference event producer: a SQL question-answering
ReAct agent served over HTTP, streaming every reasoning step as it happens.

This file handles:
- Loading configuration from environment variables with defaults
- Structured logging setup for the server and the CLI
- Client-side connection parameters for the streaming session

Environment variables take precedence so the same binary runs unchanged on a
laptop and in a container.
*/
package core

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"reactsql/chat"
)

// Config holds all configurable values of the producer and the CLI client.
type Config struct {
	// Server configuration
	Port string // HTTP server port number (default: "8080")

	// LLM Provider configuration
	LLMProvider string // "ollama" or "gemini" (default: "gemini", falls back to ollama without a key)

	// Ollama LLM configuration
	OllamaEndpoint string // Base URL of the Ollama API (default: "http://localhost:11434")
	OllamaModel    string // Ollama model used by the agent (default: "qwen3")

	// Gemini LLM configuration
	GeminiAPIKey string // API key for Google Gemini (required when using gemini provider)
	GeminiModel  string // Gemini model used by the agent (default: "gemini-2.0-flash")

	// Agent execution configuration
	MaxIterations     int           // Maximum ReAct iterations per question (default: 15)
	RequestTimeout    time.Duration // Upper bound for one agent run (default: 300s)
	HeartbeatInterval time.Duration // Idle time before a heartbeat event is sent (default: 1s)

	// Database configuration
	DatabasePath  string // SQLite file the agent queries (default: "chinook.db")
	SampleRows    int    // Sample rows included with every table schema (default: 3)
	QueryRowLimit int    // Maximum rows returned by one query (default: 100)

	// Query history configuration
	HistoryMaxAge   time.Duration // How long finished queries stay listed (default: 24h)
	CleanupInterval time.Duration // How often expired queries are purged (default: 1h)

	// Logging configuration
	LogLevel          string // Minimum log level: debug, info, warn, error (default: "info")
	LogTruncateLength int    // Maximum length of logged payloads (default: 500)

	// Performance tuning parameters
	MaxConcurrentRequests int     // Agent runs allowed at once (default: 10)
	RateLimitPerSecond    float64 // Requests per second per client IP (default: 5)

	// Client configuration
	ServerURL            string        // Producer base URL used by the CLI (default: "http://localhost:8080")
	ReconnectBaseDelay   time.Duration // First reconnect delay (default: 1s)
	ReconnectMaxDelay    time.Duration // Reconnect delay cap (default: 10s)
	ReconnectMaxAttempts int           // Reconnect attempts before a turn fails (default: 5)
	IdleTimeout          time.Duration // Silence after which a stream counts as lost (default: 30s)
}

// LoadConfig loads configuration from environment variables with defaults.
// Malformed or non-positive numeric values are ignored.
//
// Environment Variables:
//   - PORT, LLM_PROVIDER, OLLAMA_ENDPOINT, OLLAMA_MODEL, GEMINI_API_KEY, GEMINI_MODEL
//   - MAX_ITERATIONS, REQUEST_TIMEOUT (seconds), HEARTBEAT_INTERVAL (seconds)
//   - DATABASE_PATH, SAMPLE_ROWS, QUERY_ROW_LIMIT
//   - HISTORY_MAX_AGE_HOURS, CLEANUP_INTERVAL_MINUTES
//   - LOG_LEVEL, LOG_TRUNCATE_LENGTH
//   - MAX_CONCURRENT_REQUESTS, RATE_LIMIT_PER_SECOND
//   - SERVER_URL, RECONNECT_BASE_DELAY (ms), RECONNECT_MAX_DELAY (ms),
//     RECONNECT_MAX_ATTEMPTS, IDLE_TIMEOUT (seconds)
func LoadConfig() *Config {
	backoff := chat.DefaultBackoff()
	config := &Config{
		Port: "8080",

		LLMProvider:    "gemini",
		OllamaEndpoint: "http://localhost:11434",
		OllamaModel:    "qwen3",
		GeminiAPIKey:   "", // Must be provided via environment variable
		GeminiModel:    "gemini-2.0-flash",

		MaxIterations:     15,
		RequestTimeout:    300 * time.Second,
		HeartbeatInterval: 1 * time.Second,

		DatabasePath:  "chinook.db",
		SampleRows:    3,
		QueryRowLimit: 100,

		HistoryMaxAge:   24 * time.Hour,
		CleanupInterval: 1 * time.Hour,

		LogLevel:          "info",
		LogTruncateLength: 500,

		MaxConcurrentRequests: 10,
		RateLimitPerSecond:    5,

		ServerURL:            "http://localhost:8080",
		ReconnectBaseDelay:   backoff.BaseDelay,
		ReconnectMaxDelay:    backoff.MaxDelay,
		ReconnectMaxAttempts: backoff.MaxAttempts,
		IdleTimeout:          30 * time.Second,
	}

	if port := os.Getenv("PORT"); port != "" {
		config.Port = port
	}

	if provider := os.Getenv("LLM_PROVIDER"); provider != "" {
		if provider == "ollama" || provider == "gemini" {
			config.LLMProvider = provider
		}
	}
	if endpoint := os.Getenv("OLLAMA_ENDPOINT"); endpoint != "" {
		config.OllamaEndpoint = endpoint
	}
	if model := os.Getenv("OLLAMA_MODEL"); model != "" {
		config.OllamaModel = model
	}
	if apiKey := os.Getenv("GEMINI_API_KEY"); apiKey != "" {
		config.GeminiAPIKey = apiKey
	}
	if model := os.Getenv("GEMINI_MODEL"); model != "" {
		config.GeminiModel = model
	}

	envInt("MAX_ITERATIONS", func(v int) { config.MaxIterations = v })
	envInt("REQUEST_TIMEOUT", func(v int) { config.RequestTimeout = time.Duration(v) * time.Second })
	envInt("HEARTBEAT_INTERVAL", func(v int) { config.HeartbeatInterval = time.Duration(v) * time.Second })

	if path := os.Getenv("DATABASE_PATH"); path != "" {
		config.DatabasePath = path
	}
	envInt("SAMPLE_ROWS", func(v int) { config.SampleRows = v })
	envInt("QUERY_ROW_LIMIT", func(v int) { config.QueryRowLimit = v })

	envInt("HISTORY_MAX_AGE_HOURS", func(v int) { config.HistoryMaxAge = time.Duration(v) * time.Hour })
	envInt("CLEANUP_INTERVAL_MINUTES", func(v int) { config.CleanupInterval = time.Duration(v) * time.Minute })

	if logLevel := os.Getenv("LOG_LEVEL"); logLevel != "" {
		config.LogLevel = logLevel
	}
	envInt("LOG_TRUNCATE_LENGTH", func(v int) { config.LogTruncateLength = v })

	envInt("MAX_CONCURRENT_REQUESTS", func(v int) { config.MaxConcurrentRequests = v })
	if rps := os.Getenv("RATE_LIMIT_PER_SECOND"); rps != "" {
		if val, err := strconv.ParseFloat(rps, 64); err == nil && val > 0 {
			config.RateLimitPerSecond = val
		}
	}

	if url := os.Getenv("SERVER_URL"); url != "" {
		config.ServerURL = url
	}
	envInt("RECONNECT_BASE_DELAY", func(v int) { config.ReconnectBaseDelay = time.Duration(v) * time.Millisecond })
	envInt("RECONNECT_MAX_DELAY", func(v int) { config.ReconnectMaxDelay = time.Duration(v) * time.Millisecond })
	// Zero attempts is meaningful: fail on the first transport error.
	if attempts := os.Getenv("RECONNECT_MAX_ATTEMPTS"); attempts != "" {
		if val, err := strconv.Atoi(attempts); err == nil && val >= 0 {
			config.ReconnectMaxAttempts = val
		}
	}
	envInt("IDLE_TIMEOUT", func(v int) { config.IdleTimeout = time.Duration(v) * time.Second })

	if config.ReconnectMaxDelay < config.ReconnectBaseDelay {
		config.ReconnectMaxDelay = config.ReconnectBaseDelay
	}

	if config.LLMProvider == "gemini" && config.GeminiAPIKey == "" {
		config.LLMProvider = "ollama" // Fallback to ollama if Gemini key is missing
	}

	return config
}

// envInt calls apply with the value of the named variable when it is a
// positive integer.
func envInt(name string, apply func(int)) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	if val, err := strconv.Atoi(raw); err == nil && val > 0 {
		apply(val)
	}
}

// Backoff returns the reconnect policy of the streaming client.
func (c *Config) Backoff() chat.Backoff {
	return chat.Backoff{
		BaseDelay:   c.ReconnectBaseDelay,
		MaxDelay:    c.ReconnectMaxDelay,
		MaxAttempts: c.ReconnectMaxAttempts,
	}
}

// InitializeLogger configures a JSON logger writing to stdout and logs the
// loaded configuration.
func InitializeLogger(config *Config) *logrus.Logger {
	return InitializeLoggerTo(config, os.Stdout)
}

// InitializeLoggerTo is InitializeLogger with an explicit output. The CLI logs
// to stderr so log lines never interleave with rendered answers.
//
// Parameters:
//   - config: Configuration object containing logging preferences
//   - out: Destination of log lines
//
// Returns:
//   - *logrus.Logger: Configured logger instance ready for use
func InitializeLoggerTo(config *Config, out io.Writer) *logrus.Logger {
	logger := logrus.New()

	logger.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339,
	})

	switch strings.ToLower(config.LogLevel) {
	case "debug":
		logger.SetLevel(logrus.DebugLevel)
	case "info":
		logger.SetLevel(logrus.InfoLevel)
	case "warn", "warning":
		logger.SetLevel(logrus.WarnLevel)
	case "error":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	logger.SetOutput(out)

	logger.WithFields(logrus.Fields{
		"llmProvider":           config.LLMProvider,
		"ollamaEndpoint":        config.OllamaEndpoint,
		"ollamaModel":           config.OllamaModel,
		"geminiModel":           config.GeminiModel,
		"maxIterations":         config.MaxIterations,
		"requestTimeout":        config.RequestTimeout,
		"heartbeatInterval":     config.HeartbeatInterval,
		"databasePath":          config.DatabasePath,
		"queryRowLimit":         config.QueryRowLimit,
		"historyMaxAge":         config.HistoryMaxAge,
		"cleanupInterval":       config.CleanupInterval,
		"maxConcurrentRequests": config.MaxConcurrentRequests,
		"rateLimitPerSecond":    config.RateLimitPerSecond,
		"serverUrl":             config.ServerURL,
		"reconnectMaxAttempts":  config.ReconnectMaxAttempts,
		"idleTimeout":           config.IdleTimeout,
	}).Debug("Configuration loaded")

	return logger
}
