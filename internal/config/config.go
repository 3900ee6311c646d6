// Package config provides environment configuration for the realtime server.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds all configuration for the application.
type Config struct {
	// Server settings
	ServerPort         string
	ServerReadTimeout  time.Duration
	ServerWriteTimeout time.Duration
	AllowedOrigins     []string

	// ProcessID identifies this server process on the dispatch log.
	ProcessID string

	// NATS settings
	NATSURL      string
	NATSCAFile   string
	NATSCertFile string
	NATSKeyFile  string
	NATSToken    string

	// Dispatch log settings
	DispatchMaxMsgs    int64
	DispatchBatchSize  int
	CheckpointInterval time.Duration

	// Database settings
	DatabaseURL string

	// JWT settings (dashboard socket handshakes)
	JWTSecret string

	// LLM settings
	AnthropicAPIKey string
	OpenAIAPIKey    string
	PrimaryModel    string
	FallbackModel   string
	DecisionTimeout time.Duration

	// AI agent settings
	DefaultAgentID    string
	RecentHumanWindow time.Duration
	TaskTimeout       time.Duration

	// Knowledge index settings
	EmbeddingModel        string
	KnowledgeChunkSize    int
	KnowledgeChunkOverlap int

	// Rate limiting
	RateLimitRequests int
	RateLimitWindow   time.Duration

	// Logging
	LogLevel string

	// Tracing
	TracingEndpoint string
	TracingEnabled  bool
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		// Server
		ServerPort:         getEnv("PORT", "8080"),
		ServerReadTimeout:  getDurationEnv("SERVER_READ_TIMEOUT", 30*time.Second),
		ServerWriteTimeout: getDurationEnv("SERVER_WRITE_TIMEOUT", 120*time.Second),
		AllowedOrigins:     getListEnv("ALLOWED_ORIGINS"),

		ProcessID: getEnv("PROCESS_ID", defaultProcessID()),

		// NATS
		NATSURL:      getEnv("NATS_URL", "nats://localhost:4222"),
		NATSCAFile:   getEnv("NATS_CA_FILE", ""),
		NATSCertFile: getEnv("NATS_CERT_FILE", ""),
		NATSKeyFile:  getEnv("NATS_KEY_FILE", ""),
		NATSToken:    getEnv("NATS_TOKEN", ""),

		// Dispatch log
		DispatchMaxMsgs:    int64(getIntEnv("DISPATCH_MAX_MSGS", 10000)),
		DispatchBatchSize:  getIntEnv("DISPATCH_BATCH_SIZE", 64),
		CheckpointInterval: getDurationEnv("DISPATCH_CHECKPOINT_INTERVAL", 3*time.Second),

		// Database
		DatabaseURL: getEnv("DATABASE_URL", ""),

		// JWT
		JWTSecret: getEnv("JWT_SECRET", "development-secret-change-in-production"),

		// LLM
		AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
		OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
		PrimaryModel:    getEnv("PRIMARY_MODEL", "claude-3-5-sonnet-20241022"),
		FallbackModel:   getEnv("FALLBACK_MODEL", "gpt-4o-mini"),
		DecisionTimeout: getDurationEnv("DECISION_TIMEOUT", 10*time.Second),

		// AI agent
		DefaultAgentID:    getEnv("AI_AGENT_ID", ""),
		RecentHumanWindow: getDurationEnv("RECENT_HUMAN_WINDOW", 5*time.Minute),
		TaskTimeout:       getDurationEnv("TASK_TIMEOUT", 30*time.Second),

		// Knowledge index
		EmbeddingModel:        getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		KnowledgeChunkSize:    getIntEnv("KNOWLEDGE_CHUNK_SIZE", 512),
		KnowledgeChunkOverlap: getIntEnv("KNOWLEDGE_CHUNK_OVERLAP", 50),

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

// defaultProcessID builds a stable-for-this-run identity from the hostname
// plus a random suffix, so two processes on one host never share an offset
// checkpoint key.
func defaultProcessID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "server"
	}
	return host + "-" + uuid.NewString()[:8]
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getListEnv(key string) []string {
	value := os.Getenv(key)
	if value == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
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
