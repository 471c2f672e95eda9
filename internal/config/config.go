// Package config provides shared configuration loading from environment
// and defaults for the SIEM server and agent.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// GetEnv returns the value of key from the environment, or defaultValue if unset or empty.
func GetEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return strings.TrimSpace(v)
	}
	return defaultValue
}

// GetEnvDuration returns the duration for key, or defaultValue if unset/invalid.
func GetEnvDuration(key string, defaultValue time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultValue
	}
	return d
}

// GetEnvInt returns the integer for key, or defaultValue if unset/invalid.
func GetEnvInt(key string, defaultValue int) int {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return defaultValue
	}
	return n
}

// GetEnvBool returns the boolean for key, or defaultValue if unset/invalid.
func GetEnvBool(key string, defaultValue bool) bool {
	s := strings.TrimSpace(os.Getenv(key))
	if s == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return defaultValue
	}
	return b
}

// GetEnvList splits a comma separated value, dropping empty items.
func GetEnvList(key string, defaultValue []string) []string {
	s := os.Getenv(key)
	if strings.TrimSpace(s) == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

// LoadDotEnv loads variables from the given files (default ".env") without
// overriding ones already set. Missing files are ignored.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var existing []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return nil
	}
	return godotenv.Load(existing...)
}

// LogConfig controls log level and optional rotated file output.
type LogConfig struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// ServerConfig holds configuration for the SIEM server.
type ServerConfig struct {
	HTTPAddr             string
	ShutdownTimeout      time.Duration
	StoreBackend         string
	MongoURI             string
	MongoDatabase        string
	JWTSecret            string
	AgentTokenTTL        time.Duration
	SubscriptionInterval time.Duration
	HeartbeatInterval    time.Duration
	DedupBackend         string
	DedupTTL             time.Duration
	RedisAddr            string
	RedisPassword        string
	RedisDB              int
	RulesFile            string
	SigmaRulesPath       string
	AITimeout            time.Duration
	OpenAIBaseURL        string
	OpenAIModel          string
	AnthropicBaseURL     string
	AnthropicModel       string
	InsightTTL           time.Duration
	CORSAllowedOrigins   []string
	Log                  LogConfig
}

// AgentConfig holds configuration for the reference agent.
type AgentConfig struct {
	AgentID           string
	AgentToken        string
	ServerURL         string
	HeartbeatInterval time.Duration
	TelemetryInterval time.Duration
	ProcRoot          string
	RequestTimeout    time.Duration
	Log               LogConfig
}

// Store backends.
const (
	StoreMongo  = "mongo"
	StoreMemory = "memory"
)

// Dedup backends.
const (
	DedupOff    = "off"
	DedupMemory = "memory"
	DedupRedis  = "redis"
)

// DefaultLogConfig returns log config from environment.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      GetEnv("LOG_LEVEL", "info"),
		File:       GetEnv("LOG_FILE", ""),
		MaxSizeMB:  GetEnvInt("LOG_MAX_SIZE_MB", 100),
		MaxBackups: GetEnvInt("LOG_MAX_BACKUPS", 5),
		MaxAgeDays: GetEnvInt("LOG_MAX_AGE_DAYS", 30),
	}
}

// DefaultServerConfig returns server config from environment with defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:             GetEnv("HTTP_ADDR", ":3000"),
		ShutdownTimeout:      GetEnvDuration("SHUTDOWN_TIMEOUT", 30*time.Second),
		StoreBackend:         strings.ToLower(GetEnv("STORE_BACKEND", StoreMongo)),
		MongoURI:             GetEnv("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:        GetEnv("MONGO_DATABASE", "siem"),
		JWTSecret:            GetEnv("JWT_SECRET", "change-me"),
		AgentTokenTTL:        GetEnvDuration("AGENT_TOKEN_TTL", 365*24*time.Hour),
		SubscriptionInterval: GetEnvDuration("SUBSCRIPTION_INTERVAL", 5*time.Second),
		HeartbeatInterval:    GetEnvDuration("WS_HEARTBEAT_INTERVAL", 30*time.Second),
		DedupBackend:         strings.ToLower(GetEnv("TELEMETRY_DEDUP", DedupOff)),
		DedupTTL:             GetEnvDuration("TELEMETRY_DEDUP_TTL", time.Hour),
		RedisAddr:            GetEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword:        GetEnv("REDIS_PASSWORD", ""),
		RedisDB:              GetEnvInt("REDIS_DB", 0),
		RulesFile:            GetEnv("RULES_FILE", ""),
		SigmaRulesPath:       GetEnv("SIGMA_RULES_PATH", ""),
		AITimeout:            GetEnvDuration("AI_TIMEOUT", 60*time.Second),
		OpenAIBaseURL:        GetEnv("OPENAI_BASE_URL", "https://api.openai.com"),
		OpenAIModel:          GetEnv("OPENAI_MODEL", "gpt-4"),
		AnthropicBaseURL:     GetEnv("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
		AnthropicModel:       GetEnv("ANTHROPIC_MODEL", "claude-2.1"),
		InsightTTL:           GetEnvDuration("INSIGHT_TTL", 24*time.Hour),
		CORSAllowedOrigins:   GetEnvList("CORS_ALLOWED_ORIGINS", []string{"*"}),
		Log:                  DefaultLogConfig(),
	}
}

// DefaultAgentConfig returns agent config from environment with defaults.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		AgentID:           GetEnv("AGENT_ID", ""),
		AgentToken:        GetEnv("AGENT_TOKEN", ""),
		ServerURL:         strings.TrimRight(GetEnv("SERVER_URL", "http://localhost:3000"), "/"),
		HeartbeatInterval: GetEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		TelemetryInterval: GetEnvDuration("TELEMETRY_INTERVAL", 60*time.Second),
		ProcRoot:          GetEnv("PROC_ROOT", "/proc"),
		RequestTimeout:    GetEnvDuration("REQUEST_TIMEOUT", 30*time.Second),
		Log:               DefaultLogConfig(),
	}
}
