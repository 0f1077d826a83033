package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

// AgentConfig describes a single agent a session can be started against.
// Loaded from the YAML config file, not from environment variables.
type AgentConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Description  string   `yaml:"description"`
	Model        string   `yaml:"model"`
	SystemPrompt string   `yaml:"system_prompt"`
	AutoApprove  []string `yaml:"auto_approve"` // tool names approved without asking
}

type Config struct {
	Port    string
	GinMode string

	// Database
	DatabaseURL string

	// Model provider (OpenAI-compatible)
	ModelAPIKey  string
	ModelBaseURL string

	// Telegram
	EnableTelegramBot bool
	TelegramToken     string

	// NATS (distributed cancel; empty disables)
	NatsURL string

	// Streaming
	StreamBufferSize       int // replay buffer capacity per topic
	StreamGraceSeconds     int // how long completed stream state stays queryable
	SubscriberBufferSize   int // per-subscriber channel capacity
	ApprovalTimeoutSeconds int // how long a tool approval waits before rejecting

	// Sessions
	SessionIdleTimeoutMinutes int // idle sessions swept after this

	// Database Connection Pool
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxIdleTime int // in minutes
	DBConnMaxLifetime int // in minutes

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string

	// Agents
	Agents []AgentConfig `yaml:"agents"`
}

var AppConfig *Config

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Database
		DatabaseURL: getEnvOrDefault("DATABASE_URL", "postgres://localhost/relay?sslmode=disable"),

		// Model provider
		ModelAPIKey:  getEnvOrDefault("MODEL_API_KEY", ""),
		ModelBaseURL: getEnvOrDefault("MODEL_BASE_URL", "https://api.openai.com/v1"),

		// Telegram
		EnableTelegramBot: getEnvOrDefault("ENABLE_TELEGRAM_BOT", "false") == "true",
		TelegramToken:     getEnvOrDefault("TELEGRAM_TOKEN", ""),

		// NATS
		NatsURL: getEnvOrDefault("NATS_URL", ""),

		// Streaming
		StreamBufferSize:       getEnvAsInt("STREAM_BUFFER_SIZE", 100),
		StreamGraceSeconds:     getEnvAsInt("STREAM_GRACE_SECONDS", 5),
		SubscriberBufferSize:   getEnvAsInt("SUBSCRIBER_BUFFER_SIZE", 64),
		ApprovalTimeoutSeconds: getEnvAsInt("APPROVAL_TIMEOUT_SECONDS", 120),

		// Sessions
		SessionIdleTimeoutMinutes: getEnvAsInt("SESSION_IDLE_TIMEOUT_MINUTES", 720),

		// Database Connection Pool
		DBMaxOpenConns:    getEnvAsInt("DB_MAX_OPEN_CONNS", 15),
		DBMaxIdleConns:    getEnvAsInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxIdleTime: getEnvAsInt("DB_CONN_MAX_IDLE_TIME_MINUTES", 1),
		DBConnMaxLifetime: getEnvAsInt("DB_CONN_MAX_LIFETIME_MINUTES", 30),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Load the agent registry from the configuration file.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")
	log.Printf("Loading config file: %v", configFilePath)

	configFile, err := os.Open(configFilePath)
	defer func() {
		if configFile != nil {
			configFile.Close()
		}
	}()

	if err != nil {
		log.Fatalf("Failed to open config file: %v", err)
	}

	if err := LoadConfigFile(configFile, AppConfig); err != nil {
		log.Fatalf("Failed to load config file: %v", err)
	}

	// Validate required configs
	if len(AppConfig.Agents) == 0 {
		log.Fatal("Agent registry is empty")
	}

	if AppConfig.ModelAPIKey == "" {
		log.Println("Warning: Model API key is missing. Please set MODEL_API_KEY environment variable.")
	}

	if AppConfig.EnableTelegramBot && AppConfig.TelegramToken == "" {
		log.Println("Warning: Telegram bot enabled but TELEGRAM_TOKEN is not set.")
	}
}

// AgentByID looks up an agent descriptor in the configured registry.
func (c *Config) AgentByID(id string) (AgentConfig, bool) {
	for _, a := range c.Agents {
		if a.ID == id {
			return a, true
		}
	}
	return AgentConfig{}, false
}

// StreamGrace returns the grace window as a duration.
func (c *Config) StreamGrace() time.Duration {
	return time.Duration(c.StreamGraceSeconds) * time.Second
}

// ApprovalTimeout returns the approval timeout as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as int, using default %d: %v", key, value, defaultValue, err)
		}
	}
	return defaultValue
}

func LoadConfigFile(reader io.Reader, config *Config) error {
	decoder := yaml.NewDecoder(reader)

	if err := decoder.Decode(config); err != nil {
		return err
	}

	return nil
}
