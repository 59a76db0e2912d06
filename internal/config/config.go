package config

import (
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/joho/godotenv"
)

type Config struct {
	Port    string
	GinMode string

	// Research backend
	BackendURL      string        `yaml:"backend_url"`
	BackendAPIToken string        `yaml:"-"`
	BackendTimeout  time.Duration `yaml:"backend_timeout"`

	// Stream re-emission
	StreamHeartbeatInterval time.Duration `yaml:"stream_heartbeat_interval"`

	// Timeline
	ChatPageSize int `yaml:"chat_page_size"`

	// Server
	ServerShutdownTimeoutSeconds int

	// CORS
	CORSAllowedOrigins string

	// Logging
	LogLevel  string
	LogFormat string
}

var (
	AppConfig *Config

	DefaultBackendTimeout    = 30 * time.Second
	DefaultHeartbeatInterval = 15 * time.Second
)

func LoadConfig() {
	// Load .env file if it exists
	if err := godotenv.Load(".env"); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	AppConfig = &Config{
		Port:    getEnvOrDefault("PORT", "8080"),
		GinMode: getEnvOrDefault("GIN_MODE", "release"),

		// Research backend (trim whitespace to avoid common config errors)
		BackendURL:      strings.TrimSpace(getEnvOrDefault("RESEARCH_BACKEND_URL", "http://127.0.0.1:8000")),
		BackendAPIToken: strings.TrimSpace(getEnvOrDefault("RESEARCH_BACKEND_TOKEN", "")),
		BackendTimeout:  getEnvAsDuration("RESEARCH_BACKEND_TIMEOUT", DefaultBackendTimeout),

		// Stream re-emission
		StreamHeartbeatInterval: getEnvAsDuration("STREAM_HEARTBEAT_INTERVAL", DefaultHeartbeatInterval),

		// Timeline
		ChatPageSize: getEnvAsInt("CHAT_PAGE_SIZE", 20),

		// Server
		ServerShutdownTimeoutSeconds: getEnvAsInt("SERVER_SHUTDOWN_TIMEOUT_SECONDS", 30),

		// CORS
		CORSAllowedOrigins: getEnvOrDefault("CORS_ALLOWED_ORIGINS", "http://localhost:3000"),

		// Logging
		LogLevel:  getEnvOrDefault("LOG_LEVEL", "debug"),
		LogFormat: getEnvOrDefault("LOG_FORMAT", "text"),
	}

	// Overlay settings from an optional configuration file. Environment
	// variables keep precedence for everything the file does not set.
	configFilePath := getEnvOrDefault("CONFIG_FILE", "config.yaml")

	configFile, err := os.Open(configFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("Failed to open config file: %v", err)
		}
		log.Printf("No config file at %s, using environment only", configFilePath)
	} else {
		defer configFile.Close()
		log.Printf("Loading config file: %v", configFilePath)
		if err := LoadConfigFile(configFile, AppConfig); err != nil {
			log.Fatalf("Failed to load config file: %v", err)
		}
	}

	if AppConfig.BackendAPIToken == "" {
		log.Println("Warning: Research backend token is missing. Please set RESEARCH_BACKEND_TOKEN environment variable.")
	}

	log.Println("Research backend URL: ", AppConfig.BackendURL)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		} else {
			log.Printf("Warning: Failed to parse environment variable %s='%s' as time.Duration, using default %v: %v", key, value, defaultValue, err)
		}
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
