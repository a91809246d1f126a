// Package config provides configuration management for the stock broker.
package config

import (
	"flag"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration options for the broker.
type Config struct {
	// Server configuration
	Port   string
	Host   string
	WSPath string

	// Durable store configuration. Empty means the in-memory store is used.
	DatabaseURL string

	// Broker configuration
	MailboxSize    int
	SendBufferSize int

	// Timeout configuration
	WriteTimeout time.Duration
	ReadTimeout  time.Duration

	// Logging configuration
	LogLevel string
}

// NewConfig creates a new configuration with default values.
func NewConfig() *Config {
	return &Config{
		Port:           getEnv("PORT", "8080"),
		Host:           getEnv("HOST", "0.0.0.0"),
		WSPath:         getEnv("WS_PATH", "/ws"),
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		MailboxSize:    getEnvAsInt("MAILBOX_SIZE", 1024),
		SendBufferSize: getEnvAsInt("SEND_BUFFER_SIZE", 100),
		WriteTimeout:   getEnvAsDuration("WRITE_TIMEOUT", 10*time.Second),
		ReadTimeout:    getEnvAsDuration("READ_TIMEOUT", 60*time.Second),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
	}
}

// ParseFlags parses command-line flags and updates the configuration.
func (c *Config) ParseFlags() {
	flag.StringVar(&c.Port, "port", c.Port, "HTTP server port")
	flag.StringVar(&c.Host, "host", c.Host, "HTTP server host")
	flag.StringVar(&c.WSPath, "ws-path", c.WSPath, "WebSocket endpoint path")
	flag.StringVar(&c.DatabaseURL, "database-url", c.DatabaseURL, "Postgres connection string (empty for in-memory store)")
	flag.IntVar(&c.MailboxSize, "mailbox-size", c.MailboxSize, "Broker mailbox capacity")
	flag.IntVar(&c.SendBufferSize, "send-buffer-size", c.SendBufferSize, "Per-connection send buffer size")
	flag.DurationVar(&c.WriteTimeout, "write-timeout", c.WriteTimeout, "WebSocket write timeout")
	flag.DurationVar(&c.ReadTimeout, "read-timeout", c.ReadTimeout, "WebSocket read timeout")
	flag.StringVar(&c.LogLevel, "log-level", c.LogLevel, "Log level (debug, info, warn, error)")

	flag.Parse()
}

// getEnv gets an environment variable or returns a default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer or returns a default value.
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsDuration gets an environment variable as a duration or returns a default value.
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
