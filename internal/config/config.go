// Package config loads broker configuration from the environment.
//
// Unlike the control-plane collaborators this broker talks to, the core has
// no config file: every setting is an environment variable so the process
// can run unmodified across tenants and deployments.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"time"
)

// Defaults and fixed timings. DefaultBindAddr applies when BIND_ADDR is
// unset; the other values are not read from the environment.
const (
	DefaultBindAddr = "0.0.0.0:8080"
	DefaultDBPool   = 4

	HeartbeatInterval      = 5 * time.Second
	ClientTimeout          = 10 * time.Second
	TopicRelationsRefresh  = 60 * time.Second
	WebhookRefreshInterval = 60 * time.Second
	WebhookDispatchTimeout = 5 * time.Second
	WebhookDispatchWorkers = 8
	WebhookQueueDepth      = 1024
	WriteWait              = 5 * time.Second
)

// Config holds all broker settings resolved from the environment.
type Config struct {
	// BindAddr is the address the HTTP+WebSocket listener binds to.
	BindAddr string

	// DatabaseURL is the connection string for the external relational store.
	DatabaseURL string

	// HMACKey signs outbound webhook deliveries. The broker does not use it
	// to verify incoming control-plane requests.
	HMACKey string

	// APICipherKey is the 32-byte AES-256 key (hex-encoded in the
	// environment) used to encrypt/decrypt API keys at rest.
	APICipherKey []byte

	// DBPoolSize bounds the external store's connection pool.
	DBPoolSize int

	// RedisAddr, if set, enables the read-through cache tier. Empty disables
	// caching; the store is consulted directly.
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// LogLevel and LogPretty configure the process logger.
	LogLevel  string
	LogPretty bool
}

// Load reads configuration from the process environment, applying defaults
// and validating required fields.
func Load() (*Config, error) {
	cfg := &Config{
		BindAddr:   getEnv("BIND_ADDR", DefaultBindAddr),
		DBPoolSize: DefaultDBPool,
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPretty:  getEnv("LOG_PRETTY", "") == "true",
		RedisAddr:  getEnv("REDIS_ADDR", ""),
		RedisDB:    0,
	}

	cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	cfg.HMACKey = os.Getenv("HMAC_KEY")
	if cfg.HMACKey == "" {
		return nil, fmt.Errorf("config: HMAC_KEY is required")
	}

	cipherHex := os.Getenv("API_CIPHER_KEY")
	if cipherHex == "" {
		return nil, fmt.Errorf("config: API_CIPHER_KEY is required")
	}
	key, err := decodeCipherKey(cipherHex)
	if err != nil {
		return nil, fmt.Errorf("config: API_CIPHER_KEY: %w", err)
	}
	cfg.APICipherKey = key

	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func decodeCipherKey(hexKey string) ([]byte, error) {
	key, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, fmt.Errorf("invalid hex: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("want 32 bytes, got %d", len(key))
	}
	return key, nil
}
