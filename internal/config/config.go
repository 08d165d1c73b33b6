// Package config provides application configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port            string
	Environment     string
	AllowedOrigins  []string
	EnableStreaming bool
	MetricsEnabled  bool
	Dify            DifyConfig
	SSE             SSEConfig
	RateLimit       RateLimitConfig
}

// DifyConfig holds the server-side upstream credentials. Requests may
// override both APIKey and BaseURL.
type DifyConfig struct {
	APIKey      string
	BaseURL     string
	DefaultUser string
	Timeout     time.Duration // 0 = transport default
}

// SSEConfig controls the relay stream.
type SSEConfig struct {
	KeepaliveInterval  time.Duration // 0 disables keepalive comments
	MaxRequestBodySize int64
}

// RateLimitConfig controls the per-user token bucket.
type RateLimitConfig struct {
	RequestsPerSecond float64 // <= 0 disables limiting
	Burst             int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            getEnv("PORT", "8080"),
		Environment:     getEnv("APP_ENV", "development"),
		AllowedOrigins:  getEnvList("ALLOWED_ORIGINS", []string{"*"}),
		EnableStreaming: getEnvBool("ENABLE_STREAMING", true),
		MetricsEnabled:  getEnvBool("METRICS_ENABLED", true),
		Dify: DifyConfig{
			APIKey:      getEnvFirst([]string{"DIFY_API_KEY", "NEXT_PUBLIC_DIFY_API_KEY"}, ""),
			BaseURL:     strings.TrimRight(getEnvFirst([]string{"DIFY_BASE_URL", "NEXT_PUBLIC_DIFY_BASE_URL"}, "https://api.dify.ai/v1"), "/"),
			DefaultUser: getEnv("DIFY_DEFAULT_USER", "default-user"),
			Timeout:     getEnvDuration("UPSTREAM_TIMEOUT", 0),
		},
		SSE: SSEConfig{
			KeepaliveInterval:  getEnvDuration("SSE_KEEPALIVE_INTERVAL", 15*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 5),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 10),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Dify.BaseURL != "" {
		u, err := url.Parse(c.Dify.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("DIFY_BASE_URL must be an http(s) URL, got %q", c.Dify.BaseURL)
		}
	}
	if c.Dify.DefaultUser == "" {
		return fmt.Errorf("DIFY_DEFAULT_USER cannot be empty")
	}
	if c.Dify.Timeout < 0 {
		return fmt.Errorf("UPSTREAM_TIMEOUT must be >= 0")
	}
	if c.SSE.KeepaliveInterval < 0 {
		return fmt.Errorf("SSE_KEEPALIVE_INTERVAL must be >= 0")
	}
	if c.SSE.MaxRequestBodySize <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_SIZE must be > 0")
	}
	if c.RateLimit.RequestsPerSecond > 0 && c.RateLimit.Burst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be > 0 when rate limiting is enabled")
	}
	return nil
}

// Warnings lists settings that are allowed but probably unintended.
func (c *Config) Warnings() []string {
	var warnings []string
	if c.Dify.APIKey == "" {
		warnings = append(warnings, "DIFY_API_KEY is not set; every request must supply its own key")
	}
	if c.Dify.BaseURL == "" {
		warnings = append(warnings, "DIFY_BASE_URL is empty; every request must supply its own base URL")
	}
	return warnings
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Environment != "production"
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

// getEnvFirst returns the value of the first key that is set.
func getEnvFirst(keys []string, fallback string) string {
	for _, key := range keys {
		if value, ok := os.LookupEnv(key); ok {
			return value
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("15s") or plain seconds ("15").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

func getEnvList(key string, fallback []string) []string {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
