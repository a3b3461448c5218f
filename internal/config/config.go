// Package config centralizes application configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/mohamedwys/rate-limiter/internal/core/domain"
)

type Config struct {
	Server      ServerConfig
	Storage     StorageConfig
	Sweeper     SweeperConfig
	RateLimiter RateLimiterConfig
}

type ServerConfig struct {
	Port string
}

type StorageConfig struct {
	Type  string
	Redis RedisConfig
	SQL   SQLConfig
}

type RedisConfig struct {
	Host     string
	Port     int
	Password string
	DB       int
}

type SQLConfig struct {
	DSN string
}

type SweeperConfig struct {
	Interval time.Duration
	Grace    time.Duration
}

// RateLimiterConfig holds the named limits routes can attach. The defaults
// can be overridden or extended through RATE_LIMITS_FILE.
type RateLimiterConfig struct {
	Presets map[string]domain.Limit
}

// Preset returns the named limit and whether it exists.
func (c RateLimiterConfig) Preset(name string) (domain.Limit, bool) {
	limit, ok := c.Presets[name]
	return limit, ok
}

func Load() (Config, error) {
	_ = godotenv.Load()

	server := ServerConfig{Port: getEnv("SERVER_PORT", "8080")}

	storageType := getEnv("STORAGE_TYPE", "memory")

	redisConfig, err := buildRedisConfig()
	if err != nil {
		return Config{}, err
	}

	sweeperConfig, err := buildSweeperConfig()
	if err != nil {
		return Config{}, err
	}

	presets, err := buildPresets()
	if err != nil {
		return Config{}, err
	}

	return Config{
		Server: server,
		Storage: StorageConfig{
			Type:  storageType,
			Redis: redisConfig,
			SQL:   SQLConfig{DSN: strings.TrimSpace(os.Getenv("SQL_DSN"))},
		},
		Sweeper:     sweeperConfig,
		RateLimiter: RateLimiterConfig{Presets: presets},
	}, nil
}

func buildRedisConfig() (RedisConfig, error) {
	host := getEnv("REDIS_HOST", "localhost")
	port, err := strconv.Atoi(getEnv("REDIS_PORT", "6379"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_PORT: %w", err)
	}
	db, err := strconv.Atoi(getEnv("REDIS_DB", "0"))
	if err != nil {
		return RedisConfig{}, fmt.Errorf("invalid REDIS_DB: %w", err)
	}

	return RedisConfig{
		Host:     host,
		Port:     port,
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       db,
	}, nil
}

func buildSweeperConfig() (SweeperConfig, error) {
	interval, err := getEnvDuration("SWEEP_INTERVAL", time.Minute)
	if err != nil {
		return SweeperConfig{}, err
	}
	if interval <= 0 {
		return SweeperConfig{}, fmt.Errorf("SWEEP_INTERVAL must be positive")
	}

	grace, err := getEnvDuration("SWEEP_GRACE", 5*time.Minute)
	if err != nil {
		return SweeperConfig{}, err
	}
	if grace < 0 {
		return SweeperConfig{}, fmt.Errorf("SWEEP_GRACE must not be negative")
	}

	return SweeperConfig{Interval: interval, Grace: grace}, nil
}

func defaultPresets() map[string]domain.Limit {
	return map[string]domain.Limit{
		"strict": {
			Namespace:   "strict",
			MaxRequests: 10,
			Window:      time.Minute,
			Message:     "Too many requests to a sensitive endpoint. Slow down.",
		},
		"strict-hourly": {
			Namespace:   "strict-hourly",
			MaxRequests: 100,
			Window:      time.Hour,
			Message:     "Hourly quota for sensitive endpoints exhausted.",
		},
		"generous": {
			Namespace:   "generous",
			MaxRequests: 300,
			Window:      time.Minute,
		},
	}
}

type limitsFile struct {
	Limits map[string]limitEntry `yaml:"limits"`
}

type limitEntry struct {
	MaxRequests int          `yaml:"maxRequests"`
	Window      yamlDuration `yaml:"window"`
	Message     string       `yaml:"message"`
}

type yamlDuration time.Duration

func (d *yamlDuration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = yamlDuration(parsed)
	return nil
}

// buildPresets starts from the built-in limits and merges RATE_LIMITS_FILE on
// top when the variable is set. Every entry is validated on load so a broken
// file fails startup instead of denying traffic later.
func buildPresets() (map[string]domain.Limit, error) {
	presets := defaultPresets()

	path := strings.TrimSpace(os.Getenv("RATE_LIMITS_FILE"))
	if path == "" {
		return presets, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rate limits file: %w", err)
	}

	var file limitsFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rate limits file: %w", err)
	}

	for name, entry := range file.Limits {
		limit := domain.Limit{
			Namespace:   name,
			MaxRequests: entry.MaxRequests,
			Window:      time.Duration(entry.Window),
			Message:     entry.Message,
		}
		if err := limit.Validate(); err != nil {
			return nil, fmt.Errorf("invalid rate limit %q: %w", name, err)
		}
		presets[name] = limit
	}

	return presets, nil
}

func getEnv(key, fallback string) string {
	value := strings.TrimSpace(os.Getenv(key))
	if value == "" {
		return fallback
	}
	return value
}

func getEnvDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return parsed, nil
}
