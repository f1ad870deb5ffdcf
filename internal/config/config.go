package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Instance roles. Edge instances run the push/pull/heartbeat workers; the
// cloud instance accepts them.
const (
	RoleLocal = "local"
	RoleCloud = "cloud"
)

type Config struct {
	Role       string
	ServerPort string

	DatabaseURL string
	RedisURL    string

	// Edge connection settings. These are bootstrap values; the matching
	// system tunables take precedence at runtime.
	CloudBaseURL    string
	SiteID          string
	SyncAPIKey      string
	EnableCloudSync bool

	PushInterval      time.Duration
	PullInterval      time.Duration
	HeartbeatInterval time.Duration
	SyncTimeout       time.Duration
	SyncRetries       int
	PullModels        []string

	OperatorJWTSecret string
	OperatorJWTExpiry time.Duration

	AppVersion  string
	GitVersion  string
	Environment string
}

func LoadConfig() (*Config, error) {
	cfg := &Config{
		Role:              getEnv("ROLE", RoleLocal),
		ServerPort:        getEnv("SERVER_PORT", "8080"),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		CloudBaseURL:      os.Getenv("CLOUD_BASE_URL"),
		SiteID:            os.Getenv("SITE_ID"),
		SyncAPIKey:        os.Getenv("SYNC_API_KEY"),
		OperatorJWTSecret: os.Getenv("OPERATOR_JWT_SECRET"),
		AppVersion:        getEnv("APP_VERSION", "dev"),
		GitVersion:        getEnv("GIT_VERSION", "unknown"),
		Environment:       getEnv("ENVIRONMENT", "production"),
	}

	if cfg.Role != RoleLocal && cfg.Role != RoleCloud {
		return nil, fmt.Errorf("ROLE must be %q or %q", RoleLocal, RoleCloud)
	}

	var err error
	if cfg.EnableCloudSync, err = getBool("ENABLE_CLOUD_SYNC", true); err != nil {
		return nil, err
	}
	if cfg.PushInterval, err = getSeconds("SYNC_PUSH_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.PullInterval, err = getSeconds("SYNC_PULL_INTERVAL", 60*time.Second); err != nil {
		return nil, err
	}
	if cfg.HeartbeatInterval, err = getSeconds("HEARTBEAT_INTERVAL", 300*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncTimeout, err = getSeconds("SYNC_TIMEOUT", 10*time.Second); err != nil {
		return nil, err
	}
	if cfg.SyncRetries, err = getInt("SYNC_RETRIES", 3); err != nil {
		return nil, err
	}
	if models := os.Getenv("SYNC_PULL_MODELS"); models != "" {
		for _, m := range strings.Split(models, ",") {
			if m = strings.TrimSpace(m); m != "" {
				cfg.PullModels = append(cfg.PullModels, m)
			}
		}
	}

	expiryStr := getEnv("OPERATOR_JWT_EXPIRY", "24h")
	if cfg.OperatorJWTExpiry, err = time.ParseDuration(expiryStr); err != nil {
		return nil, errors.New("invalid OPERATOR_JWT_EXPIRY format")
	}

	// Validate required fields
	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	if cfg.Role == RoleCloud && cfg.OperatorJWTSecret == "" {
		return nil, errors.New("OPERATOR_JWT_SECRET is required on the cloud instance")
	}

	return cfg, nil
}

// Helper: get env with default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getSeconds(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs <= 0 {
		return 0, fmt.Errorf("%s must be a positive number of seconds", key)
	}
	return time.Duration(secs) * time.Second, nil
}

func getInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return n, nil
}

func getBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}
