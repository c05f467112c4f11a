package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spacetrove/trove/pkg/observability"
)

// Config holds all application configuration.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Access  AccessConfig
	Locks   LockConfig
	Auth    AuthConfig

	LogLevel       observability.LogLevel
	MetricsEnabled bool
}

// ServerConfig holds the HTTP server settings for cmd/trove.
type ServerConfig struct {
	Host            string
	Port            string
	HealthPort      string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// StorageConfig selects and parameterizes the active storage backend.
type StorageConfig struct {
	// Type is "fs" or "sql".
	Type string

	// Filesystem backend
	SpacesRoot string

	// Redis index for the filesystem backend
	RedisURL      string
	RedisPassword string
	RedisDB       int
	WatchSpaces   bool

	// SQL backend
	DatabaseURL      string
	DatabaseMaxConns int
	DatabaseMinConns int
	DatabaseTimeout  time.Duration

	// Optional S3 blob store for binary payloads on the SQL backend
	S3Endpoint     string
	S3Region       string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	S3UsePathStyle bool
}

// AccessConfig parameterizes the permission resolver.
type AccessConfig struct {
	// PermissionCacheSize bounds the per-user entitlement cache.
	PermissionCacheSize int
	// PermissionCacheTTL is a safety net only; invalidation is explicit.
	PermissionCacheTTL time.Duration
}

// LockConfig parameterizes the locking service and its janitor.
type LockConfig struct {
	DefaultTTL    time.Duration
	SweepSchedule string
	SweepEnabled  bool
}

// AuthConfig holds the opaque credential settings.
type AuthConfig struct {
	JWTSecret  string
	JWTTTL     time.Duration
	BcryptCost int
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("TROVE_HOST", "0.0.0.0"),
			Port:            getEnv("TROVE_PORT", "8282"),
			HealthPort:      getEnv("TROVE_HEALTH_PORT", "9292"),
			ReadTimeout:     getEnvDuration("TROVE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("TROVE_WRITE_TIMEOUT", 15*time.Second),
			ShutdownTimeout: getEnvDuration("TROVE_SHUTDOWN_TIMEOUT", 30*time.Second),
		},
		Storage: StorageConfig{
			Type:             getEnv("TROVE_STORAGE_TYPE", "fs"),
			SpacesRoot:       getEnv("TROVE_SPACES_ROOT", "/var/lib/trove/spaces"),
			RedisURL:         getEnv("TROVE_REDIS_URL", "redis://localhost:6379"),
			RedisPassword:    getEnv("TROVE_REDIS_PASSWORD", ""),
			RedisDB:          getEnvInt("TROVE_REDIS_DB", 0),
			WatchSpaces:      getEnvBool("TROVE_WATCH_SPACES", false),
			DatabaseURL:      getEnv("TROVE_DATABASE_URL", ""),
			DatabaseMaxConns: getEnvInt("TROVE_DATABASE_MAX_CONNS", 20),
			DatabaseMinConns: getEnvInt("TROVE_DATABASE_MIN_CONNS", 2),
			DatabaseTimeout:  getEnvDuration("TROVE_DATABASE_TIMEOUT", 10*time.Second),
			S3Endpoint:       getEnv("TROVE_S3_ENDPOINT", ""),
			S3Region:         getEnv("TROVE_S3_REGION", "us-east-1"),
			S3Bucket:         getEnv("TROVE_S3_BUCKET", ""),
			S3AccessKey:      getEnv("TROVE_S3_ACCESS_KEY", ""),
			S3SecretKey:      getEnv("TROVE_S3_SECRET_KEY", ""),
			S3UsePathStyle:   getEnvBool("TROVE_S3_USE_PATH_STYLE", false),
		},
		Access: AccessConfig{
			PermissionCacheSize: getEnvInt("TROVE_PERMISSION_CACHE_SIZE", 2048),
			PermissionCacheTTL:  getEnvDuration("TROVE_PERMISSION_CACHE_TTL", 10*time.Minute),
		},
		Locks: LockConfig{
			DefaultTTL:    getEnvDuration("TROVE_LOCK_TTL", 30*time.Second),
			SweepSchedule: getEnv("TROVE_LOCK_SWEEP_SCHEDULE", "@every 5m"),
			SweepEnabled:  getEnvBool("TROVE_LOCK_SWEEP_ENABLED", true),
		},
		Auth: AuthConfig{
			JWTSecret:  getEnv("TROVE_JWT_SECRET", ""),
			JWTTTL:     getEnvDuration("TROVE_JWT_TTL", 24*time.Hour),
			BcryptCost: getEnvInt("TROVE_BCRYPT_COST", 12),
		},
		LogLevel:       observability.ParseLogLevel(getEnv("TROVE_LOG_LEVEL", "info")),
		MetricsEnabled: getEnvBool("TROVE_METRICS_ENABLED", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks cross-field consistency.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}

	switch c.Storage.Type {
	case "fs":
		if c.Storage.SpacesRoot == "" {
			return fmt.Errorf("spaces root is required for fs storage")
		}
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("redis URL is required for fs storage")
		}
	case "sql":
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("database URL is required for sql storage")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be fs or sql)", c.Storage.Type)
	}

	if c.Locks.DefaultTTL <= 0 {
		return fmt.Errorf("lock TTL must be positive")
	}
	if c.Access.PermissionCacheSize <= 0 {
		return fmt.Errorf("permission cache size must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true" || value == "1"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
