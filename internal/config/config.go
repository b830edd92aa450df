// Package config provides configuration management for pglock.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/kneutral-org/pglock/internal/lock"
)

const (
	// DefaultDatabaseMaxConns is the default pool size. Every held lock pins
	// one connection, so the pool must exceed the number of concurrent locks.
	DefaultDatabaseMaxConns int32 = 20

	// DefaultHashBits selects the 31-bit key hasher.
	DefaultHashBits = 31
)

// Config holds the application configuration.
type Config struct {
	// Port is the HTTP server port.
	Port string

	// GRPCPort is the gRPC server port. Empty disables the gRPC listener.
	GRPCPort string

	// LogLevel is the zerolog level name.
	LogLevel string

	// LogPretty switches to human-readable console logs.
	LogPretty bool

	// TraceStdout exports trace spans to stdout.
	TraceStdout bool

	// DatabaseURL is the PostgreSQL connection string.
	DatabaseURL string

	// DatabaseMaxConns caps the connection pool.
	DatabaseMaxConns int32

	// LockTimeout bounds one blocking grant attempt; zero waits without bound.
	LockTimeout time.Duration

	// LockWait selects blocking acquisition by default.
	LockWait bool

	// LockMaxRetries is the default retry count after the first attempt.
	LockMaxRetries int

	// LockRetryDelay is the default pause between attempts.
	LockRetryDelay time.Duration

	// LockFailFast stops retrying infrastructure failures.
	LockFailFast bool

	// LockHashBits is 31 or 63. All instances sharing a database must agree.
	LockHashBits int
}

// Load loads configuration from .env files and environment variables with defaults.
// Variables already present in the environment take precedence over .env files.
func Load() *Config {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	cfg := &Config{
		Port:             getEnvOrDefault("PORT", "8080"),
		GRPCPort:         os.Getenv("GRPC_PORT"),
		LogLevel:         getEnvOrDefault("LOG_LEVEL", "info"),
		LogPretty:        getEnvBoolOrDefault("LOG_PRETTY", false),
		TraceStdout:      getEnvBoolOrDefault("TRACE_STDOUT", false),
		DatabaseURL:      getEnvOrDefault("DATABASE_URL", "postgres://localhost:5432/postgres"),
		DatabaseMaxConns: int32(getEnvIntOrDefault("DATABASE_MAX_CONNS", int(DefaultDatabaseMaxConns))),
		LockTimeout:      getEnvDurationOrDefault("LOCK_TIMEOUT", lock.DefaultTimeout),
		LockWait:         getEnvBoolOrDefault("LOCK_WAIT", lock.DefaultWait),
		LockMaxRetries:   getEnvIntOrDefault("LOCK_MAX_RETRIES", lock.DefaultMaxRetries),
		LockRetryDelay:   getEnvDurationOrDefault("LOCK_RETRY_DELAY", lock.DefaultRetryDelay),
		LockFailFast:     getEnvBoolOrDefault("LOCK_FAIL_FAST", false),
		LockHashBits:     getEnvIntOrDefault("LOCK_HASH_BITS", DefaultHashBits),
	}

	return cfg
}

// LockDefaults returns the process-wide acquisition defaults.
func (c *Config) LockDefaults() lock.Options {
	return lock.Options{
		Timeout:    c.LockTimeout,
		Wait:       c.LockWait,
		MaxRetries: c.LockMaxRetries,
		RetryDelay: c.LockRetryDelay,
		FailFast:   c.LockFailFast,
	}
}

// Validate rejects settings that would break mutual exclusion.
// Instances that disagree on the hash width compute different identifiers for
// the same key, so an unknown width is an error rather than a fallback.
func (c *Config) Validate() error {
	if c.LockHashBits != 31 && c.LockHashBits != 63 {
		return fmt.Errorf("LOCK_HASH_BITS must be 31 or 63, got %d", c.LockHashBits)
	}
	return nil
}

// Hasher returns the key hasher selected by LockHashBits. Call Validate first;
// any width other than 63 selects the 31-bit hasher.
func (c *Config) Hasher() lock.Hasher {
	if c.LockHashBits == 63 {
		return lock.HashKey63
	}
	return lock.HashKey
}

// CoordinatorOptions returns the coordinator options derived from the configuration.
func (c *Config) CoordinatorOptions() []lock.CoordinatorOption {
	return []lock.CoordinatorOption{
		lock.WithDefaults(c.LockDefaults()),
		lock.WithHasher(c.Hasher()),
	}
}

// getEnvOrDefault returns the environment variable value or the default if not set.
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvIntOrDefault returns the environment variable value as int or the default if not set or invalid.
func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvBoolOrDefault returns the environment variable value as bool or the default if not set or invalid.
func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// getEnvDurationOrDefault accepts Go durations ("1500ms", "2s") or a bare
// number of milliseconds, and returns the default if not set or invalid.
func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if parsed, err := time.ParseDuration(value); err == nil {
		return parsed
	}
	if ms, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultValue
}
