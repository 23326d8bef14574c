package config

import (
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

const (
	StorePostgres = "postgres"
	StoreSqlite   = "sqlite"
	StoreMemory   = "memory"

	DefaultSweepInterval     = time.Hour
	DefaultPresenceRetention = 2 * time.Hour
	DefaultHistoryLimit      = 50
)

var storeDrivers = []string{StorePostgres, StoreSqlite, StoreMemory}

type Config struct {
	ServerAddr     string
	StoreDriver    string
	DatabaseDSN    string
	AllowedOrigins []string
	// SigningKey verifies identity tokens issued by the auth provider. When empty,
	// identities supplied by clients are trusted as-is.
	SigningKey []byte

	RedisAddr         string
	MessagesPerMinute int

	SweepInterval     time.Duration
	PresenceRetention time.Duration
	HistoryLimit      int
}

func decodeSigningSecret(base64Secret string) ([]byte, error) {
	if base64Secret == "" {
		return nil, errors.New("empty secret")
	}
	return base64.StdEncoding.DecodeString(base64Secret)
}

func NewConfig(serverAddr, storeDriver, databaseDSN, base64Secret string, allowedOrigins []string) (*Config, error) {
	if serverAddr == "" {
		return nil, fmt.Errorf("server address cannot be empty")
	}
	if !slices.Contains(storeDrivers, storeDriver) {
		return nil, fmt.Errorf("unsupported store %q, must be one of %v", storeDriver, storeDrivers)
	}
	if storeDriver != StoreMemory && databaseDSN == "" {
		return nil, fmt.Errorf("database DSN cannot be empty")
	}

	var signingKey []byte
	if base64Secret != "" {
		key, err := decodeSigningSecret(base64Secret)
		if err != nil {
			return nil, fmt.Errorf("decode signing secret: %w", err)
		}
		signingKey = key
	}

	return &Config{
		ServerAddr:        serverAddr,
		StoreDriver:       storeDriver,
		DatabaseDSN:       databaseDSN,
		AllowedOrigins:    allowedOrigins,
		SigningKey:        signingKey,
		SweepInterval:     DefaultSweepInterval,
		PresenceRetention: DefaultPresenceRetention,
		HistoryLimit:      DefaultHistoryLimit,
	}, nil
}

// SetPresenceSweep configures how often stale presence rows are reconciled.
// Rows refreshed by the previous sweep must not be swept by the next one, so
// the retention window has to be longer than the interval.
func (c *Config) SetPresenceSweep(interval, retention time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive")
	}
	if retention <= interval {
		return fmt.Errorf("presence retention %s must exceed sweep interval %s", retention, interval)
	}

	c.SweepInterval = interval
	c.PresenceRetention = retention
	return nil
}

func (c *Config) SetRateLimit(redisAddr string, messagesPerMinute int) error {
	if redisAddr == "" {
		return nil
	}
	if messagesPerMinute <= 0 {
		return fmt.Errorf("messages per minute must be positive when rate limiting is enabled")
	}

	c.RedisAddr = redisAddr
	c.MessagesPerMinute = messagesPerMinute
	return nil
}

// LoadEnv populates the environment from the given dotenv files. Missing
// files are skipped.
func LoadEnv(files ...string) error {
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func EnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func EnvIntOrDefault(key string, defaultValue int) int {
	value, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}

func EnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	value, err := time.ParseDuration(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return value
}
