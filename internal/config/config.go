// Package config loads settlementd settings.
//
// Precedence, lowest first: built-in defaults, an optional TOML file, a .env
// file in the working directory, then process environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/quickbet/settlement/internal/oracle"
)

// Backend names accepted by the *Backend settings.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendPush   = "push"
)

// Signature modes.
const (
	SignaturePayload   = "payload"
	SignatureSecp256k1 = "secp256k1"
)

// Config is the full runtime configuration.
type Config struct {
	Port           string        `toml:"port"`
	RequestTimeout time.Duration `toml:"request_timeout"`
	LogLevel       string        `toml:"log_level"`

	// Primary venue: postgres when DatabaseURL is set, else leveldb when
	// LevelDBPath is set, else memory.
	DatabaseURL string        `toml:"database_url"`
	LevelDBPath string        `toml:"leveldb_path"`
	RedisURL    string        `toml:"redis_url"`
	CacheTTL    time.Duration `toml:"cache_ttl"`

	SecondaryBackend string `toml:"secondary_backend"`
	SecondaryPrefix  string `toml:"secondary_prefix"`

	NATSURL string `toml:"nats_url"`

	OracleBackend  string        `toml:"oracle_backend"`
	FeedID         string        `toml:"feed_id"`
	Asset          string        `toml:"asset"`
	MaxPriceAge    time.Duration `toml:"max_price_age"`
	StartingPoints uint64        `toml:"starting_points"`

	SignatureMode string `toml:"signature_mode"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:             "8080",
		RequestTimeout:   30 * time.Second,
		LogLevel:         "info",
		CacheTTL:         30 * time.Second,
		SecondaryBackend: BackendMemory,
		SecondaryPrefix:  "secondary",
		OracleBackend:    BackendPush,
		FeedID:           "0xef0d8b6fda2ceba41da15d4095d1da392a0d2f8ed0c6c7bc0f4cfac8c280b56d",
		Asset:            "SOL/USD",
		MaxPriceAge:      2 * time.Hour,
		StartingPoints:   1000,
		SignatureMode:    SignaturePayload,
	}
}

// Load builds the configuration. path may be empty.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		meta, err := toml.DecodeFile(path, cfg)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.LevelDBPath, "LEVELDB_PATH")
	setString(&c.RedisURL, "REDIS_URL")
	setString(&c.SecondaryBackend, "SECONDARY_BACKEND")
	setString(&c.SecondaryPrefix, "SECONDARY_PREFIX")
	setString(&c.NATSURL, "NATS_URL")
	setString(&c.OracleBackend, "ORACLE_BACKEND")
	setString(&c.FeedID, "FEED_ID")
	setString(&c.Asset, "ASSET")
	setString(&c.SignatureMode, "SIGNATURE_MODE")

	var errs []error
	errs = append(errs,
		setDuration(&c.RequestTimeout, "REQUEST_TIMEOUT"),
		setDuration(&c.CacheTTL, "CACHE_TTL"),
		setDuration(&c.MaxPriceAge, "MAX_PRICE_AGE"),
	)
	if v := os.Getenv("STARTING_POINTS"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: STARTING_POINTS: %w", err))
		} else {
			c.StartingPoints = n
		}
	}
	return errors.Join(errs...)
}

// Validate rejects settings that cannot work together.
func (c *Config) Validate() error {
	var errs []error
	if c.Port == "" {
		errs = append(errs, errors.New("config: port is required"))
	}
	if c.DatabaseURL != "" && c.LevelDBPath != "" {
		errs = append(errs, errors.New("config: database_url and leveldb_path are mutually exclusive"))
	}
	switch c.SecondaryBackend {
	case BackendMemory:
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: secondary_backend=redis requires redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown secondary_backend %q", c.SecondaryBackend))
	}
	switch c.OracleBackend {
	case BackendPush:
	case BackendRedis:
		if c.RedisURL == "" {
			errs = append(errs, errors.New("config: oracle_backend=redis requires redis_url"))
		}
	default:
		errs = append(errs, fmt.Errorf("config: unknown oracle_backend %q", c.OracleBackend))
	}
	switch c.SignatureMode {
	case SignaturePayload, SignatureSecp256k1:
	default:
		errs = append(errs, fmt.Errorf("config: unknown signature_mode %q", c.SignatureMode))
	}
	if _, err := oracle.ParseFeedID(c.FeedID); err != nil {
		errs = append(errs, fmt.Errorf("config: feed_id: %w", err))
	}
	if c.Asset == "" {
		errs = append(errs, errors.New("config: asset is required"))
	}
	if c.MaxPriceAge <= 0 {
		errs = append(errs, errors.New("config: max_price_age must be positive"))
	}
	if c.StartingPoints == 0 {
		errs = append(errs, errors.New("config: starting_points must be positive"))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("config: log_level: %w", err)
	}
	return level, nil
}

// ParsedFeedID returns FeedID decoded. Validate has already checked it.
func (c *Config) ParsedFeedID() oracle.FeedID {
	id, _ := oracle.ParseFeedID(c.FeedID)
	return id
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}
