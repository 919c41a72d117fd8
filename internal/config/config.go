// Package config loads the ledger service configuration.
//
// Values are resolved in order: built-in defaults, an optional YAML file named
// by SITCOIN_CONFIG, a .env file in the working directory, then environment
// variables. Later sources override earlier ones.
package config

import (
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ConfigFileEnv names the environment variable holding the YAML config path.
const ConfigFileEnv = "SITCOIN_CONFIG"

// Config is the root configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Ledger    LedgerConfig    `yaml:"ledger"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
}

// ServerConfig configures the HTTP collaborator.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST"`
	Port            int           `yaml:"port" env:"SERVER_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT"`
	RateLimit       int           `yaml:"rate_limit" env:"SERVER_RATE_LIMIT"`
	RateBurst       int           `yaml:"rate_burst" env:"SERVER_RATE_BURST"`
	AllowedOrigins  string        `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	AuditLogFile    string        `yaml:"audit_log_file" env:"AUDIT_LOG_FILE"`
}

// DatabaseConfig configures the durable store. An empty DSN selects the
// in-memory store.
type DatabaseConfig struct {
	Driver          string `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int    `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	Migrate         bool   `yaml:"migrate" env:"DATABASE_MIGRATE"`
}

// RedisConfig enables cross-process account locks when Addr is set.
type RedisConfig struct {
	Addr     string        `yaml:"addr" env:"REDIS_ADDR"`
	Password string        `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int           `yaml:"db" env:"REDIS_DB"`
	LockTTL  time.Duration `yaml:"lock_ttl" env:"REDIS_LOCK_TTL"`
}

// LoggingConfig mirrors logger.LoggingConfig.
type LoggingConfig struct {
	Level      string `yaml:"level" env:"LOG_LEVEL"`
	Format     string `yaml:"format" env:"LOG_FORMAT"`
	Output     string `yaml:"output" env:"LOG_OUTPUT"`
	FilePrefix string `yaml:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// AuthConfig configures the bearer-token identity collaborator.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret" env:"JWT_SECRET"`
	JWTIssuer    string `yaml:"jwt_issuer" env:"JWT_ISSUER"`
	AdminUserIDs string `yaml:"admin_user_ids" env:"ADMIN_USER_IDS"`
}

// LedgerConfig tunes the coordinator.
type LedgerConfig struct {
	LockTimeout      time.Duration `yaml:"lock_timeout" env:"LEDGER_LOCK_TIMEOUT"`
	LogRetryAttempts int           `yaml:"log_retry_attempts" env:"LEDGER_LOG_RETRY_ATTEMPTS"`
	LogRetryInitial  time.Duration `yaml:"log_retry_initial" env:"LEDGER_LOG_RETRY_INITIAL"`
	LogRetryMax      time.Duration `yaml:"log_retry_max" env:"LEDGER_LOG_RETRY_MAX"`
	// DeadlockTimeout is how long a store or locker mutex may be awaited
	// before a potential deadlock is reported. Zero disables the check.
	DeadlockTimeout time.Duration `yaml:"deadlock_timeout" env:"LEDGER_DEADLOCK_TIMEOUT"`
}

// ReconcileConfig schedules the reconciler. An empty Schedule disables it.
type ReconcileConfig struct {
	Schedule string `yaml:"schedule" env:"RECONCILE_SCHEDULE"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            3000,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			RateLimit:       20,
			RateBurst:       40,
			AllowedOrigins:  "http://localhost:5173",
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			Migrate:         true,
		},
		Redis: RedisConfig{
			LockTTL: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Auth: AuthConfig{
			JWTIssuer: "sitcoin",
		},
		Ledger: LedgerConfig{
			LockTimeout:      5 * time.Second,
			LogRetryAttempts: 5,
			LogRetryInitial:  10 * time.Millisecond,
			LogRetryMax:      500 * time.Millisecond,
			DeadlockTimeout:  30 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Schedule: "@every 1m",
		},
	}
}

// Load resolves the configuration from all sources and validates it.
func Load() (*Config, error) {
	cfg := Default()

	if path := strings.TrimSpace(os.Getenv(ConfigFileEnv)); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromPath reads a YAML file over the defaults without consulting the
// environment.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.mergeFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server: invalid port %d", c.Server.Port)
	}
	if c.Ledger.LockTimeout <= 0 {
		return fmt.Errorf("ledger: lock_timeout must be positive")
	}
	if c.Ledger.LogRetryAttempts < 1 {
		return fmt.Errorf("ledger: log_retry_attempts must be at least 1")
	}
	if c.Ledger.LogRetryInitial <= 0 || c.Ledger.LogRetryMax < c.Ledger.LogRetryInitial {
		return fmt.Errorf("ledger: invalid log retry backoff %s..%s", c.Ledger.LogRetryInitial, c.Ledger.LogRetryMax)
	}
	if c.Ledger.DeadlockTimeout < 0 {
		return fmt.Errorf("ledger: deadlock_timeout must not be negative")
	}
	if c.Database.DSN != "" && c.Database.Driver == "" {
		return fmt.Errorf("database: driver is required when dsn is set")
	}
	return nil
}

// AdminIDs returns the parsed ADMIN_USER_IDS allowlist.
func (a AuthConfig) AdminIDs() map[string]struct{} {
	out := make(map[string]struct{})
	for _, part := range strings.Split(a.AdminUserIDs, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		out[trimmed] = struct{}{}
	}
	return out
}

// MinSigningKeyLen is the shortest accepted HS256 signing key.
const MinSigningKeyLen = 32

// SigningKey decodes JWTSecret, accepted as raw text, base64 or hex. The
// decoded key must hold at least MinSigningKeyLen bytes.
func (a AuthConfig) SigningKey() ([]byte, error) {
	value := strings.TrimSpace(a.JWTSecret)
	if value == "" {
		return nil, errors.New("missing signing key")
	}

	if decoded, err := hex.DecodeString(value); err == nil && len(decoded) >= MinSigningKeyLen {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && len(decoded) >= MinSigningKeyLen {
		return decoded, nil
	}
	if len(value) >= MinSigningKeyLen {
		return []byte(value), nil
	}

	return nil, fmt.Errorf("must hold at least %d bytes, raw or base64/hex encoded", MinSigningKeyLen)
}
