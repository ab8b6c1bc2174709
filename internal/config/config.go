// Package config loads process configuration: code defaults, then an
// optional YAML file, then a .env file, then the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/R3E-Network/donation_ledger/pkg/logger"
)

// Config is the full process configuration.
type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Database  DatabaseConfig       `yaml:"database"`
	Redis     RedisConfig          `yaml:"redis"`
	Ledger    LedgerConfig         `yaml:"ledger"`
	Auth      AuthConfig           `yaml:"auth"`
	RateLimit RateLimitConfig      `yaml:"rate_limit"`
	Sweeper   SweeperConfig        `yaml:"sweeper"`
	CORS      CORSConfig           `yaml:"cors"`
	Logging   logger.LoggingConfig `yaml:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" env:"SERVER_HOST,strict"`
	Port            int           `yaml:"port" env:"PORT,strict"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"SERVER_READ_TIMEOUT,strict"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"SERVER_WRITE_TIMEOUT,strict"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SERVER_SHUTDOWN_TIMEOUT,strict"`
}

// Addr returns the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig selects and tunes the record store.
type DatabaseConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `yaml:"driver" env:"DATABASE_DRIVER"`
	DSN             string        `yaml:"dsn" env:"DATABASE_URL"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS,strict"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS,strict"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME,strict"`
	MigrateOnStart  bool          `yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START,strict"`
}

// RedisConfig enables cross-instance event fan-out when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"REDIS_ADDR"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db" env:"REDIS_DB,strict"`
	Channel  string `yaml:"channel" env:"REDIS_EVENTS_CHANNEL"`
}

// LedgerConfig points at a Neo N3 node and the signing account.
type LedgerConfig struct {
	RPCURL               string        `yaml:"rpc_url" env:"NEO_RPC_URL"`
	NetworkID            uint32        `yaml:"network_id" env:"NEO_NETWORK_ID,strict"`
	WIF                  string        `yaml:"wif" env:"NEO_WALLET_WIF"`
	PrivateKey           string        `yaml:"private_key" env:"NEO_PRIVATE_KEY"`
	NEFPath              string        `yaml:"nef_path" env:"NEO_CONTRACT_NEF"`
	ManifestPath         string        `yaml:"manifest_path" env:"NEO_CONTRACT_MANIFEST"`
	TransparencyContract string        `yaml:"transparency_contract" env:"NEO_TRANSPARENCY_CONTRACT"`
	Decimals             int32         `yaml:"decimals" env:"NEO_ASSET_DECIMALS,strict"`
	ValidBlocks          uint32        `yaml:"valid_blocks" env:"NEO_VALID_BLOCKS,strict"`
	RequestTimeout       time.Duration `yaml:"request_timeout" env:"NEO_REQUEST_TIMEOUT,strict"`
	WaitTimeout          time.Duration `yaml:"wait_timeout" env:"NEO_WAIT_TIMEOUT,strict"`
	PollInterval         time.Duration `yaml:"poll_interval" env:"NEO_POLL_INTERVAL,strict"`
}

// AuthConfig configures bearer-token verification.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	Issuer    string `yaml:"issuer" env:"JWT_ISSUER"`

	// OperatorUserIDs may act on any campaign or transaction.
	OperatorUserIDs []string `yaml:"operator_user_ids" env:"OPERATOR_USER_IDS"`
}

// RateLimitConfig throttles donation submissions per caller.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" env:"RATE_LIMIT_RPS,strict"`
	Burst             int     `yaml:"burst" env:"RATE_LIMIT_BURST,strict"`
}

// SweeperConfig controls the background pending-transaction sweeper.
type SweeperConfig struct {
	Enabled   bool          `yaml:"enabled" env:"SWEEPER_ENABLED,strict"`
	Schedule  string        `yaml:"schedule" env:"SWEEPER_SCHEDULE"`
	MinAge    time.Duration `yaml:"min_age" env:"SWEEPER_MIN_AGE,strict"`
	BatchSize int           `yaml:"batch_size" env:"SWEEPER_BATCH_SIZE,strict"`
}

// CORSConfig lists browser origins allowed to call the API.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    3 * time.Minute,
			ShutdownTimeout: 20 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			MigrateOnStart:  true,
		},
		Ledger: LedgerConfig{
			NetworkID:      894710606, // N3 testnet
			Decimals:       8,
			ValidBlocks:    100,
			RequestTimeout: 30 * time.Second,
			WaitTimeout:    2 * time.Minute,
			PollInterval:   2 * time.Second,
		},
		Auth: AuthConfig{Issuer: "donation-ledger"},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 1,
			Burst:             5,
		},
		Sweeper: SweeperConfig{
			Enabled:   true,
			Schedule:  "@every 30s",
			MinAge:    15 * time.Second,
			BatchSize: 100,
		},
		Logging: logger.LoggingConfig{Level: "info", Format: "json", Output: "stdout"},
	}
}

// Options locate the optional configuration sources.
type Options struct {
	// File is a YAML file. It must exist when set.
	File string
	// EnvFile is a dotenv file loaded when present. Variables already in the
	// environment win.
	EnvFile string
}

// Load builds the configuration and validates it.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.File != "" {
		raw, err := os.ReadFile(filepath.Clean(opts.File))
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", opts.File, err)
		}
	}

	if opts.EnvFile != "" {
		if err := godotenv.Load(opts.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", opts.EnvFile, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every invalid setting in one error.
func (c *Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		add("server.port %d out of range", c.Server.Port)
	}
	switch strings.ToLower(c.Database.Driver) {
	case "memory":
	case "postgres":
		if c.Database.DSN == "" {
			add("database.dsn is required for the postgres driver")
		}
	default:
		add("database.driver %q must be postgres or memory", c.Database.Driver)
	}
	if c.Ledger.RPCURL == "" {
		add("ledger.rpc_url is required")
	}
	if c.Ledger.WIF == "" && c.Ledger.PrivateKey == "" {
		add("ledger.wif or ledger.private_key is required")
	}
	if c.Ledger.Decimals < 0 || c.Ledger.Decimals > 18 {
		add("ledger.decimals %d out of range", c.Ledger.Decimals)
	}
	if len(c.Auth.JWTSecret) < 32 {
		add("auth.jwt_secret must be at least 32 bytes")
	}
	if c.RateLimit.RequestsPerSecond <= 0 || c.RateLimit.Burst < 1 {
		add("rate_limit requires positive requests_per_second and burst")
	}
	if c.Sweeper.Enabled && c.Sweeper.Schedule == "" {
		add("sweeper.schedule is required when the sweeper is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}
