package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_DRIVER", "memory")
	t.Setenv("NEO_RPC_URL", "http://localhost:20332")
	t.Setenv("NEO_WALLET_WIF", "KxDgvEKzgSBPPfuVfw67oPQBSjidEiqTHURKSDL1R7yGaGYAeYnr")
	t.Setenv("JWT_SECRET", testSecret)
}

func TestLoadDefaultsWithEnvironment(t *testing.T) {
	setRequired(t)

	cfg, err := Load(Options{})
	require.NoError(t, err)

	assert.Equal(t, "memory", cfg.Database.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, int32(8), cfg.Ledger.Decimals)
	assert.Equal(t, "@every 30s", cfg.Sweeper.Schedule)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Addr())
}

func TestLoadFileThenEnvironment(t *testing.T) {
	setRequired(t)
	t.Setenv("PORT", "9090")
	t.Setenv("SWEEPER_MIN_AGE", "45s")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://a.example;https://b.example")
	t.Setenv("OPERATOR_USER_IDS", "ops-1;ops-2")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 7000
  read_timeout: 5s
ledger:
  decimals: 2
  valid_blocks: 240
sweeper:
  batch_size: 10
`), 0o600))

	cfg, err := Load(Options{File: path})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port, "environment overrides file")
	assert.Equal(t, 5*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, int32(2), cfg.Ledger.Decimals)
	assert.Equal(t, uint32(240), cfg.Ledger.ValidBlocks)
	assert.Equal(t, 10, cfg.Sweeper.BatchSize)
	assert.Equal(t, 45*time.Second, cfg.Sweeper.MinAge)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORS.AllowedOrigins)
	assert.Equal(t, []string{"ops-1", "ops-2"}, cfg.Auth.OperatorUserIDs)
}

func TestLoadEnvFile(t *testing.T) {
	setRequired(t)
	t.Setenv("JWT_ISSUER", "from-environment")

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("REDIS_ADDR=localhost:6379\nJWT_ISSUER=from-file\n"), 0o600))
	t.Cleanup(func() { os.Unsetenv("REDIS_ADDR") })

	cfg, err := Load(Options{EnvFile: path})
	require.NoError(t, err)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "from-environment", cfg.Auth.Issuer)
}

func TestLoadMissingEnvFileIsIgnored(t *testing.T) {
	setRequired(t)
	_, err := Load(Options{EnvFile: filepath.Join(t.TempDir(), "absent.env")})
	require.NoError(t, err)
}

func TestLoadErrors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		setRequired(t)
		_, err := Load(Options{File: filepath.Join(t.TempDir(), "nope.yaml")})
		require.Error(t, err)
	})
	t.Run("bad yaml", func(t *testing.T) {
		setRequired(t)
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("server: [oops"), 0o600))
		_, err := Load(Options{File: path})
		require.Error(t, err)
	})
	t.Run("bad duration", func(t *testing.T) {
		setRequired(t)
		t.Setenv("SWEEPER_MIN_AGE", "soon")
		_, err := Load(Options{})
		require.Error(t, err)
	})
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Database.DSN = "postgres://localhost/donations"
		cfg.Ledger.RPCURL = "http://localhost:20332"
		cfg.Ledger.PrivateKey = "aa"
		cfg.Auth.JWTSecret = testSecret
		return cfg
	}
	require.NoError(t, valid().Validate())

	cases := map[string]func(*Config){
		"port":         func(c *Config) { c.Server.Port = 0 },
		"driver":       func(c *Config) { c.Database.Driver = "sqlite" },
		"postgres dsn": func(c *Config) { c.Database.DSN = "" },
		"rpc url":      func(c *Config) { c.Ledger.RPCURL = "" },
		"account":      func(c *Config) { c.Ledger.PrivateKey = "" },
		"decimals":     func(c *Config) { c.Ledger.Decimals = 19 },
		"short secret": func(c *Config) { c.Auth.JWTSecret = "short" },
		"rate limit":   func(c *Config) { c.RateLimit.Burst = 0 },
		"schedule":     func(c *Config) { c.Sweeper.Schedule = "" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := valid()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
