// Package config loads the gateway configuration from a YAML file with
// environment-variable overrides for deployment secrets.
package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Node      NodeConfig      `yaml:"node"`
	Keystore  KeystoreConfig  `yaml:"keystore"`
	Admin     AdminConfig     `yaml:"admin"`
	Callbacks CallbackConfig  `yaml:"callbacks"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Messages  MessagesConfig  `yaml:"messages"`
}

type ServerConfig struct {
	ListenAddr      string `yaml:"listen_addr"`
	ReadTimeoutSec  int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSec int    `yaml:"write_timeout_seconds"`
	ShutdownSec     int    `yaml:"shutdown_timeout_seconds"`
}

type DatabaseConfig struct {
	URL             string `yaml:"url"`
	MaxOpenConns    int    `yaml:"max_open_conns"`
	MaxIdleConns    int    `yaml:"max_idle_conns"`
	ConnMaxLifeSec  int    `yaml:"conn_max_lifetime_seconds"`
	MigrateOnStart  bool   `yaml:"migrate_on_start"`
}

type NodeConfig struct {
	RPCURL          string `yaml:"rpc_url"`
	WSURL           string `yaml:"ws_url"`
	RequestTimeout  int    `yaml:"request_timeout_seconds"`
	PollIntervalSec int    `yaml:"poll_interval_seconds"`
}

type KeystoreConfig struct {
	// MasterSecret is hex-encoded entropy the 32-byte process key is
	// derived from. Never stored alongside the database.
	MasterSecret string `yaml:"master_secret"`
}

type AdminConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

type CallbackConfig struct {
	TimeoutSec      int `yaml:"timeout_seconds"`
	PollIntervalSec int `yaml:"poll_interval_seconds"`
}

type RateLimitConfig struct {
	Enabled bool `yaml:"enabled"`
	RPS     int  `yaml:"requests_per_second"`
	Burst   int  `yaml:"burst"`
}

type MessagesConfig struct {
	// DefaultExpirationSec bounds how long a built wallet message stays
	// valid on-chain and how long the gateway waits for its observation.
	DefaultExpirationSec int `yaml:"default_expiration_seconds"`
	// UnsignedSweepSec is the expiry sweep cadence for the unsigned
	// message store and the wall-clock pending sweep.
	UnsignedSweepSec int `yaml:"unsigned_sweep_seconds"`
}

// Default returns the configuration used when no file is supplied. Secrets
// still have to come from the environment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:      ":8080",
			ReadTimeoutSec:  30,
			WriteTimeoutSec: 30,
			ShutdownSec:     15,
		},
		Database: DatabaseConfig{
			MaxOpenConns:   16,
			MaxIdleConns:   4,
			ConnMaxLifeSec: 1800,
			MigrateOnStart: true,
		},
		Node: NodeConfig{
			RequestTimeout:  15,
			PollIntervalSec: 2,
		},
		Callbacks: CallbackConfig{
			TimeoutSec:      10,
			PollIntervalSec: 5,
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     50,
			Burst:   100,
		},
		Messages: MessagesConfig{
			DefaultExpirationSec: 60,
			UnsignedSweepSec:     30,
		},
	}
}

// Load reads the YAML file at path, falling back to defaults for absent
// fields, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("PORT"); v != "" {
		c.Server.ListenAddr = ":" + v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("TON_NODE_RPC_URL"); v != "" {
		c.Node.RPCURL = v
	}
	if v := os.Getenv("TON_NODE_WS_URL"); v != "" {
		c.Node.WSURL = v
	}
	if v := os.Getenv("MASTER_SECRET"); v != "" {
		c.Keystore.MasterSecret = v
	}
	if v := os.Getenv("ADMIN_JWT_SECRET"); v != "" {
		c.Admin.JWTSecret = v
	}
	if v := os.Getenv("RATE_LIMIT_RPS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.RateLimit.RPS = n
		}
	}
}

// Validate checks the fields the daemon cannot run without.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database url is required (database.url or DATABASE_URL)")
	}
	if c.Node.RPCURL == "" {
		return fmt.Errorf("node rpc url is required (node.rpc_url or TON_NODE_RPC_URL)")
	}
	if c.Keystore.MasterSecret == "" {
		return fmt.Errorf("master secret is required (keystore.master_secret or MASTER_SECRET)")
	}
	if _, err := hex.DecodeString(c.Keystore.MasterSecret); err != nil {
		return fmt.Errorf("master secret must be hex encoded: %w", err)
	}
	if c.Messages.DefaultExpirationSec <= 0 {
		return fmt.Errorf("default message expiration must be positive")
	}
	return nil
}

// MasterSecretBytes decodes the configured master secret.
func (c *Config) MasterSecretBytes() ([]byte, error) {
	return hex.DecodeString(c.Keystore.MasterSecret)
}

func (c *Config) ConnMaxLifetime() time.Duration {
	return time.Duration(c.Database.ConnMaxLifeSec) * time.Second
}

func (c *Config) NodeTimeout() time.Duration {
	return time.Duration(c.Node.RequestTimeout) * time.Second
}

func (c *Config) NodePollInterval() time.Duration {
	return time.Duration(c.Node.PollIntervalSec) * time.Second
}

func (c *Config) CallbackTimeout() time.Duration {
	return time.Duration(c.Callbacks.TimeoutSec) * time.Second
}

func (c *Config) CallbackPollInterval() time.Duration {
	return time.Duration(c.Callbacks.PollIntervalSec) * time.Second
}

func (c *Config) DefaultExpiration() time.Duration {
	return time.Duration(c.Messages.DefaultExpirationSec) * time.Second
}

func (c *Config) UnsignedSweepInterval() time.Duration {
	return time.Duration(c.Messages.UnsignedSweepSec) * time.Second
}

func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Server.ShutdownSec) * time.Second
}
