// Package config loads ledgersync configuration from a YAML file and
// LEDGER_ prefixed environment variables.
package config

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides.
// LEDGER_SYNC__CONCURRENCY=8 overrides sync.concurrency.
const EnvPrefix = "LEDGER_"

// Per-chain defaults applied when a key is left unset.
const (
	DefaultMaxRetries  = 5
	DefaultMaxLogRange = 10_000
	DefaultRPCTimeout  = 30 * time.Second
)

// Config is the top-level ledgersync configuration.
type Config struct {
	Log       LogConfig              `koanf:"log"`
	Database  DatabaseConfig         `koanf:"database"`
	Redis     RedisConfig            `koanf:"redis"`
	NATS      NATSConfig             `koanf:"nats"`
	Metrics   MetricsConfig          `koanf:"metrics"`
	Sync      SyncConfig             `koanf:"sync"`
	Chains    map[string]ChainConfig `koanf:"chains"` // keyed by decimal chain id
	Positions []PositionConfig       `koanf:"positions"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // text or json
}

// DatabaseConfig holds storage connection settings.
type DatabaseConfig struct {
	PostgresDSN   string `koanf:"postgres_dsn"`
	ClickHouseDSN string `koanf:"clickhouse_dsn"` // optional period mirror
	AutoMigrate   bool   `koanf:"auto_migrate"`
}

// RedisConfig enables the distributed sync lock when Addr is set.
type RedisConfig struct {
	Addr       string `koanf:"addr"`
	Password   string `koanf:"password"`
	DB         int    `koanf:"db"`
	LockPrefix string `koanf:"lock_prefix"`
}

// NATSConfig enables sync notifications when URL is set.
type NATSConfig struct {
	URL string `koanf:"url"`
}

// MetricsConfig enables the /metrics and /health endpoints when Addr is set.
type MetricsConfig struct {
	Addr string `koanf:"addr"`
}

// SyncConfig tunes batch syncs.
type SyncConfig struct {
	Concurrency int           `koanf:"concurrency"`
	LockTTL     time.Duration `koanf:"lock_ttl"`
	SyncedBy    string        `koanf:"synced_by"`
}

// ChainConfig describes one EVM chain.
type ChainConfig struct {
	RPCURL             string        `koanf:"rpc_url"`
	WSURL              string        `koanf:"ws_url"` // required for watch mode
	PositionManager    string        `koanf:"position_manager"`
	DeploymentBlock    uint64        `koanf:"deployment_block"`
	Confirmations      uint64        `koanf:"confirmations"` // fallback when the node lacks the finalized tag
	MinRequestInterval time.Duration `koanf:"min_request_interval"`
	MaxRetries         int           `koanf:"max_retries"`
	MaxLogRange        uint64        `koanf:"max_log_range"`
	Timeout            time.Duration `koanf:"timeout"`
}

// PositionConfig registers a position at startup.
type PositionConfig struct {
	ID            string      `koanf:"id"`
	ChainID       int64       `koanf:"chain_id"`
	NFTID         string      `koanf:"nft_id"`
	PoolID        string      `koanf:"pool_id"`
	Token0        TokenConfig `koanf:"token0"`
	Token1        TokenConfig `koanf:"token1"`
	IsToken0Quote bool        `koanf:"is_token0_quote"`
}

// TokenConfig describes one pool token.
type TokenConfig struct {
	Address  string `koanf:"address"`
	Symbol   string `koanf:"symbol"`
	Decimals uint8  `koanf:"decimals"`
}

// Load loads the configuration from the given file path and environment variables.
// An empty path loads defaults and environment only.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	// 1. Defaults
	defaults := map[string]interface{}{
		"log.level":             "info",
		"log.format":            "text",
		"database.auto_migrate": true,
		"redis.lock_prefix":     "ledger-lock",
		"sync.concurrency":      4,
		"sync.lock_ttl":         "5m",
		"sync.synced_by":        "ledgersync",
	}
	for key, value := range defaults {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("set default %s: %w", key, err)
		}
	}

	// 2. File
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	// 3. Environment
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load env vars: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.applyChainDefaults()

	return &cfg, nil
}

func (c *Config) applyChainDefaults() {
	for id, ch := range c.Chains {
		if ch.MaxRetries == 0 {
			ch.MaxRetries = DefaultMaxRetries
		}
		if ch.MaxLogRange == 0 {
			ch.MaxLogRange = DefaultMaxLogRange
		}
		if ch.Timeout == 0 {
			ch.Timeout = DefaultRPCTimeout
		}
		c.Chains[id] = ch
	}
}

// ChainIDs returns the configured chain ids in ascending order.
func (c *Config) ChainIDs() []int64 {
	ids := make([]int64, 0, len(c.Chains))
	for key := range c.Chains {
		if id, err := strconv.ParseInt(key, 10, 64); err == nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Chain returns the configuration of one chain.
func (c *Config) Chain(chainID int64) (ChainConfig, bool) {
	ch, ok := c.Chains[strconv.FormatInt(chainID, 10)]
	return ch, ok
}

// DeploymentBlocks maps chain id to its position manager deployment block.
func (c *Config) DeploymentBlocks() map[int64]uint64 {
	out := make(map[int64]uint64, len(c.Chains))
	for _, id := range c.ChainIDs() {
		ch, _ := c.Chain(id)
		out[id] = ch.DeploymentBlock
	}
	return out
}

// Validate reports every configuration problem at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format: must be text or json, got %q", c.Log.Format))
	}
	if c.Sync.Concurrency <= 0 {
		errs = append(errs, errors.New("sync.concurrency: must be positive"))
	}
	if c.Sync.LockTTL <= 0 {
		errs = append(errs, errors.New("sync.lock_ttl: must be positive"))
	}

	if len(c.Chains) == 0 {
		errs = append(errs, errors.New("chains: at least one chain is required"))
	}
	for key, ch := range c.Chains {
		if id, err := strconv.ParseInt(key, 10, 64); err != nil || id <= 0 {
			errs = append(errs, fmt.Errorf("chains.%s: key must be a positive chain id", key))
			continue
		}
		if ch.RPCURL == "" {
			errs = append(errs, fmt.Errorf("chains.%s.rpc_url: required", key))
		}
		if !common.IsHexAddress(ch.PositionManager) {
			errs = append(errs, fmt.Errorf("chains.%s.position_manager: invalid address %q", key, ch.PositionManager))
		}
		if ch.MinRequestInterval < 0 {
			errs = append(errs, fmt.Errorf("chains.%s.min_request_interval: must not be negative", key))
		}
	}

	seen := make(map[string]bool, len(c.Positions))
	for i, p := range c.Positions {
		switch {
		case p.ID == "":
			errs = append(errs, fmt.Errorf("positions[%d].id: required", i))
		case seen[p.ID]:
			errs = append(errs, fmt.Errorf("positions[%d].id: duplicate %q", i, p.ID))
		}
		seen[p.ID] = true
		if _, ok := c.Chain(p.ChainID); !ok {
			errs = append(errs, fmt.Errorf("positions[%d].chain_id: chain %d is not configured", i, p.ChainID))
		}
		if p.NFTID == "" {
			errs = append(errs, fmt.Errorf("positions[%d].nft_id: required", i))
		}
		if !common.IsHexAddress(p.PoolID) {
			errs = append(errs, fmt.Errorf("positions[%d].pool_id: invalid address %q", i, p.PoolID))
		}
	}

	return errors.Join(errs...)
}
