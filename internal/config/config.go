package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Fatal configuration errors; the process exits non-zero on any of them.
var (
	ErrMissingRedisURL = errors.New("REDIS_URL is required")
	ErrMissingKey      = errors.New("VALIDATOR_KEY is required")
	ErrBadInteger      = errors.New("invalid integer environment value")
)

// Defaults mirror the documented service environment.
const (
	DefaultPort        = 8080
	DefaultGasPrice    = 10
	DefaultBlockReward = 50
	DefaultSupplyCap   = 21_000_000
)

// Protocol timing and sizing constants shared across components.
const (
	RoundInterval     = 5 * time.Second
	RegistryRefresh   = 30 * time.Second
	MempoolSweep      = 60 * time.Second
	ViewChangeTimeout = 10 * time.Second
	HeartbeatInterval = 30 * time.Second
	MaxMempoolSize    = 5000
	MaxTxAge          = 72 * time.Hour
	MaxBlockTx        = 100
	ViewHorizon       = 64
)

// Config is the process configuration, read once from the environment at
// startup and passed by value into the components that need it.
type Config struct {
	Port        int
	RedisURL    string
	SeedNodes   []string
	GasPrice    uint64
	BlockReward uint64
	SupplyCap   uint64

	// ValidatorKey is the hex-encoded ed25519 seed of this node's signing
	// identity. Missing key material is a fatal startup condition.
	ValidatorKey string
}

// Load reads and validates the configuration from the process environment.
func Load() (*Config, error) {
	cfg := &Config{
		Port:         DefaultPort,
		RedisURL:     os.Getenv("REDIS_URL"),
		GasPrice:     DefaultGasPrice,
		BlockReward:  DefaultBlockReward,
		SupplyCap:    DefaultSupplyCap,
		ValidatorKey: os.Getenv("VALIDATOR_KEY"),
	}

	if cfg.RedisURL == "" {
		return nil, ErrMissingRedisURL
	}
	if cfg.ValidatorKey == "" {
		return nil, ErrMissingKey
	}

	var err error
	if cfg.Port, err = intEnv("PORT", DefaultPort); err != nil {
		return nil, err
	}
	if cfg.GasPrice, err = uintEnv("GAS_PRICE", DefaultGasPrice); err != nil {
		return nil, err
	}
	if cfg.BlockReward, err = uintEnv("BLOCK_REWARD", DefaultBlockReward); err != nil {
		return nil, err
	}
	if cfg.SupplyCap, err = uintEnv("SUPPLY_CAP", DefaultSupplyCap); err != nil {
		return nil, err
	}

	if seeds := os.Getenv("SEED_NODES"); seeds != "" {
		for _, s := range strings.Split(seeds, ",") {
			if s = strings.TrimSpace(s); s != "" {
				cfg.SeedNodes = append(cfg.SeedNodes, s)
			}
		}
	}
	return cfg, nil
}

func intEnv(name string, fallback int) (int, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadInteger, name, raw)
	}
	return v, nil
}

func uintEnv(name string, fallback uint64) (uint64, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.ParseUint(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrBadInteger, name, raw)
	}
	return v, nil
}
