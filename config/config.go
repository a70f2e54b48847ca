// Package config loads engine configuration: defaults, then an optional
// YAML file, then ENGINE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/cloudx-io/pennyauction/core"
	"github.com/cloudx-io/pennyauction/settlement"
)

// Store and publisher drivers
const (
	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverRedis    = "redis"
	DriverLog      = "log"
	DriverKafka    = "kafka"

	NetworkTCP   = "tcp"
	NetworkVsock = "vsock"
)

type Server struct {
	Network     string        `yaml:"network"`
	Address     string        `yaml:"address"`
	VsockPort   int           `yaml:"vsock_port"`
	MaxWorkers  int           `yaml:"max_workers"`
	ReadTimeout time.Duration `yaml:"read_timeout"`
	HTTPAddress string        `yaml:"http_address"`
}

type Store struct {
	Driver      string `yaml:"driver"`
	PostgresDSN string `yaml:"postgres_dsn"`
	ClaimStore  string `yaml:"claim_store"`
	RedisURL    string `yaml:"redis_url"`
}

// Gateways configures the wallet and payout services. An empty URL runs the
// in-memory demo gateway instead.
type Gateways struct {
	BalanceURL  string        `yaml:"balance_url"`
	PayoutURL   string        `yaml:"payout_url"`
	CallTimeout time.Duration `yaml:"call_timeout"`
	MaxAttempts int           `yaml:"max_attempts"`
	Backoff     time.Duration `yaml:"backoff"`
}

type Events struct {
	Driver       string   `yaml:"driver"`
	KafkaBrokers []string `yaml:"kafka_brokers"`
	KafkaTopic   string   `yaml:"kafka_topic"`
}

type Claims struct {
	DefaultClaimCost string        `yaml:"default_claim_cost"`
	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	VoucherKeyPath   string        `yaml:"voucher_key_path"`
}

type Jobs struct {
	FinalizeInterval  time.Duration `yaml:"finalize_interval"`
	ReconcileInterval time.Duration `yaml:"reconcile_interval"`
	ReconcileWorkers  int           `yaml:"reconcile_workers"`
}

type Config struct {
	Server   Server   `yaml:"server"`
	Store    Store    `yaml:"store"`
	Gateways Gateways `yaml:"gateways"`
	Events   Events   `yaml:"events"`
	Claims   Claims   `yaml:"claims"`
	Jobs     Jobs     `yaml:"jobs"`
}

// Default returns the configuration used when nothing is overridden
func Default() Config {
	return Config{
		Server: Server{
			Network:     NetworkTCP,
			Address:     ":7400",
			VsockPort:   5000,
			MaxWorkers:  16,
			ReadTimeout: 10 * time.Second,
			HTTPAddress: ":8080",
		},
		Store: Store{
			Driver:     DriverMemory,
			ClaimStore: DriverMemory,
		},
		Gateways: Gateways{
			CallTimeout: 5 * time.Second,
			MaxAttempts: 3,
			Backoff:     200 * time.Millisecond,
		},
		Events: Events{
			Driver: DriverLog,
		},
		Claims: Claims{
			DefaultClaimCost: "100",
			LeaseTTL:         2 * time.Minute,
		},
		Jobs: Jobs{
			FinalizeInterval:  time.Second,
			ReconcileInterval: 10 * time.Second,
			ReconcileWorkers:  4,
		},
	}
}

// Load builds the configuration. path may be empty; a missing file is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) error {
	var err error
	if cfg.Server.MaxWorkers, err = envInt("ENGINE_MAX_WORKERS", cfg.Server.MaxWorkers); err != nil {
		return err
	}
	if cfg.Server.VsockPort, err = envInt("ENGINE_VSOCK_PORT", cfg.Server.VsockPort); err != nil {
		return err
	}
	if cfg.Gateways.MaxAttempts, err = envInt("ENGINE_GATEWAY_MAX_ATTEMPTS", cfg.Gateways.MaxAttempts); err != nil {
		return err
	}
	if cfg.Jobs.ReconcileWorkers, err = envInt("ENGINE_RECONCILE_WORKERS", cfg.Jobs.ReconcileWorkers); err != nil {
		return err
	}
	if cfg.Gateways.CallTimeout, err = envDuration("ENGINE_GATEWAY_TIMEOUT", cfg.Gateways.CallTimeout); err != nil {
		return err
	}
	if cfg.Claims.LeaseTTL, err = envDuration("ENGINE_CLAIM_LEASE_TTL", cfg.Claims.LeaseTTL); err != nil {
		return err
	}

	cfg.Server.Network = envOrDefault("ENGINE_LISTEN_NETWORK", cfg.Server.Network)
	cfg.Server.Address = envOrDefault("ENGINE_LISTEN_ADDRESS", cfg.Server.Address)
	cfg.Server.HTTPAddress = envOrDefault("ENGINE_HTTP_ADDRESS", cfg.Server.HTTPAddress)
	cfg.Store.Driver = envOrDefault("ENGINE_STORE_DRIVER", cfg.Store.Driver)
	cfg.Store.PostgresDSN = envOrDefault("ENGINE_POSTGRES_DSN", cfg.Store.PostgresDSN)
	cfg.Store.ClaimStore = envOrDefault("ENGINE_CLAIM_STORE", cfg.Store.ClaimStore)
	cfg.Store.RedisURL = envOrDefault("ENGINE_REDIS_URL", cfg.Store.RedisURL)
	cfg.Gateways.BalanceURL = envOrDefault("ENGINE_BALANCE_URL", cfg.Gateways.BalanceURL)
	cfg.Gateways.PayoutURL = envOrDefault("ENGINE_PAYOUT_URL", cfg.Gateways.PayoutURL)
	cfg.Events.Driver = envOrDefault("ENGINE_EVENTS_DRIVER", cfg.Events.Driver)
	cfg.Events.KafkaBrokers = envCSV("ENGINE_KAFKA_BROKERS", cfg.Events.KafkaBrokers)
	cfg.Events.KafkaTopic = envOrDefault("ENGINE_KAFKA_TOPIC", cfg.Events.KafkaTopic)
	cfg.Claims.VoucherKeyPath = envOrDefault("ENGINE_VOUCHER_KEY_PATH", cfg.Claims.VoucherKeyPath)
	cfg.Claims.DefaultClaimCost = envOrDefault("ENGINE_DEFAULT_CLAIM_COST", cfg.Claims.DefaultClaimCost)
	return nil
}

// Validate rejects configurations the engine cannot start with
func (c Config) Validate() error {
	var errs []error

	switch c.Server.Network {
	case NetworkTCP:
		if c.Server.Address == "" {
			errs = append(errs, errors.New("server.address is required for tcp"))
		}
	case NetworkVsock:
		if c.Server.VsockPort <= 0 {
			errs = append(errs, errors.New("server.vsock_port must be positive"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown server.network %q", c.Server.Network))
	}
	if c.Server.MaxWorkers <= 0 {
		errs = append(errs, errors.New("server.max_workers must be positive"))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	switch c.Store.ClaimStore {
	case DriverMemory:
	case DriverPostgres:
		if c.Store.PostgresDSN == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required for the postgres claim store"))
		}
	case DriverRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url is required for the redis claim store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.claim_store %q", c.Store.ClaimStore))
	}

	switch c.Events.Driver {
	case DriverLog:
	case DriverKafka:
		if len(c.Events.KafkaBrokers) == 0 {
			errs = append(errs, errors.New("events.kafka_brokers is required for the kafka driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events.driver %q", c.Events.Driver))
	}

	if c.Gateways.MaxAttempts <= 0 {
		errs = append(errs, errors.New("gateways.max_attempts must be positive"))
	}
	if c.Gateways.CallTimeout <= 0 {
		errs = append(errs, errors.New("gateways.call_timeout must be positive"))
	}
	if c.Claims.LeaseTTL <= 0 {
		errs = append(errs, errors.New("claims.lease_ttl must be positive"))
	} else if budget := c.Retry().Budget(); c.Gateways.MaxAttempts > 0 && c.Claims.LeaseTTL <= budget {
		errs = append(errs, fmt.Errorf("claims.lease_ttl %s must exceed the gateway retry budget %s", c.Claims.LeaseTTL, budget))
	}
	if _, err := c.DefaultClaimCost(); err != nil {
		errs = append(errs, err)
	}
	if c.Jobs.ReconcileWorkers <= 0 {
		errs = append(errs, errors.New("jobs.reconcile_workers must be positive"))
	}

	return errors.Join(errs...)
}

// Retry is the gateway retry policy described by the gateways section
func (c Config) Retry() settlement.RetryPolicy {
	return settlement.RetryPolicy{
		MaxAttempts: c.Gateways.MaxAttempts,
		Backoff:     c.Gateways.Backoff,
		CallTimeout: c.Gateways.CallTimeout,
	}
}

// DefaultClaimCost parses the claim cost applied to auctions created without one
func (c Config) DefaultClaimCost() (decimal.Decimal, error) {
	cost, err := core.ParseAmount(c.Claims.DefaultClaimCost)
	if err != nil {
		return decimal.Zero, fmt.Errorf("claims.default_claim_cost: %w", err)
	}
	return cost, nil
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func envInt(key string, fallback int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}

	intValue, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %s (must be a valid integer)", key, value)
	}

	log.Printf("INFO: Using %s=%d from environment", key, intValue)
	return intValue, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return fallback, nil
	}

	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid value for %s: %s (must be a duration such as 5s)", key, value)
	}

	log.Printf("INFO: Using %s=%s from environment", key, d)
	return d, nil
}

func envCSV(key string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	out := make([]string, 0)
	for _, v := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
