package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/viper"
)

// AppConfig ties together every section of the service configuration.
type AppConfig struct {
	Service  ServiceConfig  `mapstructure:"service"`
	Escrow   EscrowConfig   `mapstructure:"escrow"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Store    StoreConfig    `mapstructure:"store"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
}

type ServiceConfig struct {
	HTTPPort             int           `mapstructure:"http_port"`
	HMACSecret           string        `mapstructure:"hmac_secret"`
	HMACClockSkew        time.Duration `mapstructure:"hmac_clock_skew"`
	IdempotencyWindow    time.Duration `mapstructure:"idempotency_window"`
	IdempotencyStorePath string        `mapstructure:"idempotency_store_path"`
	DLQPath              string        `mapstructure:"dlq_path"`
	LogLevel             string        `mapstructure:"log_level"`
}

type EscrowConfig struct {
	FeeRateBps        uint32 `mapstructure:"fee_rate_bps"`
	FeeCollector      string `mapstructure:"fee_collector"`
	SettlementAccount string `mapstructure:"settlement_account"`
	CustodyAccount    string `mapstructure:"custody_account"`
	AssetDecimals     uint8  `mapstructure:"asset_decimals"`
}

type OracleConfig struct {
	Kind              string        `mapstructure:"kind"`
	StaticRate        string        `mapstructure:"static_rate"`
	RPCURL            string        `mapstructure:"rpc_url"`
	FeedAddress       string        `mapstructure:"feed_address"`
	ReferenceDecimals uint8         `mapstructure:"reference_decimals"`
	Timeout           time.Duration `mapstructure:"timeout"`
}

type StoreConfig struct {
	Driver     string `mapstructure:"driver"`
	DSN        string `mapstructure:"dsn"`
	MaxConns   int32  `mapstructure:"max_conns"`
	BadgerPath string `mapstructure:"badger_path"`
}

type RetryConfig struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialBackoff    time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff"`
	BackoffMultiplier int           `mapstructure:"backoff_multiplier"`
}

type DispatchConfig struct {
	WebhookURL    string        `mapstructure:"webhook_url"`
	WebhookSecret string        `mapstructure:"webhook_secret"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	BatchSize     int           `mapstructure:"batch_size"`
}

const envPrefix = "GIFTY"

const (
	OracleStatic = "static"
	OracleChain  = "chain"

	DriverMemory   = "memory"
	DriverPostgres = "postgres"
	DriverBadger   = "badger"
)

// Load reads the YAML file at path (optional; empty means none) and applies
// GIFTY_* environment overrides on top of the defaults.
func Load(path string) (*AppConfig, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(envPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.http_port", 3000)
	v.SetDefault("service.hmac_secret", "")
	v.SetDefault("service.hmac_clock_skew", time.Minute)
	v.SetDefault("service.idempotency_window", 24*time.Hour)
	v.SetDefault("service.idempotency_store_path", filepath.Join(os.TempDir(), "gifty-idem.json"))
	v.SetDefault("service.dlq_path", filepath.Join(os.TempDir(), "gifty-dlq"))
	v.SetDefault("service.log_level", "info")

	v.SetDefault("escrow.fee_rate_bps", 5)
	v.SetDefault("escrow.fee_collector", "")
	v.SetDefault("escrow.settlement_account", "")
	v.SetDefault("escrow.custody_account", "0x000000000000000000000000000000000000c057")
	v.SetDefault("escrow.asset_decimals", 18)

	v.SetDefault("oracle.kind", OracleStatic)
	v.SetDefault("oracle.static_rate", "")
	v.SetDefault("oracle.rpc_url", "")
	v.SetDefault("oracle.feed_address", "")
	v.SetDefault("oracle.reference_decimals", 2)
	v.SetDefault("oracle.timeout", 5*time.Second)

	v.SetDefault("store.driver", DriverMemory)
	v.SetDefault("store.dsn", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.badger_path", "")

	v.SetDefault("retry.max_attempts", 5)
	v.SetDefault("retry.initial_backoff", 200*time.Millisecond)
	v.SetDefault("retry.max_backoff", 10*time.Second)
	v.SetDefault("retry.backoff_multiplier", 2)

	v.SetDefault("dispatch.webhook_url", "")
	v.SetDefault("dispatch.webhook_secret", "")
	v.SetDefault("dispatch.poll_interval", 500*time.Millisecond)
	v.SetDefault("dispatch.batch_size", 50)
}

// Validate rejects configurations the service cannot start with.
func (c *AppConfig) Validate() error {
	var errs []error
	if c.Service.HTTPPort < 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.http_port %d out of range", c.Service.HTTPPort))
	}
	if c.Service.HMACSecret == "" {
		errs = append(errs, errors.New("service.hmac_secret is required"))
	}

	if c.Escrow.FeeRateBps > 10_000 {
		errs = append(errs, fmt.Errorf("escrow.fee_rate_bps %d exceeds 10000", c.Escrow.FeeRateBps))
	}
	if err := requireAddress("escrow.fee_collector", c.Escrow.FeeCollector); err != nil {
		errs = append(errs, err)
	}
	if err := requireAddress("escrow.custody_account", c.Escrow.CustodyAccount); err != nil {
		errs = append(errs, err)
	}
	if c.Escrow.SettlementAccount != "" {
		if err := requireAddress("escrow.settlement_account", c.Escrow.SettlementAccount); err != nil {
			errs = append(errs, err)
		}
	}

	switch c.Oracle.Kind {
	case OracleStatic:
		if c.Oracle.StaticRate == "" {
			errs = append(errs, errors.New("oracle.static_rate is required for the static feed"))
		}
	case OracleChain:
		if c.Oracle.RPCURL == "" {
			errs = append(errs, errors.New("oracle.rpc_url is required for the chain feed"))
		}
		if err := requireAddress("oracle.feed_address", c.Oracle.FeedAddress); err != nil {
			errs = append(errs, err)
		}
	case "":
	default:
		errs = append(errs, fmt.Errorf("unknown oracle.kind %q", c.Oracle.Kind))
	}

	switch c.Store.Driver {
	case DriverMemory, DriverBadger:
	case DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, errors.New("store.dsn is required for postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}

	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

// Address parses a validated address field.
func Address(hex string) common.Address {
	return common.HexToAddress(hex)
}

func requireAddress(field, value string) error {
	if !common.IsHexAddress(value) {
		return fmt.Errorf("%s %q is not a hex address", field, value)
	}
	if common.HexToAddress(value) == (common.Address{}) {
		return fmt.Errorf("%s must not be the zero address", field)
	}
	return nil
}
