package configs

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/nimazeighami/keeper-engine/internal/logging"
)

const (
	// -- Endpoints --
	RPC_URL = "http://127.0.0.1:8545"

	// -- Gas price sources --
	PRIMARY_GAS_SOURCE_URL     = "https://ethgasstation.info/json/ethgasAPI.json"
	PRIMARY_GAS_SOURCE_FIELD   = "fast"
	PRIMARY_GAS_SOURCE_DIVISOR = 10.0 // ethgasstation reports tenths of gwei
	BACKUP_GAS_SOURCE_URL      = "https://www.etherchain.org/api/gasPriceOracle"
	BACKUP_GAS_SOURCE_FIELD    = "fast"
	BACKUP_GAS_SOURCE_DIVISOR  = 1.0

	// -- Gas price oracle --
	DEFAULT_UPDATE_THRESHOLD_SECONDS = 60
	DEFAULT_PRICE_GWEI               = 50.0

	// -- Event fetching --
	DEFAULT_MAX_BLOCK_LOOK_BACK  = 0 // 0 = unrestricted single query
	DEFAULT_CONCURRENCY          = 200
	DEFAULT_MAX_RETRIES          = 3
	DEFAULT_RETRY_DELAY_SECONDS  = 10
	DEFAULT_CHUNK_CACHE_TTL_SECS = 3600

	// -- Submission --
	DEFAULT_ESCALATION_DELAY_SECONDS = 60
	DEFAULT_MIN_GAS_PRICE_WEI        = "1000000000" // 1 gwei
	DEFAULT_MAX_GAS_PRICE_MULTIPLIER = 6
	DEFAULT_AVAILABLE_ACCOUNTS       = 1
	DEFAULT_RECEIPT_POLL_SECONDS     = 2
)

// DSProxy ABIs
const (
	DSProxyFactoryABI = `[
		{
			"inputs": [],
			"name": "build",
			"outputs": [{"internalType": "address payable", "name": "proxy", "type": "address"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"internalType": "address", "name": "owner", "type": "address"}],
			"name": "build",
			"outputs": [{"internalType": "address payable", "name": "proxy", "type": "address"}],
			"stateMutability": "nonpayable",
			"type": "function"
		},
		{
			"inputs": [{"internalType": "address", "name": "", "type": "address"}],
			"name": "isProxy",
			"outputs": [{"internalType": "bool", "name": "", "type": "bool"}],
			"stateMutability": "view",
			"type": "function"
		},
		{
			"anonymous": false,
			"inputs": [
				{"indexed": true, "internalType": "address", "name": "sender", "type": "address"},
				{"indexed": true, "internalType": "address", "name": "owner", "type": "address"},
				{"indexed": false, "internalType": "address", "name": "proxy", "type": "address"},
				{"indexed": false, "internalType": "address", "name": "cache", "type": "address"}
			],
			"name": "Created",
			"type": "event"
		}
	]`

	DSProxyABI = `[
		{
			"inputs": [
				{"internalType": "address", "name": "_target", "type": "address"},
				{"internalType": "bytes", "name": "_data", "type": "bytes"}
			],
			"name": "execute",
			"outputs": [{"internalType": "bytes", "name": "response", "type": "bytes"}],
			"stateMutability": "payable",
			"type": "function"
		},
		{
			"inputs": [
				{"internalType": "bytes", "name": "_code", "type": "bytes"},
				{"internalType": "bytes", "name": "_data", "type": "bytes"}
			],
			"name": "execute",
			"outputs": [
				{"internalType": "address", "name": "target", "type": "address"},
				{"internalType": "bytes", "name": "response", "type": "bytes"}
			],
			"stateMutability": "payable",
			"type": "function"
		},
		{
			"inputs": [],
			"name": "owner",
			"outputs": [{"internalType": "address", "name": "", "type": "address"}],
			"stateMutability": "view",
			"type": "function"
		}
	]`
)

type GasSourceConfig struct {
	URL     string  `yaml:"url"`
	Field   string  `yaml:"field"`
	Divisor float64 `yaml:"divisor"`
}

type GasPriceConfig struct {
	UpdateThresholdSeconds int             `yaml:"update_threshold_seconds"`
	DefaultPriceGwei       float64         `yaml:"default_price_gwei"`
	Primary                GasSourceConfig `yaml:"primary"`
	Backup                 GasSourceConfig `yaml:"backup"`
	// UseNodeBackup falls back to eth_gasPrice when no backup URL is set.
	UseNodeBackup bool `yaml:"use_node_backup"`
}

type ChunkCacheConfig struct {
	Backend    string `yaml:"backend"` // "none", "memory" or "redis"
	RedisAddr  string `yaml:"redis_addr"`
	RedisDB    int    `yaml:"redis_db"`
	KeyPrefix  string `yaml:"key_prefix"`
	TTLSeconds int    `yaml:"ttl_seconds"`
}

type EventsConfig struct {
	MaxBlockLookBack  int64            `yaml:"max_block_look_back"`
	Concurrency       int              `yaml:"concurrency"`
	MaxRetries        int              `yaml:"max_retries"`
	RetryDelaySeconds int              `yaml:"retry_delay_seconds"`
	Cache             ChunkCacheConfig `yaml:"cache"`
}

type SubmitConfig struct {
	EscalationDelaySeconds int `yaml:"escalation_delay_seconds"`
	// AttemptTimeoutSeconds is how long one broadcast may wait for its receipt before it is
	// repriced. 0 means the escalation delay.
	AttemptTimeoutSeconds int    `yaml:"attempt_timeout_seconds"`
	MinGasPriceWei        string `yaml:"min_gas_price_wei"`
	MaxGasPriceMultiplier int64  `yaml:"max_gas_price_multiplier"`
	AvailableAccounts     int    `yaml:"available_accounts"`
	TrackLocalNonces      bool   `yaml:"track_local_nonces"`
	ReceiptPollSeconds    int    `yaml:"receipt_poll_seconds"`
	PrivateRelayURL       string `yaml:"private_relay_url"`
}

type ProxyConfig struct {
	FactoryAddress  string `yaml:"factory_address"`
	SearchFromBlock uint64 `yaml:"search_from_block"`
	CreateIfMissing *bool  `yaml:"create_if_missing"`
}

type Config struct {
	RpcURL      string `yaml:"rpc_url"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Keys are only read from the environment or flags, never from the config file.
	PrivateKeys    []string `yaml:"-"`
	RelaySignerKey string   `yaml:"-"`

	Log      logging.Config `yaml:"log"`
	GasPrice GasPriceConfig `yaml:"gas_price"`
	Events   EventsConfig   `yaml:"events"`
	Submit   SubmitConfig   `yaml:"submit"`
	Proxy    ProxyConfig    `yaml:"proxy"`
}

func Default() *Config {
	return &Config{
		RpcURL: RPC_URL,
		Log:    logging.Config{Level: "info", Format: "console"},
		GasPrice: GasPriceConfig{
			UpdateThresholdSeconds: DEFAULT_UPDATE_THRESHOLD_SECONDS,
			DefaultPriceGwei:       DEFAULT_PRICE_GWEI,
			Primary: GasSourceConfig{
				URL:     PRIMARY_GAS_SOURCE_URL,
				Field:   PRIMARY_GAS_SOURCE_FIELD,
				Divisor: PRIMARY_GAS_SOURCE_DIVISOR,
			},
			Backup: GasSourceConfig{
				URL:     BACKUP_GAS_SOURCE_URL,
				Field:   BACKUP_GAS_SOURCE_FIELD,
				Divisor: BACKUP_GAS_SOURCE_DIVISOR,
			},
		},
		Events: EventsConfig{
			MaxBlockLookBack:  DEFAULT_MAX_BLOCK_LOOK_BACK,
			Concurrency:       DEFAULT_CONCURRENCY,
			MaxRetries:        DEFAULT_MAX_RETRIES,
			RetryDelaySeconds: DEFAULT_RETRY_DELAY_SECONDS,
			Cache: ChunkCacheConfig{
				Backend:    "none",
				KeyPrefix:  "keeper:logs:",
				TTLSeconds: DEFAULT_CHUNK_CACHE_TTL_SECS,
			},
		},
		Submit: SubmitConfig{
			EscalationDelaySeconds: DEFAULT_ESCALATION_DELAY_SECONDS,
			MinGasPriceWei:         DEFAULT_MIN_GAS_PRICE_WEI,
			MaxGasPriceMultiplier:  DEFAULT_MAX_GAS_PRICE_MULTIPLIER,
			AvailableAccounts:      DEFAULT_AVAILABLE_ACCOUNTS,
			ReceiptPollSeconds:     DEFAULT_RECEIPT_POLL_SECONDS,
		},
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %v", key, err)
	}
	return n, nil
}

// Load reads the YAML file at path (if non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := config.applyEnv(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) applyEnv() error {
	c.RpcURL = getEnvOrDefault("KEEPER_RPC_URL", c.RpcURL)
	c.MetricsAddr = getEnvOrDefault("KEEPER_METRICS_ADDR", c.MetricsAddr)
	c.Log.Level = getEnvOrDefault("KEEPER_LOG_LEVEL", c.Log.Level)
	c.RelaySignerKey = getEnvOrDefault("KEEPER_RELAY_SIGNER_KEY", c.RelaySignerKey)
	c.Submit.PrivateRelayURL = getEnvOrDefault("KEEPER_PRIVATE_RELAY_URL", c.Submit.PrivateRelayURL)
	c.Proxy.FactoryAddress = getEnvOrDefault("KEEPER_PROXY_FACTORY", c.Proxy.FactoryAddress)
	c.Events.Cache.RedisAddr = getEnvOrDefault("KEEPER_REDIS_ADDR", c.Events.Cache.RedisAddr)

	if keys := os.Getenv("KEEPER_PRIVATE_KEYS"); keys != "" {
		c.PrivateKeys = nil
		for _, key := range strings.Split(keys, ",") {
			if key = strings.TrimSpace(key); key != "" {
				c.PrivateKeys = append(c.PrivateKeys, key)
			}
		}
	}

	accounts, err := getEnvInt("KEEPER_AVAILABLE_ACCOUNTS", c.Submit.AvailableAccounts)
	if err != nil {
		return err
	}
	c.Submit.AvailableAccounts = accounts
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.RpcURL == "" {
		errs = append(errs, errors.New("rpc_url is required"))
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.GasPrice.UpdateThresholdSeconds < 0 {
		errs = append(errs, errors.New("gas_price.update_threshold_seconds must not be negative"))
	}
	if c.GasPrice.DefaultPriceGwei <= 0 {
		errs = append(errs, errors.New("gas_price.default_price_gwei must be positive"))
	}
	if c.Events.MaxBlockLookBack < 0 {
		errs = append(errs, fmt.Errorf("events.max_block_look_back must be 0 (unrestricted) or positive, got %d", c.Events.MaxBlockLookBack))
	}
	if c.Events.Concurrency <= 0 {
		errs = append(errs, errors.New("events.concurrency must be positive"))
	}
	if c.Events.MaxRetries < 0 {
		errs = append(errs, errors.New("events.max_retries must not be negative"))
	}
	switch c.Events.Cache.Backend {
	case "", "none", "memory":
	case "redis":
		if c.Events.Cache.RedisAddr == "" {
			errs = append(errs, errors.New("events.cache.redis_addr is required for the redis backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown events.cache.backend %q", c.Events.Cache.Backend))
	}
	if _, err := c.MinGasPriceWei(); err != nil {
		errs = append(errs, err)
	}
	if c.Submit.AttemptTimeoutSeconds < 0 {
		errs = append(errs, errors.New("submit.attempt_timeout_seconds must not be negative"))
	}
	if c.Submit.MaxGasPriceMultiplier < 1 {
		errs = append(errs, errors.New("submit.max_gas_price_multiplier must be at least 1"))
	}
	if c.Submit.AvailableAccounts < 1 {
		errs = append(errs, errors.New("submit.available_accounts must be at least 1"))
	}
	if c.Proxy.FactoryAddress != "" && !common.IsHexAddress(c.Proxy.FactoryAddress) {
		errs = append(errs, fmt.Errorf("invalid proxy.factory_address %q", c.Proxy.FactoryAddress))
	}
	if c.Submit.PrivateRelayURL != "" && c.RelaySignerKey == "" {
		errs = append(errs, errors.New("KEEPER_RELAY_SIGNER_KEY is required when a private relay is configured"))
	}
	return errors.Join(errs...)
}

func (c *Config) MinGasPriceWei() (*big.Int, error) {
	wei, ok := new(big.Int).SetString(c.Submit.MinGasPriceWei, 10)
	if !ok || wei.Sign() <= 0 {
		return nil, fmt.Errorf("invalid submit.min_gas_price_wei %q", c.Submit.MinGasPriceWei)
	}
	return wei, nil
}

func (c *Config) UpdateThreshold() time.Duration {
	return time.Duration(c.GasPrice.UpdateThresholdSeconds) * time.Second
}

func (c *Config) RetryDelay() time.Duration {
	return time.Duration(c.Events.RetryDelaySeconds) * time.Second
}

func (c *Config) EscalationDelay() time.Duration {
	return time.Duration(c.Submit.EscalationDelaySeconds) * time.Second
}

// AttemptTimeout falls back to EscalationDelay when unset.
func (c *Config) AttemptTimeout() time.Duration {
	if c.Submit.AttemptTimeoutSeconds <= 0 {
		return c.EscalationDelay()
	}
	return time.Duration(c.Submit.AttemptTimeoutSeconds) * time.Second
}

func (c *Config) ReceiptPollInterval() time.Duration {
	return time.Duration(c.Submit.ReceiptPollSeconds) * time.Second
}

func (c *Config) ChunkCacheTTL() time.Duration {
	return time.Duration(c.Events.Cache.TTLSeconds) * time.Second
}

func (c *Config) CreateProxyIfMissing() bool {
	return c.Proxy.CreateIfMissing == nil || *c.Proxy.CreateIfMissing
}
