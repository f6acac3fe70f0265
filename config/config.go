package config

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

const (
	defaultDriver              = "sqlite3"
	defaultDSN                 = "./data/rebalancer.db"
	defaultQueryTimeout        = 30 * time.Second
	defaultJournalDir          = "./wal/executions"
	defaultBrokerageKind       = "simulate"
	defaultBrokerageTimeout    = 30 * time.Second
	defaultRateLimit           = 10
	defaultRateBurst           = 5
	defaultStateFile           = "./data/simulate_state.json"
	defaultMaxPositions        = 20
	defaultLiquidityWindowDays = 20
	defaultBreakerFailures     = 3
	defaultBreakerOpenTimeout  = 60 * time.Second
	defaultPriceTTL            = 5 * time.Second
	defaultServerAddr          = ":8080"
	defaultTokenEnv            = "BROKERAGE_TOKEN"
)

// Config is the validated runtime configuration.
type Config struct {
	Database  DatabaseConfig
	Journal   JournalConfig
	Brokerage BrokerageConfig
	Rebalance RebalanceConfig
	Limits    LimitsConfig
	Breaker   BreakerConfig
	Cache     CacheConfig
	Tracing   TracingConfig
	Server    ServerConfig
}

// DatabaseConfig selects the SQL backend for batches and allocation sources.
type DatabaseConfig struct {
	Driver       string
	DSN          string
	QueryTimeout time.Duration
}

// JournalConfig points at the execution audit WAL.
type JournalConfig struct {
	Dir string
}

// BrokerageConfig configures the gateway.
type BrokerageConfig struct {
	Kind      string
	BaseURL   string
	TokenEnv  string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	StateFile string
	Accounts  []SimulatedAccount
	Prices    map[string]decimal.Decimal
}

// SimulatedAccount seeds the simulated brokerage.
type SimulatedAccount struct {
	AccountRef string
	Cash       decimal.Decimal
	Holdings   []SimulatedHolding
}

// SimulatedHolding is one seeded position.
type SimulatedHolding struct {
	Symbol    string
	Quantity  decimal.Decimal
	AssetType string
}

// RebalanceConfig is the global rebalancing policy.
type RebalanceConfig struct {
	Tolerance           decimal.Decimal
	DriftThreshold      decimal.Decimal
	MaxPositionWeight   decimal.Decimal
	DefaultMaxPositions int
	MinConfidence       decimal.Decimal
	LiquidityWindowDays int
	MinAvgVolume        decimal.Decimal
}

// LimitsConfig is the global per-order risk policy.
type LimitsConfig struct {
	MaxOrderValue  decimal.Decimal
	MaxPositionPct decimal.Decimal
}

// BreakerConfig tunes the brokerage circuit breaker.
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// CacheConfig enables the redis last-price cache when RedisAddr is set.
type CacheConfig struct {
	RedisAddr string
	Password  string
	DB        int
	PriceTTL  time.Duration
}

// TracingConfig toggles stdout span export.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
}

// ServerConfig configures the ops HTTP server. Non-empty TLSDomains switch
// it to HTTPS with ACME certificates cached in CertCacheDir.
type ServerConfig struct {
	Addr         string
	TLSDomains   []string
	CertCacheDir string
}

type configTmp struct {
	Database struct {
		Driver       string        `yaml:"driver"`
		DSN          string        `yaml:"dsn"`
		QueryTimeout time.Duration `yaml:"query_timeout"`
	} `yaml:"database"`
	Journal struct {
		Dir string `yaml:"dir"`
	} `yaml:"journal"`
	Brokerage struct {
		Kind      string            `yaml:"kind"`
		BaseURL   string            `yaml:"base_url"`
		TokenEnv  string            `yaml:"token_env"`
		Timeout   time.Duration     `yaml:"timeout"`
		RateLimit float64           `yaml:"rate_limit"`
		RateBurst int               `yaml:"rate_burst"`
		StateFile string            `yaml:"state_file"`
		Prices    map[string]string `yaml:"prices"`
		Accounts  []struct {
			AccountRef string `yaml:"account_ref"`
			Cash       string `yaml:"cash"`
			Holdings   []struct {
				Symbol    string `yaml:"symbol"`
				Quantity  string `yaml:"quantity"`
				AssetType string `yaml:"asset_type,omitempty"`
			} `yaml:"holdings"`
		} `yaml:"accounts"`
	} `yaml:"brokerage"`
	Rebalance struct {
		Tolerance           string `yaml:"tolerance,omitempty"`
		DriftThreshold      string `yaml:"drift_threshold,omitempty"`
		MaxPositionWeight   string `yaml:"max_position_weight,omitempty"`
		DefaultMaxPositions int    `yaml:"default_max_positions,omitempty"`
		MinConfidence       string `yaml:"min_confidence,omitempty"`
		LiquidityWindowDays int    `yaml:"liquidity_window_days,omitempty"`
		MinAvgVolume        string `yaml:"min_avg_volume,omitempty"`
	} `yaml:"rebalance"`
	Limits struct {
		MaxOrderValue  string `yaml:"max_order_value,omitempty"`
		MaxPositionPct string `yaml:"max_position_pct,omitempty"`
	} `yaml:"limits"`
	Breaker struct {
		ConsecutiveFailures uint32        `yaml:"consecutive_failures,omitempty"`
		OpenTimeout         time.Duration `yaml:"open_timeout,omitempty"`
	} `yaml:"breaker"`
	Cache struct {
		RedisAddr string        `yaml:"redis_addr"`
		Password  string        `yaml:"password"`
		DB        int           `yaml:"db"`
		PriceTTL  time.Duration `yaml:"price_ttl"`
	} `yaml:"cache"`
	Tracing struct {
		Enabled     bool   `yaml:"enabled"`
		ServiceName string `yaml:"service_name"`
	} `yaml:"tracing"`
	Server struct {
		Addr         string   `yaml:"addr"`
		TLSDomains   []string `yaml:"tls_domains"`
		CertCacheDir string   `yaml:"cert_cache_dir"`
	} `yaml:"server"`
}

// Load reads a YAML config file. An empty path yields the defaults.
func Load(path string) (Config, error) {
	if path == "" {
		return Default(), nil
	}

	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	return Parse(f)
}

// Parse decodes YAML bytes into a validated Config.
func Parse(data []byte) (Config, error) {
	var raw configTmp
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrap(err, "decode yaml config")
	}

	cfg := Default()

	if raw.Database.Driver != "" {
		cfg.Database.Driver = raw.Database.Driver
	}
	if raw.Database.DSN != "" {
		cfg.Database.DSN = raw.Database.DSN
	}
	if raw.Database.QueryTimeout > 0 {
		cfg.Database.QueryTimeout = raw.Database.QueryTimeout
	}
	if raw.Journal.Dir != "" {
		cfg.Journal.Dir = raw.Journal.Dir
	}

	b := raw.Brokerage
	if b.Kind != "" {
		cfg.Brokerage.Kind = b.Kind
	}
	cfg.Brokerage.BaseURL = b.BaseURL
	if b.TokenEnv != "" {
		cfg.Brokerage.TokenEnv = b.TokenEnv
	}
	if b.Timeout > 0 {
		cfg.Brokerage.Timeout = b.Timeout
	}
	if b.RateLimit > 0 {
		cfg.Brokerage.RateLimit = b.RateLimit
	}
	if b.RateBurst > 0 {
		cfg.Brokerage.RateBurst = b.RateBurst
	}
	if b.StateFile != "" {
		cfg.Brokerage.StateFile = b.StateFile
	}
	for symbol, p := range b.Prices {
		price, err := decimal.NewFromString(p)
		if err != nil {
			return Config{}, errors.Wrapf(err, "incorrect price for %s in yaml config", symbol)
		}
		cfg.Brokerage.Prices[symbol] = price
	}
	for _, a := range b.Accounts {
		cash, err := parseDecimal(a.Cash, decimal.Zero, "cash")
		if err != nil {
			return Config{}, err
		}
		account := SimulatedAccount{AccountRef: a.AccountRef, Cash: cash}
		for _, h := range a.Holdings {
			qty, err := decimal.NewFromString(h.Quantity)
			if err != nil {
				return Config{}, errors.Wrapf(err, "incorrect quantity for %s in yaml config", h.Symbol)
			}
			account.Holdings = append(account.Holdings, SimulatedHolding{Symbol: h.Symbol, Quantity: qty, AssetType: h.AssetType})
		}
		cfg.Brokerage.Accounts = append(cfg.Brokerage.Accounts, account)
	}

	var err error
	r := raw.Rebalance
	if cfg.Rebalance.Tolerance, err = parseDecimal(r.Tolerance, cfg.Rebalance.Tolerance, "tolerance"); err != nil {
		return Config{}, err
	}
	if cfg.Rebalance.DriftThreshold, err = parseDecimal(r.DriftThreshold, cfg.Rebalance.DriftThreshold, "drift_threshold"); err != nil {
		return Config{}, err
	}
	if cfg.Rebalance.MaxPositionWeight, err = parseDecimal(r.MaxPositionWeight, cfg.Rebalance.MaxPositionWeight, "max_position_weight"); err != nil {
		return Config{}, err
	}
	if cfg.Rebalance.MinConfidence, err = parseDecimal(r.MinConfidence, cfg.Rebalance.MinConfidence, "min_confidence"); err != nil {
		return Config{}, err
	}
	if cfg.Rebalance.MinAvgVolume, err = parseDecimal(r.MinAvgVolume, cfg.Rebalance.MinAvgVolume, "min_avg_volume"); err != nil {
		return Config{}, err
	}
	if r.DefaultMaxPositions > 0 {
		cfg.Rebalance.DefaultMaxPositions = r.DefaultMaxPositions
	}
	if r.LiquidityWindowDays > 0 {
		cfg.Rebalance.LiquidityWindowDays = r.LiquidityWindowDays
	}

	if cfg.Limits.MaxOrderValue, err = parseDecimal(raw.Limits.MaxOrderValue, cfg.Limits.MaxOrderValue, "max_order_value"); err != nil {
		return Config{}, err
	}
	if cfg.Limits.MaxPositionPct, err = parseDecimal(raw.Limits.MaxPositionPct, cfg.Limits.MaxPositionPct, "max_position_pct"); err != nil {
		return Config{}, err
	}

	if raw.Breaker.ConsecutiveFailures > 0 {
		cfg.Breaker.ConsecutiveFailures = raw.Breaker.ConsecutiveFailures
	}
	if raw.Breaker.OpenTimeout > 0 {
		cfg.Breaker.OpenTimeout = raw.Breaker.OpenTimeout
	}

	cfg.Cache.RedisAddr = raw.Cache.RedisAddr
	cfg.Cache.Password = raw.Cache.Password
	cfg.Cache.DB = raw.Cache.DB
	if raw.Cache.PriceTTL > 0 {
		cfg.Cache.PriceTTL = raw.Cache.PriceTTL
	}

	cfg.Tracing.Enabled = raw.Tracing.Enabled
	if raw.Tracing.ServiceName != "" {
		cfg.Tracing.ServiceName = raw.Tracing.ServiceName
	}
	if raw.Server.Addr != "" {
		cfg.Server.Addr = raw.Server.Addr
	}
	cfg.Server.TLSDomains = raw.Server.TLSDomains
	cfg.Server.CertCacheDir = raw.Server.CertCacheDir

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			Driver:       defaultDriver,
			DSN:          defaultDSN,
			QueryTimeout: defaultQueryTimeout,
		},
		Journal: JournalConfig{Dir: defaultJournalDir},
		Brokerage: BrokerageConfig{
			Kind:      defaultBrokerageKind,
			TokenEnv:  defaultTokenEnv,
			Timeout:   defaultBrokerageTimeout,
			RateLimit: defaultRateLimit,
			RateBurst: defaultRateBurst,
			StateFile: defaultStateFile,
			Prices:    make(map[string]decimal.Decimal),
		},
		Rebalance: RebalanceConfig{
			Tolerance:           decimal.NewFromFloat(0.05),
			DriftThreshold:      decimal.NewFromFloat(0.05),
			MaxPositionWeight:   decimal.NewFromFloat(0.10),
			DefaultMaxPositions: defaultMaxPositions,
			MinConfidence:       decimal.NewFromFloat(0.6),
			LiquidityWindowDays: defaultLiquidityWindowDays,
			MinAvgVolume:        decimal.NewFromInt(1_000_000),
		},
		Limits: LimitsConfig{
			MaxOrderValue:  decimal.NewFromInt(100_000),
			MaxPositionPct: decimal.NewFromFloat(0.25),
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: defaultBreakerFailures,
			OpenTimeout:         defaultBreakerOpenTimeout,
		},
		Cache:   CacheConfig{PriceTTL: defaultPriceTTL},
		Tracing: TracingConfig{ServiceName: "rebalancer"},
		Server:  ServerConfig{Addr: defaultServerAddr},
	}
}

// Validate checks value ranges.
func (c Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite3", "postgres":
	default:
		return errors.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Brokerage.Kind {
	case "simulate":
	case "http":
		if c.Brokerage.BaseURL == "" {
			return errors.New("brokerage base_url is required for the http brokerage")
		}
	default:
		return errors.Errorf("unsupported brokerage kind %q", c.Brokerage.Kind)
	}

	one := decimal.NewFromInt(1)
	fractions := map[string]decimal.Decimal{
		"tolerance":           c.Rebalance.Tolerance,
		"drift_threshold":     c.Rebalance.DriftThreshold,
		"max_position_weight": c.Rebalance.MaxPositionWeight,
		"min_confidence":      c.Rebalance.MinConfidence,
		"max_position_pct":    c.Limits.MaxPositionPct,
	}
	for name, v := range fractions {
		if v.IsNegative() || v.GreaterThan(one) {
			return errors.Errorf("%s must be between 0 and 1, got %s", name, v)
		}
	}
	if !c.Rebalance.MaxPositionWeight.IsPositive() {
		return errors.New("max_position_weight must be positive")
	}
	if !c.Limits.MaxOrderValue.IsPositive() {
		return errors.Errorf("max_order_value must be positive, got %s", c.Limits.MaxOrderValue)
	}
	if c.Brokerage.Timeout <= 0 {
		return errors.New("brokerage timeout must be positive")
	}
	return nil
}

func parseDecimal(raw string, def decimal.Decimal, name string) (decimal.Decimal, error) {
	if raw == "" {
		return def, nil
	}
	v, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Decimal{}, errors.Wrapf(err, "incorrect '%s' param in yaml config (must be a decimal)", name)
	}
	return v, nil
}
