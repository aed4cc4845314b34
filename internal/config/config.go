// Package config provides configuration management for the trading engine.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

// Defaults applied when the corresponding field is unset.
const (
	defaultRiskPctPerTrade   = 0.01
	defaultMinConfidence     = 0.7
	defaultMinRiskReward     = 1.5
	defaultMaxSectorPct      = 0.3
	defaultMaxPositionPct    = 0.25
	defaultTickInterval      = 30
	defaultMonitorInterval   = 10
	defaultPersistInterval   = 30
	defaultOrderTimeout      = 15
	defaultQuoteCacheTTL     = 45
	defaultRatePerSecond     = 3
	defaultRateBurst         = 10
	defaultCBFailures        = 5
	defaultCBOpenSeconds     = 60
	defaultFlattenMinutes    = 15
	defaultBanListRefreshMin = 15
	defaultTimezone          = "Asia/Kolkata"
	defaultTradingStart      = "09:15"
	defaultTradingEnd        = "15:30"
)

// Config represents the complete application configuration.
type Config struct {
	Environment EnvironmentConfig `yaml:"environment"`
	Broker      BrokerConfig      `yaml:"broker"`
	Schedule    ScheduleConfig    `yaml:"schedule"`
	Trading     TradingConfig     `yaml:"trading"`
	Risk        RiskConfig        `yaml:"risk"`
	Limits      LimitsConfig      `yaml:"limits"`
	Storage     StorageConfig     `yaml:"storage"`
	Ops         OpsConfig         `yaml:"ops"`
}

// EnvironmentConfig defines the run mode and logging.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live | backtest
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// BrokerConfig defines broker API settings. Credentials come from the
// environment via ${VAR} expansion; they are never written back out.
type BrokerConfig struct {
	APIKey      string `yaml:"api_key"`
	APISecret   string `yaml:"api_secret"`
	AccessToken string `yaml:"access_token"`
	BaseURL     string `yaml:"base_url"` // defaults to the Kite endpoint
	// InstrumentsPath overrides the catalog source with a local CSV
	// dump, for offline runs and backtests.
	InstrumentsPath  string `yaml:"instruments_path"`
	StreamingEnabled bool   `yaml:"streaming_enabled"`
	StreamingURL     string `yaml:"streaming_url"`
}

// ScheduleConfig defines the trading calendar and loop cadence.
type ScheduleConfig struct {
	Timezone               string   `yaml:"timezone"`
	TradingStart           string   `yaml:"trading_start"` // "HH:MM"
	TradingEnd             string   `yaml:"trading_end"`   // "HH:MM"
	Holidays               []string `yaml:"holidays"`      // "2006-01-02"
	TickIntervalSeconds    int      `yaml:"tick_interval_seconds"`
	MonitorIntervalSeconds int      `yaml:"monitor_interval_seconds"`
	PersistIntervalSeconds int      `yaml:"persist_interval_seconds"`
	// ExpiryFlattenBeforeCloseMinutes sets when the forced-flatten
	// window opens ahead of the close on expiry days.
	ExpiryFlattenBeforeCloseMinutes int `yaml:"expiry_flatten_before_close_minutes"`
	PreCloseMinutes                 int `yaml:"pre_close_minutes"`
}

// TradingConfig defines what the engine trades and how.
type TradingConfig struct {
	InitialCapital     string   `yaml:"initial_capital"` // rupees, e.g. "1000000.00"
	AllowedUnderlyings []string `yaml:"allowed_underlyings"`
	FeeModel           string   `yaml:"fee_model"`    // flat | equity_intraday | equity_delivery | index_options
	SlippageBps        int      `yaml:"slippage_bps"` // paper-mode slippage, basis points
	MinConfidence      float64  `yaml:"min_confidence"`
	MinAgreeing        int      `yaml:"min_agreeing"`
	// StopLossPct/TakeProfitPct place default exit levels around the
	// entry price for strategies that do not supply their own.
	StopLossPct       float64 `yaml:"stop_loss_pct"`
	TakeProfitPct     float64 `yaml:"take_profit_pct"`
	OrderTimeoutSecs  int     `yaml:"order_timeout_seconds"`
	PaperResetOnStart bool    `yaml:"paper_reset_on_start"`
}

// RiskConfig defines pre-trade risk parameters.
type RiskConfig struct {
	RiskPctPerTrade    float64 `yaml:"risk_pct_per_trade"`
	MinRiskReward      float64 `yaml:"min_risk_reward"`
	MaxSectorPct       float64 `yaml:"max_sector_pct"`
	MaxPositionPct     float64 `yaml:"max_position_pct"`
	AllowAveraging     bool    `yaml:"allow_averaging"`
	BanListURL         string  `yaml:"ban_list_url"`
	BanListRefreshMins int     `yaml:"ban_list_refresh_minutes"`
}

// LimitsConfig defines broker call budgets.
type LimitsConfig struct {
	RatePerSecond        int `yaml:"rate_limit_per_second"`
	RateBurst            int `yaml:"rate_limit_burst"`
	CBFailureThreshold   int `yaml:"circuit_breaker_failure_threshold"`
	CBOpenSeconds        int `yaml:"cb_open_seconds"`
	QuoteCacheTTLSeconds int `yaml:"quote_cache_ttl_seconds"`
	QuoteCacheSize       int `yaml:"quote_cache_size"`
}

// StorageConfig defines where the state snapshot lives.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// OpsConfig defines the read-only status endpoint. An empty address
// disables it.
type OpsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables so credentials stay out of the file.
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Environment.LogLevel == "" {
		c.Environment.LogLevel = "info"
	}
	if c.Schedule.Timezone == "" {
		c.Schedule.Timezone = defaultTimezone
	}
	if c.Schedule.TradingStart == "" {
		c.Schedule.TradingStart = defaultTradingStart
	}
	if c.Schedule.TradingEnd == "" {
		c.Schedule.TradingEnd = defaultTradingEnd
	}
	if c.Schedule.TickIntervalSeconds <= 0 {
		c.Schedule.TickIntervalSeconds = defaultTickInterval
	}
	if c.Schedule.MonitorIntervalSeconds <= 0 {
		c.Schedule.MonitorIntervalSeconds = defaultMonitorInterval
	}
	if c.Schedule.PersistIntervalSeconds <= 0 {
		c.Schedule.PersistIntervalSeconds = defaultPersistInterval
	}
	if c.Schedule.ExpiryFlattenBeforeCloseMinutes <= 0 {
		c.Schedule.ExpiryFlattenBeforeCloseMinutes = defaultFlattenMinutes
	}
	if c.Schedule.PreCloseMinutes <= 0 {
		c.Schedule.PreCloseMinutes = 10
	}
	if c.Trading.FeeModel == "" {
		c.Trading.FeeModel = "index_options"
	}
	if c.Trading.MinConfidence == 0 {
		c.Trading.MinConfidence = defaultMinConfidence
	}
	if c.Trading.MinAgreeing <= 0 {
		c.Trading.MinAgreeing = 2
	}
	if c.Trading.OrderTimeoutSecs <= 0 {
		c.Trading.OrderTimeoutSecs = defaultOrderTimeout
	}
	if c.Trading.StopLossPct == 0 {
		c.Trading.StopLossPct = 0.01
	}
	if c.Trading.TakeProfitPct == 0 {
		c.Trading.TakeProfitPct = 0.02
	}
	if c.Risk.RiskPctPerTrade == 0 {
		c.Risk.RiskPctPerTrade = defaultRiskPctPerTrade
	}
	if c.Risk.MinRiskReward == 0 {
		c.Risk.MinRiskReward = defaultMinRiskReward
	}
	if c.Risk.MaxSectorPct == 0 {
		c.Risk.MaxSectorPct = defaultMaxSectorPct
	}
	if c.Risk.MaxPositionPct == 0 {
		c.Risk.MaxPositionPct = defaultMaxPositionPct
	}
	if c.Risk.BanListRefreshMins <= 0 {
		c.Risk.BanListRefreshMins = defaultBanListRefreshMin
	}
	if c.Limits.RatePerSecond <= 0 {
		c.Limits.RatePerSecond = defaultRatePerSecond
	}
	if c.Limits.RateBurst <= 0 {
		c.Limits.RateBurst = defaultRateBurst
	}
	if c.Limits.CBFailureThreshold <= 0 {
		c.Limits.CBFailureThreshold = defaultCBFailures
	}
	if c.Limits.CBOpenSeconds <= 0 {
		c.Limits.CBOpenSeconds = defaultCBOpenSeconds
	}
	if c.Limits.QuoteCacheTTLSeconds <= 0 {
		c.Limits.QuoteCacheTTLSeconds = defaultQuoteCacheTTL
	}
	if c.Limits.QuoteCacheSize <= 0 {
		c.Limits.QuoteCacheSize = 2048
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "data/state.json"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	switch c.Environment.Mode {
	case "paper", "live", "backtest":
	default:
		return fmt.Errorf("environment.mode must be 'paper', 'live' or 'backtest'")
	}

	if c.IsLive() {
		if c.Broker.APIKey == "" {
			return fmt.Errorf("broker.api_key is required in live mode")
		}
		if c.Broker.AccessToken == "" {
			return fmt.Errorf("broker.access_token is required in live mode")
		}
	}

	if c.Trading.InitialCapital == "" {
		return fmt.Errorf("trading.initial_capital is required")
	}
	if len(c.Trading.AllowedUnderlyings) == 0 {
		return fmt.Errorf("trading.allowed_underlyings must not be empty")
	}
	if c.Trading.MinConfidence < 0 || c.Trading.MinConfidence > 1 {
		return fmt.Errorf("trading.min_confidence must be in [0,1]")
	}
	if c.Trading.SlippageBps < 0 || c.Trading.SlippageBps > 500 {
		return fmt.Errorf("trading.slippage_bps must be in [0,500]")
	}
	if c.Trading.StopLossPct <= 0 || c.Trading.StopLossPct > 0.5 {
		return fmt.Errorf("trading.stop_loss_pct must be in (0,0.5]")
	}
	if c.Trading.TakeProfitPct <= 0 || c.Trading.TakeProfitPct > 1 {
		return fmt.Errorf("trading.take_profit_pct must be in (0,1]")
	}

	if c.Risk.RiskPctPerTrade <= 0 || c.Risk.RiskPctPerTrade > 0.1 {
		return fmt.Errorf("risk.risk_pct_per_trade must be in (0,0.1]")
	}
	if c.Risk.MinRiskReward < 1 {
		return fmt.Errorf("risk.min_risk_reward must be >= 1")
	}
	if c.Risk.MaxSectorPct <= 0 || c.Risk.MaxSectorPct > 1 {
		return fmt.Errorf("risk.max_sector_pct must be in (0,1]")
	}
	if c.Risk.MaxPositionPct <= 0 || c.Risk.MaxPositionPct > 1 {
		return fmt.Errorf("risk.max_position_pct must be in (0,1]")
	}

	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return fmt.Errorf("schedule.timezone invalid: %w", err)
	}
	s, err1 := time.ParseInLocation("15:04", c.Schedule.TradingStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.Schedule.TradingEnd, loc)
	if err1 != nil || err2 != nil ||
		(s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("schedule trading window invalid (start/end parse/order)")
	}
	for _, h := range c.Schedule.Holidays {
		if _, err := time.Parse("2006-01-02", h); err != nil {
			return fmt.Errorf("schedule.holidays entry %q invalid: %w", h, err)
		}
	}

	return nil
}

// IsLive reports whether the engine trades real money.
func (c *Config) IsLive() bool { return c.Environment.Mode == "live" }

// IsPaper reports whether the engine is in paper mode.
func (c *Config) IsPaper() bool { return c.Environment.Mode == "paper" }

// Location returns the configured exchange timezone. Validate has
// already checked it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Schedule.Timezone)
	if err != nil {
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// TickInterval returns the main loop cadence.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Schedule.TickIntervalSeconds) * time.Second
}

// MonitorInterval returns the position-monitoring sub-tick cadence.
func (c *Config) MonitorInterval() time.Duration {
	return time.Duration(c.Schedule.MonitorIntervalSeconds) * time.Second
}

// PersistInterval returns the minimum gap between state snapshots.
func (c *Config) PersistInterval() time.Duration {
	return time.Duration(c.Schedule.PersistIntervalSeconds) * time.Second
}

// OrderTimeout returns the order confirmation window.
func (c *Config) OrderTimeout() time.Duration {
	return time.Duration(c.Trading.OrderTimeoutSecs) * time.Second
}

// QuoteTTL returns the quote cache entry lifetime.
func (c *Config) QuoteTTL() time.Duration {
	return time.Duration(c.Limits.QuoteCacheTTLSeconds) * time.Second
}

// HolidaySet returns the holiday calendar as a date-keyed set.
func (c *Config) HolidaySet() map[string]bool {
	set := make(map[string]bool, len(c.Schedule.Holidays))
	for _, h := range c.Schedule.Holidays {
		set[h] = true
	}
	return set
}

// UnderlyingSet returns the entry whitelist as a set, sorted access
// preserved for deterministic scans.
func (c *Config) UnderlyingSet() []string {
	out := make([]string, len(c.Trading.AllowedUnderlyings))
	copy(out, c.Trading.AllowedUnderlyings)
	sort.Strings(out)
	return out
}
