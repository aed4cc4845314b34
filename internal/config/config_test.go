package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalYAML = `
environment:
  mode: paper
trading:
  initial_capital: "1000000.00"
  allowed_underlyings: [NIFTY, BANKNIFTY]
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadMinimalAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	assert.True(t, cfg.IsPaper())
	assert.False(t, cfg.IsLive())
	assert.Equal(t, "info", cfg.Environment.LogLevel)
	assert.Equal(t, "Asia/Kolkata", cfg.Schedule.Timezone)
	assert.Equal(t, "09:15", cfg.Schedule.TradingStart)
	assert.Equal(t, "15:30", cfg.Schedule.TradingEnd)
	assert.Equal(t, 30*time.Second, cfg.TickInterval())
	assert.Equal(t, 10*time.Second, cfg.MonitorInterval())
	assert.Equal(t, 15*time.Second, cfg.OrderTimeout())
	assert.Equal(t, 45*time.Second, cfg.QuoteTTL())
	assert.Equal(t, 0.01, cfg.Risk.RiskPctPerTrade)
	assert.Equal(t, 1.5, cfg.Risk.MinRiskReward)
	assert.Equal(t, 0.7, cfg.Trading.MinConfidence)
	assert.Equal(t, 2, cfg.Trading.MinAgreeing)
	assert.Equal(t, 0.01, cfg.Trading.StopLossPct)
	assert.Equal(t, 0.02, cfg.Trading.TakeProfitPct)
	assert.Equal(t, "index_options", cfg.Trading.FeeModel)
	assert.Equal(t, "data/state.json", cfg.Storage.Path)
	assert.Empty(t, cfg.Ops.ListenAddr, "ops endpoint is opt-in")
}

func TestLoadExpandsEnvCredentials(t *testing.T) {
	t.Setenv("TEST_KITE_API_KEY", "key-from-env")
	t.Setenv("TEST_KITE_ACCESS_TOKEN", "token-from-env")

	cfg, err := Load(writeConfig(t, `
environment:
  mode: live
broker:
  api_key: ${TEST_KITE_API_KEY}
  access_token: ${TEST_KITE_ACCESS_TOKEN}
trading:
  initial_capital: "500000"
  allowed_underlyings: [NIFTY]
`))
	require.NoError(t, err)
	assert.Equal(t, "key-from-env", cfg.Broker.APIKey)
	assert.Equal(t, "token-from-env", cfg.Broker.AccessToken)
}

func TestLoadLiveRequiresCredentials(t *testing.T) {
	_, err := Load(writeConfig(t, `
environment:
  mode: live
trading:
  initial_capital: "500000"
  allowed_underlyings: [NIFTY]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api_key")
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	_, err := Load(writeConfig(t, minimalYAML+"\nbogus_section:\n  x: 1\n"))
	assert.Error(t, err, "typos in the config must not be silently ignored")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRanges(t *testing.T) {
	tests := []struct {
		name  string
		patch func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Environment.Mode = "yolo" }},
		{"no capital", func(c *Config) { c.Trading.InitialCapital = "" }},
		{"no underlyings", func(c *Config) { c.Trading.AllowedUnderlyings = nil }},
		{"confidence above 1", func(c *Config) { c.Trading.MinConfidence = 1.5 }},
		{"slippage too high", func(c *Config) { c.Trading.SlippageBps = 1000 }},
		{"stop pct too high", func(c *Config) { c.Trading.StopLossPct = 0.9 }},
		{"target pct negative", func(c *Config) { c.Trading.TakeProfitPct = -0.1 }},
		{"risk pct too high", func(c *Config) { c.Risk.RiskPctPerTrade = 0.5 }},
		{"rr below 1", func(c *Config) { c.Risk.MinRiskReward = 0.5 }},
		{"sector pct above 1", func(c *Config) { c.Risk.MaxSectorPct = 1.5 }},
		{"bad timezone", func(c *Config) { c.Schedule.Timezone = "Mars/Olympus" }},
		{"window inverted", func(c *Config) { c.Schedule.TradingStart = "16:00" }},
		{"bad holiday", func(c *Config) { c.Schedule.Holidays = []string{"14-10-2025"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalYAML))
			require.NoError(t, err)
			tt.patch(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestHolidayAndUnderlyingSets(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
environment:
  mode: paper
schedule:
  holidays: ["2025-10-21", "2025-10-22"]
trading:
  initial_capital: "1000000"
  allowed_underlyings: [NIFTY, BANKNIFTY, FINNIFTY]
`))
	require.NoError(t, err)

	holidays := cfg.HolidaySet()
	assert.True(t, holidays["2025-10-21"])
	assert.False(t, holidays["2025-10-23"])

	assert.Equal(t, []string{"BANKNIFTY", "FINNIFTY", "NIFTY"}, cfg.UnderlyingSet())
}

func TestLocation(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalYAML))
	require.NoError(t, err)

	loc := cfg.Location()
	require.NotNil(t, loc)
	_, offset := time.Date(2025, 10, 14, 12, 0, 0, 0, loc).Zone()
	assert.Equal(t, 5*3600+1800, offset, "IST is UTC+05:30")
}
