package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yml"), []byte(body), 0o644))
	return dir
}

func TestLoadConfig_Defaults(t *testing.T) {
	dir := writeConfig(t, `
trading:
  name: alpha
  pairs: [BTCUSDT]
rules:
  buy_rule1: "rate > 0"
  buy_rule2: "   "
`)

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)

	assert.Equal(t, "alpha", cfg.Trading.Name)
	assert.Equal(t, TradeTypeSpot, cfg.Trading.TradeType)
	assert.Equal(t, DirectionLong, cfg.Trading.TradeDirection)
	assert.Equal(t, 1, cfg.Trading.MaxTrades)
	assert.Equal(t, 100.0, cfg.Trading.MaxTradeUSD)
	assert.Equal(t, time.Hour, cfg.Trading.TimeBetweenTrades)
	assert.True(t, cfg.Trading.CompensatingRepay)
	assert.Equal(t, 5*time.Hour, cfg.Redis.TTL)
	assert.Equal(t, 10*time.Second, cfg.Binance.Timeout)
	assert.Equal(t, "@every 1m", cfg.Schedule.Analyse)

	rule, ok := cfg.BuyRule(1)
	assert.True(t, ok)
	assert.Equal(t, "rate > 0", rule)
	_, ok = cfg.BuyRule(2)
	assert.False(t, ok, "blank rules are not configured")
	_, ok = cfg.SellRule(1)
	assert.False(t, ok)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	dir := writeConfig(t, "trading:\n  name: alpha\n  max_trades: 2\n")
	t.Setenv("TRADING_MAX_TRADES", "7")

	cfg, err := LoadConfig(dir)
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Trading.MaxTrades)
}

func TestLoadConfig_Invalid(t *testing.T) {
	testCases := []struct {
		name string
		body string
	}{
		{name: "spot short", body: "trading:\n  trade_direction: short\n"},
		{name: "unknown type", body: "trading:\n  trade_type: futures\n"},
		{name: "zero divisor", body: "trading:\n  divisor: 0\n"},
		{name: "bad drain range", body: "trading:\n  drain_range: tonight\n"},
		{name: "telegram without token", body: "telegram:\n  enabled: true\n"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			assert.Error(t, err)
		})
	}
}

func TestValidateTrade(t *testing.T) {
	assert.NoError(t, ValidateTrade(TradeTypeSpot, DirectionLong))
	assert.NoError(t, ValidateTrade(TradeTypeMargin, DirectionShort))
	assert.ErrorIs(t, ValidateTrade(TradeTypeSpot, DirectionShort), ErrInvalidTrade)
	assert.ErrorIs(t, ValidateTrade("futures", DirectionLong), ErrInvalidTrade)
}

func TestTradingHelpers(t *testing.T) {
	tr := Trading{Name: "any-long", TradeType: TradeTypeMargin, Isolated: true}
	assert.True(t, tr.IsManual())
	assert.Equal(t, "isolated", tr.MarginMode())

	tr.Isolated = false
	assert.Equal(t, "cross", tr.MarginMode())

	tr.TradeType = TradeTypeSpot
	assert.Equal(t, "", tr.MarginMode())
	assert.False(t, (&Trading{Name: "alpha"}).IsManual())
}
