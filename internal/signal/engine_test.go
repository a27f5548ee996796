package signal

import (
	"context"
	"testing"
	"time"

	"greencandle-go/internal/config"
	"greencandle-go/internal/ledger"
	"greencandle-go/internal/models"
	"greencandle-go/internal/snapshot"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeTrades struct {
	open map[string]float64
}

func (f *fakeTrades) OpenTradeEntry(pair string, _ ledger.Scope) (*models.Trade, error) {
	price, ok := f.open[pair]
	if !ok {
		return nil, ledger.ErrNoOpenTrade
	}
	return &models.Trade{Pair: pair, OpenPrice: price}, nil
}

func testConfig(rules map[string]string) *config.Config {
	return &config.Config{
		Trading: config.Trading{
			Name:                 "test",
			TradeType:            config.TradeTypeSpot,
			TradeDirection:       config.DirectionLong,
			StopLossPerc:         2,
			TakeProfitPerc:       5,
			TrailingStopLossPerc: 1,
			RateIndicator:        "EMA_500",
			Indicators:           []string{"ema;EMA;500,0.5"},
		},
		Rules: rules,
	}
}

func setupEngine(t *testing.T, cfg *config.Config, trades *fakeTrades) (*Engine, *snapshot.Store) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	store := snapshot.New(client, false, 0)

	engine, err := NewEngine(cfg, store, trades, zap.NewNop())
	require.NoError(t, err)
	return engine, store
}

// seed stores five candles whose closes and EMA values are given oldest first.
func seed(t *testing.T, store *snapshot.Store, pair string, closes, emas []float64) {
	ctx := context.Background()
	for i := range closes {
		ms := int64(1_600_000_000_000 + i*3_600_000)
		candle := snapshot.Candle{Open: closes[i], High: closes[i], Low: closes[i], Close: closes[i], NumTrades: 10, Date: ms}
		require.NoError(t, store.AddSnapshot(ctx, pair, "1h", ms, candle, map[string]float64{"EMA_500": emas[i]}))
	}
}

func TestDecide_NotEnoughData(t *testing.T) {
	engine, store := setupEngine(t, testConfig(map[string]string{"buy_rule1": "close > last_close"}), &fakeTrades{})
	ctx := context.Background()

	for n := 0; n < 5; n++ {
		d, err := engine.Decide(ctx, "BTCUSDT", "1h")
		require.NoError(t, err)
		assert.Equal(t, Hold, d.Action)
		assert.Equal(t, 0, d.Score)
		assert.Equal(t, "not enough data", d.Reason)

		ms := int64(1000 + n)
		require.NoError(t, store.AddSnapshot(ctx, "BTCUSDT", "1h", ms, snapshot.Candle{Close: 1}, nil))
	}
}

func TestDecide_BuyWhenNotInTrade(t *testing.T) {
	engine, store := setupEngine(t, testConfig(map[string]string{
		"buy_rule1":  "close > last_close",
		"sell_rule1": "close < last_close",
	}), &fakeTrades{})
	seed(t, store, "BTCUSDT", []float64{90, 92, 94, 96, 100}, []float64{90, 95, 98, 100, 105})

	d, err := engine.Decide(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, Buy, d.Action)
	assert.Equal(t, 100.0, d.Price)
	assert.Equal(t, []int{}, d.MatchedRules)
	assert.Equal(t, []int{1}, d.BuyMatches)
	assert.Equal(t, time.UnixMilli(1_600_000_000_000+4*3_600_000).UTC(), d.Time)

	high, ok, err := store.HighWaterMark(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 100.0, high)
}

func TestDecide_NoItem(t *testing.T) {
	engine, store := setupEngine(t, testConfig(map[string]string{"buy_rule1": "close < last_close"}), &fakeTrades{})
	seed(t, store, "BTCUSDT", []float64{90, 92, 94, 96, 100}, []float64{90, 95, 98, 100, 105})

	d, err := engine.Decide(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, NoItem, d.Action)
}

func TestDecide_StopLoss(t *testing.T) {
	trades := &fakeTrades{open: map[string]float64{"BTCUSDT": 100}}
	engine, store := setupEngine(t, testConfig(map[string]string{"sell_rule1": "close > 1000"}), trades)
	seed(t, store, "BTCUSDT", []float64{100, 100, 99, 98, 97}, []float64{100, 100, 100, 100, 100})

	d, err := engine.Decide(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, Sell, d.Action)
	assert.Equal(t, EventStopLoss, d.Event)
	assert.Equal(t, 97.0, d.Price)
	assert.InDelta(t, 3.0, d.Drawdown, 1e-9)

	_, ok, err := store.HighWaterMark(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.False(t, ok, "high-water mark must be cleared on sell")
}

func TestDecide_SellRulesReportIndices(t *testing.T) {
	trades := &fakeTrades{open: map[string]float64{"BTCUSDT": 100}}
	engine, store := setupEngine(t, testConfig(map[string]string{
		"sell_rule1": "close > 1000",
		"sell_rule2": "rate > 0",
		"sell_rule3": "current.EMA_500 > previous.EMA_500",
		// sell_rule5 is never reached: numbering stops at the first gap
		"sell_rule5": "true",
	}), trades)
	seed(t, store, "BTCUSDT", []float64{100, 100, 101, 101, 101}, []float64{100, 101, 102, 103, 104})

	d, err := engine.Decide(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, Sell, d.Action)
	assert.Equal(t, EventNormalSell, d.Event)
	assert.Equal(t, []int{2, 3}, d.MatchedRules)
}

func TestDecide_HoldInTrade(t *testing.T) {
	trades := &fakeTrades{open: map[string]float64{"BTCUSDT": 100}}
	engine, store := setupEngine(t, testConfig(map[string]string{
		"buy_rule1":  "true",
		"sell_rule1": "close > 1000",
	}), trades)
	seed(t, store, "BTCUSDT", []float64{100, 100, 101, 101, 101}, []float64{100, 101, 102, 103, 104})

	d, err := engine.Decide(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, Hold, d.Action)
}

func TestDecide_MissingIndicatorDoesNotMatch(t *testing.T) {
	engine, store := setupEngine(t, testConfig(map[string]string{
		"buy_rule1": "current.RSI_14 > 70",
		"buy_rule2": "close > last_close",
	}), &fakeTrades{})
	seed(t, store, "BTCUSDT", []float64{90, 92, 94, 96, 100}, []float64{90, 95, 98, 100, 105})

	d, err := engine.Decide(context.Background(), "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, Buy, d.Action)
	assert.Equal(t, []int{2}, d.BuyMatches)
}

func TestHighWaterMarkMonotonic(t *testing.T) {
	cfg := testConfig(map[string]string{"sell_rule1": "close > 1000"})
	cfg.Trading.StopLossPerc = 50
	trades := &fakeTrades{open: map[string]float64{"BTCUSDT": 100}}
	engine, store := setupEngine(t, cfg, trades)
	ctx := context.Background()

	prices := []float64{100, 101, 102, 103, 104, 106, 108, 107, 105, 103}
	seed(t, store, "BTCUSDT", prices[:5], []float64{1, 1, 1, 1, 1})

	last := 0.0
	for i, p := range prices[5:] {
		ms := int64(1_600_000_000_000 + (5+i)*3_600_000)
		require.NoError(t, store.AddSnapshot(ctx, "BTCUSDT", "1h", ms, snapshot.Candle{Close: p, Date: ms}, map[string]float64{"EMA_500": 1}))

		d, err := engine.Decide(ctx, "BTCUSDT", "1h")
		require.NoError(t, err)
		assert.Equal(t, Hold, d.Action)

		high, ok, err := store.HighWaterMark(ctx, "BTCUSDT", "1h")
		require.NoError(t, err)
		require.True(t, ok)
		assert.GreaterOrEqual(t, high, last)
		last = high
	}
	assert.Equal(t, 108.0, last)
}

func TestDecide_TrailingStop(t *testing.T) {
	cfg := testConfig(map[string]string{"sell_rule1": "close > 1000"})
	cfg.Trading.TrailingStopLoss = true
	cfg.Trading.StopLossPerc = 50
	trades := &fakeTrades{open: map[string]float64{"BTCUSDT": 100}}
	engine, store := setupEngine(t, cfg, trades)
	ctx := context.Background()

	require.NoError(t, store.SetHighWaterMark(ctx, "BTCUSDT", "1h", 110))
	// 108 is more than 1% under the 110 high, and 110 is past the 105 take-profit price
	seed(t, store, "BTCUSDT", []float64{100, 104, 107, 110, 108}, []float64{1, 1, 1, 1, 1})

	d, err := engine.Decide(ctx, "BTCUSDT", "1h")
	require.NoError(t, err)
	assert.Equal(t, Sell, d.Action)
	assert.Equal(t, EventTrailingStop, d.Event)
	assert.InDelta(t, 10.0, d.Drawup, 1e-9)
}

func TestNewEngine_RejectsInvalidRule(t *testing.T) {
	mr := miniredis.RunT(t)
	store := snapshot.New(redis.NewClient(&redis.Options{Addr: mr.Addr()}), false, 0)

	_, err := NewEngine(testConfig(map[string]string{"buy_rule1": "close >"}), store, &fakeTrades{}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewEngine(testConfig(map[string]string{"buy_rule1": "unknown_name > 1"}), store, &fakeTrades{}, zap.NewNop())
	assert.Error(t, err)
}

func TestIntermittent(t *testing.T) {
	engine, _ := setupEngine(t, testConfig(nil), &fakeTrades{})

	assert.Equal(t, Sell, engine.Intermittent("BTCUSDT", 100, 97).Action)
	assert.Equal(t, Sell, engine.Intermittent("BTCUSDT", 100, 106).Action)
	assert.Equal(t, Hold, engine.Intermittent("BTCUSDT", 100, 101).Action)
	assert.Equal(t, Hold, engine.Intermittent("BTCUSDT", 0, 50).Action)
}

func TestRates(t *testing.T) {
	prev, cur, zero := 100.0, 105.0, 0.0

	rate, percRate := rates(&prev, &cur)
	assert.Equal(t, 5.0, rate)
	assert.Equal(t, 5.0, percRate)

	rate, percRate = rates(nil, &cur)
	assert.Zero(t, rate)
	assert.Zero(t, percRate)

	rate, percRate = rates(&zero, &cur)
	assert.Zero(t, rate)
	assert.Zero(t, percRate)
}

func TestIndicatorName(t *testing.T) {
	assert.Equal(t, "EMA_500", indicatorName("ema;EMA;500,0.5"))
	assert.Equal(t, "RSI_14", indicatorName("RSI_14"))
}
