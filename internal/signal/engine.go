package signal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"greencandle-go/internal/config"
	"greencandle-go/internal/ledger"
	"greencandle-go/internal/metrics"
	"greencandle-go/internal/models"
	"greencandle-go/internal/perc"
	"greencandle-go/internal/snapshot"

	"go.uber.org/zap"
)

// Action is the outcome of a decision.
type Action string

const (
	Buy    Action = "BUY"
	Sell   Action = "SELL"
	Hold   Action = "HOLD"
	NoItem Action = "NOITEM"
)

// Events reported on a Decision.
const (
	EventNotEnoughData = "NotEnoughData"
	EventNormalBuy     = "NormalBuy"
	EventNormalSell    = "NormalSell"
	EventStopLoss      = "StopLoss"
	EventTrailingStop  = "TrailingStop"
	EventTakeProfit    = "TakeProfit"
	EventHold          = "Hold"
	EventNoItem        = "NoItem"
)

// window is the number of snapshots a decision needs.
const window = 5

// Store is the snapshot storage the engine reads from.
type Store interface {
	RecentSnapshots(ctx context.Context, pair, interval string, n int) ([]string, error)
	SnapshotField(ctx context.Context, key, indicator string) (*float64, error)
	Candle(ctx context.Context, key string) (*snapshot.Candle, error)
	SetHighWaterMark(ctx context.Context, pair, interval string, price float64) error
	HighWaterMark(ctx context.Context, pair, interval string) (float64, bool, error)
	ClearHighWaterMark(ctx context.Context, pair, interval string) error
	SetLowWaterMark(ctx context.Context, pair, interval string, price float64) error
	LowWaterMark(ctx context.Context, pair, interval string) (float64, bool, error)
	ClearLowWaterMark(ctx context.Context, pair, interval string) error
}

// TradeLookup tells the engine whether a pair is currently in a trade.
type TradeLookup interface {
	OpenTradeEntry(pair string, scope ledger.Scope) (*models.Trade, error)
}

// Decision is the engine's verdict for one pair and interval.
type Decision struct {
	Action       Action
	Time         time.Time
	Price        float64
	MatchedRules []int // 1-based sell rule indices
	BuyMatches   []int // 1-based buy rule indices
	Event        string
	Reason       string
	Score        int
	Drawdown     float64
	Drawup       float64
}

// Engine turns the latest snapshots of a pair into a trade action.
type Engine struct {
	trading    config.Trading
	store      Store
	trades     TradeLookup
	logger     *zap.Logger
	indicators []string
	buyRules   []rule
	sellRules  []rule
}

// NewEngine compiles every configured rule; an invalid rule fails construction.
func NewEngine(cfg *config.Config, store Store, trades TradeLookup, logger *zap.Logger) (*Engine, error) {
	buyRules, err := compileRules("buy_rule", cfg.BuyRule)
	if err != nil {
		return nil, err
	}
	sellRules, err := compileRules("sell_rule", cfg.SellRule)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var indicators []string
	for _, spec := range append(append([]string{}, cfg.Trading.Indicators...), cfg.Trading.RateIndicator) {
		name := indicatorName(spec)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		indicators = append(indicators, name)
	}

	return &Engine{
		trading:    cfg.Trading,
		store:      store,
		trades:     trades,
		logger:     logger.Named("signal"),
		indicators: indicators,
		buyRules:   buyRules,
		sellRules:  sellRules,
	}, nil
}

// Decide evaluates the rules for pair/interval. Fewer than five snapshots is not an error:
// the decision is HOLD with a zero score.
func (e *Engine) Decide(ctx context.Context, pair, interval string) (Decision, error) {
	keys, err := e.store.RecentSnapshots(ctx, pair, interval, window)
	if err != nil {
		return Decision{}, err
	}
	if len(keys) < window {
		return notEnoughData(), nil
	}

	// oldest first: previous3, previous2, previous1, previous, current
	slots := []string{"previous3", "previous2", "previous1", "previous", "current"}
	results := make(map[string]map[string]interface{}, window)
	values := make(map[string]map[string]*float64, window)
	for i, slot := range slots {
		results[slot] = make(map[string]interface{}, len(e.indicators))
		values[slot] = make(map[string]*float64, len(e.indicators))
		for _, ind := range e.indicators {
			v, err := e.store.SnapshotField(ctx, keys[i], ind)
			if err != nil {
				return Decision{}, err
			}
			values[slot][ind] = v
			if v == nil {
				results[slot][ind] = nil
			} else {
				results[slot][ind] = *v
			}
		}
	}

	current, err := e.store.Candle(ctx, keys[window-1])
	if errors.Is(err, snapshot.ErrNoCandle) {
		return notEnoughData(), nil
	}
	if err != nil {
		return Decision{}, err
	}
	last, err := e.store.Candle(ctx, keys[window-2])
	if errors.Is(err, snapshot.ErrNoCandle) {
		return notEnoughData(), nil
	}
	if err != nil {
		return Decision{}, err
	}

	price := current.Close
	at := candleTime(keys[window-1], current)

	rateInd := indicatorName(e.trading.RateIndicator)
	rate, percRate := rates(values["previous"][rateInd], values["current"][rateInd])
	lastRate, lastPercRate := rates(values["previous1"][rateInd], values["previous"][rateInd])

	trade, err := e.trades.OpenTradeEntry(pair, ledger.Scope{Name: e.trading.Name, Direction: e.trading.TradeDirection})
	if err != nil && !errors.Is(err, ledger.ErrNoOpenTrade) {
		return Decision{}, err
	}
	var buyPrice interface{}
	if trade != nil {
		buyPrice = trade.OpenPrice
	}

	if err := e.store.SetHighWaterMark(ctx, pair, interval, price); err != nil {
		return Decision{}, err
	}
	if err := e.store.SetLowWaterMark(ctx, pair, interval, price); err != nil {
		return Decision{}, err
	}

	env := ruleEnv{
		"current":        results["current"],
		"previous":       results["previous"],
		"previous1":      results["previous1"],
		"previous2":      results["previous2"],
		"previous3":      results["previous3"],
		"open":           current.Open,
		"high":           current.High,
		"low":            current.Low,
		"close":          current.Close,
		"trades":         current.NumTrades,
		"last_open":      last.Open,
		"last_high":      last.High,
		"last_low":       last.Low,
		"last_close":     last.Close,
		"last_trades":    last.NumTrades,
		"rate":           rate,
		"perc_rate":      percRate,
		"last_rate":      lastRate,
		"last_perc_rate": lastPercRate,
		"current_price":  price,
		"buy_price":      buyPrice,
	}

	buyMatches := e.evalRules(pair, e.buyRules, env)
	sellMatches := e.evalRules(pair, e.sellRules, env)
	if len(buyMatches) > 0 && len(sellMatches) > 0 {
		e.logger.Warn("matched both buy and sell rules",
			zap.String("pair", pair), zap.Bool("in_trade", trade != nil),
			zap.Ints("buy", buyMatches), zap.Ints("sell", sellMatches))
	}

	d := Decision{
		Time:       at,
		Price:      price,
		BuyMatches: buyMatches,
		Score:      len(buyMatches) - len(sellMatches),
	}

	if trade != nil {
		if d.Drawdown, d.Drawup, err = e.excursion(ctx, pair, interval, trade.OpenPrice); err != nil {
			return Decision{}, err
		}

		stopLoss, trailing, err := e.stops(ctx, pair, interval, trade.OpenPrice, price)
		if err != nil {
			return Decision{}, err
		}

		switch {
		case stopLoss || trailing:
			d.Action = Sell
			d.Event = EventStopLoss
			if !stopLoss {
				d.Event = EventTrailingStop
			}
			if err := e.clearMarks(ctx, pair, interval); err != nil {
				return Decision{}, err
			}
		case len(sellMatches) > 0:
			d.Action = Sell
			d.Event = EventNormalSell
			d.MatchedRules = sellMatches
			if err := e.clearMarks(ctx, pair, interval); err != nil {
				return Decision{}, err
			}
		default:
			d.Action = Hold
			d.Event = EventHold
		}
	} else {
		if len(buyMatches) > 0 {
			d.Action = Buy
			d.Event = EventNormalBuy
			if err := e.clearMarks(ctx, pair, interval); err != nil {
				return Decision{}, err
			}
			if err := e.store.SetHighWaterMark(ctx, pair, interval, price); err != nil {
				return Decision{}, err
			}
			if err := e.store.SetLowWaterMark(ctx, pair, interval, price); err != nil {
				return Decision{}, err
			}
		} else {
			d.Action = NoItem
			d.Event = EventNoItem
		}
	}
	if d.MatchedRules == nil {
		d.MatchedRules = []int{}
	}

	e.logEvent(pair, d, rate, percRate, buyPrice)
	metrics.Decisions.WithLabelValues(pair, string(d.Action)).Inc()
	return d, nil
}

// Intermittent checks stop-loss and take-profit against a price seen between candles.
func (e *Engine) Intermittent(pair string, buyPrice, price float64) Decision {
	d := Decision{Action: Hold, Event: EventHold, Time: time.Now().UTC(), Price: price, MatchedRules: []int{}}
	if buyPrice == 0 {
		return d
	}

	switch {
	case e.stopLossHit(buyPrice, price):
		d.Action, d.Event = Sell, EventStopLoss
	case e.takeProfitHit(buyPrice, price):
		d.Action, d.Event = Sell, EventTakeProfit
	}
	if d.Action == Sell {
		e.logger.Info("intermittent exit", zap.String("pair", pair), zap.String("event", d.Event),
			zap.Float64("buy_price", buyPrice), zap.Float64("price", price))
	}
	return d
}

func (e *Engine) evalRules(pair string, rules []rule, env ruleEnv) []int {
	var matched []int
	for _, r := range rules {
		ok, err := r.eval(env)
		if err != nil {
			e.logger.Warn("rule evaluation failed", zap.String("pair", pair),
				zap.String("rule", r.name), zap.Error(err))
			metrics.RuleErrors.WithLabelValues(r.name).Inc()
			continue
		}
		if ok {
			matched = append(matched, r.index)
		}
	}
	return matched
}

func (e *Engine) short() bool {
	return e.trading.TradeDirection == config.DirectionShort
}

func (e *Engine) stopLossHit(buyPrice, price float64) bool {
	if e.short() {
		return price > perc.Add(e.trading.StopLossPerc, buyPrice)
	}
	return price < perc.Sub(e.trading.StopLossPerc, buyPrice)
}

func (e *Engine) takeProfitHit(buyPrice, price float64) bool {
	if e.short() {
		return price < perc.Sub(e.trading.TakeProfitPerc, buyPrice)
	}
	return price > perc.Add(e.trading.TakeProfitPerc, buyPrice)
}

// stops reports the fixed stop-loss and the trailing stop. The trailing stop only arms once
// the high-water mark has passed the take-profit price.
func (e *Engine) stops(ctx context.Context, pair, interval string, buyPrice, price float64) (bool, bool, error) {
	stopLoss := e.stopLossHit(buyPrice, price)
	if !e.trading.TrailingStopLoss || e.short() {
		return stopLoss, false, nil
	}

	high, ok, err := e.store.HighWaterMark(ctx, pair, interval)
	if err != nil || !ok {
		return stopLoss, false, err
	}
	trailing := high > perc.Add(e.trading.TakeProfitPerc, buyPrice) &&
		price < perc.Sub(e.trading.TrailingStopLossPerc, high)
	return stopLoss, trailing, nil
}

// excursion returns the worst and best move against the open price, in percent, as
// positive numbers.
func (e *Engine) excursion(ctx context.Context, pair, interval string, buyPrice float64) (float64, float64, error) {
	high, okHigh, err := e.store.HighWaterMark(ctx, pair, interval)
	if err != nil {
		return 0, 0, err
	}
	low, okLow, err := e.store.LowWaterMark(ctx, pair, interval)
	if err != nil {
		return 0, 0, err
	}

	var up, down float64
	if okHigh {
		up = perc.Diff(buyPrice, high)
	}
	if okLow {
		down = -perc.Diff(buyPrice, low)
	}
	if e.short() {
		up, down = down, up
	}
	return max(down, 0), max(up, 0), nil
}

func (e *Engine) clearMarks(ctx context.Context, pair, interval string) error {
	if err := e.store.ClearHighWaterMark(ctx, pair, interval); err != nil {
		return err
	}
	return e.store.ClearLowWaterMark(ctx, pair, interval)
}

func (e *Engine) logEvent(pair string, d Decision, rate, percRate float64, buyPrice interface{}) {
	fields := []zap.Field{
		zap.String("pair", pair),
		zap.String("event", d.Event),
		zap.String("rate", fmt.Sprintf("%.4f", rate)),
		zap.String("perc_rate", fmt.Sprintf("%.4f", percRate)),
		zap.Any("buy_price", buyPrice),
		zap.Float64("price", d.Price),
		zap.Time("time", d.Time),
	}
	if len(d.MatchedRules) > 0 {
		fields = append(fields, zap.Ints("sell_rules", d.MatchedRules))
	}
	if d.Action == Hold || d.Action == NoItem {
		e.logger.Debug("event", fields...)
		return
	}
	e.logger.Info("event", fields...)
}

func notEnoughData() Decision {
	return Decision{Action: Hold, Event: EventNotEnoughData, Reason: "not enough data", Score: 0, MatchedRules: []int{}}
}

// rates returns cur-prev and the percentage change; both are 0 without a usable previous value.
func rates(prev, cur *float64) (float64, float64) {
	if prev == nil || cur == nil || *prev == 0 {
		return 0, 0
	}
	return *cur - *prev, perc.Diff(*prev, *cur)
}

func candleTime(key string, c *snapshot.Candle) time.Time {
	if c.Date > 0 {
		return time.UnixMilli(c.Date).UTC()
	}
	if i := strings.LastIndex(key, ":"); i >= 0 {
		if ms, err := strconv.ParseInt(key[i+1:], 10, 64); err == nil {
			return time.UnixMilli(ms).UTC()
		}
	}
	return time.Time{}
}
