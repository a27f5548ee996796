// Package analyser runs the periodic analysis of every configured pair and hands trade
// signals to the lifecycle.
package analyser

import (
	"context"
	"strings"
	"sync"
	"time"

	"greencandle-go/internal/config"
	"greencandle-go/internal/metrics"
	"greencandle-go/internal/models"
	"greencandle-go/internal/notify"
	"greencandle-go/internal/signal"
	"greencandle-go/internal/trader"

	"go.uber.org/zap"
)

// Decider produces a decision for one pair.
type Decider interface {
	Decide(ctx context.Context, pair, interval string) (signal.Decision, error)
}

// Lifecycle opens and closes trades.
type Lifecycle interface {
	OpenTrade(candidates []trader.PairEvent) (bool, error)
	CloseTrade(req trader.CloseRequest) (bool, error)
	OpenTrades() ([]models.Trade, error)
}

// Checker tests an open trade against a price seen between candles.
type Checker interface {
	Intermittent(pair string, buyPrice, price float64) signal.Decision
}

// Pricer returns the latest price of a pair.
type Pricer interface {
	GetTickerPrice(symbol string) (float64, error)
}

// Runner analyses the configured pairs on every tick.
type Runner struct {
	cfg       config.Trading
	decider   Decider
	lifecycle Lifecycle
	notifier  notify.Sink
	logger    *zap.Logger
	now       func() time.Time
	checker   Checker
	pricer    Pricer

	mu        sync.Mutex
	triggered map[string]time.Time
}

// NewRunner creates a new Runner.
func NewRunner(cfg *config.Config, decider Decider, lifecycle Lifecycle, notifier notify.Sink, logger *zap.Logger) *Runner {
	return &Runner{
		cfg:       cfg.Trading,
		decider:   decider,
		lifecycle: lifecycle,
		notifier:  notifier,
		logger:    logger.Named("analyser"),
		now:       time.Now,
		triggered: make(map[string]time.Time),
	}
}

// WithIntermittent enables Check, which exits open trades on stop-loss or take-profit
// between candles.
func (r *Runner) WithIntermittent(checker Checker, pricer Pricer) *Runner {
	r.checker = checker
	r.pricer = pricer
	return r
}

// Tick analyses every pair once. It stops early when ctx is cancelled.
func (r *Runner) Tick(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	start := time.Now()
	defer func() { metrics.TickLatency.Observe(time.Since(start).Seconds()) }()

	r.logger.Debug("Start of analysis loop", zap.Int("pairs", len(r.cfg.Pairs)))
	for _, pair := range r.cfg.Pairs {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.analysePair(ctx, strings.TrimSpace(pair))
	}

	if open, err := r.lifecycle.OpenTrades(); err != nil {
		r.logger.Warn("Could not count open trades", zap.Error(err))
	} else {
		metrics.OpenTrades.Set(float64(len(open)))
	}
	r.logger.Debug("End of analysis loop")
	return nil
}

// Check prices every open trade and closes those past their stop-loss or take-profit.
func (r *Runner) Check(ctx context.Context) error {
	if r.checker == nil || r.pricer == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	open, err := r.lifecycle.OpenTrades()
	if err != nil {
		return err
	}
	checked := make(map[string]bool, len(open))
	for _, trade := range open {
		if err := ctx.Err(); err != nil {
			return err
		}
		if checked[trade.Pair] {
			continue
		}
		checked[trade.Pair] = true

		l := r.logger.With(zap.String("pair", trade.Pair), zap.String("interval", r.cfg.Interval))
		price, err := r.pricer.GetTickerPrice(trade.Pair)
		if err != nil {
			l.Warn("Could not get price for intermittent check", zap.Error(err))
			continue
		}
		d := r.checker.Intermittent(trade.Pair, trade.OpenPrice, price)
		if d.Action != signal.Sell {
			continue
		}
		r.dispatch(l, trade.Pair, d)
	}
	return nil
}

func (r *Runner) analysePair(ctx context.Context, pair string) {
	l := r.logger.With(zap.String("pair", pair), zap.String("interval", r.cfg.Interval))

	d, err := r.decider.Decide(ctx, pair, r.cfg.Interval)
	if err != nil {
		l.Error("Failed to analyse pair", zap.Error(err))
		return
	}
	if d.Action != signal.Buy && d.Action != signal.Sell {
		l.Debug("No trade signal", zap.String("action", string(d.Action)), zap.String("reason", d.Reason))
		return
	}
	r.dispatch(l, pair, d)
}

// dispatch hands a buy or sell decision to the lifecycle unless the pair triggered within
// the wait window.
func (r *Runner) dispatch(l *zap.Logger, pair string, d signal.Decision) {
	now := r.now()
	if last, ok := r.triggered[pair]; ok && r.cfg.WaitBetweenTrades && now.Sub(last) < r.cfg.TimeBetweenTrades {
		l.Debug("Skipping recently triggered pair", zap.Time("last", last))
		return
	}
	r.triggered[pair] = now

	r.notifier.Emit(notify.ChannelNotifications, notify.Text("%s, %s: %s %s %s - %s",
		strings.ToLower(string(d.Action)), d.Event, pair, r.cfg.Interval, r.cfg.Name, d.Time.Format(time.RFC3339)))

	event := trader.PairEvent{Pair: pair, Time: d.Time, Price: d.Price, Event: d.Event}
	var (
		ok  bool
		err error
	)
	if d.Action == signal.Buy {
		event.Hint = 1
		if r.cfg.TradeDirection == config.DirectionShort {
			event.Hint = -1
		}
		ok, err = r.lifecycle.OpenTrade([]trader.PairEvent{event})
	} else {
		ok, err = r.lifecycle.CloseTrade(trader.CloseRequest{
			Candidates: []trader.PairEvent{event},
			Drawdowns:  map[string]float64{pair: d.Drawdown},
			Drawups:    map[string]float64{pair: d.Drawup},
		})
	}
	if err != nil {
		l.Error("Trade lifecycle rejected signal", zap.String("action", string(d.Action)), zap.Error(err))
		return
	}
	l.Info("Processed trade signal", zap.String("action", string(d.Action)), zap.Bool("ok", ok))
}
