package trader

import (
	"fmt"
	"sync"
	"time"

	"greencandle-go/internal/binance"
	"greencandle-go/internal/config"
	"greencandle-go/internal/ledger"
	"greencandle-go/internal/metrics"
	"greencandle-go/internal/models"
	"greencandle-go/internal/notify"

	"go.uber.org/zap"
)

// Ledger is the trade record the lifecycle reads and writes.
type Ledger interface {
	OpenTrades(scope ledger.Scope) ([]models.Trade, error)
	OpenTradeEntry(pair string, scope ledger.Scope) (*models.Trade, error)
	CountOpenTrades(pair string, scope ledger.Scope) (int64, error)
	InsertTrade(trade *models.Trade) error
	CloseTrade(pair string, scope ledger.Scope, fields ledger.CloseFields) (*models.Trade, error)
	CurrentlyBorrowed(pair, mode string) ([]ledger.Borrowed, error)
	CompleteCommission() (float64, bool, error)
	LastQuoteIn(quote string) (float64, error)
	VarValue(name string) (string, bool, error)
}

// PairEvent is one open or close candidate. Hint is a direction hint: positive for long,
// negative for short, zero for none.
type PairEvent struct {
	Pair  string
	Time  time.Time
	Price float64
	Event string
	Hint  int
}

// CloseRequest closes every open trade of the candidate pairs. Drawdowns and Drawups are
// keyed by pair. With SkipLedger the orders are placed but the ledger is left untouched.
type CloseRequest struct {
	Candidates []PairEvent
	Drawdowns  map[string]float64
	Drawups    map[string]float64
	SkipLedger bool
}

// Trader runs the open and close lifecycle of one strategy.
type Trader struct {
	cfg      config.Trading
	exchange binance.RestClientInterface
	ledger   Ledger
	notifier notify.Sink
	logger   *zap.Logger
	now      func() time.Time

	// batch serialises OpenTrade and CloseTrade; tickers lives for one batch.
	batch   sync.Mutex
	tickers *tickerSnapshot

	rulesOnce     sync.Once
	exchangeRules map[string]binance.SymbolInfo
}

// NewTrader validates the trade type and direction of the strategy.
func NewTrader(cfg *config.Config, exchange binance.RestClientInterface, l Ledger, notifier notify.Sink, logger *zap.Logger) (*Trader, error) {
	if err := config.ValidateTrade(cfg.Trading.TradeType, cfg.Trading.TradeDirection); err != nil {
		return nil, err
	}
	return &Trader{
		cfg:           cfg.Trading,
		exchange:      exchange,
		ledger:        l,
		notifier:      notifier,
		logger:        logger.Named("trader"),
		now:           time.Now,
		exchangeRules: make(map[string]binance.SymbolInfo),
	}, nil
}

func (t *Trader) scope() ledger.Scope {
	return ledger.Scope{Name: t.cfg.Name, Direction: t.cfg.TradeDirection}
}

func (t *Trader) margin() bool {
	return t.cfg.TradeType == config.TradeTypeMargin
}

func (t *Trader) short() bool {
	return t.cfg.TradeDirection == config.DirectionShort
}

func (t *Trader) simulated() bool {
	return t.cfg.TestData || t.cfg.TestTrade
}

// spotLive reports whether spot orders reach the exchange; test_trade uses the test endpoint.
func (t *Trader) spotLive() bool {
	return t.cfg.Production && !t.cfg.TestData
}

// marginLive reports whether margin borrow, order and repay calls reach the exchange.
func (t *Trader) marginLive() bool {
	return t.cfg.Production && !t.cfg.TestData && !t.cfg.TestTrade
}

// OpenTrades lists the open trades of this strategy.
func (t *Trader) OpenTrades() ([]models.Trade, error) {
	return t.ledger.OpenTrades(t.scope())
}

// OpenTrade filters the candidates and opens a trade for each remaining one. It returns
// true when at least one candidate was processed and all of them succeeded. The error is
// only set for an invalid trade configuration.
func (t *Trader) OpenTrade(candidates []PairEvent) (ok bool, err error) {
	if err := config.ValidateTrade(t.cfg.TradeType, t.cfg.TradeDirection); err != nil {
		return false, err
	}
	defer t.beginBatch()()
	defer t.recoverBatch("open", &ok)

	eligible := t.checkPairs(candidates)
	if len(eligible) == 0 {
		t.logger.Warn("No items to open trade with")
		return false, nil
	}

	t.logger.Info("Opening trades", zap.Int("count", len(eligible)),
		zap.String("trade_type", t.cfg.TradeType), zap.String("direction", t.cfg.TradeDirection))

	ok = true
	for _, c := range eligible {
		if !t.isolate(c.Pair, func() bool { return t.open(c) }) {
			ok = false
		}
	}
	return ok, nil
}

func (t *Trader) open(c PairEvent) bool {
	switch {
	case !t.margin():
		return t.openSpotLong(c)
	case t.short():
		return t.openMarginShort(c)
	default:
		return t.openMarginLong(c)
	}
}

// CloseTrade closes every open trade of each candidate pair. When a pair has more open rows
// than it has candidates, extra closes are added so no row is left open.
func (t *Trader) CloseTrade(req CloseRequest) (ok bool, err error) {
	if err := config.ValidateTrade(t.cfg.TradeType, t.cfg.TradeDirection); err != nil {
		return false, err
	}
	defer t.beginBatch()()
	defer t.recoverBatch("close", &ok)

	if len(req.Candidates) == 0 {
		t.logger.Warn("No items to close trade with")
		return false, nil
	}

	candidates := t.expandCloses(req.Candidates)

	ok = true
	for _, c := range candidates {
		if !t.isolate(c.Pair, func() bool { return t.close(c, req) }) {
			ok = false
		}
	}
	return ok, nil
}

func (t *Trader) expandCloses(candidates []PairEvent) []PairEvent {
	out := append([]PairEvent{}, candidates...)
	supplied := make(map[string]int, len(candidates))
	for _, c := range candidates {
		supplied[c.Pair]++
	}
	for _, c := range candidates {
		n, seen := supplied[c.Pair]
		if !seen {
			continue
		}
		delete(supplied, c.Pair)
		count, err := t.ledger.CountOpenTrades(c.Pair, t.scope())
		if err != nil {
			t.logger.Error("Failed to count open trades", zap.String("pair", c.Pair), zap.Error(err))
			continue
		}
		for ; count > int64(n); count-- {
			out = append(out, c)
		}
	}
	return out
}

func (t *Trader) close(c PairEvent, req CloseRequest) bool {
	switch {
	case !t.margin():
		return t.closeSpotLong(c, req)
	default:
		return t.closeMargin(c, req)
	}
}

// isolate runs fn for one pair; a panic fails that pair only.
func (t *Trader) isolate(pair string, fn func() bool) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Unhandled panic while processing pair",
				zap.Bool("critical", true), zap.String("pair", pair), zap.Any("panic", r))
			metrics.LifecycleFailures.WithLabelValues(metrics.StagePanic).Inc()
			ok = false
		}
	}()
	return fn()
}

func (t *Trader) recoverBatch(op string, ok *bool) {
	if r := recover(); r != nil {
		t.logger.Error("Unhandled panic in batch",
			zap.Bool("critical", true), zap.String("op", op), zap.Any("panic", r))
		metrics.LifecycleFailures.WithLabelValues(metrics.StagePanic).Inc()
		*ok = false
	}
}

// critical logs an operator-facing inconsistency and raises an alert.
func (t *Trader) critical(pair, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	t.logger.Error(msg, zap.Bool("critical", true), zap.String("pair", pair))
	t.notifier.Emit(notify.ChannelAlerts, notify.Text("%s: %s", t.cfg.Name, msg))
}

func (t *Trader) fail(stage string) bool {
	metrics.LifecycleFailures.WithLabelValues(stage).Inc()
	return false
}
