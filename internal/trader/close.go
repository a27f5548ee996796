package trader

import (
	"errors"

	"greencandle-go/internal/binance"
	"greencandle-go/internal/ledger"
	"greencandle-go/internal/metrics"
	"greencandle-go/internal/models"
	"greencandle-go/internal/notify"
	"greencandle-go/internal/perc"

	"go.uber.org/zap"
)

// openEntry loads the trade a close applies to; ok is false when there is nothing to close.
func (t *Trader) openEntry(pair string) (*models.Trade, bool) {
	trade, err := t.ledger.OpenTradeEntry(pair, t.scope())
	if errors.Is(err, ledger.ErrNoOpenTrade) {
		t.logger.Warn("No open trade to close", zap.String("pair", pair), zap.String("name", t.cfg.Name))
		return nil, false
	}
	if err != nil {
		t.logger.Error("Failed to get open trade", zap.String("pair", pair), zap.Error(err))
		metrics.LifecycleFailures.WithLabelValues(metrics.StageLedger).Inc()
		return nil, false
	}
	return trade, true
}

// estimateClose values the trade at price before any order is placed.
func estimateClose(trade *models.Trade, price float64) fill {
	f := fill{price: price, base: trade.BaseIn}
	if trade.OpenPrice > 0 {
		f.quote = trade.QuoteIn * price / trade.OpenPrice
	}
	return f
}

func (t *Trader) closeSpotLong(c PairEvent, req CloseRequest) bool {
	trade, ok := t.openEntry(c.Pair)
	if !ok {
		return false
	}
	f := estimateClose(trade, c.Price)

	if t.spotLive() {
		amt := t.formatQuantity(c.Pair, trade.BaseIn)
		resp, err := t.exchange.CreateSpotOrder(c.Pair, binance.OrderSideSell, amt, t.cfg.TestTrade)
		if err != nil {
			t.logger.Error("Failed to close spot trade", zap.String("pair", c.Pair),
				zap.Float64("quantity", amt), zap.Error(err))
			return t.fail(metrics.StageOrder)
		}
		f.apply(t, resp)
	}

	return t.recordClose(c, req, trade, f)
}

func (t *Trader) closeMargin(c PairEvent, req CloseRequest) bool {
	trade, ok := t.openEntry(c.Pair)
	if !ok {
		return false
	}
	f := estimateClose(trade, c.Price)

	if t.marginLive() {
		base, quote := splitPair(c.Pair)
		side, asset := binance.OrderSideSell, quote
		if t.short() {
			side, asset = binance.OrderSideBuy, base
		}

		amt := t.formatQuantity(c.Pair, trade.BaseIn)
		resp, err := t.exchange.CreateMarginOrder(c.Pair, side, amt, t.cfg.Isolated)
		if err != nil {
			t.logger.Error("Failed to close margin trade", zap.String("pair", c.Pair),
				zap.String("side", side), zap.Float64("quantity", amt), zap.Error(err))
			return t.fail(metrics.StageOrder)
		}
		f.apply(t, resp)

		t.repay(c.Pair, asset, trade.Borrowed)
	}

	return t.recordClose(c, req, trade, f)
}

// repay returns at most what the trade borrowed and never more than the exchange still
// reports as owed. A failed repay leaves the close in place and raises an alert.
func (t *Trader) repay(pair, asset string, borrowed float64) {
	if borrowed <= 0 {
		return
	}
	actual, err := t.exchange.GetBorrowed(pair, asset, t.cfg.Isolated)
	if err != nil {
		metrics.LifecycleFailures.WithLabelValues(metrics.StageRepay).Inc()
		t.critical(pair, "could not get borrowed %s, %f left unpaid: %v", asset, borrowed, err)
		return
	}

	amount := min(borrowed, actual)
	if amount <= 0 {
		t.logger.Info("Nothing to repay", zap.String("pair", pair), zap.String("asset", asset))
		return
	}
	if err := t.exchange.Repay(pair, asset, amount, t.cfg.Isolated); err != nil {
		metrics.LifecycleFailures.WithLabelValues(metrics.StageRepay).Inc()
		t.critical(pair, "repay of %f %s failed: %v", amount, asset, err)
		return
	}
	t.logger.Info("Repaid loan", zap.String("pair", pair), zap.String("asset", asset), zap.Float64("amount", amount))
}

func (t *Trader) recordClose(c PairEvent, req CloseRequest, trade *models.Trade, f fill) bool {
	if req.SkipLedger {
		t.logger.Info("Closed trade without ledger update", zap.String("pair", c.Pair), zap.Float64("price", f.price))
		return true
	}

	closeTime := c.Time
	if closeTime.IsZero() {
		closeTime = t.now()
	}

	closed, err := t.ledger.CloseTrade(c.Pair, t.scope(), ledger.CloseFields{
		CloseTime:  closeTime,
		ClosePrice: f.price,
		QuoteOut:   f.quote,
		BaseOut:    f.base,
		Commission: f.commission,
		OrderID:    f.orderID,
		Drawdown:   req.Drawdowns[c.Pair],
		Drawup:     req.Drawups[c.Pair],
		ClosedBy:   t.cfg.Name,
	})
	if err != nil {
		t.critical(c.Pair, "closed trade could not be recorded: %v", err)
		return t.fail(metrics.StageLedger)
	}

	_, quoteAsset := splitPair(c.Pair)
	profitUSD, err := t.toUSD(closed.QuoteProfit(), quoteAsset)
	if err != nil {
		t.logger.Warn("Could not value profit in USD", zap.String("pair", c.Pair), zap.Error(err))
	}
	quoteUSD, err := t.toUSD(f.quote, quoteAsset)
	if err != nil {
		t.logger.Warn("Could not value trade in USD", zap.String("pair", c.Pair), zap.Error(err))
	}
	move := perc.Diff(trade.OpenPrice, f.price)
	if t.short() {
		move = -move
	}

	t.notifier.Emit(notify.ChannelTrades, notify.Trade(notify.TradeEvent{
		Action:     notify.ActionClose,
		Pair:       c.Pair,
		Name:       t.cfg.Name,
		Interval:   t.cfg.Interval,
		Direction:  t.cfg.TradeDirection,
		TradeType:  t.cfg.TradeType,
		Event:      c.Event,
		Price:      f.price,
		Quote:      f.quote,
		QuoteUSD:   quoteUSD,
		Base:       f.base,
		Borrowed:   closed.Borrowed,
		Commission: f.commission,
		Perc:       &move,
		ProfitUSD:  &profitUSD,
		OpenTime:   closed.OpenTime,
		CloseTime:  closeTime,
	}))
	metrics.TradesClosed.WithLabelValues(t.cfg.TradeType, t.cfg.TradeDirection).Inc()

	t.logger.Info("Closed trade", zap.String("pair", c.Pair), zap.Float64("price", f.price),
		zap.Float64("perc", move), zap.Float64("profit_usd", profitUSD))
	return true
}
