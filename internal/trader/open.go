package trader

import (
	"greencandle-go/internal/binance"
	"greencandle-go/internal/metrics"
	"greencandle-go/internal/models"
	"greencandle-go/internal/notify"
	"greencandle-go/internal/perc"

	"go.uber.org/zap"
)

// fill is what an open or close ends up recording: estimates, replaced by the exchange
// result when a live order executed.
type fill struct {
	price      float64
	base       float64
	quote      float64
	commission float64
	orderID    int64
}

// apply replaces the estimates with the executed amounts of a live order. Test orders come
// back without a transaction time and leave the estimates in place.
func (f *fill) apply(t *Trader, resp *binance.CreateOrderResponse) {
	if resp == nil || resp.TransactTime == 0 {
		return
	}
	base, quote := resp.Executed()
	if base > 0 {
		f.base, f.quote = base, quote
		f.price = resp.FillPrice()
	}
	f.commission = t.commission(resp)
	f.orderID = resp.OrderID
}

// haircut takes half of the historical round trip commission off simulated fills.
func (t *Trader) haircut(pair string, f *fill) {
	if !t.simulated() {
		return
	}
	cc, ok, err := t.ledger.CompleteCommission()
	if err != nil {
		t.logger.Warn("Could not get complete commission", zap.String("pair", pair), zap.Error(err))
		return
	}
	if ok {
		f.base = perc.Sub(cc/2, f.base)
	}
}

func (t *Trader) openSpotLong(c PairEvent) bool {
	l := t.logger.With(zap.String("pair", c.Pair))

	size, err := t.totalAmountToUse(c.Pair, c.Price)
	if err != nil {
		l.Error("Failed to size trade", zap.Error(err))
		return t.fail(metrics.StageBalance)
	}
	if size.Balance <= 0 {
		t.critical(c.Pair, "zero %s balance, unable to open trade", size.Asset)
		return t.fail(metrics.StageBalance)
	}

	amt := t.formatQuantity(c.Pair, size.Balance/c.Price)
	f := fill{price: c.Price, base: amt, quote: size.Balance}

	if t.spotLive() {
		resp, err := t.exchange.CreateSpotOrder(c.Pair, binance.OrderSideBuy, amt, t.cfg.TestTrade)
		if err != nil {
			l.Error("Failed to open spot trade", zap.Float64("quantity", amt), zap.Error(err))
			return t.fail(metrics.StageOrder)
		}
		f.apply(t, resp)
	}
	t.haircut(c.Pair, &f)

	return t.recordOpen(c, f, 0, 0)
}

func (t *Trader) openMarginLong(c PairEvent) bool {
	l := t.logger.With(zap.String("pair", c.Pair))
	_, quoteAsset := splitPair(c.Pair)

	size, err := t.totalAmountToUse(c.Pair, c.Price)
	if err != nil {
		l.Error("Failed to size trade", zap.Error(err))
		return t.fail(metrics.StageBalance)
	}

	borrow, borrowUSD := size.Loan, size.LoanUSD
	quote := size.Balance + borrow
	f := fill{price: c.Price, base: quote / c.Price, quote: quote}

	if t.marginLive() {
		var amt float64
		if borrow <= 0 {
			t.critical(c.Pair, "unable to borrow %s, opening with balance only", quoteAsset)
			borrow, borrowUSD = 0, 0
			f.quote = size.Balance
			amt = t.formatQuantity(c.Pair, size.Balance/c.Price)
		} else {
			if err := t.exchange.Borrow(c.Pair, quoteAsset, borrow, t.cfg.Isolated); err != nil {
				l.Error("Failed to borrow", zap.String("asset", quoteAsset), zap.Float64("amount", borrow), zap.Error(err))
				return t.fail(metrics.StageBorrow)
			}
			amt = t.formatQuantity(c.Pair, f.base)
		}
		f.base = amt

		resp, err := t.exchange.CreateMarginOrder(c.Pair, binance.OrderSideBuy, amt, t.cfg.Isolated)
		if err != nil {
			l.Error("Failed to open margin trade", zap.Float64("quantity", amt), zap.Error(err))
			t.unwindBorrow(c.Pair, quoteAsset, borrow)
			return t.fail(metrics.StageOrder)
		}
		f.apply(t, resp)
	}
	t.haircut(c.Pair, &f)

	return t.recordOpen(c, f, borrow, borrowUSD)
}

func (t *Trader) openMarginShort(c PairEvent) bool {
	l := t.logger.With(zap.String("pair", c.Pair))
	baseAsset, _ := splitPair(c.Pair)

	size, err := t.totalAmountToUse(c.Pair, c.Price)
	if err != nil {
		l.Error("Failed to size trade", zap.Error(err))
		return t.fail(metrics.StageBalance)
	}

	borrow, borrowUSD := size.Loan, size.LoanUSD
	totalBase := t.formatQuantity(c.Pair, perc.Sub(1, borrow+size.Balance))
	f := fill{price: c.Price, base: totalBase, quote: totalBase * c.Price}

	if t.marginLive() {
		amt := totalBase
		if borrow <= 0 {
			t.critical(c.Pair, "unable to borrow %s, opening with balance only", baseAsset)
			borrow, borrowUSD = 0, 0
			amt = t.formatQuantity(c.Pair, size.Balance)
			f.base, f.quote = amt, amt*c.Price
		} else if err := t.exchange.Borrow(c.Pair, baseAsset, borrow, t.cfg.Isolated); err != nil {
			l.Error("Failed to borrow", zap.String("asset", baseAsset), zap.Float64("amount", borrow), zap.Error(err))
			return t.fail(metrics.StageBorrow)
		}

		resp, err := t.exchange.CreateMarginOrder(c.Pair, binance.OrderSideSell, amt, t.cfg.Isolated)
		if err != nil {
			l.Error("Failed to open short margin trade", zap.Float64("quantity", amt), zap.Error(err))
			t.unwindBorrow(c.Pair, baseAsset, borrow)
			return t.fail(metrics.StageOrder)
		}
		f.apply(t, resp)
	}
	t.haircut(c.Pair, &f)

	return t.recordOpen(c, f, borrow, borrowUSD)
}

// unwindBorrow handles an order that failed after its loan was taken. The loan is left on
// the exchange unless compensating repays are enabled.
func (t *Trader) unwindBorrow(pair, asset string, amount float64) {
	if amount <= 0 {
		return
	}
	t.critical(pair, "borrowed %f %s but the order failed", amount, asset)
	if !t.cfg.CompensatingRepay {
		return
	}
	if err := t.exchange.Repay(pair, asset, amount, t.cfg.Isolated); err != nil {
		metrics.LifecycleFailures.WithLabelValues(metrics.StageRepay).Inc()
		t.critical(pair, "compensating repay of %f %s failed: %v", amount, asset, err)
		return
	}
	t.logger.Info("Repaid loan of failed order", zap.String("pair", pair),
		zap.String("asset", asset), zap.Float64("amount", amount))
}

func (t *Trader) recordOpen(c PairEvent, f fill, borrowed, borrowedUSD float64) bool {
	_, quoteAsset := splitPair(c.Pair)
	openTime := c.Time
	if openTime.IsZero() {
		openTime = t.now()
	}

	trade := &models.Trade{
		Pair:           c.Pair,
		Name:           t.cfg.Name,
		Interval:       t.cfg.Interval,
		Direction:      t.cfg.TradeDirection,
		TradeType:      t.cfg.TradeType,
		MarginMode:     t.cfg.MarginMode(),
		SymbolName:     quoteAsset,
		OpenTime:       openTime,
		OpenPrice:      f.price,
		QuoteIn:        f.quote,
		BaseIn:         f.base,
		Borrowed:       borrowed,
		BorrowedUSD:    borrowedUSD,
		Divisor:        t.cfg.Divisor,
		OpenCommission: f.commission,
		OpenOrderID:    f.orderID,
	}
	if err := t.ledger.InsertTrade(trade); err != nil {
		t.critical(c.Pair, "opened trade could not be recorded: %v", err)
		return t.fail(metrics.StageLedger)
	}

	quoteUSD, err := t.toUSD(f.quote, quoteAsset)
	if err != nil {
		t.logger.Warn("Could not value trade in USD", zap.String("pair", c.Pair), zap.Error(err))
	}
	t.notifier.Emit(notify.ChannelTrades, notify.Trade(notify.TradeEvent{
		Action:     notify.ActionOpen,
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
		Borrowed:   borrowed,
		Commission: f.commission,
		OpenTime:   openTime,
	}))
	metrics.TradesOpened.WithLabelValues(t.cfg.TradeType, t.cfg.TradeDirection).Inc()

	t.logger.Info("Opened trade", zap.String("pair", c.Pair), zap.Float64("price", f.price),
		zap.Float64("quote_in", f.quote), zap.Float64("base_in", f.base), zap.Float64("borrowed", borrowed))
	return true
}
